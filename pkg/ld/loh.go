package ld

import (
	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/ld/arm64"
	"github.com/blacktop/machlink/pkg/macho"
)

// hintSite is one instruction named by an optimization hint.
type hintSite struct {
	addr uint64
	off  int64 // file offset
	ins  uint32
	seg  *Segment
}

// optimizeHints rewrites the instruction sequences named by optimization
// hints into shorter equivalents. Anything that does not match exactly is
// left alone.
func (l *Linker) optimizeHints() error {
	if !l.opts.Arch.IsARM64() || !l.opts.finalImage() || !l.opts.OptimizationHints {
		return nil
	}
	if l.opts.SplitSegVersion > 0 {
		// split seg info describes the instructions as emitted
		l.stats.LOH.NotApplied += len(l.lohs)
		log.WithField("hints", len(l.lohs)).Debug("optimization hints ignored for split seg output")
		return nil
	}
	for _, h := range l.lohs {
		sites, ok := l.hintSites(h)
		if !ok {
			l.stats.LOH.NotApplied++
			continue
		}
		if !l.optimizeHint(h.kind, sites) {
			l.stats.LOH.NotApplied++
			log.WithFields(log.Fields{"kind": h.kind, "address": sites[0].addr}).Debug("optimization hint not applied")
			continue
		}
		for _, s := range sites {
			var b [4]byte
			l.order.PutUint32(b[:], s.ins)
			if _, err := l.image.WriteAt(b[:], s.off); err != nil {
				return err
			}
		}
	}
	log.WithFields(log.Fields{
		"noped":   l.stats.LOH.ADRPNoped,
		"adr":     l.stats.LOH.ADRPToADR,
		"literal": l.stats.LOH.LoadToLiteral,
		"folded":  l.stats.LOH.OffsetFolded,
		"skipped": l.stats.LOH.NotApplied,
	}).Debug("optimization hints")
	return nil
}

// hintSites reads the instructions of a hint. All of them must sit in code
// sections of one segment.
func (l *Linker) hintSites(h lohEntry) ([]hintSite, bool) {
	var seg *Segment
	sites := make([]hintSite, 0, len(h.address))
	for _, addr := range h.address {
		sect := l.sectionFor(addr)
		if sect == nil || sect.Type != TypeCode || addr&3 != 0 {
			return nil, false
		}
		if seg != nil && sect.segment != seg {
			return nil, false
		}
		seg = sect.segment
		off := int64(sect.fileOffset + addr - sect.address)
		var b [4]byte
		if _, err := l.image.ReadAt(b[:], off); err != nil {
			return nil, false
		}
		sites = append(sites, hintSite{addr: addr, off: off, ins: l.order.Uint32(b[:]), seg: seg})
	}
	return sites, true
}

// local reports whether target lies in the segment holding s. Rewrites to
// pc-relative forms are only valid when both move together.
func (l *Linker) local(s hintSite, target uint64) bool {
	sect := l.sectionFor(target)
	return sect != nil && sect.segment == s.seg
}

func adrpTarget(s hintSite) uint64 {
	return uint64(int64(arm64.Page(s.addr)) + arm64.Page21(s.ins))
}

func (l *Linker) optimizeHint(kind uint8, s []hintSite) bool {
	switch kind {
	case macho.LOH_ARM64_ADRP_ADRP:
		return l.adrpADRP(s)
	case macho.LOH_ARM64_ADRP_ADD:
		return l.adrpADD(s)
	case macho.LOH_ARM64_ADRP_LDR:
		return l.adrpLDR(s)
	case macho.LOH_ARM64_ADRP_ADD_LDR:
		return l.adrpADDLoadStore(s, true)
	case macho.LOH_ARM64_ADRP_ADD_STR:
		return l.adrpADDLoadStore(s, false)
	case macho.LOH_ARM64_ADRP_LDR_GOT:
		if arm64.IsADD(s[1].ins) {
			l.stats.LOH.GOTLoadToADD++
			return l.adrpADD(s)
		}
		return l.adrpLDR(s)
	case macho.LOH_ARM64_ADRP_LDR_GOT_LDR, macho.LOH_ARM64_ADRP_LDR_GOT_STR:
		if arm64.IsADD(s[1].ins) {
			l.stats.LOH.GOTLoadToADD++
			return l.adrpADDLoadStore(s, kind == macho.LOH_ARM64_ADRP_LDR_GOT_LDR)
		}
		return l.adrpLDR(s[:2])
	}
	return false
}

// adrpADRP drops a second ADRP that recomputes the same page.
func (l *Linker) adrpADRP(s []hintSite) bool {
	if !arm64.IsADRP(s[0].ins) || !arm64.IsADRP(s[1].ins) {
		return false
	}
	if arm64.Rd(s[0].ins) != arm64.Rd(s[1].ins) || adrpTarget(s[0]) != adrpTarget(s[1]) {
		return false
	}
	s[1].ins = arm64.NOP
	l.stats.LOH.ADRPNoped++
	return true
}

// adrpADD turns "adrp; add" into "adr; nop".
func (l *Linker) adrpADD(s []hintSite) bool {
	adrp, add := s[0], s[1]
	if !arm64.IsADRP(adrp.ins) || !arm64.IsADD(add.ins) {
		return false
	}
	rd := arm64.Rd(adrp.ins)
	if arm64.Rn(add.ins) != rd || arm64.Rd(add.ins) != rd {
		return false
	}
	target := adrpTarget(adrp) + uint64(arm64.Imm12(add.ins))
	delta := int64(target - adrp.addr)
	if !l.local(adrp, target) || !arm64.ADRInRange(delta) {
		return false
	}
	s[0].ins = arm64.ADR(rd, delta)
	s[1].ins = arm64.NOP
	l.stats.LOH.ADRPToADR++
	return true
}

// adrpLDR turns "adrp; ldr [xn, #off]" into "nop; ldr literal".
func (l *Linker) adrpLDR(s []hintSite) bool {
	adrp, ldr := s[0], s[1]
	if !arm64.IsADRP(adrp.ins) || !arm64.IsLoad(ldr.ins) || arm64.Rn(ldr.ins) != arm64.Rd(adrp.ins) {
		return false
	}
	target := adrpTarget(adrp) + uint64(arm64.LoadStoreOffset(ldr.ins))
	if !l.local(adrp, target) {
		return false
	}
	lit, ok := arm64.LiteralLoad(ldr.ins, int64(target-ldr.addr))
	if !ok {
		return false
	}
	s[0].ins = arm64.NOP
	s[1].ins = lit
	l.stats.LOH.ADRPNoped++
	l.stats.LOH.LoadToLiteral++
	return true
}

// adrpADDLoadStore shortens "adrp; add; ldr/str". A load whose result
// overwrites the address register becomes a literal load. Otherwise the
// page computation becomes an ADR, or the add folds into the access.
func (l *Linker) adrpADDLoadStore(s []hintSite, load bool) bool {
	adrp, add, mem := s[0], s[1], s[2]
	if !arm64.IsADRP(adrp.ins) || !arm64.IsADD(add.ins) || !arm64.IsLoadStoreImm12(mem.ins) {
		return false
	}
	if arm64.IsLoad(mem.ins) != load {
		return false
	}
	rd := arm64.Rd(adrp.ins)
	if arm64.Rn(add.ins) != rd || arm64.Rn(mem.ins) != arm64.Rd(add.ins) {
		return false
	}
	addr := adrpTarget(adrp) + uint64(arm64.Imm12(add.ins))
	final := addr + uint64(arm64.LoadStoreOffset(mem.ins))
	if !l.local(adrp, addr) || !l.local(adrp, final) {
		return false
	}

	if load && arm64.Rd(mem.ins) == arm64.Rd(add.ins) {
		if lit, ok := arm64.LiteralLoad(mem.ins, int64(final-mem.addr)); ok {
			s[0].ins, s[1].ins, s[2].ins = arm64.NOP, arm64.NOP, lit
			l.stats.LOH.ADRPNoped++
			l.stats.LOH.LoadToLiteral++
			return true
		}
	}
	if arm64.Rd(add.ins) != rd {
		return false
	}
	if delta := int64(addr - adrp.addr); arm64.ADRInRange(delta) {
		s[0].ins = arm64.ADR(rd, delta)
		s[1].ins = arm64.NOP
		l.stats.LOH.ADRPToADR++
		return true
	}
	if arm64.Page(final) != adrpTarget(adrp) {
		return false
	}
	folded, ok := arm64.WithOffset(mem.ins, uint32(final&0xFFF))
	if !ok {
		return false
	}
	s[1].ins = arm64.NOP
	s[2].ins = folded
	l.stats.LOH.OffsetFolded++
	return true
}
