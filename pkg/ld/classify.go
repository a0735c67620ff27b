package ld

import (
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/ld/chained"
	"github.com/blacktop/machlink/pkg/ld/dyldinfo"
	"github.com/blacktop/machlink/pkg/ld/splitseg"
	"github.com/blacktop/machlink/pkg/macho"
)

// buildDynamicInfo walks every fixup cluster once and records what the
// loader must do with it, plus the per site side tables.
func (l *Linker) buildDynamicInfo() error {
	for _, sect := range l.sections {
		if sect.Type == TypeLinkEdit || sect == l.headerSection {
			continue
		}
		for _, a := range sect.Atoms {
			cs, err := l.parseClusters(a)
			if err != nil {
				return err
			}
			for _, c := range cs {
				if err := l.classify(c); err != nil {
					return c.fixupError(err)
				}
			}
			l.collectMarkers(a)
			if l.opts.FunctionStarts && l.opts.finalImage() && a.ContentType == ContentCode && a.Size > 0 {
				addr := a.Address()
				if a.Thumb {
					addr |= 1
				}
				l.funcStarts = append(l.funcStarts, addr)
			}
		}
	}
	if !l.opts.finalImage() {
		if err := l.buildSectionRelocs(); err != nil {
			return err
		}
	}
	sort.Slice(l.funcStarts, func(i, j int) bool { return l.funcStarts[i] < l.funcStarts[j] })
	l.buildExports()

	l.stats.Rebases = len(l.rebases)
	l.stats.Binds = len(l.binds)
	l.stats.WeakBinds = len(l.weakBinds)
	l.stats.LazyBinds = len(l.lazyBinds)
	l.stats.ChainedImports = len(l.chainedImports)
	l.stats.LocalRelocs = len(l.localRelocs)
	l.stats.ExternRelocs = len(l.externRelocs)
	l.stats.SplitSegRefs = len(l.splitSeg)
	log.WithFields(log.Fields{
		"rebases":     len(l.rebases) + l.chainedRebases(),
		"binds":       len(l.binds),
		"weak-binds":  len(l.weakBinds),
		"lazy-binds":  len(l.lazyBinds),
		"imports":     len(l.chainedImports),
		"split-seg":   len(l.splitSeg),
		"func-starts": len(l.funcStarts),
	}).Debug("dynamic info")
	return nil
}

func (l *Linker) chainedRebases() int {
	n := 0
	for _, s := range l.slots {
		if !s.bind {
			n++
		}
	}
	return n
}

// classify decides whether a cluster needs a rebase, a bind, both, or
// nothing, and notes cross segment references.
func (l *Linker) classify(c *cluster) error {
	if c.store == nil {
		return nil
	}
	if l.opts.SplitSegVersion > 0 {
		l.noteSplitSeg(c)
	}
	if !l.opts.finalImage() {
		return nil
	}
	t := c.target
	if c.store.Kind == KindSetLazyOffset || t == nil {
		return nil
	}
	dynamic := l.opts.isDynamic() || l.opts.OutputKind == OutputKext

	if c.store.Kind.IsPCRel() || c.minus != nil || c.setKind != KindSetTargetAddress {
		if dynamic && t.IsProxy() && c.minus == nil {
			if l.opts.usesClassic() && c.store.Kind.IsPCRel() {
				return l.classicBranch(c)
			}
			return fmt.Errorf("pc-relative reference to %s in another image", t)
		}
		return nil
	}
	if !c.store.Kind.IsPointerStore(l.ptrSize) {
		if !dynamic {
			return nil
		}
		if t.IsProxy() {
			return fmt.Errorf("%s cannot be bound by a %s store", t, c.store.Kind)
		}
		if t.IsGlobalWeakDef() {
			l.warnWeakDirect(c)
		}
		if l.opts.slidable() && t.Definition != DefinitionAbsolute && !l.allowTextReloc() {
			return fmt.Errorf("%w: %s store of %s cannot slide", ErrTextReloc, c.store.Kind, t)
		}
		return nil
	}
	if !dynamic {
		return nil
	}
	if t.Definition == DefinitionAbsolute {
		return nil
	}
	if err := l.checkAligned(c); err != nil {
		return err
	}
	seg := c.atom.section.segment
	if !seg.Writable() && !l.allowTextReloc() && (t.IsProxy() || l.opts.slidable()) {
		return fmt.Errorf("%w: pointer to %s in read-only segment %s", ErrTextReloc, t, seg.Name)
	}

	switch {
	case l.opts.usesClassic():
		return l.classicPointer(c)
	case l.opts.usesChained():
		return l.chainedPointer(c)
	}
	return l.dyldInfoPointer(c)
}

func (l *Linker) allowTextReloc() bool {
	return l.opts.AllowTextRelocs && l.opts.Arch == macho.ArchI386
}

func (l *Linker) warnWeakDirect(c *cluster) {
	log.WithFields(log.Fields{
		"atom":    c.atom.String(),
		"target":  c.target.String(),
		"address": fmt.Sprintf("%#x", c.site()),
	}).Warn("direct reference to a weak definition may be overridden at runtime")
}

func (l *Linker) checkAligned(c *cluster) error {
	site := c.site()
	if l.opts.usesChained() && site%chained.Stride(l.opts.ChainedFormat) != 0 {
		return fmt.Errorf("%w: chained fixup at %#x is not %d byte aligned", ErrUnaligned, site, chained.Stride(l.opts.ChainedFormat))
	}
	if site%uint64(l.ptrSize) == 0 {
		return nil
	}
	switch l.opts.Unaligned {
	case UnalignedError:
		return fmt.Errorf("%w: pointer at %#x", ErrUnaligned, site)
	case UnalignedWarn:
		log.WithFields(log.Fields{
			"atom":    c.atom.String(),
			"target":  c.target.String(),
			"address": fmt.Sprintf("%#x", site),
		}).Warn("unaligned pointer")
	}
	return nil
}

func (l *Linker) segOffset(c *cluster) (int, uint64) {
	seg := c.atom.section.segment
	return seg.index, c.site() - seg.address
}

func (l *Linker) dyldInfoPointer(c *cluster) error {
	t := c.target
	segIndex, segOff := l.segOffset(c)
	if c.atom.ContentType == ContentLazyPointer && c.lazy != nil && c.lazy.IsProxy() {
		l.lazyBinds = append(l.lazyBinds, dyldinfo.Bind{
			Type:       macho.BIND_TYPE_POINTER,
			LibOrdinal: l.bindOrdinal(c.lazy),
			Name:       c.lazy.Name,
			Flags:      l.bindFlags(c.lazy),
			SegIndex:   segIndex,
			SegOffset:  segOff,
		})
		l.lazyAtoms = append(l.lazyAtoms, c.atom)
		if !t.IsProxy() && l.opts.slidable() {
			l.rebases = append(l.rebases, dyldinfo.Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: segIndex, SegOffset: segOff})
		}
		return nil
	}
	switch {
	case t.IsProxy():
		b := dyldinfo.Bind{
			Type:       macho.BIND_TYPE_POINTER,
			LibOrdinal: l.bindOrdinal(t),
			Name:       t.Name,
			Flags:      l.bindFlags(t),
			SegIndex:   segIndex,
			SegOffset:  segOff,
			Addend:     c.addend,
		}
		l.binds = append(l.binds, b)
		if t.Combine == CombineByName {
			b.LibOrdinal = 0
			b.Flags = 0
			l.weakBinds = append(l.weakBinds, b)
		}
	case t.IsGlobalWeakDef():
		if l.opts.slidable() {
			l.rebases = append(l.rebases, dyldinfo.Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: segIndex, SegOffset: segOff})
		}
		l.weakBinds = append(l.weakBinds, dyldinfo.Bind{
			Type:      macho.BIND_TYPE_POINTER,
			Name:      t.Name,
			SegIndex:  segIndex,
			SegOffset: segOff,
			Addend:    c.addend,
		})
	default:
		if l.opts.slidable() {
			l.rebases = append(l.rebases, dyldinfo.Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: segIndex, SegOffset: segOff})
		}
	}
	return nil
}

func (l *Linker) bindFlags(t *Atom) uint8 {
	if l.isWeakImport(t) {
		return macho.BIND_SYMBOL_FLAGS_WEAK_IMPORT
	}
	return 0
}

// chainedPointer records a slot for the chain. Binds share one import per
// (target, addend); addends that fit the pointer stay inline.
func (l *Linker) chainedPointer(c *cluster) error {
	t := c.target
	slot := &pointerSlot{
		atom:    c.atom,
		offset:  c.offset,
		address: c.site(),
		target:  t,
		addend:  c.addend,
		auth:    c.auth,
	}
	if c.auth != nil && !l.opts.Arch.SupportsPointerAuth() {
		return fmt.Errorf("authenticated pointer on %s", l.opts.Arch)
	}
	bindTo := t
	if c.atom.ContentType == ContentLazyPointer && c.lazy != nil && c.lazy.IsProxy() {
		bindTo, slot.addend = c.lazy, 0
	}
	switch {
	case bindTo.IsProxy():
		ord, err := l.chainedImport(bindTo, l.bindOrdinal(bindTo), slot)
		if err != nil {
			return err
		}
		slot.bind, slot.ordinal = true, ord
	case bindTo.IsGlobalWeakDef():
		ord, err := l.chainedImport(bindTo, macho.BIND_SPECIAL_DYLIB_WEAK_LOOKUP, slot)
		if err != nil {
			return err
		}
		slot.bind, slot.ordinal = true, ord
	case !l.opts.slidable():
		// fixed address image, the stored value is already final
		return nil
	}
	l.slots[fixupSite{atom: c.atom, offset: c.offset}] = slot
	return nil
}

func (l *Linker) chainedImport(t *Atom, libOrdinal int, slot *pointerSlot) (uint32, error) {
	f := l.opts.ChainedFormat
	key := bindKey{target: t, addend: slot.addend}
	if chained.InlineAddend(f, slot.addend, slot.auth != nil) {
		key.addend = 0
	} else {
		slot.addend = 0
	}
	if ord, ok := l.bindDict[key]; ok {
		return ord, nil
	}
	ord := uint32(len(l.chainedImports))
	if ord > chained.MaxOrdinal(f) {
		return 0, fmt.Errorf("%w: %d imports exceed the chained format", ErrOrdinal, ord+1)
	}
	l.chainedImports = append(l.chainedImports, chained.Import{
		LibOrdinal: libOrdinal,
		WeakImport: l.isWeakImport(t),
		Name:       t.Name,
		Addend:     key.addend,
	})
	l.bindDict[key] = ord
	return ord, nil
}

// sortedSlots returns the chained slots in address order.
func (l *Linker) sortedSlots() []*pointerSlot {
	out := make([]*pointerSlot, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// buildExports publishes every global definition of a dyld loaded image.
func (l *Linker) buildExports() {
	if !l.opts.isDynamic() || l.opts.usesClassic() {
		return
	}
	for _, s := range l.globals {
		a := s.atom
		if a.Scope != ScopeGlobal || a.IsProxy() {
			continue
		}
		e := dyldinfo.Export{Name: a.Name}
		switch {
		case a.Definition == DefinitionAbsolute:
			e.Flags = macho.EXPORT_SYMBOL_FLAGS_KIND_ABSOLUTE
			e.Address = a.AbsoluteValue
		case a.ContentType == ContentTLV || a.ContentType == ContentTLVZeroFill:
			e.Flags = macho.EXPORT_SYMBOL_FLAGS_KIND_THREAD_LOCAL
			e.Address = a.Address() - l.imageBase()
		default:
			e.Address = a.Address() - l.imageBase()
			if a.Thumb {
				e.Address |= 1
			}
		}
		if a.IsWeakDef() {
			e.Flags |= macho.EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION
		}
		l.exports = append(l.exports, e)
		if a.OverridesDylibWeakDef && !a.IsWeakDef() && l.opts.usesDyldInfo() {
			l.weakBinds = append(l.weakBinds, dyldinfo.Bind{Name: a.Name, Flags: macho.BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION})
		}
	}
}

// noteSplitSeg records references whose source and target live in
// different segments.
func (l *Linker) noteSplitSeg(c *cluster) {
	t := c.target
	if t == nil || t.IsProxy() || t.Definition == DefinitionAbsolute || t.section == nil || c.minus != nil && c.minus.section == nil {
		return
	}
	from := c.atom.section
	if from.segment == t.section.segment {
		return
	}
	kind, ok := l.splitSegKind(c)
	if !ok {
		return
	}
	e := splitseg.Entry{
		Kind:        kind,
		Address:     c.site() - l.imageBase(),
		FromSection: uint32(l.sectIndex(from)),
		FromOffset:  c.site() - from.address,
		ToSection:   uint32(l.sectIndex(t.section)),
		ToOffset:    t.Address() - t.section.address,
	}
	if c.store.Kind == KindStoreARMHigh16 || c.store.Kind == KindStoreThumbHigh16 {
		e.Carry = uint8(uint32(l.accumulate(c)) >> 12 & 0xF)
	}
	l.splitSeg = append(l.splitSeg, e)
}

func (l *Linker) splitSegKind(c *cluster) (uint8, bool) {
	v2 := l.opts.SplitSegVersion == 2
	k := c.store.Kind
	switch {
	case k.IsPointerStore(8):
		if v2 {
			if c.minus != nil {
				return macho.DYLD_CACHE_ADJ_V2_DELTA_64, true
			}
			return macho.DYLD_CACHE_ADJ_V2_POINTER_64, true
		}
		return macho.DYLD_CACHE_ADJ_V1_POINTER_64, c.minus == nil
	case k == KindStoreLittleEndian32 || k == KindStoreTargetAddressLittleEndian32:
		if v2 {
			switch {
			case c.setKind == KindSetTargetImageOffset:
				return macho.DYLD_CACHE_ADJ_V2_IMAGE_OFF_32, true
			case c.minus != nil:
				return macho.DYLD_CACHE_ADJ_V2_DELTA_32, true
			}
			return macho.DYLD_CACHE_ADJ_V2_POINTER_32, true
		}
		return macho.DYLD_CACHE_ADJ_V1_POINTER_32, c.minus == nil
	case k.IsPCRel() && (k >= KindStoreX86PCRel32 && k <= KindStoreX86PCRel32TLVLoadNowLEA ||
		k >= KindStoreTargetAddressX86PCRel32 && k <= KindStoreTargetAddressX86PCRel32TLVLoadNowLEA ||
		k == KindStoreTargetAddressX86BranchPCRel32 || k == KindStoreX86BranchPCRel32 || k == KindStoreARM64PCRelToGOT):
		if v2 {
			return macho.DYLD_CACHE_ADJ_V2_DELTA_32, true
		}
		return macho.DYLD_CACHE_ADJ_V1_POINTER_32, true
	}
	switch k {
	case KindStoreARM64Page21, KindStoreARM64GOTLoadPage21, KindStoreARM64GOTLeaPage21,
		KindStoreARM64TLVPLoadPage21, KindStoreARM64TLVPLoadNowLeaPage21,
		KindStoreTargetAddressARM64Page21, KindStoreTargetAddressARM64GOTLoadPage21,
		KindStoreTargetAddressARM64GOTLeaPage21, KindStoreTargetAddressARM64TLVPLoadPage21,
		KindStoreTargetAddressARM64TLVPLoadNowLeaPage21:
		if v2 {
			return macho.DYLD_CACHE_ADJ_V2_ARM64_ADRP, true
		}
		return macho.DYLD_CACHE_ADJ_V1_ADRP, true
	case KindStoreARM64PageOff12, KindStoreARM64GOTLoadPageOff12, KindStoreARM64GOTLeaPageOff12,
		KindStoreARM64TLVPLoadPageOff12, KindStoreARM64TLVPLoadNowLeaPageOff12,
		KindStoreTargetAddressARM64PageOff12, KindStoreTargetAddressARM64GOTLoadPageOff12,
		KindStoreTargetAddressARM64GOTLeaPageOff12, KindStoreTargetAddressARM64TLVPLoadPageOff12,
		KindStoreTargetAddressARM64TLVPLoadNowLeaPageOff12:
		return macho.DYLD_CACHE_ADJ_V2_ARM64_OFF12, v2
	case KindStoreARM64Branch26, KindStoreTargetAddressARM64Branch26:
		return macho.DYLD_CACHE_ADJ_V2_ARM64_BR26, v2
	case KindStoreARMLow16:
		if v2 {
			return macho.DYLD_CACHE_ADJ_V2_ARM_MOVW_MOVT, true
		}
		return macho.DYLD_CACHE_ADJ_V1_ARM_MOVW, true
	case KindStoreARMHigh16:
		if v2 {
			return macho.DYLD_CACHE_ADJ_V2_ARM_MOVW_MOVT, true
		}
		return macho.DYLD_CACHE_ADJ_V1_ARM_MOVT, true
	case KindStoreThumbLow16:
		if v2 {
			return macho.DYLD_CACHE_ADJ_V2_THUMB_MOVW_MOVT, true
		}
		return macho.DYLD_CACHE_ADJ_V1_ARM_THUMB_MOVW, true
	case KindStoreThumbHigh16:
		if v2 {
			return macho.DYLD_CACHE_ADJ_V2_THUMB_MOVW_MOVT, true
		}
		return macho.DYLD_CACHE_ADJ_V1_ARM_THUMB_MOVT, true
	case KindStoreARMBranch24, KindStoreTargetAddressARMBranch24:
		return macho.DYLD_CACHE_ADJ_V2_ARM_BR24, v2
	case KindStoreThumbBranch22, KindStoreTargetAddressThumbBranch22:
		return macho.DYLD_CACHE_ADJ_V2_THUMB_BR22, v2
	}
	return 0, false
}

// collectMarkers turns data in code markers into entries and gathers
// optimization hints.
func (l *Linker) collectMarkers(a *Atom) {
	var open *dataInCodeEntry
	var openStart uint32
	closeAt := func(end uint32) {
		if open != nil && end > openStart {
			open.length = uint16(end - openStart)
			l.dataInCode = append(l.dataInCode, *open)
		}
		open = nil
	}
	for i := range a.Fixups {
		f := &a.Fixups[i]
		var kind uint16
		switch f.Kind {
		case KindDataInCodeStartData:
			kind = macho.DICE_KIND_DATA
		case KindDataInCodeStartJT8:
			kind = macho.DICE_KIND_JUMP_TABLE8
		case KindDataInCodeStartJT16:
			kind = macho.DICE_KIND_JUMP_TABLE16
		case KindDataInCodeStartJT32:
			kind = macho.DICE_KIND_JUMP_TABLE32
		case KindDataInCodeStartJTA32:
			kind = macho.DICE_KIND_ABS_JUMP_TABLE32
		case KindDataInCodeEnd:
			closeAt(f.Offset)
			continue
		case KindLinkerOptimizationHint:
			l.collectHint(a, f)
			continue
		default:
			continue
		}
		closeAt(f.Offset)
		if !l.opts.DataInCode {
			continue
		}
		openStart = f.Offset
		open = &dataInCodeEntry{offset: uint32(a.Address() + uint64(f.Offset) - l.imageBase()), kind: kind}
	}
	closeAt(uint32(a.Size))
}

func (l *Linker) collectHint(a *Atom, f *Fixup) {
	if f.Hint == nil || !l.opts.Arch.IsARM64() {
		return
	}
	want := lohArity(f.Hint.Kind)
	if want == 0 || len(f.Hint.Offsets) != want {
		l.stats.LOH.MalformedHints++
		log.WithFields(log.Fields{"atom": a.String(), "kind": f.Hint.Kind}).Debug("malformed optimization hint")
		return
	}
	e := lohEntry{kind: f.Hint.Kind}
	for _, off := range f.Hint.Offsets {
		if uint64(off)+4 > a.Size {
			l.stats.LOH.MalformedHints++
			return
		}
		e.address = append(e.address, a.Address()+uint64(off))
	}
	l.lohs = append(l.lohs, e)
}

// lohArity is the number of instructions a hint kind covers.
func lohArity(kind uint8) int {
	switch kind {
	case macho.LOH_ARM64_ADRP_ADRP, macho.LOH_ARM64_ADRP_LDR, macho.LOH_ARM64_ADRP_ADD, macho.LOH_ARM64_ADRP_LDR_GOT:
		return 2
	case macho.LOH_ARM64_ADRP_ADD_LDR, macho.LOH_ARM64_ADRP_LDR_GOT_LDR, macho.LOH_ARM64_ADRP_ADD_STR, macho.LOH_ARM64_ADRP_LDR_GOT_STR:
		return 3
	}
	return 0
}
