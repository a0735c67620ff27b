package ld

import (
	"fmt"

	"github.com/blacktop/machlink/pkg/macho"
)

// relocBase is what r_address is relative to in a final image: the first
// writable segment on x86_64, the first mapped segment elsewhere.
func (l *Linker) relocBase() uint64 {
	for _, seg := range l.segments {
		if seg.Name == "__PAGEZERO" {
			continue
		}
		if l.opts.Arch == macho.ArchX86_64 && !seg.Writable() {
			continue
		}
		return seg.address
	}
	return l.imageBase()
}

func (l *Linker) pointerLength() uint8 {
	if l.is64 {
		return 3
	}
	return 2
}

// classicPointer emits a local relocation for an internal pointer and an
// external one for an imported pointer.
func (l *Linker) classicPointer(c *cluster) error {
	t := c.target
	addr := uint32(c.site() - l.relocBase())
	if t.IsProxy() {
		index, ok := l.symIndex[t]
		if !ok {
			return fmt.Errorf("%w: import %s has no symbol", ErrUnbound, t)
		}
		l.externRelocs = append(l.externRelocs, macho.Reloc{Addr: addr, Value: index, Len: l.pointerLength(), Extern: true})
		return nil
	}
	if !l.opts.slidable() {
		return nil
	}
	l.localRelocs = append(l.localRelocs, macho.Reloc{Addr: addr, Value: uint32(l.sectIndex(t.section)), Len: l.pointerLength()})
	return nil
}

// classicBranch emits an external relocation for a call into another image.
func (l *Linker) classicBranch(c *cluster) error {
	index, ok := l.symIndex[c.target]
	if !ok {
		return fmt.Errorf("%w: import %s has no symbol", ErrUnbound, c.target)
	}
	r := macho.Reloc{Addr: uint32(c.site() - l.relocBase()), Value: index, Len: 2, Pcrel: true, Extern: true}
	site := fixupSite{atom: c.atom, offset: c.offset}
	switch l.opts.Arch {
	case macho.ArchX86_64:
		r.Type = macho.X86_64_RELOC_BRANCH
		l.contentPolicy[site] = contentAddendOnly
	case macho.ArchARM64, macho.ArchARM64E:
		r.Type = macho.ARM64_RELOC_BRANCH26
		l.contentPolicy[site] = contentIgnoresAddend
	case macho.ArchARMv7:
		r.Type = macho.ARM_RELOC_BR24
		if c.store.Kind == KindStoreThumbBranch22 || c.store.Kind == KindStoreTargetAddressThumbBranch22 {
			r.Type = macho.ARM_THUMB_RELOC_BR22
		}
		l.contentPolicy[site] = contentDeltaToAddendOnly
	default:
		r.Type = macho.GENERIC_RELOC_VANILLA
		l.contentPolicy[site] = contentDeltaToAddendOnly
	}
	l.externRelocs = append(l.externRelocs, r)
	return nil
}

// buildSectionRelocs emits the per section relocations of a relocatable
// object and records what each patched site keeps in its content.
func (l *Linker) buildSectionRelocs() error {
	for _, sect := range l.sections {
		if sect.Type == TypeLinkEdit || sect == l.headerSection || sect.IsZerofill() {
			continue
		}
		var groups [][]macho.Reloc
		for _, a := range sect.Atoms {
			cs, err := l.parseClusters(a)
			if err != nil {
				return err
			}
			for _, c := range cs {
				if c.store == nil || c.store.Kind == KindSetLazyOffset || c.target == nil {
					continue
				}
				rs, err := l.objectRelocs(sect, c)
				if err != nil {
					return c.fixupError(err)
				}
				if len(rs) > 0 {
					groups = append(groups, rs)
				}
			}
		}
		// highest address first, pairs stay in order
		for i := len(groups) - 1; i >= 0; i-- {
			sect.relocs = append(sect.relocs, groups[i]...)
		}
	}
	return nil
}

// externIndex is the symbol a reloc may reference, if the target has one.
func (l *Linker) externIndex(t *Atom) (uint32, bool) {
	if t == nil {
		return 0, false
	}
	if t.section != nil {
		switch t.section.Type {
		case TypeCString, TypeLiteral4, TypeLiteral8, TypeLiteral16:
			if !t.IsProxy() && t.Scope == ScopeTranslationUnit {
				return 0, false
			}
		}
	}
	i, ok := l.symIndex[t]
	return i, ok
}

func (l *Linker) objectRelocs(sect *Section, c *cluster) ([]macho.Reloc, error) {
	switch l.opts.Arch {
	case macho.ArchX86_64:
		return l.x86_64Relocs(sect, c)
	case macho.ArchARM64, macho.ArchARM64E:
		return l.arm64Relocs(sect, c)
	case macho.ArchI386:
		return l.genericRelocs(sect, c)
	case macho.ArchARMv7:
		return l.armRelocs(sect, c)
	}
	return nil, fmt.Errorf("no relocation encoding for %s", l.opts.Arch)
}

func (l *Linker) setPolicy(c *cluster, p contentPolicy) {
	l.contentPolicy[fixupSite{atom: c.atom, offset: c.offset}] = p
}

// targetReloc points r at the target symbol, or at its section when it has none.
func (l *Linker) targetReloc(r macho.Reloc, t *Atom) (macho.Reloc, bool) {
	if index, ok := l.externIndex(t); ok {
		r.Extern = true
		r.Value = index
		return r, true
	}
	if t.Definition == DefinitionAbsolute {
		r.Value = macho.R_ABS
		return r, false
	}
	r.Value = uint32(l.sectIndex(t.section))
	return r, false
}

func storeLength(k FixupKind) uint8 {
	switch k {
	case KindStoreLittleEndian8, KindStoreX86BranchPCRel8, KindStoreX86PCRel8:
		return 0
	case KindStoreLittleEndian16, KindStoreX86PCRel16:
		return 1
	case KindStoreLittleEndian64, KindStoreTargetAddressLittleEndian64, KindStoreARM64PointerToGOT:
		return 3
	}
	return 2
}

func (l *Linker) x86_64Relocs(sect *Section, c *cluster) ([]macho.Reloc, error) {
	k := c.store.Kind
	r := macho.Reloc{Addr: uint32(c.site() - sect.address), Len: storeLength(k)}
	if c.minus != nil {
		mi, ok := l.externIndex(c.minus)
		if !ok {
			return nil, fmt.Errorf("subtracted symbol %s has no symbol table entry", c.minus)
		}
		sub := macho.Reloc{Addr: r.Addr, Value: mi, Type: macho.X86_64_RELOC_SUBTRACTOR, Len: r.Len, Extern: true}
		r.Type = macho.X86_64_RELOC_UNSIGNED
		r, ext := l.targetReloc(r, c.target)
		if ext {
			l.setPolicy(c, contentAddendOnly)
		} else {
			l.setPolicy(c, contentTargetOnly)
		}
		return []macho.Reloc{sub, r}, nil
	}
	switch k {
	case KindStoreLittleEndian64, KindStoreTargetAddressLittleEndian64, KindStoreLittleEndian32, KindStoreTargetAddressLittleEndian32:
		r.Type = macho.X86_64_RELOC_UNSIGNED
		if c.setKind != KindSetTargetAddress {
			return nil, nil
		}
		r, ext := l.targetReloc(r, c.target)
		if ext {
			l.setPolicy(c, contentAddendOnly)
		}
		return []macho.Reloc{r}, nil
	}
	r.Pcrel = true
	needsSymbol := false
	switch k {
	case KindStoreX86BranchPCRel32, KindStoreTargetAddressX86BranchPCRel32:
		r.Type = macho.X86_64_RELOC_BRANCH
	case KindStoreX86PCRel32, KindStoreTargetAddressX86PCRel32:
		r.Type = macho.X86_64_RELOC_SIGNED
	case KindStoreX86PCRel32_1:
		r.Type = macho.X86_64_RELOC_SIGNED_1
	case KindStoreX86PCRel32_2:
		r.Type = macho.X86_64_RELOC_SIGNED_2
	case KindStoreX86PCRel32_4:
		r.Type = macho.X86_64_RELOC_SIGNED_4
	case KindStoreX86PCRel32GOTLoad, KindStoreTargetAddressX86PCRel32GOTLoad:
		r.Type, needsSymbol = macho.X86_64_RELOC_GOT_LOAD, true
	case KindStoreX86PCRel32GOT:
		r.Type, needsSymbol = macho.X86_64_RELOC_GOT, true
	case KindStoreX86PCRel32TLVLoad, KindStoreTargetAddressX86PCRel32TLVLoad:
		r.Type, needsSymbol = macho.X86_64_RELOC_TLV, true
	default:
		return nil, fmt.Errorf("%s has no x86_64 relocation", k)
	}
	r, ext := l.targetReloc(r, c.target)
	switch {
	case ext:
		l.setPolicy(c, contentAddendOnly)
	case needsSymbol:
		return nil, fmt.Errorf("%s to %s needs a symbol", k, c.target)
	}
	return []macho.Reloc{r}, nil
}

func (l *Linker) arm64Relocs(sect *Section, c *cluster) ([]macho.Reloc, error) {
	k := c.store.Kind
	r := macho.Reloc{Addr: uint32(c.site() - sect.address), Len: storeLength(k)}
	if c.minus != nil {
		mi, ok := l.externIndex(c.minus)
		if !ok {
			return nil, fmt.Errorf("subtracted symbol %s has no symbol table entry", c.minus)
		}
		sub := macho.Reloc{Addr: r.Addr, Value: mi, Type: macho.ARM64_RELOC_SUBTRACTOR, Len: r.Len, Extern: true}
		r.Type = macho.ARM64_RELOC_UNSIGNED
		r, ext := l.targetReloc(r, c.target)
		if ext {
			l.setPolicy(c, contentAddendOnly)
		} else {
			l.setPolicy(c, contentTargetOnly)
		}
		return []macho.Reloc{sub, r}, nil
	}
	switch k {
	case KindStoreLittleEndian64, KindStoreTargetAddressLittleEndian64, KindStoreLittleEndian32, KindStoreTargetAddressLittleEndian32:
		if c.setKind != KindSetTargetAddress {
			return nil, nil
		}
		r.Type = macho.ARM64_RELOC_UNSIGNED
		r, ext := l.targetReloc(r, c.target)
		if ext {
			l.setPolicy(c, contentAddendOnly)
		}
		return []macho.Reloc{r}, nil
	case KindStoreARM64PointerToGOT:
		r.Type = macho.ARM64_RELOC_POINTER_TO_GOT
	case KindStoreARM64PCRelToGOT:
		r.Type, r.Pcrel = macho.ARM64_RELOC_POINTER_TO_GOT, true
	case KindStoreARM64Branch26, KindStoreTargetAddressARM64Branch26:
		r.Type, r.Pcrel = macho.ARM64_RELOC_BRANCH26, true
	case KindStoreARM64Page21, KindStoreTargetAddressARM64Page21:
		r.Type, r.Pcrel = macho.ARM64_RELOC_PAGE21, true
	case KindStoreARM64PageOff12, KindStoreTargetAddressARM64PageOff12:
		r.Type = macho.ARM64_RELOC_PAGEOFF12
	case KindStoreARM64GOTLoadPage21, KindStoreTargetAddressARM64GOTLoadPage21:
		r.Type, r.Pcrel = macho.ARM64_RELOC_GOT_LOAD_PAGE21, true
	case KindStoreARM64GOTLoadPageOff12, KindStoreTargetAddressARM64GOTLoadPageOff12:
		r.Type = macho.ARM64_RELOC_GOT_LOAD_PAGEOFF12
	case KindStoreARM64TLVPLoadPage21, KindStoreTargetAddressARM64TLVPLoadPage21:
		r.Type, r.Pcrel = macho.ARM64_RELOC_TLVP_LOAD_PAGE21, true
	case KindStoreARM64TLVPLoadPageOff12, KindStoreTargetAddressARM64TLVPLoadPageOff12:
		r.Type = macho.ARM64_RELOC_TLVP_LOAD_PAGEOFF12
	default:
		return nil, fmt.Errorf("%s has no arm64 relocation", k)
	}
	r.Len = 2
	if k == KindStoreARM64PointerToGOT {
		r.Len = 3
	}
	r, ext := l.targetReloc(r, c.target)
	if !ext {
		switch r.Type {
		case macho.ARM64_RELOC_PAGE21, macho.ARM64_RELOC_PAGEOFF12:
			// section relative, the content carries the whole address
			return []macho.Reloc{r}, nil
		}
		return nil, fmt.Errorf("%s to %s needs a symbol", k, c.target)
	}
	l.setPolicy(c, contentIgnoresAddend)
	if c.addend == 0 {
		return []macho.Reloc{r}, nil
	}
	if c.addend < -(1<<23) || c.addend >= 1<<23 {
		return nil, l.rangeError(c, c.addend, -(1 << 23), 1<<23-1)
	}
	addend := macho.Reloc{Addr: r.Addr, Value: uint32(c.addend) & 0x00FFFFFF, Type: macho.ARM64_RELOC_ADDEND, Len: 2}
	return []macho.Reloc{addend, r}, nil
}

// sectDiff emits a scattered difference pair.
func (l *Linker) sectDiff(sect *Section, c *cluster, global, local, pair uint8) []macho.Reloc {
	typ := local
	if c.target.Scope == ScopeGlobal {
		typ = global
	}
	addr := uint32(c.site() - sect.address)
	return []macho.Reloc{
		{Addr: addr, Value: uint32(c.target.Address()), Type: typ, Len: 2, Scattered: true},
		{Addr: 0, Value: uint32(c.minus.Address()), Type: pair, Len: 2, Scattered: true},
	}
}

// vanilla is a plain pointer or branch relocation. Non-external references
// with an addend are scattered so the target stays identifiable.
func (l *Linker) vanilla(sect *Section, c *cluster, typ uint8, pcrel bool) []macho.Reloc {
	r := macho.Reloc{Addr: uint32(c.site() - sect.address), Type: typ, Len: 2, Pcrel: pcrel}
	r, ext := l.targetReloc(r, c.target)
	switch {
	case ext && pcrel:
		l.setPolicy(c, contentDeltaToAddendOnly)
	case ext:
		l.setPolicy(c, contentAddendOnly)
	case c.addend != 0 && c.target.Definition != DefinitionAbsolute:
		return []macho.Reloc{{Addr: r.Addr, Value: uint32(c.target.Address()), Type: typ, Len: 2, Pcrel: pcrel, Scattered: true}}
	}
	return []macho.Reloc{r}
}

func (l *Linker) genericRelocs(sect *Section, c *cluster) ([]macho.Reloc, error) {
	k := c.store.Kind
	if c.minus != nil {
		return l.sectDiff(sect, c, macho.GENERIC_RELOC_SECTDIFF, macho.GENERIC_RELOC_LOCAL_SECTDIFF, macho.GENERIC_RELOC_PAIR), nil
	}
	switch k {
	case KindStoreLittleEndian32, KindStoreTargetAddressLittleEndian32:
		if c.setKind != KindSetTargetAddress {
			return nil, nil
		}
		return l.vanilla(sect, c, macho.GENERIC_RELOC_VANILLA, false), nil
	case KindStoreX86BranchPCRel32, KindStoreX86PCRel32, KindStoreTargetAddressX86BranchPCRel32, KindStoreTargetAddressX86PCRel32:
		return l.vanilla(sect, c, macho.GENERIC_RELOC_VANILLA, true), nil
	case KindStoreX86Abs32TLVLoad, KindStoreTargetAddressX86Abs32TLVLoad:
		r := macho.Reloc{Addr: uint32(c.site() - sect.address), Type: macho.GENERIC_RELOC_TLV, Len: 2}
		r, ext := l.targetReloc(r, c.target)
		if !ext {
			return nil, fmt.Errorf("thread local load of %s needs a symbol", c.target)
		}
		l.setPolicy(c, contentAddendOnly)
		return []macho.Reloc{r}, nil
	}
	return nil, fmt.Errorf("%s has no i386 relocation", k)
}

func (l *Linker) armRelocs(sect *Section, c *cluster) ([]macho.Reloc, error) {
	k := c.store.Kind
	if c.minus != nil {
		return l.sectDiff(sect, c, macho.ARM_RELOC_SECTDIFF, macho.ARM_RELOC_LOCAL_SECTDIFF, macho.ARM_RELOC_PAIR), nil
	}
	switch k {
	case KindStoreLittleEndian32, KindStoreTargetAddressLittleEndian32:
		if c.setKind != KindSetTargetAddress {
			return nil, nil
		}
		return l.vanilla(sect, c, macho.ARM_RELOC_VANILLA, false), nil
	case KindStoreARMBranch24, KindStoreTargetAddressARMBranch24:
		return l.vanilla(sect, c, macho.ARM_RELOC_BR24, true), nil
	case KindStoreThumbBranch22, KindStoreTargetAddressThumbBranch22:
		return l.vanilla(sect, c, macho.ARM_THUMB_RELOC_BR22, true), nil
	case KindStoreARMLow16, KindStoreARMHigh16, KindStoreThumbLow16, KindStoreThumbHigh16:
		// r_length bit 0 selects the high half, bit 1 thumb
		var length uint8
		if k == KindStoreARMHigh16 || k == KindStoreThumbHigh16 {
			length |= 1
		}
		if k == KindStoreThumbLow16 || k == KindStoreThumbHigh16 {
			length |= 2
		}
		r := macho.Reloc{Addr: uint32(c.site() - sect.address), Type: macho.ARM_RELOC_HALF, Len: length}
		r, ext := l.targetReloc(r, c.target)
		value := uint32(l.accumulate(c))
		if ext {
			l.setPolicy(c, contentAddendOnly)
			value = uint32(c.addend)
		}
		other := value >> 16
		if length&1 != 0 {
			other = value & 0xFFFF
		}
		pair := macho.Reloc{Addr: other, Type: macho.ARM_RELOC_PAIR, Len: length}
		return []macho.Reloc{r, pair}, nil
	}
	return nil, fmt.Errorf("%s has no arm relocation", k)
}
