package ld

import (
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
)

// headerSymbol is the name of the synthetic atom covering the mach header.
func (l *Linker) headerSymbol() (string, Scope) {
	switch l.opts.OutputKind {
	case OutputDynamicExecutable, OutputStaticExecutable:
		return "__mh_execute_header", ScopeGlobal
	case OutputDylib:
		return "__mh_dylib_header", ScopeLinkageUnit
	case OutputBundle:
		return "__mh_bundle_header", ScopeLinkageUnit
	case OutputPreload:
		return "__mh_preload_header", ScopeLinkageUnit
	case OutputKext:
		return "__mh_kext_header", ScopeLinkageUnit
	}
	return "", ScopeTranslationUnit
}

// addPlaceholders inserts the synthetic sections around the input sections:
// page zero, the mach header, and one LINKEDIT section per blob.
func (l *Linker) addPlaceholders() error {
	for _, sect := range l.in.Sections {
		switch sect.Type {
		case TypeMachHeader, TypeLinkEdit, TypePageZero:
			return fmt.Errorf("input section %s has reserved type %s", sect, sect.Type)
		}
	}
	name, scope := l.headerSymbol()
	l.headerAtom = &Atom{
		Name:        name,
		Scope:       scope,
		Inclusion:   IncludeIn,
		ContentType: ContentConst,
		Align:       Alignment{PowerOf2: utils.Log2(uint64(l.ptrSize))},
	}
	if name == "" {
		l.headerAtom.Inclusion = IncludeNotIn
	}
	segName := "__TEXT"
	if !l.opts.finalImage() {
		segName = ""
	}
	l.headerSection = &Section{
		SegmentName: segName,
		SectionName: "__mach_header",
		Type:        TypeMachHeader,
		Atoms:       []*Atom{l.headerAtom},
	}

	var out []*Section
	if l.opts.PageZeroSize > 0 && l.opts.finalImage() {
		out = append(out, &Section{
			SegmentName: "__PAGEZERO",
			SectionName: "__pagezero",
			Type:        TypePageZero,
			Atoms: []*Atom{{
				Name:        "__pagezero",
				Inclusion:   IncludeNotIn,
				ContentType: ContentZeroFill,
				Size:        l.opts.PageZeroSize,
			}},
		})
	}
	inserted := false
	for _, sect := range l.in.Sections {
		if !inserted && (sect.SegmentName == "__TEXT" || !l.opts.finalImage()) {
			out = append(out, l.headerSection)
			inserted = true
		}
		out = append(out, sect)
	}
	if !inserted {
		// no __TEXT input, the header gets a segment of its own
		idx := 0
		if len(out) > 0 && out[0].Type == TypePageZero {
			idx = 1
		}
		out = append(out[:idx], append([]*Section{l.headerSection}, out[idx:]...)...)
	}
	l.sections = append(out, l.linkeditSections()...)
	return nil
}

// computeSizes groups sections into segments and places every atom at its
// aligned offset within its section.
func (l *Linker) computeSizes() error {
	if err := l.groupSegments(); err != nil {
		return err
	}
	l.cmds = l.loadCommands()
	l.headerAtom.Size = uint64(macho.HeaderSize(l.traits)) + uint64(l.loadCommandsSize()) + l.opts.HeaderPad
	for _, sect := range l.sections {
		var off uint64
		for _, atom := range sect.Atoms {
			if atom.Align.PowerOf2 > sect.Align {
				sect.Align = atom.Align.PowerOf2
			}
			off = utils.AlignModulus(off, atom.Align.PowerOf2, atom.Align.Modulus)
			atom.place(sect, off, 0)
			off += atom.Size
			l.stats.Atoms++
			l.stats.Fixups += len(atom.Fixups)
		}
		sect.size = off
	}
	return nil
}

// groupSegments builds segments out of runs of sections with the same
// segment name. Zero fill sections move to the end of their segment.
func (l *Linker) groupSegments() error {
	var segs []*Segment
	seen := make(map[string]bool)
	for _, sect := range l.sections {
		name := sect.SegmentName
		if !l.opts.finalImage() {
			if sect == l.headerSection || sect.Type == TypeLinkEdit {
				continue
			}
			name = ""
		}
		if n := len(segs); n > 0 && segs[n-1].Name == name {
			segs[n-1].Sections = append(segs[n-1].Sections, sect)
			continue
		}
		if seen[name] {
			return fmt.Errorf("sections of segment %s are not contiguous (at %s)", name, sect)
		}
		seen[name] = true
		prot := segmentProtection(name)
		segs = append(segs, &Segment{Name: name, Sections: []*Section{sect}, MaxProt: prot, InitProt: prot})
	}
	var ordered []*Section
	if !l.opts.finalImage() {
		ordered = append(ordered, l.headerSection)
		if len(segs) == 0 {
			segs = append(segs, &Segment{Name: "", MaxProt: segmentProtection(""), InitProt: segmentProtection("")})
		}
	}
	for i, seg := range segs {
		seg.index = i
		sort.SliceStable(seg.Sections, func(a, b int) bool {
			return !seg.Sections[a].IsZerofill() && seg.Sections[b].IsZerofill()
		})
		for _, sect := range seg.Sections {
			sect.segment = seg
			ordered = append(ordered, sect)
		}
	}
	if !l.opts.finalImage() {
		for _, sect := range l.sections {
			if sect.Type == TypeLinkEdit {
				ordered = append(ordered, sect)
			}
		}
	}
	l.segments = segs
	l.sections = ordered

	var index uint32
	for _, sect := range l.sections {
		if sect.IsHidden() {
			continue
		}
		index++
		sect.index = index
	}
	if index > 255 {
		return fmt.Errorf("too many sections (%d), n_sect is one byte", index)
	}
	return nil
}

// assignFileOffsets lays sections out within their segments and segments
// out in the file.
func (l *Linker) assignFileOffsets() error {
	if !l.opts.finalImage() {
		return l.assignObjectOffsets()
	}
	page := l.traits.PageSize()
	var fileOff uint64
	for _, seg := range l.segments {
		seg.fileOffset = fileOff
		var off, fileEnd uint64
		for _, sect := range seg.Sections {
			off = utils.Align(off, uint64(1)<<sect.Align)
			sect.segOffset = off
			if sect.IsZerofill() {
				sect.fileOffset = 0
			} else {
				sect.fileOffset = seg.fileOffset + off
				fileEnd = off + sect.size
			}
			off += sect.size
		}
		if seg.Name == "__PAGEZERO" {
			seg.fileOffset = 0
			seg.fileSize = 0
			seg.size = off
			continue
		}
		if seg.Name == "__LINKEDIT" {
			seg.fileSize = fileEnd
		} else {
			seg.fileSize = utils.Align(fileEnd, page)
		}
		seg.size = utils.Align(off, page)
		fileOff += seg.fileSize
	}
	return nil
}

// assignObjectOffsets packs sections after the header, with LINKEDIT after
// the section content.
func (l *Linker) assignObjectOffsets() error {
	seg := l.segments[0]
	headerEnd := l.headerAtom.Size
	l.headerSection.size = headerEnd
	var addr uint64
	fileOff := headerEnd
	var fileEnd uint64 = headerEnd
	for _, sect := range seg.Sections {
		align := uint64(1) << sect.Align
		addr = utils.Align(addr, align)
		sect.segOffset = addr
		if sect.IsZerofill() {
			sect.fileOffset = 0
		} else {
			fileOff = utils.Align(fileOff, align)
			sect.fileOffset = fileOff
			fileOff += sect.size
			fileEnd = fileOff
		}
		addr += sect.size
	}
	seg.size = addr
	if len(seg.Sections) > 0 {
		seg.fileOffset = headerEnd
	}
	seg.fileSize = fileEnd - headerEnd
	return nil
}

// assignAddresses gives every segment, section and atom its vm address.
func (l *Linker) assignAddresses() error {
	if !l.opts.finalImage() {
		for _, sect := range l.segments[0].Sections {
			sect.address = sect.segOffset
		}
		l.headerSection.address = 0
	} else {
		page := l.traits.PageSize()
		var addr uint64
		for _, seg := range l.segments {
			switch {
			case seg.Name == "__PAGEZERO":
				seg.address = 0
			case seg.index == 0 || l.segments[seg.index-1].Name == "__PAGEZERO":
				addr = l.opts.BaseAddress
				if l.segments[0].Name == "__PAGEZERO" && addr < l.segments[0].size {
					return fmt.Errorf("base address %#x overlaps __PAGEZERO", addr)
				}
				seg.address = addr
			default:
				seg.address = utils.Align(addr, page)
			}
			for _, sect := range seg.Sections {
				sect.address = seg.address + sect.segOffset
			}
			addr = seg.address + seg.size
		}
	}
	for _, sect := range l.sections {
		for _, atom := range sect.Atoms {
			atom.place(sect, atom.sectionOffset, sect.address+atom.sectionOffset)
		}
		switch sect.Type {
		case TypeTLVInitialValues, TypeTLVZeroFill:
			if l.tlvBase == 0 {
				l.tlvBase = sect.address
			}
		}
	}
	if err := l.findEntry(); err != nil {
		return err
	}
	for _, seg := range l.segments {
		log.WithFields(log.Fields{
			"segment": seg.Name,
			"address": fmt.Sprintf("%#x", seg.address),
			"vmsize":  fmt.Sprintf("%#x", seg.size),
			"fileoff": fmt.Sprintf("%#x", seg.fileOffset),
		}).Debug("layout")
	}
	return nil
}

func (l *Linker) findEntry() error {
	l.entry = l.in.Entry
	if l.entry == nil && l.opts.EntryName != "" {
		for _, sect := range l.sections {
			for _, atom := range sect.Atoms {
				if atom.Name == l.opts.EntryName && atom.Definition != DefinitionProxy {
					l.entry = atom
				}
			}
		}
		if l.entry == nil {
			return fmt.Errorf("%w: entry point %s", ErrUnbound, l.opts.EntryName)
		}
	}
	switch l.opts.OutputKind {
	case OutputDynamicExecutable, OutputStaticExecutable, OutputPreload:
		if l.entry == nil {
			log.Warn("no entry point, the image starts at the beginning of __TEXT")
		}
	}
	return nil
}

// sectionFor finds the output section containing addr.
func (l *Linker) sectionFor(addr uint64) *Section {
	for _, sect := range l.sections {
		if sect.Type == TypeLinkEdit || sect.Type == TypePageZero {
			continue
		}
		if addr >= sect.address && addr < sect.address+sect.size {
			return sect
		}
	}
	return nil
}
