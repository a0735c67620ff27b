package ld

import (
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/macho"
)

type symbolClass uint8

const (
	classNone symbolClass = iota
	classLocal
	classGlobal
	classImport
)

// symbolClass decides which partition, if any, an atom's symbol lands in.
func (l *Linker) symbolClass(a *Atom) symbolClass {
	final := l.opts.finalImage()
	if a.Inclusion == IncludeNotIn {
		return classNone
	}
	if a.Inclusion == IncludeInWithRandomAutoStripLabel {
		if final {
			return classNone
		}
		return classLocal
	}
	if a.Name == "" {
		return classNone
	}
	switch {
	case strings.HasPrefix(a.Name, "L"):
		return classNone
	case final && strings.HasPrefix(a.Name, "l"):
		return classNone
	}
	if a.IsProxy() {
		return classImport
	}
	if !final && a.Definition == DefinitionTentative {
		return classImport
	}
	switch a.Scope {
	case ScopeGlobal:
		return classGlobal
	case ScopeLinkageUnit:
		if !final || l.opts.KeepPrivateExterns {
			return classGlobal
		}
	}
	if final && l.opts.StripLocals && a != l.headerAtom {
		return classNone
	}
	return classLocal
}

// buildSymbolTable partitions symbols into locals, globals and imports and
// records every atom's final index.
func (l *Linker) buildSymbolTable() error {
	for _, sect := range l.sections {
		for _, a := range sect.Atoms {
			switch l.symbolClass(a) {
			case classLocal:
				l.locals = append(l.locals, l.localSymbol(a))
			case classGlobal:
				l.globals = append(l.globals, l.definedSymbol(a))
			case classImport:
				l.imports = append(l.imports, l.importSymbol(a))
			}
		}
	}
	for _, p := range l.synthProxies {
		l.imports = append(l.imports, l.importSymbol(p))
	}
	sort.SliceStable(l.globals, func(i, j int) bool { return l.globals[i].name < l.globals[j].name })
	sort.SliceStable(l.imports, func(i, j int) bool { return l.imports[i].name < l.imports[j].name })

	for _, list := range [][]symbol{l.locals, l.globals, l.imports} {
		for i := range list {
			list[i].nlist.Name = l.strings.AddUnique(list[i].name)
		}
	}
	var index uint32
	for _, s := range l.locals {
		l.symIndex[s.atom] = index
		index++
	}
	index += uint32(len(l.stabs))
	for _, s := range l.globals {
		l.symIndex[s.atom] = index
		index++
	}
	for _, s := range l.imports {
		l.symIndex[s.atom] = index
		index++
	}
	l.stats.Symbols = int(index)
	log.WithFields(log.Fields{
		"locals":  len(l.locals),
		"stabs":   len(l.stabs),
		"globals": len(l.globals),
		"imports": len(l.imports),
	}).Debug("symbol table")
	return nil
}

// sectIndex is the n_sect of a symbol in sect. Hidden sections borrow the
// number of the next visible section in the same segment.
func (l *Linker) sectIndex(sect *Section) uint8 {
	if sect == nil {
		return macho.NO_SECT
	}
	if !sect.IsHidden() {
		return uint8(sect.index)
	}
	var prev *Section
	for _, s := range l.sections {
		if s.IsHidden() {
			continue
		}
		if s.address >= sect.address && (sect.segment == nil || s.segment == sect.segment || sect == l.headerSection) {
			return uint8(s.index)
		}
		prev = s
	}
	if prev != nil {
		return uint8(prev.index)
	}
	return macho.NO_SECT
}

func (l *Linker) symbolName(a *Atom) string {
	if a.Name == "" || a.Inclusion == IncludeInWithRandomAutoStripLabel {
		return l.anonymousLabel()
	}
	return a.Name
}

func (l *Linker) definedDesc(a *Atom) uint16 {
	var desc uint16
	if a.IsWeakDef() {
		desc |= macho.N_WEAK_DEF
	}
	if a.Thumb {
		desc |= macho.N_ARM_THUMB_DEF
	}
	if a.SymbolResolver {
		desc |= macho.N_SYMBOL_RESOLVER
	}
	if a.AltEntry {
		desc |= macho.N_ALT_ENTRY
	}
	if !l.opts.finalImage() && (a.NoDeadStrip || a.Inclusion == IncludeInAndNeverStrip) {
		desc |= macho.N_NO_DEAD_STRIP
	}
	if a == l.headerAtom && a.Scope == ScopeGlobal {
		desc |= macho.REFERENCED_DYNAMICALLY
	}
	return desc
}

func (l *Linker) definedNlist(a *Atom) macho.Nlist {
	n := macho.Nlist{Desc: l.definedDesc(a)}
	if a.Definition == DefinitionAbsolute || a.Inclusion == IncludeInAsAbsolute {
		n.Type = macho.N_ABS
		n.Sect = macho.NO_SECT
		n.Value = a.Address()
		return n
	}
	n.Type = macho.N_SECT
	n.Sect = l.sectIndex(a.section)
	n.Value = a.Address()
	return n
}

func (l *Linker) localSymbol(a *Atom) symbol {
	n := l.definedNlist(a)
	if a.Scope == ScopeLinkageUnit && l.opts.finalImage() {
		n.Type |= macho.N_PEXT
	}
	n.Desc &^= macho.N_WEAK_DEF
	return symbol{atom: a, name: l.symbolName(a), nlist: n}
}

func (l *Linker) definedSymbol(a *Atom) symbol {
	n := l.definedNlist(a)
	n.Type |= macho.N_EXT
	if a.Scope == ScopeLinkageUnit {
		n.Type |= macho.N_PEXT
	}
	return symbol{atom: a, name: a.Name, nlist: n}
}

func (l *Linker) importSymbol(a *Atom) symbol {
	n := macho.Nlist{Type: macho.N_UNDF | macho.N_EXT, Sect: macho.NO_SECT}
	if a.Definition == DefinitionTentative {
		n.Value = a.Size
		n.Desc = macho.SetCommAlign(0, a.Align.PowerOf2)
		if a.Scope == ScopeLinkageUnit {
			n.Type |= macho.N_PEXT
		}
		return symbol{atom: a, name: a.Name, nlist: n}
	}
	n.Desc = macho.REFERENCE_FLAG_UNDEFINED_NON_LAZY
	if l.isWeakImport(a) {
		n.Desc |= macho.N_WEAK_REF
	}
	if l.opts.finalImage() && a.Combine == CombineByName {
		n.Desc |= macho.N_REF_TO_WEAK
	}
	if l.opts.finalImage() {
		n.Desc = macho.SetLibraryOrdinal(n.Desc, l.symbolOrdinal(a))
	}
	return symbol{atom: a, name: a.Name, nlist: n}
}

// encodeSymtab serializes locals, then debug notes, then globals and imports.
// Debug note strings are pooled here so they trail every other string.
func (l *Linker) encodeSymtab() []byte {
	size := int(l.nlistSize())
	total := len(l.locals) + len(l.stabs) + len(l.globals) + len(l.imports)
	b := make([]byte, total*size)
	off := 0
	put := func(n macho.Nlist) {
		off += n.Put(b[off:], l.is64, l.order)
	}
	for _, s := range l.locals {
		put(s.nlist)
	}
	l.stabStrStart = l.strings.CurrentOffset()
	for _, st := range l.stabs {
		n := macho.Nlist{Type: st.typ, Sect: st.sect, Desc: st.desc, Value: st.value}
		n.Name = l.strings.Add(st.str)
		put(n)
	}
	l.stabStrEnd = l.strings.CurrentOffset()
	for _, s := range l.globals {
		put(s.nlist)
	}
	for _, s := range l.imports {
		put(s.nlist)
	}
	return b
}

// stabRange is the file range of the debug note nlists.
func (l *Linker) stabRange() (uint64, uint64) {
	sect, ok := l.linkedit[blobSymtab]
	if !ok || len(l.stabs) == 0 {
		return 0, 0
	}
	size := uint64(l.nlistSize())
	return sect.fileOffset + uint64(len(l.locals))*size, uint64(len(l.stabs)) * size
}

// stabStringRange is the file range of the debug note strings.
func (l *Linker) stabStringRange() (uint64, uint64) {
	sect, ok := l.linkedit[blobStrings]
	if !ok || l.stabStrEnd <= l.stabStrStart {
		return 0, 0
	}
	return sect.fileOffset + uint64(l.stabStrStart), uint64(l.stabStrEnd - l.stabStrStart)
}
