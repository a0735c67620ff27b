package ld

import (
	"path/filepath"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/macho"
)

// stab is one debug note. Strings are pooled after every other symbol so
// the notes never shift another symbol's string offset.
type stab struct {
	typ   uint8
	sect  uint8
	desc  uint16
	value uint64
	str   string
}

func (l *Linker) wantsStabs(a *Atom) bool {
	switch {
	case a.File == nil || a.File.SourcePath == "" || a.Name == "":
		return false
	case a.IsProxy() || a.Definition == DefinitionAbsolute:
		return false
	case a.ContentType == ContentCString || a.ContentType == ContentCFI:
		return false
	case a.section == nil || a.section.IsHidden():
		return false
	}
	return true
}

// synthesizeStabs emits one group of debug notes per originating file, in
// file then address order.
func (l *Linker) synthesizeStabs() error {
	var atoms []*Atom
	for _, sect := range l.sections {
		for _, a := range sect.Atoms {
			if l.wantsStabs(a) {
				atoms = append(atoms, a)
			}
		}
	}
	sort.SliceStable(atoms, func(i, j int) bool {
		if atoms[i].File.Ordinal != atoms[j].File.Ordinal {
			return atoms[i].File.Ordinal < atoms[j].File.Ordinal
		}
		return atoms[i].Address() < atoms[j].Address()
	})

	var cur *File
	var curSource string
	for _, a := range atoms {
		if a.File != cur {
			if cur != nil {
				l.closeStabGroup()
			}
			cur = a.File
			curSource = cur.SourcePath
			l.openStabGroup(cur)
		}
		if a.SourceFile != "" && a.SourceFile != curSource {
			l.stabs = append(l.stabs, stab{typ: macho.N_SOL, str: a.SourceFile})
			curSource = a.SourceFile
		}
		l.atomStabs(a)
	}
	if cur != nil {
		l.closeStabGroup()
	}
	l.stats.Stabs = len(l.stabs)
	log.WithField("count", len(l.stabs)).Debug("debug notes")
	return nil
}

func (l *Linker) openStabGroup(f *File) {
	dir, base := filepath.Split(f.SourcePath)
	if dir == "" {
		dir = "./"
	}
	l.stabs = append(l.stabs,
		stab{typ: macho.N_SO, str: dir},
		stab{typ: macho.N_SO, str: base},
	)
	oso := f.Path
	if f.Archive != "" {
		oso = f.Archive + "(" + filepath.Base(f.Path) + ")"
	}
	var mtime uint64
	if !f.ModTime.IsZero() {
		mtime = uint64(f.ModTime.Unix())
	}
	l.stabs = append(l.stabs, stab{typ: macho.N_OSO, desc: 1, value: mtime, str: oso})
}

func (l *Linker) closeStabGroup() {
	l.stabs = append(l.stabs, stab{typ: macho.N_SO, sect: 1})
}

func (l *Linker) atomStabs(a *Atom) {
	sect := l.sectIndex(a.section)
	switch a.ContentType {
	case ContentCode, ContentStub, ContentStubHelper, ContentResolverHelper:
		l.stabs = append(l.stabs,
			stab{typ: macho.N_BNSYM, sect: sect, value: a.Address()},
			stab{typ: macho.N_FUN, sect: sect, value: a.Address(), str: a.Name},
			stab{typ: macho.N_FUN, value: a.Size},
			stab{typ: macho.N_ENSYM, sect: sect, value: a.Size},
		)
	default:
		if a.Scope == ScopeGlobal {
			l.stabs = append(l.stabs, stab{typ: macho.N_GSYM, str: a.Name})
		} else {
			l.stabs = append(l.stabs, stab{typ: macho.N_STSYM, sect: sect, value: a.Address(), str: a.Name})
		}
	}
}
