package ld

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/macho"
)

// assignOrdinals numbers the dependent dylibs 1..n in load command order
// and checks that every proxy names a listed dylib.
func (l *Linker) assignOrdinals() error {
	if len(l.in.Dylibs) > macho.MAX_LIBRARY_ORDINAL {
		return fmt.Errorf("%w: %d dylibs, at most %d fit a two-level ordinal", ErrOrdinal, len(l.in.Dylibs), macho.MAX_LIBRARY_ORDINAL)
	}
	seen := make(map[string]*Dylib, len(l.in.Dylibs))
	for i, d := range l.in.Dylibs {
		if d.InstallName == "" {
			return fmt.Errorf("%w: dylib %d has no install name", ErrOrdinal, i+1)
		}
		if prev, dup := seen[d.InstallName]; dup && prev != d {
			return fmt.Errorf("%w: %s listed twice", ErrOrdinal, d.InstallName)
		}
		seen[d.InstallName] = d
		d.ordinal = i + 1
		log.WithFields(log.Fields{"dylib": d.InstallName, "ordinal": d.ordinal}).Debug("ordinal")
	}
	for _, sect := range l.in.Sections {
		for _, atom := range sect.Atoms {
			if err := l.checkProxy(atom); err != nil {
				return err
			}
			for i := range atom.Fixups {
				if t := atom.Fixups[i].Target; t != nil {
					if err := l.checkProxy(t); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (l *Linker) checkProxy(a *Atom) error {
	if !a.IsProxy() || a.Dylib == nil {
		return nil
	}
	if a.Dylib.ordinal == 0 || a.Dylib.ordinal > len(l.in.Dylibs) || l.in.Dylibs[a.Dylib.ordinal-1] != a.Dylib {
		return fmt.Errorf("%w: %s comes from %s which is not a dependent dylib", ErrOrdinal, a, a.Dylib.InstallName)
	}
	return nil
}

// bindOrdinal is the library ordinal dyld binds a proxy with.
func (l *Linker) bindOrdinal(a *Atom) int {
	switch {
	case l.opts.FlatNamespace || a.Dylib == nil:
		return macho.BIND_SPECIAL_DYLIB_FLAT_LOOKUP
	}
	return a.Dylib.ordinal
}

// symbolOrdinal is the library ordinal stored in an import's n_desc.
func (l *Linker) symbolOrdinal(a *Atom) uint8 {
	switch {
	case !l.opts.finalImage() || l.opts.FlatNamespace:
		return macho.SELF_LIBRARY_ORDINAL
	case a == nil || a.Dylib == nil:
		return macho.DYNAMIC_LOOKUP_ORDINAL
	}
	return uint8(a.Dylib.ordinal)
}
