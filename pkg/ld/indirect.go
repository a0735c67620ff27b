package ld

import (
	"github.com/apex/log"
	"github.com/blacktop/machlink/pkg/macho"
)

// buildIndirectTable fills one indirect symbol slot per stub and per
// pointer in the symbol pointer sections, and records each section's start.
func (l *Linker) buildIndirectTable() error {
	for _, sect := range l.sections {
		if !sect.IsIndirectPointers() {
			continue
		}
		sect.indirectStart = uint32(len(l.indirect))
		for _, a := range sect.Atoms {
			slots := 1
			if sect.Type != TypeStub && a.Size > uint64(l.ptrSize) {
				slots = int(a.Size / uint64(l.ptrSize))
			}
			entry := l.indirectEntry(sect, a)
			for range slots {
				l.indirect = append(l.indirect, entry)
			}
		}
	}
	log.WithField("count", len(l.indirect)).Debug("indirect symbols")
	return nil
}

func (l *Linker) indirectEntry(sect *Section, a *Atom) uint32 {
	var target *Atom
	if sect.Type == TypeStub {
		target = l.stubTarget(a)
	} else {
		target = l.pointerTarget(a)
	}
	if target == nil {
		return macho.INDIRECT_SYMBOL_LOCAL
	}
	index, hasSymbol := l.symIndex[target]
	final := l.opts.finalImage()
	switch {
	case target.IsProxy():
		if hasSymbol {
			return index
		}
	case target.Definition == DefinitionAbsolute:
		if target.Scope == ScopeGlobal && hasSymbol {
			return index
		}
		return macho.INDIRECT_SYMBOL_ABS | macho.INDIRECT_SYMBOL_LOCAL
	case target.Scope == ScopeGlobal:
		nonLazy := sect.Type == TypeNonLazyPointer || sect.Type == TypeTLVPointers
		if final && nonLazy && !target.IsWeakDef() {
			return macho.INDIRECT_SYMBOL_LOCAL
		}
		if hasSymbol {
			return index
		}
	case target.Scope == ScopeLinkageUnit && !final:
		if hasSymbol {
			return index
		}
	}
	return macho.INDIRECT_SYMBOL_LOCAL
}

// pointerTarget is what a symbol pointer points at. Lazy pointers name
// their eventual target with a lazy-target fixup.
func (l *Linker) pointerTarget(a *Atom) *Atom {
	var set *Atom
	for i := range a.Fixups {
		f := &a.Fixups[i]
		t, err := l.targetOf(f)
		if err != nil || t == nil {
			continue
		}
		if f.Kind == KindLazyTarget {
			return t
		}
		if set == nil && f.Kind.SetsTarget() {
			set = t
		}
	}
	return set
}

// stubTarget follows a stub through its lazy pointer to the real target.
func (l *Linker) stubTarget(a *Atom) *Atom {
	for i := range a.Fixups {
		f := &a.Fixups[i]
		if !f.Kind.SetsTarget() {
			continue
		}
		t, err := l.targetOf(f)
		if err != nil || t == nil {
			continue
		}
		switch t.ContentType {
		case ContentLazyPointer, ContentNonLazyPointer:
			return l.pointerTarget(t)
		}
		return t
	}
	return nil
}
