package ld

import (
	"fmt"
)

// resolveNames indexes named atoms so fixups bound by name can be followed,
// and checks every indirect binding resolves. Relocatable output keeps
// unknown names as undefined symbols.
func (l *Linker) resolveNames() error {
	placed := make(map[*Atom]bool)
	for _, sect := range l.in.Sections {
		for _, a := range sect.Atoms {
			placed[a] = true
			if a.Name == "" || a.Scope == ScopeTranslationUnit {
				continue
			}
			if prev, ok := l.byName[a.Name]; ok && !prev.IsProxy() {
				continue
			}
			l.byName[a.Name] = a
		}
	}
	for _, sect := range l.in.Sections {
		for _, a := range sect.Atoms {
			for i := range a.Fixups {
				f := &a.Fixups[i]
				switch f.Binding {
				case BindingByName:
					if f.Target != nil {
						break
					}
					if _, ok := l.byName[f.TargetName]; ok {
						break
					}
					if l.opts.finalImage() {
						return &FixupError{Atom: a.String(), Target: f.TargetName, Offset: f.Offset, Err: ErrUnbound}
					}
					p := &Atom{
						Name:       f.TargetName,
						Definition: DefinitionProxy,
						Scope:      ScopeGlobal,
						Inclusion:  IncludeIn,
					}
					l.byName[p.Name] = p
					placed[p] = true
					l.synthProxies = append(l.synthProxies, p)
				case BindingIndirect:
					if l.in.Bindings == nil {
						return &FixupError{Atom: a.String(), Target: fmt.Sprintf("#%d", f.BindingIndex), Offset: f.Offset, Err: ErrUnbound}
					}
					if _, ok := l.in.Bindings.IndirectAtom(f.BindingIndex); !ok {
						return &FixupError{Atom: a.String(), Target: fmt.Sprintf("#%d", f.BindingIndex), Offset: f.Offset, Err: ErrUnbound}
					}
				case BindingDirect:
					if f.Target == nil {
						return &FixupError{Atom: a.String(), Offset: f.Offset, Err: ErrUnbound}
					}
				}
				t, err := l.targetOf(f)
				if err != nil || t == nil || !t.IsProxy() {
					continue
				}
				if f.WeakImport {
					l.weakRefs[t] = true
				}
				// proxies outside any section still need an undefined symbol
				if !placed[t] {
					placed[t] = true
					l.synthProxies = append(l.synthProxies, t)
				}
			}
		}
	}
	return nil
}

// targetOf follows a fixup's binding to the atom it names.
func (l *Linker) targetOf(f *Fixup) (*Atom, error) {
	switch f.Binding {
	case BindingNone:
		return nil, nil
	case BindingDirect:
		if f.Target != nil {
			return f.Target, nil
		}
	case BindingByName:
		if f.Target != nil {
			return f.Target, nil
		}
		if a, ok := l.byName[f.TargetName]; ok {
			return a, nil
		}
	case BindingIndirect:
		if l.in.Bindings != nil {
			if a, ok := l.in.Bindings.IndirectAtom(f.BindingIndex); ok {
				return a, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnbound, f)
}

// isWeakImport reports whether references to the proxy may resolve to NULL.
func (l *Linker) isWeakImport(a *Atom) bool {
	return a.WeakImport || l.weakRefs[a] || (a.Dylib != nil && a.Dylib.Weak)
}
