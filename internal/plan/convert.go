package plan

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/blacktop/machlink/pkg/ld"
	"github.com/blacktop/machlink/pkg/macho"
)

var definitions = map[string]ld.Definition{
	"":          ld.DefinitionRegular,
	"regular":   ld.DefinitionRegular,
	"tentative": ld.DefinitionTentative,
	"absolute":  ld.DefinitionAbsolute,
	"proxy":     ld.DefinitionProxy,
}

var scopes = map[string]ld.Scope{
	"":                 ld.ScopeGlobal,
	"global":           ld.ScopeGlobal,
	"linkage-unit":     ld.ScopeLinkageUnit,
	"translation-unit": ld.ScopeTranslationUnit,
}

var combines = map[string]ld.Combine{
	"":                       ld.CombineNever,
	"never":                  ld.CombineNever,
	"by-name":                ld.CombineByName,
	"by-name-and-content":    ld.CombineByNameAndContent,
	"by-name-and-references": ld.CombineByNameAndReferences,
}

var inclusions = map[string]ld.Inclusion{
	"":                         ld.IncludeIn,
	"in":                       ld.IncludeIn,
	"not-in":                   ld.IncludeNotIn,
	"in-never-strip":           ld.IncludeInAndNeverStrip,
	"in-as-absolute":           ld.IncludeInAsAbsolute,
	"in-with-auto-strip-label": ld.IncludeInWithRandomAutoStripLabel,
}

var clusters = map[string]ld.Cluster{
	"": ld.Cluster1of1, "1of1": ld.Cluster1of1,
	"1of2": ld.Cluster1of2, "2of2": ld.Cluster2of2,
	"1of3": ld.Cluster1of3, "2of3": ld.Cluster2of3, "3of3": ld.Cluster3of3,
	"1of4": ld.Cluster1of4, "2of4": ld.Cluster2of4, "3of4": ld.Cluster3of4, "4of4": ld.Cluster4of4,
	"1of5": ld.Cluster1of5, "2of5": ld.Cluster2of5, "3of5": ld.Cluster3of5, "4of5": ld.Cluster4of5, "5of5": ld.Cluster5of5,
}

var hints = map[string]uint8{
	"adrp-adrp":        macho.LOH_ARM64_ADRP_ADRP,
	"adrp-ldr":         macho.LOH_ARM64_ADRP_LDR,
	"adrp-add-ldr":     macho.LOH_ARM64_ADRP_ADD_LDR,
	"adrp-ldr-got-ldr": macho.LOH_ARM64_ADRP_LDR_GOT_LDR,
	"adrp-add-str":     macho.LOH_ARM64_ADRP_ADD_STR,
	"adrp-ldr-got-str": macho.LOH_ARM64_ADRP_LDR_GOT_STR,
	"adrp-add":         macho.LOH_ARM64_ADRP_ADD,
	"adrp-ldr-got":     macho.LOH_ARM64_ADRP_LDR_GOT,
}

// defaultContent is the content type of atoms that do not name one.
var defaultContent = map[ld.SectionType]ld.ContentType{
	ld.TypeCode:                   ld.ContentCode,
	ld.TypeStub:                   ld.ContentStub,
	ld.TypeStubHelper:             ld.ContentStubHelper,
	ld.TypeResolverHelper:         ld.ContentResolverHelper,
	ld.TypeLazyPointer:            ld.ContentLazyPointer,
	ld.TypeNonLazyPointer:         ld.ContentNonLazyPointer,
	ld.TypeTLVPointers:            ld.ContentTLVPointer,
	ld.TypeTLVDefs:                ld.ContentTLV,
	ld.TypeTLVZeroFill:            ld.ContentTLVZeroFill,
	ld.TypeTLVInitialValues:       ld.ContentTLVInitialValue,
	ld.TypeTLVInitializerPointers: ld.ContentTLVInitializerPointers,
	ld.TypeCString:                ld.ContentCString,
	ld.TypeLiteral4:               ld.ContentLiteral4,
	ld.TypeLiteral8:               ld.ContentLiteral8,
	ld.TypeLiteral16:              ld.ContentLiteral16,
	ld.TypeCFI:                    ld.ContentCFI,
	ld.TypeLSDA:                   ld.ContentLSDA,
	ld.TypeZeroFill:               ld.ContentZeroFill,
	ld.TypeTentativeDefs:          ld.ContentZeroFill,
	ld.TypeInitializerPointers:    ld.ContentInitializerPointers,
	ld.TypeTerminatorPointers:     ld.ContentTerminatorPointers,
	ld.TypeCFString:               ld.ContentCFString,
	ld.TypeDtraceDOF:              ld.ContentDtraceDOF,
	ld.TypeConst:                  ld.ContentConst,
	ld.TypeData:                   ld.ContentData,
}

func lookup[T any](m map[string]T, what, s string) (T, error) {
	v, ok := m[s]
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s %q", what, s)
	}
	return v, nil
}

// Settings returns the plan's knobs keyed like the link configuration so
// they can sit below flags and environment variables.
func (p *Plan) Settings() map[string]any {
	o := p.Options
	out := make(map[string]any)
	str := func(k, v string) {
		if v != "" {
			out["link."+k] = v
		}
	}
	num := func(k string, v uint64) {
		if v != 0 {
			out["link."+k] = v
		}
	}
	flag := func(k string, v bool) {
		if v {
			out["link."+k] = true
		}
	}
	str("output", p.Output)
	str("arch", o.Arch)
	str("kind", o.Kind)
	str("fixups", o.Fixups)
	str("chained-format", o.ChainedFormat)
	str("uuid", o.UUID)
	str("unaligned-pointers", o.UnalignedPointers)
	if o.SplitSeg != 0 {
		out["link.split-seg"] = o.SplitSeg
	}
	num("header-pad", o.HeaderPad)
	num("pagezero-size", o.PageZeroSize)
	num("stack-size", o.StackSize)
	num("base-address", o.BaseAddress)
	num("code-signature-size", o.CodeSignatureSize)
	flag("pie", o.PIE)
	flag("flat-namespace", o.FlatNamespace)
	flag("strip-locals", o.StripLocals)
	flag("keep-private-externs", o.KeepPrivateExterns)
	flag("debug-notes", o.DebugNotes)
	flag("function-starts", o.FunctionStarts)
	flag("data-in-code", o.DataInCode)
	flag("ignore-optimization-hints", o.IgnoreOptimizationHints)
	flag("thumb2", o.Thumb2)
	flag("allow-text-relocs", o.AllowTextRelocs)
	return out
}

// LinkOptions converts the plan options. The result is not validated;
// ld.New does that once the configuration has been applied on top.
func (p *Plan) LinkOptions() (ld.Options, error) {
	o := p.Options
	out := ld.Options{
		InstallName:         o.InstallName,
		DylinkerPath:        o.Dylinker,
		EntryName:           o.Entry,
		InitName:            o.Init,
		RPaths:              o.RPaths,
		Umbrella:            o.Umbrella,
		SubUmbrellas:        o.SubUmbrellas,
		SubLibraries:        o.SubLibraries,
		AllowableClients:    o.AllowableClients,
		LinkerOptions:       o.LinkerOptions,
		Encryptable:         o.Encryptable,
		AppExtensionSafe:    o.AppExtensionSafe,
		DeadStrippableDylib: o.DeadStrippableDylib,
	}
	var err error
	if o.Arch != "" {
		if out.Arch, err = macho.ParseArch(o.Arch); err != nil {
			return out, err
		}
	}
	if o.Kind != "" {
		if out.OutputKind, err = ld.ParseOutputKind(o.Kind); err != nil {
			return out, err
		}
	}
	if o.Platform != "" {
		if out.Platform, err = macho.ParsePlatform(o.Platform); err != nil {
			return out, err
		}
	}
	versions := []struct {
		dst *macho.Version
		s   string
	}{
		{&out.CurrentVersion, o.CurrentVersion},
		{&out.CompatVersion, o.CompatVersion},
		{&out.MinOS, o.MinOS},
		{&out.SDK, o.SDK},
	}
	for _, v := range versions {
		if *v.dst, err = macho.ParseVersion(v.s); err != nil {
			return out, err
		}
	}
	if out.SourceVersion, err = macho.ParseSourceVersion(o.SourceVersion); err != nil {
		return out, err
	}
	return out, nil
}

// builder turns plan atoms into linker atoms. Names resolve in two passes
// so fixups may point forward.
type builder struct {
	files  map[string]*ld.File
	dylibs map[string]*ld.Dylib
	byName map[string]*ld.Atom
	atoms  []pending
}

type pending struct {
	atom *ld.Atom
	src  *Atom
}

// Input converts the sections, externals and dylibs of the plan.
func (p *Plan) Input() (ld.Input, error) {
	in, _, err := p.Convert()
	return in, err
}

// Convert is Input that also returns the dead-stripped atoms, sharing the
// input's files so reports can attribute them.
func (p *Plan) Convert() (ld.Input, []*ld.Atom, error) {
	in, b, err := p.input()
	if err != nil {
		return in, nil, err
	}
	var dead []*ld.Atom
	for i := range p.DeadStripped {
		a, err := b.atom(&p.DeadStripped[i], ld.TypeUnclassified)
		if err != nil {
			return in, nil, fmt.Errorf("dead stripped: %w", err)
		}
		dead = append(dead, a)
	}
	return in, dead, nil
}

func (p *Plan) input() (ld.Input, *builder, error) {
	b := &builder{
		files:  make(map[string]*ld.File),
		dylibs: make(map[string]*ld.Dylib),
		byName: make(map[string]*ld.Atom),
	}
	var in ld.Input

	for i, f := range p.Files {
		if f.ID == "" {
			return in, nil, fmt.Errorf("file %d has no id", i)
		}
		if _, dup := b.files[f.ID]; dup {
			return in, nil, fmt.Errorf("duplicate file id %q", f.ID)
		}
		b.files[f.ID] = &ld.File{
			Path:       f.Path,
			SourcePath: f.Source,
			ModTime:    f.MTime,
			Ordinal:    i + 1,
			Archive:    f.Archive,
		}
	}

	for _, d := range p.Dylibs {
		dylib, err := d.convert()
		if err != nil {
			return in, nil, err
		}
		in.Dylibs = append(in.Dylibs, dylib)
		b.dylibs[d.InstallName] = dylib
		if d.ID != "" {
			b.dylibs[d.ID] = dylib
		}
	}

	for _, s := range p.Sections {
		sect, err := b.section(s)
		if err != nil {
			return in, nil, err
		}
		in.Sections = append(in.Sections, sect)
	}
	for i := range p.Externals {
		a, err := b.atom(&p.Externals[i], ld.TypeUnclassified)
		if err != nil {
			return in, nil, err
		}
		if a.Definition == ld.DefinitionRegular {
			return in, nil, fmt.Errorf("external %s must be a proxy or absolute", a)
		}
	}

	for _, pa := range b.atoms {
		for i := range pa.src.Fixups {
			f, err := b.fixup(&pa.src.Fixups[i])
			if err != nil {
				return in, nil, fmt.Errorf("%s: fixup %d: %w", pa.atom, i, err)
			}
			pa.atom.Fixups = append(pa.atom.Fixups, f)
		}
	}

	if len(p.Indirect) > 0 {
		table := make(ld.BindingTable, len(p.Indirect))
		for i, name := range p.Indirect {
			a, ok := b.byName[name]
			if !ok {
				return in, nil, fmt.Errorf("indirect binding %d names unknown atom %q", i, name)
			}
			table[i] = a
		}
		in.Bindings = table
	}
	return in, b, nil
}

func (d Dylib) convert() (*ld.Dylib, error) {
	if d.InstallName == "" {
		return nil, fmt.Errorf("dylib without an install name")
	}
	cur, err := macho.ParseVersion(d.CurrentVersion)
	if err != nil {
		return nil, err
	}
	compat, err := macho.ParseVersion(d.CompatVersion)
	if err != nil {
		return nil, err
	}
	return &ld.Dylib{
		InstallName:    d.InstallName,
		CurrentVersion: cur,
		CompatVersion:  compat,
		Weak:           d.Weak,
		Reexport:       d.Reexport,
		Upward:         d.Upward,
		Lazy:           d.Lazy,
	}, nil
}

func (b *builder) section(s Section) (*ld.Section, error) {
	typ := ld.TypeData
	if s.Type != "" {
		var err error
		if typ, err = ld.ParseSectionType(s.Type); err != nil {
			return nil, fmt.Errorf("%s,%s: %w", s.Segment, s.Section, err)
		}
	}
	sect := &ld.Section{
		SegmentName: s.Segment,
		SectionName: s.Section,
		Type:        typ,
		Align:       s.Align,
		StubSize:    s.StubSize,
	}
	for i := range s.Atoms {
		a, err := b.atom(&s.Atoms[i], typ)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sect, err)
		}
		sect.Atoms = append(sect.Atoms, a)
	}
	return sect, nil
}

func (b *builder) atom(src *Atom, typ ld.SectionType) (*ld.Atom, error) {
	a := &ld.Atom{
		Name:          src.Name,
		Align:         ld.Alignment{PowerOf2: src.Align, Modulus: src.Modulus},
		SourceFile:    src.SourceFile,
		AbsoluteValue: src.Value,
	}
	var err error
	if a.Definition, err = lookup(definitions, "definition", src.Definition); err != nil {
		return nil, err
	}
	if a.Scope, err = lookup(scopes, "scope", src.Scope); err != nil {
		return nil, err
	}
	if a.Combine, err = lookup(combines, "combine", src.Combine); err != nil {
		return nil, err
	}
	if a.Inclusion, err = lookup(inclusions, "inclusion", src.Inclusion); err != nil {
		return nil, err
	}
	if src.Type != "" {
		if a.ContentType, err = ld.ParseContentType(src.Type); err != nil {
			return nil, err
		}
	} else {
		a.ContentType = defaultContent[typ]
	}
	for _, f := range src.Flags {
		switch f {
		case "thumb":
			a.Thumb = true
		case "weak-import":
			a.WeakImport = true
		case "no-dead-strip":
			a.NoDeadStrip = true
		case "alt-entry":
			a.AltEntry = true
		case "resolver":
			a.SymbolResolver = true
		case "overrides-weak-def":
			a.OverridesDylibWeakDef = true
		case "cold":
			a.Cold = true
		default:
			return nil, fmt.Errorf("%s: unknown flag %q", src.Name, f)
		}
	}

	if src.Content != "" {
		if a.Content, err = decodeContent(src.Content); err != nil {
			return nil, fmt.Errorf("%s: %w", src.Name, err)
		}
	}
	a.Size = src.Size
	if a.Size == 0 {
		a.Size = uint64(len(a.Content))
	}
	if uint64(len(a.Content)) > a.Size {
		return nil, fmt.Errorf("%s: %d bytes of content for size %d", src.Name, len(a.Content), a.Size)
	}

	if src.File != "" {
		f, ok := b.files[src.File]
		if !ok {
			return nil, fmt.Errorf("%s: unknown file %q", src.Name, src.File)
		}
		a.File = f
	}
	if src.Dylib != "" {
		d, ok := b.dylibs[src.Dylib]
		if !ok {
			return nil, fmt.Errorf("%s: unknown dylib %q", src.Name, src.Dylib)
		}
		a.Dylib = d
	}

	if a.Name != "" {
		if prev, ok := b.byName[a.Name]; !ok || prev.Scope == ld.ScopeTranslationUnit {
			b.byName[a.Name] = a
		}
	}
	b.atoms = append(b.atoms, pending{atom: a, src: src})
	return a, nil
}

func decodeContent(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex content: %w", err)
	}
	return b, nil
}

func (b *builder) fixup(src *Fixup) (ld.Fixup, error) {
	var f ld.Fixup
	var err error
	if f.Kind, err = ld.ParseFixupKind(src.Kind); err != nil {
		return f, err
	}
	if f.Cluster, err = lookup(clusters, "cluster", src.Cluster); err != nil {
		return f, err
	}
	f.Offset = src.Offset
	f.Addend = src.Addend
	f.WeakImport = src.WeakImport

	named := 0
	if src.Target != "" {
		t, ok := b.byName[src.Target]
		if !ok {
			return f, fmt.Errorf("unknown target %q", src.Target)
		}
		f.Binding, f.Target = ld.BindingDirect, t
		named++
	}
	if src.ByName != "" {
		f.Binding, f.TargetName = ld.BindingByName, src.ByName
		named++
	}
	if src.Indirect != nil {
		f.Binding, f.BindingIndex = ld.BindingIndirect, *src.Indirect
		named++
	}
	if named > 1 {
		return f, fmt.Errorf("more than one of target, by_name and indirect")
	}

	if src.Auth != nil {
		f.Auth = &ld.PointerAuth{
			Key:              src.Auth.Key,
			Discriminator:    src.Auth.Discriminator,
			AddressDiversity: src.Auth.AddressDiversity,
		}
	}
	if src.Hint != nil {
		kind, err := lookup(hints, "optimization hint", src.Hint.Kind)
		if err != nil {
			return f, err
		}
		f.Hint = &ld.LOH{Kind: kind, Offsets: src.Hint.Offsets}
	}
	return f, nil
}
