package ld

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	gomacho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/machlink/pkg/ld/chained"
	"github.com/blacktop/machlink/pkg/macho"
)

func dylibOptions(arch macho.Arch, mode FixupMode) Options {
	return Options{
		Arch:           arch,
		OutputKind:     OutputDylib,
		FixupMode:      mode,
		InstallName:    "/usr/lib/libtest.dylib",
		CurrentVersion: 0x10000,
		CompatVersion:  0x10000,
		Unaligned:      UnalignedError,
	}
}

func codeAtom(name string, content ...byte) *Atom {
	return &Atom{
		Name:        name,
		Scope:       ScopeGlobal,
		Inclusion:   IncludeIn,
		ContentType: ContentCode,
		Size:        uint64(len(content)),
		Content:     content,
	}
}

func dataAtom(name string, size int) *Atom {
	return &Atom{
		Name:        name,
		Scope:       ScopeGlobal,
		Inclusion:   IncludeIn,
		ContentType: ContentData,
		Align:       Alignment{PowerOf2: 3},
		Size:        uint64(size),
		Content:     make([]byte, size),
	}
}

func textSection(atoms ...*Atom) *Section {
	return &Section{SegmentName: "__TEXT", SectionName: "__text", Type: TypeCode, Align: 2, Atoms: atoms}
}

func dataSection(atoms ...*Atom) *Section {
	return &Section{SegmentName: "__DATA", SectionName: "__data", Type: TypeData, Align: 3, Atoms: atoms}
}

func pointerTo(off uint32, target *Atom, addend int64) Fixup {
	return Fixup{Offset: off, Kind: KindStoreTargetAddressLittleEndian64, Cluster: Cluster1of1, Binding: BindingDirect, Target: target, Addend: addend}
}

func link(t *testing.T, opts Options, in Input) (*Linker, *Result) {
	t.Helper()
	l, err := New(opts, in)
	if err != nil {
		t.Fatal(err)
	}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return l, res
}

func TestInternalCallDisplacement(t *testing.T) {
	caller := codeAtom("_caller", 0x55, 0xE8, 0, 0, 0, 0, 0x5D, 0xC3, 0x90, 0x90)
	callee := codeAtom("_callee", 0xC3)
	caller.Fixups = []Fixup{{
		Offset:  1,
		Kind:    KindStoreTargetAddressX86BranchPCRel32,
		Cluster: Cluster1of1,
		Binding: BindingDirect,
		Target:  callee,
	}}
	_, res := link(t, dylibOptions(macho.ArchX86_64, FixupsDyldInfo), Input{
		Sections: []*Section{textSection(caller, callee)},
	})
	if callee.Address() != caller.Address()+10 {
		t.Fatalf("callee at %#x, want caller+10 (%#x)", callee.Address(), caller.Address()+10)
	}
	off := caller.FileOffset() + 1
	got := int32(binary.LittleEndian.Uint32(res.Image[off:]))
	want := int64(callee.Address()) - int64(caller.Address()+1+4)
	if int64(got) != want || got <= 0 {
		t.Errorf("stored displacement %d, want %d", got, want)
	}
}

func chainedInput() (Input, *Atom) {
	libSystem := &Dylib{InstallName: "/usr/lib/libSystem.B.dylib", CurrentVersion: 0x10000, CompatVersion: 0x10000}
	ext := &Atom{Name: "_malloc", Definition: DefinitionProxy, Scope: ScopeGlobal, Inclusion: IncludeIn, Dylib: libSystem}
	fn := codeAtom("_f", 0xC0, 0x03, 0x5F, 0xD6)
	ptrs := dataAtom("_ptrs", 24)
	ptrs.Fixups = []Fixup{
		pointerTo(0, ext, 0),
		pointerTo(8, ext, 0),
		pointerTo(16, fn, 0),
	}
	return Input{
		Sections: []*Section{textSection(fn), dataSection(ptrs)},
		Dylibs:   []*Dylib{libSystem},
	}, ptrs
}

func TestChainedBindReuse(t *testing.T) {
	in, _ := chainedInput()
	l, res := link(t, dylibOptions(macho.ArchARM64, FixupsChained), in)
	if res.Stats.ChainedImports != 1 {
		t.Fatalf("chained imports = %d, want 1", res.Stats.ChainedImports)
	}
	if len(l.chainedImports) != 1 || l.chainedImports[0].Name != "_malloc" || l.chainedImports[0].LibOrdinal != 1 {
		t.Errorf("imports = %+v", l.chainedImports)
	}

	m, err := gomacho.NewFile(bytes.NewReader(res.Image))
	if err != nil {
		t.Fatalf("go-macho cannot parse the image: %v", err)
	}
	defer m.Close()
	dcf, err := m.DyldChainedFixups()
	if err != nil {
		t.Fatal(err)
	}
	if len(dcf.Imports) != 1 {
		t.Errorf("parsed %d imports, want 1", len(dcf.Imports))
	}
	var binds int
	for _, start := range dcf.Starts {
		if start.PageStarts == nil {
			continue
		}
		for _, b := range start.Binds() {
			binds++
			if b.Ordinal() != 0 {
				t.Errorf("bind uses ordinal %d, want 0", b.Ordinal())
			}
		}
	}
	if binds != 2 {
		t.Errorf("parsed %d binds, want 2", binds)
	}
}

func TestChainIntegrity(t *testing.T) {
	in, _ := chainedInput()
	// enough pointers to span two pages
	big := dataAtom("_table", 0x4000+64)
	for off := uint32(0); off < uint32(big.Size); off += 0x400 {
		big.Fixups = append(big.Fixups, pointerTo(off, in.Sections[0].Atoms[0], int64(off)))
	}
	in.Sections[1].Atoms = append(in.Sections[1].Atoms, big)

	l, res := link(t, dylibOptions(macho.ArchARM64, FixupsChained), in)
	f := l.Options().ChainedFormat
	want := len(big.Fixups) + 3
	var visited int
	for i, cs := range res.ChainedSegments {
		if cs == nil || cs.Empty() {
			continue
		}
		seg := res.Segments[i]
		data := res.Image[seg.FileOffset() : seg.FileOffset()+seg.FileSize()]
		starts := cs.Starts(f)
		for _, page := range cs.Pages() {
			base := uint64(page) * uint64(cs.PageSize)
			end := min(base+uint64(cs.PageSize), uint64(len(data)))
			seen := make(map[uint16]bool)
			for _, start := range starts[page] {
				offs, err := chained.Walk(f, data[base:end], start, binary.LittleEndian)
				if err != nil {
					t.Fatalf("page %d: %v", page, err)
				}
				for _, o := range offs {
					if seen[o] {
						t.Fatalf("page %d: slot %#x visited twice", page, o)
					}
					seen[o] = true
				}
			}
			if len(seen) != len(cs.Slots(page)) {
				t.Errorf("page %d: visited %d slots, recorded %d", page, len(seen), len(cs.Slots(page)))
			}
			visited += len(seen)
		}
	}
	if visited != want {
		t.Errorf("visited %d slots, want %d", visited, want)
	}
}

func TestBranchOutOfRange(t *testing.T) {
	far := &Atom{Name: "_far", Definition: DefinitionAbsolute, Scope: ScopeGlobal, AbsoluteValue: 200 << 20}
	fn := codeAtom("_f", 0x00, 0x00, 0x00, 0x94) // bl
	fn.Fixups = []Fixup{{Kind: KindStoreTargetAddressARM64Branch26, Cluster: Cluster1of1, Binding: BindingDirect, Target: far}}
	_, err := Link(context.Background(), dylibOptions(macho.ArchARM64, FixupsChained), Input{Sections: []*Section{textSection(fn)}})
	if !errors.Is(err, ErrRange) {
		t.Fatalf("Link() error = %v, want ErrRange", err)
	}
	var re *RangeError
	if !errors.As(err, &re) || re.Atom != "_f" || re.Target != "_far" {
		t.Errorf("Link() error = %v, want a RangeError from _f to _far", err)
	}
}

func stabInput(mtime time.Time) Input {
	obj := &File{Path: "/tmp/build/a.o", SourcePath: "/src/a.c", ModTime: mtime, Ordinal: 1}
	f := codeAtom("_f", 0xC3)
	g := codeAtom("_g", 0xC3)
	f.File, g.File = obj, obj
	return Input{Sections: []*Section{textSection(f, g)}}
}

func TestDebugNotesOnePairPerFile(t *testing.T) {
	opts := dylibOptions(macho.ArchX86_64, FixupsDyldInfo)
	opts.DebugNotes = true
	l, _ := link(t, opts, stabInput(time.Unix(1700000000, 0)))
	var opens, closes, funs int
	for _, s := range l.stabs {
		switch {
		case s.typ == macho.N_OSO:
			opens++
		case s.typ == macho.N_SO && s.str == "":
			closes++
		case s.typ == macho.N_BNSYM:
			funs++
		}
	}
	if opens != 1 || closes != 1 {
		t.Errorf("got %d opening and %d closing notes, want one of each", opens, closes)
	}
	if funs != 2 {
		t.Errorf("got %d function notes, want 2", funs)
	}
}

func TestContentUUIDIgnoresTimestamps(t *testing.T) {
	opts := dylibOptions(macho.ArchX86_64, FixupsDyldInfo)
	opts.DebugNotes = true
	_, a := link(t, opts, stabInput(time.Unix(1600000000, 0)))
	_, b := link(t, opts, stabInput(time.Unix(1700000000, 0)))
	if a.UUID == [16]byte{} {
		t.Fatal("uuid not assigned")
	}
	if a.UUID != b.UUID {
		t.Errorf("uuids differ: %x vs %x", a.UUID, b.UUID)
	}
	if a.UUID[6]>>4 != 3 || a.UUID[8]&0xC0 != 0x80 {
		t.Errorf("uuid %x is not a version 3 RFC 4122 uuid", a.UUID)
	}

	changed := stabInput(time.Unix(1600000000, 0))
	changed.Sections[0].Atoms[0].Content = []byte{0x90}
	_, c := link(t, opts, changed)
	if c.UUID == a.UUID {
		t.Error("different content produced the same uuid")
	}
}

func TestUUIDModes(t *testing.T) {
	tests := []struct {
		name string
		mode UUIDMode
		zero bool
	}{
		{"content", UUIDContent, false},
		{"random", UUIDRandom, false},
		{"none", UUIDNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := dylibOptions(macho.ArchARM64, FixupsChained)
			opts.UUID = tt.mode
			l, res := link(t, opts, Input{Sections: []*Section{textSection(codeAtom("_f", 0xC0, 0x03, 0x5F, 0xD6))}})
			if (res.UUID == [16]byte{}) != tt.zero {
				t.Errorf("uuid = %x", res.UUID)
			}
			if _, err := l.ReserveUUID(); (err != nil) != tt.zero {
				t.Errorf("ReserveUUID() error = %v", err)
			}
		})
	}
}

func TestSymbolPartition(t *testing.T) {
	in, _ := chainedInput()
	local := codeAtom("_local", 0xC0, 0x03, 0x5F, 0xD6)
	local.Scope = ScopeTranslationUnit
	hidden := codeAtom("_hidden", 0xC0, 0x03, 0x5F, 0xD6)
	hidden.Scope = ScopeLinkageUnit
	in.Sections[0].Atoms = append(in.Sections[0].Atoms, local, hidden)

	l, res := link(t, dylibOptions(macho.ArchARM64, FixupsChained), in)
	if res.LocalStart != 0 || res.LocalStart+res.LocalCount != res.GlobalStart || res.GlobalStart+res.GlobalCount != res.ImportStart {
		t.Fatalf("partitions not contiguous: %+v", res)
	}
	inRange := func(i, start, n uint32) bool { return i >= start && i < start+n }
	for _, a := range []*Atom{local, hidden} {
		i, ok := res.SymbolIndex[a]
		if !ok || !inRange(i, res.LocalStart, res.LocalCount) {
			t.Errorf("%s at %d, want a local", a, i)
		}
	}
	for _, a := range []*Atom{in.Sections[0].Atoms[0], in.Sections[1].Atoms[0]} {
		if i, ok := res.SymbolIndex[a]; !ok || !inRange(i, res.GlobalStart, res.GlobalCount) {
			t.Errorf("%s at %d, want a global", a, i)
		}
	}
	ext := in.Sections[1].Atoms[0].Fixups[0].Target
	if i, ok := res.SymbolIndex[ext]; !ok || !inRange(i, res.ImportStart, res.ImportCount) {
		t.Errorf("%s at %d, want an import", ext, i)
	}
	seen := make(map[uint32]bool)
	for a, i := range res.SymbolIndex {
		if seen[i] {
			t.Errorf("index %d used twice (%s)", i, a)
		}
		seen[i] = true
	}
	if got := len(l.locals) + len(l.stabs) + len(l.globals) + len(l.imports); got != res.Stats.Symbols {
		t.Errorf("symbol count %d, stats %d", got, res.Stats.Symbols)
	}
}

func TestLoadCommandsMatchHeader(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"x86_64 dyld info", dylibOptions(macho.ArchX86_64, FixupsDyldInfo)},
		{"arm64 chained", dylibOptions(macho.ArchARM64, FixupsChained)},
		{"i386 classic", dylibOptions(macho.ArchI386, FixupsClassic)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.FunctionStarts = true
			tt.opts.DataInCode = true
			tt.opts.RPaths = []string{"@loader_path/../lib"}
			l, res := link(t, tt.opts, Input{Sections: []*Section{textSection(codeAtom("_f", 0xC3, 0x90, 0x90, 0x90))}})
			m, err := gomacho.NewFile(bytes.NewReader(res.Image))
			if err != nil {
				t.Fatalf("go-macho cannot parse the image: %v", err)
			}
			defer m.Close()
			if m.NCommands != l.loadCommandsCount() || len(m.Loads) != int(m.NCommands) {
				t.Errorf("ncmds = %d, parsed %d loads, built %d", m.NCommands, len(m.Loads), l.loadCommandsCount())
			}
			if m.SizeCommands != l.loadCommandsSize() {
				t.Errorf("sizeofcmds = %d, want %d", m.SizeCommands, l.loadCommandsSize())
			}
			if u := m.UUID(); u == nil || [16]byte(u.UUID) != res.UUID {
				t.Errorf("LC_UUID does not hold the content uuid %x", res.UUID)
			}
		})
	}
}

func TestObjectRelocations(t *testing.T) {
	fn := codeAtom("_main", 0xE8, 0, 0, 0, 0, 0xC3)
	fn.Fixups = []Fixup{{Offset: 1, Kind: KindStoreTargetAddressX86BranchPCRel32, Cluster: Cluster1of1, Binding: BindingByName, TargetName: "_puts"}}
	ptr := dataAtom("_ptr", 8)
	ptr.Fixups = []Fixup{pointerTo(0, fn, 4)}
	opts := Options{Arch: macho.ArchX86_64, OutputKind: OutputObject, Unaligned: UnalignedError}
	l, res := link(t, opts, Input{Sections: []*Section{textSection(fn), dataSection(ptr)}})

	text, data := l.in.Sections[0], l.in.Sections[1]
	if len(text.relocs) != 1 || len(data.relocs) != 1 {
		t.Fatalf("got %d text and %d data relocs, want 1 each", len(text.relocs), len(data.relocs))
	}
	call := text.relocs[0]
	if call.Type != macho.X86_64_RELOC_BRANCH || !call.Extern || !call.Pcrel || call.Addr != 1 {
		t.Errorf("call reloc = %+v", call)
	}
	// extern branches keep only the addend in the instruction
	if got := binary.LittleEndian.Uint32(res.Image[fn.FileOffset()+1:]); got != 0 {
		t.Errorf("call displacement = %#x, want 0", got)
	}
	p := data.relocs[0]
	if p.Type != macho.X86_64_RELOC_UNSIGNED || !p.Extern || p.Len != 3 {
		t.Errorf("pointer reloc = %+v", p)
	}
	if got := binary.LittleEndian.Uint64(res.Image[ptr.FileOffset():]); got != 4 {
		t.Errorf("pointer content = %#x, want the addend 4", got)
	}
}

func TestUnalignedPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  UnalignedPolicy
		wantErr bool
	}{
		{"error", UnalignedError, true},
		{"warn", UnalignedWarn, false},
		{"ignore", UnalignedIgnore, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := codeAtom("_f", 0xC3)
			d := dataAtom("_d", 16)
			d.Fixups = []Fixup{pointerTo(4, fn, 0)}
			opts := dylibOptions(macho.ArchX86_64, FixupsDyldInfo)
			opts.Unaligned = tt.policy
			_, err := Link(context.Background(), opts, Input{Sections: []*Section{textSection(fn), dataSection(d)}})
			if tt.wantErr != errors.Is(err, ErrUnaligned) {
				t.Errorf("Link() error = %v, want ErrUnaligned %v", err, tt.wantErr)
			}
		})
	}
}

func TestOptionsRequireUnalignedPolicy(t *testing.T) {
	opts := dylibOptions(macho.ArchX86_64, FixupsDyldInfo)
	opts.Unaligned = UnalignedUnset
	if _, err := New(opts, Input{}); err == nil {
		t.Error("New() accepted options without an unaligned pointer policy")
	}
}

// multiStartInput has two 32-bit pointers per page of __data, 0x800 apart,
// so every page needs a second chain start.
func multiStartInput() Input {
	fn := codeAtom("_f", 0xC3)
	table := dataAtom("_table", 0x3000)
	for page := uint32(0); page < 3; page++ {
		for _, off := range []uint32{page * 0x1000, page*0x1000 + 0x800} {
			table.Fixups = append(table.Fixups, Fixup{Offset: off, Kind: KindStoreTargetAddressLittleEndian32,
				Cluster: Cluster1of1, Binding: BindingDirect, Target: fn})
		}
	}
	return Input{Sections: []*Section{textSection(fn), dataSection(table)}}
}

func TestReproducibleOutput(t *testing.T) {
	opts := dylibOptions(macho.ArchI386, FixupsChained)
	_, want := link(t, opts, multiStartInput())
	for i := 0; i < 10; i++ {
		_, got := link(t, opts, multiStartInput())
		if got.UUID != want.UUID {
			t.Fatalf("link %d: uuid %x, want %x", i, got.UUID, want.UUID)
		}
		if !bytes.Equal(got.Image, want.Image) {
			t.Fatalf("link %d: image bytes differ", i)
		}
	}
}

func TestChainedMaxValidPointer(t *testing.T) {
	l, res := link(t, dylibOptions(macho.ArchI386, FixupsChained), multiStartInput())
	if f := l.Options().ChainedFormat; f != fixupchains.DYLD_CHAINED_PTR_32 {
		t.Fatalf("format = %v, want 32-bit chains", f)
	}
	var end uint64
	for _, seg := range res.Segments {
		end = max(end, seg.Address()+seg.VMSize())
	}
	blob := l.blobs[blobChainedFixups]
	o := binary.LittleEndian
	startsOff := o.Uint32(blob[4:])
	var multi int
	for i := uint32(0); i < o.Uint32(blob[startsOff:]); i++ {
		segOff := o.Uint32(blob[startsOff+4+4*i:])
		if segOff == 0 {
			continue
		}
		info := blob[startsOff+segOff:]
		if got := uint64(o.Uint32(info[16:])); got != end {
			t.Errorf("segment %d max valid pointer = %#x, want end of image %#x", i, got, end)
		}
		for p := 0; p < int(o.Uint16(info[20:])); p++ {
			ps := o.Uint16(info[22+2*p:])
			if ps != uint16(fixupchains.DYLD_CHAINED_PTR_START_NONE) && ps&uint16(fixupchains.DYLD_CHAINED_PTR_START_MULTI) != 0 {
				multi++
			}
		}
	}
	if multi != 3 {
		t.Errorf("%d pages with multiple starts, want 3", multi)
	}
}
