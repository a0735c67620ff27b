package chained

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-macho/pkg/fixupchains"
)

func TestEncodeRebaseRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		r      Rebase
		check  func(v uint64) (uint64, uint64)
	}{
		{"64", fixupchains.DYLD_CHAINED_PTR_64, Rebase{Target: 0x100004000, High8: 0xab}, func(v uint64) (uint64, uint64) {
			p := fixupchains.DyldChainedPtr64Rebase{Pointer: v}
			return p.Target(), p.High8()
		}},
		{"64 offset", fixupchains.DYLD_CHAINED_PTR_64_OFFSET, Rebase{Target: 0x4010}, func(v uint64) (uint64, uint64) {
			p := fixupchains.DyldChainedPtr64RebaseOffset{Pointer: v}
			return p.Target(), p.High8()
		}},
		{"arm64e", fixupchains.DYLD_CHAINED_PTR_ARM64E, Rebase{Target: 0x100008000, High8: 0x7}, func(v uint64) (uint64, uint64) {
			p := fixupchains.DyldChainedPtrArm64eRebase{Pointer: v}
			return p.Target(), p.High8()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := EncodeRebase(tt.format, tt.r)
			if err != nil {
				t.Fatal(err)
			}
			target, high8 := tt.check(v)
			if target != tt.r.Target || high8 != uint64(tt.r.High8) {
				t.Errorf("decoded target %#x high8 %#x, want %#x %#x", target, high8, tt.r.Target, tt.r.High8)
			}
			if IsBind(tt.format, v) {
				t.Error("rebase decoded as bind")
			}
		})
	}
}

func TestEncodeAuthRebase(t *testing.T) {
	v, err := EncodeRebase(fixupchains.DYLD_CHAINED_PTR_ARM64E, Rebase{Target: 0x8000, Auth: &Auth{Key: 2, Diversity: 0x1234, AddrDiv: true}})
	if err != nil {
		t.Fatal(err)
	}
	p := fixupchains.DyldChainedPtrArm64eAuthRebase{Pointer: v}
	if p.Diversity() != 0x1234 || p.AddrDiv() != 1 || p.Key() != 2 || p.Auth() != 1 || p.Bind() != 0 {
		t.Errorf("auth rebase fields wrong: %s", p.String())
	}
}

func TestEncodeBindRoundTrip(t *testing.T) {
	v, err := EncodeBind(fixupchains.DYLD_CHAINED_PTR_64_OFFSET, Bind{Ordinal: 3, Addend: 16})
	if err != nil {
		t.Fatal(err)
	}
	p := fixupchains.DyldChainedPtr64Bind{Pointer: v}
	if p.Ordinal() != 3 || p.Addend() != 16 || p.Bind() != 1 {
		t.Errorf("bind decoded as %s", p.String())
	}

	v, err = EncodeBind(fixupchains.DYLD_CHAINED_PTR_32, Bind{Ordinal: 7, Addend: 5})
	if err != nil {
		t.Fatal(err)
	}
	b32 := fixupchains.DyldChainedPtr32Bind{Pointer: uint32(v)}
	if b32.Ordinal() != 7 || b32.Addend() != 5 || b32.Bind() != 1 {
		t.Errorf("32-bit bind decoded as %s", b32.String())
	}

	v, err = EncodeBind(fixupchains.DYLD_CHAINED_PTR_ARM64E, Bind{Ordinal: 9, Addend: -4})
	if err != nil {
		t.Fatal(err)
	}
	e := fixupchains.DyldChainedPtrArm64eBind{Pointer: v}
	if e.Ordinal() != 9 || int64(e.SignExtendedAddend()) != -4 {
		t.Errorf("arm64e bind decoded as %s", e.String())
	}
}

func TestRangeErrors(t *testing.T) {
	if _, err := EncodeRebase(fixupchains.DYLD_CHAINED_PTR_64_OFFSET, Rebase{Target: 1 << 36}); !errors.Is(err, ErrTargetRange) {
		t.Errorf("36-bit overflow: err = %v", err)
	}
	if _, err := EncodeRebase(fixupchains.DYLD_CHAINED_PTR_64_OFFSET, Rebase{Target: 1<<36 - 1}); err != nil {
		t.Errorf("36-bit boundary rejected: %v", err)
	}
	if _, err := EncodeBind(fixupchains.DYLD_CHAINED_PTR_64, Bind{Ordinal: 1, Addend: 256}); err == nil {
		t.Error("addend 256 inlined in 8-bit field")
	}
	if _, err := EncodeBind(fixupchains.DYLD_CHAINED_PTR_ARM64E, Bind{Ordinal: 1 << 16}); !errors.Is(err, ErrOrdinalRange) {
		t.Errorf("ordinal overflow: err = %v", err)
	}
}

func TestLinkAndWalk(t *testing.T) {
	f := fixupchains.DYLD_CHAINED_PTR_64_OFFSET
	seg := NewSegment(0x4000, 0x8000, 0x4000)
	data := make([]byte, 0x8000)
	offsets := []uint64{0x10, 0x0, 0x3ff8, 0x4100, 0x20}
	for _, off := range offsets {
		v, err := EncodeRebase(f, Rebase{Target: 0x1000 + off})
		if err != nil {
			t.Fatal(err)
		}
		binary.LittleEndian.PutUint64(data[off:], v)
		seg.Add(off)
	}
	if err := Link(f, seg, data, binary.LittleEndian); err != nil {
		t.Fatal(err)
	}
	starts := seg.Starts(f)
	seen := map[uint64]int{}
	for _, page := range seg.Pages() {
		if len(starts[page]) != 1 {
			t.Fatalf("page %d has %d starts", page, len(starts[page]))
		}
		base := uint64(page) * 0x4000
		visited, err := Walk(f, data[base:base+0x4000], starts[page][0], binary.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		for _, v := range visited {
			seen[base+uint64(v)]++
			target := fixupchains.DyldChainedPtr64RebaseOffset{Pointer: binary.LittleEndian.Uint64(data[base+uint64(v):])}.Target()
			if target != 0x1000+base+uint64(v) {
				t.Errorf("slot %#x target clobbered: %#x", base+uint64(v), target)
			}
		}
	}
	for _, off := range offsets {
		if seen[off] != 1 {
			t.Errorf("slot %#x visited %d times", off, seen[off])
		}
	}
	if len(seen) != len(offsets) {
		t.Errorf("visited %d slots, want %d", len(seen), len(offsets))
	}
}

func TestMultipleStartsFor32Bit(t *testing.T) {
	f := fixupchains.DYLD_CHAINED_PTR_32
	seg := NewSegment(0x1000, 0x1000, 0x1000)
	seg.Add(0x0)
	seg.Add(0x7c)  // 31 strides: fits
	seg.Add(0x200) // gap too large, new start
	starts := seg.Starts(f)
	if got := starts[0]; len(got) != 2 || got[0] != 0 || got[1] != 0x200 {
		t.Fatalf("starts = %v", got)
	}
	data := make([]byte, 0x1000)
	if err := Link(f, seg, data, binary.LittleEndian); err != nil {
		t.Fatal(err)
	}
	first, err := Walk(f, data, 0, binary.LittleEndian)
	if err != nil || len(first) != 2 {
		t.Errorf("first chain = %v, %v", first, err)
	}

	c := &Fixups{Format: f, Segments: []*Segment{seg}}
	blob, err := c.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	startsOff := binary.LittleEndian.Uint32(blob[4:])
	segInfo := startsOff + binary.LittleEndian.Uint32(blob[startsOff+4:])
	pageStart := binary.LittleEndian.Uint16(blob[segInfo+22:])
	if pageStart&uint16(fixupchains.DYLD_CHAINED_PTR_START_MULTI) == 0 {
		t.Errorf("page start %#x lacks the multi bit", pageStart)
	}
	if idx := pageStart &^ uint16(fixupchains.DYLD_CHAINED_PTR_START_MULTI); idx != 1 {
		t.Errorf("overflow index = %d, want 1", idx)
	}
	last := binary.LittleEndian.Uint16(blob[segInfo+26:])
	if last != 0x200|uint16(fixupchains.DYLD_CHAINED_PTR_START_LAST) {
		t.Errorf("last chain start = %#x", last)
	}
}

func TestImportsFormat(t *testing.T) {
	tests := []struct {
		name    string
		imports []Import
		want    fixupchains.ImportFormat
	}{
		{"plain", []Import{{LibOrdinal: 1, Name: "_malloc"}}, fixupchains.DC_IMPORT},
		{"addend", []Import{{LibOrdinal: 1, Name: "_a", Addend: 1 << 20}}, fixupchains.DC_IMPORT_ADDEND},
		{"addend64", []Import{{LibOrdinal: 1, Name: "_a", Addend: 1 << 40}}, fixupchains.DC_IMPORT_ADDEND64},
		{"big ordinal", []Import{{LibOrdinal: 300, Name: "_a"}}, fixupchains.DC_IMPORT_ADDEND64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Fixups{Format: fixupchains.DYLD_CHAINED_PTR_64_OFFSET, Imports: tt.imports}
			if got := c.ImportsFormat(); got != tt.want {
				t.Errorf("ImportsFormat() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEncodeImports(t *testing.T) {
	c := &Fixups{
		Format: fixupchains.DYLD_CHAINED_PTR_64_OFFSET,
		Imports: []Import{
			{LibOrdinal: 1, Name: "_printf"},
			{LibOrdinal: -3, Name: "_weak", WeakImport: true},
		},
		Segments: []*Segment{NewSegment(0, 0, 0x4000)},
	}
	blob, err := c.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob)%8 != 0 {
		t.Errorf("blob size %d not 8 byte aligned", len(blob))
	}
	importsOff := binary.LittleEndian.Uint32(blob[8:])
	symbolsOff := binary.LittleEndian.Uint32(blob[12:])
	second := fixupchains.DyldChainedImport(binary.LittleEndian.Uint32(blob[importsOff+4:]))
	if second.LibOrdinal() != 0xfd || !second.WeakImport() {
		t.Errorf("second import = %s", second)
	}
	name := blob[uint64(symbolsOff)+second.NameOffset():]
	if string(name[:5]) != "_weak" {
		t.Errorf("second import name = %q", name[:5])
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", 0, false},
		{"64-offset", fixupchains.DYLD_CHAINED_PTR_64_OFFSET, false},
		{"arm64e-userland24", fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24, false},
		{"32", fixupchains.DYLD_CHAINED_PTR_32, false},
		{"48", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
