package dyldinfo

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/blacktop/machlink/pkg/macho"
)

func TestEncodeRebase(t *testing.T) {
	tests := []struct {
		name    string
		entries []Rebase
		ptrSize int
		want    []byte
	}{
		{
			name:    "empty",
			entries: nil,
			ptrSize: 8,
			want:    nil,
		},
		{
			name: "contiguous",
			entries: []Rebase{
				{Type: macho.REBASE_TYPE_POINTER, SegIndex: 2, SegOffset: 0x10},
				{Type: macho.REBASE_TYPE_POINTER, SegIndex: 2, SegOffset: 0x18},
				{Type: macho.REBASE_TYPE_POINTER, SegIndex: 2, SegOffset: 0x20},
			},
			ptrSize: 8,
			want:    []byte{0x11, 0x22, 0x10, 0x53, 0x00, 0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeRebase(tt.entries, tt.ptrSize)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeRebase() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestRebaseRoundTrip(t *testing.T) {
	var entries []Rebase
	// strided run, a gap, then a second segment
	for i := uint64(0); i < 20; i++ {
		entries = append(entries, Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: 1, SegOffset: i * 24})
	}
	entries = append(entries,
		Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: 1, SegOffset: 0x4000},
		Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: 1, SegOffset: 0x4008},
		Rebase{Type: macho.REBASE_TYPE_POINTER, SegIndex: 3, SegOffset: 0x100},
		Rebase{Type: macho.REBASE_TYPE_TEXT_ABSOLUTE32, SegIndex: 0, SegOffset: 0x40},
	)
	for _, ptrSize := range []int{4, 8} {
		data := EncodeRebase(entries, ptrSize)
		if len(data)%ptrSize != 0 {
			t.Fatalf("rebase stream not padded: %d", len(data))
		}
		got, err := DecodeRebase(data, ptrSize)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(entries) {
			t.Fatalf("ptrSize %d: got %d rebases, want %d", ptrSize, len(got), len(entries))
		}
		want := make(map[Rebase]bool)
		for _, e := range entries {
			want[e] = true
		}
		for _, g := range got {
			if !want[g] {
				t.Errorf("ptrSize %d: unexpected rebase %+v", ptrSize, g)
			}
		}
	}
}

func TestBindRoundTrip(t *testing.T) {
	entries := []Bind{
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: 1, Name: "_malloc", SegIndex: 2, SegOffset: 0x8},
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: 1, Name: "_free", SegIndex: 2, SegOffset: 0x0},
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: 1, Name: "_free", SegIndex: 2, SegOffset: 0x40},
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: 1, Name: "_free", SegIndex: 2, SegOffset: 0x80},
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: 20, Name: "_objc_msgSend", SegIndex: 2, SegOffset: 0x10},
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: macho.BIND_SPECIAL_DYLIB_FLAT_LOOKUP, Name: "_dyn", SegIndex: 3, SegOffset: 0x0, Addend: -4},
		{Type: macho.BIND_TYPE_POINTER, LibOrdinal: 2, Name: "_weak", Flags: macho.BIND_SYMBOL_FLAGS_WEAK_IMPORT, SegIndex: 2, SegOffset: 0x20, Addend: 16},
	}
	data := EncodeBind(entries, 8)
	got, err := DecodeBind(data, 8, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d binds, want %d", len(got), len(entries))
	}
	want := make(map[Bind]bool)
	for _, e := range entries {
		want[e] = true
	}
	for _, g := range got {
		if !want[g] {
			t.Errorf("unexpected bind %+v", g)
		}
	}
	// sorted by ordinal first
	if got[0].LibOrdinal != macho.BIND_SPECIAL_DYLIB_FLAT_LOOKUP {
		t.Errorf("first bind ordinal = %d, want flat lookup", got[0].LibOrdinal)
	}
}

func TestWeakBind(t *testing.T) {
	entries := []Bind{
		{Type: macho.BIND_TYPE_POINTER, Name: "_b", SegIndex: 2, SegOffset: 0x10},
		{Name: "_a", Flags: macho.BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION},
		{Type: macho.BIND_TYPE_POINTER, Name: "_a", SegIndex: 2, SegOffset: 0x0},
	}
	data := EncodeWeakBind(entries, 8)
	got, err := DecodeBind(data, 8, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []Bind{
		{Name: "_a", Flags: macho.BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION},
		{Type: macho.BIND_TYPE_POINTER, Name: "_a", SegIndex: 2, SegOffset: 0x0},
		{Type: macho.BIND_TYPE_POINTER, Name: "_b", SegIndex: 2, SegOffset: 0x10},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DecodeBind() = %+v, want %+v", got, want)
	}
}

func TestEncodeLazyBind(t *testing.T) {
	entries := []Bind{
		{LibOrdinal: 1, Name: "_puts", SegIndex: 2, SegOffset: 0x0},
		{LibOrdinal: 1, Name: "_exit", SegIndex: 2, SegOffset: 0x8},
	}
	data, offsets := EncodeLazyBind(entries, 8)
	if len(offsets) != 2 || offsets[0] != 0 {
		t.Fatalf("offsets = %v", offsets)
	}
	// each record decodes on its own
	for i, off := range offsets {
		got, err := DecodeBind(data[off:], 8, false)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Name != entries[i].Name || got[0].SegOffset != entries[i].SegOffset {
			t.Errorf("record %d = %+v", i, got)
		}
	}
	all, err := DecodeBind(data, 8, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("lazy stream decoded %d records, want 2", len(all))
	}
}

func TestBuildTrie(t *testing.T) {
	exports := []Export{
		{Name: "_main", Address: 0x3f50},
		{Name: "_mh_execute_header", Address: 0},
		{Name: "_foo", Address: 0x4000, Flags: macho.EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION},
		{Name: "_foobar", Address: 0x4010},
		{Name: "_resolved", Address: 0x5000, Other: 0x5010, Flags: macho.EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER},
		{Name: "_re", Other: 1, ImportedName: "_strlen", Flags: macho.EXPORT_SYMBOL_FLAGS_REEXPORT},
		{Name: "_tlv", Address: 0x8000, Flags: macho.EXPORT_SYMBOL_FLAGS_KIND_THREAD_LOCAL},
	}
	data, err := BuildTrie(exports)
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%8 != 0 {
		t.Errorf("trie size %d not 8-byte aligned", len(data))
	}
	got, err := ParseTrie(data)
	if err != nil {
		t.Fatal(err)
	}
	byName := make(map[string]Export)
	for _, e := range got {
		byName[e.Name] = e
	}
	for _, want := range exports {
		if g, ok := byName[want.Name]; !ok || g != want {
			t.Errorf("export %s = %+v, want %+v", want.Name, g, want)
		}
	}
	if len(got) != len(exports) {
		t.Errorf("got %d exports, want %d", len(got), len(exports))
	}

	again, _ := BuildTrie(exports)
	if !bytes.Equal(data, again) {
		t.Error("trie is not deterministic")
	}
}

func TestBuildTrieErrors(t *testing.T) {
	if _, err := BuildTrie([]Export{{Name: "_a"}, {Name: "_a"}}); err == nil {
		t.Error("expected duplicate export error")
	}
	if _, err := BuildTrie([]Export{{Name: ""}}); err == nil {
		t.Error("expected empty name error")
	}
	if data, err := BuildTrie(nil); err != nil || data != nil {
		t.Errorf("BuildTrie(nil) = %v, %v", data, err)
	}
}

func TestTrieLargeOffsets(t *testing.T) {
	// enough nodes that child offsets need two-byte ULEB128s
	var exports []Export
	for i := 0; i < 400; i++ {
		exports = append(exports, Export{Name: "_sym" + string(rune('a'+i%26)) + string(rune('a'+i/26)), Address: uint64(i) * 0x10})
	}
	data, err := BuildTrie(exports)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseTrie(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(exports) {
		t.Fatalf("got %d exports, want %d", len(got), len(exports))
	}
}
