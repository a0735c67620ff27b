package utils

import (
	"bytes"
	"testing"
)

func TestAlign(t *testing.T) {
	tests := []struct {
		name  string
		v     uint64
		align uint64
		want  uint64
	}{
		{"zero", 0, 8, 0},
		{"exact", 16, 8, 16},
		{"round up", 17, 8, 24},
		{"page", 0x1001, 0x4000, 0x4000},
		{"no alignment", 13, 1, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Align(tt.v, tt.align); got != tt.want {
				t.Errorf("Align(%#x, %#x) = %#x, want %#x", tt.v, tt.align, got, tt.want)
			}
		})
	}
}

func TestAlignModulus(t *testing.T) {
	if got := AlignModulus(5, 3, 2); got != 10 {
		t.Errorf("AlignModulus(5, 3, 2) = %d, want 10", got)
	}
	if got := AlignModulus(2, 3, 2); got != 2 {
		t.Errorf("AlignModulus(2, 3, 2) = %d, want 2", got)
	}
	if got := AlignModulus(1, 2, 0); got != 4 {
		t.Errorf("AlignModulus(1, 2, 0) = %d, want 4", got)
	}
}

func TestUleb128(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range tests {
		got := AppendUleb128(nil, tt.v)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("AppendUleb128(%d) = % x, want % x", tt.v, got, tt.want)
		}
		if Uleb128Size(tt.v) != len(tt.want) {
			t.Errorf("Uleb128Size(%d) = %d, want %d", tt.v, Uleb128Size(tt.v), len(tt.want))
		}
		v, n, err := ReadUleb128(got)
		if err != nil || v != tt.v || n != len(got) {
			t.Errorf("ReadUleb128(% x) = %d, %d, %v", got, v, n, err)
		}
	}
}

func TestSleb128(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, 64, -64, -65, -123456, 1 << 40} {
		enc := AppendSleb128(nil, v)
		got, n, err := ReadSleb128(enc)
		if err != nil || got != v || n != len(enc) {
			t.Errorf("sleb128 %d: got %d (%d bytes, err %v)", v, got, n, err)
		}
	}
	if got := AppendSleb128(nil, -1); !bytes.Equal(got, []byte{0x7f}) {
		t.Errorf("AppendSleb128(-1) = % x", got)
	}
}

func TestPutName(t *testing.T) {
	b := bytes.Repeat([]byte{0xff}, 16)
	PutName(b, "__TEXT")
	want := append([]byte("__TEXT"), make([]byte, 10)...)
	if !bytes.Equal(b, want) {
		t.Errorf("PutName = % x", b)
	}
}
