package splitseg

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/blacktop/machlink/pkg/macho"
)

func TestEncodeV1(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    []byte
	}{
		{
			name: "pointers",
			entries: []Entry{
				{Kind: macho.DYLD_CACHE_ADJ_V1_POINTER_64, Address: 0x4010},
				{Kind: macho.DYLD_CACHE_ADJ_V1_POINTER_64, Address: 0x4000},
			},
			want: []byte{0x02, 0x80, 0x80, 0x01, 0x10, 0x00, 0x00, 0x00},
		},
		{
			name: "movt carry",
			entries: []Entry{
				{Kind: macho.DYLD_CACHE_ADJ_V1_ARM_THUMB_MOVT, Address: 0x20, Carry: 3},
				{Kind: macho.DYLD_CACHE_ADJ_V1_POINTER_32, Address: 0x10},
			},
			want: []byte{0x01, 0x10, 0x00, 0x13, 0x20, 0x00, 0x00, 0x00},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeV1(tt.entries, 8)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeV1() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestEncodeV2(t *testing.T) {
	entries := []Entry{
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_ADRP, FromSection: 1, FromOffset: 0x10, ToSection: 3, ToOffset: 0x8},
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_OFF12, FromSection: 1, FromOffset: 0x14, ToSection: 3, ToOffset: 0x8},
		{Kind: macho.DYLD_CACHE_ADJ_V2_POINTER_64, FromSection: 3, FromOffset: 0x0, ToSection: 1, ToOffset: 0x40},
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_ADRP, FromSection: 1, FromOffset: 0x30, ToSection: 3, ToOffset: 0x8},
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_BR26, FromSection: 1, FromOffset: 0x50, ToSection: 2, ToOffset: 0x0},
	}
	data := EncodeV2(entries, 8)
	if data[0] != macho.DYLD_CACHE_ADJ_V2_FORMAT {
		t.Fatalf("format byte = %#x", data[0])
	}
	if len(data)%8 != 0 {
		t.Errorf("payload not padded: %d", len(data))
	}
	got, err := DecodeV2(data)
	if err != nil {
		t.Fatal(err)
	}
	want := []Entry{
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_BR26, FromSection: 1, FromOffset: 0x50, ToSection: 2, ToOffset: 0x0},
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_ADRP, FromSection: 1, FromOffset: 0x10, ToSection: 3, ToOffset: 0x8},
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_ADRP, FromSection: 1, FromOffset: 0x30, ToSection: 3, ToOffset: 0x8},
		{Kind: macho.DYLD_CACHE_ADJ_V2_ARM64_OFF12, FromSection: 1, FromOffset: 0x14, ToSection: 3, ToOffset: 0x8},
		{Kind: macho.DYLD_CACHE_ADJ_V2_POINTER_64, FromSection: 3, FromOffset: 0x0, ToSection: 1, ToOffset: 0x40},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DecodeV2() = %v\nwant %v", got, want)
	}
}

func TestEncodeV2Empty(t *testing.T) {
	got := EncodeV2(nil, 4)
	want := []byte{macho.DYLD_CACHE_ADJ_V2_FORMAT, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeV2(nil) = % x, want % x", got, want)
	}
	if _, err := DecodeV2([]byte{1}); err == nil {
		t.Error("expected error for non-v2 payload")
	}
}
