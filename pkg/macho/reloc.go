package macho

import (
	"encoding/binary"
	"fmt"
)

// RelocationInfoSize is the on-disk size of both plain and scattered relocations.
const RelocationInfoSize = 8

const rScattered = 0x80000000

// R_ABS is the r_symbolnum of a non-external relocation to an absolute value.
const R_ABS = 0

// A Reloc is one relocation_info or scattered_relocation_info record.
type Reloc struct {
	Addr      uint32
	Value     uint32 // symbol number, section number, or the scattered r_value
	Type      uint8
	Len       uint8 // 0=byte, 1=word, 2=long, 3=quad
	Pcrel     bool
	Extern    bool
	Scattered bool
}

// Put packs r into b with the little-endian bitfield layout.
func (r Reloc) Put(b []byte, o binary.ByteOrder) error {
	if r.Scattered {
		if r.Addr >= 1<<24 {
			return fmt.Errorf("scattered relocation address %#x exceeds 24 bits", r.Addr)
		}
		w := rScattered | r.Addr | uint32(r.Type&0xf)<<24 | uint32(r.Len&0x3)<<28
		if r.Pcrel {
			w |= 1 << 30
		}
		o.PutUint32(b[0:], w)
		o.PutUint32(b[4:], r.Value)
		return nil
	}
	if r.Value >= 1<<24 {
		return fmt.Errorf("relocation symbol number %d exceeds 24 bits", r.Value)
	}
	o.PutUint32(b[0:], r.Addr)
	info := r.Value | uint32(r.Len&0x3)<<25 | uint32(r.Type&0xf)<<28
	if r.Pcrel {
		info |= 1 << 24
	}
	if r.Extern {
		info |= 1 << 27
	}
	o.PutUint32(b[4:], info)
	return nil
}

// ParseReloc is the inverse of Put.
func ParseReloc(b []byte, o binary.ByteOrder) Reloc {
	w0 := o.Uint32(b[0:])
	w1 := o.Uint32(b[4:])
	if w0&rScattered != 0 {
		return Reloc{
			Addr:      w0 & 0x00ffffff,
			Type:      uint8(w0>>24) & 0xf,
			Len:       uint8(w0>>28) & 0x3,
			Pcrel:     w0&(1<<30) != 0,
			Value:     w1,
			Scattered: true,
		}
	}
	return Reloc{
		Addr:   w0,
		Value:  w1 & 0x00ffffff,
		Pcrel:  w1&(1<<24) != 0,
		Len:    uint8(w1>>25) & 0x3,
		Extern: w1&(1<<27) != 0,
		Type:   uint8(w1>>28) & 0xf,
	}
}

// generic (i386) relocation types
const (
	GENERIC_RELOC_VANILLA        uint8 = 0
	GENERIC_RELOC_PAIR           uint8 = 1
	GENERIC_RELOC_SECTDIFF       uint8 = 2
	GENERIC_RELOC_PB_LA_PTR      uint8 = 3
	GENERIC_RELOC_LOCAL_SECTDIFF uint8 = 4
	GENERIC_RELOC_TLV            uint8 = 5
)

// x86_64 relocation types
const (
	X86_64_RELOC_UNSIGNED   uint8 = 0
	X86_64_RELOC_SIGNED     uint8 = 1
	X86_64_RELOC_BRANCH     uint8 = 2
	X86_64_RELOC_GOT_LOAD   uint8 = 3
	X86_64_RELOC_GOT        uint8 = 4
	X86_64_RELOC_SUBTRACTOR uint8 = 5
	X86_64_RELOC_SIGNED_1   uint8 = 6
	X86_64_RELOC_SIGNED_2   uint8 = 7
	X86_64_RELOC_SIGNED_4   uint8 = 8
	X86_64_RELOC_TLV        uint8 = 9
)

// arm relocation types
const (
	ARM_RELOC_VANILLA        uint8 = 0
	ARM_RELOC_PAIR           uint8 = 1
	ARM_RELOC_SECTDIFF       uint8 = 2
	ARM_RELOC_LOCAL_SECTDIFF uint8 = 3
	ARM_RELOC_PB_LA_PTR      uint8 = 4
	ARM_RELOC_BR24           uint8 = 5
	ARM_THUMB_RELOC_BR22     uint8 = 6
	ARM_THUMB_32BIT_BRANCH   uint8 = 7
	ARM_RELOC_HALF           uint8 = 8
	ARM_RELOC_HALF_SECTDIFF  uint8 = 9
)

// arm64 relocation types
const (
	ARM64_RELOC_UNSIGNED              uint8 = 0
	ARM64_RELOC_SUBTRACTOR            uint8 = 1
	ARM64_RELOC_BRANCH26              uint8 = 2
	ARM64_RELOC_PAGE21                uint8 = 3
	ARM64_RELOC_PAGEOFF12             uint8 = 4
	ARM64_RELOC_GOT_LOAD_PAGE21       uint8 = 5
	ARM64_RELOC_GOT_LOAD_PAGEOFF12    uint8 = 6
	ARM64_RELOC_POINTER_TO_GOT        uint8 = 7
	ARM64_RELOC_TLVP_LOAD_PAGE21      uint8 = 8
	ARM64_RELOC_TLVP_LOAD_PAGEOFF12   uint8 = 9
	ARM64_RELOC_ADDEND                uint8 = 10
	ARM64_RELOC_AUTHENTICATED_POINTER uint8 = 11
)
