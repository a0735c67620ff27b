package macho

import "encoding/binary"

const (
	Nlist32Size = 12
	Nlist64Size = 16
)

// An Nlist is a Mach-O symbol table entry, serialized as nlist or nlist_64.
type Nlist struct {
	Name  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Put writes the entry into b using the pointer size to pick the layout.
func (n *Nlist) Put(b []byte, is64 bool, o binary.ByteOrder) int {
	o.PutUint32(b[0:], n.Name)
	b[4] = n.Type
	b[5] = n.Sect
	o.PutUint16(b[6:], n.Desc)
	if is64 {
		o.PutUint64(b[8:], n.Value)
		return Nlist64Size
	}
	o.PutUint32(b[8:], uint32(n.Value))
	return Nlist32Size
}

// n_type bits
const (
	N_STAB uint8 = 0xe0
	N_PEXT uint8 = 0x10
	N_TYPE uint8 = 0x0e
	N_EXT  uint8 = 0x01

	N_UNDF uint8 = 0x0
	N_ABS  uint8 = 0x2
	N_SECT uint8 = 0xe
	N_PBUD uint8 = 0xc
	N_INDR uint8 = 0xa
)

// stab types
const (
	N_GSYM    uint8 = 0x20
	N_FNAME   uint8 = 0x22
	N_FUN     uint8 = 0x24
	N_STSYM   uint8 = 0x26
	N_LCSYM   uint8 = 0x28
	N_BNSYM   uint8 = 0x2e
	N_AST     uint8 = 0x32
	N_OPT     uint8 = 0x3c
	N_RSYM    uint8 = 0x40
	N_SLINE   uint8 = 0x44
	N_ENSYM   uint8 = 0x4e
	N_SSYM    uint8 = 0x60
	N_SO      uint8 = 0x64
	N_OSO     uint8 = 0x66
	N_LSYM    uint8 = 0x80
	N_BINCL   uint8 = 0x82
	N_SOL     uint8 = 0x84
	N_PARAMS  uint8 = 0x86
	N_VERSION uint8 = 0x88
	N_OLEVEL  uint8 = 0x8a
	N_PSYM    uint8 = 0xa0
	N_EINCL   uint8 = 0xa2
	N_ENTRY   uint8 = 0xa4
	N_LBRAC   uint8 = 0xc0
	N_EXCL    uint8 = 0xc2
	N_RBRAC   uint8 = 0xe0
	N_BCOMM   uint8 = 0xe2
	N_ECOMM   uint8 = 0xe4
	N_ECOML   uint8 = 0xe8
	N_LENG    uint8 = 0xfe
)

// n_desc bits
const (
	REFERENCE_FLAG_UNDEFINED_NON_LAZY uint16 = 0
	REFERENCE_FLAG_UNDEFINED_LAZY     uint16 = 1
	REFERENCED_DYNAMICALLY            uint16 = 0x0010
	N_NO_DEAD_STRIP                   uint16 = 0x0020
	N_WEAK_REF                        uint16 = 0x0040
	N_WEAK_DEF                        uint16 = 0x0080
	N_REF_TO_WEAK                     uint16 = 0x0080
	N_ARM_THUMB_DEF                   uint16 = 0x0008
	N_SYMBOL_RESOLVER                 uint16 = 0x0100
	N_ALT_ENTRY                       uint16 = 0x0200
)

// library ordinals as stored in n_desc
const (
	SELF_LIBRARY_ORDINAL   = 0x0
	MAX_LIBRARY_ORDINAL    = 0xfd
	DYNAMIC_LOOKUP_ORDINAL = 0xfe
	EXECUTABLE_ORDINAL     = 0xff
)

// SetLibraryOrdinal stores ordinal in the high byte of desc.
func SetLibraryOrdinal(desc uint16, ordinal uint8) uint16 {
	return (desc & 0x00ff) | uint16(ordinal)<<8
}

// SetCommAlign stores a common symbol's alignment in desc.
func SetCommAlign(desc uint16, align uint8) uint16 {
	return (desc & 0xf0ff) | uint16(align&0x0f)<<8
}

// NO_SECT is the n_sect value of symbols not in any section.
const NO_SECT = 0

// indirect symbol table sentinels
const (
	INDIRECT_SYMBOL_LOCAL uint32 = 0x80000000
	INDIRECT_SYMBOL_ABS   uint32 = 0x40000000
)
