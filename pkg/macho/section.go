package macho

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/machlink/pkg/macho/utils"
)

const (
	SectionHeaderSize32 = 68
	SectionHeaderSize64 = 80
	SegmentHeaderSize32 = 56
	SegmentHeaderSize64 = 72
)

// A Section is a Mach-O section header, serialized as 32 or 64-bit.
type Section struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     SectionFlag
	Reserved1 uint32
	Reserved2 uint32
}

// Put32 writes a section_32 into b.
func (s *Section) Put32(b []byte, o binary.ByteOrder) int {
	utils.PutName(b[0:], s.Name)
	utils.PutName(b[16:], s.Seg)
	o.PutUint32(b[32:], uint32(s.Addr))
	o.PutUint32(b[36:], uint32(s.Size))
	o.PutUint32(b[40:], s.Offset)
	o.PutUint32(b[44:], s.Align)
	o.PutUint32(b[48:], s.Reloff)
	o.PutUint32(b[52:], s.Nreloc)
	o.PutUint32(b[56:], uint32(s.Flags))
	o.PutUint32(b[60:], s.Reserved1)
	o.PutUint32(b[64:], s.Reserved2)
	return SectionHeaderSize32
}

// Put64 writes a section_64 into b.
func (s *Section) Put64(b []byte, o binary.ByteOrder) int {
	utils.PutName(b[0:], s.Name)
	utils.PutName(b[16:], s.Seg)
	o.PutUint64(b[32:], s.Addr)
	o.PutUint64(b[40:], s.Size)
	o.PutUint32(b[48:], s.Offset)
	o.PutUint32(b[52:], s.Align)
	o.PutUint32(b[56:], s.Reloff)
	o.PutUint32(b[60:], s.Nreloc)
	o.PutUint32(b[64:], uint32(s.Flags))
	o.PutUint32(b[68:], s.Reserved1)
	o.PutUint32(b[72:], s.Reserved2)
	o.PutUint32(b[76:], 0)
	return SectionHeaderSize64
}

type SectionFlag uint32

const (
	SECTION_TYPE       SectionFlag = 0x000000ff
	SECTION_ATTRIBUTES SectionFlag = 0xffffff00

	S_REGULAR                             SectionFlag = 0x0
	S_ZEROFILL                            SectionFlag = 0x1
	S_CSTRING_LITERALS                    SectionFlag = 0x2
	S_4BYTE_LITERALS                      SectionFlag = 0x3
	S_8BYTE_LITERALS                      SectionFlag = 0x4
	S_LITERAL_POINTERS                    SectionFlag = 0x5
	S_NON_LAZY_SYMBOL_POINTERS            SectionFlag = 0x6
	S_LAZY_SYMBOL_POINTERS                SectionFlag = 0x7
	S_SYMBOL_STUBS                        SectionFlag = 0x8
	S_MOD_INIT_FUNC_POINTERS              SectionFlag = 0x9
	S_MOD_TERM_FUNC_POINTERS              SectionFlag = 0xa
	S_COALESCED                           SectionFlag = 0xb
	S_GB_ZEROFILL                         SectionFlag = 0xc
	S_INTERPOSING                         SectionFlag = 0xd
	S_16BYTE_LITERALS                     SectionFlag = 0xe
	S_DTRACE_DOF                          SectionFlag = 0xf
	S_LAZY_DYLIB_SYMBOL_POINTERS          SectionFlag = 0x10
	S_THREAD_LOCAL_REGULAR                SectionFlag = 0x11
	S_THREAD_LOCAL_ZEROFILL               SectionFlag = 0x12
	S_THREAD_LOCAL_VARIABLES              SectionFlag = 0x13
	S_THREAD_LOCAL_VARIABLE_POINTERS      SectionFlag = 0x14
	S_THREAD_LOCAL_INIT_FUNCTION_POINTERS SectionFlag = 0x15
	S_INIT_FUNC_OFFSETS                   SectionFlag = 0x16

	S_ATTR_PURE_INSTRUCTIONS   SectionFlag = 0x80000000
	S_ATTR_NO_TOC              SectionFlag = 0x40000000
	S_ATTR_STRIP_STATIC_SYMS   SectionFlag = 0x20000000
	S_ATTR_NO_DEAD_STRIP       SectionFlag = 0x10000000
	S_ATTR_LIVE_SUPPORT        SectionFlag = 0x08000000
	S_ATTR_SELF_MODIFYING_CODE SectionFlag = 0x04000000
	S_ATTR_DEBUG               SectionFlag = 0x02000000
	S_ATTR_SOME_INSTRUCTIONS   SectionFlag = 0x00000400
	S_ATTR_EXT_RELOC           SectionFlag = 0x00000200
	S_ATTR_LOC_RELOC           SectionFlag = 0x00000100
)

// Type returns the section type part of the flags.
func (f SectionFlag) Type() SectionFlag { return f & SECTION_TYPE }

// IsZerofill reports whether the section occupies no file space.
func (f SectionFlag) IsZerofill() bool {
	switch f.Type() {
	case S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL:
		return true
	}
	return false
}

var sectionTypeNames = []utils.IntName{
	{I: uint32(S_REGULAR), S: "Regular"},
	{I: uint32(S_ZEROFILL), S: "Zerofill"},
	{I: uint32(S_CSTRING_LITERALS), S: "CstringLiterals"},
	{I: uint32(S_4BYTE_LITERALS), S: "4ByteLiterals"},
	{I: uint32(S_8BYTE_LITERALS), S: "8ByteLiterals"},
	{I: uint32(S_LITERAL_POINTERS), S: "LiteralPointers"},
	{I: uint32(S_NON_LAZY_SYMBOL_POINTERS), S: "NonLazySymbolPointers"},
	{I: uint32(S_LAZY_SYMBOL_POINTERS), S: "LazySymbolPointers"},
	{I: uint32(S_SYMBOL_STUBS), S: "SymbolStubs"},
	{I: uint32(S_MOD_INIT_FUNC_POINTERS), S: "ModInitFuncPointers"},
	{I: uint32(S_MOD_TERM_FUNC_POINTERS), S: "ModTermFuncPointers"},
	{I: uint32(S_COALESCED), S: "Coalesced"},
	{I: uint32(S_GB_ZEROFILL), S: "GbZerofill"},
	{I: uint32(S_INTERPOSING), S: "Interposing"},
	{I: uint32(S_16BYTE_LITERALS), S: "16ByteLiterals"},
	{I: uint32(S_DTRACE_DOF), S: "DtraceDof"},
	{I: uint32(S_LAZY_DYLIB_SYMBOL_POINTERS), S: "LazyDylibSymbolPointers"},
	{I: uint32(S_THREAD_LOCAL_REGULAR), S: "ThreadLocalRegular"},
	{I: uint32(S_THREAD_LOCAL_ZEROFILL), S: "ThreadLocalZerofill"},
	{I: uint32(S_THREAD_LOCAL_VARIABLES), S: "ThreadLocalVariables"},
	{I: uint32(S_THREAD_LOCAL_VARIABLE_POINTERS), S: "ThreadLocalVariablePointers"},
	{I: uint32(S_THREAD_LOCAL_INIT_FUNCTION_POINTERS), S: "ThreadLocalInitFunctionPointers"},
	{I: uint32(S_INIT_FUNC_OFFSETS), S: "InitFuncOffsets"},
}

func (f SectionFlag) String() string {
	var attrs []string
	attrs = append(attrs, utils.StringName(uint32(f.Type()), sectionTypeNames, false))
	if f&S_ATTR_PURE_INSTRUCTIONS != 0 {
		attrs = append(attrs, "PureInstructions")
	}
	if f&S_ATTR_SOME_INSTRUCTIONS != 0 {
		attrs = append(attrs, "SomeInstructions")
	}
	if f&S_ATTR_NO_DEAD_STRIP != 0 {
		attrs = append(attrs, "NoDeadStrip")
	}
	if f&S_ATTR_DEBUG != 0 {
		attrs = append(attrs, "Debug")
	}
	if f&S_ATTR_EXT_RELOC != 0 {
		attrs = append(attrs, "ExtReloc")
	}
	if f&S_ATTR_LOC_RELOC != 0 {
		attrs = append(attrs, "LocReloc")
	}
	return strings.Join(attrs, "|")
}
