package ld

import (
	"fmt"

	"github.com/blacktop/machlink/pkg/macho"
)

// SectionType is the semantic kind of a final section.
type SectionType uint8

const (
	TypeUnclassified SectionType = iota
	TypeCode
	TypePageZero
	TypeStack
	TypeMachHeader
	TypeLinkEdit
	TypeImportProxies
	TypeStub
	TypeStubHelper
	TypeResolverHelper
	TypeLazyPointer
	TypeNonLazyPointer
	TypeTLVPointers
	TypeTLVDefs
	TypeTLVZeroFill
	TypeTLVInitialValues
	TypeTLVInitializerPointers
	TypeCString
	TypeLiteral4
	TypeLiteral8
	TypeLiteral16
	TypeCFI
	TypeUnwindInfo
	TypeLSDA
	TypeZeroFill
	TypeTentativeDefs
	TypeInitializerPointers
	TypeTerminatorPointers
	TypeCFString
	TypeDtraceDOF
	TypeConst
	TypeData
	TypeDebug
)

var sectionTypeNames = map[SectionType]string{
	TypeUnclassified:           "unclassified",
	TypeCode:                   "code",
	TypePageZero:               "page-zero",
	TypeStack:                  "stack",
	TypeMachHeader:             "mach-header",
	TypeLinkEdit:               "linkedit",
	TypeImportProxies:          "import-proxies",
	TypeStub:                   "stub",
	TypeStubHelper:             "stub-helper",
	TypeResolverHelper:         "resolver-helper",
	TypeLazyPointer:            "lazy-pointer",
	TypeNonLazyPointer:         "non-lazy-pointer",
	TypeTLVPointers:            "tlv-pointers",
	TypeTLVDefs:                "tlv-defs",
	TypeTLVZeroFill:            "tlv-zero-fill",
	TypeTLVInitialValues:       "tlv-initial-values",
	TypeTLVInitializerPointers: "tlv-initializer-pointers",
	TypeCString:                "cstring",
	TypeLiteral4:               "literal4",
	TypeLiteral8:               "literal8",
	TypeLiteral16:              "literal16",
	TypeCFI:                    "cfi",
	TypeUnwindInfo:             "unwind-info",
	TypeLSDA:                   "lsda",
	TypeZeroFill:               "zero-fill",
	TypeTentativeDefs:          "tentative-defs",
	TypeInitializerPointers:    "initializer-pointers",
	TypeTerminatorPointers:     "terminator-pointers",
	TypeCFString:               "cfstring",
	TypeDtraceDOF:              "dtrace-dof",
	TypeConst:                  "const",
	TypeData:                   "data",
	TypeDebug:                  "debug",
}

func (t SectionType) String() string {
	if n, ok := sectionTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("section-type(%d)", t)
}

// ParseSectionType is the inverse of SectionType.String.
func ParseSectionType(s string) (SectionType, error) {
	for t, n := range sectionTypeNames {
		if n == s {
			return t, nil
		}
	}
	return TypeUnclassified, fmt.Errorf("unknown section type %q", s)
}

// Section is a final output section holding an ordered list of atoms.
type Section struct {
	SegmentName string
	SectionName string
	Type        SectionType
	// Align is the log2 alignment; layout raises it to the largest atom alignment.
	Align uint8
	Atoms []*Atom
	// StubSize is the reserved2 value of stub sections.
	StubSize uint32

	address    uint64
	fileOffset uint64
	size       uint64
	index      uint32
	segment    *Segment
	// offset from the start of the segment
	segOffset uint64

	// indirect symbol table start index (reserved1)
	indirectStart uint32
	// section relocations in MH_OBJECT output
	relocs   []macho.Reloc
	relocOff uint32
	// which LINKEDIT blob a TypeLinkEdit section carries
	blob blobKind
}

func (s *Section) String() string { return s.SegmentName + "," + s.SectionName }

// Address is the final vm address.
func (s *Section) Address() uint64 { return s.address }

// FileOffset is the final file offset, zero for zero fill sections.
func (s *Section) FileOffset() uint64 { return s.fileOffset }

// Size is the final size in bytes.
func (s *Section) Size() uint64 { return s.size }

// Index is the 1-based Mach-O section number, or 0 for hidden sections.
func (s *Section) Index() uint32 { return s.index }

// Segment is the output segment containing the section.
func (s *Section) Segment() *Segment { return s.segment }

// IsHidden reports whether the section gets no section header.
func (s *Section) IsHidden() bool {
	switch s.Type {
	case TypePageZero, TypeStack, TypeMachHeader, TypeLinkEdit, TypeImportProxies:
		return true
	}
	return false
}

// IsZerofill reports whether the section occupies no file space.
func (s *Section) IsZerofill() bool {
	switch s.Type {
	case TypeZeroFill, TypeTentativeDefs, TypeTLVZeroFill, TypePageZero, TypeStack:
		return true
	}
	return false
}

// IsIndirectPointers reports whether the section consumes indirect symbol
// table slots.
func (s *Section) IsIndirectPointers() bool {
	switch s.Type {
	case TypeStub, TypeLazyPointer, TypeNonLazyPointer, TypeTLVPointers:
		return true
	}
	return false
}

// Flags computes the section header flags.
func (s *Section) Flags() macho.SectionFlag {
	var f macho.SectionFlag
	switch s.Type {
	case TypeCode:
		f = macho.S_REGULAR | macho.S_ATTR_PURE_INSTRUCTIONS | macho.S_ATTR_SOME_INSTRUCTIONS
	case TypeStub:
		f = macho.S_SYMBOL_STUBS | macho.S_ATTR_PURE_INSTRUCTIONS | macho.S_ATTR_SOME_INSTRUCTIONS
	case TypeStubHelper, TypeResolverHelper:
		f = macho.S_REGULAR | macho.S_ATTR_PURE_INSTRUCTIONS | macho.S_ATTR_SOME_INSTRUCTIONS
	case TypeLazyPointer:
		f = macho.S_LAZY_SYMBOL_POINTERS
	case TypeNonLazyPointer:
		f = macho.S_NON_LAZY_SYMBOL_POINTERS
	case TypeTLVPointers:
		f = macho.S_THREAD_LOCAL_VARIABLE_POINTERS
	case TypeTLVDefs:
		f = macho.S_THREAD_LOCAL_VARIABLES
	case TypeTLVZeroFill:
		f = macho.S_THREAD_LOCAL_ZEROFILL
	case TypeTLVInitialValues:
		f = macho.S_THREAD_LOCAL_REGULAR
	case TypeTLVInitializerPointers:
		f = macho.S_THREAD_LOCAL_INIT_FUNCTION_POINTERS
	case TypeCString:
		f = macho.S_CSTRING_LITERALS
	case TypeLiteral4:
		f = macho.S_4BYTE_LITERALS
	case TypeLiteral8:
		f = macho.S_8BYTE_LITERALS
	case TypeLiteral16:
		f = macho.S_16BYTE_LITERALS
	case TypeZeroFill, TypeTentativeDefs:
		f = macho.S_ZEROFILL
	case TypeInitializerPointers:
		f = macho.S_MOD_INIT_FUNC_POINTERS
	case TypeTerminatorPointers:
		f = macho.S_MOD_TERM_FUNC_POINTERS
	case TypeDtraceDOF:
		f = macho.S_DTRACE_DOF
	case TypeCFI:
		f = macho.S_COALESCED | macho.S_ATTR_NO_TOC | macho.S_ATTR_STRIP_STATIC_SYMS | macho.S_ATTR_LIVE_SUPPORT
	case TypeDebug:
		f = macho.S_REGULAR | macho.S_ATTR_DEBUG
	default:
		f = macho.S_REGULAR
	}
	return f
}

// Segment is an output segment, built by layout from consecutive sections
// that share a segment name.
type Segment struct {
	Name     string
	Sections []*Section
	MaxProt  macho.VmProtection
	InitProt macho.VmProtection
	Flags    uint32

	address    uint64
	size       uint64
	fileOffset uint64
	fileSize   uint64
	index      int
}

// Address is the segment's vm address.
func (s *Segment) Address() uint64 { return s.address }

// VMSize is the segment's vm size.
func (s *Segment) VMSize() uint64 { return s.size }

// FileOffset is the segment's file offset.
func (s *Segment) FileOffset() uint64 { return s.fileOffset }

// FileSize is the number of file bytes the segment maps.
func (s *Segment) FileSize() uint64 { return s.fileSize }

// Index is the segment's load command ordinal, used by dyld opcodes.
func (s *Segment) Index() int { return s.index }

// Contains reports whether addr falls inside the segment.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.address && addr < s.address+s.size
}

// Writable reports whether dyld may store into the segment.
func (s *Segment) Writable() bool { return s.InitProt.Write() }

func segmentProtection(name string) macho.VmProtection {
	switch name {
	case "__PAGEZERO":
		return macho.VmProtNone
	case "__TEXT", "__TEXT_EXEC":
		return macho.VmProtRead | macho.VmProtExecute
	case "__LINKEDIT":
		return macho.VmProtRead
	case "":
		return macho.VmProtRead | macho.VmProtWrite | macho.VmProtExecute
	}
	return macho.VmProtRead | macho.VmProtWrite
}
