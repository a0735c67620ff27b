package ld

import (
	"fmt"
	"time"

	"github.com/blacktop/machlink/pkg/macho"
)

// Definition says where an atom's content comes from.
type Definition uint8

const (
	DefinitionRegular Definition = iota
	DefinitionTentative
	DefinitionAbsolute
	DefinitionProxy
)

// Scope is an atom's symbol visibility.
type Scope uint8

const (
	ScopeTranslationUnit Scope = iota
	ScopeLinkageUnit
	ScopeGlobal
)

// Combine is how duplicate definitions of an atom coalesce.
type Combine uint8

const (
	CombineNever Combine = iota
	CombineByName
	CombineByNameAndContent
	CombineByNameAndReferences
)

// Inclusion controls whether an atom gets a symbol table entry.
type Inclusion uint8

const (
	IncludeNotIn Inclusion = iota
	IncludeIn
	IncludeInAndNeverStrip
	IncludeInAsAbsolute
	IncludeInWithRandomAutoStripLabel
)

// ContentType classifies what an atom holds.
type ContentType uint8

const (
	ContentUnclassified ContentType = iota
	ContentCode
	ContentStub
	ContentStubHelper
	ContentResolverHelper
	ContentLazyPointer
	ContentNonLazyPointer
	ContentTLVPointer
	ContentCString
	ContentCFI
	ContentLSDA
	ContentZeroFill
	ContentConst
	ContentData
	ContentTLV
	ContentTLVZeroFill
	ContentTLVInitialValue
	ContentTLVInitializerPointers
	ContentLiteral4
	ContentLiteral8
	ContentLiteral16
	ContentCFString
	ContentInitializerPointers
	ContentTerminatorPointers
	ContentDtraceDOF
)

var contentTypeNames = map[ContentType]string{
	ContentUnclassified:           "unclassified",
	ContentCode:                   "code",
	ContentStub:                   "stub",
	ContentStubHelper:             "stub-helper",
	ContentResolverHelper:         "resolver-helper",
	ContentLazyPointer:            "lazy-pointer",
	ContentNonLazyPointer:         "non-lazy-pointer",
	ContentTLVPointer:             "tlv-pointer",
	ContentCString:                "cstring",
	ContentCFI:                    "cfi",
	ContentLSDA:                   "lsda",
	ContentZeroFill:               "zero-fill",
	ContentConst:                  "const",
	ContentData:                   "data",
	ContentTLV:                    "tlv",
	ContentTLVZeroFill:            "tlv-zero-fill",
	ContentTLVInitialValue:        "tlv-initial-value",
	ContentTLVInitializerPointers: "tlv-initializer-pointers",
	ContentLiteral4:               "literal4",
	ContentLiteral8:               "literal8",
	ContentLiteral16:              "literal16",
	ContentCFString:               "cfstring",
	ContentInitializerPointers:    "initializer-pointers",
	ContentTerminatorPointers:     "terminator-pointers",
	ContentDtraceDOF:              "dtrace-dof",
}

func (c ContentType) String() string {
	if n, ok := contentTypeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("content(%d)", c)
}

// ParseContentType is the inverse of ContentType.String.
func ParseContentType(s string) (ContentType, error) {
	for c, n := range contentTypeNames {
		if n == s {
			return c, nil
		}
	}
	return ContentUnclassified, fmt.Errorf("unknown content type %q", s)
}

// Alignment is a power of two with an optional modulus, so an atom may sit
// at an address where addr%(1<<PowerOf2) == Modulus.
type Alignment struct {
	PowerOf2 uint8
	Modulus  uint64
}

// File is the input an atom came from. It is used for debug notes and the
// map file.
type File struct {
	Path string
	// SourcePath is the translation unit the file was compiled from. Files
	// without one get no debug notes.
	SourcePath string
	ModTime    time.Time
	// Ordinal orders files for debug notes and the map file.
	Ordinal int
	// Archive names the static library the file was extracted from, if any.
	Archive string
}

// Dylib is a dependent dynamic library.
type Dylib struct {
	InstallName    string
	CurrentVersion macho.Version
	CompatVersion  macho.Version
	Weak           bool
	Reexport       bool
	Upward         bool
	Lazy           bool

	ordinal int
}

// Ordinal is the 1-based load order assigned by the ordinals phase.
func (d *Dylib) Ordinal() int { return d.ordinal }

// An Atom is an indivisible chunk of code or data. It is read-only to the
// linker except for its final address, which layout assigns.
type Atom struct {
	Name        string
	Definition  Definition
	Scope       Scope
	Combine     Combine
	Inclusion   Inclusion
	ContentType ContentType
	Align       Alignment
	Size        uint64
	Content     []byte
	Fixups      []Fixup

	File  *File
	Dylib *Dylib // proxies only

	// SourceFile is the translation unit path used for debug notes.
	SourceFile string
	// AbsoluteValue is the value of a DefinitionAbsolute atom.
	AbsoluteValue uint64

	Thumb                 bool
	WeakImport            bool
	NoDeadStrip           bool
	AltEntry              bool
	SymbolResolver        bool
	OverridesDylibWeakDef bool
	Cold                  bool

	section       *Section
	sectionOffset uint64
	address       uint64
	placed        bool
}

func (a *Atom) String() string {
	if a.Name == "" {
		return fmt.Sprintf("<anon %s>", a.ContentType)
	}
	return a.Name
}

// Section is the final section the atom was placed in.
func (a *Atom) Section() *Section { return a.section }

// Address is the final vm address. It is zero until layout runs.
func (a *Atom) Address() uint64 {
	if a.Definition == DefinitionAbsolute {
		return a.AbsoluteValue
	}
	return a.address
}

// SectionOffset is the atom's offset within its section.
func (a *Atom) SectionOffset() uint64 { return a.sectionOffset }

// FileOffset is where the atom's content lands in the output file.
func (a *Atom) FileOffset() uint64 {
	if a.section == nil || a.section.IsZerofill() {
		return 0
	}
	return a.section.fileOffset + a.sectionOffset
}

// IsProxy reports whether the atom stands for a definition in another image.
func (a *Atom) IsProxy() bool { return a.Definition == DefinitionProxy }

// IsWeakDef reports whether the atom is a coalescable weak definition.
func (a *Atom) IsWeakDef() bool {
	return a.Combine == CombineByName && a.Definition == DefinitionRegular
}

// IsGlobalWeakDef reports whether another image may override the atom at runtime.
func (a *Atom) IsGlobalWeakDef() bool {
	return a.IsWeakDef() && a.Scope == ScopeGlobal
}

// HasSymbol reports whether the atom gets a symbol table entry at all.
func (a *Atom) HasSymbol() bool {
	return a.Inclusion != IncludeNotIn && a.Name != ""
}

// ContentSize is the number of content bytes the atom copies into the file.
func (a *Atom) ContentSize() uint64 {
	if uint64(len(a.Content)) < a.Size {
		return uint64(len(a.Content))
	}
	return a.Size
}

func (a *Atom) place(section *Section, sectionOffset, address uint64) {
	a.section = section
	a.sectionOffset = sectionOffset
	a.address = address
	a.placed = true
}
