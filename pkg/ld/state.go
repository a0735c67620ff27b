package ld

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/machlink/internal/buffer"
	"github.com/blacktop/machlink/pkg/ld/chained"
	"github.com/blacktop/machlink/pkg/ld/dyldinfo"
	"github.com/blacktop/machlink/pkg/ld/splitseg"
	"github.com/blacktop/machlink/pkg/ld/strpool"
	"github.com/blacktop/machlink/pkg/macho"
)

// Input is the resolved atom graph handed over by the front end.
type Input struct {
	// Sections in final output order. Layout groups consecutive sections
	// with the same segment name into one segment.
	Sections []*Section
	// Dylibs in load command order. Ordinals follow this order.
	Dylibs   []*Dylib
	Bindings IndirectBindingTable
	// Entry is the main entry point, if any. When nil and
	// Options.EntryName is set the entry is looked up by name.
	Entry *Atom
}

// LOHStats counts what the ARM64 optimization hint pass did.
type LOHStats struct {
	ADRPNoped      int
	ADRPToADR      int
	LoadToLiteral  int
	GOTLoadToADD   int
	OffsetFolded   int
	NotApplied     int
	MalformedHints int
}

// Stats summarizes one link.
type Stats struct {
	Atoms          int
	Fixups         int
	Rebases        int
	Binds          int
	WeakBinds      int
	LazyBinds      int
	ChainedImports int
	LocalRelocs    int
	ExternRelocs   int
	SplitSegRefs   int
	Symbols        int
	Stabs          int
	LOH            LOHStats
}

// Result is everything a link produced.
type Result struct {
	Image    []byte
	UUID     [16]byte
	Segments []*Segment
	Sections []*Section
	// SymbolIndex maps every atom with a symbol to its symbol table index.
	SymbolIndex map[*Atom]uint32
	// ChainedSegments are the per segment page tables, nil unless chained
	// fixups were emitted. The slice is indexed like Segments.
	ChainedSegments []*chained.Segment
	// Symtab partition boundaries.
	LocalStart, LocalCount   uint32
	GlobalStart, GlobalCount uint32
	ImportStart, ImportCount uint32
	Stats                    Stats
}

// symbol is one nlist entry before serialization.
type symbol struct {
	atom  *Atom
	name  string
	nlist macho.Nlist
}

// pointerSlot is a pointer store that dyld or the kernel loader must touch.
type pointerSlot struct {
	atom    *Atom
	offset  uint32 // within the atom
	address uint64
	target  *Atom
	addend  int64
	auth    *PointerAuth
	bind    bool
	ordinal uint32 // chained import index
}

type bindKey struct {
	target *Atom
	addend int64
}

// contentPolicy says what a classic relocation leaves in the content bytes.
type contentPolicy uint8

const (
	contentFull contentPolicy = iota
	contentAddendOnly
	contentDeltaToAddendOnly
	contentIgnoresAddend
	// target address plus addend, the subtracted symbol is left to the reloc
	contentTargetOnly
)

type fixupSite struct {
	atom   *Atom
	offset uint32
}

type dataInCodeEntry struct {
	offset uint32
	length uint16
	kind   uint16
}

type lohEntry struct {
	kind    uint8
	address []uint64
}

// Linker holds all per build state. Phases run in a fixed order and each
// phase only reads what earlier phases produced.
type Linker struct {
	opts    Options
	in      Input
	traits  macho.Traits
	order   binary.ByteOrder
	ptrSize int
	is64    bool

	sections      []*Section
	segments      []*Segment
	headerSection *Section
	headerAtom    *Atom
	linkedit      map[blobKind]*Section
	blobs         map[blobKind][]byte
	entry         *Atom
	tlvBase       uint64
	cmds          []loadCommand

	strings  *strpool.Pool
	locals   []symbol
	globals  []symbol
	imports  []symbol
	stabs    []stab
	symIndex map[*Atom]uint32
	indirect []uint32
	// string table range holding the debug note strings
	stabStrStart, stabStrEnd uint32

	byName       map[string]*Atom
	synthProxies []*Atom
	weakRefs     map[*Atom]bool

	rebases     []dyldinfo.Rebase
	binds       []dyldinfo.Bind
	weakBinds   []dyldinfo.Bind
	lazyBinds   []dyldinfo.Bind
	lazyAtoms   []*Atom
	lazyOffsets map[*Atom]uint32
	exports     []dyldinfo.Export

	slots          map[fixupSite]*pointerSlot
	chainedImports []chained.Import
	bindDict       map[bindKey]uint32
	chainedSegs    []*chained.Segment

	localRelocs   []macho.Reloc
	externRelocs  []macho.Reloc
	contentPolicy map[fixupSite]contentPolicy

	splitSeg   []splitseg.Entry
	funcStarts []uint64
	dataInCode []dataInCodeEntry
	lohs       []lohEntry

	stats      Stats
	anonLabels int

	image       *buffer.Image
	uuidOffset  uint64
	uuidDone    bool
	uuid        [16]byte
	varyRegions [][2]uint64
}

// New validates opts and prepares a linker for one build.
func New(opts Options, in Input) (*Linker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	t := opts.Arch.Traits()
	return &Linker{
		opts:          opts,
		in:            in,
		traits:        t,
		order:         t.ByteOrder(),
		ptrSize:       t.PointerSize(),
		is64:          t.Is64(),
		linkedit:      make(map[blobKind]*Section),
		blobs:         make(map[blobKind][]byte),
		strings:       strpool.New(),
		symIndex:      make(map[*Atom]uint32),
		byName:        make(map[string]*Atom),
		weakRefs:      make(map[*Atom]bool),
		lazyOffsets:   make(map[*Atom]uint32),
		slots:         make(map[fixupSite]*pointerSlot),
		bindDict:      make(map[bindKey]uint32),
		contentPolicy: make(map[fixupSite]contentPolicy),
	}, nil
}

// Options returns the validated options of the build.
func (l *Linker) Options() Options { return l.opts }

// Stats returns the counters collected so far.
func (l *Linker) Stats() Stats { return l.stats }

// anonymousLabel names an atom that must appear in the symbol table but has no name.
func (l *Linker) anonymousLabel() string {
	l.anonLabels++
	return fmt.Sprintf("ltmp%d", l.anonLabels-1)
}

// imageBase is the address of the mach header.
func (l *Linker) imageBase() uint64 {
	if l.headerSection == nil {
		return 0
	}
	return l.headerSection.address
}

// result snapshots the build.
func (l *Linker) result() *Result {
	r := &Result{
		Segments:        l.segments,
		Sections:        l.sections,
		SymbolIndex:     l.symIndex,
		ChainedSegments: l.chainedSegs,
		UUID:            l.uuid,
		Stats:           l.stats,
	}
	if l.image != nil {
		r.Image = l.image.Bytes()
	}
	r.LocalStart = 0
	r.LocalCount = uint32(len(l.locals) + len(l.stabs))
	r.GlobalStart = r.LocalCount
	r.GlobalCount = uint32(len(l.globals))
	r.ImportStart = r.GlobalStart + r.GlobalCount
	r.ImportCount = uint32(len(l.imports))
	return r
}
