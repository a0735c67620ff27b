package chained

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/go-macho/pkg/fixupchains"
)

const (
	headerSize         = 28
	startsInSegmentHdr = 22
)

// ByteOrder is a byte order that can also append.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Import is one entry of the imports table.
type Import struct {
	LibOrdinal int
	WeakImport bool
	Name       string
	Addend     int64
}

// Segment collects the fixup locations of one LC_SEGMENT.
type Segment struct {
	// Offset is the segment vmaddr minus the image base.
	Offset          uint64
	Size            uint64
	PageSize        uint16
	MaxValidPointer uint32
	// pages maps a page index to its sorted slot offsets within the page.
	pages map[uint32][]uint16
}

// NewSegment returns an empty segment.
func NewSegment(offset, size uint64, pageSize uint16) *Segment {
	return &Segment{Offset: offset, Size: size, PageSize: pageSize, pages: make(map[uint32][]uint16)}
}

// Add records a fixup at segOffset bytes from the start of the segment.
func (s *Segment) Add(segOffset uint64) {
	page := uint32(segOffset / uint64(s.PageSize))
	s.pages[page] = append(s.pages[page], uint16(segOffset%uint64(s.PageSize)))
}

// Empty reports whether the segment has no fixups.
func (s *Segment) Empty() bool { return len(s.pages) == 0 }

// PageCount is the number of pages spanned by the segment.
func (s *Segment) PageCount() uint32 {
	if s.Size == 0 {
		return 0
	}
	return uint32((s.Size + uint64(s.PageSize) - 1) / uint64(s.PageSize))
}

// Pages returns the page indexes holding fixups, sorted.
func (s *Segment) Pages() []uint32 {
	out := make([]uint32, 0, len(s.pages))
	for p := range s.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Slots returns the sorted in-page offsets of the fixups on page.
func (s *Segment) Slots(page uint32) []uint16 {
	slots := s.pages[page]
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// Starts computes each page's chain starts for format f. Most formats have
// exactly one start per page; 32-bit chains restart whenever the gap to the
// next slot does not fit the next field.
func (s *Segment) Starts(f Format) map[uint32][]uint16 {
	out := make(map[uint32][]uint16, len(s.pages))
	maxGap := MaxNext(f) * Stride(f)
	for _, p := range s.Pages() {
		slots := s.Slots(p)
		starts := []uint16{slots[0]}
		for i := 1; i < len(slots); i++ {
			if uint64(slots[i]-slots[i-1]) > maxGap {
				starts = append(starts, slots[i])
			}
		}
		out[p] = starts
	}
	return out
}

// Fixups is the LC_DYLD_CHAINED_FIXUPS payload.
type Fixups struct {
	Format   Format
	Imports  []Import
	Segments []*Segment // one entry per segment load command, in order
}

// ImportsFormat picks the narrowest imports encoding that can hold every import.
func (c *Fixups) ImportsFormat() fixupchains.ImportFormat {
	nameOff := 0
	format := fixupchains.DC_IMPORT
	for _, imp := range c.Imports {
		if imp.Addend != int64(int32(imp.Addend)) || imp.LibOrdinal > 0xF0 || nameOff >= 1<<23 {
			return fixupchains.DC_IMPORT_ADDEND64
		}
		if imp.Addend != 0 {
			format = fixupchains.DC_IMPORT_ADDEND
		}
		nameOff += len(imp.Name) + 1
	}
	return format
}

func importSize(f fixupchains.ImportFormat) int {
	switch f {
	case fixupchains.DC_IMPORT_ADDEND:
		return 8
	case fixupchains.DC_IMPORT_ADDEND64:
		return 16
	}
	return 4
}

func align(v, a int) int { return (v + a - 1) &^ (a - 1) }

// Encode serializes the payload, padded to 8 bytes.
func (c *Fixups) Encode(o ByteOrder) ([]byte, error) {
	if !Supported(c.Format) {
		return nil, fmt.Errorf("unsupported chained pointer format %d", c.Format)
	}
	// starts_in_image
	startsOff := align(headerSize, 8)
	starts := make([]byte, 4+4*len(c.Segments))
	o.PutUint32(starts[0:], uint32(len(c.Segments)))
	for i, seg := range c.Segments {
		if seg == nil || seg.Empty() {
			continue
		}
		for len(starts)%8 != 0 {
			starts = append(starts, 0)
		}
		o.PutUint32(starts[4+4*i:], uint32(len(starts)))
		starts = append(starts, c.encodeSegment(seg, o)...)
	}

	impFormat := c.ImportsFormat()
	importsOff := align(startsOff+len(starts), 4)
	imports := make([]byte, 0, len(c.Imports)*importSize(impFormat))
	var symbols []byte
	for _, imp := range c.Imports {
		nameOff := uint32(len(symbols))
		symbols = append(symbols, imp.Name...)
		symbols = append(symbols, 0)
		var weak uint64
		if imp.WeakImport {
			weak = 1
		}
		switch impFormat {
		case fixupchains.DC_IMPORT, fixupchains.DC_IMPORT_ADDEND:
			v := uint32(uint8(int8(imp.LibOrdinal))) | uint32(weak)<<8 | nameOff<<9
			imports = o.AppendUint32(imports, v)
			if impFormat == fixupchains.DC_IMPORT_ADDEND {
				imports = o.AppendUint32(imports, uint32(int32(imp.Addend)))
			}
		case fixupchains.DC_IMPORT_ADDEND64:
			v := uint64(uint16(int16(imp.LibOrdinal))) | weak<<16 | uint64(nameOff)<<32
			imports = o.AppendUint64(imports, v)
			imports = o.AppendUint64(imports, uint64(imp.Addend))
		}
	}
	symbolsOff := importsOff + len(imports)

	out := make([]byte, align(symbolsOff+len(symbols), 8))
	o.PutUint32(out[0:], 0) // fixups_version
	o.PutUint32(out[4:], uint32(startsOff))
	o.PutUint32(out[8:], uint32(importsOff))
	o.PutUint32(out[12:], uint32(symbolsOff))
	o.PutUint32(out[16:], uint32(len(c.Imports)))
	o.PutUint32(out[20:], uint32(impFormat))
	o.PutUint32(out[24:], uint32(fixupchains.DC_SFORMAT_UNCOMPRESSED))
	copy(out[startsOff:], starts)
	copy(out[importsOff:], imports)
	copy(out[symbolsOff:], symbols)
	return out, nil
}

func (c *Fixups) encodeSegment(seg *Segment, o ByteOrder) []byte {
	pageCount := seg.PageCount()
	pageStarts := make([]uint16, pageCount)
	for i := range pageStarts {
		pageStarts[i] = uint16(fixupchains.DYLD_CHAINED_PTR_START_NONE)
	}
	var chainStarts []uint16
	starts := seg.Starts(c.Format)
	for _, page := range seg.Pages() {
		if page >= pageCount {
			continue
		}
		st := starts[page]
		if len(st) == 1 {
			pageStarts[page] = st[0]
			continue
		}
		// overflow index counts from the start of page_start[]
		pageStarts[page] = uint16(fixupchains.DYLD_CHAINED_PTR_START_MULTI) | (uint16(pageCount) + uint16(len(chainStarts)))
		for i, s := range st {
			if i == len(st)-1 {
				s |= uint16(fixupchains.DYLD_CHAINED_PTR_START_LAST)
			}
			chainStarts = append(chainStarts, s)
		}
	}
	size := startsInSegmentHdr + 2*len(pageStarts) + 2*len(chainStarts)
	b := make([]byte, 0, size)
	b = o.AppendUint32(b, uint32(size))
	b = o.AppendUint16(b, seg.PageSize)
	b = o.AppendUint16(b, uint16(c.Format))
	b = o.AppendUint64(b, seg.Offset)
	b = o.AppendUint32(b, seg.MaxValidPointer)
	b = o.AppendUint16(b, uint16(pageCount))
	for _, ps := range pageStarts {
		b = o.AppendUint16(b, ps)
	}
	for _, cs := range chainStarts {
		b = o.AppendUint16(b, cs)
	}
	return b
}
