package chained

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-macho/pkg/fixupchains"
)

// multiStartSegment has two chains on every page: the 0x800 gap is beyond
// the reach of a 32-bit next field.
func multiStartSegment(pages uint64) *Segment {
	seg := NewSegment(0x4000, pages*0x1000, 0x1000)
	for p := uint64(0); p < pages; p++ {
		seg.Add(p * 0x1000)
		seg.Add(p*0x1000 + 0x800)
	}
	return seg
}

func TestMultiStartPagesInOrder(t *testing.T) {
	const pages = 8
	c := &Fixups{Format: fixupchains.DYLD_CHAINED_PTR_32, Segments: []*Segment{multiStartSegment(pages)}}
	blob, err := c.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	o := binary.LittleEndian
	startsOff := o.Uint32(blob[4:])
	segInfo := startsOff + o.Uint32(blob[startsOff+4:])
	multi := uint16(fixupchains.DYLD_CHAINED_PTR_START_MULTI)
	last := uint16(fixupchains.DYLD_CHAINED_PTR_START_LAST)
	for p := uint32(0); p < pages; p++ {
		ps := o.Uint16(blob[segInfo+22+2*p:])
		want := multi | uint16(pages+2*p)
		if ps != want {
			t.Errorf("page %d start = %#x, want %#x", p, ps, want)
			continue
		}
		idx := uint32(ps &^ multi)
		first := o.Uint16(blob[segInfo+22+2*idx:])
		second := o.Uint16(blob[segInfo+22+2*(idx+1):])
		if first != 0 || second != 0x800|last {
			t.Errorf("page %d chain starts = %#x %#x", p, first, second)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	var want []byte
	for i := 0; i < 20; i++ {
		c := &Fixups{Format: fixupchains.DYLD_CHAINED_PTR_32, Segments: []*Segment{multiStartSegment(8)}}
		got, err := c.Encode(binary.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		if want == nil {
			want = got
			continue
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("encode %d differs from the first", i)
		}
	}
}
