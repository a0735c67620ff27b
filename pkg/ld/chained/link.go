package chained

import (
	"encoding/binary"
	"fmt"
)

func load(b []byte, f Format, o binary.ByteOrder) uint64 {
	if PointerSize(f) == 4 {
		return uint64(o.Uint32(b))
	}
	return o.Uint64(b)
}

func store(b []byte, f Format, v uint64, o binary.ByteOrder) {
	if PointerSize(f) == 4 {
		o.PutUint32(b, uint32(v))
		return
	}
	o.PutUint64(b, v)
}

// Link threads the already encoded pointers of seg into per page chains.
// data holds the segment's file content starting at the segment's first byte.
func Link(f Format, seg *Segment, data []byte, o binary.ByteOrder) error {
	stride := Stride(f)
	starts := seg.Starts(f)
	for _, page := range seg.Pages() {
		slots := seg.Slots(page)
		isStart := make(map[uint16]bool, len(starts[page]))
		for _, s := range starts[page] {
			isStart[s] = true
		}
		base := uint64(page) * uint64(seg.PageSize)
		for i, slot := range slots {
			if uint64(slot)%stride != 0 {
				return fmt.Errorf("fixup at segment offset %#x not aligned to %d byte stride", base+uint64(slot), stride)
			}
			off := base + uint64(slot)
			if off+uint64(PointerSize(f)) > uint64(len(data)) {
				return fmt.Errorf("fixup at segment offset %#x outside segment content", off)
			}
			var next uint64
			if i+1 < len(slots) && !isStart[slots[i+1]] {
				if slots[i+1] == slot {
					return fmt.Errorf("duplicate fixup at segment offset %#x", off)
				}
				next = uint64(slots[i+1]-slot) / stride
			}
			v, err := SetNext(f, load(data[off:], f, o), next)
			if err != nil {
				return fmt.Errorf("segment offset %#x: %w", off, err)
			}
			store(data[off:], f, v, o)
		}
	}
	return nil
}

// Walk follows the chain that begins at start on a page and returns the
// in-page offsets it visits. It fails on chains that leave the page.
func Walk(f Format, page []byte, start uint16, o binary.ByteOrder) ([]uint16, error) {
	var visited []uint16
	off := uint64(start)
	for {
		if off+uint64(PointerSize(f)) > uint64(len(page)) {
			return visited, fmt.Errorf("chain runs off the page at offset %#x", off)
		}
		visited = append(visited, uint16(off))
		next := Next(f, load(page[off:], f, o))
		if next == 0 {
			return visited, nil
		}
		off += next * Stride(f)
	}
}
