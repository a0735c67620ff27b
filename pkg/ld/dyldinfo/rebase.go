// Package dyldinfo encodes the LC_DYLD_INFO opcode streams and the export trie.
package dyldinfo

import (
	"sort"

	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
)

// Rebase is one slot that dyld slides.
type Rebase struct {
	Type      uint8
	SegIndex  int
	SegOffset uint64
}

type op struct {
	code uint8
	a, b uint64
}

// EncodeRebase sorts entries by (type, address) and emits a compressed
// rebase opcode stream padded to the pointer size.
func EncodeRebase(entries []Rebase, ptrSize int) []byte {
	if len(entries) == 0 {
		return nil
	}
	sorted := append([]Rebase(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		if sorted[i].SegIndex != sorted[j].SegIndex {
			return sorted[i].SegIndex < sorted[j].SegIndex
		}
		return sorted[i].SegOffset < sorted[j].SegOffset
	})

	ptr := uint64(ptrSize)
	var ops []op
	var curType uint8
	curSeg := -1
	var addr uint64
	for _, e := range sorted {
		if e.Type != curType {
			ops = append(ops, op{code: macho.REBASE_OPCODE_SET_TYPE_IMM, a: uint64(e.Type)})
			curType = e.Type
		}
		if e.SegIndex != curSeg || e.SegOffset < addr {
			ops = append(ops, op{code: macho.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB, a: uint64(e.SegIndex), b: e.SegOffset})
			curSeg = e.SegIndex
		} else if e.SegOffset != addr {
			ops = append(ops, op{code: macho.REBASE_OPCODE_ADD_ADDR_ULEB, a: e.SegOffset - addr})
		}
		ops = append(ops, op{code: macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES, a: 1})
		addr = e.SegOffset + ptr
	}

	ops = compressRebase(ops, ptr)

	var out []byte
	for _, o := range ops {
		switch o.code {
		case macho.REBASE_OPCODE_SET_TYPE_IMM, macho.REBASE_OPCODE_ADD_ADDR_IMM_SCALED, macho.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			out = append(out, o.code|uint8(o.a))
		case macho.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			out = append(out, o.code|uint8(o.a))
			out = utils.AppendUleb128(out, o.b)
		case macho.REBASE_OPCODE_ADD_ADDR_ULEB, macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES, macho.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			out = append(out, o.code)
			out = utils.AppendUleb128(out, o.a)
		case macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			out = append(out, o.code)
			out = utils.AppendUleb128(out, o.a)
			out = utils.AppendUleb128(out, o.b)
		}
	}
	out = append(out, macho.REBASE_OPCODE_DONE)
	return pad(out, ptrSize)
}

func compressRebase(ops []op, ptr uint64) []op {
	// contiguous pointers
	var merged []op
	for _, o := range ops {
		if n := len(merged); n > 0 && o.code == macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES && merged[n-1].code == macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES {
			merged[n-1].a += o.a
			continue
		}
		merged = append(merged, o)
	}
	// rebase then skip
	ops = merged[:0:0]
	for i := 0; i < len(merged); i++ {
		o := merged[i]
		if o.code == macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES && o.a == 1 && i+1 < len(merged) && merged[i+1].code == macho.REBASE_OPCODE_ADD_ADDR_ULEB {
			ops = append(ops, op{code: macho.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB, a: merged[i+1].a})
			i++
			continue
		}
		ops = append(ops, o)
	}
	// runs of identical skips
	merged = ops[:0:0]
	for i := 0; i < len(ops); i++ {
		o := ops[i]
		if o.code == macho.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB {
			j := i + 1
			for j < len(ops) && ops[j].code == o.code && ops[j].a == o.a {
				j++
			}
			if j-i > 1 {
				merged = append(merged, op{code: macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB, a: uint64(j - i), b: o.a})
				i = j - 1
				continue
			}
		}
		merged = append(merged, o)
	}
	// immediate forms
	for i, o := range merged {
		switch {
		case o.code == macho.REBASE_OPCODE_ADD_ADDR_ULEB && o.a%ptr == 0 && o.a/ptr < 16:
			merged[i] = op{code: macho.REBASE_OPCODE_ADD_ADDR_IMM_SCALED, a: o.a / ptr}
		case o.code == macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES && o.a < 16:
			merged[i] = op{code: macho.REBASE_OPCODE_DO_REBASE_IMM_TIMES, a: o.a}
		}
	}
	return merged
}

func pad(b []byte, align int) []byte {
	for len(b)%align != 0 {
		b = append(b, 0)
	}
	return b
}
