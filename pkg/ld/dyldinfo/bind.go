package dyldinfo

import (
	"sort"

	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
)

// Bind is one slot that dyld resolves against an exported symbol.
type Bind struct {
	Type       uint8 // 0 marks a non-weak definition in the weak bind stream
	LibOrdinal int
	Name       string
	Flags      uint8
	SegIndex   int
	SegOffset  uint64
	Addend     int64
}

func bindLess(a, b Bind) bool {
	if a.LibOrdinal != b.LibOrdinal {
		return a.LibOrdinal < b.LibOrdinal
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.SegIndex != b.SegIndex {
		return a.SegIndex < b.SegIndex
	}
	return a.SegOffset < b.SegOffset
}

func appendOrdinal(out []byte, ordinal int) []byte {
	switch {
	case ordinal <= 0:
		return append(out, macho.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM|(uint8(ordinal)&macho.BIND_IMMEDIATE_MASK))
	case ordinal <= 15:
		return append(out, macho.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM|uint8(ordinal))
	default:
		return utils.AppendUleb128(append(out, macho.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB), uint64(ordinal))
	}
}

func appendSymbol(out []byte, name string, flags uint8) []byte {
	out = append(out, macho.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|flags)
	out = append(out, name...)
	return append(out, 0)
}

// EncodeBind sorts entries by (ordinal, symbol, type, address) and emits a
// compressed bind opcode stream.
func EncodeBind(entries []Bind, ptrSize int) []byte {
	sorted := append([]Bind(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return bindLess(sorted[i], sorted[j]) })
	return encodeBinds(sorted, ptrSize, true)
}

// EncodeWeakBind sorts entries by symbol and emits the weak binding stream.
// Entries with Type 0 declare a non-weak definition and carry no address.
func EncodeWeakBind(entries []Bind, ptrSize int) []byte {
	sorted := append([]Bind(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		a, b := sorted[i], sorted[j]
		a.LibOrdinal, b.LibOrdinal = 0, 0
		return bindLess(a, b)
	})
	return encodeBinds(sorted, ptrSize, false)
}

func encodeBinds(sorted []Bind, ptrSize int, withOrdinals bool) []byte {
	if len(sorted) == 0 {
		return nil
	}
	ptr := uint64(ptrSize)
	type bop struct {
		code uint8
		a, b uint64
		raw  []byte
	}
	var ops []bop
	curOrdinal := -1 << 31
	curName := ""
	curFlags := uint8(0xff)
	var curType uint8
	var curAddend int64
	curSeg := -1
	var addr uint64
	for _, e := range sorted {
		if withOrdinals && e.LibOrdinal != curOrdinal {
			ops = append(ops, bop{raw: appendOrdinal(nil, e.LibOrdinal)})
			curOrdinal = e.LibOrdinal
		}
		if e.Name != curName || e.Flags != curFlags {
			ops = append(ops, bop{raw: appendSymbol(nil, e.Name, e.Flags)})
			curName, curFlags = e.Name, e.Flags
		}
		if e.Type == 0 {
			// strong definition marker
			continue
		}
		if e.Type != curType {
			ops = append(ops, bop{raw: []byte{macho.BIND_OPCODE_SET_TYPE_IMM | e.Type}})
			curType = e.Type
		}
		if e.Addend != curAddend {
			ops = append(ops, bop{raw: utils.AppendSleb128([]byte{macho.BIND_OPCODE_SET_ADDEND_SLEB}, e.Addend)})
			curAddend = e.Addend
		}
		if e.SegIndex != curSeg || e.SegOffset < addr {
			raw := []byte{macho.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | uint8(e.SegIndex)}
			ops = append(ops, bop{raw: utils.AppendUleb128(raw, e.SegOffset)})
			curSeg = e.SegIndex
		} else if e.SegOffset != addr {
			ops = append(ops, bop{code: macho.BIND_OPCODE_ADD_ADDR_ULEB, a: e.SegOffset - addr})
		}
		ops = append(ops, bop{code: macho.BIND_OPCODE_DO_BIND})
		addr = e.SegOffset + ptr
	}

	// bind then skip
	var folded []bop
	for i := 0; i < len(ops); i++ {
		o := ops[i]
		if o.code == macho.BIND_OPCODE_DO_BIND && o.raw == nil && i+1 < len(ops) && ops[i+1].code == macho.BIND_OPCODE_ADD_ADDR_ULEB {
			folded = append(folded, bop{code: macho.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB, a: ops[i+1].a})
			i++
			continue
		}
		folded = append(folded, o)
	}
	// runs of identical skips
	var runs []bop
	for i := 0; i < len(folded); i++ {
		o := folded[i]
		if o.code == macho.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB {
			j := i + 1
			for j < len(folded) && folded[j].code == o.code && folded[j].a == o.a {
				j++
			}
			if j-i > 1 {
				runs = append(runs, bop{code: macho.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB, a: uint64(j - i), b: o.a})
				i = j - 1
				continue
			}
		}
		runs = append(runs, o)
	}

	var out []byte
	for _, o := range runs {
		switch {
		case o.raw != nil:
			out = append(out, o.raw...)
		case o.code == macho.BIND_OPCODE_DO_BIND:
			out = append(out, o.code)
		case o.code == macho.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB && o.a%ptr == 0 && o.a/ptr < 16:
			out = append(out, macho.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED|uint8(o.a/ptr))
		case o.code == macho.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			out = append(out, o.code)
			out = utils.AppendUleb128(out, o.a)
			out = utils.AppendUleb128(out, o.b)
		default:
			out = append(out, o.code)
			out = utils.AppendUleb128(out, o.a)
		}
	}
	out = append(out, macho.BIND_OPCODE_DONE)
	return pad(out, ptrSize)
}

// EncodeLazyBind emits one self-contained record per entry, in the given
// order, and returns each record's offset for the stub helpers.
func EncodeLazyBind(entries []Bind, ptrSize int) ([]byte, []uint32) {
	if len(entries) == 0 {
		return nil, nil
	}
	var out []byte
	offsets := make([]uint32, 0, len(entries))
	for _, e := range entries {
		offsets = append(offsets, uint32(len(out)))
		out = append(out, macho.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|uint8(e.SegIndex))
		out = utils.AppendUleb128(out, e.SegOffset)
		out = appendOrdinal(out, e.LibOrdinal)
		out = appendSymbol(out, e.Name, e.Flags)
		out = append(out, macho.BIND_OPCODE_DO_BIND, macho.BIND_OPCODE_DONE)
	}
	return pad(out, ptrSize), offsets
}
