package dyldinfo

import (
	"fmt"

	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
)

type opReader struct {
	data []byte
	pos  int
}

func (r *opReader) uleb() (uint64, error) {
	v, n, err := utils.ReadUleb128(r.data[r.pos:])
	if err != nil {
		return 0, fmt.Errorf("opcode at %#x: %w", r.pos, err)
	}
	r.pos += n
	return v, nil
}

func (r *opReader) sleb() (int64, error) {
	v, n, err := utils.ReadSleb128(r.data[r.pos:])
	if err != nil {
		return 0, fmt.Errorf("opcode at %#x: %w", r.pos, err)
	}
	r.pos += n
	return v, nil
}

func (r *opReader) cstring() (string, error) {
	for i := r.pos; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("unterminated symbol name at %#x", r.pos)
}

// DecodeRebase expands a rebase opcode stream into its slots.
func DecodeRebase(data []byte, ptrSize int) ([]Rebase, error) {
	var out []Rebase
	var typ uint8
	seg := -1
	var addr uint64
	ptr := uint64(ptrSize)
	r := &opReader{data: data}
	for r.pos < len(data) {
		b := data[r.pos]
		r.pos++
		imm := b & macho.REBASE_IMMEDIATE_MASK
		emit := func() {
			out = append(out, Rebase{Type: typ, SegIndex: seg, SegOffset: addr})
		}
		switch b & macho.REBASE_OPCODE_MASK {
		case macho.REBASE_OPCODE_DONE:
			return out, nil
		case macho.REBASE_OPCODE_SET_TYPE_IMM:
			typ = imm
		case macho.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			seg = int(imm)
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			addr = v
		case macho.REBASE_OPCODE_ADD_ADDR_ULEB:
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			addr += v
		case macho.REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
			addr += uint64(imm) * ptr
		case macho.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			for i := 0; i < int(imm); i++ {
				emit()
				addr += ptr
			}
		case macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
			n, err := r.uleb()
			if err != nil {
				return nil, err
			}
			for i := uint64(0); i < n; i++ {
				emit()
				addr += ptr
			}
		case macho.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			emit()
			addr += v + ptr
		case macho.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			n, err := r.uleb()
			if err != nil {
				return nil, err
			}
			skip, err := r.uleb()
			if err != nil {
				return nil, err
			}
			for i := uint64(0); i < n; i++ {
				emit()
				addr += skip + ptr
			}
		default:
			return nil, fmt.Errorf("unknown rebase opcode %#x at %#x", b, r.pos-1)
		}
	}
	return out, nil
}

// DecodeBind expands a bind, weak bind or lazy bind opcode stream. Lazy
// streams use DONE as a record separator rather than a terminator.
func DecodeBind(data []byte, ptrSize int, lazy bool) ([]Bind, error) {
	var out []Bind
	var cur Bind
	cur.SegIndex = -1
	typ := macho.BIND_TYPE_POINTER
	var addr uint64
	ptr := uint64(ptrSize)
	r := &opReader{data: data}
	emit := func() {
		b := cur
		b.Type = typ
		b.SegOffset = addr
		out = append(out, b)
	}
	for r.pos < len(data) {
		b := data[r.pos]
		r.pos++
		imm := b & macho.BIND_IMMEDIATE_MASK
		switch b & macho.BIND_OPCODE_MASK {
		case macho.BIND_OPCODE_DONE:
			if !lazy {
				return out, nil
			}
		case macho.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			cur.LibOrdinal = int(imm)
		case macho.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			cur.LibOrdinal = int(v)
		case macho.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				cur.LibOrdinal = 0
			} else {
				cur.LibOrdinal = int(int8(macho.BIND_OPCODE_MASK | imm))
			}
		case macho.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			name, err := r.cstring()
			if err != nil {
				return nil, err
			}
			cur.Name, cur.Flags = name, imm
			if imm&macho.BIND_SYMBOL_FLAGS_NON_WEAK_DEFINITION != 0 {
				out = append(out, Bind{Name: name, Flags: imm})
			}
		case macho.BIND_OPCODE_SET_TYPE_IMM:
			typ = imm
		case macho.BIND_OPCODE_SET_ADDEND_SLEB:
			v, err := r.sleb()
			if err != nil {
				return nil, err
			}
			cur.Addend = v
		case macho.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			cur.SegIndex = int(imm)
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			addr = v
		case macho.BIND_OPCODE_ADD_ADDR_ULEB:
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			addr += v
		case macho.BIND_OPCODE_DO_BIND:
			emit()
			addr += ptr
		case macho.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			v, err := r.uleb()
			if err != nil {
				return nil, err
			}
			emit()
			addr += v + ptr
		case macho.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			emit()
			addr += uint64(imm)*ptr + ptr
		case macho.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			n, err := r.uleb()
			if err != nil {
				return nil, err
			}
			skip, err := r.uleb()
			if err != nil {
				return nil, err
			}
			for i := uint64(0); i < n; i++ {
				emit()
				addr += skip + ptr
			}
		default:
			return nil, fmt.Errorf("unknown bind opcode %#x at %#x", b, r.pos-1)
		}
	}
	return out, nil
}
