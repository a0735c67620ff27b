// Package splitseg encodes LC_SEGMENT_SPLIT_INFO payloads, the record of
// cross-segment references a shared cache builder re-targets.
package splitseg

import (
	"fmt"
	"sort"

	"github.com/blacktop/machlink/pkg/macho"
	"github.com/blacktop/machlink/pkg/macho/utils"
)

// Entry is one cross-segment reference.
type Entry struct {
	Kind uint8
	// v1 key: image-relative address of the fixup site
	Address uint64
	// v2 keys: section indexes (0 is the mach header) and offsets within them
	FromSection uint32
	FromOffset  uint64
	ToSection   uint32
	ToOffset    uint64
	// high bits of a split movw/movt pair
	Carry uint8
}

func (e Entry) String() string {
	return fmt.Sprintf("kind=%#x from=%d+%#x to=%d+%#x", e.Kind, e.FromSection, e.FromOffset, e.ToSection, e.ToOffset)
}

// V1Kind folds the carry into the movt kinds, which keep it in the low nibble.
func V1Kind(kind, carry uint8) uint8 {
	switch kind {
	case macho.DYLD_CACHE_ADJ_V1_ARM_THUMB_MOVT, macho.DYLD_CACHE_ADJ_V1_ARM_MOVT:
		return kind | carry&0xF
	}
	return kind
}

// EncodeV1 groups entries by kind and emits address deltas per group.
func EncodeV1(entries []Entry, ptrSize int) []byte {
	if len(entries) == 0 {
		return nil
	}
	byKind := make(map[uint8][]uint64)
	var kinds []uint8
	for _, e := range entries {
		k := V1Kind(e.Kind, e.Carry)
		if _, ok := byKind[k]; !ok {
			kinds = append(kinds, k)
		}
		byKind[k] = append(byKind[k], e.Address)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var out []byte
	for _, k := range kinds {
		addrs := byKind[k]
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		out = append(out, k)
		var prev uint64
		for _, a := range addrs {
			out = utils.AppendUleb128(out, a-prev)
			prev = a
		}
		out = append(out, 0)
	}
	out = append(out, 0)
	for len(out)%ptrSize != 0 {
		out = append(out, 0)
	}
	return out
}

type fromTo struct{ from, to uint32 }

// EncodeV2 emits the section-keyed format:
//
//	<count> (<from-sect> <to-sect> <count> (<to-delta> <count> (<kind> <count> <from-delta>+)+)+)+
func EncodeV2(entries []Entry, ptrSize int) []byte {
	out := []byte{macho.DYLD_CACHE_ADJ_V2_FORMAT}
	if len(entries) == 0 {
		out = append(out, 0)
		return pad(out, ptrSize)
	}
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.FromSection != b.FromSection {
			return a.FromSection < b.FromSection
		}
		if a.ToSection != b.ToSection {
			return a.ToSection < b.ToSection
		}
		if a.ToOffset != b.ToOffset {
			return a.ToOffset < b.ToOffset
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.FromOffset < b.FromOffset
	})

	var pairs []fromTo
	groups := make(map[fromTo][]Entry)
	for _, e := range sorted {
		k := fromTo{e.FromSection, e.ToSection}
		if _, ok := groups[k]; !ok {
			pairs = append(pairs, k)
		}
		groups[k] = append(groups[k], e)
	}

	out = utils.AppendUleb128(out, uint64(len(pairs)))
	for _, p := range pairs {
		es := groups[p]
		out = utils.AppendUleb128(out, uint64(p.from))
		out = utils.AppendUleb128(out, uint64(p.to))

		// split by target offset
		var toRuns [][]Entry
		for i := 0; i < len(es); {
			j := i
			for j < len(es) && es[j].ToOffset == es[i].ToOffset {
				j++
			}
			toRuns = append(toRuns, es[i:j])
			i = j
		}
		out = utils.AppendUleb128(out, uint64(len(toRuns)))
		var prevTo uint64
		for _, run := range toRuns {
			out = utils.AppendUleb128(out, run[0].ToOffset-prevTo)
			prevTo = run[0].ToOffset

			var kindRuns [][]Entry
			for i := 0; i < len(run); {
				j := i
				for j < len(run) && run[j].Kind == run[i].Kind {
					j++
				}
				kindRuns = append(kindRuns, run[i:j])
				i = j
			}
			out = utils.AppendUleb128(out, uint64(len(kindRuns)))
			for _, kr := range kindRuns {
				out = utils.AppendUleb128(out, uint64(kr[0].Kind))
				out = utils.AppendUleb128(out, uint64(len(kr)))
				var prevFrom uint64
				for _, e := range kr {
					out = utils.AppendUleb128(out, e.FromOffset-prevFrom)
					prevFrom = e.FromOffset
				}
			}
		}
	}
	return pad(out, ptrSize)
}

func pad(b []byte, align int) []byte {
	for len(b)%align != 0 {
		b = append(b, 0)
	}
	return b
}

// DecodeV2 expands a v2 payload, mostly for inspection.
func DecodeV2(data []byte) ([]Entry, error) {
	if len(data) == 0 || data[0] != macho.DYLD_CACHE_ADJ_V2_FORMAT {
		return nil, fmt.Errorf("split seg info is not v2")
	}
	pos := 1
	next := func() (uint64, error) {
		v, n, err := utils.ReadUleb128(data[pos:])
		if err != nil {
			return 0, fmt.Errorf("split seg info at %#x: %w", pos, err)
		}
		pos += n
		return v, nil
	}
	var out []Entry
	pairs, err := next()
	if err != nil {
		return nil, err
	}
	for ; pairs > 0; pairs-- {
		from, err := next()
		if err != nil {
			return nil, err
		}
		to, err := next()
		if err != nil {
			return nil, err
		}
		toCount, err := next()
		if err != nil {
			return nil, err
		}
		var toOff uint64
		for ; toCount > 0; toCount-- {
			d, err := next()
			if err != nil {
				return nil, err
			}
			toOff += d
			kinds, err := next()
			if err != nil {
				return nil, err
			}
			for ; kinds > 0; kinds-- {
				kind, err := next()
				if err != nil {
					return nil, err
				}
				n, err := next()
				if err != nil {
					return nil, err
				}
				var fromOff uint64
				for ; n > 0; n-- {
					d, err := next()
					if err != nil {
						return nil, err
					}
					fromOff += d
					out = append(out, Entry{
						Kind:        uint8(kind),
						FromSection: uint32(from),
						FromOffset:  fromOff,
						ToSection:   uint32(to),
						ToOffset:    toOff,
					})
				}
			}
		}
	}
	return out, nil
}
