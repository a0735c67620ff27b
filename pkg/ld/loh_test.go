package ld

import (
	"testing"

	"github.com/blacktop/machlink/pkg/ld/arm64"
	"github.com/blacktop/machlink/pkg/macho"
)

func constSection(atoms ...*Atom) *Section {
	return &Section{SegmentName: "__TEXT", SectionName: "__const", Type: TypeConst, Align: 3, Atoms: atoms}
}

// adrpAddInput is "adrp x0, _value@PAGE; add x0, x0, _value@PAGEOFF; ret"
// with an ADRP_ADD hint over the first two instructions. place puts _value
// into its section.
func adrpAddInput(place func(...*Atom) *Section) (Input, *Atom) {
	value := dataAtom("_value", 8)
	fn := codeAtom("_f",
		0x00, 0x00, 0x00, 0x90,
		0x00, 0x00, 0x00, 0x91,
		0xC0, 0x03, 0x5F, 0xD6)
	fn.Fixups = []Fixup{
		{Offset: 0, Kind: KindStoreTargetAddressARM64Page21, Cluster: Cluster1of1, Binding: BindingDirect, Target: value},
		{Offset: 4, Kind: KindStoreTargetAddressARM64PageOff12, Cluster: Cluster1of1, Binding: BindingDirect, Target: value},
		{Offset: 0, Kind: KindLinkerOptimizationHint, Cluster: Cluster1of1, Binding: BindingNone,
			Hint: &LOH{Kind: macho.LOH_ARM64_ADRP_ADD, Offsets: []uint32{0, 4}}},
	}
	return Input{Sections: []*Section{textSection(fn), place(value)}}, fn
}

func TestOptimizationHints(t *testing.T) {
	tests := []struct {
		name     string
		place    func(...*Atom) *Section
		enabled  bool
		splitSeg int
		applied  bool
	}{
		{"same segment", constSection, true, 0, true},
		{"disabled", constSection, false, 0, false},
		{"other segment", dataSection, true, 0, false},
		{"split seg", constSection, true, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, fn := adrpAddInput(tt.place)
			opts := dylibOptions(macho.ArchARM64, FixupsChained)
			opts.OptimizationHints = tt.enabled
			opts.SplitSegVersion = tt.splitSeg
			l, res := link(t, opts, in)

			off := fn.FileOffset()
			first := l.order.Uint32(res.Image[off:])
			second := l.order.Uint32(res.Image[off+4:])
			if tt.applied {
				if !arm64.IsADR(first) || second != arm64.NOP {
					t.Errorf("got %#08x %#08x, want adr; nop", first, second)
				}
				if res.Stats.LOH.ADRPToADR != 1 {
					t.Errorf("ADRPToADR = %d, want 1", res.Stats.LOH.ADRPToADR)
				}
				return
			}
			if !arm64.IsADRP(first) || !arm64.IsADD(second) {
				t.Errorf("got %#08x %#08x, want the original adrp; add", first, second)
			}
			if res.Stats.LOH.ADRPToADR != 0 {
				t.Errorf("ADRPToADR = %d, want 0", res.Stats.LOH.ADRPToADR)
			}
			if tt.enabled && res.Stats.LOH.NotApplied != 1 {
				t.Errorf("NotApplied = %d, want 1", res.Stats.LOH.NotApplied)
			}
		})
	}
}

func TestMalformedHint(t *testing.T) {
	in, fn := adrpAddInput(constSection)
	fn.Fixups[2].Hint.Offsets = []uint32{0}
	opts := dylibOptions(macho.ArchARM64, FixupsChained)
	opts.OptimizationHints = true
	_, res := link(t, opts, in)
	if res.Stats.LOH.MalformedHints != 1 || res.Stats.LOH.ADRPToADR != 0 {
		t.Errorf("LOH stats = %+v", res.Stats.LOH)
	}
}
