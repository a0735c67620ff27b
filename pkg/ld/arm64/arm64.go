// Package arm64 encodes and decodes the ARM64 instruction fields the linker patches.
package arm64

import "fmt"

// NOP is the canonical no-op instruction.
const NOP uint32 = 0xD503201F

const (
	oneMB      = 1 << 20
	branchSpan = 128 << 20
	pageSpan   = 4 << 30
)

// BranchInRange reports whether delta fits a B/BL imm26 field.
func BranchInRange(delta int64) bool {
	return delta >= -branchSpan && delta < branchSpan
}

// PageInRange reports whether an ADRP page delta fits the 21-bit immediate.
func PageInRange(delta int64) bool {
	return delta >= -pageSpan && delta < pageSpan
}

// ADRInRange reports whether delta fits an ADR or literal load.
func ADRInRange(delta int64) bool {
	return delta >= -oneMB && delta < oneMB
}

// SetBranch26 stores delta in a B/BL instruction.
func SetBranch26(ins uint32, delta int64) uint32 {
	return (ins & 0xFC000000) | uint32(delta>>2)&0x03FFFFFF
}

// Branch26 extracts the signed byte displacement of a B/BL instruction.
func Branch26(ins uint32) int64 {
	return int64(int32(ins<<6)>>6) << 2
}

// Page returns the 4K page containing addr.
func Page(addr uint64) uint64 { return addr &^ 0xFFF }

// SetPage21 stores a page delta (bytes, multiple of 4K) into an ADRP instruction.
func SetPage21(ins uint32, pageDelta int64) uint32 {
	imm := uint32(pageDelta>>12) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := imm >> 2
	return (ins & 0x9F00001F) | immlo<<29 | immhi<<5
}

// Page21 extracts the byte page delta of an ADRP instruction.
func Page21(ins uint32) int64 {
	imm := (ins>>29)&0x3 | ((ins>>5)&0x7FFFF)<<2
	return int64(int32(imm<<11)>>11) << 12
}

// IsADRP reports whether ins is an ADRP.
func IsADRP(ins uint32) bool { return ins&0x9F000000 == 0x90000000 }

// IsADR reports whether ins is an ADR.
func IsADR(ins uint32) bool { return ins&0x9F000000 == 0x10000000 }

// IsADD reports whether ins is a 64-bit ADD (immediate) without shift.
func IsADD(ins uint32) bool { return ins&0xFFC00000 == 0x91000000 }

// IsLoadStoreImm12 reports whether ins is a load or store with an unsigned scaled offset.
func IsLoadStoreImm12(ins uint32) bool { return ins&0x3B000000 == 0x39000000 }

// IsLoad reports whether a load/store with unsigned offset is a load.
func IsLoad(ins uint32) bool {
	return IsLoadStoreImm12(ins) && (ins>>22)&0x3 != 0
}

// Rd returns the destination register.
func Rd(ins uint32) uint32 { return ins & 0x1F }

// Rn returns the base register.
func Rn(ins uint32) uint32 { return (ins >> 5) & 0x1F }

// Imm12 returns the raw 12-bit immediate of ADD or a load/store.
func Imm12(ins uint32) uint32 { return (ins >> 10) & 0xFFF }

// Scale returns log2 of the access size of a load/store (0 for ADD).
func Scale(ins uint32) uint32 {
	if !IsLoadStoreImm12(ins) {
		return 0
	}
	scale := ins >> 30
	if ins&0x04800000 == 0x04800000 && scale == 0 {
		// 128-bit vector load/store
		scale = 4
	}
	return scale
}

// SetPageOff12 stores the low 12 bits of a target address into an ADD or a
// scaled load/store, failing if the offset is not a multiple of the access size.
func SetPageOff12(ins uint32, target uint64) (uint32, error) {
	off := uint32(target & 0xFFF)
	scale := Scale(ins)
	if off&((1<<scale)-1) != 0 {
		return 0, fmt.Errorf("page offset %#x not aligned to %d byte access", off, 1<<scale)
	}
	return (ins & 0xFFC003FF) | (off>>scale)<<10, nil
}

// LoadStoreOffset returns the byte offset encoded in a scaled load/store.
func LoadStoreOffset(ins uint32) uint32 {
	return Imm12(ins) << Scale(ins)
}

// ADR builds "adr xd, pc+delta".
func ADR(rd uint32, delta int64) uint32 {
	imm := uint32(delta) & 0x1FFFFF
	return 0x10000000 | (imm&0x3)<<29 | (imm>>2)<<5 | rd
}

// ADD builds "add xd, xn, #imm12".
func ADD(rd, rn, imm12 uint32) uint32 {
	return 0x91000000 | (imm12&0xFFF)<<10 | rn<<5 | rd
}

// GOTLoadToADD rewrites "ldr xt, [xn, #off]" into "add xt, xn, #off".
func GOTLoadToADD(ins uint32, target uint64) uint32 {
	return ADD(Rd(ins), Rn(ins), uint32(target&0xFFF))
}

// LiteralOpcode returns the PC-relative literal form matching a scaled load,
// or false when the load has no literal equivalent.
func LiteralOpcode(ins uint32) (uint32, bool) {
	if !IsLoad(ins) {
		return 0, false
	}
	size := ins >> 30
	vector := ins&0x04000000 != 0
	opc := (ins >> 22) & 0x3
	switch {
	case !vector && size == 2 && opc == 1:
		return 0x18000000, true // ldr wt
	case !vector && size == 3 && opc == 1:
		return 0x58000000, true // ldr xt
	case !vector && size == 2 && opc == 2:
		return 0x98000000, true // ldrsw xt
	case vector && size == 2 && opc == 1:
		return 0x1C000000, true // ldr st
	case vector && size == 3 && opc == 1:
		return 0x5C000000, true // ldr dt
	case vector && size == 0 && opc == 3:
		return 0x9C000000, true // ldr qt
	}
	return 0, false
}

// LiteralLoad converts a scaled load into a literal load of pc+delta.
func LiteralLoad(ins uint32, delta int64) (uint32, bool) {
	op, ok := LiteralOpcode(ins)
	if !ok || delta&3 != 0 || !ADRInRange(delta) {
		return 0, false
	}
	return op | (uint32(delta>>2)&0x7FFFF)<<5 | Rd(ins), true
}

// WithOffset rewrites the immediate of a scaled load/store to byteOff.
func WithOffset(ins uint32, byteOff uint32) (uint32, bool) {
	scale := Scale(ins)
	if byteOff&((1<<scale)-1) != 0 || byteOff>>scale > 0xFFF {
		return 0, false
	}
	return (ins & 0xFFC003FF) | (byteOff>>scale)<<10, true
}
