package utils

// Align rounds v up to the next multiple of align. align must be a power of two.
func Align(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AlignModulus rounds v up so that v % (1<<p2) == modulus.
func AlignModulus(v uint64, p2 uint8, modulus uint64) uint64 {
	align := uint64(1) << p2
	if align <= 1 {
		return v
	}
	mod := v % align
	if mod == modulus {
		return v
	}
	if mod < modulus {
		return v + (modulus - mod)
	}
	return v + (align - mod) + modulus
}

// IsAligned reports whether v is a multiple of align.
func IsAligned(v, align uint64) bool {
	return align <= 1 || v&(align-1) == 0
}

// Log2 returns the power of two that is >= v.
func Log2(v uint64) uint8 {
	var p uint8
	for (uint64(1) << p) < v {
		p++
	}
	return p
}
