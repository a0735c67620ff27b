package utils

import "fmt"

// AppendUleb128 appends the unsigned LEB128 encoding of v to b.
func AppendUleb128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// AppendSleb128 appends the signed LEB128 encoding of v to b.
func AppendSleb128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// Uleb128Size returns the number of bytes needed to encode v.
func Uleb128Size(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// ReadUleb128 decodes an unsigned LEB128 value, returning it and the number of bytes read.
func ReadUleb128(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		if shift > 63 {
			return 0, 0, fmt.Errorf("uleb128 too big")
		}
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("malformed uleb128")
}

// ReadSleb128 decodes a signed LEB128 value, returning it and the number of bytes read.
func ReadSleb128(b []byte) (int64, int, error) {
	var result int64
	var shift uint
	for i, c := range b {
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("malformed sleb128")
}
