package utils

import "strconv"

type IntName struct {
	I uint32
	S string
}

func StringName(i uint32, names []IntName, goSyntax bool) string {
	for _, n := range names {
		if n.I == i {
			if goSyntax {
				return "macho." + n.S
			}
			return n.S
		}
	}
	return strconv.FormatUint(uint64(i), 10)
}

// PutName copies name into a fixed 16 byte Mach-O name field, zero padded.
func PutName(b []byte, name string) {
	n := copy(b[:16], name)
	clear(b[n:16])
}
