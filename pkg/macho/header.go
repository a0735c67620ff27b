package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

// HeaderSize returns the size of the mach_header for the given traits.
func HeaderSize(t Traits) uint32 {
	if t.Is64() {
		return FileHeaderSize64
	}
	return FileHeaderSize32
}

// A FileHeader represents a Mach-O file header.
type FileHeader struct {
	Magic  uint32
	Cpu    Cpu
	SubCpu uint32
	Type   types.HeaderFileType
	Ncmd   uint32
	Cmdsz  uint32
	Flags  types.HeaderFlag
}

// Put serializes the header into b, returning the number of bytes written.
func (h *FileHeader) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], h.Magic)
	o.PutUint32(b[4:], uint32(h.Cpu))
	o.PutUint32(b[8:], h.SubCpu)
	o.PutUint32(b[12:], uint32(h.Type))
	o.PutUint32(b[16:], h.Ncmd)
	o.PutUint32(b[20:], h.Cmdsz)
	o.PutUint32(b[24:], uint32(h.Flags))
	if h.Magic == uint32(types.Magic64) {
		o.PutUint32(b[28:], 0)
		return FileHeaderSize64
	}
	return FileHeaderSize32
}
