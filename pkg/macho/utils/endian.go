package utils

import "encoding/binary"

// Get16 reads a 16 bit value in the given byte order.
func Get16(b []byte, o binary.ByteOrder) uint16 { return o.Uint16(b) }

// Get32 reads a 32 bit value in the given byte order.
func Get32(b []byte, o binary.ByteOrder) uint32 { return o.Uint32(b) }

// Get64 reads a 64 bit value in the given byte order.
func Get64(b []byte, o binary.ByteOrder) uint64 { return o.Uint64(b) }

// Set16 writes a 16 bit value in the given byte order.
func Set16(b []byte, v uint16, o binary.ByteOrder) { o.PutUint16(b, v) }

// Set32 writes a 32 bit value in the given byte order.
func Set32(b []byte, v uint32, o binary.ByteOrder) { o.PutUint32(b, v) }

// Set64 writes a 64 bit value in the given byte order.
func Set64(b []byte, v uint64, o binary.ByteOrder) { o.PutUint64(b, v) }

// GetPointer reads a pointer sized value.
func GetPointer(b []byte, size int, o binary.ByteOrder) uint64 {
	if size == 8 {
		return o.Uint64(b)
	}
	return uint64(o.Uint32(b))
}

// SetPointer writes a pointer sized value.
func SetPointer(b []byte, size int, v uint64, o binary.ByteOrder) {
	if size == 8 {
		o.PutUint64(b, v)
		return
	}
	o.PutUint32(b, uint32(v))
}
