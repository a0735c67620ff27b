// Package strpool implements the LINKEDIT string table.
//
// Offset 0 holds a space so that no symbol ever has a zero string index and
// offset 1 is the shared empty string.
package strpool

import "bytes"

const chunkSize = 0x10000

// Pool is an append-only string table built out of fixed size chunks.
type Pool struct {
	chunks [][]byte
	size   uint32
	unique map[string]uint32
}

// New returns a pool holding only the reserved prefix.
func New() *Pool {
	p := &Pool{unique: make(map[string]uint32)}
	p.append([]byte{' ', 0})
	return p
}

// EmptyString is the offset of "".
func (p *Pool) EmptyString() uint32 { return 1 }

// Add appends s and returns its offset, even if s was added before.
func (p *Pool) Add(s string) uint32 {
	if s == "" {
		return p.EmptyString()
	}
	off := p.size
	p.append([]byte(s))
	p.append([]byte{0})
	return off
}

// AddUnique returns the offset of an earlier AddUnique of s, or appends it.
func (p *Pool) AddUnique(s string) uint32 {
	if s == "" {
		return p.EmptyString()
	}
	if off, ok := p.unique[s]; ok {
		return off
	}
	off := p.Add(s)
	p.unique[s] = off
	return off
}

// CurrentOffset is the offset the next added string will get.
func (p *Pool) CurrentOffset() uint32 { return p.size }

// Size is the unpadded size of the table.
func (p *Pool) Size() uint32 { return p.size }

// Align pads the table with zeros to a multiple of align.
func (p *Pool) Align(align uint32) {
	for align > 1 && p.size%align != 0 {
		p.append([]byte{0})
	}
}

// CopyTo writes the table into b, which must hold Size() bytes.
func (p *Pool) CopyTo(b []byte) int {
	n := 0
	for _, c := range p.chunks {
		n += copy(b[n:], c)
	}
	return n
}

// Bytes returns a flattened copy of the table.
func (p *Pool) Bytes() []byte {
	b := make([]byte, p.size)
	p.CopyTo(b)
	return b
}

// StringAt returns the string stored at off.
func (p *Pool) StringAt(off uint32) (string, bool) {
	if off >= p.size {
		return "", false
	}
	base := uint32(0)
	for i, c := range p.chunks {
		if off < base+uint32(len(c)) {
			var buf []byte
			rest := c[off-base:]
			for {
				if j := bytes.IndexByte(rest, 0); j >= 0 {
					return string(append(buf, rest[:j]...)), true
				}
				buf = append(buf, rest...)
				i++
				if i >= len(p.chunks) {
					return string(buf), true
				}
				rest = p.chunks[i]
			}
		}
		base += uint32(len(c))
	}
	return "", false
}

func (p *Pool) append(b []byte) {
	for len(b) > 0 {
		if len(p.chunks) == 0 || len(p.chunks[len(p.chunks)-1]) == chunkSize {
			p.chunks = append(p.chunks, make([]byte, 0, chunkSize))
		}
		last := &p.chunks[len(p.chunks)-1]
		n := min(chunkSize-len(*last), len(b))
		*last = append(*last, b[:n]...)
		b = b[n:]
		p.size += uint32(n)
	}
}
