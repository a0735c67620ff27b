// Package buffer provides the fixed size arena the linker lays a file image
// out in. Writers borrow bounds-checked Cursors over disjoint byte ranges so
// sections can be filled independently.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrOutOfRange is returned when a range falls outside the image.
	ErrOutOfRange = errors.New("buffer: range out of bounds")
	// ErrOverlap is returned when a range intersects an outstanding cursor.
	ErrOverlap = errors.New("buffer: range overlaps an outstanding cursor")
)

type span struct {
	off, end uint64
}

// Image is a file image of fixed size. The zero value is an empty image.
type Image struct {
	d []byte

	mu      sync.Mutex
	claimed []span
}

// NewImage allocates a zeroed image of the given size.
func NewImage(size uint64) *Image {
	return &Image{d: make([]byte, size)}
}

// Wrap uses b as the image backing store, e.g. a memory mapped file.
func Wrap(b []byte) *Image {
	return &Image{d: b}
}

// Bytes returns the underlying data.
func (img *Image) Bytes() []byte { return img.d }

// Size returns the image length.
func (img *Image) Size() int64 { return int64(len(img.d)) }

func (img *Image) check(off, size uint64) error {
	if off > uint64(len(img.d)) || size > uint64(len(img.d))-off {
		return fmt.Errorf("%w: [%#x, %#x) in image of %#x bytes", ErrOutOfRange, off, off+size, len(img.d))
	}
	return nil
}

// Cursor claims [off, off+size) for exclusive writing until Close.
func (img *Image) Cursor(off, size uint64) (*Cursor, error) {
	if err := img.check(off, size); err != nil {
		return nil, err
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	want := span{off, off + size}
	i := sort.Search(len(img.claimed), func(i int) bool { return img.claimed[i].end > want.off })
	if size > 0 && i < len(img.claimed) && img.claimed[i].off < want.end {
		c := img.claimed[i]
		return nil, fmt.Errorf("%w: [%#x, %#x) and [%#x, %#x)", ErrOverlap, want.off, want.end, c.off, c.end)
	}
	if size > 0 {
		img.claimed = append(img.claimed, span{})
		copy(img.claimed[i+1:], img.claimed[i:])
		img.claimed[i] = want
	}
	return &Cursor{img: img, base: off, d: img.d[off : off+size : off+size]}, nil
}

func (img *Image) release(off, size uint64) {
	img.mu.Lock()
	defer img.mu.Unlock()
	for i, c := range img.claimed {
		if c.off == off && c.end == off+size {
			img.claimed = append(img.claimed[:i], img.claimed[i+1:]...)
			return
		}
	}
}

// ReadAt implements the io.ReaderAt interface.
func (img *Image) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("buffer.Image.ReadAt: negative offset")
	}
	if off >= int64(len(img.d)) {
		return 0, io.EOF
	}
	n = copy(b, img.d[off:])
	if n < len(b) {
		err = io.EOF
	}
	return
}

// WriteAt implements the io.WriterAt interface. Unlike a growable buffer it
// never extends the image.
func (img *Image) WriteAt(dat []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("buffer.Image.WriteAt: negative offset")
	}
	if err := img.check(uint64(off), uint64(len(dat))); err != nil {
		return 0, err
	}
	return copy(img.d[off:], dat), nil
}

// Cursor is a bounds-checked window onto part of an Image.
type Cursor struct {
	img  *Image
	base uint64
	d    []byte
}

// Offset is the cursor's file offset within the image.
func (c *Cursor) Offset() uint64 { return c.base }

// Len is the size of the window.
func (c *Cursor) Len() uint64 { return uint64(len(c.d)) }

// Bytes exposes the whole window.
func (c *Cursor) Bytes() []byte { return c.d }

// Slice returns n bytes at a window relative offset.
func (c *Cursor) Slice(off, n uint64) ([]byte, error) {
	if off > uint64(len(c.d)) || n > uint64(len(c.d))-off {
		return nil, fmt.Errorf("%w: [%#x, %#x) in cursor of %#x bytes at %#x", ErrOutOfRange, off, off+n, len(c.d), c.base)
	}
	return c.d[off : off+n : off+n], nil
}

// WriteAt copies p into the window at off.
func (c *Cursor) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("buffer.Cursor.WriteAt: negative offset")
	}
	b, err := c.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Close releases the claimed range.
func (c *Cursor) Close() error {
	if c.img != nil {
		c.img.release(c.base, uint64(len(c.d)))
		c.img = nil
	}
	return nil
}
