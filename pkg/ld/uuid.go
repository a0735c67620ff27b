package ld

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/machlink/pkg/macho"
	"github.com/google/uuid"
)

// assignUUID fills in LC_UUID once the image is otherwise final.
func (l *Linker) assignUUID() error {
	if l.opts.UUID == UUIDNone || !l.opts.finalImage() {
		return nil
	}
	var id uuid.UUID
	switch l.opts.UUID {
	case UUIDRandom:
		id = uuid.New()
	default:
		regions, err := l.uuidExclusions()
		if err != nil {
			return err
		}
		id = contentUUID(l.image.Bytes(), regions)
	}
	if err := l.PatchUUID(id); err != nil {
		return err
	}
	log.WithField("uuid", id.String()).Debug("uuid")
	return nil
}

// contentUUID is an MD5 over data with the given [offset, size) regions
// skipped, stamped as a version 3 UUID.
func contentUUID(data []byte, skip [][2]uint64) uuid.UUID {
	h := md5.New()
	var pos uint64
	for _, r := range skip {
		if r[0] < pos || r[0] > uint64(len(data)) {
			continue
		}
		h.Write(data[pos:r[0]])
		pos = min(r[0]+r[1], uint64(len(data)))
	}
	h.Write(data[pos:])
	var id uuid.UUID
	copy(id[:], h.Sum(nil))
	id[6] = id[6]&0x0F | 0x30
	id[8] = id[8]&0x3F | 0x80
	return id
}

// uuidExclusions lists the bytes that may differ between two builds of the
// same code: debug notes and the sizes that grow with them.
func (l *Linker) uuidExclusions() ([][2]uint64, error) {
	var out [][2]uint64
	if off, size := l.stabRange(); size > 0 {
		out = append(out, [2]uint64{off, size})
	}
	if off, size := l.stabStringRange(); size > 0 {
		out = append(out, [2]uint64{off, size})
	}
	if len(out) > 0 {
		fields, err := l.linkeditSizeFields()
		if err != nil {
			return nil, err
		}
		out = append(out, fields...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	l.varyRegions = out
	return out, nil
}

// linkeditSizeFields locates the __LINKEDIT vmsize and filesize fields and
// the string table size in the written load commands.
func (l *Linker) linkeditSizeFields() ([][2]uint64, error) {
	b := l.image.Bytes()
	base := l.headerSection.fileOffset
	off := base + uint64(macho.HeaderSize(l.traits))
	end := off + uint64(l.loadCommandsSize())
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("%w: load commands past end of image", ErrBufferTooSmall)
	}
	var out [][2]uint64
	for off+8 <= end {
		cmd := types.LoadCmd(l.order.Uint32(b[off:]))
		size := uint64(l.order.Uint32(b[off+4:]))
		if size < 8 || off+size > end {
			return nil, fmt.Errorf("malformed load command %s at %#x", cmd, off)
		}
		switch cmd {
		case types.LC_SEGMENT_64:
			if bytes.Equal(bytes.TrimRight(b[off+8:off+24], "\x00"), []byte("__LINKEDIT")) {
				out = append(out, [2]uint64{off + 32, 8}, [2]uint64{off + 48, 8})
			}
		case types.LC_SEGMENT:
			if bytes.Equal(bytes.TrimRight(b[off+8:off+24], "\x00"), []byte("__LINKEDIT")) {
				out = append(out, [2]uint64{off + 28, 4}, [2]uint64{off + 36, 4})
			}
		case types.LC_SYMTAB:
			out = append(out, [2]uint64{off + 20, 4})
		}
		off += size
	}
	return out, nil
}
