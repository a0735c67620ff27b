// Package chained encodes dyld chained fixup pointers and the LC_DYLD_CHAINED_FIXUPS payload.
package chained

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-macho/pkg/fixupchains"
)

// Format is a dyld_chained_starts_in_segment pointer_format.
type Format = fixupchains.DCPtrKind

var (
	// ErrTargetRange is returned when a rebase target does not fit the format.
	ErrTargetRange = errors.New("chained rebase target out of range")
	// ErrOrdinalRange is returned when a bind ordinal does not fit the format.
	ErrOrdinalRange = errors.New("chained bind ordinal out of range")
	// ErrNextRange is returned when two fixups are too far apart to link.
	ErrNextRange = errors.New("chained fixup too far from previous fixup")
)

// Auth is the pointer authentication payload of an arm64e pointer.
type Auth struct {
	Key       uint8
	Diversity uint16
	AddrDiv   bool
}

// Rebase is a pointer into the image.
type Rebase struct {
	// Target is a vmaddr or an offset from the image base, see TargetIsOffset.
	Target uint64
	High8  uint8
	Auth   *Auth
}

// Bind is a pointer to an imported symbol.
type Bind struct {
	Ordinal uint32
	Addend  int64
	Auth    *Auth
}

// Supported reports whether the encoder handles f.
func Supported(f Format) bool {
	switch f {
	case fixupchains.DYLD_CHAINED_PTR_64, fixupchains.DYLD_CHAINED_PTR_64_OFFSET, fixupchains.DYLD_CHAINED_PTR_32,
		fixupchains.DYLD_CHAINED_PTR_ARM64E, fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND, fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return true
	}
	return false
}

func isARM64E(f Format) bool {
	return f == fixupchains.DYLD_CHAINED_PTR_ARM64E || f == fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND || f == fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24
}

// Stride is the unit of the next field in bytes.
func Stride(f Format) uint64 {
	if isARM64E(f) {
		return 8
	}
	return 4
}

// PointerSize is the slot width of the format.
func PointerSize(f Format) int {
	if f == fixupchains.DYLD_CHAINED_PTR_32 {
		return 4
	}
	return 8
}

// MaxNext is the largest encodable next value.
func MaxNext(f Format) uint64 {
	switch {
	case f == fixupchains.DYLD_CHAINED_PTR_32:
		return 1<<5 - 1
	case isARM64E(f):
		return 1<<11 - 1
	}
	return 1<<12 - 1
}

// TargetIsOffset reports whether rebase targets are image offsets rather than vmaddrs.
func TargetIsOffset(f Format, auth bool) bool {
	switch f {
	case fixupchains.DYLD_CHAINED_PTR_64_OFFSET, fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND, fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return true
	case fixupchains.DYLD_CHAINED_PTR_ARM64E:
		return auth
	}
	return false
}

// InlineAddend reports whether a bind addend can live in the pointer itself.
func InlineAddend(f Format, addend int64, auth bool) bool {
	switch {
	case auth:
		return addend == 0
	case f == fixupchains.DYLD_CHAINED_PTR_32:
		return addend >= 0 && addend < 1<<6
	case isARM64E(f):
		return addend >= -(1<<18) && addend < 1<<18
	}
	return addend >= 0 && addend < 1<<8
}

// MaxOrdinal is the largest bind ordinal of the format.
func MaxOrdinal(f Format) uint32 {
	switch f {
	case fixupchains.DYLD_CHAINED_PTR_32:
		return 1<<20 - 1
	case fixupchains.DYLD_CHAINED_PTR_ARM64E, fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND:
		return 1<<16 - 1
	}
	return 1<<24 - 1
}

// EncodeRebase packs r with a zero next field.
func EncodeRebase(f Format, r Rebase) (uint64, error) {
	if r.Auth != nil && !isARM64E(f) {
		return 0, fmt.Errorf("authenticated rebase in %d format", f)
	}
	switch {
	case f == fixupchains.DYLD_CHAINED_PTR_32:
		if r.Target >= 1<<26 {
			return 0, fmt.Errorf("%w: %#x exceeds 26 bits", ErrTargetRange, r.Target)
		}
		return r.Target, nil
	case isARM64E(f) && r.Auth != nil:
		if r.Target >= 1<<32 {
			return 0, fmt.Errorf("%w: %#x exceeds 32 bits", ErrTargetRange, r.Target)
		}
		v := r.Target | uint64(r.Auth.Diversity)<<32 | uint64(r.Auth.Key&3)<<49 | 1<<63
		if r.Auth.AddrDiv {
			v |= 1 << 48
		}
		return v, nil
	case isARM64E(f):
		if r.Target >= 1<<43 {
			return 0, fmt.Errorf("%w: %#x exceeds 43 bits", ErrTargetRange, r.Target)
		}
		return r.Target | uint64(r.High8)<<43, nil
	default:
		if r.Target >= 1<<36 {
			return 0, fmt.Errorf("%w: %#x exceeds 36 bits", ErrTargetRange, r.Target)
		}
		return r.Target | uint64(r.High8)<<36, nil
	}
}

// EncodeBind packs b with a zero next field. The addend must satisfy InlineAddend.
func EncodeBind(f Format, b Bind) (uint64, error) {
	if b.Ordinal > MaxOrdinal(f) {
		return 0, fmt.Errorf("%w: %d", ErrOrdinalRange, b.Ordinal)
	}
	if !InlineAddend(f, b.Addend, b.Auth != nil) {
		return 0, fmt.Errorf("addend %d cannot be inlined in format %d", b.Addend, f)
	}
	switch {
	case f == fixupchains.DYLD_CHAINED_PTR_32:
		return uint64(b.Ordinal) | uint64(b.Addend)<<20 | 1<<31, nil
	case isARM64E(f) && b.Auth != nil:
		v := uint64(b.Ordinal) | uint64(b.Auth.Diversity)<<32 | uint64(b.Auth.Key&3)<<49 | 1<<62 | 1<<63
		if b.Auth.AddrDiv {
			v |= 1 << 48
		}
		return v, nil
	case isARM64E(f):
		return uint64(b.Ordinal) | (uint64(b.Addend)&(1<<19-1))<<32 | 1<<62, nil
	default:
		return uint64(b.Ordinal) | uint64(b.Addend)<<24 | 1<<63, nil
	}
}

func nextShift(f Format) uint {
	if f == fixupchains.DYLD_CHAINED_PTR_32 {
		return 26
	}
	return 51
}

// SetNext stores the distance in strides to the next fixup of the page.
func SetNext(f Format, v, next uint64) (uint64, error) {
	if next > MaxNext(f) {
		return 0, fmt.Errorf("%w: %d strides", ErrNextRange, next)
	}
	shift := nextShift(f)
	return (v &^ (MaxNext(f) << shift)) | next<<shift, nil
}

// Next decodes the next field of an encoded pointer.
func Next(f Format, v uint64) uint64 {
	switch {
	case f == fixupchains.DYLD_CHAINED_PTR_32:
		return fixupchains.Generic32Next(uint32(v))
	case isARM64E(f):
		return fixupchains.DcpArm64eNext(v)
	}
	return fixupchains.Generic64Next(v)
}

// IsBind reports whether an encoded pointer is a bind.
func IsBind(f Format, v uint64) bool {
	switch {
	case f == fixupchains.DYLD_CHAINED_PTR_32:
		return fixupchains.Generic32IsBind(uint32(v))
	case isARM64E(f):
		return fixupchains.DcpArm64eIsBind(v)
	}
	return fixupchains.Generic64IsBind(v)
}

var formatNames = map[string]Format{
	"arm64e":            fixupchains.DYLD_CHAINED_PTR_ARM64E,
	"64":                fixupchains.DYLD_CHAINED_PTR_64,
	"32":                fixupchains.DYLD_CHAINED_PTR_32,
	"64-offset":         fixupchains.DYLD_CHAINED_PTR_64_OFFSET,
	"arm64e-userland":   fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND,
	"arm64e-userland24": fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24,
}

// ParseFormat maps a format name such as "64-offset" to its pointer format.
// The empty string is the zero Format, meaning the architecture default.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return 0, nil
	}
	if f, ok := formatNames[s]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unknown chained pointer format %q", s)
}
