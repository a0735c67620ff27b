package ld

import (
	"errors"
	"fmt"
)

var (
	// ErrRange marks a displacement or value that does not fit its encoding.
	ErrRange = errors.New("out of range")
	// ErrTextReloc marks an absolute pointer in a segment dyld cannot write.
	ErrTextReloc = errors.New("illegal text relocation")
	// ErrUnaligned marks a pointer slot that is not pointer aligned.
	ErrUnaligned = errors.New("unaligned pointer")
	// ErrBufferTooSmall marks content that does not fit its reserved space.
	ErrBufferTooSmall = errors.New("buffer too small")
	// ErrOrdinal marks a duplicate or conflicting ordinal assignment.
	ErrOrdinal = errors.New("ordinal conflict")
	// ErrUnbound marks a fixup whose target cannot be resolved.
	ErrUnbound = errors.New("unbound target")
)

// RangeError is a displacement that does not fit an instruction field.
type RangeError struct {
	Atom    string
	Target  string
	Kind    FixupKind
	Value   int64
	Min     int64
	Max     int64
	Address uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s in %s at %#x to %s: %#x not in [%#x, %#x]",
		e.Kind, e.Atom, e.Address, e.Target, e.Value, e.Min, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// FixupError attaches the offending atom and target to a fixup failure.
type FixupError struct {
	Atom   string
	Target string
	Offset uint32
	Err    error
}

func (e *FixupError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("fixup at %s+%#x: %v", e.Atom, e.Offset, e.Err)
	}
	return fmt.Sprintf("fixup at %s+%#x to %s: %v", e.Atom, e.Offset, e.Target, e.Err)
}

func (e *FixupError) Unwrap() error { return e.Err }
