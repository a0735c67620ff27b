// Package pipe holds the skip signal shared by build phases and pipeline jobs.
package pipe

import (
	"errors"
	"fmt"
	"strings"
)

// IsSkip returns true if the error is an ErrSkip.
func IsSkip(err error) bool {
	return errors.As(err, &ErrSkip{})
}

// ErrSkip occurs when a phase or job does not apply to the current build.
type ErrSkip struct {
	reason string
}

// Error returns the reason the step was skipped.
func (e ErrSkip) Error() string {
	return e.reason
}

// Skip skips the current step with the given reason.
func Skip(reason string) ErrSkip {
	return ErrSkip{reason: reason}
}

// Skipf is Skip with a formatted reason.
func Skipf(format string, args ...any) ErrSkip {
	return Skip(fmt.Sprintf(format, args...))
}

// SkipMemento remembers previous skip errors so you can return them all at once later.
type SkipMemento struct {
	skips []string
}

// Remember a skip. Errors that are not skips are ignored.
func (e *SkipMemento) Remember(err error) {
	if !IsSkip(err) {
		return
	}
	for _, skip := range e.skips {
		if skip == err.Error() {
			return
		}
	}
	e.skips = append(e.skips, err.Error())
}

// Evaluate return a skip error with all previous skips, or nil if none happened.
func (e *SkipMemento) Evaluate() error {
	if len(e.skips) == 0 {
		return nil
	}
	return Skip(strings.Join(e.skips, ", "))
}
