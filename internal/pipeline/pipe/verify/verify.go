// Package verify reads the written image back and checks it.
package verify

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/machlink/internal/context"
	"github.com/pkg/errors"
)

// Pipe for verify.
type Pipe struct{}

func (Pipe) String() string                 { return "verifying image" }
func (Pipe) Skip(ctx *context.Context) bool { return !ctx.Config.Link.Verify }

// Run parses the file on disk and compares it with the link result.
func (Pipe) Run(ctx *context.Context) error {
	m, err := macho.Open(ctx.Written)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", ctx.Written)
	}
	defer m.Close()

	var want int
	for _, s := range ctx.Result.Sections {
		if s.Index() != 0 {
			want++
		}
	}
	if got := len(m.Sections); got != want {
		return fmt.Errorf("%s has %d sections, linked %d", ctx.Written, got, want)
	}

	lc := m.UUID()
	switch {
	case ctx.Result.UUID == [16]byte{}:
		if lc != nil {
			return fmt.Errorf("%s has LC_UUID %s, linked without one", ctx.Written, lc)
		}
	case lc == nil:
		return fmt.Errorf("%s has no LC_UUID", ctx.Written)
	case [16]byte(lc.UUID) != ctx.Result.UUID:
		return fmt.Errorf("%s has LC_UUID %s, linked %x", ctx.Written, lc, ctx.Result.UUID)
	}

	log.WithFields(log.Fields{
		"sections": want,
		"commands": m.NCommands,
	}).Info("verified")
	return nil
}
