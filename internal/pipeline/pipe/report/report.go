// Package report writes the map file and the provenance record.
package report

import (
	"bytes"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/output"
	"github.com/blacktop/machlink/internal/pipe"
	"github.com/blacktop/machlink/internal/report"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Pipe for report.
type Pipe struct{}

func (Pipe) String() string { return "writing reports" }

// Run writes whichever reports are configured.
func (Pipe) Run(ctx *context.Context) error {
	var skips pipe.SkipMemento
	var g errgroup.Group

	if path := ctx.Config.Link.MapFile; path == "" {
		skips.Remember(pipe.Skip("no map file"))
	} else {
		g.Go(func() error {
			m := &report.Map{
				Path:         ctx.Written,
				Arch:         ctx.Options.Arch,
				Result:       ctx.Result,
				DeadStripped: ctx.DeadStripped,
			}
			return writeReport(path, "map file", m)
		})
	}

	if path := ctx.Config.Link.Provenance; path == "" {
		skips.Remember(pipe.Skip("no provenance file"))
	} else {
		g.Go(func() error {
			p := report.NewProvenance(ctx.Written, ctx.Options, ctx.Input, ctx.Result, ctx.Date, ctx.Version)
			return writeReport(path, "provenance", p)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return skips.Evaluate()
}

func writeReport(path, what string, r io.WriterTo) error {
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		return errors.Wrapf(err, "failed to render %s", what)
	}
	if err := output.Write(path, buf.Bytes(), false); err != nil {
		return errors.Wrapf(err, "failed to write %s", what)
	}
	log.WithField("path", path).Debugf("wrote %s", what)
	return nil
}
