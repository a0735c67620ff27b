// Package prepare turns the link plan and configuration into linker input.
package prepare

import (
	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/context"
	"github.com/pkg/errors"
)

// Pipe for prepare.
type Pipe struct{}

func (Pipe) String() string { return "preparing link" }

// Run converts the plan. Configured knobs override the plan's.
func (Pipe) Run(ctx *context.Context) error {
	if ctx.Plan == nil {
		return errors.New("no link plan")
	}
	if ctx.OutputPath() == "" {
		return errors.New("no output path: set output in the plan or pass --output")
	}
	opts, err := ctx.Plan.LinkOptions()
	if err != nil {
		return errors.Wrap(err, "plan options")
	}
	if err := ctx.Config.Apply(&opts); err != nil {
		return errors.Wrap(err, "config")
	}
	in, dead, err := ctx.Plan.Convert()
	if err != nil {
		return errors.Wrap(err, "plan")
	}
	ctx.Options = opts
	ctx.Input = in
	ctx.DeadStripped = dead

	var atoms int
	for _, s := range in.Sections {
		atoms += len(s.Atoms)
	}
	log.WithFields(log.Fields{
		"arch":     opts.Arch,
		"kind":     opts.OutputKind,
		"fixups":   opts.FixupMode,
		"sections": len(in.Sections),
		"atoms":    atoms,
		"dylibs":   len(in.Dylibs),
	}).Debug("link input")
	return nil
}
