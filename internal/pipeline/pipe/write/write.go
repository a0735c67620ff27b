// Package write puts the linked image on disk.
package write

import (
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/output"
	"github.com/blacktop/machlink/pkg/ld"
	"github.com/pkg/errors"
)

// Pipe for write.
type Pipe struct{}

func (Pipe) String() string { return "writing image" }

// Run writes the image. Everything but relocatable objects is executable.
func (Pipe) Run(ctx *context.Context) error {
	path := ctx.OutputPath()
	if err := output.Write(path, ctx.Result.Image, ctx.Options.OutputKind != ld.OutputObject); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	ctx.Written = path
	return nil
}
