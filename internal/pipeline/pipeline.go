// Package pipeline runs the jobs of one build in a fixed order.
package pipeline

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/colors"
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/pipeline/middleware/errhandler"
	"github.com/blacktop/machlink/internal/pipeline/middleware/skip"
	"github.com/blacktop/machlink/internal/pipeline/pipe/link"
	"github.com/blacktop/machlink/internal/pipeline/pipe/prepare"
	"github.com/blacktop/machlink/internal/pipeline/pipe/report"
	"github.com/blacktop/machlink/internal/pipeline/pipe/verify"
	"github.com/blacktop/machlink/internal/pipeline/pipe/write"
)

// Job defines a pipe, which can be part of a pipeline (a series of pipes).
type Job interface {
	fmt.Stringer

	// Run the pipe
	Run(ctx *context.Context) error
}

// Pipeline contains all the jobs of a build.
var Pipeline = []Job{
	prepare.Pipe{}, // plan and config into linker input
	link.Pipe{},    // lay out and encode the image
	write.Pipe{},   // atomic write
	verify.Pipe{},  // parse the written image back
	report.Pipe{},  // map file and provenance
}

// Run runs the jobs in order and stops at the first failure.
func Run(ctx *context.Context) error {
	for _, job := range Pipeline {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info(colors.Job().Sprint(job.String()))
		if err := errhandler.Handle(job, skip.Maybe(job, job.Run))(ctx); err != nil {
			return err
		}
	}
	return nil
}
