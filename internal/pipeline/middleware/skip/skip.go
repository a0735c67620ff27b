// Package skip lets a job opt out of a build before it runs.
package skip

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/pipeline/middleware"
)

// Skipper is a job that is not needed by every build.
type Skipper interface {
	// Skip reports whether the current build does not need the job.
	Skip(ctx *context.Context) bool
	fmt.Stringer
}

// Maybe wraps next so it does not run when job is a Skipper that asks to be
// skipped. Other jobs always run.
func Maybe(job any, next middleware.Action) middleware.Action {
	s, ok := job.(Skipper)
	if !ok {
		return next
	}
	return func(ctx *context.Context) error {
		if s.Skip(ctx) {
			log.WithField("job", s.String()).Debug("not needed")
			return nil
		}
		return next(ctx)
	}
}
