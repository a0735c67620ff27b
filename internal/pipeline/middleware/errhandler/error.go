// Package errhandler decides which job errors end a build.
package errhandler

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/machlink/internal/context"
	"github.com/blacktop/machlink/internal/pipe"
	"github.com/blacktop/machlink/internal/pipeline/middleware"
	"github.com/pkg/errors"
)

// Handle logs skips of job at debug level and names job in every other
// error.
func Handle(job fmt.Stringer, action middleware.Action) middleware.Action {
	return func(ctx *context.Context) error {
		err := action(ctx)
		if err == nil {
			return nil
		}
		if pipe.IsSkip(err) {
			log.WithFields(log.Fields{
				"job":    job.String(),
				"reason": err.Error(),
			}).Debug("skipped")
			return nil
		}
		return errors.Wrapf(err, "%s failed", job)
	}
}
