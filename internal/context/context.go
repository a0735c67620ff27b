// Package context provides the machlink context which is passed through the
// pipeline.
//
// The context extends the standard library context and adds the state of
// one build, so jobs can pick up what previous jobs produced without
// knowing each other.
package context

import (
	stdctx "context"
	"runtime"
	"time"

	"github.com/blacktop/machlink/internal/config"
	"github.com/blacktop/machlink/internal/plan"
	"github.com/blacktop/machlink/pkg/ld"
)

// Context carries along the state of one build through the jobs.
type Context struct {
	stdctx.Context
	Config *config.Config
	Plan   *plan.Plan
	Date   time.Time

	// Options and Input are converted from the plan and configuration.
	Options ld.Options
	Input   ld.Input
	// DeadStripped atoms are reported but not linked.
	DeadStripped []*ld.Atom
	// Result is the linked image, set by the link job.
	Result *ld.Result
	// Written is the path the image was written to.
	Written string

	Version string
	Runtime Runtime
}

// Runtime is the host the build ran on.
type Runtime struct {
	Goos   string
	Goarch string
}

// New context.
func New(cfg *config.Config, p *plan.Plan) *Context {
	return Wrap(stdctx.Background(), cfg, p)
}

// NewWithTimeout new context with the given timeout.
func NewWithTimeout(cfg *config.Config, p *plan.Plan, timeout time.Duration) (*Context, stdctx.CancelFunc) {
	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), timeout)
	return Wrap(ctx, cfg, p), cancel
}

// Wrap wraps an existing context.
func Wrap(ctx stdctx.Context, cfg *config.Config, p *plan.Plan) *Context {
	return &Context{
		Context: ctx,
		Config:  cfg,
		Plan:    p,
		Date:    time.Now(),
		Runtime: Runtime{
			Goos:   runtime.GOOS,
			Goarch: runtime.GOARCH,
		},
	}
}

// OutputPath is where the image goes: the configured output, else the plan's.
func (c *Context) OutputPath() string {
	if c.Config != nil && c.Config.Link.Output != "" {
		return c.Config.Link.Output
	}
	if c.Plan != nil {
		return c.Plan.Output
	}
	return ""
}
