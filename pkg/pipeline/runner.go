package pipeline

import (
	"context"
	"time"

	"github.com/harunnryd/voiceprint/pkg/runner"
)

type Runner struct {
	lc *runner.LifecycleRunner
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }

type DrainerFunc func() error

func (r DrainerFunc) Drain() error { return r() }

// NewDrainRunner wraps drainer in a lifecycle runner that calls it on
// shutdown, bounded by timeout.
func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	lc := runner.NewLifecycleRunner(drainer, hooks, timeout)
	return &Runner{lc: lc}
}
