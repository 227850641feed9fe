// Package housekeeping runs the periodic sweep spec.md §5 describes:
// "a periodic task scans subscriptions for expired permissions and
// closes their streams." It wraps robfig/cron/v3 the way
// SPEC_FULL.md's domain stack elects it for this concern, and shuts
// down when Stop is called or when the context given to Start is
// cancelled.
package housekeeping

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner drives a *subscriptions.Engine's expiry sweep on a cron
// schedule until Stop is called.
type Runner struct {
	sweep    func() int
	log      *zap.Logger
	schedule string

	cron *cron.Cron
}

// New builds a Runner that calls sweep (normally
// engine.SweepExpired(time.Now)) on the given cron schedule, e.g.
// "@every 30s".
func New(schedule string, sweep func() int, log *zap.Logger) *Runner {
	return &Runner{sweep: sweep, log: log, schedule: schedule}
}

// Start schedules the sweep and returns once it is running. Stop (or
// cancelling ctx) ends it.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.runOnce); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Runner) runOnce() {
	n := r.sweep()
	if n > 0 && r.log != nil {
		r.log.Info("housekeeping: closed expired subscriptions", zap.Int("count", n))
	}
}
