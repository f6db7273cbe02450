// Package reaper periodically forgets terminal sessions that finished long
// enough ago. It only drops bookkeeping; workspace directories stay on disk.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Target is what the reaper prunes
type Target interface {
	ReapExpired(ctx context.Context, ttl time.Duration) ([]int, error)
}

// Reaper runs ReapExpired on a cron schedule
type Reaper struct {
	target   Target
	ttl      time.Duration
	log      *slog.Logger
	schedule cron.Schedule
	cron     *cron.Cron

	mu      sync.Mutex
	lastRun time.Time
	reaped  int
}

// ParseSchedule parses a standard five-field cron expression or a descriptor
// such as "@hourly" or "@every 30m"
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// New creates a Reaper for expr
func New(target Target, expr string, ttl time.Duration, log *slog.Logger) (*Reaper, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", expr, err)
	}
	return &Reaper{
		target:   target,
		ttl:      ttl,
		log:      log,
		schedule: schedule,
	}, nil
}

// RunOnce reaps expired sessions now and returns their PR numbers
func (r *Reaper) RunOnce(ctx context.Context) ([]int, error) {
	prs, err := r.target.ReapExpired(ctx, r.ttl)

	r.mu.Lock()
	r.lastRun = time.Now()
	r.reaped += len(prs)
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("reaping sessions failed", "error", err, "reaped", prs)
		return prs, err
	}
	if len(prs) > 0 {
		r.log.Info("reaped expired sessions", "prs", prs, "ttl", r.ttl)
	}
	return prs, nil
}

// Start runs the schedule in the background until Stop
func (r *Reaper) Start(ctx context.Context) {
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		_, _ = r.RunOnce(ctx)
	}))
	r.cron.Start()
	r.log.Debug("reaper started", "next", r.NextRun(), "ttl", r.ttl)
}

// Stop halts the schedule and waits for a running job
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// NextRun returns when the reaper fires next
func (r *Reaper) NextRun() time.Time {
	return r.schedule.Next(time.Now())
}

// Stats returns the time of the last run and the total reaped so far
func (r *Reaper) Stats() (lastRun time.Time, reaped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.reaped
}
