// Package scheduler runs periodic background jobs until their context is
// cancelled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a named function run every Interval. A job that runs longer than
// its interval skips the ticks it missed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	// Immediate runs the job once at start before the first tick.
	Immediate bool
}

// Scheduler owns a fixed set of jobs.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// New validates jobs and returns a scheduler for them.
func New(logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	for _, j := range jobs {
		if j.Interval <= 0 {
			return nil, fmt.Errorf("job %q: interval must be positive", j.Name)
		}

		if j.Run == nil {
			return nil, fmt.Errorf("job %q: nil run func", j.Name)
		}
	}

	return &Scheduler{jobs: jobs, logger: logger}, nil
}

// Run starts every job and blocks until ctx is cancelled. It always
// returns nil once the jobs have stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(gctx, j)
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	logger := s.logger.With(slog.String("job", j.Name))
	logger.Debug("job scheduled", slog.Duration("interval", j.Interval))

	if j.Immediate {
		s.runOnce(ctx, logger, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("job stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, logger, j)
		}
	}
}

// runOnce keeps a panicking job from taking the process down.
func (s *Scheduler) runOnce(ctx context.Context, logger *slog.Logger, j Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", slog.Any("panic", r))
		}
	}()

	if ctx.Err() != nil {
		return
	}

	j.Run(ctx)
}
