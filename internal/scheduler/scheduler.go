// Package scheduler runs the delivery pass on a cron schedule inside the
// server process.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"nudgeline/internal/config"
	"nudgeline/internal/domain"
)

type Runner interface {
	WakeSnoozed(ctx context.Context, now time.Time) (int, error)
	ProcessDueNudges(ctx context.Context, now time.Time) (domain.ProcessStats, error)
}

type Scheduler struct {
	Runner  Runner
	Timeout time.Duration
	Logger  *log.Logger
	Now     func() time.Time

	cron *cron.Cron
}

// New registers the delivery job; an overlapping tick is skipped while the
// previous run is still going.
func New(r Runner, cfg config.SchedulerConfig, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Default()
	}
	cl := cron.PrintfLogger(logger)
	s := &Scheduler{
		Runner:  r,
		Timeout: cfg.RunTimeout.Std(),
		Logger:  logger,
		Now:     time.Now,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(cfg.Cron, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.Logger.Printf("scheduler: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid scheduler cron %q: %w", cfg.Cron, err)
	}
	return s, nil
}

// RunOnce wakes due snoozed nudges and runs one delivery pass.
func (s *Scheduler) RunOnce(ctx context.Context) (domain.ProcessStats, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	now := s.Now()
	if _, err := s.Runner.WakeSnoozed(ctx, now); err != nil {
		s.Logger.Printf("scheduler: %v", err)
	}
	return s.Runner.ProcessDueNudges(ctx, now)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.Logger.Println("scheduler started")
}

// Stop halts the schedule and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
