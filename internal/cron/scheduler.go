// Package cron provides a periodic scheduler that autosaves the supervisor
// snapshot on a cron cadence.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) plus descriptors like @hourly and @every 5m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// SnapshotSaver persists the current supervisor state.
type SnapshotSaver interface {
	SaveState(ctx context.Context) error
}

// Config holds the dependencies for the autosave scheduler.
type Config struct {
	Saver    SnapshotSaver
	Logger   *slog.Logger
	CronExpr string        // autosave schedule; empty disables the scheduler
	Interval time.Duration // tick interval; defaults to 15 seconds if zero
}

// Scheduler ticks at a fixed interval and saves the supervisor snapshot
// whenever the configured cron schedule comes due.
type Scheduler struct {
	saver    SnapshotSaver
	logger   *slog.Logger
	cronExpr string
	interval time.Duration

	now     func() time.Time
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		saver:    cfg.Saver,
		logger:   logger,
		cronExpr: cfg.CronExpr,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown. A missing or invalid
// cron expression disables the loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cronExpr == "" {
		s.logger.Info("snapshot autosave disabled")
		return
	}
	next, err := NextRunTime(s.cronExpr, s.now())
	if err != nil {
		s.logger.Error("invalid autosave cron expression", "cron_expr", s.cronExpr, "error", err)
		return
	}
	s.nextRun = next

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("snapshot autosave scheduler started", "cron_expr", s.cronExpr, "next_run_at", s.nextRun)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("snapshot autosave scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick saves the snapshot when the schedule is due and advances the next run.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if now.Before(s.nextRun) {
		return
	}

	if err := s.saver.SaveState(ctx); err != nil {
		s.logger.Error("snapshot autosave failed", "error", err)
	} else {
		s.logger.Info("snapshot autosaved", "at", now)
	}

	next, err := NextRunTime(s.cronExpr, now)
	if err != nil {
		s.logger.Error("failed to compute next autosave time", "cron_expr", s.cronExpr, "error", err)
		return
	}
	s.nextRun = next
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
