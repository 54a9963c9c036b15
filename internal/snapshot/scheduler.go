// Package snapshot provides a periodic scheduler that takes point-in-time
// project state snapshots on a cron schedule.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/danhicks853/theappapp-sub002/internal/state"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) plus descriptors like "@hourly" and "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the snapshot scheduler.
type Config struct {
	Manager  *state.Manager
	Logger   *slog.Logger
	Schedule string        // cron expression
	Projects []string      // project ids to snapshot on each firing
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically snapshots the configured projects.
type Scheduler struct {
	manager  *state.Manager
	logger   *slog.Logger
	schedule cronlib.Schedule
	projects []string
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The cron expression is parsed eagerly so
// a bad schedule fails at startup, not at the first firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  cfg.Manager,
		logger:   logger,
		schedule: sched,
		projects: cfg.Projects,
		interval: interval,
		nextRun:  sched.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("snapshot scheduler started", "interval", s.interval, "projects", len(s.projects))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("snapshot scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.fire(ctx)
}

// fire snapshots every configured project. A failure on one project does not
// stop the rest.
func (s *Scheduler) fire(ctx context.Context) {
	for _, projectID := range s.projects {
		snap, err := s.manager.CreateSnapshot(ctx, projectID, "snapshot-scheduler", "scheduled")
		if err != nil {
			s.logger.Error("scheduled snapshot failed", "project_id", projectID, "error", err)
			continue
		}
		s.logger.Info("scheduled snapshot taken", "project_id", projectID, "snapshot_id", snap.ID)
	}
}

// NextRun reports when the schedule will next fire. Exposed for diagnostics.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
