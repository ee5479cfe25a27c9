// Package janitor sweeps the flex_tasks_by_conversation lookup table for
// rows whose task no longer exists, bounding the "entries may outlive their
// task" allowance on the reverse lookup.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/task-orchestrator/handoff/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the janitor.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	CronExpr string        // sweep schedule; defaults to every 6 hours
	Interval time.Duration // due-check interval; defaults to 1 minute
}

// Janitor periodically checks whether the configured cron schedule is due
// and, when it is, deletes orphaned conversation lookup rows.
type Janitor struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	schedule cronlib.Schedule

	mu        sync.Mutex
	nextRunAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Janitor with the given config. An invalid cron expression
// is reported via the returned error so a misconfigured deployment fails at
// startup, not silently at sweep time.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "0 */6 * * *"
	}
	sched, err := cronParser.Parse(expr)
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
	return &Janitor{
		store:     cfg.Store,
		logger:    logger,
		interval:  interval,
		schedule:  sched,
		nextRunAt: sched.Next(time.Now()),
	}, nil
}

// Start begins the janitor loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_run_at", j.NextRunAt())
}

// Stop cancels the janitor loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

// NextRunAt reports when the next sweep is scheduled.
func (j *Janitor) NextRunAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRunAt
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx, time.Now())
		}
	}
}

// tick fires the sweep when the schedule is due and advances nextRunAt.
func (j *Janitor) tick(ctx context.Context, now time.Time) {
	j.mu.Lock()
	due := !now.Before(j.nextRunAt)
	j.mu.Unlock()
	if !due {
		return
	}

	j.Sweep(ctx)

	j.mu.Lock()
	j.nextRunAt = j.schedule.Next(now)
	j.mu.Unlock()
}

// Sweep deletes orphaned lookup rows once, immediately. Exposed so tests
// and operators can force a sweep without waiting for the schedule.
func (j *Janitor) Sweep(ctx context.Context) {
	n, err := j.store.DeleteOrphanedConversationLookups(ctx)
	if err != nil {
		j.logger.Error("janitor: sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("janitor: removed orphaned conversation lookups", "count", n)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
