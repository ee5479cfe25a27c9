// Package scheduler implements the Inactivity Scheduler: a map
// from task identifier to a cancellable (ping, inactive) timer pair, anchored
// to the greeting timestamp rather than to arm time so that a re-arm after a
// restart fires immediately if already overdue.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/task-orchestrator/handoff/internal/clock"
)

// PingOffset and InactiveOffset are the fixed delays from greetingSentAt
// the two timers are anchored to.
const (
	PingOffset     = 5 * time.Second
	InactiveOffset = 30 * time.Second
)

// Callback is invoked asynchronously when a deadline fires. Panics are
// contained by the scheduler; they must not take down the caller.
type Callback func(taskID string)

type entry struct {
	pingTimer     *time.Timer
	inactiveTimer *time.Timer
}

// Scheduler arms, cancels, and re-arms at most one (ping, inactive) pair per
// task id. Schedule/Cancel/Has are safe to call from any goroutine,
// including from within a firing callback (the inactive callback cancels
// itself on success).
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Scheduler. clk defaults to the real wall clock if nil.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		clock:   clk,
		logger:  logger,
	}
}

// Schedule arms two independent deadlines relative to greetingSentAt. If an
// entry already exists for taskID it is cancelled first, then re-armed, so
// Schedule after Has returns true with the same anchor time is a
// no-op with respect to actual firing times.
func (s *Scheduler) Schedule(taskID string, greetingSentAt time.Time, onPing, onInactive Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(taskID)

	now := s.clock.Now()
	pingDelay := delayUntil(greetingSentAt.Add(PingOffset), now)
	inactiveDelay := delayUntil(greetingSentAt.Add(InactiveOffset), now)

	e := &entry{}
	// A timer that already expired when Cancel or a re-Schedule stopped it
	// still runs its func; it only fires if e is still the armed entry.
	armed := func(cb Callback) func() {
		return func() {
			s.mu.Lock()
			current := s.entries[taskID] == e
			s.mu.Unlock()
			if current {
				s.fire(taskID, cb)
			}
		}
	}
	e.pingTimer = time.AfterFunc(pingDelay, armed(onPing))
	e.inactiveTimer = time.AfterFunc(inactiveDelay, armed(onInactive))
	s.entries[taskID] = e
}

// Cancel cancels both deadlines for taskID if present. Idempotent if absent.
// It is synchronous: once it returns, no future firing will occur for this
// entry until the next Schedule.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(taskID)
}

func (s *Scheduler) cancelLocked(taskID string) {
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	e.pingTimer.Stop()
	e.inactiveTimer.Stop()
	delete(s.entries, taskID)
}

// CancelAll cancels every armed entry. Used at shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, e := range s.entries {
		e.pingTimer.Stop()
		e.inactiveTimer.Stop()
		delete(s.entries, taskID)
	}
}

// Has reports whether taskID currently has an armed entry.
func (s *Scheduler) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

// Size returns the number of armed entries, used by the ops status surface.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(taskID string, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: callback panicked",
				"task_id", taskID,
				"panic", r,
			)
		}
	}()
	cb(taskID)
}

// delayUntil returns max(0, deadline-now).
func delayUntil(deadline, now time.Time) time.Duration {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
