package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/task-orchestrator/handoff/internal/bus"
	"github.com/task-orchestrator/handoff/internal/clock"
	"github.com/task-orchestrator/handoff/internal/messaging"
	"github.com/task-orchestrator/handoff/internal/persistence"
	"github.com/task-orchestrator/handoff/internal/scheduler"
)

// Engine is the reconciliation loop plus the internal and flex pipelines.
// A single instance is assumed per deployment: running two Engines against
// the same store concurrently would double-send greetings, pings, and
// closures, since nothing here takes a lease or compare-and-set on
// greeting_sent_at. Scaling out requires leader election or a conditional
// write the store doesn't currently support.
type Engine struct {
	store    *persistence.Store
	provider messaging.Provider
	sched    *scheduler.Scheduler
	clock    clock.Clock
	bus      *bus.Bus
	logger   *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	running atomic.Bool // non-overlapping tick guard

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastTickErr atomic.Value // string

	warnOnceMu sync.Mutex
	warnedOnce map[string]struct{}

	workerNameMu    sync.Mutex
	workerNameCache map[string]string
}

// New constructs an Engine. clk and eventBus may be nil.
func New(store *persistence.Store, provider messaging.Provider, clk clock.Clock, eventBus *bus.Bus, logger *slog.Logger, cfg Config) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:           store,
		provider:        provider,
		clock:           clk,
		bus:             eventBus,
		logger:          logger,
		cfg:             cfg,
		warnedOnce:      make(map[string]struct{}),
		workerNameCache: make(map[string]string),
	}
	e.sched = scheduler.New(clk, logger)
	e.lastTickErr.Store("")
	return e
}

// Scheduler exposes the inactivity scheduler for the ops status surface.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// config returns a copy of the current configuration.
func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig swaps the engine's toggles at runtime (config hot-reload). The
// next tick picks up the new values; the dispatcher re-reads the poll
// interval between ticks.
func (e *Engine) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

// LastTickError returns the error from the most recent tick, or "".
func (e *Engine) LastTickError() string {
	v, _ := e.lastTickErr.Load().(string)
	return v
}

// Start launches the reconciliation dispatcher: one tick every
// PollInterval, non-overlapping. A TASKS_AUTO_ENABLED=false
// deployment still runs the dispatcher but every tick is a no-op, so a
// config hot-reload can enable the loop without a restart.
func (e *Engine) Start(ctx context.Context) {
	if !e.config().Enabled {
		e.logger.Info("orchestrator: disabled via config, ticks will no-op until re-enabled")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.dispatchLoop(ctx)
}

// Stop cancels the dispatcher, waits for the in-flight tick to finish, and
// cancels every armed scheduler entry. In-flight timer callbacks started
// before Stop may still complete or be abandoned; no data integrity relies
// on them finishing, since the next startup's tick re-derives state from
// the store.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.sched.CancelAll()
	})
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	timer := time.NewTimer(e.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.maybeTick(ctx)
			timer.Reset(e.pollInterval())
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	interval := e.config().PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// maybeTick drops the tick if a previous one is still running.
func (e *Engine) maybeTick(ctx context.Context) {
	if !e.config().Enabled {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	defer e.running.Store(false)

	start := e.clock.Now()
	source, err := e.tick(ctx)
	dur := e.clock.Now().Sub(start)

	errStr := ""
	if err != nil {
		errStr = err.Error()
		e.logger.Warn("orchestrator: tick error", "error", err, "source", source)
	}
	e.lastTickErr.Store(errStr)
	e.publish(bus.TopicTickCompleted, bus.TickEvent{
		Source:     source,
		DurationMS: dur.Milliseconds(),
		Error:      errStr,
	})
}

// tick picks the pipeline(s) for this round: in auto mode, flex is attempted
// first; if it produced work, or mode is flex, the tick stops there;
// otherwise internal processing runs.
func (e *Engine) tick(ctx context.Context) (source string, err error) {
	mode := e.config().Source
	if mode == "" {
		mode = SourceAuto
	}

	if mode != SourceInternal {
		didWork, ferr := e.processFlex(ctx)
		if ferr != nil {
			err = ferr
		}
		if didWork || mode == SourceFlex {
			return "flex", err
		}
	}

	if mode != SourceFlex {
		if ierr := e.processInternal(ctx); ierr != nil {
			if err == nil {
				err = ierr
			}
		}
		return "internal", err
	}
	return "none", err
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

// warnOnce logs a warning the first time it's called for a given key and
// silently no-ops on every subsequent call with that key, so a standing
// misconfiguration or an operator who hasn't joined yet produces one log
// line instead of one per tick.
func (e *Engine) warnOnce(key, msg string, args ...any) {
	e.warnOnceMu.Lock()
	_, seen := e.warnedOnce[key]
	if !seen {
		e.warnedOnce[key] = struct{}{}
	}
	e.warnOnceMu.Unlock()
	if !seen {
		e.logger.Warn(msg, args...)
	}
}

func (e *Engine) cachedWorkerName(workerSid string) (string, bool) {
	e.workerNameMu.Lock()
	defer e.workerNameMu.Unlock()
	name, ok := e.workerNameCache[workerSid]
	return name, ok
}

func (e *Engine) setCachedWorkerName(workerSid, name string) {
	e.workerNameMu.Lock()
	defer e.workerNameMu.Unlock()
	e.workerNameCache[workerSid] = name
}
