package orchestrator

import (
	"context"
	"errors"

	"github.com/task-orchestrator/handoff/internal/persistence"
	"github.com/task-orchestrator/handoff/internal/templates"
)

// processInternal drives the internal (SMS) pipeline for every task
// FindInternalByStatus("assigned", batchSize) returns.
func (e *Engine) processInternal(ctx context.Context) error {
	batchSize := e.config().BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	tasks, err := e.store.FindInternalByStatus(ctx, persistence.InternalStatusAssigned, batchSize)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		e.processInternalTask(ctx, t)
	}
	return nil
}

func (e *Engine) processInternalTask(ctx context.Context, t persistence.InternalTask) {
	if t.Status != persistence.InternalStatusAssigned || t.OperatorID == nil {
		return
	}

	if t.GreetingSentAt != nil {
		e.reconcileGreetedInternal(t)
		return
	}

	e.greetInternalTask(ctx, t)
}

// reconcileGreetedInternal handles a task that was already greeted: it is
// either dormant (customer replied, or already closed this epoch) or needs
// its timers (re-)armed.
func (e *Engine) reconcileGreetedInternal(t persistence.InternalTask) {
	if t.LastCustomerActivityAt != nil && t.LastCustomerActivityAt.After(*t.GreetingSentAt) {
		e.sched.Cancel(t.ID)
		return
	}
	if t.InactiveSentAt != nil {
		e.sched.Cancel(t.ID)
		return
	}
	e.sched.Schedule(t.ID, *t.GreetingSentAt, e.onInternalPing, e.onInternalInactive)
}

// greetInternalTask sends the SMS greeting and opens the task's epoch.
func (e *Engine) greetInternalTask(ctx context.Context, t persistence.InternalTask) {
	operatorName := ""
	if t.OperatorName != nil {
		operatorName = *t.OperatorName
	}
	body := templates.Greeting(t.CustomerName, operatorName)
	if err := e.provider.SendSMS(ctx, t.CustomerContact, body); err != nil {
		e.logger.Warn("orchestrator: internal greeting send failed", "task_id", t.ID, "kind", ClassifyProviderError(err), "error", err)
		return
	}
	now := e.clock.Now()
	if err := e.store.SetInternalGreetingSent(ctx, t.ID, now); err != nil {
		e.logger.Warn("orchestrator: set internal greeting sent failed", "task_id", t.ID, "error", err)
		return
	}
	e.sched.Schedule(t.ID, now, e.onInternalPing, e.onInternalInactive)
}

// onInternalPing is the ping timer callback. It re-reads
// the row and checks every precondition before acting, since Cancel only
// prevents future firings; an already-started callback is not aborted
// mid-flight.
func (e *Engine) onInternalPing(taskID string) {
	ctx := context.Background()
	t, err := e.store.GetInternalTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("orchestrator: internal ping re-fetch failed", "task_id", taskID, "error", err)
		}
		return
	}
	if !internalPingPreconditionsMet(t) {
		return
	}
	body := templates.Ping(t.CustomerName)
	if err := e.provider.SendSMS(ctx, t.CustomerContact, body); err != nil {
		e.logger.Warn("orchestrator: internal ping send failed", "task_id", taskID, "kind", ClassifyProviderError(err), "error", err)
		return
	}
	if err := e.store.MarkInternalPingSent(ctx, taskID, e.clock.Now()); err != nil {
		e.logger.Warn("orchestrator: mark internal ping sent failed", "task_id", taskID, "error", err)
	}
}

func internalPingPreconditionsMet(t *persistence.InternalTask) bool {
	if t.Status != persistence.InternalStatusAssigned {
		return false
	}
	if t.GreetingSentAt == nil || t.PingSentAt != nil {
		return false
	}
	if t.LastCustomerActivityAt != nil && t.LastCustomerActivityAt.After(*t.GreetingSentAt) {
		return false
	}
	return true
}

// onInternalInactive is the inactivity timer callback: closure SMS, then
// the close write, then cancel.
func (e *Engine) onInternalInactive(taskID string) {
	ctx := context.Background()
	t, err := e.store.GetInternalTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("orchestrator: internal inactive re-fetch failed", "task_id", taskID, "error", err)
		}
		return
	}
	if !internalInactivePreconditionsMet(t) {
		return
	}
	body := templates.Closure(t.CustomerName)
	if err := e.provider.SendSMS(ctx, t.CustomerContact, body); err != nil {
		e.logger.Warn("orchestrator: internal closure send failed", "task_id", taskID, "kind", ClassifyProviderError(err), "error", err)
		return
	}
	now := e.clock.Now()
	if err := e.store.CloseInternalDueToInactivity(ctx, taskID, now); err != nil {
		e.logger.Warn("orchestrator: close internal task failed", "task_id", taskID, "error", err)
		return
	}
	e.sched.Cancel(taskID)
}

func internalInactivePreconditionsMet(t *persistence.InternalTask) bool {
	if t.Status != persistence.InternalStatusAssigned {
		return false
	}
	if t.GreetingSentAt == nil || t.InactiveSentAt != nil {
		return false
	}
	if t.LastCustomerActivityAt != nil && t.LastCustomerActivityAt.After(*t.GreetingSentAt) {
		return false
	}
	return true
}
