package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/task-orchestrator/handoff/internal/persistence"
	"github.com/task-orchestrator/handoff/internal/templates"
)

// Domain errors the HTTP layer converts into 400 responses.
var (
	ErrTaskNotFound    = errors.New("orchestrator: task not found")
	ErrTaskNotAssigned = errors.New("orchestrator: task is not assigned")
)

// Assign hands the task to an operator: operator set, status to assigned,
// assignedAt stamped on first assignment only.
func (e *Engine) Assign(ctx context.Context, taskID, operatorID, operatorName string) error {
	err := e.store.AssignInternalTask(ctx, taskID, operatorID, operatorName, e.clock.Now())
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrTaskNotFound
	}
	return err
}

// StartHandoff is Assign plus, optionally, sending the greeting. Unlike
// the reconciliation pipeline, a failed greeting send fails the whole call;
// the operator asked for it explicitly and needs to know it did not go out.
func (e *Engine) StartHandoff(ctx context.Context, taskID, operatorID, operatorName string, sendGreeting bool) error {
	if err := e.Assign(ctx, taskID, operatorID, operatorName); err != nil {
		return err
	}
	if !sendGreeting {
		return nil
	}
	t, err := e.store.GetInternalTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	body := templates.Greeting(t.CustomerName, operatorName)
	if err := e.provider.SendSMS(ctx, t.CustomerContact, body); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	now := e.clock.Now()
	if err := e.store.SetInternalGreetingSent(ctx, taskID, now); err != nil {
		return err
	}
	e.sched.Schedule(taskID, now, e.onInternalPing, e.onInternalInactive)
	return nil
}

// RegisterGreeting records that a greeting already went out out-of-band:
// it opens the epoch and arms timers. Requires the task to be assigned.
func (e *Engine) RegisterGreeting(ctx context.Context, taskID string) error {
	t, err := e.store.GetInternalTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	if t.Status != persistence.InternalStatusAssigned {
		return ErrTaskNotAssigned
	}
	now := e.clock.Now()
	if err := e.store.SetInternalGreetingSent(ctx, taskID, now); err != nil {
		return err
	}
	e.sched.Schedule(taskID, now, e.onInternalPing, e.onInternalInactive)
	return nil
}

// MarkActivity records customer activity and cancels the task's timers.
func (e *Engine) MarkActivity(ctx context.Context, taskID string) error {
	err := e.store.MarkInternalActivity(ctx, taskID, e.clock.Now())
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	e.sched.Cancel(taskID)
	return nil
}
