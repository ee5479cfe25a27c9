package orchestrator

import (
	"context"
	"strings"
)

// MarkByContact is the internal-task activity sink: on an inbound message
// from a bare contact address, pick the most recently
// updated assigned task for that contact, record the activity, and cancel
// its timers. Repository errors are swallowed; the webhook must always
// answer success so the provider does not enter a retry loop.
func (e *Engine) MarkByContact(ctx context.Context, customerContact string) {
	tasks, err := e.store.FindAssignedByContact(ctx, customerContact)
	if err != nil {
		e.logger.Warn("orchestrator: activity lookup by contact failed", "contact", customerContact, "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	// FindAssignedByContact orders by updated_at descending; the first row is
	// the one that wins. Other tasks for the same contact keep their
	// timers.
	task := tasks[0]
	if err := e.store.MarkInternalActivity(ctx, task.ID, e.clock.Now()); err != nil {
		e.logger.Warn("orchestrator: mark activity by contact failed", "task_id", task.ID, "error", err)
		return
	}
	e.sched.Cancel(task.ID)
}

// MarkByConversationSid is the flex activity sink: classify the inbound
// author and, only when it is the customer, record activity and
// cancel the task's timers. Operator and automation messages are no-ops.
func (e *Engine) MarkByConversationSid(ctx context.Context, conversationSid, author string) {
	if strings.TrimSpace(author) == "" {
		return
	}
	t, err := e.store.GetFlexTaskByConversation(ctx, conversationSid)
	if err != nil {
		e.logger.Warn("orchestrator: activity lookup by conversation failed", "conversation_sid", conversationSid, "error", err)
		return
	}
	if !e.authorIsCustomer(t.CustomerAddress, t.CustomerFrom, t.WorkerName, t.WorkerSid, author) {
		return
	}
	if err := e.store.MarkFlexActivity(ctx, t.TaskSid, e.clock.Now()); err != nil {
		e.logger.Warn("orchestrator: mark flex activity failed", "task_sid", t.TaskSid, "error", err)
		return
	}
	e.sched.Cancel(t.TaskSid)
}

// authorIsCustomer classifies the inbound author: with known
// customer addresses the author must match one of them; without them,
// anything that is not the automation author and not the stored worker
// counts as the customer.
func (e *Engine) authorIsCustomer(customerAddress, customerFrom, workerName, workerSid *string, author string) bool {
	author = strings.TrimSpace(author)
	hasAddress := customerAddress != nil && *customerAddress != ""
	hasFrom := customerFrom != nil && *customerFrom != ""
	if hasAddress || hasFrom {
		if hasAddress && strings.EqualFold(author, *customerAddress) {
			return true
		}
		if hasFrom && strings.EqualFold(author, *customerFrom) {
			return true
		}
		return false
	}
	automationAuthor := e.config().AutomationAuthor
	if automationAuthor == "" {
		automationAuthor = "System"
	}
	if strings.EqualFold(author, automationAuthor) {
		return false
	}
	if workerName != nil && strings.EqualFold(author, *workerName) {
		return false
	}
	if workerSid != nil && strings.EqualFold(author, *workerSid) {
		return false
	}
	return true
}
