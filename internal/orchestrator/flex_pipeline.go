package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/task-orchestrator/handoff/internal/messaging"
	"github.com/task-orchestrator/handoff/internal/persistence"
	"github.com/task-orchestrator/handoff/internal/templates"
)

const warnKeyWorkspace = "flex.workspace"

// processFlex drives the flex pipeline for one tick. The
// returned bool reports whether the pipeline produced work; in auto mode it
// decides whether internal processing still runs this tick.
func (e *Engine) processFlex(ctx context.Context) (bool, error) {
	workspaceSid, ok, err := e.resolveWorkspace(ctx)
	if err != nil {
		if isNotConfigured(err) {
			e.warnOnce(warnKeyWorkspace, "orchestrator: flex pipeline not configured", "kind", KindNotConfigured)
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}

	limit := e.config().FlexPollLimit
	if limit <= 0 {
		limit = 50
	}
	tasks, err := e.provider.ListAssignedTasks(ctx, workspaceSid, messaging.ListTasksOptions{
		Statuses: []string{"assigned", "reserved"},
		Limit:    limit,
	})
	if err != nil {
		if isNotConfigured(err) {
			e.warnOnce(warnKeyWorkspace, "orchestrator: flex pipeline not configured", "kind", KindNotConfigured)
			return false, nil
		}
		return false, err
	}

	processed := 0
	for _, task := range tasks {
		if e.processFlexTask(ctx, task) {
			processed++
		}
	}
	return processed > 0, nil
}

// resolveWorkspace returns the configured workspace sid, or auto-detects it:
// a single workspace wins outright, otherwise a single workspace whose
// friendly name contains "flex". When neither rule
// applies the pipeline warns once and reports "nothing processed".
func (e *Engine) resolveWorkspace(ctx context.Context) (string, bool, error) {
	if ws := e.config().Workspace; ws != "" {
		return ws, true, nil
	}
	workspaces, err := e.provider.ListWorkspaces(ctx)
	if err != nil {
		return "", false, err
	}
	if len(workspaces) == 1 {
		return workspaces[0].Sid, true, nil
	}
	var flexLike []messaging.Workspace
	for _, ws := range workspaces {
		if strings.Contains(strings.ToLower(ws.FriendlyName), "flex") {
			flexLike = append(flexLike, ws)
		}
	}
	if len(flexLike) == 1 {
		return flexLike[0].Sid, true, nil
	}
	e.warnOnce(warnKeyWorkspace, "orchestrator: cannot resolve flex workspace", "workspaces", len(workspaces))
	return "", false, nil
}

// processFlexTask handles one provider task end to end. It
// reports whether the task made it past the filters and was actually
// processed (base state upserted).
func (e *Engine) processFlexTask(ctx context.Context, task messaging.ProviderTask) bool {
	attrs := parseAttributes(task.Attributes)

	conversationSid, ok := conversationSidFromAttributes(attrs)
	if !ok {
		return false // non-Conversations channel
	}

	reservations, err := e.provider.ListAcceptedReservations(ctx, task.Sid, 1)
	if err != nil {
		e.logger.Warn("orchestrator: list reservations failed", "task_sid", task.Sid, "kind", ClassifyProviderError(err), "error", err)
		return false
	}
	if len(reservations) == 0 {
		return false
	}
	reservation := reservations[0]

	customerName := customerNameFromAttributes(attrs)
	customerAddress := customerAddressFromAttributes(attrs)
	customerFrom := customerFromFromAttributes(attrs)
	channelType := channelTypeFromAttributes(attrs)
	fallbackName := fallbackWorkerName(reservation.WorkerName)

	existing, err := e.store.GetFlexTask(ctx, task.Sid)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		e.logger.Warn("orchestrator: flex task read failed", "task_sid", task.Sid, "error", err)
		return false
	}

	workerName := e.resolveWorkerName(ctx, existing, reservation.WorkerSid, fallbackName)

	state := persistence.FlexBaseState{
		TaskSid:              task.Sid,
		ConversationSid:      &conversationSid,
		ChannelType:          optString(channelType),
		CustomerName:         &customerName,
		CustomerAddress:      optString(customerAddress),
		CustomerFrom:         optString(customerFrom),
		WorkerSid:            optString(reservation.WorkerSid),
		WorkerName:           &workerName,
		TaskAssignmentStatus: optString(task.AssignmentStatus),
		TaskAttributes:       optString(task.Attributes),
	}
	if err := e.store.UpsertBaseState(ctx, state, e.clock.Now()); err != nil {
		e.logger.Warn("orchestrator: flex upsert failed", "task_sid", task.Sid, "error", err)
		return false
	}

	if existing != nil && existing.GreetingSentAt != nil {
		e.reconcileGreetedFlex(existing)
		return true
	}

	e.greetFlexTask(ctx, task.Sid, conversationSid, customerName, workerName, reservation.WorkerSid, identityHints{
		WorkerName:      workerName,
		CustomerAddress: customerAddress,
		CustomerFrom:    customerFrom,
	})
	return true
}

// resolveWorkerName picks the display name: prefer a stored non-fallback
// name, then the per-process cache, then one FetchWorker call whose result
// (or, on failure, the fallback) is cached.
func (e *Engine) resolveWorkerName(ctx context.Context, existing *persistence.FlexTask, workerSid, fallback string) string {
	if existing != nil && existing.WorkerName != nil && !isFallbackWorkerName(*existing.WorkerName) {
		return *existing.WorkerName
	}
	if workerSid == "" {
		return fallback
	}
	if name, ok := e.cachedWorkerName(workerSid); ok {
		return name
	}
	worker, err := e.provider.FetchWorker(ctx, workerSid)
	if err != nil {
		e.logger.Warn("orchestrator: fetch worker failed", "worker_sid", workerSid, "kind", ClassifyProviderError(err), "error", err)
		e.setCachedWorkerName(workerSid, fallback)
		return fallback
	}
	name := workerDisplayNameFromAttributes(parseAttributes(worker.Attributes), worker.FriendlyName)
	if name == "" {
		name = fallback
	}
	e.setCachedWorkerName(workerSid, name)
	return name
}

// reconcileGreetedFlex mirrors the internal pipeline's already-greeted branch
// over FlexTask columns.
func (e *Engine) reconcileGreetedFlex(t *persistence.FlexTask) {
	if t.LastCustomerActivityAt != nil && t.LastCustomerActivityAt.After(*t.GreetingSentAt) {
		e.sched.Cancel(t.TaskSid)
		return
	}
	if t.InactiveSentAt != nil {
		e.sched.Cancel(t.TaskSid)
		return
	}
	e.sched.Schedule(t.TaskSid, *t.GreetingSentAt, e.onFlexPing, e.onFlexInactive)
}

// greetFlexTask posts the greeting into the
// conversation attributed to the worker's participant identity. A missing
// identity defers the greeting to a later tick (warn once per task sid).
func (e *Engine) greetFlexTask(ctx context.Context, taskSid, conversationSid, customerName, workerName, workerSid string, hints identityHints) {
	identity, ok := resolveWorkerParticipantIdentity(ctx, e.provider, conversationSid, workerSid, hints)
	if !ok {
		e.warnOnce("flex.participant."+taskSid, "orchestrator: worker participant not resolved, greeting deferred",
			"task_sid", taskSid, "conversation_sid", conversationSid)
		return
	}
	body := templates.Greeting(customerName, workerName)
	if err := e.provider.PostConversationMessage(ctx, conversationSid, body, identity); err != nil {
		e.logger.Warn("orchestrator: flex greeting post failed", "task_sid", taskSid, "kind", ClassifyProviderError(err), "error", err)
		return
	}
	now := e.clock.Now()
	if err := e.store.SetFlexGreetingSent(ctx, taskSid, now); err != nil {
		e.logger.Warn("orchestrator: set flex greeting sent failed", "task_sid", taskSid, "error", err)
		return
	}
	e.sched.Schedule(taskSid, now, e.onFlexPing, e.onFlexInactive)
}

// onFlexPing is the flex ping timer callback. A
// missing worker identity logs and skips with no retry this epoch; the
// inactive deadline still covers the task.
func (e *Engine) onFlexPing(taskSid string) {
	ctx := context.Background()
	t, err := e.store.GetFlexTask(ctx, taskSid)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("orchestrator: flex ping re-fetch failed", "task_sid", taskSid, "error", err)
		}
		return
	}
	if !flexEpochPreconditionsMet(t) || t.PingSentAt != nil {
		return
	}
	identity, ok := e.flexAuthorIdentity(ctx, t)
	if !ok {
		e.logger.Warn("orchestrator: worker participant not resolved for ping", "task_sid", taskSid)
		return
	}
	body := templates.Ping(flexCustomerName(t))
	if err := e.provider.PostConversationMessage(ctx, *t.ConversationSid, body, identity); err != nil {
		e.logger.Warn("orchestrator: flex ping post failed", "task_sid", taskSid, "kind", ClassifyProviderError(err), "error", err)
		return
	}
	if err := e.store.MarkFlexPingSent(ctx, taskSid, e.clock.Now()); err != nil {
		e.logger.Warn("orchestrator: mark flex ping sent failed", "task_sid", taskSid, "error", err)
	}
}

// onFlexInactive is the flex inactivity callback:
// closure message, then, unless disabled by env, conversation close and
// provider task completion, then cancel.
func (e *Engine) onFlexInactive(taskSid string) {
	ctx := context.Background()
	t, err := e.store.GetFlexTask(ctx, taskSid)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("orchestrator: flex inactive re-fetch failed", "task_sid", taskSid, "error", err)
		}
		return
	}
	if !flexEpochPreconditionsMet(t) || t.InactiveSentAt != nil {
		return
	}
	identity, ok := e.flexAuthorIdentity(ctx, t)
	if !ok {
		// Fall back to the automation author so an unresolvable participant
		// cannot hold the conversation open forever.
		identity = e.config().AutomationAuthor
		if identity == "" {
			identity = "System"
		}
	}
	body := templates.Closure(flexCustomerName(t))
	if err := e.provider.PostConversationMessage(ctx, *t.ConversationSid, body, identity); err != nil {
		e.logger.Warn("orchestrator: flex closure post failed", "task_sid", taskSid, "kind", ClassifyProviderError(err), "error", err)
		return
	}
	if err := e.store.MarkFlexInactiveSent(ctx, taskSid, e.clock.Now()); err != nil {
		e.logger.Warn("orchestrator: mark flex inactive sent failed", "task_sid", taskSid, "error", err)
		return
	}
	if e.config().FlexCloseConversation {
		if err := e.provider.CloseConversation(ctx, *t.ConversationSid); err != nil {
			e.logger.Warn("orchestrator: close conversation failed", "task_sid", taskSid, "conversation_sid", *t.ConversationSid, "kind", ClassifyProviderError(err), "error", err)
		}
	}
	if e.config().FlexCompleteTask {
		if err := e.provider.CompleteTask(ctx, taskSid, "inactivity"); err != nil {
			e.logger.Warn("orchestrator: complete task failed", "task_sid", taskSid, "kind", ClassifyProviderError(err), "error", err)
		}
	}
	e.sched.Cancel(taskSid)
}

// flexEpochPreconditionsMet checks the preconditions both flex callbacks
// share: a greeted epoch, a conversation to post into, and no intervening
// customer activity.
func flexEpochPreconditionsMet(t *persistence.FlexTask) bool {
	if t.GreetingSentAt == nil {
		return false
	}
	if t.ConversationSid == nil || *t.ConversationSid == "" {
		return false
	}
	if t.LastCustomerActivityAt != nil && t.LastCustomerActivityAt.After(*t.GreetingSentAt) {
		return false
	}
	return true
}

// flexAuthorIdentity re-resolves the worker participant identity from the
// row's stored hints at callback time.
func (e *Engine) flexAuthorIdentity(ctx context.Context, t *persistence.FlexTask) (string, bool) {
	workerSid := ""
	if t.WorkerSid != nil {
		workerSid = *t.WorkerSid
	}
	hints := identityHints{}
	if t.WorkerName != nil {
		hints.WorkerName = *t.WorkerName
	}
	if t.CustomerAddress != nil {
		hints.CustomerAddress = *t.CustomerAddress
	}
	if t.CustomerFrom != nil {
		hints.CustomerFrom = *t.CustomerFrom
	}
	return resolveWorkerParticipantIdentity(ctx, e.provider, *t.ConversationSid, workerSid, hints)
}

func flexCustomerName(t *persistence.FlexTask) string {
	if t.CustomerName != nil && *t.CustomerName != "" {
		return *t.CustomerName
	}
	return "cliente"
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
