package messaging

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is an in-memory Provider test double. All state is guarded
// by mu so
// the orchestrator's concurrent scheduler callbacks can call into it safely.
type FakeProvider struct {
	mu sync.Mutex

	// SentSMS records every SendSMS call in order.
	SentSMS []SentSMS
	// ConversationMessages records every PostConversationMessage call.
	ConversationMessages []ConversationMessage
	// ClosedConversations records every CloseConversation call.
	ClosedConversations []string
	// CompletedTasks records every CompleteTask call.
	CompletedTasks []CompletedTask

	// Participants maps conversationSid -> participant list returned by
	// ListConversationParticipants.
	Participants map[string][]Participant
	// Workers maps workerSid -> Worker returned by FetchWorker.
	Workers map[string]Worker
	// Workspaces is returned by ListWorkspaces.
	Workspaces []Workspace
	// Tasks is returned by ListAssignedTasks (filtered by requested statuses).
	Tasks []ProviderTask
	// Reservations maps taskSid -> reservations returned by ListAcceptedReservations.
	Reservations map[string][]Reservation

	// FailSendSMS, FailPostMessage, etc: when non-nil, the corresponding call
	// returns this error instead of succeeding. Lets tests drive the
	// partial-failure matrix without a real network.
	FailSendSMS           error
	FailPostMessage       error
	FailListParticipants  error
	FailFetchWorker       error
	FailListWorkspaces    error
	FailListTasks         error
	FailListReservations  error
	FailCloseConversation error
	FailCompleteTask      error
}

// SentSMS is one recorded SendSMS invocation.
type SentSMS struct {
	ToContact string
	Body      string
}

// ConversationMessage is one recorded PostConversationMessage invocation.
type ConversationMessage struct {
	ConversationSid string
	Body            string
	Author          string
}

// CompletedTask is one recorded CompleteTask invocation.
type CompletedTask struct {
	TaskSid string
	Reason  string
}

// NewFakeProvider returns a FakeProvider with all maps initialized.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Participants: make(map[string][]Participant),
		Workers:      make(map[string]Worker),
		Reservations: make(map[string][]Reservation),
	}
}

func (f *FakeProvider) SendSMS(ctx context.Context, toContact, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSendSMS != nil {
		return f.FailSendSMS
	}
	f.SentSMS = append(f.SentSMS, SentSMS{ToContact: toContact, Body: body})
	return nil
}

func (f *FakeProvider) PostConversationMessage(ctx context.Context, conversationSid, body, author string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPostMessage != nil {
		return f.FailPostMessage
	}
	f.ConversationMessages = append(f.ConversationMessages, ConversationMessage{
		ConversationSid: conversationSid, Body: body, Author: author,
	})
	return nil
}

func (f *FakeProvider) ListConversationParticipants(ctx context.Context, conversationSid string, limit int) ([]Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListParticipants != nil {
		return nil, f.FailListParticipants
	}
	ps := f.Participants[conversationSid]
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	out := make([]Participant, len(ps))
	copy(out, ps)
	return out, nil
}

func (f *FakeProvider) CloseConversation(ctx context.Context, conversationSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCloseConversation != nil {
		return f.FailCloseConversation
	}
	f.ClosedConversations = append(f.ClosedConversations, conversationSid)
	return nil
}

func (f *FakeProvider) FetchWorker(ctx context.Context, workerSid string) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailFetchWorker != nil {
		return Worker{}, f.FailFetchWorker
	}
	w, ok := f.Workers[workerSid]
	if !ok {
		return Worker{}, fmt.Errorf("fake provider: no worker %q", workerSid)
	}
	return w, nil
}

func (f *FakeProvider) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListWorkspaces != nil {
		return nil, f.FailListWorkspaces
	}
	out := make([]Workspace, len(f.Workspaces))
	copy(out, f.Workspaces)
	return out, nil
}

func (f *FakeProvider) ListAssignedTasks(ctx context.Context, workspaceSid string, opts ListTasksOptions) ([]ProviderTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListTasks != nil {
		return nil, f.FailListTasks
	}
	var out []ProviderTask
	for _, t := range f.Tasks {
		if t.WorkspaceSid != "" && t.WorkspaceSid != workspaceSid {
			continue
		}
		if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, t.AssignmentStatus) {
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *FakeProvider) ListAcceptedReservations(ctx context.Context, taskSid string, limit int) ([]Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListReservations != nil {
		return nil, f.FailListReservations
	}
	rs := f.Reservations[taskSid]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	out := make([]Reservation, len(rs))
	copy(out, rs)
	return out, nil
}

func (f *FakeProvider) CompleteTask(ctx context.Context, taskSid, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCompleteTask != nil {
		return f.FailCompleteTask
	}
	f.CompletedTasks = append(f.CompletedTasks, CompletedTask{TaskSid: taskSid, Reason: reason})
	return nil
}

// SentSMSSnapshot returns a copy of the recorded SMS sends, safe to read
// while scheduler callbacks are still firing.
func (f *FakeProvider) SentSMSSnapshot() []SentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentSMS, len(f.SentSMS))
	copy(out, f.SentSMS)
	return out
}

// ConversationMessagesSnapshot returns a copy of the recorded conversation
// posts.
func (f *FakeProvider) ConversationMessagesSnapshot() []ConversationMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ConversationMessage, len(f.ConversationMessages))
	copy(out, f.ConversationMessages)
	return out
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
