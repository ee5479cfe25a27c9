// Package messaging defines the capability-typed messaging-provider port
// that the orchestrator engine calls against, plus a concrete
// Telegram-backed adapter and a fake used by tests. The port is split into
// narrow, single-purpose interfaces rather than one monolith: the engine
// asks for exactly the capability it needs, and a concrete provider composes
// whichever of them it can actually satisfy.
package messaging

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by a capability that requires credentials or
// a resolved workspace the deployment never supplied. The orchestrator
// engine warns once for it, then treats every affected tick as a no-op for
// that pipeline.
var ErrNotConfigured = errors.New("messaging: not configured")

// Participant is one member of a Conversations-style conversation.
type Participant struct {
	Identity   string
	Attributes string // raw JSON; callers look for worker-sid markers
	Address    string // messaging binding address, if any
}

// Worker is a provider-side worker/agent record.
type Worker struct {
	Sid          string
	FriendlyName string
	Attributes   string // raw JSON; callers look for full_name/fullName/fullname/name
}

// Workspace is a TaskRouter-style workspace.
type Workspace struct {
	Sid          string
	FriendlyName string
}

// ProviderTask is one task returned by ListAssignedTasks.
type ProviderTask struct {
	Sid              string
	WorkspaceSid     string
	Attributes       string // raw JSON; parsed for conversationSid, customer fields
	AssignmentStatus string
}

// Reservation is an accepted reservation against a ProviderTask.
type Reservation struct {
	Sid              string
	WorkerSid        string
	WorkerName       string // trimmed fallback name carried on the reservation
	ReservationStatus string
}

// ListTasksOptions narrows ListAssignedTasks.
type ListTasksOptions struct {
	Statuses []string
	Limit    int
}

// SMSSender sends a one-off SMS-style message to a bare contact address.
type SMSSender interface {
	SendSMS(ctx context.Context, toContact, body string) error
}

// ConversationMessenger is the Conversations-style surface used by the flex
// pipeline.
type ConversationMessenger interface {
	PostConversationMessage(ctx context.Context, conversationSid, body, author string) error
	ListConversationParticipants(ctx context.Context, conversationSid string, limit int) ([]Participant, error)
	CloseConversation(ctx context.Context, conversationSid string) error
}

// WorkerDirectory resolves a worker sid to its display attributes.
type WorkerDirectory interface {
	FetchWorker(ctx context.Context, workerSid string) (Worker, error)
}

// TaskRouterBroker is the TaskRouter-style surface used to discover and
// close out flex tasks.
type TaskRouterBroker interface {
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	ListAssignedTasks(ctx context.Context, workspaceSid string, opts ListTasksOptions) ([]ProviderTask, error)
	ListAcceptedReservations(ctx context.Context, taskSid string, limit int) ([]Reservation, error)
	CompleteTask(ctx context.Context, taskSid, reason string) error
}

// Provider is the full messaging-provider port: the nine
// capabilities the orchestrator engine calls against. Concrete providers
// compose narrower interfaces above; see TelegramProvider for the
// capabilities it can and cannot satisfy against a real vendor SDK.
type Provider interface {
	SMSSender
	ConversationMessenger
	WorkerDirectory
	TaskRouterBroker
}
