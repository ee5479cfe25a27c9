package messaging

import "context"

// NotConfiguredBroker is a TaskRouterBroker stub for deployments that never
// wired TaskRouter-style credentials. Telegram has no task-queue/reservation
// concept to adapt this onto, so TelegramProvider embeds this instead of
// faking task-queue semantics it cannot honestly provide. Every call returns
// ErrNotConfigured, which the engine turns into a once-per-kind warning and
// a no-op flex tick rather than a crash.
type NotConfiguredBroker struct{}

func (NotConfiguredBroker) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	return nil, ErrNotConfigured
}

func (NotConfiguredBroker) ListAssignedTasks(ctx context.Context, workspaceSid string, opts ListTasksOptions) ([]ProviderTask, error) {
	return nil, ErrNotConfigured
}

func (NotConfiguredBroker) ListAcceptedReservations(ctx context.Context, taskSid string, limit int) ([]Reservation, error) {
	return nil, ErrNotConfigured
}

func (NotConfiguredBroker) CompleteTask(ctx context.Context, taskSid, reason string) error {
	return ErrNotConfigured
}
