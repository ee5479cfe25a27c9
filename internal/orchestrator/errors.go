package orchestrator

import (
	"errors"

	"github.com/task-orchestrator/handoff/internal/messaging"
)

// Kind classifies a pipeline-observed error for logging and metrics. It
// never drives control flow beyond "log and move on": every
// kind results in the same behavior (skip, retry next tick), so this exists
// to make log lines and dashboards legible, not to branch logic.
type Kind string

const (
	// KindNotConfigured: provider credentials or a resolved workspace the
	// deployment never supplied. Warned once per kind, then every affected
	// tick is a no-op for that pipeline.
	KindNotConfigured Kind = "not_configured"
	// KindTransient: network, 5xx, SDK timeout. Next tick retries.
	KindTransient Kind = "transient"
	// KindPermanent: malformed response, 4xx other than auth. Treated the
	// same as transient; this engine never poisons a row based on a
	// provider response.
	KindPermanent Kind = "permanent"
	// KindPrecondition: task not found, status mismatch, epoch marks
	// inconsistent. Expected races between polling and callbacks; skip
	// silently.
	KindPrecondition Kind = "precondition"
)

// ClassifyProviderError is a best-effort classifier for the Kind attached to
// a log line when a messaging-provider call fails. It never changes
// behavior: no error reaches the provider's webhook, and no error aborts
// the dispatcher loop.
func ClassifyProviderError(err error) Kind {
	if err == nil {
		return ""
	}
	if isNotConfigured(err) {
		return KindNotConfigured
	}
	return KindTransient
}

func isNotConfigured(err error) bool {
	return errors.Is(err, messaging.ErrNotConfigured)
}
