package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/task-orchestrator/handoff/internal/messaging"
)

// identityHints carries the customer-address/from hints used to classify a
// participant as "the customer" vs. "an operator" for the last-resort rule.
type identityHints struct {
	WorkerName      string
	CustomerAddress string
	CustomerFrom    string
}

// resolveWorkerParticipantIdentity returns, given a
// conversation's participant list, the one identity string to attribute
// automated messages to, or ("", false) if no rule matches.
func resolveWorkerParticipantIdentity(ctx context.Context, provider messaging.ConversationMessenger, conversationSid, workerSid string, hints identityHints) (string, bool) {
	participants, err := provider.ListConversationParticipants(ctx, conversationSid, 50)
	if err != nil || len(participants) == 0 {
		return "", false
	}

	// Rule 1: identity == workerSid (case-insensitive, trimmed).
	if workerSid != "" {
		if p, ok := findParticipant(participants, func(p messaging.Participant) bool {
			return equalFold(p.Identity, workerSid)
		}); ok {
			return p.Identity, true
		}
	}

	// Rule 2: identity == workerName.
	if hints.WorkerName != "" {
		if p, ok := findParticipant(participants, func(p messaging.Participant) bool {
			return equalFold(p.Identity, hints.WorkerName)
		}); ok {
			return p.Identity, true
		}
	}

	// Rule 3: attributes JSON contains a workerSid/worker_sid/worker_id/workerId field equal to workerSid.
	if workerSid != "" {
		if p, ok := findParticipant(participants, func(p messaging.Participant) bool {
			return attributesReferenceWorker(p.Attributes, workerSid)
		}); ok {
			return p.Identity, true
		}
	}

	// Rule 4: raw attributes string contains workerSid as a substring.
	if workerSid != "" {
		if p, ok := findParticipant(participants, func(p messaging.Participant) bool {
			return strings.Contains(p.Attributes, workerSid)
		}); ok {
			return p.Identity, true
		}
	}

	// Rule 5: exactly one non-customer participant.
	var nonCustomer []messaging.Participant
	for _, p := range participants {
		if !isCustomerParticipant(p, hints) {
			nonCustomer = append(nonCustomer, p)
		}
	}
	if len(nonCustomer) == 1 {
		return nonCustomer[0].Identity, true
	}

	return "", false
}

func findParticipant(participants []messaging.Participant, match func(messaging.Participant) bool) (messaging.Participant, bool) {
	for _, p := range participants {
		if match(p) {
			return p, true
		}
	}
	return messaging.Participant{}, false
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func attributesReferenceWorker(rawAttributes, workerSid string) bool {
	if strings.TrimSpace(rawAttributes) == "" {
		return false
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(rawAttributes), &attrs); err != nil {
		return false
	}
	for _, key := range []string{"workerSid", "worker_sid", "worker_id", "workerId"} {
		if v, ok := attrs[key].(string); ok && equalFold(v, workerSid) {
			return true
		}
	}
	return false
}

func isCustomerParticipant(p messaging.Participant, hints identityHints) bool {
	if hints.CustomerAddress != "" && equalFold(p.Identity, hints.CustomerAddress) {
		return true
	}
	if hints.CustomerFrom != "" && equalFold(p.Identity, hints.CustomerFrom) {
		return true
	}
	if p.Address != "" {
		if hints.CustomerAddress != "" && equalFold(p.Address, hints.CustomerAddress) {
			return true
		}
		if hints.CustomerFrom != "" && equalFold(p.Address, hints.CustomerFrom) {
			return true
		}
	}
	return false
}
