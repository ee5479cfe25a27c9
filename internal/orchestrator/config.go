// Package orchestrator implements the task inactivity engine: the
// reconciliation loop plus the internal and flex processing
// pipelines. It owns the scheduler, reads/writes via the persistence port,
// and calls the messaging-provider port.
package orchestrator

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Source selects which pipeline(s) the reconciliation loop drives each
// tick (TASKS_AUTO_SOURCE).
type Source string

const (
	SourceInternal Source = "internal"
	SourceFlex     Source = "flex"
	SourceAuto     Source = "auto"
)

// Config holds the environment-driven toggles.
type Config struct {
	Enabled              bool
	PollInterval         time.Duration
	BatchSize            int
	Source               Source
	FlexPollLimit        int
	FlexCloseConversation bool
	FlexCompleteTask     bool
	AutomationAuthor     string
	// Workspace, when non-empty, pins the TaskRouter-style workspace sid
	// used by the flex pipeline instead of auto-detecting it.
	Workspace string
}

// ConfigFromEnv reads the TASKS_* environment keys, applying the
// documented defaults.
func ConfigFromEnv() Config {
	return Config{
		Enabled:               envBoolDefaultTrue("TASKS_AUTO_ENABLED"),
		PollInterval:          envDurationMS("TASKS_AUTO_POLL_INTERVAL_MS", 1000*time.Millisecond),
		BatchSize:             envInt("TASKS_AUTO_BATCH_SIZE", 100),
		Source:                envSource("TASKS_AUTO_SOURCE", SourceAuto),
		FlexPollLimit:         envInt("TASKS_FLEX_POLL_LIMIT", 50),
		FlexCloseConversation: envBoolDefaultTrue("TASKS_FLEX_CLOSE_CONVERSATION"),
		FlexCompleteTask:      envBoolDefaultTrue("TASKS_FLEX_COMPLETE_TASK"),
		AutomationAuthor:      envString("TASKS_AUTOMATION_AUTHOR", "System"),
		Workspace:             os.Getenv("TASKS_FLEX_WORKSPACE_SID"),
	}
}

func envBoolDefaultTrue(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v != "false"
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envSource(key string, def Source) Source {
	v := Source(strings.ToLower(strings.TrimSpace(os.Getenv(key))))
	switch v {
	case SourceInternal, SourceFlex, SourceAuto:
		return v
	default:
		return def
	}
}
