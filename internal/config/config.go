// Package config loads the process configuration: defaults, then the
// overrides file at <home>/config.yaml, then environment variables. The
// environment wins so a deployment can pin any knob without touching the
// file, while the file remains the hot-reloadable surface (see Watcher).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/task-orchestrator/handoff/internal/orchestrator"
	"github.com/task-orchestrator/handoff/internal/shared"
)

// TelegramConfig holds the concrete messaging-provider credentials.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// TasksConfig mirrors the TASKS_* environment keys in the overrides file.
type TasksConfig struct {
	Enabled               *bool  `yaml:"enabled"`
	PollIntervalMS        int    `yaml:"poll_interval_ms"`
	BatchSize             int    `yaml:"batch_size"`
	Source                string `yaml:"source"`
	FlexPollLimit         int    `yaml:"flex_poll_limit"`
	FlexCloseConversation *bool  `yaml:"flex_close_conversation"`
	FlexCompleteTask      *bool  `yaml:"flex_complete_task"`
	AutomationAuthor      string `yaml:"automation_author"`
	FlexWorkspaceSid      string `yaml:"flex_workspace_sid"`
	JanitorCron           string `yaml:"janitor_cron"`
}

// Config is the full process configuration.
type Config struct {
	HomeDir    string `yaml:"-"`
	DBPath     string `yaml:"db_path"`
	HTTPAddr   string `yaml:"http_addr"`
	AdminToken string `yaml:"admin_token"`

	Tasks    TasksConfig    `yaml:"tasks"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// DefaultHome returns the base directory for the db file and the overrides
// file, honoring ORCHESTRATOR_HOME.
func DefaultHome() string {
	if override := os.Getenv("ORCHESTRATOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".task-orchestrator"
	}
	return filepath.Join(home, ".task-orchestrator")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		DBPath:   filepath.Join(homeDir, "orchestrator.db"),
		HTTPAddr: ":8088",
		Tasks: TasksConfig{
			PollIntervalMS: 1000,
			BatchSize:      100,
			Source:         "auto",
			FlexPollLimit:  50,
			JanitorCron:    "0 */6 * * *",
		},
	}
}

// Load reads config.yaml from homeDir (missing file is fine) and applies
// environment overrides on top.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}
	cfg := defaultConfig(homeDir)

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCHESTRATOR_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_HTTP_ADDR"); raw != "" {
		cfg.HTTPAddr = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TASKS_AUTO_ENABLED"); raw != "" {
		v := !strings.EqualFold(strings.TrimSpace(raw), "false")
		cfg.Tasks.Enabled = &v
	}
	if raw := os.Getenv("TASKS_AUTO_POLL_INTERVAL_MS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Tasks.PollIntervalMS = n
		}
	}
	if raw := os.Getenv("TASKS_AUTO_BATCH_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Tasks.BatchSize = n
		}
	}
	if raw := os.Getenv("TASKS_AUTO_SOURCE"); raw != "" {
		cfg.Tasks.Source = strings.ToLower(strings.TrimSpace(raw))
	}
	if raw := os.Getenv("TASKS_FLEX_POLL_LIMIT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Tasks.FlexPollLimit = n
		}
	}
	if raw := os.Getenv("TASKS_FLEX_CLOSE_CONVERSATION"); raw != "" {
		v := !strings.EqualFold(strings.TrimSpace(raw), "false")
		cfg.Tasks.FlexCloseConversation = &v
	}
	if raw := os.Getenv("TASKS_FLEX_COMPLETE_TASK"); raw != "" {
		v := !strings.EqualFold(strings.TrimSpace(raw), "false")
		cfg.Tasks.FlexCompleteTask = &v
	}
	if raw := os.Getenv("TASKS_AUTOMATION_AUTHOR"); raw != "" {
		cfg.Tasks.AutomationAuthor = raw
	}
	if raw := os.Getenv("TASKS_FLEX_WORKSPACE_SID"); raw != "" {
		cfg.Tasks.FlexWorkspaceSid = raw
	}
	if raw := os.Getenv("TASKS_JANITOR_CRON"); raw != "" {
		cfg.Tasks.JanitorCron = raw
	}
}

// LogFields returns the loaded configuration as slog key/value pairs safe
// to log at startup: values whose key names look secret come back redacted,
// so the log still shows whether a token was supplied without leaking it.
func (c Config) LogFields() []any {
	pairs := []struct{ key, value string }{
		{"home", c.HomeDir},
		{"db_path", c.DBPath},
		{"http_addr", c.HTTPAddr},
		{"admin_token", c.AdminToken},
		{"telegram_token", c.Telegram.Token},
		{"source", c.Tasks.Source},
		{"janitor_cron", c.Tasks.JanitorCron},
	}
	out := make([]any, 0, len(pairs)*2)
	for _, p := range pairs {
		out = append(out, p.key, shared.RedactEnvValue(p.key, p.value))
	}
	return out
}

// OrchestratorConfig converts the tasks section into the engine's config,
// applying the documented defaults for anything left unset.
func (c Config) OrchestratorConfig() orchestrator.Config {
	out := orchestrator.Config{
		Enabled:               true,
		PollInterval:          time.Duration(c.Tasks.PollIntervalMS) * time.Millisecond,
		BatchSize:             c.Tasks.BatchSize,
		Source:                orchestrator.SourceAuto,
		FlexPollLimit:         c.Tasks.FlexPollLimit,
		FlexCloseConversation: true,
		FlexCompleteTask:      true,
		AutomationAuthor:      "System",
		Workspace:             c.Tasks.FlexWorkspaceSid,
	}
	if c.Tasks.Enabled != nil {
		out.Enabled = *c.Tasks.Enabled
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	switch orchestrator.Source(c.Tasks.Source) {
	case orchestrator.SourceInternal, orchestrator.SourceFlex, orchestrator.SourceAuto:
		out.Source = orchestrator.Source(c.Tasks.Source)
	}
	if out.FlexPollLimit <= 0 {
		out.FlexPollLimit = 50
	}
	if c.Tasks.FlexCloseConversation != nil {
		out.FlexCloseConversation = *c.Tasks.FlexCloseConversation
	}
	if c.Tasks.FlexCompleteTask != nil {
		out.FlexCompleteTask = *c.Tasks.FlexCompleteTask
	}
	if c.Tasks.AutomationAuthor != "" {
		out.AutomationAuthor = c.Tasks.AutomationAuthor
	}
	return out
}
