// Package persistence implements the two task tables and their lookups the
// orchestrator depends on, on top of a local sqlite file. Rows are addressed
// by primary key; the conversation-sid lookup goes through an explicit
// denormalized lookup table, and status and contact reads use indexes on
// the tasks table.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/task-orchestrator/handoff/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "handoff-v1-tasks-flex-tasks-lookup"
)

// Store is the persistence port's concrete implementation.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests and one-off tools
}

// DefaultDBPath returns ~/.task-orchestrator/orchestrator.db, honoring
// ORCHESTRATOR_HOME if set.
func DefaultDBPath() string {
	home := os.Getenv("ORCHESTRATOR_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil && h != "" {
			home = filepath.Join(h, ".task-orchestrator")
		} else {
			home = ".task-orchestrator"
		}
	}
	return filepath.Join(home, "orchestrator.db")
}

// Open opens (creating if necessary) the sqlite-backed store at path and
// ensures the schema is up to date. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL for this
	// low-write-volume workload; readers still see a consistent snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests that assert on pragmas.
func (s *Store) DB() *sql.DB { return s.db }

// Healthy reports store reachability for the /healthz endpoint.
func (s *Store) Healthy(ctx context.Context) error {
	var n int
	return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_meta").Scan(&n)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	customer_name TEXT NOT NULL,
	customer_contact TEXT NOT NULL,
	operator_id TEXT,
	operator_name TEXT,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	assigned_at INTEGER,
	greeting_sent_at INTEGER,
	ping_sent_at INTEGER,
	inactive_sent_at INTEGER,
	last_customer_activity_at INTEGER,
	closed_at INTEGER,
	close_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_contact_status ON tasks(customer_contact, status);

CREATE TABLE IF NOT EXISTS flex_tasks (
	task_sid TEXT PRIMARY KEY,
	conversation_sid TEXT,
	channel_type TEXT,
	customer_name TEXT,
	customer_address TEXT,
	customer_from TEXT,
	worker_sid TEXT,
	worker_name TEXT,
	task_assignment_status TEXT,
	task_attributes TEXT,
	greeting_sent_at INTEGER,
	ping_sent_at INTEGER,
	inactive_sent_at INTEGER,
	last_customer_activity_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS flex_tasks_by_conversation (
	conversation_sid TEXT PRIMARY KEY,
	task_sid TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return fmt.Errorf("read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_meta(version, checksum) VALUES (?, ?)", schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("seed schema_meta: %w", err)
		}
	}
	return nil
}

func msToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func timeToMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
