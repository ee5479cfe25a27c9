package janitor_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/task-orchestrator/handoff/internal/janitor"
	"github.com/task-orchestrator/handoff/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_RejectsInvalidCron(t *testing.T) {
	if _, err := janitor.New(janitor.Config{CronExpr: "not a cron"}); err == nil {
		t.Fatal("invalid cron expression accepted")
	}
}

func TestSweep_RemovesOrphanedLookups(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now()
	conv1, conv2 := "CH1", "CH2"
	_ = store.UpsertBaseState(ctx, persistence.FlexBaseState{TaskSid: "WT1", ConversationSid: &conv1}, now)
	_ = store.UpsertBaseState(ctx, persistence.FlexBaseState{TaskSid: "WT2", ConversationSid: &conv2}, now)
	if _, err := store.DB().Exec("DELETE FROM flex_tasks WHERE task_sid = 'WT2'"); err != nil {
		t.Fatalf("orphan setup: %v", err)
	}

	j, err := janitor.New(janitor.Config{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	j.Sweep(ctx)

	if _, err := store.GetFlexTaskByConversation(ctx, "CH2"); err != persistence.ErrNotFound {
		t.Fatal("orphaned lookup survived the sweep")
	}
	if _, err := store.GetFlexTaskByConversation(ctx, "CH1"); err != nil {
		t.Fatal("live lookup removed by the sweep")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := janitor.NextRunTime("0 */6 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := janitor.NextRunTime("bogus", after); err == nil {
		t.Fatal("bogus expression parsed")
	}
}

func TestNextRunAt_IsInTheFuture(t *testing.T) {
	store := openTestStore(t)
	before := time.Now()
	j, err := janitor.New(janitor.Config{Store: store, CronExpr: "* * * * *"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !j.NextRunAt().After(before) {
		t.Fatalf("NextRunAt = %v", j.NextRunAt())
	}
}
