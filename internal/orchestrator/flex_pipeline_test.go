package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/task-orchestrator/handoff/internal/messaging"
	"github.com/task-orchestrator/handoff/internal/persistence"
)

func TestResolveWorkspace(t *testing.T) {
	ctx := context.Background()

	t.Run("configured sid wins", func(t *testing.T) {
		cfg := testConfig()
		cfg.Workspace = "WSX"
		e, _, _ := newTestEngine(t, cfg)
		sid, ok, err := e.resolveWorkspace(ctx)
		if err != nil || !ok || sid != "WSX" {
			t.Fatalf("resolveWorkspace = (%q, %v, %v)", sid, ok, err)
		}
	})

	t.Run("single workspace auto-detected", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.Workspaces = []messaging.Workspace{{Sid: "WS1", FriendlyName: "Main"}}
		sid, ok, err := e.resolveWorkspace(ctx)
		if err != nil || !ok || sid != "WS1" {
			t.Fatalf("resolveWorkspace = (%q, %v, %v)", sid, ok, err)
		}
	})

	t.Run("single flex-named workspace among several", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.Workspaces = []messaging.Workspace{
			{Sid: "WS1", FriendlyName: "Support"},
			{Sid: "WS2", FriendlyName: "Flex Contact Center"},
		}
		sid, ok, err := e.resolveWorkspace(ctx)
		if err != nil || !ok || sid != "WS2" {
			t.Fatalf("resolveWorkspace = (%q, %v, %v)", sid, ok, err)
		}
	})

	t.Run("ambiguous workspaces abort", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.Workspaces = []messaging.Workspace{
			{Sid: "WS1", FriendlyName: "Flex A"},
			{Sid: "WS2", FriendlyName: "Flex B"},
		}
		_, ok, err := e.resolveWorkspace(ctx)
		if err != nil || ok {
			t.Fatalf("resolveWorkspace ok = %v, err = %v, want not resolved", ok, err)
		}
	})
}

func TestProcessFlex_NotConfiguredIsQuietNoOp(t *testing.T) {
	ctx := context.Background()
	e, _, provider := newTestEngine(t, testConfig())
	provider.FailListWorkspaces = messaging.ErrNotConfigured

	didWork, err := e.processFlex(ctx)
	if err != nil {
		t.Fatalf("processFlex: %v", err)
	}
	if didWork {
		t.Fatal("didWork = true for unconfigured broker")
	}
}

func TestProcessFlex_GreetsResolvableTask(t *testing.T) {
	ctx := context.Background()
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)

	didWork, err := e.processFlex(ctx)
	if err != nil {
		t.Fatalf("processFlex: %v", err)
	}
	if !didWork {
		t.Fatal("didWork = false")
	}

	msgs := provider.ConversationMessagesSnapshot()
	if len(msgs) != 1 {
		t.Fatalf("conversation messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.ConversationSid != "CH123" {
		t.Fatalf("conversation sid = %q", msg.ConversationSid)
	}
	if msg.Author != "WK1" {
		t.Fatalf("author = %q, want worker identity WK1", msg.Author)
	}
	want := "Olá, Ana. Meu nome é Bia Santos e irei dar continuidade ao seu atendimento.😉❤"
	if msg.Body != want {
		t.Fatalf("greeting = %q, want %q", msg.Body, want)
	}

	row, err := store.GetFlexTask(ctx, "WT1")
	if err != nil {
		t.Fatalf("get flex task: %v", err)
	}
	if row.GreetingSentAt == nil {
		t.Fatal("greetingSentAt not set")
	}
	if row.ConversationSid == nil || *row.ConversationSid != "CH123" {
		t.Fatal("conversationSid not persisted")
	}
	if row.WorkerName == nil || *row.WorkerName != "Bia Santos" {
		t.Fatalf("workerName = %v, want Bia Santos", row.WorkerName)
	}
	if !e.sched.Has("WT1") {
		t.Fatal("timers not armed")
	}

	// Lookup row exists for the webhook path.
	byConv, err := store.GetFlexTaskByConversation(ctx, "CH123")
	if err != nil || byConv.TaskSid != "WT1" {
		t.Fatalf("conversation lookup = (%v, %v)", byConv, err)
	}
}

func TestProcessFlex_SkipsNonConversationsAndUnreserved(t *testing.T) {
	ctx := context.Background()
	e, _, provider := newTestEngine(t, testConfig())
	provider.Workspaces = []messaging.Workspace{{Sid: "WS1", FriendlyName: "Flex"}}
	provider.Tasks = []messaging.ProviderTask{
		{Sid: "WT1", WorkspaceSid: "WS1", AssignmentStatus: "assigned", Attributes: `{"channelSid":"TC999"}`},
		{Sid: "WT2", WorkspaceSid: "WS1", AssignmentStatus: "assigned", Attributes: `{"conversationSid":"CH456"}`},
	}
	// WT2 has a conversation but no accepted reservation.

	didWork, err := e.processFlex(ctx)
	if err != nil {
		t.Fatalf("processFlex: %v", err)
	}
	if didWork {
		t.Fatal("didWork = true with nothing processable")
	}
	if len(provider.ConversationMessagesSnapshot()) != 0 {
		t.Fatal("messages sent for unprocessable tasks")
	}
}

// Scenario: the operator has not joined the conversation yet. The greeting
// is deferred; once the participant appears, a later tick sends it exactly
// once.
func TestProcessFlex_GreetingDeferredUntilParticipantJoins(t *testing.T) {
	ctx := context.Background()
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)
	provider.Participants["CH123"] = []messaging.Participant{
		{Identity: "+5511000000001", Address: "+5511000000001"},
	}

	if _, err := e.processFlex(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if len(provider.ConversationMessagesSnapshot()) != 0 {
		t.Fatal("greeting sent with no worker participant")
	}
	row, err := store.GetFlexTask(ctx, "WT1")
	if err != nil {
		t.Fatalf("row not upserted on deferred tick: %v", err)
	}
	if row.GreetingSentAt != nil {
		t.Fatal("greetingSentAt set on deferred tick")
	}

	// Operator joins; next tick greets once.
	provider.Participants["CH123"] = []messaging.Participant{
		{Identity: "+5511000000001", Address: "+5511000000001"},
		{Identity: "WK1"},
	}
	if _, err := e.processFlex(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := len(provider.ConversationMessagesSnapshot()); got != 1 {
		t.Fatalf("greetings = %d, want 1", got)
	}
}

func TestResolveWorkerName(t *testing.T) {
	ctx := context.Background()

	t.Run("stored non-fallback name wins without a fetch", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.FailFetchWorker = context.DeadlineExceeded
		stored := "Bia Santos"
		existing := &persistence.FlexTask{TaskSid: "WT1", WorkerName: &stored}
		if got := e.resolveWorkerName(ctx, existing, "WK1", "bia"); got != "Bia Santos" {
			t.Fatalf("name = %q", got)
		}
	})

	t.Run("fetch result cached", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.Workers["WK1"] = messaging.Worker{Sid: "WK1", Attributes: `{"fullName":"Bia Santos"}`}
		if got := e.resolveWorkerName(ctx, nil, "WK1", "bia"); got != "Bia Santos" {
			t.Fatalf("name = %q", got)
		}
		// Second resolve must hit the cache, not the (now failing) fetch.
		provider.FailFetchWorker = context.DeadlineExceeded
		if got := e.resolveWorkerName(ctx, nil, "WK1", "bia"); got != "Bia Santos" {
			t.Fatalf("cached name = %q", got)
		}
	})

	t.Run("fetch failure caches the fallback", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.FailFetchWorker = context.DeadlineExceeded
		if got := e.resolveWorkerName(ctx, nil, "WK1", "bia"); got != "bia" {
			t.Fatalf("name = %q, want fallback", got)
		}
		if name, ok := e.cachedWorkerName("WK1"); !ok || name != "bia" {
			t.Fatalf("cache = (%q, %v)", name, ok)
		}
	})

	t.Run("friendly name when attributes carry no name", func(t *testing.T) {
		e, _, provider := newTestEngine(t, testConfig())
		provider.Workers["WK1"] = messaging.Worker{Sid: "WK1", FriendlyName: "Bia", Attributes: `{}`}
		if got := e.resolveWorkerName(ctx, nil, "WK1", "fallback"); got != "Bia" {
			t.Fatalf("name = %q", got)
		}
	})
}

func seedGreetedFlexRow(t *testing.T, store *persistence.Store, greetedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	conv := "CH123"
	worker := "WK1"
	workerName := "Bia Santos"
	customer := "Ana"
	from := "+5511000000001"
	err := store.UpsertBaseState(ctx, persistence.FlexBaseState{
		TaskSid:         "WT1",
		ConversationSid: &conv,
		CustomerName:    &customer,
		CustomerFrom:    &from,
		WorkerSid:       &worker,
		WorkerName:      &workerName,
	}, time.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetFlexGreetingSent(ctx, "WT1", greetedAt); err != nil {
		t.Fatalf("set greeting: %v", err)
	}
}

func TestOnFlexPing_SendsAndMarks(t *testing.T) {
	ctx := context.Background()
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)
	seedGreetedFlexRow(t, store, time.Now().Add(-6*time.Second))

	e.onFlexPing("WT1")

	msgs := provider.ConversationMessagesSnapshot()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Body != "Olá, Ana. Você ainda está no chat?" {
		t.Fatalf("ping body = %q", msgs[0].Body)
	}
	if msgs[0].Author != "WK1" {
		t.Fatalf("ping author = %q", msgs[0].Author)
	}
	row, _ := store.GetFlexTask(ctx, "WT1")
	if row.PingSentAt == nil {
		t.Fatal("pingSentAt not set")
	}

	e.onFlexPing("WT1")
	if len(provider.ConversationMessagesSnapshot()) != 1 {
		t.Fatal("ping double-sent")
	}
}

func TestOnFlexPing_SkipsWhenParticipantMissing(t *testing.T) {
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)
	provider.Participants["CH123"] = nil
	seedGreetedFlexRow(t, store, time.Now().Add(-6*time.Second))

	e.onFlexPing("WT1")

	if len(provider.ConversationMessagesSnapshot()) != 0 {
		t.Fatal("ping sent with no resolvable participant")
	}
}

func TestOnFlexInactive_ClosesConversationAndCompletesTask(t *testing.T) {
	ctx := context.Background()
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)
	seedGreetedFlexRow(t, store, time.Now().Add(-31*time.Second))

	e.onFlexInactive("WT1")

	msgs := provider.ConversationMessagesSnapshot()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	want := "Olá, Ana. Identificamos que você está inativo e seu chat será encerrado por inatividade."
	if msgs[0].Body != want {
		t.Fatalf("closure body = %q", msgs[0].Body)
	}
	row, _ := store.GetFlexTask(ctx, "WT1")
	if row.InactiveSentAt == nil {
		t.Fatal("inactiveSentAt not set")
	}
	if len(provider.ClosedConversations) != 1 || provider.ClosedConversations[0] != "CH123" {
		t.Fatalf("closed conversations = %v", provider.ClosedConversations)
	}
	if len(provider.CompletedTasks) != 1 || provider.CompletedTasks[0].Reason != "inactivity" {
		t.Fatalf("completed tasks = %v", provider.CompletedTasks)
	}
	if e.sched.Has("WT1") {
		t.Fatal("scheduler entry survives inactivity close")
	}
}

func TestOnFlexInactive_TeardownTogglesDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.FlexCloseConversation = false
	cfg.FlexCompleteTask = false
	e, store, provider := newTestEngine(t, cfg)
	seedFlexWork(provider)
	seedGreetedFlexRow(t, store, time.Now().Add(-31*time.Second))

	e.onFlexInactive("WT1")

	if len(provider.ClosedConversations) != 0 {
		t.Fatal("conversation closed despite toggle off")
	}
	if len(provider.CompletedTasks) != 0 {
		t.Fatal("task completed despite toggle off")
	}
	row, _ := store.GetFlexTask(context.Background(), "WT1")
	if row.InactiveSentAt == nil {
		t.Fatal("closure message still required with toggles off")
	}
}

func TestOnFlexInactive_SkipsAfterActivity(t *testing.T) {
	ctx := context.Background()
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)
	seedGreetedFlexRow(t, store, time.Now().Add(-31*time.Second))
	if err := store.MarkFlexActivity(ctx, "WT1", time.Now()); err != nil {
		t.Fatalf("mark activity: %v", err)
	}

	e.onFlexInactive("WT1")

	if len(provider.ConversationMessagesSnapshot()) != 0 {
		t.Fatal("closure sent despite customer activity")
	}
	if len(provider.CompletedTasks) != 0 {
		t.Fatal("task completed despite customer activity")
	}
}

// A greeted flex row seen again by the poll re-arms its timers (restart
// recovery), and a row whose epoch already closed is left alone.
func TestProcessFlex_RearmsGreetedRow(t *testing.T) {
	ctx := context.Background()
	e, store, provider := newTestEngine(t, testConfig())
	seedFlexWork(provider)
	seedGreetedFlexRow(t, store, time.Now())

	if _, err := e.processFlex(ctx); err != nil {
		t.Fatalf("processFlex: %v", err)
	}
	if !e.sched.Has("WT1") {
		t.Fatal("greeted row not re-armed")
	}
	if len(provider.ConversationMessagesSnapshot()) != 0 {
		t.Fatal("re-greeted an already greeted task")
	}

	// Epoch closed: next poll cancels instead of re-arming.
	if err := store.MarkFlexInactiveSent(ctx, "WT1", time.Now()); err != nil {
		t.Fatalf("mark inactive: %v", err)
	}
	if _, err := e.processFlex(ctx); err != nil {
		t.Fatalf("processFlex: %v", err)
	}
	if e.sched.Has("WT1") {
		t.Fatal("closed-epoch row still armed")
	}
}
