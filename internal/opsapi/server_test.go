package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/task-orchestrator/handoff/internal/bus"
	"github.com/task-orchestrator/handoff/internal/messaging"
	"github.com/task-orchestrator/handoff/internal/orchestrator"
	"github.com/task-orchestrator/handoff/internal/persistence"
)

const testToken = "test-admin-token"

type fixture struct {
	server   *httptest.Server
	store    *persistence.Store
	engine   *orchestrator.Engine
	provider *messaging.FakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider := messaging.NewFakeProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := orchestrator.New(store, provider, nil, nil, logger, orchestrator.Config{
		Enabled: true, PollInterval: time.Second, BatchSize: 100,
		Source: orchestrator.SourceAuto, FlexPollLimit: 50,
		FlexCloseConversation: true, FlexCompleteTask: true, AutomationAuthor: "System",
	})
	t.Cleanup(engine.Stop)

	api := New(Config{
		Store:     store,
		Engine:    engine,
		Bus:       bus.New(),
		Logger:    logger,
		AuthToken: testToken,
	})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &fixture{server: server, store: store, engine: engine, provider: provider}
}

func (f *fixture) request(t *testing.T, method, path string, body []byte, authed bool) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func createTask(t *testing.T, f *fixture) string {
	t.Helper()
	id, err := f.store.CreateInternalTask(context.Background(), "Ana", "+5511000000001", time.Now())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["db_ok"] != true {
		t.Fatalf("db_ok = %v", payload["db_ok"])
	}
}

func TestAPITasks_RequiresAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/tasks", "/api/tasks/x", "/api/flex-tasks"} {
		resp := f.request(t, http.MethodGet, path, nil, false)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestAPITasks_ListAndGet(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f)

	resp := f.request(t, http.MethodGet, "/api/tasks", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var listPayload struct {
		Tasks []map[string]any `json:"tasks"`
		Total int              `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listPayload.Total != 1 || len(listPayload.Tasks) != 1 {
		t.Fatalf("list = %+v", listPayload)
	}

	resp = f.request(t, http.MethodGet, "/api/tasks/"+id, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var task map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&task)
	if task["id"] != id || task["status"] != "open" {
		t.Fatalf("task = %v", task)
	}

	resp = f.request(t, http.MethodGet, "/api/tasks/does-not-exist", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task status = %d", resp.StatusCode)
	}
}

func TestAPICommands_FullHandoffFlow(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f)

	body := []byte(`{"operator_id":"O1","operator_name":"Bia"}`)
	resp := f.request(t, http.MethodPost, "/api/tasks/"+id+"/assign", body, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/tasks/"+id+"/start-handoff", body, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start-handoff status = %d", resp.StatusCode)
	}
	if len(f.provider.SentSMSSnapshot()) != 1 {
		t.Fatal("start-handoff did not send the greeting")
	}

	resp = f.request(t, http.MethodPost, "/api/tasks/"+id+"/mark-activity", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-activity status = %d", resp.StatusCode)
	}

	task, _ := f.store.GetInternalTask(context.Background(), id)
	if task.LastCustomerActivityAt == nil {
		t.Fatal("mark-activity did not record activity")
	}
}

func TestAPICommands_DomainErrorsAre400(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f)

	// register-greeting on a not-yet-assigned task is a domain error.
	resp := f.request(t, http.MethodPost, "/api/tasks/"+id+"/register-greeting", nil, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/tasks/missing/assign", []byte(`{}`), true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing task status = %d, want 400", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/tasks/"+id+"/no-such-command", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown command status = %d, want 404", resp.StatusCode)
	}
}

func TestInboundWebhook_FormEncodedFrom(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f)
	ctx := context.Background()
	_ = f.store.AssignInternalTask(ctx, id, "O1", "Bia", time.Now())

	form := url.Values{"From": {"+5511000000001"}}
	resp, err := http.Post(f.server.URL+"/tasks/twilio/inbound",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content-type = %q", ct)
	}
	payload, _ := io.ReadAll(resp.Body)
	if string(payload) != "<Response></Response>" {
		t.Fatalf("body = %q", payload)
	}

	task, _ := f.store.GetInternalTask(ctx, id)
	if task.LastCustomerActivityAt == nil {
		t.Fatal("webhook did not mark activity")
	}
}

func TestInboundWebhook_JSONConversationSid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := "CH123"
	from := "+5511000000001"
	err := f.store.UpsertBaseState(ctx, persistence.FlexBaseState{
		TaskSid: "WT1", ConversationSid: &conv, CustomerFrom: &from,
	}, time.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	body := `{"ConversationSid":"CH123","Author":"+5511000000001"}`
	resp, err := http.Post(f.server.URL+"/tasks/twilio/inbound", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	row, _ := f.store.GetFlexTaskByConversation(ctx, "CH123")
	if row.LastCustomerActivityAt == nil {
		t.Fatal("webhook did not mark flex activity")
	}
}

// Whatever happens inside, the webhook answers 200 so the provider never
// retries.
func TestInboundWebhook_AlwaysAnswers200(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"unknown conversation", "application/json", `{"ConversationSid":"CH-none","Author":"x"}`},
		{"unknown contact", "application/json", `{"From":"+550000"}`},
		{"empty body", "application/json", ``},
		{"garbage json", "application/json", `{{{`},
		{"no recognized fields", "application/x-www-form-urlencoded", "Foo=bar"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.server.URL+"/tasks/twilio/inbound", tc.contentType, strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
		})
	}
}

func TestParseInboundFields_CaseInsensitiveKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/tasks/twilio/inbound",
		strings.NewReader(`{"conversationSid":"CH1","author":"a","From":"+55"}`))
	req.Header.Set("Content-Type", "application/json")
	fields := parseInboundFields(req)
	if fields["conversationsid"] != "CH1" || fields["author"] != "a" || fields["from"] != "+55" {
		t.Fatalf("fields = %v", fields)
	}
}
