// Package opsapi is the ops HTTP surface: health, task listing, the manual
// handoff commands, the provider webhook, and a WebSocket tap on the event
// bus for live dashboards.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/task-orchestrator/handoff/internal/bus"
	"github.com/task-orchestrator/handoff/internal/orchestrator"
	"github.com/task-orchestrator/handoff/internal/persistence"
	"github.com/task-orchestrator/handoff/internal/shared"
)

// Config holds the server's dependencies.
type Config struct {
	Store  *persistence.Store
	Engine *orchestrator.Engine
	Bus    *bus.Bus
	Logger *slog.Logger

	// AuthToken guards /api/* and /ws/status. Empty means those endpoints
	// deny everything; /healthz and the provider webhook are always open.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		clients: map[*wsClient]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)
	mux.HandleFunc("/api/flex-tasks", s.handleAPIFlexTasks)
	mux.HandleFunc("/tasks/twilio/inbound", s.handleInboundWebhook)
	mux.HandleFunc("/ws/status", s.handleWSStatus)
	return s.withTrace(mux)
}

// withTrace stamps a trace_id onto every request context so handler log
// lines from the same request correlate.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store.Healthy(ctx) == nil

	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"scheduler_size":  s.cfg.Engine.Scheduler().Size(),
		"last_tick_error": s.cfg.Engine.LastTickError(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	statusFilter := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 20)
	offset := queryOffset(r)
	tasks, total, err := s.cfg.Store.ListInternalTasksPaginated(r.Context(), statusFilter, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskDTO(t))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": out, "total": total})
}

// handleAPITaskByID routes GET /api/tasks/{id} and the POST command
// subpaths: assign, start-handoff, register-greeting, mark-activity.
func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, command, _ := strings.Cut(rest, "/")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	if command == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, err := s.cfg.Store.GetInternalTask(r.Context(), taskID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toTaskDTO(*task))
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleCommand(w, r, taskID, command)
}

type commandRequest struct {
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
	SendGreeting *bool  `json:"send_greeting"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, taskID, command string) {
	var req commandRequest
	if r.Body != nil {
		// An empty body is fine for the operator-less commands.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var err error
	switch command {
	case "assign":
		err = s.cfg.Engine.Assign(r.Context(), taskID, req.OperatorID, req.OperatorName)
	case "start-handoff":
		sendGreeting := req.SendGreeting == nil || *req.SendGreeting
		err = s.cfg.Engine.StartHandoff(r.Context(), taskID, req.OperatorID, req.OperatorName, sendGreeting)
	case "register-greeting":
		err = s.cfg.Engine.RegisterGreeting(r.Context(), taskID)
	case "mark-activity":
		err = s.cfg.Engine.MarkActivity(r.Context(), taskID)
	default:
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}

	if err != nil {
		s.cfg.Logger.Warn("opsapi: command failed",
			"trace_id", shared.TraceID(r.Context()),
			"task_id", taskID,
			"command", command,
			"error", shared.Redact(err.Error()),
		)
		status := http.StatusBadRequest
		if !errors.Is(err, orchestrator.ErrTaskNotFound) && !errors.Is(err, orchestrator.ErrTaskNotAssigned) {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) handleAPIFlexTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := queryInt(r, "limit", 20)
	offset := queryOffset(r)
	tasks, total, err := s.cfg.Store.ListFlexTasksPaginated(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]flexTaskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toFlexTaskDTO(t))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": out, "total": total})
}

// handleInboundWebhook is the provider's inbound-message webhook. It always
// answers 200 with an empty TwiML response, whatever happens inside; a
// non-200 here would put the provider into a retry loop.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	fields := parseInboundFields(r)

	if sid := fields["conversationsid"]; sid != "" {
		s.cfg.Engine.MarkByConversationSid(r.Context(), sid, fields["author"])
	} else if from := fields["from"]; from != "" {
		s.cfg.Engine.MarkByContact(r.Context(), from)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}

// parseInboundFields accepts JSON or form-urlencoded bodies and lowercases
// the recognized keys, so From/from, ConversationSid/conversationSid, and
// Author/author all land in the same place.
func parseInboundFields(r *http.Request) map[string]string {
	out := map[string]string{}
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			for k, v := range body {
				if sv, ok := v.(string); ok {
					out[strings.ToLower(k)] = sv
				}
			}
		}
		return out
	}
	if err := r.ParseForm(); err == nil {
		for k, vs := range r.Form {
			if len(vs) > 0 {
				out[strings.ToLower(k)] = vs[0]
			}
		}
	}
	return out
}

// handleWSStatus upgrades to a WebSocket and streams every bus event to the
// client as JSON until it disconnects.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("opsapi: ws client connected", "trace_id", shared.TraceID(r.Context()))
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := map[string]any{
				"topic":   event.Topic,
				"payload": event.Payload,
				"ts":      time.Now().UTC().Format(time.RFC3339),
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount reports connected /ws/status clients for the status surface.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryOffset(r *http.Request) int {
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}
