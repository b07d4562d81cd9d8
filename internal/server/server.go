package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-meet/internal/config"
	"github.com/loqalabs/loqa-meet/internal/eventstore"
	"github.com/loqalabs/loqa-meet/internal/session"
)

// EventReader reads back the recorded timeline. *eventstore.Store satisfies it.
type EventReader interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.SessionRecord, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// Server exposes the session registry over WebSocket plus the small HTTP
// status surface.
type Server struct {
	cfg      config.HTTPConfig
	registry *session.Registry
	log      *slog.Logger
	uptime   func() time.Duration
	events   EventReader
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New builds the server. events may be nil, in which case the history
// routes answer 404.
func New(cfg config.HTTPConfig, registry *session.Registry, events EventReader, log *slog.Logger, uptime func() time.Duration) *Server {
	if uptime == nil {
		start := time.Now()
		uptime = func() time.Duration { return time.Since(start) }
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		events:   events,
		log:      log.With(slog.String("component", "ws-server")),
		uptime:   uptime,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	handshake := time.Duration(cfg.HandshakeTimeout) * time.Millisecond
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshake,
		CheckOrigin:      s.originAllowed,
	}
	return s
}

// Register mounts the WebSocket and status routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{client_id}", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", s.withCORS(s.handleRoot))
	mux.HandleFunc("GET /health", s.withCORS(s.handleHealth))
	mux.HandleFunc("GET /sessions", s.withCORS(s.handleSessions))
	mux.HandleFunc("GET /sessions/history", s.withCORS(s.handleHistory))
	mux.HandleFunc("GET /sessions/{id}/events", s.withCORS(s.handleSessionEvents))
}

// CloseConnections sends a going-away close frame to every open socket.
// Hijacked connections are not closed by http.Server.Shutdown.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = c.Close()
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Meeting voice bot server",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.uptime().Seconds(),
		"sessions":  s.registry.Count(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    s.registry.Count(),
		"sessions": s.registry.Snapshot(),
	})
}

type eventView struct {
	ID        int64           `json:"id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Kind      string          `json:"kind"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionView struct {
	SessionID string     `json:"session_id"`
	Mode      string     `json:"mode,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}
	records, err := s.events.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		s.log.Error("list recorded sessions", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "event store unavailable"})
		return
	}
	out := make([]sessionView, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionView{SessionID: rec.SessionID, Mode: rec.Mode, CreatedAt: rec.CreatedAt, ClosedAt: rec.ClosedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "sessions": out})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	events, err := s.events.ListSessionEvents(r.Context(), id, queryLimit(r))
	if err != nil {
		s.log.Error("list session events", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "event store unavailable"})
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{ID: e.ID, TraceID: e.TraceID, Kind: e.Kind, Role: e.Role, Text: e.Text, Error: e.Error, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = json.RawMessage(e.Payload)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "count": len(out), "events": out})
}

// queryLimit reads ?limit=, leaving non-positive or malformed values to the
// store default.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		next(w, r)
	}
}

func (s *Server) track(c *websocket.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
