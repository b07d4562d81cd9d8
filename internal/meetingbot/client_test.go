package meetingbot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meet/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, srv *httptest.Server, statePath string) *Client {
	t.Helper()
	c, err := New(config.MeetingBotConfig{
		APIKey:        "recall-key",
		BaseURL:       srv.URL + "/",
		BotName:       "VoiceBot",
		WebpageURL:    "http://localhost:3000",
		JoinTimeoutMS: 500,
		StateFile:     statePath,
	}, srv.Client(), newLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.pollInterval = 10 * time.Millisecond
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(config.MeetingBotConfig{}, nil, newLogger()); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestCreateAndDeleteTrackState(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token recall-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/bot":
			_ = json.NewDecoder(r.Body).Decode(&payload)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"bot-1","bot_name":"VoiceBot","meeting_url":"https://meet.google.com/abc","status_changes":[{"code":"ready"}]}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/bot/bot-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	statePath := filepath.Join(t.TempDir(), "active_bots.json")
	c := newTestClient(t, srv, statePath)

	bot, err := c.Create(context.Background(), "https://meet.google.com/abc", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bot.ID != "bot-1" || bot.Status() != "ready" {
		t.Fatalf("unexpected bot %+v", bot)
	}
	if payload["bot_name"] != "VoiceBot" || payload["meeting_url"] != "https://meet.google.com/abc" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, ok := payload["automatic_video_output"]; !ok {
		t.Fatal("expected webpage output in payload")
	}

	records, err := c.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if rec, ok := records["bot-1"]; !ok || rec.Status != "ready" || rec.MeetingURL != "https://meet.google.com/abc" {
		t.Fatalf("unexpected state %+v", records)
	}

	if err := c.Delete(context.Background(), "bot-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, err = c.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty state, got %+v", records)
	}
}

func TestCreateRequiresMeetingURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newTestClient(t, srv, "")
	if _, err := c.Create(context.Background(), " ", ""); err == nil {
		t.Fatal("expected error for empty meeting url")
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, "")

	_, err := c.Get(context.Background(), "bot-9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected APIError 400, got %v", err)
	}
}

func TestListAndCleanup(t *testing.T) {
	var deletes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = io.WriteString(w, `{"results":[{"id":"a","bot_name":"A"},{"id":"b","bot_name":"B","status_changes":[{"code":"in_call_recording"}]}]}`)
		case http.MethodDelete:
			deletes.Add(1)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv, "")

	bots, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bots) != 2 || bots[0].Status() != StatusUnknown || bots[1].Status() != StatusInCallRecording {
		t.Fatalf("unexpected bots %+v", bots)
	}
	removed, err := c.Cleanup(context.Background())
	if err != nil || removed != 2 || deletes.Load() != 2 {
		t.Fatalf("cleanup removed=%d deletes=%d err=%v", removed, deletes.Load(), err)
	}
}

func TestWaitForJoin(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = io.WriteString(w, `{"id":"bot-1","status_changes":[{"code":"joining_call"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"bot-1","status_changes":[{"code":"joining_call"},{"code":"in_call_recording"}]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, "")

	if err := c.WaitForJoin(context.Background(), "bot-1"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if polls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls.Load())
	}
}

func TestWaitForJoinFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"bot-1","status_changes":[{"code":"fatal"}]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, "")

	if err := c.WaitForJoin(context.Background(), "bot-1"); !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("expected ErrJoinFailed, got %v", err)
	}
}

func TestWaitForJoinTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"bot-1","status_changes":[{"code":"in_waiting_room"}]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, "")
	c.joinTimeout = 50 * time.Millisecond

	if err := c.WaitForJoin(context.Background(), "bot-1"); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
}

func TestBotMeetingObject(t *testing.T) {
	var bot Bot
	if err := json.Unmarshal([]byte(`{"id":"x","meeting_url":{"meeting_id":"abc-defg-hij","platform":"google_meet"}}`), &bot); err != nil {
		t.Fatal(err)
	}
	if bot.Meeting() != "abc-defg-hij" {
		t.Fatalf("unexpected meeting %q", bot.Meeting())
	}
}
