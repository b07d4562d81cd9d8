package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meet/internal/llm"
	"github.com/loqalabs/loqa-meet/internal/protocol"
	"github.com/loqalabs/loqa-meet/internal/stt"
)

// blockingRecognizer holds every call until release is closed or the call
// context ends.
type blockingRecognizer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRecognizer() *blockingRecognizer {
	return &blockingRecognizer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRecognizer) Transcribe(ctx context.Context, pcm []byte, opts stt.Options) (stt.TranscriptResult, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return stt.TranscriptResult{Text: "held question"}, nil
	case <-ctx.Done():
		return stt.TranscriptResult{}, ctx.Err()
	}
}

func (b *blockingRecognizer) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recognizer was never called")
	}
}

func startBlockingSession(t *testing.T, rec stt.Recognizer, gen *fakeGenerator, sink EventSink, timeout time.Duration) *Session {
	t.Helper()
	p := NewProviders()
	p.RegisterSTT("fake", true, func(context.Context, STTSettings) (stt.Recognizer, error) { return rec, nil })
	p.RegisterLLM("fake", true, func(context.Context, LLMSettings) (llm.Generator, error) { return gen, nil })
	s := NewSession(Options{
		ID:          "client-held",
		Config:      liveConfig(),
		Providers:   p,
		Sink:        sink,
		Logger:      newLogger(),
		CallTimeout: timeout,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func hasKind(kinds []protocol.EventKind, want protocol.EventKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func TestUpdateConfigWaitsForInFlightFrame(t *testing.T) {
	rec := newBlockingRecognizer()
	gen := &fakeGenerator{reply: "answer"}
	s := startBlockingSession(t, rec, gen, nil, 5*time.Second)

	f := frame(t)
	processed := make(chan error, 1)
	go func() {
		_, err := s.Process(context.Background(), f)
		processed <- err
	}()
	rec.waitEntered(t)

	updated := make(chan error, 1)
	go func() {
		updated <- s.UpdateConfig(context.Background(), json.RawMessage(`{"persona":{"system_prompt":"Be brief."}}`))
	}()
	select {
	case err := <-updated:
		t.Fatalf("update config returned while a frame was in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(rec.release)
	select {
	case err := <-updated:
		if err != nil {
			t.Fatalf("update config: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update config never returned")
	}
	if gen.calls() != 1 {
		t.Fatalf("frame should have finished its exchange before the update, llm calls %d", gen.calls())
	}
	if err := <-processed; err != nil {
		t.Fatalf("process: %v", err)
	}
	if h := s.History(); h[0].Text != "Be brief." || len(h) != 3 {
		t.Fatalf("unexpected history after update %+v", h)
	}
}

func TestCallTimeoutSurfacesDeadline(t *testing.T) {
	rec := newBlockingRecognizer()
	sink := &recordingSink{}
	s := startBlockingSession(t, rec, &fakeGenerator{reply: "never"}, sink, 50*time.Millisecond)

	start := time.Now()
	res, err := s.Process(context.Background(), frame(t))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("call timeout not applied, took %s", elapsed)
	}
	var upstream *UpstreamCallError
	if !errors.As(err, &upstream) || upstream.Capability != "stt" {
		t.Fatalf("expected stt UpstreamCallError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !res.Empty() {
		t.Fatal("timed out frame must not produce output")
	}
	if !hasKind(sink.kinds(), protocol.EventUpstreamError) {
		t.Fatalf("timeout should be recorded as an upstream error, got %v", sink.kinds())
	}
	if s.State() != StateLive {
		t.Fatalf("session should stay live, got %s", s.State())
	}
}

func TestCloseCancelsInFlightCall(t *testing.T) {
	rec := newBlockingRecognizer()
	sink := &recordingSink{}
	s := startBlockingSession(t, rec, &fakeGenerator{reply: "never"}, sink, 30*time.Second)

	f := frame(t)
	processed := make(chan error, 1)
	go func() {
		_, err := s.Process(context.Background(), f)
		processed <- err
	}()
	rec.waitEntered(t)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	select {
	case err := <-processed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
		if out := HandleFrameError(newLogger(), "client-held", err); out.Notify {
			t.Fatalf("cancelled frame must not notify the client: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the in-flight call")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close never returned")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if hasKind(sink.kinds(), protocol.EventUpstreamError) {
		t.Fatalf("cancelled frame must not be recorded as an upstream error: %v", sink.kinds())
	}
}

func TestCallerCancelIsNotAnUpstreamFailure(t *testing.T) {
	rec := newBlockingRecognizer()
	sink := &recordingSink{}
	s := startBlockingSession(t, rec, &fakeGenerator{reply: "never"}, sink, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-rec.entered
		cancel()
	}()
	_, err := s.Process(ctx, frame(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if hasKind(sink.kinds(), protocol.EventUpstreamError) {
		t.Fatalf("caller cancellation recorded as upstream error: %v", sink.kinds())
	}
	if s.State() != StateLive {
		t.Fatalf("session should stay live, got %s", s.State())
	}
}

func TestStartWithDoneContext(t *testing.T) {
	s := NewSession(Options{ID: "late", Config: liveConfig(), Providers: fakeProviders(&fakeRecognizer{}, &fakeGenerator{}), Logger: newLogger()})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Fatalf("done context must not start initialization, got %s", s.State())
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start after cancelled attempt: %v", err)
	}
	wait, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := s.WaitReady(wait); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestUpdateConfigLogsRedactedConfig(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(Options{
		ID:        "client-log",
		Config:    liveConfig(),
		Providers: fakeProviders(&fakeRecognizer{}, &fakeGenerator{}),
		Logger:    slog.New(slog.NewTextHandler(&buf, nil)),
	})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateConfig(context.Background(), json.RawMessage(`{"llm":{"provider":"fake","api_key":"sk-live-secret"}}`)); err != nil {
		t.Fatalf("update config: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "sk-live-secret") {
		t.Fatalf("credential leaked into log: %s", out)
	}
	if !strings.Contains(out, "pipeline configuration updated") || !strings.Contains(out, "***") {
		t.Fatalf("expected redacted config in log, got %s", out)
	}
}
