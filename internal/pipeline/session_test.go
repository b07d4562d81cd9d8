package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meet/internal/audio"
	"github.com/loqalabs/loqa-meet/internal/llm"
	"github.com/loqalabs/loqa-meet/internal/protocol"
	"github.com/loqalabs/loqa-meet/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecognizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, pcm []byte, opts stt.Options) (stt.TranscriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return stt.TranscriptResult{}, f.err
	}
	text := f.text
	if text == "<count>" {
		text = fmt.Sprintf("utterance %d", f.calls)
	}
	return stt.TranscriptResult{Text: text}, nil
}

func (f *fakeRecognizer) set(text string, err error) {
	f.mu.Lock()
	f.text, f.err = text, err
	f.mu.Unlock()
}

type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply, err := f.reply, f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return consumer(llm.Chunk{Content: reply})
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.PipelineEvent
}

func (r *recordingSink) Publish(ctx context.Context, event protocol.PipelineEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) kinds() []protocol.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func fakeProviders(rec *fakeRecognizer, gen *fakeGenerator) *Providers {
	p := NewProviders()
	p.RegisterSTT("fake", true, func(context.Context, STTSettings) (stt.Recognizer, error) { return rec, nil })
	p.RegisterLLM("fake", true, func(context.Context, LLMSettings) (llm.Generator, error) { return gen, nil })
	p.RegisterLLM("broken", false, func(context.Context, LLMSettings) (llm.Generator, error) {
		return nil, errors.New("constructor exploded")
	})
	return p
}

func liveConfig() ProviderConfig {
	return ProviderConfig{
		STT:     STTSettings{Provider: "fake", APIKey: "stt-key", Language: "ja", Model: "nova-2"},
		LLM:     LLMSettings{Provider: "fake", APIKey: "llm-key", Model: "gpt-4", Temperature: 0.7},
		TTS:     TTSSettings{Provider: "cartesia"},
		Persona: PersonaSettings{SystemPrompt: "You are a meeting assistant."},
	}
}

func startSession(t *testing.T, cfg ProviderConfig, rec *fakeRecognizer, gen *fakeGenerator, sink EventSink) *Session {
	t.Helper()
	s := NewSession(Options{
		ID:          "client-1",
		Config:      cfg,
		Providers:   fakeProviders(rec, gen),
		Sink:        sink,
		Logger:      newLogger(),
		CallTimeout: time.Second,
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

func frame(t *testing.T) audio.Frame {
	t.Helper()
	f, _, err := audio.Normalize(make([]byte, audio.FrameBytes))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMockModeWhenCredentialMissing(t *testing.T) {
	cfg := liveConfig()
	cfg.STT.APIKey = ""
	s := startSession(t, cfg, &fakeRecognizer{}, &fakeGenerator{}, nil)
	if s.State() != StateMock {
		t.Fatalf("expected mock state, got %s", s.State())
	}

	for i := 0; i < 2; i++ {
		res, err := s.Process(context.Background(), frame(t))
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		samples := audio.BytesToSamples(res.Audio)
		if len(samples) != 16000 {
			t.Fatalf("expected 16000 samples, got %d", len(samples))
		}
		for j, v := range samples {
			if v != 0 {
				t.Fatalf("sample %d is %d, want 0", j, v)
			}
		}
	}
}

func TestMockModeOnUnknownOrBrokenProvider(t *testing.T) {
	cfg := liveConfig()
	cfg.LLM.Provider = "nope"
	if s := startSession(t, cfg, &fakeRecognizer{}, &fakeGenerator{}, nil); s.Mode() != ModeMock {
		t.Fatalf("expected mock mode for unknown provider, got %q", s.Mode())
	}
	cfg.LLM.Provider = "broken"
	if s := startSession(t, cfg, &fakeRecognizer{}, &fakeGenerator{}, nil); s.Mode() != ModeMock {
		t.Fatalf("expected mock mode for failing constructor, got %q", s.Mode())
	}
}

func TestLiveExchange(t *testing.T) {
	rec := &fakeRecognizer{text: " hello there "}
	gen := &fakeGenerator{reply: "hi!"}
	sink := &recordingSink{}
	s := startSession(t, liveConfig(), rec, gen, sink)
	if s.State() != StateLive {
		t.Fatalf("expected live state, got %s", s.State())
	}

	res, err := s.Process(context.Background(), frame(t))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Audio) != audio.BytesInDuration(LiveSilence) {
		t.Fatalf("expected %d bytes of placeholder audio, got %d", audio.BytesInDuration(LiveSilence), len(res.Audio))
	}

	history := s.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if history[1].Role != llm.RoleUser || history[1].Text != "hello there" {
		t.Fatalf("unexpected user entry %+v", history[1])
	}
	if history[2].Role != llm.RoleAssistant || history[2].Text != "hi!" {
		t.Fatalf("unexpected assistant entry %+v", history[2])
	}

	req := gen.requests[0]
	if req.MaxTokens != MaxResponseTokens || req.Temperature != 0.7 || req.Model != "gpt-4" {
		t.Fatalf("unexpected llm request %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("expected persona plus user turn, got %+v", req.Messages)
	}

	kinds := sink.kinds()
	want := []protocol.EventKind{protocol.EventModeChanged, protocol.EventTranscript, protocol.EventResponse}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if info := s.Info(); info.Exchanges != 1 || info.HistoryLen != 3 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestLiveEmptyTranscriptYieldsNoOutput(t *testing.T) {
	rec := &fakeRecognizer{text: "   "}
	gen := &fakeGenerator{reply: "unused"}
	s := startSession(t, liveConfig(), rec, gen, nil)

	res, err := s.Process(context.Background(), frame(t))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected no output, got %d bytes", len(res.Audio))
	}
	if n := len(s.History()); n != 1 {
		t.Fatalf("expected history length 1, got %d", n)
	}
	if gen.calls() != 0 {
		t.Fatalf("llm must not be called for empty transcript")
	}
}

func TestHistoryRetention(t *testing.T) {
	rec := &fakeRecognizer{text: "<count>"}
	gen := &fakeGenerator{reply: "ok"}
	s := startSession(t, liveConfig(), rec, gen, nil)

	for i := 0; i < 21; i++ {
		if _, err := s.Process(context.Background(), frame(t)); err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		if n := len(s.History()); n > HistoryLimit {
			t.Fatalf("history grew to %d after exchange %d", n, i)
		}
	}
	history := s.History()
	if len(history) != 19 {
		t.Fatalf("expected 19 entries, got %d", len(history))
	}
	if history[0].Role != llm.RoleSystem || history[0].Text != "You are a meeting assistant." {
		t.Fatalf("persona entry lost: %+v", history[0])
	}
	if history[1].Role != llm.RoleUser || history[17].Text != "utterance 21" {
		t.Fatalf("unexpected tail: %+v / %+v", history[1], history[17])
	}
}

func TestUpstreamFailuresYieldNoOutput(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("stt down")}
	gen := &fakeGenerator{reply: "fine"}
	s := startSession(t, liveConfig(), rec, gen, nil)

	res, err := s.Process(context.Background(), frame(t))
	var upstream *UpstreamCallError
	if !errors.As(err, &upstream) || upstream.Capability != "stt" {
		t.Fatalf("expected stt UpstreamCallError, got %v", err)
	}
	if !res.Empty() || len(s.History()) != 1 {
		t.Fatalf("failed frame must not produce output or history")
	}

	rec.set("question", nil)
	gen.mu.Lock()
	gen.err = errors.New("llm down")
	gen.mu.Unlock()
	_, err = s.Process(context.Background(), frame(t))
	if !errors.As(err, &upstream) || upstream.Capability != "llm" {
		t.Fatalf("expected llm UpstreamCallError, got %v", err)
	}
	if n := len(s.History()); n != 1 {
		t.Fatalf("dangling user entry not rolled back, history length %d", n)
	}

	gen.mu.Lock()
	gen.err = nil
	gen.mu.Unlock()
	res, err = s.Process(context.Background(), frame(t))
	if err != nil || res.Empty() {
		t.Fatalf("session should recover, got err=%v empty=%v", err, res.Empty())
	}
	if s.State() != StateLive {
		t.Fatalf("session should stay live, got %s", s.State())
	}
}

func TestUpdateConfigKeepsHistory(t *testing.T) {
	rec := &fakeRecognizer{text: "<count>"}
	gen := &fakeGenerator{reply: "ok"}
	s := startSession(t, liveConfig(), rec, gen, nil)
	for i := 0; i < 3; i++ {
		if _, err := s.Process(context.Background(), frame(t)); err != nil {
			t.Fatal(err)
		}
	}
	before := s.History()

	partial := json.RawMessage(`{"llm":{"provider":"fake","api_key":"llm-key-2","model":"gpt-4o","temperature":0.2},"persona":{"system_prompt":"Be terse."}}`)
	if err := s.UpdateConfig(context.Background(), partial); err != nil {
		t.Fatalf("update config: %v", err)
	}
	after := s.History()
	if len(after) != len(before) {
		t.Fatalf("history length changed from %d to %d", len(before), len(after))
	}
	if after[0].Text != "Be terse." || after[0].Role != llm.RoleSystem {
		t.Fatalf("persona entry not rewritten: %+v", after[0])
	}
	for i := 1; i < len(before); i++ {
		if after[i] != before[i] {
			t.Fatalf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}

	cfg := s.Config()
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.Temperature != 0.2 || cfg.LLM.Provider != "fake" || cfg.LLM.APIKey != "llm-key-2" {
		t.Fatalf("unexpected merged llm config %+v", cfg.LLM)
	}
	if cfg.STT != liveConfig().STT {
		t.Fatalf("absent stt section must be kept, got %+v", cfg.STT)
	}
	if s.State() != StateLive {
		t.Fatalf("expected live after reconfigure, got %s", s.State())
	}

	if err := s.UpdateConfig(context.Background(), json.RawMessage(`{"stt":{"api_key":""}}`)); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if s.State() != StateMock {
		t.Fatalf("expected mock after clearing key, got %s", s.State())
	}
	if n := len(s.History()); n != len(before) {
		t.Fatalf("history length changed to %d", n)
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	s := startSession(t, liveConfig(), &fakeRecognizer{}, &fakeGenerator{}, nil)
	if err := s.UpdateConfig(context.Background(), json.RawMessage(`{"persona":{"system_prompt":"  "}}`)); err == nil {
		t.Fatal("expected empty persona prompt to be rejected")
	}
	if err := s.UpdateConfig(context.Background(), json.RawMessage(`{"llm":{"temperature":"hot"}}`)); err == nil {
		t.Fatal("expected mistyped temperature to be rejected")
	}
	if s.Config().Persona.SystemPrompt != "You are a meeting assistant." {
		t.Fatal("rejected update must leave config untouched")
	}
}

func TestMergeReplacesWholeSection(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	base := liveConfig()

	next, err := base.Merge(json.RawMessage(`{"llm":{"model":"gpt-4o"}}`))
	if err != nil {
		t.Fatal(err)
	}
	want := LLMSettings{Model: "gpt-4o"}
	if next.LLM != want {
		t.Fatalf("llm section should be replaced whole, got %+v", next.LLM)
	}
	if next.STT != base.STT || next.TTS != base.TTS || next.Persona != base.Persona {
		t.Fatalf("untouched sections changed: %+v", next)
	}

	if _, err := base.Merge(json.RawMessage(`{"persona":{"tone":"warm"}}`)); err == nil {
		t.Fatal("persona section without a prompt must be rejected")
	}
	if _, err := base.Merge(json.RawMessage(`{"stt":"deepgram"}`)); err == nil {
		t.Fatal("non-object section must be rejected")
	}
}

func TestMergeSwitchingProviderPicksVendorKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	base := liveConfig()
	base.LLM.Provider = "openai"

	next, err := base.Merge(json.RawMessage(`{"llm":{"provider":"anthropic"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if next.LLM.APIKey != "ant-key" {
		t.Fatalf("expected vendor key, got %q", next.LLM.APIKey)
	}
	if base.LLM.Provider != "openai" {
		t.Fatal("merge must not mutate the receiver")
	}

	next, err = base.Merge(json.RawMessage(`{"llm":{"provider":"anthropic","api_key":"explicit"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if next.LLM.APIKey != "explicit" {
		t.Fatalf("expected explicit key, got %q", next.LLM.APIKey)
	}
	if red := next.Redacted(); red.LLM.APIKey != "***" || red.STT.APIKey != "***" {
		t.Fatalf("expected redacted keys, got %+v", red)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := startSession(t, liveConfig(), &fakeRecognizer{text: "x"}, &fakeGenerator{reply: "y"}, nil)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if _, err := s.Process(context.Background(), frame(t)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.UpdateConfig(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestProcessBeforeStart(t *testing.T) {
	s := NewSession(Options{ID: "idle", Config: liveConfig(), Logger: newLogger()})
	defer s.Close()
	if _, err := s.Process(context.Background(), frame(t)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", s.State())
	}
}

func TestCloseBeforeStartRejectsStart(t *testing.T) {
	s := NewSession(Options{ID: "gone", Config: liveConfig(), Logger: newLogger()})
	_ = s.Close()
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestRetainKeepsPersonaFirst(t *testing.T) {
	history := []llm.Message{{Role: llm.RoleSystem, Text: "p"}}
	for i := 0; i < 20; i++ {
		history = append(history, llm.Message{Role: llm.RoleUser, Text: fmt.Sprint(i)})
	}
	kept := retain(history)
	if len(kept) != HistoryKeep+1 || kept[0].Text != "p" || kept[len(kept)-1].Text != "19" {
		t.Fatalf("unexpected retained history %+v", kept)
	}
	short := history[:HistoryLimit]
	if got := retain(short); len(got) != HistoryLimit {
		t.Fatalf("history at the limit must not collapse, got %d", len(got))
	}
}
