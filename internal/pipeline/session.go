package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-meet/internal/audio"
	"github.com/loqalabs/loqa-meet/internal/llm"
	"github.com/loqalabs/loqa-meet/internal/protocol"
	"github.com/loqalabs/loqa-meet/internal/stt"
	"github.com/loqalabs/loqa-meet/internal/tts"
)

const (
	// HistoryLimit is the longest history kept after an exchange; longer
	// histories collapse to the persona entry plus the last HistoryKeep.
	HistoryLimit = 20
	HistoryKeep  = 18

	MaxResponseTokens  = 150
	MockSilence        = time.Second
	LiveSilence        = 2 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateLive
	StateMock
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateLive:
		return "live"
	case StateMock:
		return "mock"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

// Result is the outcome of one frame. A nil Audio means no output.
type Result struct {
	Audio []byte
}

func (r Result) Empty() bool { return len(r.Audio) == 0 }

type Options struct {
	ID          string
	Config      ProviderConfig
	Providers   *Providers
	Sink        EventSink
	Logger      *slog.Logger
	CallTimeout time.Duration
}

// Info is a point-in-time view of a session for status reporting.
type Info struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Mode         Mode      `json:"mode,omitempty"`
	HistoryLen   int       `json:"history_len"`
	STTProvider  string    `json:"stt_provider"`
	LLMProvider  string    `json:"llm_provider"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Exchanges    int       `json:"exchanges"`
}

// Session is the per-client pipeline. Process, UpdateConfig and
// initialization are serialized by mu; Info and State never block on it.
type Session struct {
	id          string
	logger      *slog.Logger
	providers   *Providers
	sink        EventSink
	callTimeout time.Duration
	tracer      trace.Tracer
	metrics     *pipelineMetrics

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	state     atomic.Int32
	startOnce sync.Once
	closeOnce sync.Once

	mu         sync.Mutex
	cfg        ProviderConfig
	recognizer stt.Recognizer
	generator  llm.Generator
	synth      tts.Synthesizer
	history    []llm.Message

	infoMu sync.RWMutex
	info   Info
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders(nil)
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s := &Session{
		id:          opts.ID,
		logger:      logger.With(slog.String("session_id", opts.ID)),
		providers:   providers,
		sink:        sink,
		callTimeout: timeout,
		tracer:      otel.Tracer(instrumentationName),
		metrics:     newPipelineMetrics(),
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		cfg:         opts.Config,
		history: []llm.Message{{
			Role: llm.RoleSystem,
			Text: opts.Config.Persona.SystemPrompt,
		}},
		info: Info{
			ID:           opts.ID,
			HistoryLen:   1,
			STTProvider:  opts.Config.STT.Provider,
			LLMProvider:  opts.Config.LLM.Provider,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	s.state.Store(int32(StateUninitialized))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Mode reports live or mock once initialization has settled.
func (s *Session) Mode() Mode {
	switch s.State() {
	case StateLive:
		return ModeLive
	case StateMock:
		return ModeMock
	}
	return ""
}

// Start moves the session into Initializing and builds providers in the
// background. It returns immediately; use WaitReady to observe completion.
// A ctx that is already done leaves the session uninitialized.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := false
	s.startOnce.Do(func() {
		if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
			return
		}
		started = true
		go func() {
			defer close(s.ready)
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.ctx.Err() != nil {
				return
			}
			s.initialize(s.ctx)
		}()
	})
	if !started {
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		return fmt.Errorf("pipeline session %s already started", s.id)
	}
	return nil
}

// WaitReady blocks until the initial initialization has finished.
func (s *Session) WaitReady(ctx context.Context) error {
	if s.State() == StateUninitialized {
		return ErrNotStarted
	}
	select {
	case <-s.ready:
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialize decides between live and mock for the current config. Callers
// hold mu.
func (s *Session) initialize(ctx context.Context) {
	current := s.State()
	if current == StateClosed {
		return
	}
	previous := s.Mode()
	if !s.state.CompareAndSwap(int32(current), int32(StateInitializing)) {
		return
	}
	s.releaseProviders()

	cfg := s.cfg
	recognizer, err := s.providers.BuildSTT(ctx, cfg.STT)
	if err == nil {
		var generator llm.Generator
		generator, err = s.providers.BuildLLM(ctx, cfg.LLM)
		if err == nil {
			s.recognizer = recognizer
			s.generator = generator
		} else {
			closeHandle(recognizer)
		}
	}

	mode := ModeLive
	next := StateLive
	if err != nil {
		s.logger.Warn("provider initialization failed, using mock mode", slog.String("error", err.Error()))
		s.recognizer = nil
		s.generator = nil
		mode = ModeMock
		next = StateMock
	}
	s.synth = tts.NewSilenceSynth(LiveSilence)

	if !s.state.CompareAndSwap(int32(StateInitializing), int32(next)) {
		s.releaseProviders()
		return
	}
	s.updateInfo(func(info *Info) {
		info.STTProvider = cfg.STT.Provider
		info.LLMProvider = cfg.LLM.Provider
	})
	s.logger.Info("pipeline initialized",
		slog.String("mode", string(mode)),
		slog.String("stt_provider", cfg.STT.Provider),
		slog.String("llm_provider", cfg.LLM.Provider))
	if mode != previous {
		s.emit(protocol.PipelineEvent{Kind: protocol.EventModeChanged, Mode: string(mode)})
	}
}

// Process runs one frame through the pipeline. Errors are returned for the
// caller's failure policy; they never leave the session unusable.
func (s *Session) Process(ctx context.Context, frame audio.Frame) (Result, error) {
	if err := s.WaitReady(ctx); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.touch()
	switch s.State() {
	case StateClosed:
		return Result{}, ErrSessionClosed
	case StateMock:
		s.metrics.frame(ctx, ModeMock)
		return Result{Audio: audio.Silence(MockSilence)}, nil
	}
	s.metrics.frame(ctx, ModeLive)
	return s.exchange(ctx, frame)
}

func (s *Session) exchange(ctx context.Context, frame audio.Frame) (Result, error) {
	cfg := s.cfg
	traceID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "pipeline.exchange", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("trace.id", traceID),
	))
	defer span.End()

	transcript, err := s.transcribe(ctx, frame, cfg)
	if err != nil {
		s.fail(ctx, span, traceID, err)
		return Result{}, err
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Result{}, nil
	}
	s.logger.Info("transcribed", slog.String("trace_id", traceID), slog.String("text", transcript))
	s.emit(protocol.PipelineEvent{Kind: protocol.EventTranscript, TraceID: traceID, Role: string(llm.RoleUser), Text: transcript})

	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Text: transcript})
	reply, err := s.generate(ctx, traceID, cfg)
	if err != nil || reply == "" {
		s.history = s.history[:len(s.history)-1]
		if err != nil {
			s.fail(ctx, span, traceID, err)
		}
		return Result{}, err
	}
	s.logger.Info("generated response", slog.String("trace_id", traceID), slog.String("text", reply))
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Text: reply})
	s.history = retain(s.history)
	s.emit(protocol.PipelineEvent{Kind: protocol.EventResponse, TraceID: traceID, Role: string(llm.RoleAssistant), Text: reply})
	s.metrics.exchange(ctx)
	s.updateInfo(func(info *Info) { info.Exchanges++ })

	pcm, err := tts.Collect(ctx, s.synth, tts.SynthRequest{
		SessionID: s.id,
		Text:      reply,
		Voice:     cfg.TTS.VoiceID,
		Model:     cfg.TTS.Model,
	})
	if err != nil {
		err = &UpstreamCallError{Capability: "tts", Provider: cfg.TTS.Provider, Err: err}
		s.fail(ctx, span, traceID, err)
		return Result{}, err
	}
	return Result{Audio: pcm}, nil
}

func (s *Session) transcribe(ctx context.Context, frame audio.Frame, cfg ProviderConfig) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	callCtx, span := s.tracer.Start(callCtx, "stt.transcribe", trace.WithAttributes(attribute.String("provider", cfg.STT.Provider)))
	defer span.End()

	start := time.Now()
	res, err := s.recognizer.Transcribe(callCtx, frame.Bytes(), stt.Options{
		Language:   cfg.STT.Language,
		Model:      cfg.STT.Model,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	s.metrics.observe(ctx, "stt", time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return "", &UpstreamCallError{Capability: "stt", Provider: cfg.STT.Provider, Err: err}
	}
	return res.Text, nil
}

func (s *Session) generate(ctx context.Context, traceID string, cfg ProviderConfig) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	callCtx, span := s.tracer.Start(callCtx, "llm.generate", trace.WithAttributes(attribute.String("provider", cfg.LLM.Provider)))
	defer span.End()

	start := time.Now()
	reply, err := llm.Collect(callCtx, s.generator, llm.Request{
		SessionID:   s.id,
		TraceID:     traceID,
		Messages:    append([]llm.Message(nil), s.history...),
		Model:       cfg.LLM.Model,
		MaxTokens:   MaxResponseTokens,
		Temperature: cfg.LLM.Temperature,
	})
	s.metrics.observe(ctx, "llm", time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return "", &UpstreamCallError{Capability: "llm", Provider: cfg.LLM.Provider, Err: err}
	}
	return reply, nil
}

func (s *Session) fail(ctx context.Context, span trace.Span, traceID string, err error) {
	if ctx.Err() != nil {
		// Abandoned by the caller or by Close.
		s.logger.Debug("exchange abandoned", slog.String("trace_id", traceID), slog.String("error", err.Error()))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	capability := "pipeline"
	var upstream *UpstreamCallError
	if errors.As(err, &upstream) {
		capability = upstream.Capability
	}
	s.metrics.failure(ctx, capability)
	s.emit(protocol.PipelineEvent{Kind: protocol.EventUpstreamError, TraceID: traceID, Error: err.Error()})
}

// retain collapses history to the persona entry plus the most recent
// HistoryKeep entries once it grows past HistoryLimit.
func retain(history []llm.Message) []llm.Message {
	if len(history) <= HistoryLimit {
		return history
	}
	kept := make([]llm.Message, 0, HistoryKeep+1)
	kept = append(kept, history[0])
	kept = append(kept, history[len(history)-HistoryKeep:]...)
	return kept
}

// UpdateConfig merges a partial config, swaps it in and re-runs
// initialization. Conversation history survives; a new persona prompt
// replaces the text of the system entry in place.
func (s *Session) UpdateConfig(ctx context.Context, partial json.RawMessage) error {
	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	next, err := s.cfg.Merge(partial)
	if err != nil {
		return err
	}
	if next.Persona.SystemPrompt != s.cfg.Persona.SystemPrompt {
		s.history[0].Text = next.Persona.SystemPrompt
	}
	s.cfg = next
	s.logger.Info("pipeline configuration updated", slog.Any("config", next.Redacted()))
	s.initialize(s.ctx)
	s.touch()
	return nil
}

// Config returns the active snapshot.
func (s *Session) Config() ProviderConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// History returns a copy of the conversation.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

func (s *Session) Info() Info {
	s.infoMu.RLock()
	info := s.info
	s.infoMu.RUnlock()
	info.State = s.State().String()
	info.Mode = s.Mode()
	return info
}

// Close is idempotent. It cancels any pending initialization and releases
// provider handles once in-flight work finishes.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.state.Store(int32(StateClosed))
		s.mu.Lock()
		s.releaseProviders()
		s.mu.Unlock()
		s.logger.Info("pipeline closed")
	})
	return nil
}

func (s *Session) releaseProviders() {
	closeHandle(s.recognizer)
	closeHandle(s.generator)
	s.recognizer = nil
	s.generator = nil
}

func closeHandle(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// touch records activity and the history length. Callers hold mu.
func (s *Session) touch() {
	n := len(s.history)
	s.updateInfo(func(info *Info) {
		info.HistoryLen = n
		info.LastActivity = time.Now().UTC()
	})
}

func (s *Session) updateInfo(fn func(*Info)) {
	s.infoMu.Lock()
	fn(&s.info)
	s.infoMu.Unlock()
}

func (s *Session) emit(event protocol.PipelineEvent) {
	event.SessionID = s.id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sink.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish pipeline event", slog.String("kind", string(event.Kind)), slog.String("error", err.Error()))
	}
}
