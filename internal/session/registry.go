package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-meet/internal/pipeline"
	"github.com/loqalabs/loqa-meet/internal/protocol"
)

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrUnknownSession   = errors.New("session not registered")
	ErrRegistryFull     = errors.New("session limit reached")
)

// Transport sends replies back to the client that owns a session.
type Transport interface {
	SendBinary(ctx context.Context, data []byte) error
	SendText(ctx context.Context, data []byte) error
}

type UnitKind int

const (
	UnitBinary UnitKind = iota
	UnitText
)

// Unit is one inbound transport message.
type Unit struct {
	Kind UnitKind
	Data []byte
}

type Options struct {
	Logger      *slog.Logger
	Providers   *pipeline.Providers
	Sink        pipeline.EventSink
	Config      pipeline.ProviderConfig
	CallTimeout time.Duration
	MaxSessions int
	// Uptime reports the monotonic clock used for pong timestamps.
	Uptime func() time.Duration
}

type entry struct {
	session     *pipeline.Session
	transport   Transport
	connectedAt time.Time
}

// Registry owns every live session keyed by client id.
type Registry struct {
	log         *slog.Logger
	providers   *pipeline.Providers
	sink        pipeline.EventSink
	config      pipeline.ProviderConfig
	callTimeout time.Duration
	maxSessions int
	uptime      func() time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	meter        metric.Meter
	registration metric.Registration
}

func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	uptime := opts.Uptime
	if uptime == nil {
		start := time.Now()
		uptime = func() time.Duration { return time.Since(start) }
	}
	providers := opts.Providers
	if providers == nil {
		providers = pipeline.DefaultProviders(nil)
	}
	r := &Registry{
		log:         log.With(slog.String("component", "session-registry")),
		providers:   providers,
		sink:        opts.Sink,
		config:      opts.Config,
		callTimeout: opts.CallTimeout,
		maxSessions: opts.MaxSessions,
		uptime:      uptime,
		entries:     make(map[string]*entry),
		meter:       otel.Meter("github.com/loqalabs/loqa-meet/session"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Connect registers a client and starts its pipeline. It does not wait for
// provider initialization.
func (r *Registry) Connect(ctx context.Context, clientID string, transport Transport) (*pipeline.Session, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	r.mu.Lock()
	if _, exists := r.entries[clientID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, clientID)
	}
	if r.maxSessions > 0 && len(r.entries) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrRegistryFull, r.maxSessions)
	}
	sess := pipeline.NewSession(pipeline.Options{
		ID:          clientID,
		Config:      r.config,
		Providers:   r.providers,
		Sink:        r.sink,
		Logger:      r.log,
		CallTimeout: r.callTimeout,
	})
	r.entries[clientID] = &entry{session: sess, transport: transport, connectedAt: time.Now().UTC()}
	count := len(r.entries)
	r.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		r.remove(clientID, sess)
		_ = sess.Close()
		return nil, err
	}
	r.log.Info("client connected", slog.String("client_id", clientID), slog.Int("active_sessions", count))
	r.publish(protocol.PipelineEvent{SessionID: clientID, Kind: protocol.EventSessionConnected})
	return sess, nil
}

// Dispatch routes one inbound unit to the client's session and sends any
// reply back on the same transport. Client mistakes are reported to the
// client and never returned; only transport failures are.
func (r *Registry) Dispatch(ctx context.Context, clientID string, unit Unit) error {
	r.mu.RLock()
	e, ok := r.entries[clientID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, clientID)
	}
	switch unit.Kind {
	case UnitBinary:
		return r.handleAudio(ctx, clientID, e, unit.Data)
	case UnitText:
		return r.handleControl(ctx, clientID, e, unit.Data)
	default:
		r.log.Warn("ignoring unit of unknown kind", slog.String("client_id", clientID), slog.Int("kind", int(unit.Kind)))
		return nil
	}
}

// Disconnect removes the client and closes its session. Calling it again, or
// for an unknown client, is a no-op.
func (r *Registry) Disconnect(clientID string) error {
	r.mu.Lock()
	e, ok := r.entries[clientID]
	if ok {
		delete(r.entries, clientID)
	}
	count := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.session.Close(); err != nil {
		r.log.Warn("failed to close session", slog.String("client_id", clientID), slog.String("error", err.Error()))
	}
	r.log.Info("client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("connected_for", time.Since(e.connectedAt)),
		slog.Int("active_sessions", count))
	r.publish(protocol.PipelineEvent{SessionID: clientID, Kind: protocol.EventSessionDisconnected})
	return nil
}

func (r *Registry) Get(clientID string) (*pipeline.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[clientID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot lists every session ordered by client id.
func (r *Registry) Snapshot() []pipeline.Info {
	r.mu.RLock()
	sessions := make([]*pipeline.Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	r.mu.RUnlock()

	out := make([]pipeline.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll disconnects every client and stops metric collection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Disconnect(id)
	}
	if r.registration != nil {
		_ = r.registration.Unregister()
		r.registration = nil
	}
}

func (r *Registry) remove(clientID string, sess *pipeline.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[clientID]; ok && e.session == sess {
		delete(r.entries, clientID)
	}
}

func (r *Registry) publish(event protocol.PipelineEvent) {
	if r.sink == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sink.Publish(ctx, event); err != nil {
		r.log.Warn("failed to publish session event", slog.String("kind", string(event.Kind)), slog.String("error", err.Error()))
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.meet.sessions.active", metric.WithDescription("Connected client sessions"))
	if err != nil {
		return err
	}
	reg, err := r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		live, mock, pending := r.snapshotCounts()
		obs.ObserveInt64(gauge, live, metric.WithAttributes(attribute.String("mode", "live")))
		obs.ObserveInt64(gauge, mock, metric.WithAttributes(attribute.String("mode", "mock")))
		obs.ObserveInt64(gauge, pending, metric.WithAttributes(attribute.String("mode", "initializing")))
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	r.registration = reg
	return nil
}

func (r *Registry) snapshotCounts() (live, mock, pending int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		switch e.session.Mode() {
		case pipeline.ModeLive:
			live++
		case pipeline.ModeMock:
			mock++
		default:
			pending++
		}
	}
	return live, mock, pending
}
