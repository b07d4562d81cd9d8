package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-meet/internal/bus"
	"github.com/loqalabs/loqa-meet/internal/config"
	"github.com/loqalabs/loqa-meet/internal/eventstore"
	"github.com/loqalabs/loqa-meet/internal/natsserver"
	"github.com/loqalabs/loqa-meet/internal/pipeline"
	"github.com/loqalabs/loqa-meet/internal/server"
	"github.com/loqalabs/loqa-meet/internal/session"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	started       time.Time
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	registry      *session.Registry
	ws            *server.Server
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
}

func (r *Runtime) uptime() time.Duration {
	return time.Since(r.started)
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	sinks := pipeline.MultiSink{r.store}
	if r.bus != nil {
		sinks = append(sinks, r.bus)
	}

	providers := pipeline.DefaultProviders(&http.Client{})
	sttNames, llmNames := providers.Names()
	r.registry = session.NewRegistry(session.Options{
		Logger:      r.logger,
		Providers:   providers,
		Sink:        sinks,
		Config:      pipeline.ConfigFromRuntime(r.cfg),
		CallTimeout: time.Duration(r.cfg.Session.CallTimeoutMS) * time.Millisecond,
		MaxSessions: r.cfg.Session.MaxSessions,
		Uptime:      r.uptime,
	})
	r.ws = server.New(r.cfg.HTTP, r.registry, r.store, r.logger.With(slog.String("component", "server")), r.uptime)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http server")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics server")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind),
		slog.String("stt_provider", r.cfg.STT.Provider),
		slog.String("llm_provider", r.cfg.LLM.Provider),
		slog.Any("stt_backends", sttNames),
		slog.Any("llm_backends", llmNames),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.ws != nil {
		r.ws.Register(mux)
	}
	return mux
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.ws != nil {
		r.ws.CloseConnections()
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.CloseAll()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
