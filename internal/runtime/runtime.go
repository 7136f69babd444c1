package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-tts/internal/api"
	"github.com/loqalabs/loqa-tts/internal/backend"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	eventStore *eventstore.Store
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *registry.Registry
	backend    *backend.Backend
	worker     *tts.Service
	handler    http.Handler

	ready atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Start brings up every configured component and serves until ctx ends.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeoutMS) * time.Millisecond,
	}}
	if tel.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metrics)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.runPrune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.Bool("api", r.cfg.API.Enabled),
		slog.Bool("worker", r.cfg.Worker.Enabled))

	return g.Wait()
}

// setup builds components in dependency order. On error the caller runs
// teardown for whatever was started.
func (r *Runtime) setup(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.eventStore = store

	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.natsServer = ns

		var servers []string
		if ns != nil {
			servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, servers, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client

		reg, err := registry.New(ctx, r.cfg.Worker, r.cfg.Engine, client, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start worker registry: %w", err)
		}
		r.registry = reg
	}

	engine, err := newEngine(r.cfg.Engine, r.bus)
	if err != nil {
		return fmt.Errorf("failed to create %s engine: %w", r.cfg.Engine.Mode, err)
	}

	if r.cfg.Worker.Enabled {
		r.worker = tts.NewService(ctx, r.cfg.Worker, r.cfg.Engine, r.bus, engine, r.logger)
		if err := r.worker.Start(); err != nil {
			return fmt.Errorf("failed to start tts worker: %w", err)
		}
	}

	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)

	if r.cfg.API.Enabled {
		r.backend = backend.New(engine, backend.Options{
			Workers:    r.cfg.Engine.Workers,
			SampleRate: uint32(r.cfg.Engine.SampleRate),
			Timeout:    time.Duration(r.cfg.Engine.TimeoutMS) * time.Millisecond,
			Health:     r.engineHealthy,
		}, r.logger)
		router.Mount("/", api.New(r.backend, r.eventStore, r.cfg.API, r.version, r.logger).Routes())
	}
	r.handler = router
	return nil
}

// engineHealthy reports whether the configured engine can take work. A bus
// engine needs at least one live worker.
func (r *Runtime) engineHealthy() bool {
	if r.cfg.Engine.Mode != "bus" {
		return true
	}
	return r.bus.Healthy() && r.registry != nil && r.registry.Healthy()
}

func (r *Runtime) teardown() {
	if r.backend != nil {
		r.backend.Close()
	}
	if r.worker != nil {
		r.worker.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	if !r.eventStore.Enabled() {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.eventStore.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.worker != nil && !r.worker.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.backend == nil || r.backend.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
