// Package runtime wires the daemon together: telemetry, the synthesis
// pipeline, the bus service and the HTTP API, with signal-driven
// shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxflow-labs/voxflow-core/internal/bus"
	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/engine"
	"github.com/voxflow-labs/voxflow-core/internal/natsserver"
	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
	"github.com/voxflow-labs/voxflow-core/internal/requestlog"
	"github.com/voxflow-labs/voxflow-core/internal/server"
	"github.com/voxflow-labs/voxflow-core/internal/service"
	"github.com/voxflow-labs/voxflow-core/internal/voice"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start brings every component up and blocks until ctx is cancelled,
// then shuts them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var voices *voice.Registry
	if path := r.cfg.Engine.VoicesPath; path != "" {
		voices, err = voice.Load(path)
		if err != nil {
			return fmt.Errorf("load voice styles: %w", err)
		}
		r.logger.Info("voice styles loaded", slog.Int("count", len(voices.Names())))
	}

	phonemizer, err := engine.NewPhonemizer(r.cfg.Phoneme)
	if err != nil {
		return fmt.Errorf("init phonemizer: %w", err)
	}
	factory, err := engine.NewFactory(r.cfg.Engine, phonemizer)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	pipe, err := pipeline.New(r.cfg.Pipeline, r.cfg.Engine, factory, voices, r.logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer pipe.Close()

	store, err := requestlog.Open(ctx, r.cfg.RequestLog, r.logger)
	if err != nil {
		return fmt.Errorf("open request log: %w", err)
	}
	defer store.Close()

	var (
		embedded  *natsserver.EmbeddedServer
		busClient *bus.Client
		svc       *service.Service
	)
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		defer embedded.Shutdown()

		busClient, err = bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer busClient.Close()

		svc = service.New(ctx, r.cfg.Pipeline, busClient, pipe, store, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start speech service: %w", err)
		}
		defer svc.Close()
	}

	api := server.New(pipe, voices, store, r.cfg.Engine, r.cfg.Pipeline, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth(busClient))
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.Int("workers", r.cfg.Pipeline.Workers))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(busClient *bus.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if r.cfg.Bus.Enabled && !busClient.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("bus disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
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
