// Package runtime assembles the narration daemon: telemetry, message
// bus, segment store, synthesis backend, transcoder, and the session
// service, plus the HTTP health/metrics surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narratolabs/narrato-core/internal/assembly"
	"github.com/narratolabs/narrato-core/internal/bus"
	"github.com/narratolabs/narrato-core/internal/config"
	"github.com/narratolabs/narrato-core/internal/natsserver"
	"github.com/narratolabs/narrato-core/internal/segstore"
	"github.com/narratolabs/narrato-core/internal/session"
	"github.com/narratolabs/narrato-core/internal/synth"
	"github.com/narratolabs/narrato-core/internal/transcoder"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	busClient  *bus.Client
	sessionSvc *session.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up in dependency order, serves until the
// context is cancelled, then tears down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.busClient = busClient
	defer busClient.Close()

	store, err := segstore.Open(ctx, r.cfg.SegmentStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open segment store: %w", err)
	}
	defer store.Close()

	synthesizer, err := synth.New(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}

	trans := transcoder.NewHandle(r.cfg.Transcoder, r.logger)
	defer trans.Close(context.Background())

	assembler := assembly.New(assembly.NewWavDecoder(), trans, r.logger)
	manager := session.NewManager(r.cfg, store, synthesizer, assembler, r.logger)

	sessionSvc := session.NewService(ctx, manager, busClient, r.logger)
	if err := sessionSvc.Start(); err != nil {
		return fmt.Errorf("failed to start session service: %w", err)
	}
	r.sessionSvc = sessionSvc
	defer sessionSvc.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

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
		slog.String("synthesis", r.cfg.Synthesis.Mode),
		slog.String("format", r.cfg.Assembly.Format))

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

// Healthy reports liveness of the long-lived components.
func (r *Runtime) Healthy() bool {
	return r.busClient.Healthy() && r.sessionSvc != nil && r.sessionSvc.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
