// Package runtime hosts the capture control as a daemon: HTTP and NATS
// control surfaces, a SQLite journal and OpenTelemetry instrumentation.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capability"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer

	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	telemetryClose func(context.Context) error
	tracer         trace.Tracer

	server  *natsserver.EmbeddedServer
	bus     *bus.Client
	subs    []*nats.Subscription
	store   *eventstore.Store
	control *capture.Control

	ready atomic.Bool
	wg    sync.WaitGroup

	sessionMu sync.Mutex
	sessionID string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stdout,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.cfg.EventStore.RetentionMode == "persistent" {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Bool("capture_available", r.control.Available()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// setup brings up every component except the listeners.
func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler
	r.tracer = otel.Tracer("github.com/loqalabs/loqa-capture/runtime")

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		r.server, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		if r.server != nil {
			busCfg.Servers = []string{r.server.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	registry := capability.NewRegistry(r.logger)
	stt.Register(registry, r.cfg.STT, r.bus, r.logger)
	provider, err := registry.Resolve(r.cfg.STT.Mode)
	if err != nil {
		r.logger.Warn("speech recognition backend unavailable",
			slog.String("mode", r.cfg.STT.Mode),
			slog.Any("available", registry.Modes()),
			slog.String("error", err.Error()))
		provider = nil
	}
	r.control = capture.New(r.cfg.Capture, provider, r.deliver, r.logger, capture.WithObserver(r.observe))

	if r.bus != nil {
		if err := r.subscribeControl(); err != nil {
			return err
		}
	}
	return nil
}

// teardown releases components in reverse order of setup. It tolerates a
// partially completed setup.
func (r *Runtime) teardown(ctx context.Context) {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.control != nil {
		r.control.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.server.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.telemetryClose = nil
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
