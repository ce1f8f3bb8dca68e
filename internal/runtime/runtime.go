package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxsheet/voxsheet-core/internal/backend"
	"github.com/voxsheet/voxsheet-core/internal/bus"
	"github.com/voxsheet/voxsheet-core/internal/capture"
	"github.com/voxsheet/voxsheet-core/internal/config"
	"github.com/voxsheet/voxsheet-core/internal/eventstore"
	"github.com/voxsheet/voxsheet-core/internal/natsserver"
	"github.com/voxsheet/voxsheet-core/internal/protocol"
	"github.com/voxsheet/voxsheet-core/internal/workflow"
)

// Runtime assembles the agent: telemetry, the optional message bus, the
// audit store, the collaborator client, the capture manager, and the
// session workflow, plus the HTTP control surface in front of them.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	store       *eventstore.Store
	backend     *backend.Client
	capture     *capture.Manager
	controller  *workflow.Controller

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves the control API, and blocks
// until ctx is cancelled; teardown runs in reverse order of startup.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		if r.cfg.Bus.Embedded {
			server, err := natsserver.Start(r.cfg.Bus, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded bus: %w", err)
			}
			r.natsServer = server
		}
		client, err := bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busClient = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	r.backend = backend.NewClient(r.cfg.Backend, r.logger)
	r.controller = workflow.NewController(r.backend, r.store, r.busClient, r.logger)

	device, err := r.captureDevice()
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	r.capture = capture.NewManager(r.cfg.Capture, device, r.logger, capture.Callbacks{
		OnLevel:    r.publishLevel,
		OnComplete: r.recordingFinalized,
		OnError:    r.captureFailed,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	registerControlRoutes(mux, r)

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
		slog.String("capture_mode", r.cfg.Capture.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	// Device release is unconditional: a capture left running at shutdown
	// must not hold the microphone hostage.
	r.capture.Teardown()

	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) captureDevice() (capture.Device, error) {
	switch r.cfg.Capture.Mode {
	case "exec":
		return capture.NewExecDevice(r.cfg.Capture)
	default:
		return capture.NewMockDevice(r.cfg.Capture), nil
	}
}

func (r *Runtime) publishLevel(level float64, elapsedS int) {
	if r.busClient == nil {
		return
	}
	r.busClient.PublishLevel(protocol.CaptureLevel{
		SessionID: r.controller.SessionID(),
		CaptureID: r.capture.CaptureID(),
		Level:     level,
		ElapsedS:  elapsedS,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Runtime) recordingFinalized(rec capture.Recording) {
	r.logger.Info("recording finalized",
		slog.String("capture_id", rec.ID),
		slog.Int("elapsed_s", rec.ElapsedS),
		slog.Int("bytes", len(rec.WAV)))
	if r.store != nil {
		evt := eventstore.Event{
			SessionID: r.controller.SessionID(),
			Type:      eventstore.TypeCaptureFinalized,
		}
		if err := r.store.AppendEvent(context.Background(), evt); err != nil {
			r.logger.Warn("audit event write failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) captureFailed(err error) {
	r.logger.Error("capture failure", slog.String("error", err.Error()))
	r.controller.Notices().Error("recording failed, please try again")
	if r.store != nil {
		evt := eventstore.Event{
			SessionID: r.controller.SessionID(),
			Type:      eventstore.TypeCaptureFailed,
		}
		if storeErr := r.store.AppendEvent(context.Background(), evt); storeErr != nil {
			r.logger.Warn("audit event write failed", slog.String("error", storeErr.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
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
