package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-whisperd/internal/api"
	"github.com/loqalabs/loqa-whisperd/internal/bus"
	"github.com/loqalabs/loqa-whisperd/internal/capability"
	"github.com/loqalabs/loqa-whisperd/internal/command"
	"github.com/loqalabs/loqa-whisperd/internal/config"
	"github.com/loqalabs/loqa-whisperd/internal/eventstore"
	"github.com/loqalabs/loqa-whisperd/internal/logbuf"
	"github.com/loqalabs/loqa-whisperd/internal/natsserver"
	"github.com/loqalabs/loqa-whisperd/internal/recorder"
	"github.com/loqalabs/loqa-whisperd/internal/service"
	"github.com/loqalabs/loqa-whisperd/internal/stt"
	"github.com/loqalabs/loqa-whisperd/internal/transcode"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	logs       *logbuf.Buffer
	httpServer *http.Server
	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	store      *eventstore.Store
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, logs *logbuf.Buffer) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
}

// Start wires every component, serves HTTP until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	if err := os.MkdirAll(r.cfg.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	if err := r.startBus(ctx); err != nil {
		r.closeBus()
		_ = r.store.Close()
		return err
	}

	svc, err := r.buildService()
	if err != nil {
		r.closeBus()
		_ = r.store.Close()
		return err
	}

	if err := r.startRegistry(ctx, svc); err != nil {
		r.logger.Warn("capability announcements disabled", slog.String("error", err.Error()))
	}

	handler := api.New(api.Options{
		Service:       svc,
		Logs:          r.logs,
		Jobs:          r.store,
		Metrics:       metricsHandler,
		AllowedOrigin: r.cfg.HTTP.AllowedOrigin,
		MaxBodyBytes:  r.cfg.HTTP.MaxBodyBytes,
		Logger:        r.logger,
	})

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.logger.Info("whisper server started",
		slog.String("addr", addr),
		slog.Bool("model_loaded", svc.Ready()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeBus()
	if err := r.store.Close(); err != nil {
		r.logger.Error("job store close error", slog.String("error", err.Error()))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

func (r *Runtime) startBus(ctx context.Context) error {
	cfg := r.cfg.Bus
	if !cfg.Enabled {
		return nil
	}

	embedded, err := natsserver.Start(cfg, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		cfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, cfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) startRegistry(ctx context.Context, svc *service.Service) error {
	if r.bus == nil {
		return nil
	}
	st := svc.Status()
	local := capability.Local{
		NodeID:       r.cfg.Bus.NodeID,
		Role:         "stt",
		Capabilities: []capability.Capability{capability.STT(st.Model, r.cfg.Whisper.Language, st.Ready)},
		Recording:    svc.Recording,
	}
	interval := time.Duration(r.cfg.Bus.HeartbeatMS) * time.Millisecond
	reg, err := capability.NewRegistry(ctx, r.bus.Conn(), local, interval, r.logger)
	if err != nil {
		return err
	}
	r.registry = reg
	return nil
}

func (r *Runtime) closeBus() {
	r.registry.Close()
	r.registry = nil
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	r.embedded.Shutdown()
	r.embedded = nil
}

// buildService loads the model and assembles the request orchestrator. A
// missing model is not fatal; the service reports model_not_loaded.
func (r *Runtime) buildService() (*service.Service, error) {
	runner := command.ExecRunner{}
	wcfg := r.cfg.Whisper

	model, err := stt.LoadModel(wcfg.ModelDir(), wcfg.Model)
	if err != nil {
		r.logger.Error("model not found", slog.String("error", err.Error()))
	} else {
		r.logger.Info("model loaded", slog.String("model", model.Name), slog.Int64("size_mb", model.SizeMB))
	}

	var recognizer stt.Recognizer
	switch wcfg.Mode {
	case "mock":
		r.logger.Warn("using mock recognizer")
		recognizer = stt.NewMockRecognizer()
		if !model.Loaded {
			model = stt.Model{Name: "mock", Loaded: true}
		}
	default:
		recognizer, err = stt.NewExecRecognizer(wcfg, model, runner)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}
		if bin := stt.LocateBinary(wcfg); bin != "" {
			r.logger.Info("whisper binary found", slog.String("path", bin))
		} else {
			r.logger.Error("whisper binary not found, transcription will fail")
		}
	}

	launcher, err := recorder.NewExecLauncher(r.cfg.Recorder.Command, r.cfg.Recorder.StopCommand, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	rec := recorder.NewManager(
		launcher,
		r.cfg.ScratchDir,
		r.cfg.Recorder.Extension,
		time.Duration(r.cfg.Recorder.StopTimeoutMS)*time.Millisecond,
		r.logger,
	)

	opts := service.Options{
		Model:      model,
		Recognizer: recognizer,
		Transcoder: transcode.New(r.cfg.Transcode, runner, r.logger),
		Recorder:   rec,
		ScratchDir: r.cfg.ScratchDir,
		Jobs:       r.store,
		Logger:     r.logger,
	}
	if r.bus != nil {
		opts.Publisher = r.bus
	}
	return service.New(opts), nil
}
