// Package server assembles the verifier's components and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/admission"
	"github.com/JakeFAU/assertion-verifier/internal/api"
	"github.com/JakeFAU/assertion-verifier/internal/clock/system"
	"github.com/JakeFAU/assertion-verifier/internal/config"
	"github.com/JakeFAU/assertion-verifier/internal/dispatcher"
	"github.com/JakeFAU/assertion-verifier/internal/events"
	"github.com/JakeFAU/assertion-verifier/internal/id/uuid"
	"github.com/JakeFAU/assertion-verifier/internal/logging"
	"github.com/JakeFAU/assertion-verifier/internal/metrics"
	"github.com/JakeFAU/assertion-verifier/internal/pool"
	"github.com/JakeFAU/assertion-verifier/internal/shutdown"
)

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	httpServer  *http.Server
	apiServer   *api.Server
	admission   *admission.Controller
	pool        *pool.Pool
	dispatch    *dispatcher.Dispatcher
	eventsHub   *events.Hub
	pubsubClose func() error
	coordinator *shutdown.Coordinator

	fatal     chan error
	closeOnce sync.Once
	closeErr  error
}

// Options tune Build.
type Options struct {
	// ConfigPath is forwarded to compute children so they read the same file.
	ConfigPath string
	// Spawner overrides the child process launcher.
	Spawner pool.Spawner
	// Logger overrides the logger built from configuration.
	Logger *zap.Logger
}

// Build creates the application's dependencies. No worker process is
// started until the first verification request arrives.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{Development: cfg.Logging.Development, Role: "serve"})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, fatal: make(chan error, 1)}
	app.logger.Info("building application dependencies",
		zap.String("addr", cfg.Server.Addr()),
		zap.Int("max_processes", cfg.Compute.MaxProcesses),
		zap.Int("queue_depth", cfg.Compute.QueueDepth),
		zap.Duration("job_timeout", cfg.Compute.JobTimeout()),
	)

	metrics.SetEnabled(cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	emitter, err := setupEvents(ctx, app)
	if err != nil {
		return nil, err
	}

	app.admission = admission.New(admission.Config{
		MaxLag:         time.Duration(cfg.Admission.MaxLagMs) * time.Millisecond,
		CheckInterval:  time.Duration(cfg.Admission.CheckIntervalMs) * time.Millisecond,
		MaxBodyBytes:   cfg.Admission.MaxBodyBytes,
		RateLimitRPS:   cfg.Admission.RateLimitRPS,
		RateLimitBurst: cfg.Admission.RateLimitBurst,
	}, logger)

	spawner := opts.Spawner
	if spawner == nil {
		spawner, err = execSpawner(cfg, opts.ConfigPath)
		if err != nil {
			app.abort()
			return nil, err
		}
	}

	supervisor := dispatcher.NewSupervisor(cfg.Compute.FatalGrace(), app.terminate, logger)
	app.pool, err = pool.New(pool.Config{
		MaxProcesses: cfg.Compute.MaxProcesses,
		QueueDepth:   cfg.Compute.QueueDepth,
	}, spawner, supervisor.Handle, logger)
	if err != nil {
		app.abort()
		return nil, fmt.Errorf("worker pool init failed: %w", err)
	}

	app.dispatch = dispatcher.New(
		dispatcher.Config{JobTimeout: cfg.Compute.JobTimeout()},
		app.pool,
		uuid.New(),
		system.New(),
		logger,
	)

	app.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
	}
	deps := shutdown.Deps{
		Server:    app.httpServer,
		Pool:      app.pool,
		Admission: app.admission,
		Logger:    logger,
	}
	if app.eventsHub != nil {
		deps.Events = app.eventsHub
	}
	app.coordinator = shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout()}, deps)

	app.apiServer = api.NewServer(api.Deps{
		Dispatcher:     app.dispatch,
		Gate:           app.admission,
		Readiness:      app.coordinator,
		Events:         emitter,
		Clock:          system.New(),
		Logger:         logger,
		MetricsEnabled: cfg.Metrics.Enabled,
	})
	app.httpServer.Handler = app.apiServer.Handler()

	return app, nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Coordinator exposes the shutdown state machine.
func (a *App) Coordinator() *shutdown.Coordinator {
	return a.coordinator
}

// Run serves HTTP on the configured address until SIGINT/SIGTERM, ctx
// cancellation, or a pool-fatal event, then drains. A pool-fatal event is
// returned as an error so the process exits non-zero.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.coordinator.Shutdown(context.Background())
		return errors.Join(fmt.Errorf("listen %s: %w", a.httpServer.Addr, err), a.Close())
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener, without signal handling.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case cause := <-a.fatal:
		runErr = fmt.Errorf("worker pool failure: %w", cause)
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	if runErr == nil {
		select {
		case cause := <-a.fatal:
			runErr = fmt.Errorf("worker pool failure: %w", cause)
		default:
		}
	}

	if err := a.coordinator.Shutdown(context.Background()); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	return errors.Join(runErr, a.Close())
}

// Close releases what the coordinator does not own. Later calls return the
// first result.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.pubsubClose != nil {
			if err := a.pubsubClose(); err != nil {
				a.logger.Warn("pubsub client close failed", zap.Error(err))
				a.closeErr = fmt.Errorf("close pubsub client: %w", err)
			}
		}
		_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	})
	return a.closeErr
}

// abort releases what Build started before failing.
func (a *App) abort() {
	if a.admission != nil {
		a.admission.Close()
	}
	if a.eventsHub != nil {
		_ = a.eventsHub.Close(context.Background())
	}
	_ = a.Close()
}

// terminate is the supervisor's escalation path after a pool-fatal event.
// Run picks the cause up, drains and returns it.
func (a *App) terminate(cause error) {
	a.logger.Error("terminating after worker pool failure", zap.Error(cause))
	select {
	case a.fatal <- cause:
	default:
	}
}

func setupEvents(ctx context.Context, app *App) (events.Emitter, error) {
	cfg := app.cfg
	if !cfg.Events.Enabled {
		app.logger.Info("verification events disabled")
		return events.Nop{}, nil
	}
	var sinks []events.Sink
	if cfg.Events.LogEnabled {
		sinks = append(sinks, events.NewLogSink(app.logger.Named("events_log")))
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		publisher, closeFn, err := events.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsubClose = closeFn
		sinks = append(sinks, events.NewPubSubSink(publisher, app.logger.Named("events_pubsub")))
		app.logger.Info("Pub/Sub event sink initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	}
	if len(sinks) == 0 {
		app.logger.Warn("verification events enabled but no sinks configured")
		return events.Nop{}, nil
	}
	hubCfg := events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Events.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("events_hub"),
	}
	app.eventsHub = events.NewHub(hubCfg, sinks...)
	app.logger.Info("events hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.eventsHub, nil
}

// execSpawner re-executes this binary as "compute" unless an executable is
// configured.
func execSpawner(cfg config.Config, configPath string) (pool.ExecSpawner, error) {
	path := cfg.Compute.Executable
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return pool.ExecSpawner{}, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}
	args := []string{"compute"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return pool.ExecSpawner{
		Path: path,
		Args: args,
		Env:  []string{"VAR_PATH=" + cfg.VarPath},
	}, nil
}
