package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/events"
	"github.com/phrazzld/spin-api/internal/monitor"
	"github.com/phrazzld/spin-api/internal/priority"
	"github.com/phrazzld/spin-api/internal/redact"
	"github.com/phrazzld/spin-api/internal/service/auth"
	"github.com/phrazzld/spin-api/internal/task"
)

// application holds the shared dependencies of the serve command so they
// can be shut down in order.
type application struct {
	config *config.Config
	logger *slog.Logger

	backend *backend

	tracker    *activity.Tracker
	monitor    *monitor.Monitor
	scorer     *priority.Manager
	tasks      *task.Manager
	registry   *task.Registry
	supervisor *task.Supervisor
	emitter    *events.InMemoryEventEmitter

	// jwtService is nil when auth.jwt_secret is empty; requests are then
	// identified by session only.
	jwtService auth.JWTService
}

// newApplication opens storage and builds every component. Nothing is
// started until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	b, err := openBackend(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	app := &application{config: cfg, logger: logger, backend: b}
	if err := app.build(); err != nil {
		_ = b.Close()
		return nil, err
	}

	logger.Info("application initialized",
		"job_types", app.registry.Types(),
		"priority_threshold", app.scorer.Threshold())
	return app, nil
}

func (app *application) build() error {
	cfg, logger := app.config, app.logger

	app.tracker = activity.NewTracker(app.backend.ledger, activity.TrackerConfigFrom(cfg.Activity), logger)
	app.monitor = monitor.New(app.tracker, app.backend.broker, monitor.ConfigFrom(cfg.Monitor), logger)

	var err error
	app.scorer, err = priority.NewManager(app.tracker, priority.ConfigFrom(cfg.Priority), logger,
		priority.WithPauseSignal(app.monitor))
	if err != nil {
		return fmt.Errorf("failed to create priority manager: %w", err)
	}

	taskCfg := task.ConfigFrom(cfg.Queue)
	app.tasks = task.NewManager(app.backend.broker, taskCfg, logger)
	app.registry, err = newProcessorRegistry(logger)
	if err != nil {
		return fmt.Errorf("failed to register processors: %w", err)
	}
	app.supervisor = task.NewSupervisor(app.tasks, app.backend.broker, app.registry, taskCfg, logger)

	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.emitter.RegisterHandler(task.NewEnqueueEventHandler(app.scorer, app.tasks, logger))

	if cfg.Auth.JWTSecret != "" {
		app.jwtService, err = auth.NewJWTService(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT service: %w", err)
		}
		logger.Info("bearer token authentication enabled", "token_lifetime", cfg.Auth.TokenLifetime)
	}
	return nil
}

// Run starts the background components and serves HTTP until ctx is
// cancelled or a termination signal arrives, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	if err := app.monitor.Start(ctx, app.config.Monitor.Interval); err != nil {
		app.cleanup()
		return fmt.Errorf("failed to start activity monitor: %w", err)
	}
	app.supervisor.Start(ctx)

	pruneCtx, stopPrune := context.WithCancel(ctx)
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		app.pruneLoop(pruneCtx)
	}()

	err := app.startHTTPServer(ctx, app.setupRouter())

	stopPrune()
	<-pruneDone
	app.cleanup()
	return err
}

// pruneLoop trims the activity ledger to its retention window once an hour.
func (app *application) pruneLoop(ctx context.Context) {
	if app.config.Activity.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if _, err := app.tracker.Prune(ctx); err != nil && ctx.Err() == nil {
			app.logger.Error("activity prune failed", redact.Attr(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanup stops components in dependency order: no more worker restarts,
// no more pause flips, then the worker drains, then storage closes.
func (app *application) cleanup() {
	app.supervisor.Stop()
	app.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Queue.CloseTimeout+5*time.Second)
	defer cancel()
	app.tasks.DestroyWorker(ctx)

	if err := app.backend.Close(); err != nil {
		app.logger.Error("error closing database connection", redact.Attr(err))
	}
	app.logger.Info("application shutdown completed")
}
