package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-orchestrator/internal/api"
	"github.com/JakeFAU/scrape-orchestrator/internal/captcha"
	"github.com/JakeFAU/scrape-orchestrator/internal/clock/system"
	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

// App holds the assembled pipeline and everything that must be released on
// shutdown.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	registry  *prometheus.Registry
	collector *telemetry.Collector
	api       *api.Server
	dispatch  *dispatcher.Dispatcher
	progress  *progress.Hub
	closers   []closer
	ready     []func(context.Context) error
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build wires every component named by cfg. On error, whatever was already
// opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.collector = telemetry.NewCollector(app.registry)

	tp, mp, err := telemetry.InitTelemetry(ctx, &cfg, app.registry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.onClose("telemetry", func(ctx context.Context) error { return telemetry.Shutdown(ctx, tp, mp) })

	logger.Info("building application dependencies",
		zap.String("node_region", cfg.Node.Region),
		zap.String("database", cfg.Database.Backend),
		zap.String("queue", cfg.Dispatch.QueueBackend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("automation", cfg.Automation.Backend),
	)

	db, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	queue, err := setupQueue(app, db)
	if err != nil {
		return nil, err
	}
	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, db, pub)
	if err != nil {
		return nil, err
	}

	hub := notify.NewHub(cfg.Server.NotifyBuffer, logger)
	gate := jobs.New(db.repo, app.clock, hub, emitter, app.collector, logger)
	coordinator := captcha.New(gate, captcha.Config{
		Timeout: cfg.Captcha.Timeout,
		Clock:   app.clock,
		Metrics: app.collector,
		Logger:  logger,
	})

	auto, err := setupAutomation(app)
	if err != nil {
		return nil, err
	}

	pools, err := setupPools(app, poolDeps{
		gate:    gate,
		queue:   queue,
		captcha: coordinator,
		auto:    auto,
		blobs:   blobs,
		tracer:  otel.Tracer("github.com/JakeFAU/scrape-orchestrator/internal/worker"),
	})
	if err != nil {
		return nil, err
	}

	app.dispatch = dispatcher.New(
		dispatcher.Config{
			EnqueueTimeout: cfg.Dispatch.EnqueueTimeout,
			DepthInterval:  cfg.Dispatch.DepthInterval,
		},
		gate,
		queue,
		coordinator,
		uuid.New(),
		pools,
		app.collector,
		logger,
	)

	app.api = api.NewServer(app.dispatch, coordinator, hub, api.Options{
		Auth: api.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			Keys:    cfg.Auth.Keys,
		},
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}),
		Middleware:     []func(http.Handler) http.Handler{app.collector.Middleware},
		Ready:          app.checkReady,
		Transitions:    db.transitions,
		Logger:         logger,
	})
	return app, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

func (a *App) checkReady(ctx context.Context) error {
	var errs []error
	for _, check := range a.ready {
		if err := check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run serves HTTP and runs the worker pools until ctx ends or SIGINT/SIGTERM
// arrives, then drains both and releases resources.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		if err := a.dispatch.Run(gctx); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases resources in reverse acquisition order. Failures are logged
// and joined.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
