package server

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/api"
	chromedpauto "github.com/JakeFAU/scrape-orchestrator/internal/automation/chromedp"
	collyauto "github.com/JakeFAU/scrape-orchestrator/internal/automation/colly"
	"github.com/JakeFAU/scrape-orchestrator/internal/captcha"
	"github.com/JakeFAU/scrape-orchestrator/internal/captcha/detector"
	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/scrape-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/scrape-orchestrator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/scrape-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-orchestrator/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/scrape-orchestrator/internal/queue/memory"
	pgqueue "github.com/JakeFAU/scrape-orchestrator/internal/queue/postgres"
	"github.com/JakeFAU/scrape-orchestrator/internal/region"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
	gcsstorage "github.com/JakeFAU/scrape-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/scrape-orchestrator/internal/worker"
)

// database is what the configured job backend contributes.
type database struct {
	repo scrape.JobRepository
	// pool is set for postgres; the queue and transition log share it.
	pool        pgstore.DB
	transitions api.TransitionReader
	sink        progresssinks.TransitionRepository
}

func setupDatabase(ctx context.Context, app *App) (database, error) {
	cfg := app.cfg.Database
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return database{}, fmt.Errorf("postgres init failed: %w", err)
		}
		app.onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		app.ready = append(app.ready, pool.Ping)
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return database{}, err
		}
		repo, err := pgstore.NewJobStoreWithPool(pool)
		if err != nil {
			return database{}, fmt.Errorf("postgres job store init failed: %w", err)
		}
		transitions, err := pgstore.NewTransitionStore(pool)
		if err != nil {
			return database{}, fmt.Errorf("postgres transition store init failed: %w", err)
		}
		app.logger.Info("using postgres job store", zap.Int32("max_conns", cfg.MaxConns))
		return database{repo: repo, pool: pool, transitions: transitions, sink: transitions}, nil
	case config.BackendSQLite:
		repo, err := sqlite.NewJobStore(cfg.SQLitePath)
		if err != nil {
			return database{}, fmt.Errorf("sqlite init failed: %w", err)
		}
		app.onClose("sqlite", func(context.Context) error { return repo.Close() })
		app.ready = append(app.ready, repo.Ping)
		app.logger.Info("using sqlite job store", zap.String("path", cfg.SQLitePath))
		return database{repo: repo}, nil
	case config.BackendMemory, "":
		app.logger.Info("using in-memory job store")
		return database{repo: memorystorage.NewJobStore()}, nil
	default:
		return database{}, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

func setupStorage(ctx context.Context, app *App) (scrape.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.onClose("gcs", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       cfg.Bucket,
			CacheControl: cfg.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	case config.BackendMemory, "":
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func setupQueue(app *App, db database) (scrape.Queue, error) {
	cfg := app.cfg.Dispatch
	switch cfg.QueueBackend {
	case config.BackendPostgres:
		if db.pool == nil {
			return nil, fmt.Errorf("postgres queue requires database.backend=postgres")
		}
		q, err := pgqueue.New(db.pool, pgqueue.Config{
			LeaseTTL:     app.cfg.Workers.LeaseTTL,
			PollInterval: cfg.PollInterval,
			Clock:        app.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres queue init failed: %w", err)
		}
		app.logger.Info("using postgres queue", zap.Duration("poll_interval", cfg.PollInterval))
		return q, nil
	case config.BackendMemory, "":
		q := memqueue.NewQueue(memqueue.Config{
			Capacity: cfg.QueueCapacity,
			LeaseTTL: app.cfg.Workers.LeaseTTL,
			Clock:    app.clock,
		})
		app.onClose("queue", func(context.Context) error {
			q.Close()
			return nil
		})
		app.logger.Info("using in-memory queue", zap.Int("capacity", cfg.QueueCapacity))
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func setupPublisher(ctx context.Context, app *App) (scrape.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	app.onClose("pubsub", func(context.Context) error { return pub.Close() })
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return pub, nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	db database,
	pub scrape.Publisher,
) (progress.Emitter, error) {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewPublisherSink(pub, app.cfg.PubSub.TopicName, app.logger.Named("progress_publisher")),
	}
	if db.sink != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(db.sink, app.logger.Named("progress_store")))
	}
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}, sinkList...)
	app.progress = hub
	app.onClose("progress", hub.Close)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Duration("max_batch_wait", cfg.MaxBatchWait),
	)
	return hub, nil
}

func setupAutomation(app *App) (scrape.Automation, error) {
	cfg := app.cfg.Automation
	detect := detector.NewHeuristic(app.cfg.Captcha.Threshold)
	switch cfg.Backend {
	case config.BackendColly:
		app.logger.Info("using colly automation", zap.String("user_agent", cfg.UserAgent))
		return collyauto.New(collyauto.Config{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.NavTimeout,
		}, detect, app.logger), nil
	case config.BackendChromedp, "":
		auto, err := chromedpauto.New(chromedpauto.Config{
			MaxParallel:         cfg.MaxParallel,
			UserAgent:           cfg.UserAgent,
			NavigationTimeout:   cfg.NavTimeout,
			PollInterval:        app.cfg.Captcha.PollInterval,
			PreNavigationScript: cfg.PreNavigationScript,
			Headless:            cfg.Headless,
		}, detect, app.logger)
		if err != nil {
			return nil, fmt.Errorf("chromedp init failed: %w", err)
		}
		app.onClose("chromedp", func(context.Context) error {
			auto.Close()
			return nil
		})
		app.logger.Info("using chromedp automation", zap.Int("max_parallel", cfg.MaxParallel))
		return auto, nil
	default:
		return nil, fmt.Errorf("unknown automation backend %q", cfg.Backend)
	}
}

type poolDeps struct {
	gate    *jobs.Store
	queue   scrape.Queue
	captcha *captcha.Coordinator
	auto    scrape.Automation
	blobs   scrape.BlobStore
	tracer  trace.Tracer
}

// setupPools builds one worker pool per configured region. They share the
// queue, router, retry policy and rate limiter.
func setupPools(app *App, deps poolDeps) ([]dispatcher.Runner, error) {
	initial, maxDelay := app.cfg.Backoff()
	retry := scrape.NewExponentialRetryPolicy(app.cfg.Dispatch.MaxAttempts, initial, maxDelay)
	router := region.New(region.Config{
		RequeueDelay:     app.cfg.Region.RequeueDelay,
		MismatchDeadline: app.cfg.Region.MismatchDeadline,
	})

	var limiter scrape.Limiter
	if app.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(app.cfg.RateLimit.Config, app.collector.ObserveRateLimitDelay)
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", app.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", app.cfg.RateLimit.DefaultBurst),
		)
	}

	prefix := path.Join(app.cfg.Storage.Prefix, app.cfg.Workers.ResultPrefix)
	runners := make([]dispatcher.Runner, 0, len(app.cfg.Workers.Regions))
	for _, r := range app.cfg.Workers.Regions {
		if r.Slots <= 0 {
			continue
		}
		pool, err := worker.New(worker.Config{
			Region:       r.Name,
			Slots:        r.Slots,
			JobTimeout:   app.cfg.Workers.JobTimeout,
			LeaseTTL:     app.cfg.Workers.LeaseTTL,
			Heartbeat:    app.cfg.Workers.Heartbeat,
			ResultPrefix: prefix,
		}, worker.Deps{
			Jobs:       deps.gate,
			Queue:      deps.queue,
			Router:     router,
			Captcha:    deps.captcha,
			Automation: deps.auto,
			Results:    deps.blobs,
			Hasher:     sha256.New(),
			Retry:      retry,
			Limiter:    limiter,
			Clock:      app.clock,
			Metrics:    app.collector,
			Tracer:     deps.tracer,
			Logger:     app.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("worker pool %s: %w", r.Name, err)
		}
		runners = append(runners, pool)
		app.logger.Info("worker pool configured",
			zap.String("region", r.Name),
			zap.Int("slots", r.Slots),
			zap.Duration("job_timeout", app.cfg.Workers.JobTimeout),
		)
	}
	return runners, nil
}
