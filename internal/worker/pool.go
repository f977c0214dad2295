// Package worker runs claimed scrape jobs. A Pool owns a fixed number of
// slots for one region; each slot claims, routes, executes, and settles one
// job at a time.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/captcha"
	"github.com/JakeFAU/scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/region"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Defaults applied by New.
const (
	DefaultSlots      = 5
	DefaultJobTimeout = 120 * time.Second
	DefaultLeaseTTL   = 60 * time.Second
	DefaultHeartbeat  = 20 * time.Second
	defaultPrefix     = "results"
	claimErrorBackoff = time.Second
	settleTimeout     = 5 * time.Second
)

// JobGate is the slice of the transition gate the pool drives.
type JobGate interface {
	Get(ctx context.Context, id string) (scrape.ScrapeJob, error)
	Transition(ctx context.Context, id string, ch jobs.Change) (scrape.ScrapeJob, error)
}

// Captcha is the coordinator surface a slot needs.
type Captcha interface {
	Attach(jobID string) (<-chan captcha.Suspension, func())
	Detect(ctx context.Context, jobID string, challenge scrape.Challenge) (scrape.CaptchaEvent, bool, error)
	Release(jobID string)
}

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// Config tunes one regional pool.
type Config struct {
	Region       string
	Slots        int
	JobTimeout   time.Duration
	LeaseTTL     time.Duration
	Heartbeat    time.Duration
	ResultPrefix string
}

// Deps are the collaborators every slot shares.
type Deps struct {
	Jobs       JobGate
	Queue      scrape.Queue
	Router     *region.Router
	Captcha    Captcha
	Automation scrape.Automation
	Results    scrape.BlobStore
	Hasher     scrape.Hasher
	Retry      RetryPolicy
	// Limiter is optional.
	Limiter scrape.Limiter
	Clock   scrape.Clock
	Metrics scrape.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Pool runs Config.Slots slots against the queue.
type Pool struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Pool, error) {
	switch {
	case cfg.Region == "":
		return nil, errors.New("worker pool region is required")
	case deps.Jobs == nil, deps.Queue == nil, deps.Automation == nil,
		deps.Results == nil, deps.Hasher == nil, deps.Captcha == nil:
		return nil, errors.New("worker pool is missing a required dependency")
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat >= cfg.LeaseTTL {
		cfg.Heartbeat = min(DefaultHeartbeat, cfg.LeaseTTL/3)
	}
	if cfg.ResultPrefix == "" {
		cfg.ResultPrefix = defaultPrefix
	}
	if deps.Router == nil {
		deps.Router = region.New(region.Config{})
	}
	if deps.Retry == nil {
		deps.Retry = scrape.NewExponentialRetryPolicy(0, 0, 0)
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = scrape.NopMetrics{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/scrape-orchestrator/internal/worker")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("worker").With(zap.String("region", cfg.Region)),
	}, nil
}

// Region reports the pool's region.
func (p *Pool) Region() string { return p.cfg.Region }

// Run blocks until ctx ends and every slot has settled its current job.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", zap.Int("slots", p.cfg.Slots))
	ids := uuid.New()
	var wg sync.WaitGroup
	for i := range p.cfg.Slots {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runSlot(ctx, ids.WorkerID(p.cfg.Region, n))
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) runSlot(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		lease, item, err := p.deps.Queue.Claim(ctx, p.cfg.Region, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("queue claim failed", zap.String("worker_id", workerID), zap.Error(err))
			select {
			case <-time.After(claimErrorBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		p.handle(ctx, lease, item)
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
