// Package dispatcher is the intake side of the pipeline: it validates and
// records submissions, enqueues them, handles cancellation, and supervises
// the regional worker pools.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultEnqueueTimeout = 5 * time.Second
	defaultDepthInterval  = 5 * time.Second
)

// JobGate is the transition gate surface the dispatcher uses.
type JobGate interface {
	Create(ctx context.Context, job scrape.ScrapeJob) (scrape.ScrapeJob, error)
	Get(ctx context.Context, id string) (scrape.ScrapeJob, error)
	Delete(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, ch jobs.Change) (scrape.ScrapeJob, error)
}

// CaptchaCanceller fails a job that is waiting on a human.
type CaptchaCanceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// Runner is a supervised background loop, typically a worker.Pool.
type Runner interface {
	Run(ctx context.Context) error
}

// Depther reports how many items the queue holds.
type Depther interface {
	Depth(ctx context.Context) (int, error)
}

// Submission is a validated-on-entry request to scrape one page.
type Submission struct {
	UserID    string
	URL       string
	Selectors scrape.ExtractionSpec
	Config    scrape.JobConfig
	Priority  int
	Delay     time.Duration
}

// Config tunes the dispatcher.
type Config struct {
	EnqueueTimeout time.Duration
	DepthInterval  time.Duration
}

// Dispatcher owns job intake and pool supervision.
type Dispatcher struct {
	cfg     Config
	jobs    JobGate
	queue   scrape.Queue
	captcha CaptchaCanceller
	ids     scrape.IDGenerator
	runners []Runner
	metrics scrape.Metrics
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	cfg Config,
	gate JobGate,
	queue scrape.Queue,
	canceller CaptchaCanceller,
	ids scrape.IDGenerator,
	runners []Runner,
	metrics scrape.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = defaultDepthInterval
	}
	if metrics == nil {
		metrics = scrape.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		jobs:    gate,
		queue:   queue,
		captcha: canceller,
		ids:     ids,
		runners: runners,
		metrics: metrics,
		logger:  logger.Named("dispatcher"),
	}
}

// Submit records a queued job and enqueues it. If the enqueue fails the row
// is deleted again so no job is left without a queue item.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (scrape.ScrapeJob, error) {
	sub.URL = strings.TrimSpace(sub.URL)
	if err := scrape.ValidateSubmission(sub.URL, sub.Selectors); err != nil {
		return scrape.ScrapeJob{}, err
	}
	if sub.Delay < 0 {
		return scrape.ScrapeJob{}, &scrape.ValidationError{Field: "delaySeconds", Reason: "must not be negative"}
	}
	id, err := d.ids.NewID()
	if err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("generate job id: %w", err)
	}
	job, err := d.jobs.Create(ctx, scrape.ScrapeJob{
		ID:        id,
		UserID:    sub.UserID,
		URL:       sub.URL,
		Selectors: sub.Selectors,
		Config:    sub.Config,
		Priority:  sub.Priority,
	})
	if err != nil {
		return scrape.ScrapeJob{}, err
	}

	enqCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	if err := d.queue.Enqueue(enqCtx, id, scrape.EnqueueOptions{Priority: sub.Priority, Delay: sub.Delay}); err != nil {
		if delErr := d.jobs.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			d.logger.Error("delete job after failed enqueue", zap.String("job_id", id), zap.Error(delErr))
		}
		if !errors.Is(err, scrape.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %w", scrape.ErrQueueUnavailable, err)
		}
		return scrape.ScrapeJob{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("user_id", sub.UserID),
		zap.String("preferred_region", sub.Config.PreferredRegion),
		zap.Int("priority", sub.Priority),
	)
	return job, nil
}

// Get returns the job.
func (d *Dispatcher) Get(ctx context.Context, id string) (scrape.ScrapeJob, error) {
	return d.jobs.Get(ctx, id)
}

// Cancel fails a queued or waiting job with reason cancelled. Jobs in any
// other state return ErrCancelNotAllowed.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	job, err := d.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.State {
	case scrape.StateQueued:
		_, err := d.jobs.Transition(ctx, id, jobs.Change{
			To:    scrape.StateFailed,
			From:  []scrape.JobState{scrape.StateQueued},
			Error: scrape.ReasonCancelled,
			Note:  "cancelled",
		})
		if errors.Is(err, scrape.ErrInvalidTransition) {
			return fmt.Errorf("job %s: %w", id, scrape.ErrCancelNotAllowed)
		}
		if err != nil {
			return err
		}
		if err := d.queue.Remove(ctx, id); err != nil {
			// The worker acks the stale item when it finds the job terminal.
			d.logger.Warn("remove cancelled job from queue", zap.String("job_id", id), zap.Error(err))
		}
	case scrape.StateWaitingForCaptcha:
		err := d.captcha.Cancel(ctx, id)
		if errors.Is(err, scrape.ErrNoPendingCaptcha) {
			// No live event, e.g. the holding worker shut down. Fail the row directly.
			_, err = d.jobs.Transition(ctx, id, jobs.Change{
				To:    scrape.StateFailed,
				From:  []scrape.JobState{scrape.StateWaitingForCaptcha},
				Error: scrape.ReasonCancelled,
				Note:  "cancelled",
			})
		}
		if errors.Is(err, scrape.ErrInvalidTransition) {
			return fmt.Errorf("job %s: %w", id, scrape.ErrCancelNotAllowed)
		}
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("job %s is %s: %w", id, job.State, scrape.ErrCancelNotAllowed)
	}
	d.logger.Info("job cancelled", zap.String("job_id", id), zap.String("from", string(job.State)))
	return nil
}

// Run starts every runner plus the queue depth sampler and blocks until ctx
// ends or a runner fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	if depther, ok := d.queue.(Depther); ok {
		g.Go(func() error {
			d.sampleDepth(gctx, depther)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

func (d *Dispatcher) sampleDepth(ctx context.Context, q Depther) {
	ticker := time.NewTicker(d.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		if depth, err := q.Depth(ctx); err == nil {
			d.metrics.SetQueueDepth(depth)
		} else if ctx.Err() == nil {
			d.logger.Warn("sample queue depth", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
