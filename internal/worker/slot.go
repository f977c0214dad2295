package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/automation"
	"github.com/JakeFAU/scrape-orchestrator/internal/captcha"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/region"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

var (
	errJobTimeout = errors.New("job timeout exceeded")
	errLeaseLost  = errors.New("lease lost during execution")
)

// outcome is what execute hands to settle.
type outcome struct {
	result scrape.Result
	err    error
	// settled means the captcha coordinator already moved the job to a terminal state.
	settled bool
	// waiting means the captcha ended but the row is still waiting_for_captcha.
	waiting bool
}

// leaseBox shares the heartbeat-refreshed lease with the settling code.
type leaseBox struct {
	mu    sync.Mutex
	lease scrape.Lease
}

func (b *leaseBox) get() scrape.Lease {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lease
}

func (b *leaseBox) set(l scrape.Lease) {
	b.mu.Lock()
	b.lease = l
	b.mu.Unlock()
}

// handle takes one claimed item through recovery, routing, execution, and settlement.
func (p *Pool) handle(ctx context.Context, lease scrape.Lease, item scrape.QueueItem) {
	logger := p.logger.With(zap.String("job_id", item.JobID), zap.Int("delivery", item.Deliveries))

	job, err := p.deps.Jobs.Get(ctx, item.JobID)
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		logger.Warn("claimed job has no record, dropping")
		p.ack(lease, logger)
		return
	case err != nil:
		logger.Error("load claimed job", zap.Error(err))
		p.nack(lease, scrape.Requeue{Delay: claimErrorBackoff}, logger)
		return
	}

	job, ok := p.recover(ctx, job, lease, item, logger)
	if !ok {
		return
	}

	decision := p.deps.Router.Route(job, item, p.cfg.Region, p.deps.Clock.Now())
	switch decision.Verdict {
	case region.Requeue:
		logger.Info("region mismatch, requeueing",
			zap.String("preferred_region", job.Config.PreferredRegion),
			zap.Duration("waited", decision.Waited),
		)
		p.deps.Metrics.ObserveRegionRequeue(p.cfg.Region, decision.Requeue.Partition)
		p.nack(lease, decision.Requeue, logger)
		return
	case region.Reject:
		logger.Warn("no worker in preferred region before deadline",
			zap.String("preferred_region", job.Config.PreferredRegion),
			zap.Duration("waited", decision.Waited),
		)
		err := p.fail(ctx, job.ID, scrape.StateQueued, scrape.ReasonNoMatchingRegion, logger)
		p.finish(lease, item, err, logger)
		return
	}

	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, job.URL); err != nil {
			logger.Debug("rate limit wait interrupted", zap.Error(err))
			p.nack(lease, keepRoute(item, 0), logger)
			return
		}
	}

	job, err = p.deps.Jobs.Transition(ctx, job.ID, jobs.Change{
		To:                scrape.StateProcessing,
		From:              []scrape.JobState{scrape.StateQueued},
		IncrementAttempts: true,
		MaxAttempts:       p.deps.Retry.MaxAttempts(),
		Region:            p.cfg.Region,
	})
	switch {
	case errors.Is(err, scrape.ErrAttemptsExhausted):
		err := p.fail(ctx, item.JobID, scrape.StateQueued, scrape.ReasonMaxAttempts, logger)
		p.finish(lease, item, err, logger)
		return
	case errors.Is(err, scrape.ErrInvalidTransition):
		logger.Debug("job left queued before start, dropping stale lease", zap.Error(err))
		p.ack(lease, logger)
		return
	case err != nil:
		logger.Error("mark job processing", zap.Error(err))
		p.nack(lease, keepRoute(item, claimErrorBackoff), logger)
		return
	}

	p.deps.Metrics.IncActiveWorkers(p.cfg.Region)
	defer p.deps.Metrics.DecActiveWorkers(p.cfg.Region)

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	box := &leaseBox{lease: lease}
	stopHeartbeat := p.heartbeat(jobCtx, box, cancelJob, logger)

	spanCtx, span := p.deps.Tracer.Start(jobCtx, "worker.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.region", p.cfg.Region),
		attribute.Int("job.attempt", job.Attempts),
	))
	out := p.execute(spanCtx, job, logger)
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	span.End()
	stopHeartbeat()

	p.settle(ctx, jobCtx, job, item, box.get(), out, logger)
}

// keepRoute requeues item without losing its region routing state.
func keepRoute(item scrape.QueueItem, delay time.Duration) scrape.Requeue {
	return scrape.Requeue{
		Delay:         delay,
		Partition:     item.Partition,
		MismatchSince: item.MismatchSince,
		RouteDeadline: item.RouteDeadline,
	}
}

// recover handles redeliveries. It returns false when the item was settled here.
func (p *Pool) recover(
	ctx context.Context,
	job scrape.ScrapeJob,
	lease scrape.Lease,
	item scrape.QueueItem,
	logger *zap.Logger,
) (scrape.ScrapeJob, bool) {
	switch job.State {
	case scrape.StateQueued:
		return job, true
	case scrape.StateProcessing:
		logger.Warn("recovering job from expired lease")
		next, err := p.deps.Jobs.Transition(ctx, job.ID, jobs.Change{
			To:     scrape.StateQueued,
			From:   []scrape.JobState{scrape.StateProcessing},
			Note:   "lease_recovered",
			Region: p.cfg.Region,
		})
		if err != nil {
			logger.Error("recover job", zap.Error(err))
			p.nack(lease, scrape.Requeue{Delay: claimErrorBackoff}, logger)
			return job, false
		}
		return next, true
	case scrape.StateWaitingForCaptcha:
		logger.Warn("captcha session lost with previous lease")
		err := p.fail(ctx, job.ID, scrape.StateWaitingForCaptcha, scrape.ReasonSessionLost, logger)
		p.finish(lease, item, err, logger)
		return job, false
	default:
		p.ack(lease, logger)
		return job, false
	}
}

// execute runs the automation session, brokering captcha pauses. The hard
// timeout only counts time the session is not suspended.
func (p *Pool) execute(ctx context.Context, job scrape.ScrapeJob, logger *zap.Logger) outcome {
	suspensions, detach := p.deps.Captcha.Attach(job.ID)
	defer detach()

	sess, err := p.deps.Automation.Start(ctx, job)
	if err != nil {
		return outcome{err: fmt.Errorf("start session: %w", err)}
	}
	session := automation.Guard(sess)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	b := newBudget(p.cfg.JobTimeout, func() { cancelRun(errJobTimeout) })
	defer b.stop()

	type extraction struct {
		res scrape.Result
		err error
	}
	results := make(chan extraction, 1)
	go func() {
		res, err := session.Extract(runCtx)
		results <- extraction{res, err}
	}()

	challenges := session.Challenges()
	for {
		select {
		case ch, ok := <-challenges:
			if !ok {
				challenges = nil
				continue
			}
			if _, _, err := p.deps.Captcha.Detect(ctx, job.ID, ch); err != nil {
				logger.Error("record captcha detection", zap.Error(err))
				cancelRun(err)
			}
		case s := <-suspensions:
			b.pause()
			select {
			case res := <-s.Resolved:
				if res.State == captcha.Resolved {
					b.resume()
					logger.Debug("captcha solved, resuming session", zap.Duration("budget_left", b.left()))
					if err := session.Resume(runCtx); err != nil {
						cancelRun(err)
					}
					continue
				}
				cancelRun(res.Err)
				<-results
				return outcome{err: res.Err, settled: res.Settled, waiting: !res.Settled}
			case <-ctx.Done():
				p.deps.Captcha.Release(job.ID)
				cancelRun(context.Cause(ctx))
				<-results
				return outcome{err: context.Cause(ctx)}
			}
		case r := <-results:
			if ctx.Err() != nil {
				// A detection may have landed after shutdown began.
				p.deps.Captcha.Release(job.ID)
			}
			if r.err != nil && runCtx.Err() != nil && ctx.Err() == nil {
				cause := context.Cause(runCtx)
				if errors.Is(cause, errJobTimeout) {
					return outcome{err: scrape.Transient(errJobTimeout)}
				}
				return outcome{err: cause}
			}
			return outcome{result: r.res, err: r.err}
		}
	}
}

// settle records the outcome on the job and releases the lease. ctx is the
// slot context; jobCtx also ends when the lease is lost.
func (p *Pool) settle(
	ctx, jobCtx context.Context,
	job scrape.ScrapeJob,
	item scrape.QueueItem,
	lease scrape.Lease,
	out outcome,
	logger *zap.Logger,
) {
	if errors.Is(context.Cause(jobCtx), errLeaseLost) {
		logger.Warn("lease lost, leaving job to its next delivery")
		return
	}
	if out.settled {
		p.ack(lease, logger)
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if out.waiting {
		err := p.fail(bg, job.ID, scrape.StateWaitingForCaptcha, captchaReason(out.err), logger)
		p.finish(lease, item, err, logger)
		return
	}

	if out.err == nil {
		ref, err := p.persist(bg, job, out.result)
		if err == nil {
			p.finish(lease, item, p.complete(bg, job, ref, logger), logger)
			return
		}
		out.err = scrape.Transient(err)
	}

	if ctx.Err() != nil {
		// Shutdown. A suspended job was released and stays waiting; anything
		// still processing goes back to the queue without a backoff.
		if _, err := p.deps.Jobs.Transition(bg, job.ID, jobs.Change{
			To:     scrape.StateQueued,
			From:   []scrape.JobState{scrape.StateProcessing},
			Note:   "shutdown",
			Region: p.cfg.Region,
		}); err != nil && !errors.Is(err, scrape.ErrInvalidTransition) {
			logger.Error("requeue on shutdown", zap.Error(err))
		}
		p.nackWith(bg, lease, keepRoute(item, 0), logger)
		return
	}

	switch {
	case errors.Is(out.err, scrape.ErrValidation):
		p.finish(lease, item, p.fail(bg, job.ID, scrape.StateProcessing, out.err.Error(), logger), logger)
	case p.deps.Retry.ShouldRetry(out.err, job.Attempts):
		delay := p.deps.Retry.Backoff(job.Attempts)
		logger.Warn("attempt failed, retrying",
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(out.err),
		)
		if _, err := p.deps.Jobs.Transition(bg, job.ID, jobs.Change{
			To:     scrape.StateQueued,
			From:   []scrape.JobState{scrape.StateProcessing},
			Error:  out.err.Error(),
			Note:   "retry",
			Region: p.cfg.Region,
		}); err != nil {
			logger.Error("requeue for retry", zap.Error(err))
		}
		p.nackWith(bg, lease, keepRoute(item, delay), logger)
	default:
		logger.Warn("attempt failed, giving up", zap.Int("attempt", job.Attempts), zap.Error(out.err))
		p.finish(lease, item, p.fail(bg, job.ID, scrape.StateProcessing, out.err.Error(), logger), logger)
	}
}

func (p *Pool) complete(ctx context.Context, job scrape.ScrapeJob, ref string, logger *zap.Logger) error {
	_, err := p.deps.Jobs.Transition(ctx, job.ID, jobs.Change{
		To:        scrape.StateCompleted,
		From:      []scrape.JobState{scrape.StateProcessing},
		ResultRef: ref,
		Region:    p.cfg.Region,
	})
	if err != nil {
		logger.Error("mark job completed", zap.Error(err))
		return err
	}
	logger.Info("job completed", zap.String("result_ref", ref), zap.Int("attempt", job.Attempts))
	return nil
}

func (p *Pool) fail(ctx context.Context, jobID string, from scrape.JobState, reason string, logger *zap.Logger) error {
	_, err := p.deps.Jobs.Transition(ctx, jobID, jobs.Change{
		To:     scrape.StateFailed,
		From:   []scrape.JobState{from},
		Error:  reason,
		Region: p.cfg.Region,
	})
	if err != nil {
		logger.Error("mark job failed", zap.String("reason", reason), zap.Error(err))
	}
	return err
}

// finish releases the lease after a settling write. The item is acked when
// the write landed or the row already moved on; otherwise it is redelivered
// so recovery can settle the job.
func (p *Pool) finish(lease scrape.Lease, item scrape.QueueItem, err error, logger *zap.Logger) {
	if err == nil || errors.Is(err, scrape.ErrInvalidTransition) || errors.Is(err, scrape.ErrNotFound) {
		p.ack(lease, logger)
		return
	}
	p.nack(lease, keepRoute(item, claimErrorBackoff), logger)
}

func captchaReason(err error) string {
	switch {
	case errors.Is(err, scrape.ErrCaptchaTimeout):
		return scrape.ReasonCaptchaTimeout
	case errors.Is(err, scrape.ErrCancelled):
		return scrape.ReasonCancelled
	default:
		return scrape.ReasonSessionLost
	}
}

func (p *Pool) heartbeat(ctx context.Context, box *leaseBox, cancel context.CancelCauseFunc, logger *zap.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := p.deps.Queue.Extend(ctx, box.get(), p.cfg.LeaseTTL)
				switch {
				case errors.Is(err, scrape.ErrLeaseLost):
					cancel(errLeaseLost)
					return
				case err != nil:
					logger.Warn("lease heartbeat failed", zap.Error(err))
				default:
					box.set(next)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (p *Pool) ack(lease scrape.Lease, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := p.deps.Queue.Ack(ctx, lease); err != nil {
		logger.Warn("ack lease", zap.Error(err))
	}
}

func (p *Pool) nack(lease scrape.Lease, r scrape.Requeue, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	p.nackWith(ctx, lease, r, logger)
}

func (p *Pool) nackWith(ctx context.Context, lease scrape.Lease, r scrape.Requeue, logger *zap.Logger) {
	if err := p.deps.Queue.Nack(ctx, lease, r); err != nil {
		logger.Warn("nack lease", zap.Error(err))
	}
}
