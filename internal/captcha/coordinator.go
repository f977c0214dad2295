// Package captcha coordinates the human-in-the-loop pause of a running job:
// detection moves the job to waiting_for_captcha and arms a deadline, and a
// solve, timeout, or cancel decides how the suspended worker continues.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// DefaultTimeout bounds how long a job may wait for a human.
const DefaultTimeout = 300 * time.Second

// State is the lifecycle of one captcha event.
type State int

// Event states.
const (
	Armed State = iota
	Detected
	Resolved
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Detected:
		return "detected"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resolution is delivered once to the suspended worker. Settled reports
// whether the job row already left waiting_for_captcha; when false the
// worker must still fail the job itself.
type Resolution struct {
	State   State
	Err     error
	Settled bool
}

// Suspension tells an attached worker to pause until Resolved yields.
type Suspension struct {
	Event    scrape.CaptchaEvent
	Resolved <-chan Resolution
}

// Transitioner is the slice of the job gate the coordinator drives.
type Transitioner interface {
	Transition(ctx context.Context, id string, ch jobs.Change) (scrape.ScrapeJob, error)
}

// Config tunes the Coordinator.
type Config struct {
	Timeout time.Duration
	Clock   scrape.Clock
	Metrics scrape.Metrics
	Logger  *zap.Logger
}

type pendingEvent struct {
	event scrape.CaptchaEvent
	state State
	timer *time.Timer
	done  chan Resolution
	// ready closes once Detect has either armed the event or dropped it.
	ready chan struct{}
}

// Coordinator owns every pending captcha event. The first state flip under
// mu decides the outcome; later signals observe ErrNoPendingCaptcha.
type Coordinator struct {
	jobs    Transitioner
	timeout time.Duration
	clock   scrape.Clock
	metrics scrape.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	attached map[string]chan Suspension
}

// New builds a Coordinator.
func New(gate Transitioner, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = scrape.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		jobs:     gate,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.Named("captcha"),
		pending:  make(map[string]*pendingEvent),
		attached: make(map[string]chan Suspension),
	}
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}

// Attach registers the running worker for jobID. Suspensions for the job are
// delivered on the returned channel until detach is called.
func (c *Coordinator) Attach(jobID string) (<-chan Suspension, func()) {
	ch := make(chan Suspension, 1)
	c.mu.Lock()
	c.attached[jobID] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.attached[jobID] == ch {
			delete(c.attached, jobID)
		}
	}
}

// Detect records a challenge for a processing job. A detection while one is
// already pending returns the existing event with created=false.
func (c *Coordinator) Detect(
	ctx context.Context,
	jobID string,
	challenge scrape.Challenge,
) (scrape.CaptchaEvent, bool, error) {
	c.mu.Lock()
	if p, ok := c.pending[jobID]; ok {
		c.mu.Unlock()
		return p.event, false, nil
	}
	now := c.now()
	p := &pendingEvent{
		event: scrape.CaptchaEvent{
			JobID:              jobID,
			Type:               challenge.Type,
			Element:            challenge.Element,
			DetectedAt:         now,
			ResolutionDeadline: now.Add(c.timeout),
		},
		state: Armed,
		done:  make(chan Resolution, 1),
		ready: make(chan struct{}),
	}
	c.pending[jobID] = p
	c.mu.Unlock()

	_, err := c.jobs.Transition(ctx, jobID, jobs.Change{
		To:      scrape.StateWaitingForCaptcha,
		From:    []scrape.JobState{scrape.StateProcessing},
		Note:    "captcha_detected",
		Payload: payload(p.event),
	})
	if err != nil {
		c.mu.Lock()
		if c.pending[jobID] == p {
			delete(c.pending, jobID)
		}
		close(p.ready)
		c.mu.Unlock()
		return scrape.CaptchaEvent{}, false, fmt.Errorf("captcha detect: %w", err)
	}

	c.mu.Lock()
	if c.pending[jobID] != p || p.state != Armed {
		close(p.ready)
		c.mu.Unlock()
		return scrape.CaptchaEvent{}, false, fmt.Errorf("job %s: %w", jobID, scrape.ErrNoPendingCaptcha)
	}
	p.state = Detected
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(jobID, p) })
	if slot, ok := c.attached[jobID]; ok {
		select {
		case slot <- Suspension{Event: p.event, Resolved: p.done}:
		default:
		}
	}
	close(p.ready)
	c.mu.Unlock()

	c.metrics.ObserveCaptcha("detected")
	c.logger.Info("captcha detected",
		zap.String("job_id", jobID),
		zap.String("type", challenge.Type),
		zap.Time("deadline", p.event.ResolutionDeadline),
	)
	return p.event, true, nil
}

// claim flips a Detected event to next and removes it from pending. An event
// still being armed by Detect is waited for, so a signal racing the
// waiting_for_captcha write lands on the live event.
func (c *Coordinator) claim(ctx context.Context, jobID string, next State) (*pendingEvent, error) {
	for {
		c.mu.Lock()
		p, ok := c.pending[jobID]
		if ok && p.state == Armed {
			ready := p.ready
			c.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("captcha signal: %w", ctx.Err())
			}
		}
		if !ok || p.state != Detected {
			c.mu.Unlock()
			return nil, fmt.Errorf("job %s: %w", jobID, scrape.ErrNoPendingCaptcha)
		}
		p.state = next
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, jobID)
		c.mu.Unlock()
		return p, nil
	}
}

// rearm restores a claimed event whose resolving write failed. The original
// deadline still applies.
func (c *Coordinator) rearm(jobID string, p *pendingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.pending[jobID]; taken {
		return
	}
	p.state = Detected
	c.pending[jobID] = p
	p.timer = time.AfterFunc(max(p.event.ResolutionDeadline.Sub(c.now()), 0), func() { c.expire(jobID, p) })
}

// Solve resumes a waiting job. Signals for jobs with no pending event are
// rejected with ErrNoPendingCaptcha.
func (c *Coordinator) Solve(ctx context.Context, jobID string) error {
	p, err := c.claim(ctx, jobID, Resolved)
	if err != nil {
		c.logger.Debug("discarding late captcha solve", zap.String("job_id", jobID))
		return err
	}
	_, err = c.jobs.Transition(ctx, jobID, jobs.Change{
		To:   scrape.StateProcessing,
		From: []scrape.JobState{scrape.StateWaitingForCaptcha},
		Note: "captcha_solved",
	})
	switch {
	case errors.Is(err, scrape.ErrInvalidTransition):
		// The row already left waiting_for_captcha.
		p.done <- Resolution{State: Cancelled, Err: err, Settled: true}
		return fmt.Errorf("captcha solve: %w", err)
	case err != nil:
		c.rearm(jobID, p)
		return fmt.Errorf("captcha solve: %w", err)
	}
	p.done <- Resolution{State: Resolved}
	c.metrics.ObserveCaptcha("solved")
	c.logger.Info("captcha solved", zap.String("job_id", jobID))
	return nil
}

// Cancel fails a waiting job with reason cancelled.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	p, err := c.claim(ctx, jobID, Cancelled)
	if err != nil {
		return err
	}
	_, err = c.jobs.Transition(ctx, jobID, jobs.Change{
		To:    scrape.StateFailed,
		From:  []scrape.JobState{scrape.StateWaitingForCaptcha},
		Error: scrape.ReasonCancelled,
		Note:  "cancelled",
	})
	switch {
	case errors.Is(err, scrape.ErrInvalidTransition):
		p.done <- Resolution{State: Cancelled, Err: scrape.ErrCancelled, Settled: true}
		return fmt.Errorf("captcha cancel: %w", err)
	case err != nil:
		c.rearm(jobID, p)
		return fmt.Errorf("captcha cancel: %w", err)
	}
	p.done <- Resolution{State: Cancelled, Err: scrape.ErrCancelled, Settled: true}
	c.metrics.ObserveCaptcha("cancelled")
	return nil
}

// Release drops a pending event without touching the job. Workers call it
// when they shut down while suspended; the job stays waiting until its next
// delivery fails it.
func (c *Coordinator) Release(jobID string) {
	if _, err := c.claim(context.Background(), jobID, Cancelled); err == nil {
		c.logger.Info("captcha released on shutdown", zap.String("job_id", jobID))
	}
}

// Lookup returns the pending event for jobID.
func (c *Coordinator) Lookup(jobID string) (scrape.CaptchaEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[jobID]
	if !ok || p.state != Detected {
		return scrape.CaptchaEvent{}, false
	}
	return p.event, true
}

func (c *Coordinator) expire(jobID string, p *pendingEvent) {
	c.mu.Lock()
	if p.state != Detected {
		c.mu.Unlock()
		return
	}
	p.state = TimedOut
	if c.pending[jobID] == p {
		delete(c.pending, jobID)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.jobs.Transition(ctx, jobID, jobs.Change{
		To:    scrape.StateFailed,
		From:  []scrape.JobState{scrape.StateWaitingForCaptcha},
		Error: scrape.ReasonCaptchaTimeout,
		Note:  "captcha_timeout",
	})
	if err != nil && !errors.Is(err, scrape.ErrInvalidTransition) {
		// The suspended worker retries the write and redelivers on failure.
		c.logger.Warn("captcha timeout transition failed", zap.String("job_id", jobID), zap.Error(err))
		p.done <- Resolution{State: TimedOut, Err: scrape.ErrCaptchaTimeout}
		c.metrics.ObserveCaptcha("timeout")
		return
	}
	p.done <- Resolution{State: TimedOut, Err: scrape.ErrCaptchaTimeout, Settled: true}
	c.metrics.ObserveCaptcha("timeout")
	c.logger.Info("captcha timed out", zap.String("job_id", jobID))
}

func payload(evt scrape.CaptchaEvent) map[string]any {
	return map[string]any{
		"captchaType":        evt.Type,
		"element":            evt.Element,
		"detectedAt":         evt.DetectedAt,
		"resolutionDeadline": evt.ResolutionDeadline,
	}
}
