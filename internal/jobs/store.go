// Package jobs owns the ScrapeJob lifecycle. Every mutation of a stored job
// goes through Store.Transition, which validates the edge against the state
// graph and commits with an optimistic version check.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const maxConflictRetries = 8

// Change describes one requested state transition.
type Change struct {
	// To is the target state.
	To scrape.JobState
	// From restricts the accepted current states. Empty means any state with an edge to To.
	From []scrape.JobState
	// IncrementAttempts bumps the attempts counter, failing with
	// ErrAttemptsExhausted once MaxAttempts (when positive) is reached.
	IncrementAttempts bool
	MaxAttempts       int
	// Error is written to the job when non-empty.
	Error string
	// ResultRef is written on completion.
	ResultRef string
	// Metadata is merged into the job metadata.
	Metadata map[string]string
	// Note, Region annotate the emitted audit event.
	Note   string
	Region string
	// Payload is attached to the captcha_required notification.
	Payload map[string]any
}

// Store is the transition gate in front of a JobRepository.
type Store struct {
	repo     scrape.JobRepository
	clock    scrape.Clock
	notifier scrape.Notifier
	emitter  progress.Emitter
	metrics  scrape.Metrics
	logger   *zap.Logger
}

// New wires a Store. Nil collaborators fall back to no-op implementations.
func New(
	repo scrape.JobRepository,
	clock scrape.Clock,
	notifier scrape.Notifier,
	emitter progress.Emitter,
	metrics scrape.Metrics,
	logger *zap.Logger,
) *Store {
	if clock == nil {
		clock = utcClock{}
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if metrics == nil {
		metrics = scrape.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:     repo,
		clock:    clock,
		notifier: notifier,
		emitter:  emitter,
		metrics:  metrics,
		logger:   logger.Named("jobs"),
	}
}

// Create persists job in the queued state with version 1.
func (s *Store) Create(ctx context.Context, job scrape.ScrapeJob) (scrape.ScrapeJob, error) {
	now := s.clock.Now()
	job.State = scrape.StateQueued
	job.Attempts = 0
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CompletedAt = nil
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("create job: %w", err)
	}
	s.emitter.Emit(progress.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		TS:     now,
		To:     scrape.StateQueued,
		Note:   "submitted",
	})
	s.metrics.ObserveTransition("", scrape.StateQueued)
	return job, nil
}

// Get returns the current job.
func (s *Store) Get(ctx context.Context, id string) (scrape.ScrapeJob, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Delete removes a job row. Used only to undo a submission whose enqueue failed.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Transition applies ch to job id. It returns ErrInvalidTransition when the
// current state rejects the edge and retries internally on version conflicts.
// On success the committed job is returned and observers are notified.
func (s *Store) Transition(ctx context.Context, id string, ch Change) (scrape.ScrapeJob, error) {
	for range maxConflictRetries {
		cur, err := s.repo.GetJob(ctx, id)
		if err != nil {
			return scrape.ScrapeJob{}, fmt.Errorf("transition load: %w", err)
		}
		next, err := s.apply(cur, ch)
		if err != nil {
			return cur, err
		}
		err = s.repo.UpdateJob(ctx, next, cur.Version)
		if errors.Is(err, scrape.ErrVersionConflict) {
			s.logger.Debug("transition version conflict, retrying",
				zap.String("job_id", id),
				zap.Int64("version", cur.Version),
			)
			continue
		}
		if err != nil {
			return cur, fmt.Errorf("transition write: %w", err)
		}
		s.observe(ctx, cur, next, ch)
		return next, nil
	}
	return scrape.ScrapeJob{}, fmt.Errorf("transition %s to %s: %w", id, ch.To, scrape.ErrVersionConflict)
}

func (s *Store) apply(cur scrape.ScrapeJob, ch Change) (scrape.ScrapeJob, error) {
	if len(ch.From) > 0 && !slices.Contains(ch.From, cur.State) {
		return cur, fmt.Errorf("%w: %s -> %s", scrape.ErrInvalidTransition, cur.State, ch.To)
	}
	if !scrape.CanTransition(cur.State, ch.To) {
		return cur, fmt.Errorf("%w: %s -> %s", scrape.ErrInvalidTransition, cur.State, ch.To)
	}
	next := cur.Clone()
	if ch.IncrementAttempts {
		if ch.MaxAttempts > 0 && cur.Attempts >= ch.MaxAttempts {
			return cur, fmt.Errorf("%w: %d of %d", scrape.ErrAttemptsExhausted, cur.Attempts, ch.MaxAttempts)
		}
		next.Attempts++
	}
	now := s.clock.Now()
	next.State = ch.To
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if ch.Error != "" {
		next.Error = ch.Error
	}
	switch ch.To {
	case scrape.StateCompleted:
		next.ResultRef = ch.ResultRef
		next.Error = ""
		next.CompletedAt = &now
	case scrape.StateFailed:
		next.CompletedAt = &now
	}
	if len(ch.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(ch.Metadata))
		}
		maps.Copy(next.Metadata, ch.Metadata)
	}
	return next, nil
}

func (s *Store) observe(ctx context.Context, prev, next scrape.ScrapeJob, ch Change) {
	s.emitter.Emit(progress.Event{
		JobID:     next.ID,
		UserID:    next.UserID,
		TS:        next.UpdatedAt,
		From:      prev.State,
		To:        next.State,
		Attempt:   next.Attempts,
		Region:    ch.Region,
		ResultRef: next.ResultRef,
		Error:     next.Error,
		Note:      ch.Note,
	})
	s.metrics.ObserveTransition(prev.State, next.State)
	if next.State.IsTerminal() {
		s.metrics.ObserveJobDuration(ch.Region, next.State, next.UpdatedAt.Sub(next.CreatedAt))
	}
	s.logger.Debug("job transitioned",
		zap.String("job_id", next.ID),
		zap.String("from", string(prev.State)),
		zap.String("to", string(next.State)),
		zap.Int("attempts", next.Attempts),
	)
	if s.notifier == nil {
		return
	}
	evt, ok := notificationFor(next, ch)
	if !ok {
		return
	}
	delivered := s.notifier.Publish(ctx, next.UserID, evt)
	s.logger.Debug("notification published",
		zap.String("job_id", next.ID),
		zap.String("type", string(evt.Type)),
		zap.Int("delivered", delivered),
	)
}

func notificationFor(job scrape.ScrapeJob, ch Change) (scrape.Notification, bool) {
	switch job.State {
	case scrape.StateWaitingForCaptcha:
		return scrape.Notification{Type: scrape.EventCaptchaRequired, JobID: job.ID, Payload: ch.Payload}, true
	case scrape.StateCompleted:
		return scrape.Notification{
			Type:    scrape.EventJobCompleted,
			JobID:   job.ID,
			Payload: map[string]any{"resultRef": job.ResultRef},
		}, true
	case scrape.StateFailed:
		return scrape.Notification{
			Type:    scrape.EventJobFailed,
			JobID:   job.ID,
			Payload: map[string]any{"error": job.Error},
		}, true
	default:
		return scrape.Notification{}, false
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
