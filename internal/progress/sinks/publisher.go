package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// TerminalMessage is the payload published for every job that reaches a
// terminal state.
type TerminalMessage struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	ResultRef  string    `json:"resultRef,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// OrderingKey keys messages by job.
func (m TerminalMessage) OrderingKey() string { return m.JobID }

// PublisherSink forwards terminal transitions to a downstream topic.
type PublisherSink struct {
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink returns a sink publishing to topic.
func NewPublisherSink(publisher scrape.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one message per terminal event and joins any failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		msg := TerminalMessage{
			JobID:      evt.JobID,
			UserID:     evt.UserID,
			Status:     string(evt.To),
			Attempts:   evt.Attempt,
			ResultRef:  evt.ResultRef,
			Error:      evt.Error,
			FinishedAt: evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.JobID, err))
			continue
		}
		s.logger.Debug("published terminal transition",
			zap.String("job_id", evt.JobID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
