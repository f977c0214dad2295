package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
)

// TransitionRepository appends audit rows for committed transitions.
type TransitionRepository interface {
	AppendTransitions(ctx context.Context, batch []progress.Event) error
}

// StoreSink persists the transition stream through a TransitionRepository.
// Events are written in batch order so the audit trail replays as a valid path.
type StoreSink struct {
	repo   TransitionRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo TransitionRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository. It respects ctx deadlines and
// wraps repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	if err := s.repo.AppendTransitions(ctx, batch); err != nil {
		return fmt.Errorf("append transitions: %w", err)
	}
	s.logger.Debug("persisted transitions", zap.Int("count", len(batch)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
