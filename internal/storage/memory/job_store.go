package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// JobStore provides an in-memory JobRepository for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrape.ScrapeJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]scrape.ScrapeJob)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create %s: %w", job.ID, scrape.ErrAlreadyExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob fetches a copy of the job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ScrapeJob{}, fmt.Errorf("get %s: %w", jobID, scrape.ErrNotFound)
	}
	return job.Clone(), nil
}

// UpdateJob replaces the row when its stored version equals expectedVersion.
func (s *JobStore) UpdateJob(_ context.Context, job scrape.ScrapeJob, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", job.ID, scrape.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("update %s: %w", job.ID, scrape.ErrVersionConflict)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// DeleteJob removes the row; deleting a missing job is not an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
