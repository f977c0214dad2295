package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const uniqueViolation = "23505"

const jobColumns = `id, user_id, url, selectors, config, priority, state, attempts, version,
	created_at, updated_at, completed_at, result_ref, error, metadata`

// JobStore persists ScrapeJob rows in the scrape_jobs table.
type JobStore struct {
	pool DB
}

// NewJobStoreWithPool builds a store on a pool shared with the queue and
// transition log.
func NewJobStoreWithPool(pool DB) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.ScrapeJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO scrape_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create %s: %w", job.ID, scrape.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a row by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (scrape.ScrapeJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.ScrapeJob{}, fmt.Errorf("get %s: %w", id, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob rewrites the mutable columns when version still equals expectedVersion.
func (s *JobStore) UpdateJob(ctx context.Context, job scrape.ScrapeJob, expectedVersion int64) error {
	metadata, err := json.Marshal(nonNilMap(job.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET state = $2, attempts = $3, version = $4, updated_at = $5, completed_at = $6,
	result_ref = $7, error = $8, metadata = $9
WHERE id = $1 AND version = $10`,
		job.ID,
		string(job.State),
		job.Attempts,
		job.Version,
		job.UpdatedAt,
		job.CompletedAt,
		job.ResultRef,
		job.Error,
		metadata,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var version int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM scrape_jobs WHERE id = $1`, job.ID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update %s: %w", job.ID, scrape.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select job version: %w", err)
	}
	return fmt.Errorf("update %s at version %d: %w", job.ID, version, scrape.ErrVersionConflict)
}

// DeleteJob removes a row; deleting a missing job is not an error.
func (s *JobStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scrape_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func jobArgs(job scrape.ScrapeJob) ([]any, error) {
	selectors, err := json.Marshal(job.Selectors)
	if err != nil {
		return nil, fmt.Errorf("marshal selectors: %w", err)
	}
	config, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	metadata, err := json.Marshal(nonNilMap(job.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return []any{
		job.ID,
		job.UserID,
		job.URL,
		selectors,
		config,
		job.Priority,
		string(job.State),
		job.Attempts,
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
		job.ResultRef,
		job.Error,
		metadata,
	}, nil
}

func scanJob(row pgx.Row) (scrape.ScrapeJob, error) {
	var (
		job                         scrape.ScrapeJob
		state                       string
		selectors, config, metadata []byte
		completedAt                 *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.URL,
		&selectors,
		&config,
		&job.Priority,
		&state,
		&job.Attempts,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
		&job.ResultRef,
		&job.Error,
		&metadata,
	); err != nil {
		return scrape.ScrapeJob{}, err
	}
	job.State = scrape.JobState(state)
	job.CompletedAt = completedAt
	if err := json.Unmarshal(selectors, &job.Selectors); err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("decode selectors: %w", err)
	}
	if err := json.Unmarshal(config, &job.Config); err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("decode config: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return scrape.ScrapeJob{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(job.Metadata) == 0 {
		job.Metadata = nil
	}
	return job, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
