// Package sqlite provides a single-node durable JobRepository backed by the
// pure-Go modernc SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	selectors    TEXT NOT NULL,
	config       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	version      INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	completed_at INTEGER,
	result_ref   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_state ON scrape_jobs(state);
`

// JobStore is a SQLite-backed JobRepository. Timestamps are stored as Unix nanoseconds.
type JobStore struct {
	db *sql.DB
}

// NewJobStore opens (or creates) the database at path and applies the schema.
func NewJobStore(path string) (*JobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &JobStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. Statements are idempotent.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database file is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *JobStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// CreateJob inserts a new row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.ScrapeJob) error {
	selectors, err := json.Marshal(job.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs
			(id, user_id, url, selectors, config, priority, state, attempts, version,
			 created_at, updated_at, completed_at, result_ref, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		job.ID, job.UserID, job.URL, string(selectors), string(config), job.Priority,
		string(job.State), job.Attempts, job.Version,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), nullableNanos(job.CompletedAt),
		job.ResultRef, job.Error, metadata,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("create %s: %w", job.ID, scrape.ErrAlreadyExists)
	}
	return nil
}

// GetJob loads a row by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (scrape.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, selectors, config, priority, state, attempts, version,
		       created_at, updated_at, completed_at, result_ref, error, metadata
		FROM scrape_jobs WHERE id = ?
	`, id)

	var (
		job                         scrape.ScrapeJob
		state                       string
		selectors, config, metadata string
		createdAt, updatedAt        int64
		completedAt                 sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.URL, &selectors, &config, &job.Priority,
		&state, &job.Attempts, &job.Version, &createdAt, &updatedAt, &completedAt,
		&job.ResultRef, &job.Error, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.ScrapeJob{}, fmt.Errorf("get %s: %w", id, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	job.State = scrape.JobState(state)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(selectors), &job.Selectors); err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("decode selectors: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &job.Config); err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &job.Metadata); err != nil {
		return scrape.ScrapeJob{}, fmt.Errorf("decode metadata: %w", err)
	}
	if len(job.Metadata) == 0 {
		job.Metadata = nil
	}
	return job, nil
}

// UpdateJob rewrites the mutable columns when version still equals expectedVersion.
func (s *JobStore) UpdateJob(ctx context.Context, job scrape.ScrapeJob, expectedVersion int64) error {
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET state = ?, attempts = ?, version = ?, updated_at = ?, completed_at = ?,
		    result_ref = ?, error = ?, metadata = ?
		WHERE id = ? AND version = ?
	`,
		string(job.State), job.Attempts, job.Version, job.UpdatedAt.UnixNano(),
		nullableNanos(job.CompletedAt), job.ResultRef, job.Error, metadata,
		job.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM scrape_jobs WHERE id = ?`, job.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s: %w", job.ID, scrape.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select job version: %w", err)
	}
	return fmt.Errorf("update %s at version %d: %w", job.ID, version, scrape.ErrVersionConflict)
}

// DeleteJob removes a row; deleting a missing job is not an error.
func (s *JobStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scrape_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
