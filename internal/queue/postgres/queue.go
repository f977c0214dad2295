// Package postgres implements the leased work queue on a Postgres table using
// FOR UPDATE SKIP LOCKED claims, so many nodes can share one queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
	pgstore "github.com/JakeFAU/scrape-orchestrator/internal/storage/postgres"
)

const (
	defaultLeaseTTL     = 60 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Config tunes the queue.
type Config struct {
	LeaseTTL     time.Duration
	PollInterval time.Duration
	Clock        scrape.Clock
}

// Queue stores items in the scrape_queue table.
type Queue struct {
	db  pgstore.DB
	cfg Config
}

// New wraps an existing pool. The table is created by postgres.Migrate.
func New(db pgstore.DB, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Queue{db: db, cfg: cfg}, nil
}

func (q *Queue) now() time.Time {
	if q.cfg.Clock != nil {
		return q.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

// Enqueue inserts jobID. Database failures surface as ErrQueueUnavailable.
func (q *Queue) Enqueue(ctx context.Context, jobID string, opts scrape.EnqueueOptions) error {
	now := q.now()
	tag, err := q.db.Exec(ctx, `
INSERT INTO scrape_queue (job_id, partition, priority, available_at, enqueued_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING`,
		jobID, opts.Partition, opts.Priority, now.Add(opts.Delay), now,
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w: %w", jobID, scrape.ErrQueueUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enqueue %s: %w", jobID, scrape.ErrAlreadyExists)
	}
	return nil
}

const claimSQL = `
UPDATE scrape_queue
SET lease_token = $1, leased_by = $2, lease_expires_at = $3, deliveries = deliveries + 1
WHERE job_id = (
	SELECT job_id FROM scrape_queue
	WHERE available_at <= $4
	  AND (lease_expires_at IS NULL OR lease_expires_at < $4)
	  AND (partition = '' OR partition = $5 OR (route_deadline IS NOT NULL AND route_deadline <= $4))
	ORDER BY priority DESC, seq ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING job_id, priority, partition, deliveries, enqueued_at, mismatch_since, route_deadline`

// Claim polls until an item is claimable by region or ctx ends.
func (q *Queue) Claim(ctx context.Context, region, workerID string) (scrape.Lease, scrape.QueueItem, error) {
	for {
		lease, item, err := q.tryClaim(ctx, region, workerID)
		if err == nil {
			return lease, item, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return scrape.Lease{}, scrape.QueueItem{}, fmt.Errorf("claim: %w: %w", scrape.ErrQueueUnavailable, err)
		}
		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scrape.Lease{}, scrape.QueueItem{}, fmt.Errorf("claim canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context, region, workerID string) (scrape.Lease, scrape.QueueItem, error) {
	now := q.now()
	lease := scrape.Lease{
		Region:   region,
		WorkerID: workerID,
		Token:    uuid.NewString(),
		Expiry:   now.Add(q.cfg.LeaseTTL),
	}
	var (
		item                    scrape.QueueItem
		mismatch, routeDeadline *time.Time
	)
	err := q.db.QueryRow(ctx, claimSQL, lease.Token, workerID, lease.Expiry, now, region).Scan(
		&item.JobID,
		&item.Priority,
		&item.Partition,
		&item.Deliveries,
		&item.EnqueuedAt,
		&mismatch,
		&routeDeadline,
	)
	if err != nil {
		return scrape.Lease{}, scrape.QueueItem{}, err
	}
	if mismatch != nil {
		item.MismatchSince = *mismatch
	}
	if routeDeadline != nil {
		item.RouteDeadline = *routeDeadline
	}
	lease.JobID = item.JobID
	return lease, item, nil
}

// Ack deletes the leased row.
func (q *Queue) Ack(ctx context.Context, lease scrape.Lease) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM scrape_queue WHERE job_id = $1 AND lease_token = $2`,
		lease.JobID, lease.Token)
	if err != nil {
		return fmt.Errorf("ack %s: %w", lease.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ack %s: %w", lease.JobID, scrape.ErrLeaseLost)
	}
	return nil
}

// Nack clears the lease and schedules the row per r.
func (q *Queue) Nack(ctx context.Context, lease scrape.Lease, r scrape.Requeue) error {
	tag, err := q.db.Exec(ctx, `
UPDATE scrape_queue
SET lease_token = NULL, leased_by = NULL, lease_expires_at = NULL,
	available_at = $3, partition = $4, mismatch_since = $5, route_deadline = $6
WHERE job_id = $1 AND lease_token = $2`,
		lease.JobID, lease.Token, q.now().Add(r.Delay), r.Partition,
		nullableTime(r.MismatchSince), nullableTime(r.RouteDeadline),
	)
	if err != nil {
		return fmt.Errorf("nack %s: %w", lease.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nack %s: %w", lease.JobID, scrape.ErrLeaseLost)
	}
	return nil
}

// Extend pushes the lease expiry to now+ttl.
func (q *Queue) Extend(ctx context.Context, lease scrape.Lease, ttl time.Duration) (scrape.Lease, error) {
	if ttl <= 0 {
		ttl = q.cfg.LeaseTTL
	}
	expiry := q.now().Add(ttl)
	tag, err := q.db.Exec(ctx, `
UPDATE scrape_queue SET lease_expires_at = $3 WHERE job_id = $1 AND lease_token = $2`,
		lease.JobID, lease.Token, expiry)
	if err != nil {
		return scrape.Lease{}, fmt.Errorf("extend %s: %w", lease.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.Lease{}, fmt.Errorf("extend %s: %w", lease.JobID, scrape.ErrLeaseLost)
	}
	lease.Expiry = expiry
	return lease, nil
}

// Remove deletes jobID whether or not it is leased.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM scrape_queue WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("remove %s: %w", jobID, err)
	}
	return nil
}

// Depth counts held rows, leased or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM scrape_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
