package postgres

import (
	"context"
	"fmt"
)

// Schema creates the job, audit, and queue tables.
const Schema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	selectors    JSONB NOT NULL,
	config       JSONB NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	version      BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	result_ref   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	metadata     JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS scrape_jobs_state_idx ON scrape_jobs (state);

CREATE TABLE IF NOT EXISTS job_transitions (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	attempt    INTEGER NOT NULL DEFAULT 0,
	region     TEXT NOT NULL DEFAULT '',
	result_ref TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS job_transitions_job_idx ON job_transitions (job_id, id);

CREATE TABLE IF NOT EXISTS scrape_queue (
	job_id           TEXT PRIMARY KEY,
	partition        TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	seq              BIGSERIAL,
	available_at     TIMESTAMPTZ NOT NULL,
	enqueued_at      TIMESTAMPTZ NOT NULL,
	deliveries       INTEGER NOT NULL DEFAULT 0,
	lease_token      TEXT,
	leased_by        TEXT,
	lease_expires_at TIMESTAMPTZ,
	mismatch_since   TIMESTAMPTZ,
	route_deadline   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS scrape_queue_claim_idx ON scrape_queue (priority DESC, seq ASC);
`

// Migrate applies Schema. Statements are idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}
