package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const transitionColumns = 10

// TransitionStore appends audit rows into job_transitions.
type TransitionStore struct {
	pool DB
}

// NewTransitionStore shares an existing pool.
func NewTransitionStore(pool DB) (*TransitionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TransitionStore{pool: pool}, nil
}

// AppendTransitions writes the batch with one multi-row INSERT.
func (s *TransitionStore) AppendTransitions(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO job_transitions
	(job_id, user_id, from_state, to_state, attempt, region, result_ref, error, note, ts) VALUES `)
	args := make([]any, 0, len(batch)*transitionColumns)
	for i, evt := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * transitionColumns
		sb.WriteString("(")
		for c := 1; c <= transitionColumns; c++ {
			if c > 1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")
		args = append(args,
			evt.JobID,
			evt.UserID,
			string(evt.From),
			string(evt.To),
			evt.Attempt,
			evt.Region,
			evt.ResultRef,
			evt.Error,
			evt.Note,
			evt.TS,
		)
	}
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert transitions: %w", err)
	}
	return nil
}

// ListTransitions returns up to limit audit rows for jobID in commit order.
func (s *TransitionStore) ListTransitions(ctx context.Context, jobID string, limit int) ([]progress.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, user_id, from_state, to_state, attempt, region,
	result_ref, error, note, ts FROM job_transitions WHERE job_id = $1 ORDER BY id ASC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []progress.Event
	for rows.Next() {
		var (
			evt      progress.Event
			from, to string
		)
		if err := rows.Scan(
			&evt.JobID, &evt.UserID, &from, &to, &evt.Attempt, &evt.Region,
			&evt.ResultRef, &evt.Error, &evt.Note, &evt.TS,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		evt.From = scrape.JobState(from)
		evt.To = scrape.JobState(to)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}
