package progress

import (
	"errors"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Event captures one committed job state transition.
type Event struct {
	// JobID identifies the transitioned job.
	JobID string
	// UserID is the job owner, used by sinks that route per user.
	UserID string
	// TS is the commit time recorded by the transition gate.
	TS time.Time
	// From and To bound the transition edge.
	From scrape.JobState
	To   scrape.JobState
	// Attempt is the attempts counter after the transition.
	Attempt int
	// Region is the worker region that drove the transition, when known.
	Region string
	// ResultRef is set on completion.
	ResultRef string
	// Error is set on failure.
	Error string
	// Note lets emitters attach low-volume context (e.g. "retry", "lease_recovered").
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.To == "" {
		return errors.New("target state is required")
	}
	if e.From != "" && !scrape.CanTransition(e.From, e.To) {
		return errors.New("transition is not an edge of the job state graph")
	}
	return nil
}

// Terminal reports whether the event moved the job into a terminal state.
func (e Event) Terminal() bool {
	return e.To.IsTerminal()
}
