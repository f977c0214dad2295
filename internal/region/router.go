// Package region decides whether a claimed job may run in the claiming
// worker's region or must be routed to its preferred region.
package region

import (
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Default routing knobs.
const (
	DefaultRequeueDelay     = 5 * time.Second
	DefaultMismatchDeadline = 10 * time.Minute
)

// Verdict is the router outcome for one claim.
type Verdict int

// Router verdicts.
const (
	// Admit lets the worker run the job.
	Admit Verdict = iota
	// Requeue returns the item to its preferred partition without counting an attempt.
	Requeue
	// Reject fails the job with no_matching_region.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision carries the verdict and, for Requeue, where the item goes.
type Decision struct {
	Verdict Verdict
	Requeue scrape.Requeue
	// Waited is the cumulative mismatch wait at decision time.
	Waited time.Duration
}

// Config tunes the Router.
type Config struct {
	RequeueDelay     time.Duration
	MismatchDeadline time.Duration
}

// Router is stateless; mismatch history travels on the queue item.
type Router struct {
	cfg Config
}

// New returns a Router with defaults applied.
func New(cfg Config) *Router {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	if cfg.MismatchDeadline <= 0 {
		cfg.MismatchDeadline = DefaultMismatchDeadline
	}
	return &Router{cfg: cfg}
}

// Route evaluates a claim of item for job by a worker in region at now.
func (r *Router) Route(job scrape.ScrapeJob, item scrape.QueueItem, region string, now time.Time) Decision {
	preferred := job.Config.PreferredRegion
	if preferred == "" || preferred == region {
		return Decision{Verdict: Admit}
	}
	since := item.MismatchSince
	if since.IsZero() {
		since = now
	}
	waited := now.Sub(since)
	if waited >= r.cfg.MismatchDeadline {
		return Decision{Verdict: Reject, Waited: waited}
	}
	return Decision{
		Verdict: Requeue,
		Waited:  waited,
		Requeue: scrape.Requeue{
			Delay:         r.cfg.RequeueDelay,
			Partition:     preferred,
			MismatchSince: since,
			RouteDeadline: since.Add(r.cfg.MismatchDeadline),
		},
	}
}
