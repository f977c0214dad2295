// Package memory provides an in-process leased work queue for single-node
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const defaultLeaseTTL = 60 * time.Second

// Config tunes the queue.
type Config struct {
	// Capacity bounds the number of held items; zero means unbounded.
	Capacity int
	// LeaseTTL is the lifetime of a fresh lease.
	LeaseTTL time.Duration
	Clock    scrape.Clock
}

type entry struct {
	item        scrape.QueueItem
	seq         uint64
	availableAt time.Time
	lease       *scrape.Lease
}

// Queue is a priority queue with per-item leases. Expired leases and passed
// route deadlines are evaluated lazily on every claim.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	wake    chan struct{}
	closed  bool
}

// NewQueue constructs an empty queue.
func NewQueue(cfg Config) *Queue {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Queue{
		cfg:     cfg,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}),
	}
}

func (q *Queue) now() time.Time {
	if q.cfg.Clock != nil {
		return q.cfg.Clock.Now()
	}
	return time.Now()
}

// broadcastLocked wakes every blocked Claim.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue adds jobID. Full or closed queues return ErrQueueUnavailable.
func (q *Queue) Enqueue(_ context.Context, jobID string, opts scrape.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: queue closed: %w", jobID, scrape.ErrQueueUnavailable)
	}
	if _, ok := q.entries[jobID]; ok {
		return fmt.Errorf("enqueue %s: %w", jobID, scrape.ErrAlreadyExists)
	}
	if q.cfg.Capacity > 0 && len(q.entries) >= q.cfg.Capacity {
		return fmt.Errorf("enqueue %s: queue full: %w", jobID, scrape.ErrQueueUnavailable)
	}
	now := q.now()
	q.seq++
	q.entries[jobID] = &entry{
		item: scrape.QueueItem{
			JobID:      jobID,
			Priority:   opts.Priority,
			Partition:  opts.Partition,
			EnqueuedAt: now,
		},
		seq:         q.seq,
		availableAt: now.Add(opts.Delay),
	}
	q.broadcastLocked()
	return nil
}

// Claim blocks until an item is claimable by region or ctx ends.
func (q *Queue) Claim(ctx context.Context, region, workerID string) (scrape.Lease, scrape.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return scrape.Lease{}, scrape.QueueItem{}, fmt.Errorf("claim canceled: %w", err)
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return scrape.Lease{}, scrape.QueueItem{}, fmt.Errorf("claim: queue closed: %w", scrape.ErrQueueUnavailable)
		}
		now := q.now()
		e, next := q.pickLocked(now, region)
		if e != nil {
			e.item.Deliveries++
			lease := scrape.Lease{
				JobID:    e.item.JobID,
				Region:   region,
				WorkerID: workerID,
				Token:    uuid.NewString(),
				Expiry:   now.Add(q.cfg.LeaseTTL),
			}
			e.lease = &lease
			item := e.item
			q.mu.Unlock()
			return lease, item, nil
		}
		wake := q.wake
		q.mu.Unlock()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(now))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return scrape.Lease{}, scrape.QueueItem{}, fmt.Errorf("claim canceled: %w", ctx.Err())
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// pickLocked returns the best claimable entry and, when none is claimable,
// the earliest instant one may become claimable (zero when unknown).
func (q *Queue) pickLocked(now time.Time, region string) (*entry, time.Time) {
	var (
		best *entry
		next time.Time
	)
	for _, e := range q.entries {
		at, ok := eligibleAt(e, region)
		if !ok {
			continue
		}
		if at.After(now) {
			if next.IsZero() || at.Before(next) {
				next = at
			}
			continue
		}
		if best == nil || before(e, best) {
			best = e
		}
	}
	return best, next
}

// eligibleAt reports when e becomes claimable by region; ok is false when it
// never will without another queue mutation.
func eligibleAt(e *entry, region string) (time.Time, bool) {
	at := e.availableAt
	if e.lease != nil && e.lease.Expiry.After(at) {
		at = e.lease.Expiry
	}
	if e.item.Partition != "" && e.item.Partition != region {
		if e.item.RouteDeadline.IsZero() {
			return time.Time{}, false
		}
		if e.item.RouteDeadline.After(at) {
			at = e.item.RouteDeadline
		}
	}
	return at, true
}

func before(a, b *entry) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	return a.seq < b.seq
}

func (q *Queue) leasedLocked(lease scrape.Lease) (*entry, error) {
	e, ok := q.entries[lease.JobID]
	if !ok || e.lease == nil || e.lease.Token != lease.Token {
		return nil, fmt.Errorf("job %s: %w", lease.JobID, scrape.ErrLeaseLost)
	}
	return e, nil
}

// Ack removes the leased item.
func (q *Queue) Ack(_ context.Context, lease scrape.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leasedLocked(lease); err != nil {
		return err
	}
	delete(q.entries, lease.JobID)
	return nil
}

// Nack releases the lease and makes the item available again after r.Delay,
// keeping its original enqueue sequence.
func (q *Queue) Nack(_ context.Context, lease scrape.Lease, r scrape.Requeue) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leasedLocked(lease)
	if err != nil {
		return err
	}
	e.lease = nil
	e.availableAt = q.now().Add(r.Delay)
	e.item.Partition = r.Partition
	e.item.MismatchSince = r.MismatchSince
	e.item.RouteDeadline = r.RouteDeadline
	q.broadcastLocked()
	return nil
}

// Extend pushes the lease expiry to now+ttl.
func (q *Queue) Extend(_ context.Context, lease scrape.Lease, ttl time.Duration) (scrape.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leasedLocked(lease)
	if err != nil {
		return scrape.Lease{}, err
	}
	if ttl <= 0 {
		ttl = q.cfg.LeaseTTL
	}
	e.lease.Expiry = q.now().Add(ttl)
	return *e.lease, nil
}

// Remove drops jobID whether or not it is leased.
func (q *Queue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, jobID)
	return nil
}

// Len reports the number of held items, leased or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Depth implements the queue depth sampler hook.
func (q *Queue) Depth(context.Context) (int, error) {
	return q.Len(), nil
}

// Close rejects further operations and releases blocked claimers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
