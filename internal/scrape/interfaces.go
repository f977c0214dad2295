package scrape

import (
	"context"
	"io"
	"time"
)

// JobRepository persists ScrapeJob rows. UpdateJob writes only when the stored
// version still equals expectedVersion and returns ErrVersionConflict otherwise.
type JobRepository interface {
	CreateJob(ctx context.Context, job ScrapeJob) error
	GetJob(ctx context.Context, id string) (ScrapeJob, error)
	UpdateJob(ctx context.Context, job ScrapeJob, expectedVersion int64) error
	DeleteJob(ctx context.Context, id string) error
}

// Queue is a leased work queue with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, opts EnqueueOptions) error
	// Claim blocks until an item is available for the region or ctx ends.
	Claim(ctx context.Context, region, workerID string) (Lease, QueueItem, error)
	Ack(ctx context.Context, lease Lease) error
	Nack(ctx context.Context, lease Lease, requeue Requeue) error
	Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Remove(ctx context.Context, jobID string) error
}

// Automation starts browser (or static) sessions bound to one job.
type Automation interface {
	Start(ctx context.Context, job ScrapeJob) (Session, error)
}

// Session is one live automation context. Challenges yields detections until
// the session ends; Resume tells the session a pending challenge was solved.
type Session interface {
	Extract(ctx context.Context) (Result, error)
	Challenges() <-chan Challenge
	Resume(ctx context.Context) error
	Close() error
}

// BlobStore persists result artifacts and returns a reference URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher sends payloads to a downstream topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier delivers live notifications to a user's connected channels.
type Notifier interface {
	Publish(ctx context.Context, userID string, evt Notification) int
}

// Limiter throttles outbound navigation per target host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher hashes raw bytes into a stable identifier.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Metrics is the collector the pipeline reports into.
type Metrics interface {
	ObserveTransition(from, to JobState)
	ObserveJobDuration(region string, outcome JobState, d time.Duration)
	IncActiveWorkers(region string)
	DecActiveWorkers(region string)
	ObserveRegionRequeue(from, to string)
	ObserveCaptcha(outcome string)
	SetQueueDepth(depth int)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

// ObserveTransition implements Metrics.
func (NopMetrics) ObserveTransition(JobState, JobState) {}

// ObserveJobDuration implements Metrics.
func (NopMetrics) ObserveJobDuration(string, JobState, time.Duration) {}

// IncActiveWorkers implements Metrics.
func (NopMetrics) IncActiveWorkers(string) {}

// DecActiveWorkers implements Metrics.
func (NopMetrics) DecActiveWorkers(string) {}

// ObserveRegionRequeue implements Metrics.
func (NopMetrics) ObserveRegionRequeue(string, string) {}

// ObserveCaptcha implements Metrics.
func (NopMetrics) ObserveCaptcha(string) {}

// SetQueueDepth implements Metrics.
func (NopMetrics) SetQueueDepth(int) {}
