package scrape

import "time"

// JobState enumerates the lifecycle states of a ScrapeJob.
type JobState string

// Supported job states.
const (
	StateQueued            JobState = "queued"
	StateProcessing        JobState = "processing"
	StateWaitingForCaptcha JobState = "waiting_for_captcha"
	StateCompleted         JobState = "completed"
	StateFailed            JobState = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ExtractionSpec describes the selectors the automation task evaluates.
type ExtractionSpec struct {
	Container string            `json:"container"`
	Fields    map[string]string `json:"fields"`
}

// JobConfig carries routing and session hints supplied at submission.
type JobConfig struct {
	PreferredRegion string `json:"preferredRegion,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
}

// ScrapeJob is the durable record of one scrape task.
type ScrapeJob struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId,omitempty"`
	URL         string            `json:"url"`
	Selectors   ExtractionSpec    `json:"selectors"`
	Config      JobConfig         `json:"config"`
	Priority    int               `json:"priority"`
	State       JobState          `json:"status"`
	Attempts    int               `json:"attempts"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	ResultRef   string            `json:"resultRef,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never share maps or pointers with a store.
func (j ScrapeJob) Clone() ScrapeJob {
	cp := j
	if j.Selectors.Fields != nil {
		cp.Selectors.Fields = make(map[string]string, len(j.Selectors.Fields))
		for k, v := range j.Selectors.Fields {
			cp.Selectors.Fields[k] = v
		}
	}
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// QueueItem is the unit of work held by a Queue.
type QueueItem struct {
	JobID      string
	Priority   int
	Partition  string
	Deliveries int
	EnqueuedAt time.Time
	// MismatchSince marks the first region mismatch; zero when never mismatched.
	MismatchSince time.Time
	// RouteDeadline makes a routed item claimable by any region once passed.
	RouteDeadline time.Time
}

// EnqueueOptions tune how an item enters the queue.
type EnqueueOptions struct {
	Priority  int
	Delay     time.Duration
	Partition string
}

// Requeue describes where and when a leased item returns to the queue.
type Requeue struct {
	Delay         time.Duration
	Partition     string
	MismatchSince time.Time
	RouteDeadline time.Time
}

// Lease is a time-bounded exclusive claim on one queue item.
type Lease struct {
	JobID    string
	Region   string
	WorkerID string
	Token    string
	Expiry   time.Time
}

// Challenge is one captcha detection produced by an automation session.
type Challenge struct {
	Type    string `json:"captchaType"`
	Element string `json:"element,omitempty"`
}

// CaptchaEvent records a pending challenge awaiting external resolution.
type CaptchaEvent struct {
	JobID              string    `json:"jobId"`
	Type               string    `json:"captchaType"`
	Element            string    `json:"element,omitempty"`
	DetectedAt         time.Time `json:"detectedAt"`
	ResolutionDeadline time.Time `json:"resolutionDeadline"`
}

// Result is the extraction output persisted to the ResultStore.
type Result struct {
	JobID       string              `json:"jobId"`
	URL         string              `json:"url"`
	Items       []map[string]string `json:"items"`
	ExtractedAt time.Time           `json:"extractedAt"`
}

// EventType names a notification delivered to live user channels.
type EventType string

// Notification event types.
const (
	EventCaptchaRequired EventType = "captcha_required"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
)

// Notification is the payload fanned out by the NotificationHub.
type Notification struct {
	Type    EventType      `json:"type"`
	JobID   string         `json:"jobId"`
	Payload map[string]any `json:"payload,omitempty"`
}
