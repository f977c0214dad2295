package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// PrometheusSink exports audit-stream metrics. It owns collectors for
// per-edge transition counts, jobs in flight, and end-to-end job latency.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	inFlight    prometheus.Gauge
	jobLatency  *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_audit_transitions_total",
			Help: "Committed job transitions observed on the audit stream.",
		}, []string{"from", "to"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_audit_jobs_in_flight",
			Help: "Jobs that have left the queued state but not reached a terminal state.",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_audit_job_latency_seconds",
			Help:    "Time from first processing transition to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{s.transitions, s.inFlight, s.jobLatency} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register transition collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	from := string(evt.From)
	if from == "" {
		from = "none"
	}
	s.transitions.WithLabelValues(from, string(evt.To)).Inc()

	switch {
	case evt.To == scrape.StateProcessing:
		if s.tracker.start(evt.JobID, evt.TS) {
			s.inFlight.Inc()
		}
	case evt.Terminal():
		started, ok := s.tracker.complete(evt.JobID)
		if !ok {
			return
		}
		s.inFlight.Dec()
		if d := evt.TS.Sub(started); d > 0 {
			s.jobLatency.WithLabelValues(string(evt.To)).Observe(d.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
