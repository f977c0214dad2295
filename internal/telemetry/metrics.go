package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Collector is the Prometheus-backed scrape.Metrics implementation.
type Collector struct {
	transitions     *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeWorkers   *prometheus.GaugeVec
	regionRequeues  *prometheus.CounterVec
	captchaOutcomes *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	rateLimitDelay  *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

var _ scrape.Metrics = (*Collector)(nil)

// NewCollector registers every collector against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_jobs_total",
			Help: "Committed job transitions, labeled by source and target state.",
		}, []string{"from", "to"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_job_duration_seconds",
			Help:    "Wall time of one job attempt in a worker slot.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"region", "outcome"}),
		activeWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scrape_active_workers",
			Help: "Worker slots currently executing a job.",
		}, []string{"region"}),
		regionRequeues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_region_requeues_total",
			Help: "Claims returned to the queue because of a region mismatch.",
		}, []string{"from", "to"}),
		captchaOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_captcha_events_total",
			Help: "Captcha events, labeled by outcome.",
		}, []string{"outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_queue_depth",
			Help: "Items held by the work queue.",
		}),
		rateLimitDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_rate_limit_delay_seconds",
			Help:    "Histogram of per-host politeness waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// ObserveTransition counts a committed transition.
func (c *Collector) ObserveTransition(from, to scrape.JobState) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveJobDuration records how long an attempt ran before it settled.
func (c *Collector) ObserveJobDuration(region string, outcome scrape.JobState, d time.Duration) {
	c.jobDuration.WithLabelValues(region, string(outcome)).Observe(d.Seconds())
}

// IncActiveWorkers increments the active worker count.
func (c *Collector) IncActiveWorkers(region string) {
	c.activeWorkers.WithLabelValues(region).Inc()
}

// DecActiveWorkers decrements the active worker count.
func (c *Collector) DecActiveWorkers(region string) {
	c.activeWorkers.WithLabelValues(region).Dec()
}

// ObserveRegionRequeue counts a mismatch requeue.
func (c *Collector) ObserveRegionRequeue(from, to string) {
	c.regionRequeues.WithLabelValues(from, to).Inc()
}

// ObserveCaptcha counts a captcha outcome.
func (c *Collector) ObserveCaptcha(outcome string) {
	c.captchaOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth samples the queue size.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// ObserveRateLimitDelay records the duration of a rate limit wait. It
// matches ratelimit.DelayObserver.
func (c *Collector) ObserveRateLimitDelay(host string, d time.Duration) {
	c.rateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func (c *Collector) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics under
// the matched route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		c.ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code. It
// passes Flush and Hijack through for event streams and WebSockets.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	rec.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
