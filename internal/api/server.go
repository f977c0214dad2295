package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 1 << 20
	// anonymousUser owns jobs submitted without credentials when auth is off.
	anonymousUser = "anonymous"
)

// Jobs is the dispatcher surface the handlers drive.
type Jobs interface {
	Submit(ctx context.Context, sub dispatcher.Submission) (scrape.ScrapeJob, error)
	Get(ctx context.Context, id string) (scrape.ScrapeJob, error)
	Cancel(ctx context.Context, id string) error
}

// Captcha is the coordinator surface used by signals and lookups.
type Captcha interface {
	Detect(ctx context.Context, jobID string, ch scrape.Challenge) (scrape.CaptchaEvent, bool, error)
	Solve(ctx context.Context, jobID string) error
	Lookup(jobID string) (scrape.CaptchaEvent, bool)
}

// Subscriber hands out live notification channels.
type Subscriber interface {
	Subscribe(userID string) *notify.Channel
	Unsubscribe(ch *notify.Channel)
}

// TransitionReader lists the audit trail of one job.
type TransitionReader interface {
	ListTransitions(ctx context.Context, jobID string, limit int) ([]progress.Event, error)
}

// AuthConfig maps API keys to user ids. When disabled the caller is taken
// from the X-User-ID header.
type AuthConfig struct {
	Enabled bool
	Keys    map[string]string
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Auth           AuthConfig
	RequestTimeout time.Duration
	// Metrics serves GET /metrics; defaults to the Prometheus default registry.
	Metrics http.Handler
	// Middleware runs after request id, logging, and recovery on every route.
	Middleware []func(http.Handler) http.Handler
	// Ready reports downstream readiness for GET /readyz.
	Ready       func(ctx context.Context) error
	Transitions TransitionReader
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the dispatcher, coordinator, and hub.
type Server struct {
	router  chi.Router
	jobs    Jobs
	captcha Captcha
	hub     Subscriber
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Jobs, captcha Captcha, hub Subscriber, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		captcha: captcha,
		hub:     hub,
		opts:    opts,
		logger:  opts.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	for _, mw := range opts.Middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(opts.Auth))

		// Streams outlive any request timeout.
		r.Get("/events", s.streamEvents)
		r.Get("/events/ws", s.streamWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/jobs", s.submitJob)
			r.Route("/jobs/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Get("/captcha", s.getCaptcha)
				r.Get("/transitions", s.listTransitions)
			})
			r.Post("/signals", s.postSignal)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scrape.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, scrape.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scrape.ErrCancelNotAllowed),
		errors.Is(err, scrape.ErrInvalidTransition),
		errors.Is(err, scrape.ErrNoPendingCaptcha),
		errors.Is(err, scrape.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, scrape.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure reports err to the client. Internal errors are logged and
// masked.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

type requestIDKey struct{}

type userKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func userFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id
	}
	return anonymousUser
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// authMiddleware resolves the calling user. The api_key query parameter is
// accepted for EventSource and WebSocket clients that cannot set headers.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var user string
			if cfg.Enabled {
				key := r.Header.Get("X-API-Key")
				if key == "" {
					key = r.URL.Query().Get("api_key")
				}
				var ok bool
				user, ok = cfg.Keys[key]
				if key == "" || !ok {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
			} else {
				user = r.Header.Get("X-User-ID")
			}
			ctx := context.WithValue(r.Context(), userKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
