// Package collyauto is the static automation backend: plain HTTP fetches
// through gocolly with CSS extraction and no JavaScript.
package collyauto

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/automation"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const defaultTimeout = 15 * time.Second

// Detector classifies a raw response as a challenge page.
type Detector interface {
	Detect(statusCode int, body []byte) (scrape.Challenge, bool)
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Automation implements scrape.Automation using Colly.
type Automation struct {
	cfg       Config
	detector  Detector
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds the static backend.
func New(cfg Config, detector Detector, logger *zap.Logger) *Automation {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Automation{
		cfg:       cfg,
		detector:  detector,
		transport: newHTTPTransport(),
		logger:    logger.Named("colly"),
	}
}

// newCollector builds a collector with its own HTTP client. Cloning would
// share the client, and with it the cookie jar, across sessions.
func (a *Automation) newCollector(jar http.CookieJar) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(a.transport)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if a.cfg.UserAgent != "" {
		c.UserAgent = a.cfg.UserAgent
	}
	c.SetRequestTimeout(a.cfg.Timeout)
	c.SetCookieJar(jar)
	return c
}

// Start prepares a session with its own cookie jar so a resumed visit
// carries whatever the challenge exchange set.
func (a *Automation) Start(_ context.Context, job scrape.ScrapeJob) (scrape.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Session{auto: a, job: job, jar: jar, signal: automation.NewSignal()}, nil
}

// Session is one job's visit sequence.
type Session struct {
	auto   *Automation
	job    scrape.ScrapeJob
	jar    http.CookieJar
	signal *automation.Signal
}

// Challenges yields detections until Close.
func (s *Session) Challenges() <-chan scrape.Challenge { return s.signal.Challenges() }

// Resume lets a paused Extract revisit the page.
func (s *Session) Resume(ctx context.Context) error { return s.signal.Resume(ctx) }

// Close ends the challenge stream.
func (s *Session) Close() error {
	s.signal.Shut()
	return nil
}

type visit struct {
	mu     sync.Mutex
	status int
	body   []byte
	items  []map[string]string
	err    error
}

// Extract visits the page, revisiting after each resumed challenge.
func (s *Session) Extract(ctx context.Context) (scrape.Result, error) {
	for {
		v, err := s.visit(ctx)
		if err != nil {
			return scrape.Result{}, err
		}
		if challenge, ok := s.detect(v); ok {
			s.auto.logger.Info("challenge on page",
				zap.String("job_id", s.job.ID),
				zap.String("type", challenge.Type),
			)
			s.signal.Emit(challenge)
			if err := s.signal.Await(ctx); err != nil {
				return scrape.Result{}, err
			}
			continue
		}
		if v.status >= http.StatusBadRequest {
			return scrape.Result{}, scrape.Transient(fmt.Errorf("fetch %s: status %d", s.job.URL, v.status))
		}
		items := v.items
		if items == nil {
			items = []map[string]string{}
		}
		return scrape.Result{
			JobID:       s.job.ID,
			URL:         s.job.URL,
			Items:       items,
			ExtractedAt: time.Now().UTC(),
		}, nil
	}
}

func (s *Session) detect(v *visit) (scrape.Challenge, bool) {
	if s.auto.detector == nil {
		return scrape.Challenge{}, false
	}
	return s.auto.detector.Detect(v.status, v.body)
}

func (s *Session) visit(ctx context.Context) (*visit, error) {
	collector := s.auto.newCollector(s.jar)
	v := &visit{}
	s.configureHooks(collector, v)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(s.job.URL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, scrape.Transient(fmt.Errorf("colly visit failed: %w", err))
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, scrape.Transient(fmt.Errorf("colly response failed: %w", v.err))
	}
	return v, nil
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

func (s *Session) configureHooks(hooks collectorHooks, v *visit) {
	hooks.OnResponse(func(r *colly.Response) {
		v.mu.Lock()
		v.status = r.StatusCode
		v.body = append([]byte(nil), r.Body...)
		v.mu.Unlock()
	})
	hooks.OnHTML(s.job.Selectors.Container, func(e *colly.HTMLElement) {
		item := make(map[string]string, len(s.job.Selectors.Fields))
		for name, sel := range s.job.Selectors.Fields {
			item[name] = e.ChildText(sel)
		}
		v.mu.Lock()
		v.items = append(v.items, item)
		v.mu.Unlock()
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
