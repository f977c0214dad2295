// Package chromedpauto runs scrape jobs in headless Chrome tabs. Each session
// owns one tab for its lifetime so a captcha pause keeps the page alive.
package chromedpauto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/automation"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultPollInterval = time.Second
)

// Prober produces the in-page challenge probe.
type Prober interface {
	ProbeScript() string
}

// Config controls the browser backend.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// PollInterval spaces re-probes after a resume.
	PollInterval time.Duration
	// PreNavigationScript is injected into every document before page scripts run.
	PreNavigationScript string
	Headless            bool
}

// Automation implements scrape.Automation on chromedp.
type Automation struct {
	cfg         Config
	probe       string
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New builds the backend. Chrome is not launched until the first session runs.
func New(cfg Config, prober Prober, logger *zap.Logger) (*Automation, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if prober == nil {
		return nil, fmt.Errorf("challenge prober is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Automation{
		cfg:         cfg,
		probe:       fmt.Sprintf("JSON.stringify(%s)", prober.ProbeScript()),
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("chromedp"),
	}, nil
}

// Close shuts down the browser allocator.
func (a *Automation) Close() {
	a.allocCancel()
}

// Start opens a tab for job and applies the session setup.
func (a *Automation) Start(ctx context.Context, job scrape.ScrapeJob) (scrape.Session, error) {
	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(a.allocator)
	s := &Session{
		job:     job,
		tabCtx:  tabCtx,
		cancel:  tabCancel,
		auto:    a,
		signal:  automation.NewSignal(),
		release: a.release,
	}
	// The first Run allocates the browser, so it must use the tab context
	// itself; a derived deadline would tear the browser down with it.
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, a.setupAction())
	stop()
	if err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("session setup: %w", ctx.Err())
		}
		return nil, scrape.Transient(fmt.Errorf("session setup: %w", err))
	}
	return s, nil
}

func (a *Automation) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if a.cfg.PreNavigationScript != "" {
			if _, err := page.AddScriptToEvaluateOnNewDocument(a.cfg.PreNavigationScript).Do(ctx); err != nil {
				return fmt.Errorf("install pre-navigation script: %w", err)
			}
		}
		return nil
	})
}

func (a *Automation) acquire(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	select {
	case a.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (a *Automation) release() {
	if a.limiter == nil {
		return
	}
	select {
	case <-a.limiter:
	default:
	}
}

// extractionScript evaluates to an array of {field: text} objects, one per
// container match.
func extractionScript(spec scrape.ExtractionSpec) (string, error) {
	encoded, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode selectors: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const spec = %s;
	return Array.from(document.querySelectorAll(spec.container)).map((el) => {
		const out = {};
		for (const [name, sel] of Object.entries(spec.fields || {})) {
			const node = el.querySelector(sel);
			out[name] = node ? node.textContent.trim() : "";
		}
		return out;
	});
})()`, encoded), nil
}

type probeResult struct {
	Type    string `json:"type"`
	Element string `json:"element"`
}

func parseProbe(raw string) (scrape.Challenge, bool, error) {
	var res *probeResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return scrape.Challenge{}, false, fmt.Errorf("decode probe result: %w", err)
	}
	if res == nil || res.Type == "" {
		return scrape.Challenge{}, false, nil
	}
	return scrape.Challenge{Type: res.Type, Element: res.Element}, true, nil
}
