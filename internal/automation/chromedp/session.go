package chromedpauto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/automation"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Session is one browser tab bound to a job.
type Session struct {
	job     scrape.ScrapeJob
	tabCtx  context.Context
	cancel  context.CancelFunc
	auto    *Automation
	signal  *automation.Signal
	release func()
}

// Challenges yields detections until the session closes.
func (s *Session) Challenges() <-chan scrape.Challenge { return s.signal.Challenges() }

// Resume unblocks an Extract waiting on a challenge.
func (s *Session) Resume(ctx context.Context) error { return s.signal.Resume(ctx) }

// Close shuts the tab and frees the browser slot. Callers wrap sessions in
// automation.Guard so this runs once.
func (s *Session) Close() error {
	s.signal.Shut()
	s.cancel()
	s.release()
	return nil
}

// run executes actions in the tab, bounded by both the tab and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Extract navigates, pauses on every challenge until resumed, then evaluates
// the selectors.
func (s *Session) Extract(ctx context.Context) (scrape.Result, error) {
	navCtx, cancel := context.WithTimeout(ctx, s.auto.cfg.NavigationTimeout)
	err := s.run(navCtx, chromedp.Navigate(s.job.URL), chromedp.WaitReady("body", chromedp.ByQuery))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return scrape.Result{}, ctx.Err()
		}
		return scrape.Result{}, scrape.Transient(fmt.Errorf("navigate %s: %w", s.job.URL, err))
	}

	for {
		challenge, found, err := s.probeOnce(ctx)
		if err != nil {
			return scrape.Result{}, err
		}
		if !found {
			break
		}
		s.auto.logger.Info("challenge on page",
			zap.String("job_id", s.job.ID),
			zap.String("type", challenge.Type),
		)
		s.signal.Emit(challenge)
		if err := s.signal.Await(ctx); err != nil {
			return scrape.Result{}, err
		}
		select {
		case <-time.After(s.auto.cfg.PollInterval):
		case <-ctx.Done():
			return scrape.Result{}, ctx.Err()
		}
	}

	script, err := extractionScript(s.job.Selectors)
	if err != nil {
		return scrape.Result{}, err
	}
	var items []map[string]string
	if err := s.run(ctx, chromedp.Evaluate(script, &items)); err != nil {
		if ctx.Err() != nil {
			return scrape.Result{}, ctx.Err()
		}
		return scrape.Result{}, scrape.Transient(fmt.Errorf("evaluate selectors: %w", err))
	}
	return scrape.Result{
		JobID:       s.job.ID,
		URL:         s.job.URL,
		Items:       items,
		ExtractedAt: time.Now().UTC(),
	}, nil
}

func (s *Session) probeOnce(ctx context.Context) (scrape.Challenge, bool, error) {
	var raw string
	if err := s.run(ctx, chromedp.Evaluate(s.auto.probe, &raw)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return scrape.Challenge{}, false, err
		}
		return scrape.Challenge{}, false, scrape.Transient(fmt.Errorf("challenge probe: %w", err))
	}
	return parseProbe(raw)
}
