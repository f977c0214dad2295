package chromedpauto

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/automation"
	"github.com/JakeFAU/scrape-orchestrator/internal/captcha/detector"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, detector.NewHeuristic(0), nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, nil)
	require.Error(t, err)

	a, err := New(Config{MaxParallel: 2}, detector.NewHeuristic(0), nil)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, 2, cap(a.limiter))
	require.Equal(t, defaultNavTimeout, a.cfg.NavigationTimeout)
	require.Equal(t, defaultPollInterval, a.cfg.PollInterval)
	require.True(t, strings.HasPrefix(a.probe, "JSON.stringify("))
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	a, err := New(Config{MaxParallel: 1}, detector.NewHeuristic(0), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.acquire(ctx), context.DeadlineExceeded)

	a.release()
	require.NoError(t, a.acquire(context.Background()))
}

func TestExtractionScriptEmbedsSelectors(t *testing.T) {
	t.Parallel()

	script, err := extractionScript(scrape.ExtractionSpec{
		Container: ".product",
		Fields:    map[string]string{"price": ".price"},
	})
	require.NoError(t, err)
	require.Contains(t, script, `"container":".product"`)
	require.Contains(t, script, `"price":".price"`)
	require.Contains(t, script, "querySelectorAll(spec.container)")
}

func TestParseProbe(t *testing.T) {
	t.Parallel()

	_, found, err := parseProbe("null")
	require.NoError(t, err)
	require.False(t, found)

	ch, found, err := parseProbe(`{"type":"hcaptcha","element":".h-captcha"}`)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, scrape.Challenge{Type: "hcaptcha", Element: ".h-captcha"}, ch)

	_, _, err = parseProbe("{")
	require.Error(t, err)
}

func TestSessionCloseReleasesSlotOnce(t *testing.T) {
	t.Parallel()

	a, err := New(Config{MaxParallel: 1}, detector.NewHeuristic(0), nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.acquire(context.Background()))

	tabCtx, cancel := context.WithCancel(context.Background())
	s := automation.Guard(&Session{
		tabCtx:  tabCtx,
		cancel:  cancel,
		auto:    a,
		signal:  automation.NewSignal(),
		release: a.release,
	})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Error(t, tabCtx.Err())
	_, open := <-s.Challenges()
	require.False(t, open)
	require.Zero(t, len(a.limiter))
}
