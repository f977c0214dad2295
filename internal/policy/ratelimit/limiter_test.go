package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitSpacesSameHost(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	delays := map[string]time.Duration{}
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1}, func(host string, d time.Duration) {
		mu.Lock()
		delays[host] += d
		mu.Unlock()
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://Shop.example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://shop.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	require.Equal(t, 2, l.Hosts())
	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, delays["shop.example.com"], time.Duration(0))
	require.NotContains(t, delays, "other.example.com")
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1}, nil)
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com"))
}

func TestDisabledRateNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "not a url"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, l.Hosts())
}
