package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBudgetFiresAfterAllowance(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	b := newBudget(20*time.Millisecond, func() { fired.Store(true) })
	defer b.stop()
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	require.Zero(t, b.left())
}

func TestBudgetPauseStopsTheClock(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	b := newBudget(40*time.Millisecond, func() { fired.Store(true) })
	defer b.stop()
	b.pause()
	b.pause()
	left := b.left()
	require.Greater(t, left, 20*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	require.False(t, fired.Load())
	require.Equal(t, left, b.left())

	b.resume()
	b.resume()
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestBudgetStopPreventsFire(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	b := newBudget(10*time.Millisecond, func() { fired.Store(true) })
	b.stop()
	b.resume()
	time.Sleep(40 * time.Millisecond)
	require.False(t, fired.Load())
}
