package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

func claimWithin(t *testing.T, q *Queue, region string, d time.Duration) (scrape.Lease, scrape.QueueItem, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Claim(ctx, region, "w-"+region)
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "low-1", scrape.EnqueueOptions{}))
	require.NoError(t, q.Enqueue(ctx, "high", scrape.EnqueueOptions{Priority: 5}))
	require.NoError(t, q.Enqueue(ctx, "low-2", scrape.EnqueueOptions{}))

	var order []string
	for range 3 {
		lease, item, err := claimWithin(t, q, "us", time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, item.Deliveries)
		order = append(order, item.JobID)
		require.NoError(t, q.Ack(ctx, lease))
	}
	require.Equal(t, []string{"high", "low-1", "low-2"}, order)
	require.Zero(t, q.Len())
}

func TestQueueRejectsDuplicatesAndFullOrClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 1})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a", scrape.EnqueueOptions{}))
	require.ErrorIs(t, q.Enqueue(ctx, "a", scrape.EnqueueOptions{}), scrape.ErrAlreadyExists)
	require.ErrorIs(t, q.Enqueue(ctx, "b", scrape.EnqueueOptions{}), scrape.ErrQueueUnavailable)

	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(ctx, "c", scrape.EnqueueOptions{}), scrape.ErrQueueUnavailable)
	_, _, err := claimWithin(t, q, "us", time.Second)
	require.ErrorIs(t, err, scrape.ErrQueueUnavailable)
}

func TestQueueClaimHonoursDelay(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	require.NoError(t, q.Enqueue(context.Background(), "a", scrape.EnqueueOptions{Delay: 80 * time.Millisecond}))

	_, _, err := claimWithin(t, q, "us", 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	_, item, err := claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", item.JobID)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestQueueBlockedClaimWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	got := make(chan string, 1)
	go func() {
		_, item, err := claimWithin(t, q, "us", 2*time.Second)
		if err == nil {
			got <- item.JobID
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "late", scrape.EnqueueOptions{}))

	select {
	case id := <-got:
		require.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestQueueExpiredLeaseIsRedelivered(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{LeaseTTL: 30 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a", scrape.EnqueueOptions{}))

	first, _, err := claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)

	second, item, err := claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, item.Deliveries)
	require.NotEqual(t, first.Token, second.Token)

	require.ErrorIs(t, q.Ack(ctx, first), scrape.ErrLeaseLost)
	_, err = q.Extend(ctx, first, time.Second)
	require.ErrorIs(t, err, scrape.ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second))
}

func TestQueueExtendKeepsLease(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{LeaseTTL: 40 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a", scrape.EnqueueOptions{}))
	lease, _, err := claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)

	extended, err := q.Extend(ctx, lease, time.Second)
	require.NoError(t, err)
	require.True(t, extended.Expiry.After(lease.Expiry))

	_, _, err = claimWithin(t, q, "us", 100*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, q.Ack(ctx, lease))
}

func TestQueuePartitionRouting(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a", scrape.EnqueueOptions{}))

	lease, _, err := claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)
	mismatch := time.Now()
	require.NoError(t, q.Nack(ctx, lease, scrape.Requeue{
		Partition:     "eu",
		MismatchSince: mismatch,
		RouteDeadline: mismatch.Add(150 * time.Millisecond),
	}))

	_, _, err = claimWithin(t, q, "us", 30*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	lease, item, err := claimWithin(t, q, "eu", time.Second)
	require.NoError(t, err)
	require.Equal(t, "eu", item.Partition)
	require.Equal(t, mismatch, item.MismatchSince)
	require.Equal(t, 2, item.Deliveries)
	require.NoError(t, q.Nack(ctx, lease, scrape.Requeue{
		Partition:     "eu",
		MismatchSince: item.MismatchSince,
		RouteDeadline: item.RouteDeadline,
	}))

	_, item, err = claimWithin(t, q, "us", time.Second)
	require.NoError(t, err, "stranded item must become claimable once its route deadline passes")
	require.Equal(t, "a", item.JobID)
}

func TestQueueNackKeepsOriginalSequence(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "first", scrape.EnqueueOptions{}))
	require.NoError(t, q.Enqueue(ctx, "second", scrape.EnqueueOptions{}))

	lease, item, err := claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", item.JobID)
	require.NoError(t, q.Nack(ctx, lease, scrape.Requeue{}))

	_, item, err = claimWithin(t, q, "us", time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", item.JobID)
}

func TestQueueExactlyOneConcurrentClaim(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{LeaseTTL: time.Minute})
	require.NoError(t, q.Enqueue(context.Background(), "only", scrape.EnqueueOptions{}))

	const claimers = 16
	var wins, timeouts atomic.Int32
	var wg sync.WaitGroup
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, _, err := q.Claim(ctx, "us", "w")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, context.DeadlineExceeded):
				timeouts.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(claimers-1), timeouts.Load())
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a", scrape.EnqueueOptions{}))
	require.NoError(t, q.Remove(ctx, "a"))
	require.NoError(t, q.Remove(ctx, "a"))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}
