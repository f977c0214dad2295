package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/scrape-orchestrator/internal/automation"
	"github.com/JakeFAU/scrape-orchestrator/internal/captcha"
	"github.com/JakeFAU/scrape-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	memqueue "github.com/JakeFAU/scrape-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/scrape-orchestrator/internal/region"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/memory"
)

type extractFunc func(ctx context.Context, call int, s *fakeSession) (scrape.Result, error)

type fakeSession struct {
	*automation.Signal
	auto *fakeAutomation
	call int
}

func (s *fakeSession) Extract(ctx context.Context) (scrape.Result, error) {
	return s.auto.extract(ctx, s.call, s)
}

func (s *fakeSession) Close() error {
	s.auto.closes.Add(1)
	s.Shut()
	return nil
}

type fakeAutomation struct {
	extract extractFunc
	starts  atomic.Int32
	closes  atomic.Int32
}

func (a *fakeAutomation) Start(context.Context, scrape.ScrapeJob) (scrape.Session, error) {
	n := a.starts.Add(1)
	return &fakeSession{Signal: automation.NewSignal(), auto: a, call: int(n)}, nil
}

type fakeMetrics struct {
	scrape.NopMetrics
	requeues atomic.Int32
	active   atomic.Int32
}

func (m *fakeMetrics) ObserveRegionRequeue(string, string) { m.requeues.Add(1) }
func (m *fakeMetrics) IncActiveWorkers(string)             { m.active.Add(1) }
func (m *fakeMetrics) DecActiveWorkers(string)             { m.active.Add(-1) }

func itemsResult(context.Context, int, *fakeSession) (scrape.Result, error) {
	return scrape.Result{Items: []map[string]string{{"name": "Kettle"}}}, nil
}

type harness struct {
	t       *testing.T
	store   *jobs.Store
	queue   *memqueue.Queue
	blobs   *memory.BlobStore
	coord   *captcha.Coordinator
	auto    *fakeAutomation
	metrics *fakeMetrics
	router  *region.Router
	retry   RetryPolicy
	repo    *flakyRepo
}

func newHarness(t *testing.T, extract extractFunc, captchaTimeout time.Duration, maxAttempts int) *harness {
	t.Helper()
	store := jobs.New(memory.NewJobStore(), nil, nil, nil, nil, nil)
	q := memqueue.NewQueue(memqueue.Config{LeaseTTL: time.Minute})
	t.Cleanup(q.Close)
	return &harness{
		t:       t,
		store:   store,
		queue:   q,
		blobs:   memory.NewBlobStore(),
		coord:   captcha.New(store, captcha.Config{Timeout: captchaTimeout}),
		auto:    &fakeAutomation{extract: extract},
		metrics: &fakeMetrics{},
		router:  region.New(region.Config{RequeueDelay: 10 * time.Millisecond, MismatchDeadline: time.Minute}),
		retry:   scrape.NewExponentialRetryPolicy(maxAttempts, time.Millisecond, 2*time.Millisecond),
	}
}

var errDBDown = errors.New("db down")

// flakyRepo fails the next UpdateJob calls that write a given state.
type flakyRepo struct {
	scrape.JobRepository
	mu    sync.Mutex
	fails map[scrape.JobState]int
}

func (r *flakyRepo) UpdateJob(ctx context.Context, job scrape.ScrapeJob, expected int64) error {
	r.mu.Lock()
	if r.fails[job.State] > 0 {
		r.fails[job.State]--
		r.mu.Unlock()
		return errDBDown
	}
	r.mu.Unlock()
	return r.JobRepository.UpdateJob(ctx, job, expected)
}

// failWrites swaps in a repository whose writes of state fail n times.
func (h *harness) failWrites(state scrape.JobState, n int, captchaTimeout time.Duration) {
	h.t.Helper()
	h.repo = &flakyRepo{JobRepository: memory.NewJobStore(), fails: map[scrape.JobState]int{state: n}}
	h.store = jobs.New(h.repo, nil, nil, nil, nil, nil)
	h.coord = captcha.New(h.store, captcha.Config{Timeout: captchaTimeout})
}

func (h *harness) submit(id, preferred string) {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.store.Create(ctx, scrape.ScrapeJob{
		ID:     id,
		URL:    "https://shop.example.com/" + id,
		Config: scrape.JobConfig{PreferredRegion: preferred},
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.queue.Enqueue(ctx, id, scrape.EnqueueOptions{}))
}

func (h *harness) run(cfg Config) (stop func()) {
	h.t.Helper()
	pool, err := New(cfg, Deps{
		Jobs:       h.store,
		Queue:      h.queue,
		Router:     h.router,
		Captcha:    h.coord,
		Automation: h.auto,
		Results:    h.blobs,
		Hasher:     sha256.New(),
		Retry:      h.retry,
		Metrics:    h.metrics,
		Logger:     zaptest.NewLogger(h.t),
	})
	require.NoError(h.t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	h.t.Cleanup(stop)
	return stop
}

func (h *harness) await(id string, state scrape.JobState) scrape.ScrapeJob {
	h.t.Helper()
	var job scrape.ScrapeJob
	require.Eventually(h.t, func() bool {
		var err error
		job, err = h.store.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return job
}

func (h *harness) drained() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{Region: "us"}, Deps{})
	require.Error(t, err)
}

func TestSuccessfulJobPersistsResultAndCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, itemsResult, time.Minute, 3)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 2})

	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.CompletedAt)
	require.True(t, strings.HasPrefix(job.ResultRef, "memory://results/job-1/"), job.ResultRef)
	require.True(t, strings.HasSuffix(job.ResultRef, ".json"))

	data, contentType, ok := h.blobs.Get(strings.TrimPrefix(job.ResultRef, "memory://"))
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var res scrape.Result
	require.NoError(t, json.Unmarshal(data, &res))
	require.Equal(t, "job-1", res.JobID)
	require.Equal(t, "https://shop.example.com/job-1", res.URL)
	require.Equal(t, "Kettle", res.Items[0]["name"])

	h.drained()
	require.Equal(t, int32(1), h.auto.closes.Load())
	require.Eventually(t, func() bool { return h.metrics.active.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTransientErrorIsRetriedWithBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, call int, s *fakeSession) (scrape.Result, error) {
		if call == 1 {
			return scrape.Result{}, scrape.Transient(errors.New("connection reset"))
		}
		return itemsResult(ctx, call, s)
	}, time.Minute, 3)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 2, job.Attempts)
	require.Empty(t, job.Error)
	require.Equal(t, int32(2), h.auto.starts.Load())
	require.Equal(t, int32(2), h.auto.closes.Load())
}

func TestTransientErrorsExhaustAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, int, *fakeSession) (scrape.Result, error) {
		return scrape.Result{}, scrape.Transient(errors.New("connection reset"))
	}, time.Minute, 2)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 2})

	job := h.await("job-1", scrape.StateFailed)
	require.Equal(t, 2, job.Attempts)
	require.Contains(t, job.Error, "connection reset")
	h.drained()
	require.Equal(t, int32(2), h.auto.starts.Load())
}

func TestValidationErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, int, *fakeSession) (scrape.Result, error) {
		return scrape.Result{}, &scrape.ValidationError{Field: "selectors.container", Reason: "unsupported pseudo-class"}
	}, time.Minute, 3)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateFailed)
	require.Equal(t, 1, job.Attempts)
	require.Contains(t, job.Error, "selectors.container")
	h.drained()
	require.Equal(t, int32(1), h.auto.starts.Load())
}

func TestRegionMismatchRequeuesWithoutCountingAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, itemsResult, time.Minute, 3)
	h.submit("job-1", "eu")
	h.run(Config{Region: "us", Slots: 2})

	require.Eventually(t, func() bool { return h.metrics.requeues.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	job, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StateQueued, job.State)
	require.Zero(t, job.Attempts)
	require.Equal(t, int32(1), h.metrics.requeues.Load())

	h.run(Config{Region: "eu", Slots: 1})
	job = h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, int32(1), h.auto.starts.Load())
}

func TestRegionDeadlineFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, itemsResult, time.Minute, 3)
	h.router = region.New(region.Config{RequeueDelay: 5 * time.Millisecond, MismatchDeadline: 30 * time.Millisecond})
	h.submit("job-1", "eu")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateFailed)
	require.Equal(t, scrape.ReasonNoMatchingRegion, job.Error)
	require.Zero(t, job.Attempts)
	require.Zero(t, h.auto.starts.Load())
	h.drained()
}

func challengeThenItems(ctx context.Context, call int, s *fakeSession) (scrape.Result, error) {
	s.Emit(scrape.Challenge{Type: "recaptcha", Element: ".g-recaptcha"})
	if err := s.Await(ctx); err != nil {
		return scrape.Result{}, err
	}
	return itemsResult(ctx, call, s)
}

func TestCaptchaSolveResumesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, challengeThenItems, time.Minute, 3)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1, JobTimeout: 60 * time.Millisecond})

	h.await("job-1", scrape.StateWaitingForCaptcha)
	evt, ok := h.coord.Lookup("job-1")
	require.True(t, ok)
	require.Equal(t, "recaptcha", evt.Type)

	// Longer than JobTimeout: the hard timeout must not run while suspended.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, h.coord.Solve(context.Background(), "job-1"))

	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, int32(1), h.auto.closes.Load())
	h.drained()
}

func TestCaptchaTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, challengeThenItems, 30*time.Millisecond, 3)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateFailed)
	require.Equal(t, scrape.ReasonCaptchaTimeout, job.Error)
	require.Equal(t, 1, job.Attempts)
	h.drained()
	require.Eventually(t, func() bool { return h.auto.closes.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), h.auto.starts.Load())
}

func TestHardTimeoutCountsAsTransient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, _ int, _ *fakeSession) (scrape.Result, error) {
		<-ctx.Done()
		return scrape.Result{}, ctx.Err()
	}, time.Minute, 1)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1, JobTimeout: 30 * time.Millisecond})

	job := h.await("job-1", scrape.StateFailed)
	require.Contains(t, job.Error, "job timeout")
	require.Equal(t, 1, job.Attempts)
}

func TestShutdownRequeuesRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ int, _ *fakeSession) (scrape.Result, error) {
		close(started)
		<-ctx.Done()
		return scrape.Result{}, ctx.Err()
	}, time.Minute, 3)
	h.submit("job-1", "")
	stop := h.run(Config{Region: "us", Slots: 1})

	<-started
	stop()

	job, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StateQueued, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, 1, h.queue.Len())
	require.Equal(t, int32(1), h.auto.closes.Load())
}

func TestShutdownWhileSuspendedLeavesJobWaiting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, challengeThenItems, time.Minute, 3)
	h.submit("job-1", "")
	stop := h.run(Config{Region: "us", Slots: 1})

	h.await("job-1", scrape.StateWaitingForCaptcha)
	stop()

	job, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StateWaitingForCaptcha, job.State)
	_, pending := h.coord.Lookup("job-1")
	require.False(t, pending)
	require.Equal(t, 1, h.queue.Len())

	// The next delivery cannot reattach to the lost browser session.
	h.run(Config{Region: "us", Slots: 1})
	job = h.await("job-1", scrape.StateFailed)
	require.Equal(t, scrape.ReasonSessionLost, job.Error)
	require.Equal(t, int32(1), h.auto.starts.Load())
}

func TestRedeliveredProcessingJobIsRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, itemsResult, time.Minute, 3)
	h.submit("job-1", "")
	_, err := h.store.Transition(context.Background(), "job-1", jobs.Change{
		To:                scrape.StateProcessing,
		IncrementAttempts: true,
	})
	require.NoError(t, err)

	h.run(Config{Region: "us", Slots: 1})
	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 2, job.Attempts)
}

func TestHeartbeatKeepsLongJobLeased(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, call int, s *fakeSession) (scrape.Result, error) {
		time.Sleep(150 * time.Millisecond)
		return itemsResult(ctx, call, s)
	}, time.Minute, 3)
	h.queue = memqueue.NewQueue(memqueue.Config{LeaseTTL: 40 * time.Millisecond})
	t.Cleanup(h.queue.Close)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 2, LeaseTTL: 40 * time.Millisecond, Heartbeat: 10 * time.Millisecond})

	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, int32(1), h.auto.starts.Load())
	h.drained()
}

func TestResultPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "results/job-1/abc.json", resultPath("/results/", "job-1", "abc"))
	require.Equal(t, "job-1/abc.json", resultPath("", "job-1", "abc"))
}

func TestFailedCompletionWriteIsRedelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, itemsResult, time.Minute, 3)
	h.failWrites(scrape.StateCompleted, 1, time.Minute)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, int32(2), h.auto.starts.Load())
	h.drained()
}

func TestFailedFailureWriteIsRedelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, int, *fakeSession) (scrape.Result, error) {
		return scrape.Result{}, &scrape.ValidationError{Field: "url", Reason: "unsupported scheme"}
	}, time.Minute, 3)
	h.failWrites(scrape.StateFailed, 1, time.Minute)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateFailed)
	require.Contains(t, job.Error, "url")
	h.drained()
}

func TestCaptchaTimeoutWriteFailureIsSettledBySlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, challengeThenItems, time.Minute, 3)
	h.failWrites(scrape.StateFailed, 1, 30*time.Millisecond)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	job := h.await("job-1", scrape.StateFailed)
	require.Equal(t, scrape.ReasonCaptchaTimeout, job.Error)
	h.drained()
}

func TestCaptchaTimeoutWritesFailingTwiceAreRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, challengeThenItems, time.Minute, 3)
	h.failWrites(scrape.StateFailed, 2, 30*time.Millisecond)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	// Both the coordinator and the slot miss the write; the redelivery fails the job.
	job := h.await("job-1", scrape.StateFailed)
	require.Equal(t, scrape.ReasonSessionLost, job.Error)
	require.Equal(t, int32(1), h.auto.starts.Load())
	h.drained()
}

func TestCaptchaSolveWriteFailureKeepsSlotSuspended(t *testing.T) {
	t.Parallel()

	h := newHarness(t, challengeThenItems, time.Minute, 3)
	h.failWrites(scrape.StateProcessing, 0, time.Minute)
	h.submit("job-1", "")
	h.run(Config{Region: "us", Slots: 1})

	h.await("job-1", scrape.StateWaitingForCaptcha)
	h.repo.mu.Lock()
	h.repo.fails[scrape.StateProcessing] = 1
	h.repo.mu.Unlock()

	require.ErrorIs(t, h.coord.Solve(context.Background(), "job-1"), errDBDown)
	_, ok := h.coord.Lookup("job-1")
	require.True(t, ok)

	require.NoError(t, h.coord.Solve(context.Background(), "job-1"))
	job := h.await("job-1", scrape.StateCompleted)
	require.Equal(t, 1, job.Attempts)
	h.drained()
}
