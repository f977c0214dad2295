package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/scrape-orchestrator/internal/captcha"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	memqueue "github.com/JakeFAU/scrape-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/memory"
)

const validSubmission = `{"url":"https://shop.example.com/kettles",` +
	`"selectors":{"container":".product","fields":{"name":".title","price":".price"}},` +
	`"config":{"preferredRegion":"eu"}}`

type fixture struct {
	t       *testing.T
	store   *jobs.Store
	queue   *memqueue.Queue
	hub     *notify.Hub
	coord   *captcha.Coordinator
	handler http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	hub := notify.NewHub(8, zaptest.NewLogger(t))
	store := jobs.New(memory.NewJobStore(), nil, hub, nil, nil, nil)
	q := memqueue.NewQueue(memqueue.Config{})
	t.Cleanup(q.Close)
	coord := captcha.New(store, captcha.Config{Timeout: time.Minute})
	d := dispatcher.New(dispatcher.Config{}, store, q, coord, uuid.New(), nil, nil, nil)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	return &fixture{
		t:       t,
		store:   store,
		queue:   q,
		hub:     hub,
		coord:   coord,
		handler: NewServer(d, coord, hub, opts).Handler(),
	}
}

func (f *fixture) do(method, path, user, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(user string) string {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/jobs", user, validSubmission)
	require.Equal(f.t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp submitResponse
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.JobID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/jobs", "alice", validSubmission)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[submitResponse](t, rec)
	require.True(t, uuid.Valid(resp.JobID))
	require.Equal(t, scrape.StateQueued, resp.Status)
	require.Equal(t, 1, f.queue.Len())

	job, err := f.store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, "alice", job.UserID)
	require.Equal(t, "eu", job.Config.PreferredRegion)
	require.Equal(t, ".title", job.Selectors.Fields["name"])
}

func TestServer_SubmitJob_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "bad scheme", body: `{"url":"ftp://x","selectors":{"container":"a","fields":{"n":"b"}}}`, want: "scheme"},
		{name: "bad selector", body: `{"url":"https://x.com","selectors":{"container":"div[","fields":{"n":"b"}}}`, want: "selectors.container"},
		{name: "no fields", body: `{"url":"https://x.com","selectors":{"container":"div"}}`, want: "selectors.fields"},
		{name: "negative delay", body: `{"url":"https://x.com","selectors":{"container":"div","fields":{"n":"b"}},"delaySeconds":-1}`, want: "delaySeconds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Options{})
			rec := f.do(http.MethodPost, "/jobs", "alice", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
			require.Zero(t, f.queue.Len())
		})
	}
}

func TestServer_SubmitJob_QueueUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.queue.Close()

	rec := f.do(http.MethodPost, "/jobs", "alice", validSubmission)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	id := f.submit("alice")

	rec := f.do(http.MethodGet, "/jobs/"+id, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	require.Equal(t, id, resp["id"])
	require.Equal(t, "queued", resp["status"])
	require.Equal(t, "eu", resp["preferredRegion"])
	require.EqualValues(t, 0, resp["attempts"])
	require.NotContains(t, resp, "completedAt")
	require.NotContains(t, resp, "resultRef")

	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/jobs/"+id, "mallory", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/jobs/missing", "alice", "").Code)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	id := f.submit("alice")

	require.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/jobs/"+id+"/cancel", "mallory", "").Code)

	rec := f.do(http.MethodPost, "/jobs/"+id+"/cancel", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[jobResponse](t, rec)
	require.Equal(t, scrape.StateFailed, resp.Status)
	require.Equal(t, scrape.ReasonCancelled, resp.Error)
	require.Zero(t, f.queue.Len())

	rec = f.do(http.MethodPost, "/jobs/"+id+"/cancel", "alice", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CancelProcessingJobConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	id := f.submit("alice")
	_, err := f.store.Transition(context.Background(), id, jobs.Change{To: scrape.StateProcessing, IncrementAttempts: true})
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/jobs/"+id+"/cancel", "alice", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scrape.StateProcessing, job.State)
}

func TestServer_SignalsDriveCoordinator(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	id := f.submit("alice")
	signal := func(body string) *httptest.ResponseRecorder {
		return f.do(http.MethodPost, "/signals", "alice", body)
	}

	// Detection is only accepted for a processing job.
	rec := signal(fmt.Sprintf(`{"type":"captcha_detected","jobId":%q,"captchaType":"recaptcha"}`, id))
	require.Equal(t, http.StatusConflict, rec.Code)

	_, err := f.store.Transition(context.Background(), id, jobs.Change{To: scrape.StateProcessing, IncrementAttempts: true})
	require.NoError(t, err)

	rec = signal(fmt.Sprintf(`{"type":"captcha_detected","jobId":%q,"captchaType":"recaptcha","element":"#c"}`, id))
	require.Equal(t, http.StatusCreated, rec.Code)
	evt := decode[scrape.CaptchaEvent](t, rec)
	require.Equal(t, "recaptcha", evt.Type)

	rec = signal(fmt.Sprintf(`{"type":"captcha_detected","jobId":%q,"captchaType":"hcaptcha"}`, id))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "recaptcha", decode[scrape.CaptchaEvent](t, rec).Type)

	rec = f.do(http.MethodGet, "/jobs/"+id+"/captcha", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "#c", decode[scrape.CaptchaEvent](t, rec).Element)

	rec = signal(fmt.Sprintf(`{"type":"captcha_solved","jobId":%q}`, id))
	require.Equal(t, http.StatusOK, rec.Code)
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scrape.StateProcessing, job.State)

	rec = signal(fmt.Sprintf(`{"type":"captcha_solved","jobId":%q}`, id))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/jobs/"+id+"/captcha", "alice", "").Code)
}

func TestServer_SignalRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	id := f.submit("alice")

	rec := f.do(http.MethodPost, "/signals", "alice", fmt.Sprintf(`{"type":"captcha_maybe","jobId":%q}`, id))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/signals", "alice", `{"type":"captcha_solved"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/signals", "alice", fmt.Sprintf(`{"type":"captcha_detected","jobId":%q}`, id))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/signals", "mallory", fmt.Sprintf(`{"type":"captcha_solved","jobId":%q}`, id))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuthMapsKeysToUsers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Auth: AuthConfig{Enabled: true, Keys: map[string]string{"k-alice": "alice"}}})

	rec := f.do(http.MethodPost, "/jobs", "alice", validSubmission)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "X-User-ID is ignored when auth is on")

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(validSubmission))
	req.Header.Set("X-API-Key", "k-alice")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[submitResponse](t, rec).JobID

	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "alice", job.UserID)

	req = httptest.NewRequest(http.MethodGet, "/jobs/"+id+"?api_key=k-alice", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", "").Code, "probes stay public")
}

func TestServer_AnonymousOwnerWhenAuthDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	id := f.submit("")
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, anonymousUser, job.UserID)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/jobs/"+id, "", "").Code)
}

type fakeTransitions struct {
	events []progress.Event
	err    error
	limit  int
}

func (f *fakeTransitions) ListTransitions(_ context.Context, _ string, limit int) ([]progress.Event, error) {
	f.limit = limit
	return f.events, f.err
}

func TestServer_ListTransitions(t *testing.T) {
	t.Parallel()

	unwired := newFixture(t, Options{})
	id := unwired.submit("alice")
	require.Equal(t, http.StatusServiceUnavailable, unwired.do(http.MethodGet, "/jobs/"+id+"/transitions", "alice", "").Code)

	now := time.Unix(1700000000, 0).UTC()
	repo := &fakeTransitions{events: []progress.Event{
		{To: scrape.StateQueued, TS: now, Note: "submitted"},
		{From: scrape.StateQueued, To: scrape.StateProcessing, Attempt: 1, Region: "eu", TS: now},
	}}
	f := newFixture(t, Options{Transitions: repo})
	id = f.submit("alice")

	rec := f.do(http.MethodGet, "/jobs/"+id+"/transitions?limit=5000", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxTransitionLimit, repo.limit)
	resp := decode[map[string][]transitionDTO](t, rec)
	require.Len(t, resp["transitions"], 2)
	require.Equal(t, "eu", resp["transitions"][1].Region)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/jobs/"+id+"/transitions?limit=-1", "alice", "").Code)

	repo.err = errors.New("conn reset")
	rec = f.do(http.MethodGet, "/jobs/"+id+"/transitions", "alice", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "conn reset")
}

func TestServer_ProbesAndMetrics(t *testing.T) {
	t.Parallel()

	var ready error
	f := newFixture(t, Options{
		Ready:   func(context.Context) error { return ready },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("scrape_up 1\n")) }),
	})

	rec := f.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "", "").Code)
	require.Contains(t, f.do(http.MethodGet, "/metrics", "", "").Body.String(), "scrape_up")

	ready = errors.New("db down")
	require.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz", "", "").Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{
		Middleware: []func(http.Handler) http.Handler{
			func(http.Handler) http.Handler {
				return http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
			},
		},
	})
	rec := f.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{&scrape.ValidationError{Field: "url", Reason: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("get: %w", scrape.ErrNotFound), http.StatusNotFound},
		{scrape.ErrCancelNotAllowed, http.StatusConflict},
		{scrape.ErrNoPendingCaptcha, http.StatusConflict},
		{scrape.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("queue enqueue: %w", scrape.ErrQueueUnavailable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
