package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/config"
	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/dispatcher"
	"github.com/rebridge/jobcrawler/internal/keywords"
	"github.com/rebridge/jobcrawler/internal/queue"
	queueMemory "github.com/rebridge/jobcrawler/internal/queue/memory"
	"github.com/rebridge/jobcrawler/internal/storage/memory"
)

type testEnv struct {
	server  *Server
	queue   *queueMemory.Queue
	crawler *fakeCrawler
	alerts  *fakeAlerts
	store   *memory.Store
	history *queue.History
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore(clock, nil)
	q := queueMemory.NewQueue(10)
	env := &testEnv{
		queue:   q,
		crawler: &fakeCrawler{},
		alerts:  &fakeAlerts{},
		store:   store,
		history: queue.NewHistory(10, 10),
	}
	env.server = NewServer(Deps{
		Crawler:   env.crawler,
		Submitter: dispatcher.New(q, nil, &fakeIDGen{id: "task-1"}, clock),
		Alerts:    env.alerts,
		Keywords:  keywords.NewProvider(store, []string{"장애인"}, zap.NewNop()),
		History:   env.history,
		Runs:      store,
		Jobs:      store,
	}, cfg, zap.NewNop())
	return env
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_EnqueueCrawl_Succeeds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := do(t, env.server, http.MethodPost, "/v1/crawls", `{"source":"Saramin","page":3}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"task_id":"task-1"}`, rec.Body.String())
	task, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.SourceSaramin, task.Source)
	require.Equal(t, 3, task.Page)
	require.Equal(t, crawler.TriggerManual, task.Trigger)
	require.Equal(t, 1, task.Attempt)
}

func TestServer_EnqueueCrawl_RejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "unknown source", body: `{"source":"indeed"}`, want: "unknown source"},
		{name: "negative page", body: `{"source":"work24","page":-2}`, want: "page must be >= 1"},
	}
	for _, tt := range tests {
		rec := do(t, env.server, http.MethodPost, "/v1/crawls", tt.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		require.Contains(t, rec.Body.String(), tt.want, tt.name)
	}
	require.Zero(t, env.queue.Len())
}

func TestServer_EnqueueCrawl_QueueClosed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.queue.Close())

	rec := do(t, env.server, http.MethodPost, "/v1/crawls", `{"source":"work24"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RunCrawl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "success", wantStatus: http.StatusOK, wantBody: `"jobs_new":2`},
		{name: "crawl failure still reports result", err: errors.New("fetch exhausted"), wantStatus: http.StatusOK, wantBody: `"error":"fetch exhausted"`},
		{name: "configuration error", err: &crawler.ConfigurationError{Reason: "no adapter"}, wantStatus: http.StatusBadRequest, wantBody: "no adapter"},
		{name: "lock held", err: fmt.Errorf("crawl saramin: %w", crawler.ErrLockNotAcquired), wantStatus: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{})
			env.crawler.err = tt.err

			rec := do(t, env.server, http.MethodPost, "/v1/crawls/run", `{"source":"saramin"}`)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				require.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_StatsAndCleanup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	env.crawler.stats = crawler.Stats{
		TotalJobs:       3,
		JobsBySource:    map[crawler.Source]int{crawler.SourceWork24: 3},
		RecentCrawlRuns: []crawler.CrawlRun{},
	}
	env.crawler.deleted = 7

	rec := do(t, env.server, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats crawler.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.TotalJobs)
	require.Equal(t, 3, stats.JobsBySource[crawler.SourceWork24])

	rec = do(t, env.server, http.MethodPost, "/v1/maintenance/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"deleted":7}`, rec.Body.String())
}

func TestServer_Alerts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	env.alerts.alerts = []crawler.Alert{{
		Source:   crawler.SourceJobKorea,
		Type:     crawler.AlertConsecutiveFailures,
		Severity: crawler.SeverityCritical,
		Message:  "3 consecutive failures",
	}}

	rec := do(t, env.server, http.MethodPost, "/v1/alerts/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "consecutive_failures")

	rec = do(t, env.server, http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "jobkorea")

	rec = do(t, env.server, http.MethodDelete, "/v1/alerts", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, env.alerts.cleared)
}

func TestServer_Keywords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := do(t, env.server, http.MethodGet, "/v1/keywords", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"keywords":["장애인"]}`, rec.Body.String())

	rec = do(t, env.server, http.MethodPut, "/v1/keywords", `{"keywords":[" 장애인 ","보훈","보훈"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"keywords":["장애인","보훈"]}`, rec.Body.String())

	stored, err := env.store.GetKeywordConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"장애인", "보훈"}, stored)

	rec = do(t, env.server, http.MethodPut, "/v1/keywords", `{"keywords":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_QueueHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	env.history.RecordCompleted(crawler.CrawlTask{ID: "done"}, crawler.CrawlResult{JobsFound: 1}, time.Now())
	env.history.RecordFailed(crawler.CrawlTask{ID: "broken"}, crawler.CrawlResult{}, errors.New("boom"), time.Now())

	rec := do(t, env.server, http.MethodGet, "/v1/queue/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap queue.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Completed, 1)
	require.Len(t, snap.Failed, 1)
	require.Equal(t, "boom", snap.Failed[0].Error)
}

func TestServer_CrawlRunsAndLatestJobs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()

	_, err := env.store.CreateCrawlRun(ctx, crawler.CrawlRun{Source: crawler.SourceWork24, Page: 1, Status: crawler.RunStatusRunning})
	require.NoError(t, err)
	_, err = env.store.UpsertJob(ctx, crawler.NormalizedJob{Source: crawler.SourceWork24, ExternalID: "w-1", Title: "사무보조"})
	require.NoError(t, err)

	rec := do(t, env.server, http.MethodGet, "/v1/crawl-runs?source=work24&status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []crawler.CrawlRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)

	rec = do(t, env.server, http.MethodGet, "/v1/crawl-runs?status=paused", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, env.server, http.MethodGet, "/v1/crawl-runs?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, env.server, http.MethodGet, "/v1/jobs/latest?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "사무보조")
}

func TestServer_ReadyzReportsFailures(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Ready: map[string]ReadinessCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}, config.Config{}, zap.NewNop())

	rec := do(t, server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	rec = do(t, NewServer(Deps{}, config.Config{}, nil), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := do(t, env.server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, env.server, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{})

	rec := do(t, env.server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeCrawler struct {
	err     error
	stats   crawler.Stats
	deleted int
}

func (f *fakeCrawler) RunCrawl(_ context.Context, source crawler.Source, page int) (crawler.CrawlResult, error) {
	result := crawler.CrawlResult{Source: source, Page: page, JobsFound: 2, JobsNew: 2}
	if f.err != nil {
		result = crawler.CrawlResult{Source: source, Page: page, Error: f.err.Error()}
	}
	return result, f.err
}

func (f *fakeCrawler) GetStats(context.Context) (crawler.Stats, error) { return f.stats, nil }

func (f *fakeCrawler) CleanupExpiredJobs(context.Context) (int, error) { return f.deleted, nil }

type fakeAlerts struct {
	alerts  []crawler.Alert
	cleared bool
}

func (f *fakeAlerts) CheckAndAlert(context.Context) ([]crawler.Alert, error) { return f.alerts, nil }

func (f *fakeAlerts) GetActiveAlerts(context.Context) ([]crawler.Alert, error) { return f.alerts, nil }

func (f *fakeAlerts) ClearAlerts(context.Context) error {
	f.cleared = true
	f.alerts = nil
	return nil
}

type fakeIDGen struct {
	id string
}

func (f *fakeIDGen) NewID() (string, error) {
	return f.id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
