package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
	lockmem "github.com/rebridge/jobcrawler/internal/lock/memory"
	pubmem "github.com/rebridge/jobcrawler/internal/publisher/memory"
	"github.com/rebridge/jobcrawler/internal/storage/memory"
)

var testNow = time.Date(2024, 7, 1, 3, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

// fakeAdapter returns canned listings and counts calls.
type fakeAdapter struct {
	source   crawler.Source
	items    []crawler.RawItem
	fetchErr error
	details  map[string]crawler.DetailRecord

	fetches  atomic.Int32
	cleanups atomic.Int32
}

func (a *fakeAdapter) Source() crawler.Source { return a.source }

func (a *fakeAdapter) FetchListings(context.Context, int) ([]crawler.RawItem, error) {
	a.fetches.Add(1)
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return a.items, nil
}

func (a *fakeAdapter) FetchDetail(_ context.Context, id string) (crawler.DetailRecord, error) {
	d, ok := a.details[id]
	if !ok {
		return crawler.DetailRecord{}, &crawler.FetchError{Source: a.source, Err: errors.New("no detail")}
	}
	return d, nil
}

func (a *fakeAdapter) Normalize(_ context.Context, raw crawler.RawItem) (crawler.NormalizedJob, error) {
	job := crawler.NormalizedJob{
		Source:      a.source,
		ExternalID:  raw.ExternalID,
		Title:       raw.Field(crawler.FieldTitle),
		Company:     raw.Field(crawler.FieldCompany),
		CrawledAt:   testNow,
		ExternalURL: raw.URL,
	}
	if err := job.Validate(); err != nil {
		return crawler.NormalizedJob{}, err
	}
	return job, nil
}

func (a *fakeAdapter) Cleanup() { a.cleanups.Add(1) }

type fakeFactory struct {
	adapters map[crawler.Source]*fakeAdapter
}

func (f fakeFactory) New(source crawler.Source) (crawler.Adapter, error) {
	a, ok := f.adapters[source]
	if !ok {
		return nil, &crawler.ConfigurationError{Reason: "unknown source"}
	}
	return a, nil
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRefresher) Refresh(context.Context) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *countingRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func item(id, title string) crawler.RawItem {
	return crawler.RawItem{
		Source:     crawler.SourceSaramin,
		ExternalID: id,
		URL:        "https://example.test/" + id,
		Fields:     map[string]string{crawler.FieldTitle: title, crawler.FieldCompany: "Acme"},
	}
}

func noWaitRetry(retries int) crawler.RetryPolicy {
	return crawler.RetryPolicy{MaxRetries: retries, Backoff: []time.Duration{0}}
}

type fixture struct {
	orch      *Orchestrator
	store     *memory.Store
	adapter   *fakeAdapter
	refresher *countingRefresher
	publisher *pubmem.Publisher
}

func newFixture(t *testing.T, adapter *fakeAdapter, mutate func(*Deps, *Config)) fixture {
	t.Helper()
	store := memory.NewStore(fixedClock{}, nil)
	refresher := &countingRefresher{}
	publisher := pubmem.New()
	deps := Deps{
		Adapters:  fakeFactory{adapters: map[crawler.Source]*fakeAdapter{adapter.source: adapter}},
		Store:     store,
		Refresher: refresher,
		Publisher: publisher,
		Clock:     fixedClock{},
		Logger:    zap.NewNop(),
	}
	cfg := Config{Retry: noWaitRetry(3)}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	orch, err := New(deps, cfg)
	require.NoError(t, err)
	return fixture{orch: orch, store: store, adapter: adapter, refresher: refresher, publisher: publisher}
}

func TestRunCrawlIsIdempotent(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{source: crawler.SourceSaramin, items: []crawler.RawItem{item("1", "a"), item("2", "b")}}
	f := newFixture(t, adapter, nil)
	ctx := context.Background()

	first, err := f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, first.JobsNew)
	assert.Equal(t, 0, first.JobsUpdated)

	second, err := f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, second.JobsNew)
	assert.Equal(t, 2, second.JobsUpdated)
	assert.False(t, second.Failed())

	n, err := f.store.CountJobs(ctx, crawler.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), adapter.cleanups.Load())
	assert.Equal(t, 2, f.refresher.Calls())

	runs, err := f.store.ListCrawlRuns(ctx, crawler.CrawlRunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, crawler.RunStatusSuccess, run.Status)
		assert.Equal(t, 2, run.JobsFound)
		require.NotNil(t, run.CompletedAt)
	}
}

func TestRunCrawlRetryExhaustion(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{
		source:   crawler.SourceWork24,
		fetchErr: &crawler.FetchError{Source: crawler.SourceWork24, URL: "u", Err: errors.New("timeout")},
	}
	f := newFixture(t, adapter, nil)
	ctx := context.Background()

	result, err := f.orch.RunCrawl(ctx, crawler.SourceWork24, 1)
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, int32(4), adapter.fetches.Load())
	assert.True(t, result.Failed())
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 0, f.refresher.Calls())

	runs, err := f.store.ListCrawlRuns(ctx, crawler.CrawlRunFilter{Source: crawler.SourceWork24})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, crawler.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "timeout")

	msgs := f.publisher.MessagesFor(TopicCrawlCompleted)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Data), "timeout")
}

func TestRunCrawlSkipsMalformedItems(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{
		source: crawler.SourceSaramin,
		items:  []crawler.RawItem{item("1", "a"), item("2", ""), item("", "c"), item("4", "d")},
	}
	f := newFixture(t, adapter, nil)

	result, err := f.orch.RunCrawl(context.Background(), crawler.SourceSaramin, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, result.JobsFound)
	assert.Equal(t, 2, result.JobsNew)
	assert.Equal(t, 2, result.JobsSkipped)
	assert.Equal(t, result.JobsFound, result.JobsNew+result.JobsUpdated+result.JobsSkipped)

	runs, err := f.store.ListCrawlRuns(context.Background(), crawler.CrawlRunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, crawler.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, 2, runs[0].Page)
}

// flakyStore fails writes for a single external id.
type flakyStore struct {
	*memory.Store
	failID string
}

func (s flakyStore) UpsertJob(ctx context.Context, job crawler.NormalizedJob) (crawler.UpsertOutcome, error) {
	if job.ExternalID == s.failID {
		return crawler.UpsertOutcome{}, errors.New("connection reset")
	}
	return s.Store.UpsertJob(ctx, job)
}

func TestRunCrawlSkipsItemsTheStoreRejects(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{
		source: crawler.SourceSaramin,
		items:  []crawler.RawItem{item("1", "a"), item("2", "b"), item("3", "c")},
	}
	var store *memory.Store
	f := newFixture(t, adapter, func(d *Deps, _ *Config) {
		store = d.Store.(*memory.Store)
		d.Store = flakyStore{Store: store, failID: "2"}
	})
	ctx := context.Background()

	result, err := f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.JobsFound)
	assert.Equal(t, 2, result.JobsNew)
	assert.Equal(t, 1, result.JobsSkipped)

	for _, id := range []string{"1", "3"} {
		_, err := store.FindJobByKey(ctx, crawler.SourceSaramin, id)
		require.NoError(t, err)
	}
	_, err = store.FindJobByKey(ctx, crawler.SourceSaramin, "2")
	require.Error(t, err)

	runs, err := store.ListCrawlRuns(ctx, crawler.CrawlRunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, crawler.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, 1, f.refresher.Calls())
}

func TestRunCrawlUnknownSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeAdapter{source: crawler.SourceSaramin}, nil)

	result, err := f.orch.RunCrawl(context.Background(), crawler.SourceJobKorea, 1)
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, crawler.IsRetryable(err))
	assert.True(t, result.Failed())

	runs, err := f.store.ListCrawlRuns(context.Background(), crawler.CrawlRunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunCrawlRejectsBadPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeAdapter{source: crawler.SourceSaramin}, nil)

	_, err := f.orch.RunCrawl(context.Background(), crawler.SourceSaramin, 0)
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, int32(0), f.adapter.fetches.Load())
}

func TestRunCrawlHonorsSourceLock(t *testing.T) {
	t.Parallel()
	locker := lockmem.New(nil)
	adapter := &fakeAdapter{source: crawler.SourceSaramin, items: []crawler.RawItem{item("1", "a")}}
	f := newFixture(t, adapter, func(d *Deps, _ *Config) { d.Locker = locker })
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "crawl:lock:saramin", time.Minute)
	require.NoError(t, err)

	_, err = f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
	require.ErrorIs(t, err, crawler.ErrLockNotAcquired)
	assert.True(t, crawler.IsRetryable(err))
	assert.Equal(t, int32(0), adapter.fetches.Load())

	require.NoError(t, held.Release(ctx))
	_, err = f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
	require.NoError(t, err)

	// Released after the crawl.
	again, err := locker.Acquire(ctx, "crawl:lock:saramin", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRunCrawlEnrichesDetails(t *testing.T) {
	t.Parallel()
	deadline := testNow.AddDate(0, 1, 0)
	adapter := &fakeAdapter{
		source: crawler.SourceSaramin,
		items:  []crawler.RawItem{item("1", "a"), item("2", "b")},
		details: map[string]crawler.DetailRecord{
			"1": {
				NormalizedJob: crawler.NormalizedJob{
					Description:          "full text",
					Salary:               &crawler.SalaryRange{Min: 30_000_000, Currency: "KRW"},
					IsDisabilityFriendly: true,
				},
				ApplicationDeadline: &deadline,
			},
		},
	}
	f := newFixture(t, adapter, func(_ *Deps, c *Config) { c.EnrichDetails = true })
	ctx := context.Background()

	result, err := f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.JobsNew)

	enriched, err := f.store.FindJobByKey(ctx, crawler.SourceSaramin, "1")
	require.NoError(t, err)
	assert.Equal(t, "full text", enriched.Description)
	assert.True(t, enriched.IsDisabilityFriendly)
	require.NotNil(t, enriched.ExpiresAt)
	assert.Equal(t, deadline, *enriched.ExpiresAt)

	plain, err := f.store.FindJobByKey(ctx, crawler.SourceSaramin, "2")
	require.NoError(t, err)
	assert.Empty(t, plain.Description)
}

func TestRunCrawlArchivesBatch(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	adapter := &fakeAdapter{source: crawler.SourceSaramin, items: []crawler.RawItem{item("1", "a")}}
	f := newFixture(t, adapter, func(d *Deps, c *Config) {
		d.Blobs = blobs
		c.ArchivePrefix = "raw"
	})

	result, err := f.orch.RunCrawl(context.Background(), crawler.SourceSaramin, 3)
	require.NoError(t, err)

	key := ArchivePath("raw", crawler.SourceSaramin, result.RunID, 3, testNow)
	data, contentType, ok := blobs.Object(key)
	require.True(t, ok, "missing %s in %v", key, blobs.Paths())
	assert.Equal(t, "application/json", contentType)

	var batch archivedBatch
	require.NoError(t, json.Unmarshal(data, &batch))
	assert.Equal(t, 3, batch.Page)
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "1", batch.Items[0].ExternalID)
}

func TestArchivePath(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	assert.Equal(t, "raw/work24/2024/02/03/run-1-p2.json", ArchivePath("raw", crawler.SourceWork24, "run-1", 2, at))
	assert.Equal(t, "work24/2024/02/03/20240203T040506-p1.json", ArchivePath("", crawler.SourceWork24, "", 1, at))
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{source: crawler.SourceSaramin, items: []crawler.RawItem{item("1", "a"), item("2", "b")}}
	f := newFixture(t, adapter, nil)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := f.orch.RunCrawl(ctx, crawler.SourceSaramin, 1)
		require.NoError(t, err)
	}

	stats, err := f.orch.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, map[crawler.Source]int{crawler.SourceSaramin: 2}, stats.JobsBySource)
	assert.Len(t, stats.RecentCrawlRuns, 10)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"jobs_by_source":{"saramin":2}`)
}

func TestCleanupExpiredJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeAdapter{source: crawler.SourceSaramin}, func(_ *Deps, c *Config) {
		c.StaleAfter = 30 * 24 * time.Hour
	})
	ctx := context.Background()
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	seed := []crawler.NormalizedJob{
		{Source: crawler.SourceWork24, ExternalID: "expired", Title: "t", CrawledAt: testNow, ExpiresAt: &past},
		{Source: crawler.SourceWork24, ExternalID: "open", Title: "t", CrawledAt: testNow, ExpiresAt: &future},
		{Source: crawler.SourceWork24, ExternalID: "stale", Title: "t", CrawledAt: testNow.AddDate(0, 0, -31)},
		{Source: crawler.SourceWork24, ExternalID: "fresh", Title: "t", CrawledAt: testNow.AddDate(0, 0, -1)},
	}
	for _, job := range seed {
		_, err := f.store.UpsertJob(ctx, job)
		require.NoError(t, err)
	}

	deleted, err := f.orch.CleanupExpiredJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 1, f.refresher.Calls())

	deleted, err = f.orch.CleanupExpiredJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, 1, f.refresher.Calls())
}

func TestMergeDetailKeepsListingFields(t *testing.T) {
	t.Parallel()
	listing := crawler.NormalizedJob{Company: "Acme", EmploymentType: "정규직", IsDisabilityFriendly: true}
	merged := MergeDetail(listing, crawler.DetailRecord{NormalizedJob: crawler.NormalizedJob{Company: "Other"}})
	assert.Equal(t, "Acme", merged.Company)
	assert.Equal(t, "정규직", merged.EmploymentType)
	assert.True(t, merged.IsDisabilityFriendly)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{Store: memory.NewStore(nil, nil)}, Config{})
	require.Error(t, err)
	_, err = New(Deps{Adapters: fakeFactory{}}, Config{})
	require.Error(t, err)

	o, err := New(Deps{Adapters: fakeFactory{}, Store: memory.NewStore(nil, nil)}, Config{})
	require.NoError(t, err)
	assert.Equal(t, crawler.DefaultRetryPolicy().MaxRetries, o.cfg.Retry.MaxRetries)
}

func TestRunCrawlRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	f := newFixture(t, &fakeAdapter{source: crawler.SourceSaramin, items: []crawler.RawItem{item("1", "a")}}, nil)
	_, err := f.orch.RunCrawl(context.Background(), crawler.SourceSaramin, 1)
	require.NoError(t, err)
	_, err = f.orch.RunCrawl(context.Background(), crawler.SourceSaramin, 0)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "crawl.run", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "saramin", attrs["crawl.source"])
	assert.Equal(t, int64(1), attrs["crawl.jobs_new"])
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
