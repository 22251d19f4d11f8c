// Package orchestrator runs one (source, page) crawl end to end: fetch with
// retry, normalize, upsert, record the run and refresh caches.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/metrics"
)

const tracerName = "github.com/rebridge/jobcrawler/internal/orchestrator"

// TopicCrawlCompleted is the event type published after every run.
const TopicCrawlCompleted = "crawl.completed"

const recentRunsInStats = 10

// Refresher rebuilds derived caches after the job table changed.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Config tunes crawl behavior.
type Config struct {
	Retry         crawler.RetryPolicy
	EnrichDetails bool
	LockTTL       time.Duration
	ArchivePrefix string
	StaleAfter    time.Duration
}

// Deps are the orchestrator's collaborators. Locker, Blobs, Publisher and
// Refresher are optional.
type Deps struct {
	Adapters  crawler.AdapterFactory
	Store     crawler.Store
	Refresher Refresher
	Publisher crawler.Publisher
	Blobs     crawler.BlobStore
	Locker    crawler.Locker
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Orchestrator is safe for concurrent use; every crawl builds its own adapter.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Adapters == nil {
		return nil, &crawler.ConfigurationError{Reason: "adapter factory is required"}
	}
	if deps.Store == nil {
		return nil, &crawler.ConfigurationError{Reason: "store is required"}
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Backoff == nil && cfg.Retry.MaxDelay == 0 {
		cfg.Retry = crawler.DefaultRetryPolicy()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock == nil {
		return time.Now().UTC()
	}
	return o.deps.Clock.Now()
}

// RunCrawl crawls one listing page. The returned result is always populated;
// on failure it carries the error message and the same error is returned so
// queue workers can decide whether to retry. jobsFound counts every raw item,
// including the ones skipped as malformed.
func (o *Orchestrator) RunCrawl(ctx context.Context, source crawler.Source, page int) (crawler.CrawlResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("crawl.source", string(source)),
		attribute.Int("crawl.page", page),
	))
	defer span.End()

	result, err := o.runCrawl(ctx, source, page)
	span.SetAttributes(
		attribute.String("crawl.run_id", result.RunID),
		attribute.Int("crawl.jobs_found", result.JobsFound),
		attribute.Int("crawl.jobs_new", result.JobsNew),
		attribute.Int("crawl.jobs_updated", result.JobsUpdated),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (o *Orchestrator) runCrawl(ctx context.Context, source crawler.Source, page int) (crawler.CrawlResult, error) {
	result := crawler.CrawlResult{Source: source, Page: page}
	fail := func(err error) (crawler.CrawlResult, error) {
		result.Error = err.Error()
		return result, err
	}
	if page < 1 {
		return fail(&crawler.ConfigurationError{Reason: fmt.Sprintf("page must be >= 1, got %d", page)})
	}

	adapter, err := o.deps.Adapters.New(source)
	if err != nil {
		return fail(err)
	}
	defer adapter.Cleanup()

	logger := o.logger.With(zap.String("source", string(source)), zap.Int("page", page))

	if o.deps.Locker != nil {
		lock, err := o.deps.Locker.Acquire(ctx, lockKey(source), o.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, crawler.ErrLockNotAcquired) {
				logger.Info("crawl already running for source")
			}
			return fail(fmt.Errorf("lock %s: %w", source, err))
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release crawl lock", zap.Error(err))
			}
		}()
	}

	started := o.now()
	run, err := o.deps.Store.CreateCrawlRun(ctx, crawler.CrawlRun{
		Source:    source,
		Page:      page,
		Status:    crawler.RunStatusRunning,
		StartedAt: started,
	})
	if err != nil {
		// Run bookkeeping is best-effort; the crawl itself proceeds.
		logger.Warn("create crawl run", zap.Error(err))
	} else {
		result.RunID = run.ID
		logger = logger.With(zap.String("run_id", run.ID))
	}
	logger.Info("crawl started")

	items, err := o.fetchListings(ctx, adapter, page, logger)
	if err != nil {
		o.finish(ctx, &result, started, err, logger)
		return result, err
	}
	result.JobsFound = len(items)
	o.archive(ctx, result, items, logger)

	// Once items are in hand the batch runs to completion.
	batchCtx := context.WithoutCancel(ctx)
	for _, raw := range items {
		inserted, ok := o.process(batchCtx, ctx, adapter, raw, logger)
		switch {
		case !ok:
			result.JobsSkipped++
		case inserted:
			result.JobsNew++
		default:
			result.JobsUpdated++
		}
	}

	o.finish(ctx, &result, started, nil, logger)
	if o.deps.Refresher != nil {
		o.deps.Refresher.Refresh(batchCtx)
	}
	return result, nil
}

func lockKey(source crawler.Source) string {
	return "crawl:lock:" + string(source)
}

func (o *Orchestrator) fetchListings(ctx context.Context, adapter crawler.Adapter, page int, logger *zap.Logger) ([]crawler.RawItem, error) {
	var items []crawler.RawItem
	err := crawler.WithRetry(ctx, o.cfg.Retry, func(ctx context.Context, attempt int) error {
		fetched, err := adapter.FetchListings(ctx, page)
		if err != nil {
			logger.Warn("fetch listings failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", o.cfg.Retry.Attempts()),
				zap.Error(err))
			return err
		}
		items = fetched
		return nil
	})
	return items, err
}

// process normalizes, optionally enriches and upserts one item. ok is false
// when the item was skipped.
func (o *Orchestrator) process(batchCtx, fetchCtx context.Context, adapter crawler.Adapter, raw crawler.RawItem, logger *zap.Logger) (inserted, ok bool) {
	job, err := adapter.Normalize(batchCtx, raw)
	if err != nil {
		logger.Warn("skipping malformed item", zap.String("external_id", raw.ExternalID), zap.Error(err))
		return false, false
	}
	if o.cfg.EnrichDetails {
		job = o.enrich(fetchCtx, adapter, job, logger)
	}
	outcome, err := o.deps.Store.UpsertJob(batchCtx, job)
	if err != nil {
		logger.Error("upsert job", zap.String("external_id", job.ExternalID), zap.Error(err))
		return false, false
	}
	return outcome.Inserted, true
}

// enrich merges the detail page into job. Detail failures keep the listing data.
func (o *Orchestrator) enrich(ctx context.Context, adapter crawler.Adapter, job crawler.NormalizedJob, logger *zap.Logger) crawler.NormalizedJob {
	detail, err := adapter.FetchDetail(ctx, job.ExternalID)
	if err != nil {
		logger.Warn("fetch detail", zap.String("external_id", job.ExternalID), zap.Error(err))
		return job
	}
	return MergeDetail(job, detail)
}

// MergeDetail overlays the non-empty detail fields onto a listing-level job.
func MergeDetail(job crawler.NormalizedJob, detail crawler.DetailRecord) crawler.NormalizedJob {
	if job.Company == "" {
		job.Company = detail.Company
	}
	if job.Location == nil {
		job.Location = detail.Location
	}
	if detail.Salary != nil {
		job.Salary = detail.Salary
	}
	if detail.EmploymentType != "" {
		job.EmploymentType = detail.EmploymentType
	}
	if detail.Description != "" {
		job.Description = detail.Description
	}
	switch {
	case detail.ApplicationDeadline != nil:
		job.ExpiresAt = detail.ApplicationDeadline
	case detail.ExpiresAt != nil:
		job.ExpiresAt = detail.ExpiresAt
	}
	job.IsDisabilityFriendly = job.IsDisabilityFriendly || detail.IsDisabilityFriendly
	return job
}

// finish writes the terminal run state, records metrics and publishes the
// result. None of these steps can change the crawl outcome.
func (o *Orchestrator) finish(ctx context.Context, result *crawler.CrawlResult, started time.Time, crawlErr error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	completed := o.now()
	status := crawler.RunStatusSuccess
	if crawlErr != nil {
		status = crawler.RunStatusFailed
		result.Error = crawlErr.Error()
	}

	if result.RunID != "" {
		err := o.deps.Store.UpdateCrawlRun(ctx, result.RunID, crawler.CrawlRunUpdate{
			Status:      status,
			JobsFound:   result.JobsFound,
			JobsNew:     result.JobsNew,
			JobsUpdated: result.JobsUpdated,
			Error:       result.Error,
			CompletedAt: completed,
		})
		if err != nil {
			logger.Warn("update crawl run", zap.Error(err))
		}
	}

	source := string(result.Source)
	metrics.ObserveCrawlRun(source, string(status), completed.Sub(started))
	metrics.ObserveJobs(source, "new", result.JobsNew)
	metrics.ObserveJobs(source, "updated", result.JobsUpdated)
	metrics.ObserveJobs(source, "skipped", result.JobsSkipped)

	if crawlErr != nil {
		logger.Error("crawl failed", zap.Duration("duration", completed.Sub(started)), zap.Error(crawlErr))
	} else {
		logger.Info("crawl completed",
			zap.Int("jobs_found", result.JobsFound),
			zap.Int("jobs_new", result.JobsNew),
			zap.Int("jobs_updated", result.JobsUpdated),
			zap.Int("jobs_skipped", result.JobsSkipped),
			zap.Duration("duration", completed.Sub(started)))
	}

	if o.deps.Publisher != nil {
		if _, err := o.deps.Publisher.Publish(ctx, TopicCrawlCompleted, *result); err != nil {
			logger.Warn("publish crawl result", zap.Error(err))
		}
	}
}

type archivedBatch struct {
	Source    crawler.Source    `json:"source"`
	Page      int               `json:"page"`
	RunID     string            `json:"run_id,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
	Items     []crawler.RawItem `json:"items"`
}

// ArchivePath returns the blob path of a fetched batch.
func ArchivePath(prefix string, source crawler.Source, runID string, page int, at time.Time) string {
	if runID == "" {
		runID = at.Format("20060102T150405")
	}
	return path.Join(prefix, string(source), at.Format("2006/01/02"), fmt.Sprintf("%s-p%d.json", runID, page))
}

func (o *Orchestrator) archive(ctx context.Context, result crawler.CrawlResult, items []crawler.RawItem, logger *zap.Logger) {
	if o.deps.Blobs == nil {
		return
	}
	at := o.now()
	data, err := json.Marshal(archivedBatch{
		Source:    result.Source,
		Page:      result.Page,
		RunID:     result.RunID,
		FetchedAt: at,
		Items:     items,
	})
	if err != nil {
		logger.Warn("encode batch archive", zap.Error(err))
		return
	}
	key := ArchivePath(o.cfg.ArchivePrefix, result.Source, result.RunID, result.Page, at)
	uri, err := o.deps.Blobs.PutObject(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		logger.Warn("archive batch", zap.String("path", key), zap.Error(err))
		return
	}
	logger.Debug("batch archived", zap.String("uri", uri))
}

// GetStats summarizes the store for operators.
func (o *Orchestrator) GetStats(ctx context.Context) (crawler.Stats, error) {
	total, err := o.deps.Store.CountJobs(ctx, crawler.JobFilter{})
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	bySource, err := o.deps.Store.CountJobsBySource(ctx)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("count jobs by source: %w", err)
	}
	runs, err := o.deps.Store.ListCrawlRuns(ctx, crawler.CrawlRunFilter{Limit: recentRunsInStats})
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("list crawl runs: %w", err)
	}
	if runs == nil {
		runs = []crawler.CrawlRun{}
	}
	return crawler.Stats{TotalJobs: total, JobsBySource: bySource, RecentCrawlRuns: runs}, nil
}

// CleanupExpiredJobs deletes expired and stale jobs and refreshes the caches
// when anything was removed.
func (o *Orchestrator) CleanupExpiredJobs(ctx context.Context) (int, error) {
	now := o.now()
	deleted, err := o.deps.Store.DeleteExpiredJobs(ctx, crawler.RetentionRule{
		ExpiredBefore: now,
		StaleBefore:   now.Add(-o.cfg.StaleAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	metrics.ObserveJobsDeleted(deleted)
	o.logger.Info("expired jobs removed", zap.Int("deleted", deleted))
	if deleted > 0 && o.deps.Refresher != nil {
		o.deps.Refresher.Refresh(ctx)
	}
	return deleted, nil
}
