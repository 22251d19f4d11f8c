// Package invalidator refreshes the listing caches after the job table changes.
package invalidator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Cache keys read by the web tier.
const (
	KeyLatest          = "jobs:latest"
	KeyListPattern     = "jobs:latest:*"
	KeyFirstPage       = "jobs:latest:1::::latest"
	DefaultTTL         = time.Hour
	DefaultLatestLimit = 100
	DefaultPageSize    = 20
)

// Config tunes the canonical entries.
type Config struct {
	TTL         time.Duration
	LatestLimit int
	PageSize    int
}

// Invalidator drops listing-page entries and repopulates the canonical ones.
type Invalidator struct {
	jobs   crawler.JobStore
	cache  crawler.Cache
	cfg    Config
	logger *zap.Logger
}

// New builds an Invalidator; zero config values take the defaults.
func New(jobs crawler.JobStore, cache crawler.Cache, cfg Config, logger *zap.Logger) *Invalidator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LatestLimit <= 0 {
		cfg.LatestLimit = DefaultLatestLimit
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{jobs: jobs, cache: cache, cfg: cfg, logger: logger}
}

// JobSummary is the cached projection of a job; description and raw data are
// left out to keep entries small.
type JobSummary struct {
	ID                   string               `json:"id"`
	Source               crawler.Source       `json:"source"`
	ExternalID           string               `json:"external_id"`
	Title                string               `json:"title"`
	Company              string               `json:"company,omitempty"`
	Location             *crawler.Location    `json:"location,omitempty"`
	Salary               *crawler.SalaryRange `json:"salary_range,omitempty"`
	EmploymentType       string               `json:"employment_type,omitempty"`
	IsDisabilityFriendly bool                 `json:"is_disability_friendly"`
	CrawledAt            time.Time            `json:"crawled_at"`
	ExpiresAt            *time.Time           `json:"expires_at,omitempty"`
}

// FirstPage is the payload stored under KeyFirstPage.
type FirstPage struct {
	Jobs       []JobSummary `json:"jobs"`
	TotalCount int          `json:"totalCount"`
}

func summarize(jobs []crawler.Job) []JobSummary {
	out := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobSummary{
			ID:                   job.ID,
			Source:               job.Source,
			ExternalID:           job.ExternalID,
			Title:                job.Title,
			Company:              job.Company,
			Location:             job.Location,
			Salary:               job.Salary,
			EmploymentType:       job.EmploymentType,
			IsDisabilityFriendly: job.IsDisabilityFriendly,
			CrawledAt:            job.CrawledAt,
			ExpiresAt:            job.ExpiresAt,
		})
	}
	return out
}

// Refresh is best-effort: every failure is logged and swallowed.
func (i *Invalidator) Refresh(ctx context.Context) {
	if i == nil || i.cache == nil {
		return
	}
	deleted, err := i.cache.DeleteByPattern(ctx, KeyListPattern)
	if err != nil {
		i.logger.Warn("invalidate list caches", zap.Error(err))
	} else if deleted > 0 {
		i.logger.Debug("list caches invalidated", zap.Int("keys", deleted))
	}

	latest, err := i.jobs.ListLatestJobs(ctx, i.cfg.LatestLimit)
	if err != nil {
		i.logger.Warn("load latest jobs for cache", zap.Error(err))
		return
	}
	summaries := summarize(latest)
	i.set(ctx, KeyLatest, summaries)

	total, err := i.jobs.CountJobs(ctx, crawler.JobFilter{})
	if err != nil {
		i.logger.Warn("count jobs for cache", zap.Error(err))
		return
	}
	page := summaries
	if len(page) > i.cfg.PageSize {
		page = page[:i.cfg.PageSize]
	}
	i.set(ctx, KeyFirstPage, FirstPage{Jobs: page, TotalCount: total})
	i.logger.Info("job caches refreshed", zap.Int("latest", len(summaries)), zap.Int("total", total))
}

func (i *Invalidator) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		i.logger.Warn("encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := i.cache.SetWithTTL(ctx, key, data, i.cfg.TTL); err != nil {
		i.logger.Warn("write cache entry", zap.String("key", key), zap.Error(err))
	}
}
