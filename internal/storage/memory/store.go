// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

type jobKey struct {
	source     crawler.Source
	externalID string
}

// Store implements crawler.Store in process memory.
type Store struct {
	mu       sync.RWMutex
	clock    crawler.Clock
	ids      crawler.IDGenerator
	jobs     map[string]crawler.Job
	byKey    map[jobKey]string
	runs     map[string]crawler.CrawlRun
	keywords []string
	hasKW    bool
	seq      int
}

// NewStore constructs a Store. clock and ids may be nil.
func NewStore(clock crawler.Clock, ids crawler.IDGenerator) *Store {
	return &Store{
		clock: clock,
		ids:   ids,
		jobs:  make(map[string]crawler.Job),
		byKey: make(map[jobKey]string),
		runs:  make(map[string]crawler.CrawlRun),
	}
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// newID must be called with the lock held.
func (s *Store) newID() (string, error) {
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		return id, nil
	}
	s.seq++
	return fmt.Sprintf("mem-%d", s.seq), nil
}

// CreateJob inserts a new job; the natural key must be unused.
func (s *Store) CreateJob(_ context.Context, job crawler.NormalizedJob) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[keyOf(job)]; exists {
		return crawler.Job{}, &crawler.PersistenceError{Op: "create job", Err: errors.New("job already exists")}
	}
	return s.insertLocked(job)
}

func (s *Store) insertLocked(job crawler.NormalizedJob) (crawler.Job, error) {
	id, err := s.newID()
	if err != nil {
		return crawler.Job{}, &crawler.PersistenceError{Op: "create job", Err: err}
	}
	now := s.now()
	stored := crawler.Job{ID: id, NormalizedJob: job, CreatedAt: now, UpdatedAt: now}
	s.jobs[id] = stored
	s.byKey[keyOf(job)] = id
	return stored, nil
}

// FindJobByKey returns crawler.ErrNotFound when no job matches.
func (s *Store) FindJobByKey(_ context.Context, source crawler.Source, externalID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[jobKey{source: source, externalID: externalID}]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return s.jobs[id], nil
}

// UpdateJob overwrites the mutable fields of a stored job.
func (s *Store) UpdateJob(_ context.Context, id string, job crawler.NormalizedJob) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(id, job)
}

func (s *Store) updateLocked(id string, job crawler.NormalizedJob) (crawler.Job, error) {
	existing, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if keyOf(existing.NormalizedJob) != keyOf(job) {
		return crawler.Job{}, &crawler.PersistenceError{Op: "update job", Err: errors.New("natural key is immutable")}
	}
	existing.NormalizedJob = job
	existing.UpdatedAt = s.now()
	s.jobs[id] = existing
	return existing, nil
}

// UpsertJob inserts or updates by (source, external id) under one lock.
func (s *Store) UpsertJob(_ context.Context, job crawler.NormalizedJob) (crawler.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[keyOf(job)]; ok {
		updated, err := s.updateLocked(id, job)
		if err != nil {
			return crawler.UpsertOutcome{}, err
		}
		return crawler.UpsertOutcome{Job: updated}, nil
	}
	created, err := s.insertLocked(job)
	if err != nil {
		return crawler.UpsertOutcome{}, err
	}
	return crawler.UpsertOutcome{Job: created, Inserted: true}, nil
}

// CountJobs counts jobs matching the filter.
func (s *Store) CountJobs(_ context.Context, filter crawler.JobFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if filter.Source != "" && job.Source != filter.Source {
			continue
		}
		if filter.DisabilityFriendlyOnly && !job.IsDisabilityFriendly {
			continue
		}
		n++
	}
	return n, nil
}

// CountJobsBySource groups job counts per source.
func (s *Store) CountJobsBySource(_ context.Context) (map[crawler.Source]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[crawler.Source]int)
	for _, job := range s.jobs {
		out[job.Source]++
	}
	return out, nil
}

// ListLatestJobs returns the most recently crawled jobs first.
func (s *Store) ListLatestJobs(_ context.Context, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CrawledAt.Equal(out[j].CrawledAt) {
			return out[i].CrawledAt.After(out[j].CrawledAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExpiredJobs removes jobs matched by the retention rule.
func (s *Store) DeleteExpiredJobs(_ context.Context, rule crawler.RetentionRule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if !expired(job, rule) {
			continue
		}
		delete(s.jobs, id)
		delete(s.byKey, keyOf(job.NormalizedJob))
		deleted++
	}
	return deleted, nil
}

func expired(job crawler.Job, rule crawler.RetentionRule) bool {
	if job.ExpiresAt != nil {
		return !rule.ExpiredBefore.IsZero() && job.ExpiresAt.Before(rule.ExpiredBefore)
	}
	return !rule.StaleBefore.IsZero() && job.CrawledAt.Before(rule.StaleBefore)
}

// CreateCrawlRun records a new run. Missing ID, status and start time are filled in.
func (s *Store) CreateCrawlRun(_ context.Context, run crawler.CrawlRun) (crawler.CrawlRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		id, err := s.newID()
		if err != nil {
			return crawler.CrawlRun{}, &crawler.PersistenceError{Op: "create crawl run", Err: err}
		}
		run.ID = id
	}
	if _, exists := s.runs[run.ID]; exists {
		return crawler.CrawlRun{}, &crawler.PersistenceError{Op: "create crawl run", Err: errors.New("crawl run already exists")}
	}
	if run.Status == "" {
		run.Status = crawler.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	s.runs[run.ID] = run
	return run, nil
}

// UpdateCrawlRun finalizes a running crawl run.
func (s *Store) UpdateCrawlRun(_ context.Context, id string, update crawler.CrawlRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	if run.Status.Terminal() {
		return &crawler.PersistenceError{Op: "update crawl run", Err: fmt.Errorf("run %s already %s", id, run.Status)}
	}
	completed := update.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	run.Status = update.Status
	run.JobsFound = update.JobsFound
	run.JobsNew = update.JobsNew
	run.JobsUpdated = update.JobsUpdated
	run.Error = update.Error
	run.CompletedAt = &completed
	s.runs[id] = run
	return nil
}

// ListCrawlRuns returns matching runs, newest first.
func (s *Store) ListCrawlRuns(_ context.Context, filter crawler.CrawlRunFilter) ([]crawler.CrawlRun, error) {
	s.mu.RLock()
	out := make([]crawler.CrawlRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Source != "" && run.Source != filter.Source {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && run.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetKeywordConfig returns crawler.ErrNotFound until keywords are stored.
func (s *Store) GetKeywordConfig(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasKW {
		return nil, crawler.ErrNotFound
	}
	return append([]string(nil), s.keywords...), nil
}

// SetKeywordConfig replaces the stored keyword set.
func (s *Store) SetKeywordConfig(_ context.Context, keywords []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append([]string(nil), keywords...)
	s.hasKW = true
	return nil
}

func keyOf(job crawler.NormalizedJob) jobKey {
	return jobKey{source: job.Source, externalID: job.ExternalID}
}
