// Package postgres provides the Postgres-backed crawler.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbtx is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool  dbtx
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, &crawler.ConfigurationError{Reason: "db.dsn is required"}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(pool, ids, clock)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbtx, ids crawler.IDGenerator, clock crawler.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{pool: pool, ids: ids, clock: clock}, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

const jobColumns = `id::text, source, external_id, title, company, location_json, salary_range,
	employment_type, description, is_disability_friendly, crawled_at, expires_at,
	external_url, raw_data, created_at, updated_at`

// jobArgs returns the mutable column values in insert order, starting at $2.
func jobArgs(job crawler.NormalizedJob) ([]any, error) {
	location, err := marshalNullable(job.Location)
	if err != nil {
		return nil, fmt.Errorf("marshal location: %w", err)
	}
	salary, err := marshalNullable(job.Salary)
	if err != nil {
		return nil, fmt.Errorf("marshal salary: %w", err)
	}
	var raw []byte
	if len(job.RawData) > 0 {
		raw = []byte(job.RawData)
	}
	return []any{
		string(job.Source),
		job.ExternalID,
		job.Title,
		job.Company,
		location,
		salary,
		job.EmploymentType,
		job.Description,
		job.IsDisabilityFriendly,
		job.CrawledAt,
		job.ExpiresAt,
		job.ExternalURL,
		raw,
	}, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job              crawler.Job
		source           string
		location, salary []byte
		raw              []byte
	)
	err := row.Scan(
		&job.ID,
		&source,
		&job.ExternalID,
		&job.Title,
		&job.Company,
		&location,
		&salary,
		&job.EmploymentType,
		&job.Description,
		&job.IsDisabilityFriendly,
		&job.CrawledAt,
		&job.ExpiresAt,
		&job.ExternalURL,
		&raw,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Source = crawler.Source(source)
	if len(location) > 0 {
		job.Location = &crawler.Location{}
		if err := json.Unmarshal(location, job.Location); err != nil {
			return crawler.Job{}, fmt.Errorf("decode location: %w", err)
		}
	}
	if len(salary) > 0 {
		job.Salary = &crawler.SalaryRange{}
		if err := json.Unmarshal(salary, job.Salary); err != nil {
			return crawler.Job{}, fmt.Errorf("decode salary: %w", err)
		}
	}
	if len(raw) > 0 {
		job.RawData = json.RawMessage(raw)
	}
	return job, nil
}

func persistence(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrNotFound
	}
	return &crawler.PersistenceError{Op: op, Err: err}
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.NormalizedJob) (crawler.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, &crawler.PersistenceError{Op: "create job", Err: err}
	}
	args, err := jobArgs(job)
	if err != nil {
		return crawler.Job{}, &crawler.PersistenceError{Op: "create job", Err: err}
	}
	query := `
INSERT INTO jobs (
	id, source, external_id, title, company, location_json, salary_range,
	employment_type, description, is_disability_friendly, crawled_at, expires_at,
	external_url, raw_data, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
RETURNING ` + jobColumns
	args = append([]any{id}, args...)
	args = append(args, s.now())
	stored, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return crawler.Job{}, persistence("create job", err)
	}
	return stored, nil
}

// FindJobByKey returns crawler.ErrNotFound when no row matches.
func (s *Store) FindJobByKey(ctx context.Context, source crawler.Source, externalID string) (crawler.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE source = $1 AND external_id = $2`
	job, err := scanJob(s.pool.QueryRow(ctx, query, string(source), externalID))
	if err != nil {
		return crawler.Job{}, persistence("find job", err)
	}
	return job, nil
}

// UpdateJob overwrites the mutable columns of an existing row. The natural key
// is part of the match so a mismatched job cannot rewrite another row's key.
func (s *Store) UpdateJob(ctx context.Context, id string, job crawler.NormalizedJob) (crawler.Job, error) {
	args, err := jobArgs(job)
	if err != nil {
		return crawler.Job{}, &crawler.PersistenceError{Op: "update job", Err: err}
	}
	query := `
UPDATE jobs SET
	title = $4, company = $5, location_json = $6, salary_range = $7,
	employment_type = $8, description = $9, is_disability_friendly = $10,
	crawled_at = $11, expires_at = $12, external_url = $13, raw_data = $14,
	updated_at = $15
WHERE id = $1 AND source = $2 AND external_id = $3
RETURNING ` + jobColumns
	args = append([]any{id}, args...)
	args = append(args, s.now())
	stored, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return crawler.Job{}, persistence("update job", err)
	}
	return stored, nil
}

// UpsertJob inserts or updates by (source, external_id) in one statement.
// xmax is zero only for freshly inserted tuples.
func (s *Store) UpsertJob(ctx context.Context, job crawler.NormalizedJob) (crawler.UpsertOutcome, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.UpsertOutcome{}, &crawler.PersistenceError{Op: "upsert job", Err: err}
	}
	args, err := jobArgs(job)
	if err != nil {
		return crawler.UpsertOutcome{}, &crawler.PersistenceError{Op: "upsert job", Err: err}
	}
	query := `
INSERT INTO jobs (
	id, source, external_id, title, company, location_json, salary_range,
	employment_type, description, is_disability_friendly, crawled_at, expires_at,
	external_url, raw_data, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
ON CONFLICT (source, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	company = EXCLUDED.company,
	location_json = EXCLUDED.location_json,
	salary_range = EXCLUDED.salary_range,
	employment_type = EXCLUDED.employment_type,
	description = EXCLUDED.description,
	is_disability_friendly = EXCLUDED.is_disability_friendly,
	crawled_at = EXCLUDED.crawled_at,
	expires_at = EXCLUDED.expires_at,
	external_url = EXCLUDED.external_url,
	raw_data = EXCLUDED.raw_data,
	updated_at = EXCLUDED.updated_at
RETURNING ` + jobColumns + `, (xmax = 0) AS inserted`
	args = append([]any{id}, args...)
	args = append(args, s.now())

	var inserted bool
	stored, err := scanJob(insertedRow{row: s.pool.QueryRow(ctx, query, args...), inserted: &inserted})
	if err != nil {
		return crawler.UpsertOutcome{}, persistence("upsert job", err)
	}
	return crawler.UpsertOutcome{Job: stored, Inserted: inserted}, nil
}

// insertedRow appends the trailing inserted flag to scanJob's destinations.
type insertedRow struct {
	row      pgx.Row
	inserted *bool
}

func (r insertedRow) Scan(dest ...any) error {
	return r.row.Scan(append(dest, r.inserted)...)
}

// CountJobs counts rows matching filter.
func (s *Store) CountJobs(ctx context.Context, filter crawler.JobFilter) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE ($1 = '' OR source = $1) AND (NOT $2 OR is_disability_friendly)`
	var n int
	if err := s.pool.QueryRow(ctx, query, string(filter.Source), filter.DisabilityFriendlyOnly).Scan(&n); err != nil {
		return 0, &crawler.PersistenceError{Op: "count jobs", Err: err}
	}
	return n, nil
}

// CountJobsBySource groups counts per source.
func (s *Store) CountJobsBySource(ctx context.Context) (map[crawler.Source]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, COUNT(*) FROM jobs GROUP BY source`)
	if err != nil {
		return nil, &crawler.PersistenceError{Op: "count jobs by source", Err: err}
	}
	defer rows.Close()

	out := make(map[crawler.Source]int)
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, &crawler.PersistenceError{Op: "count jobs by source", Err: err}
		}
		out[crawler.Source(source)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &crawler.PersistenceError{Op: "count jobs by source", Err: err}
	}
	return out, nil
}

// ListLatestJobs returns the most recently crawled jobs first.
func (s *Store) ListLatestJobs(ctx context.Context, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY crawled_at DESC, id DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, &crawler.PersistenceError{Op: "list latest jobs", Err: err}
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &crawler.PersistenceError{Op: "list latest jobs", Err: err}
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &crawler.PersistenceError{Op: "list latest jobs", Err: err}
	}
	return out, nil
}

// DeleteExpiredJobs removes rows matched by the retention rule. A zero bound
// disables that half of the rule.
func (s *Store) DeleteExpiredJobs(ctx context.Context, rule crawler.RetentionRule) (int, error) {
	query := `
DELETE FROM jobs
WHERE ($1::timestamptz IS NOT NULL AND expires_at IS NOT NULL AND expires_at < $1)
   OR ($2::timestamptz IS NOT NULL AND expires_at IS NULL AND crawled_at < $2)`
	tag, err := s.pool.Exec(ctx, query, nullTime(rule.ExpiredBefore), nullTime(rule.StaleBefore))
	if err != nil {
		return 0, &crawler.PersistenceError{Op: "delete expired jobs", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const runColumns = `id::text, source, page, status, jobs_found, jobs_new, jobs_updated,
	error_message, started_at, completed_at`

func scanRun(row pgx.Row) (crawler.CrawlRun, error) {
	var (
		run            crawler.CrawlRun
		source, status string
	)
	err := row.Scan(
		&run.ID,
		&source,
		&run.Page,
		&status,
		&run.JobsFound,
		&run.JobsNew,
		&run.JobsUpdated,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return crawler.CrawlRun{}, err
	}
	run.Source = crawler.Source(source)
	run.Status = crawler.RunStatus(status)
	return run, nil
}

// CreateCrawlRun inserts a run, filling in id, status and start time.
func (s *Store) CreateCrawlRun(ctx context.Context, run crawler.CrawlRun) (crawler.CrawlRun, error) {
	if run.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return crawler.CrawlRun{}, &crawler.PersistenceError{Op: "create crawl run", Err: err}
		}
		run.ID = id
	}
	if run.Status == "" {
		run.Status = crawler.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	query := `
INSERT INTO crawl_runs (id, source, page, status, started_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + runColumns
	stored, err := scanRun(s.pool.QueryRow(ctx, query, run.ID, string(run.Source), run.Page, string(run.Status), run.StartedAt))
	if err != nil {
		return crawler.CrawlRun{}, persistence("create crawl run", err)
	}
	return stored, nil
}

// UpdateCrawlRun finalizes a running crawl run. Terminal runs are left as is
// and reported as a persistence error.
func (s *Store) UpdateCrawlRun(ctx context.Context, id string, update crawler.CrawlRunUpdate) error {
	completed := update.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	query := `
UPDATE crawl_runs SET
	status = $2, jobs_found = $3, jobs_new = $4, jobs_updated = $5,
	error_message = $6, completed_at = $7
WHERE id = $1 AND status = 'running'`
	tag, err := s.pool.Exec(ctx, query, id, string(update.Status), update.JobsFound,
		update.JobsNew, update.JobsUpdated, update.Error, completed)
	if err != nil {
		return &crawler.PersistenceError{Op: "update crawl run", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &crawler.PersistenceError{Op: "update crawl run", Err: fmt.Errorf("run %s not found or already finished", id)}
	}
	return nil
}

// ListCrawlRuns returns matching runs, newest first.
func (s *Store) ListCrawlRuns(ctx context.Context, filter crawler.CrawlRunFilter) ([]crawler.CrawlRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + runColumns + ` FROM crawl_runs
WHERE ($1 = '' OR source = $1)
  AND ($2 = '' OR status = $2)
  AND ($3::timestamptz IS NULL OR started_at >= $3)
ORDER BY started_at DESC, id DESC
LIMIT $4`
	rows, err := s.pool.Query(ctx, query, string(filter.Source), string(filter.Status), nullTime(filter.Since), limit)
	if err != nil {
		return nil, &crawler.PersistenceError{Op: "list crawl runs", Err: err}
	}
	defer rows.Close()

	var out []crawler.CrawlRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &crawler.PersistenceError{Op: "list crawl runs", Err: err}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, &crawler.PersistenceError{Op: "list crawl runs", Err: err}
	}
	return out, nil
}

// GetKeywordConfig returns crawler.ErrNotFound until keywords are stored.
func (s *Store) GetKeywordConfig(ctx context.Context) ([]string, error) {
	var keywords []string
	err := s.pool.QueryRow(ctx, `SELECT keywords FROM keyword_config WHERE id = 1`).Scan(&keywords)
	if err != nil {
		return nil, persistence("get keyword config", err)
	}
	return keywords, nil
}

// SetKeywordConfig replaces the singleton keyword row.
func (s *Store) SetKeywordConfig(ctx context.Context, keywords []string) error {
	query := `
INSERT INTO keyword_config (id, keywords, updated_at) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET keywords = EXCLUDED.keywords, updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, keywords, s.now()); err != nil {
		return &crawler.PersistenceError{Op: "set keyword config", Err: err}
	}
	return nil
}
