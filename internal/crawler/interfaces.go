package crawler

import (
	"context"
	"io"
	"time"
)

// Adapter drives one external source through listing, detail and normalization.
type Adapter interface {
	Source() Source
	FetchListings(ctx context.Context, page int) ([]RawItem, error)
	FetchDetail(ctx context.Context, externalID string) (DetailRecord, error)
	Normalize(ctx context.Context, raw RawItem) (NormalizedJob, error)
	// Cleanup releases session state. It is idempotent.
	Cleanup()
}

// AdapterFactory builds a fresh adapter instance scoped to one crawl.
type AdapterFactory interface {
	New(source Source) (Adapter, error)
}

// Session loads pages using a single browser or HTTP client state.
type Session interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
	Close()
}

// SessionFactory opens sessions for adapters.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// KeywordProvider returns the current keyword set. Callers re-read per crawl.
type KeywordProvider interface {
	Current(ctx context.Context) ([]string, error)
}

// JobStore persists job records keyed by (source, external id).
type JobStore interface {
	CreateJob(ctx context.Context, job NormalizedJob) (Job, error)
	FindJobByKey(ctx context.Context, source Source, externalID string) (Job, error)
	UpdateJob(ctx context.Context, id string, job NormalizedJob) (Job, error)
	// UpsertJob atomically inserts or updates by natural key.
	UpsertJob(ctx context.Context, job NormalizedJob) (UpsertOutcome, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
	CountJobsBySource(ctx context.Context) (map[Source]int, error)
	ListLatestJobs(ctx context.Context, limit int) ([]Job, error)
	DeleteExpiredJobs(ctx context.Context, rule RetentionRule) (int, error)
}

// CrawlRunStore persists crawl run history.
type CrawlRunStore interface {
	CreateCrawlRun(ctx context.Context, run CrawlRun) (CrawlRun, error)
	UpdateCrawlRun(ctx context.Context, id string, update CrawlRunUpdate) error
	ListCrawlRuns(ctx context.Context, filter CrawlRunFilter) ([]CrawlRun, error)
}

// KeywordStore persists the singleton keyword configuration.
type KeywordStore interface {
	// GetKeywordConfig returns ErrNotFound when nothing has been stored yet.
	GetKeywordConfig(ctx context.Context) ([]string, error)
	SetKeywordConfig(ctx context.Context, keywords []string) error
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	CrawlRunStore
	KeywordStore
}

// Cache is a key-value store with TTL.
type Cache interface {
	// Get returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
}

// Notifier delivers alert notifications. Delivery is fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, msg Notification) error
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Locker provides short-lived advisory locks.
type Locker interface {
	// Acquire returns ErrLockNotAcquired when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, task CrawlTask) error
	Dequeue(ctx context.Context) (CrawlTask, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
