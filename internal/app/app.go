// Package app builds the long-lived services of the crawler and owns their
// shutdown. Both the HTTP server and the one-shot CLI commands start here.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/adapters"
	"github.com/rebridge/jobcrawler/internal/api"
	cachememory "github.com/rebridge/jobcrawler/internal/cache/memory"
	rediscache "github.com/rebridge/jobcrawler/internal/cache/redis"
	"github.com/rebridge/jobcrawler/internal/clock/system"
	"github.com/rebridge/jobcrawler/internal/config"
	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/dispatcher"
	collyfetcher "github.com/rebridge/jobcrawler/internal/fetcher/colly"
	headlessfetcher "github.com/rebridge/jobcrawler/internal/fetcher/headless"
	"github.com/rebridge/jobcrawler/internal/id/uuid"
	"github.com/rebridge/jobcrawler/internal/invalidator"
	"github.com/rebridge/jobcrawler/internal/keywords"
	lockmemory "github.com/rebridge/jobcrawler/internal/lock/memory"
	lockredis "github.com/rebridge/jobcrawler/internal/lock/redis"
	"github.com/rebridge/jobcrawler/internal/metrics"
	"github.com/rebridge/jobcrawler/internal/monitoring"
	"github.com/rebridge/jobcrawler/internal/notify"
	"github.com/rebridge/jobcrawler/internal/orchestrator"
	"github.com/rebridge/jobcrawler/internal/policy/ratelimit"
	gcppublisher "github.com/rebridge/jobcrawler/internal/publisher/pubsub"
	"github.com/rebridge/jobcrawler/internal/queue"
	queuememory "github.com/rebridge/jobcrawler/internal/queue/memory"
	queueredis "github.com/rebridge/jobcrawler/internal/queue/redis"
	"github.com/rebridge/jobcrawler/internal/scheduler"
	gcsstorage "github.com/rebridge/jobcrawler/internal/storage/gcs"
	localstorage "github.com/rebridge/jobcrawler/internal/storage/local"
	memorystorage "github.com/rebridge/jobcrawler/internal/storage/memory"
	pgstore "github.com/rebridge/jobcrawler/internal/storage/postgres"
	"github.com/rebridge/jobcrawler/internal/telemetry"
	"github.com/rebridge/jobcrawler/internal/worker"
)

type closer struct {
	name string
	fn   func() error
}

// App holds every service built from one Config.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     crawler.Store
	redis     *redis.Client
	queue     crawler.Queue
	history   *queue.History
	keywords  *keywords.Provider
	crawler   *orchestrator.Orchestrator
	monitor   *monitoring.Monitor
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	api       *api.Server

	ready   map[string]api.ReadinessCheck
	closers []closer
}

// Build wires the services selected by cfg. On error every service opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, ready: make(map[string]api.ReadinessCheck)}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	if err := a.setupTracing(ctx); err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	sources, err := cfg.SourceList()
	if err != nil {
		return nil, err
	}

	if err = a.setupStore(ctx, clock, ids); err != nil {
		return nil, err
	}
	if err = a.setupRedis(ctx); err != nil {
		return nil, err
	}
	cache := a.setupCache(clock)
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := a.setupSessions()
	if err != nil {
		return nil, err
	}

	a.keywords = keywords.NewProvider(a.store, cfg.Keywords.Defaults, logger.Named("keywords"))

	delays := make(map[crawler.Source]time.Duration, len(sources))
	for _, src := range sources {
		delays[src] = cfg.RequestDelay(src)
	}
	registry := adapters.NewRegistry(adapters.Options{
		Sessions:   sessions,
		Keywords:   a.keywords,
		Clock:      clock,
		Logger:     logger.Named("adapter"),
		NavTimeout: cfg.NavTimeout(),
	}, delays)

	deps := orchestrator.Deps{
		Adapters: registry,
		Store:    a.store,
		Refresher: invalidator.New(a.store, cache, invalidator.Config{
			TTL:         cfg.CacheTTL(),
			LatestLimit: cfg.Cache.LatestLimit,
			PageSize:    cfg.Cache.PageSize,
		}, logger.Named("invalidator")),
		Clock:  clock,
		Logger: logger.Named("orchestrator"),
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	if blobs != nil {
		deps.Blobs = blobs
	}
	if locker := a.setupLocker(clock); locker != nil {
		deps.Locker = locker
	}
	a.crawler, err = orchestrator.New(deps, orchestrator.Config{
		Retry:         cfg.RetryPolicy(),
		EnrichDetails: cfg.Crawler.EnrichDetails,
		LockTTL:       time.Duration(cfg.Crawler.LockTTLSeconds) * time.Second,
		ArchivePrefix: cfg.Storage.Prefix,
		StaleAfter:    time.Duration(cfg.Retention.StaleAfterDays) * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	var notifier crawler.Notifier = notify.NewLogNotifier(logger.Named("alerts"))
	if cfg.Monitoring.Notifier == "pubsub" && publisher != nil {
		notifier = notify.NewPublisherNotifier(publisher, "")
	}
	a.monitor = monitoring.New(a.store, cache, notifier, clock, monitoring.Config{
		Sources:             sources,
		FailureWindow:       time.Duration(cfg.Monitoring.FailureWindowHours) * time.Hour,
		FailureWarnRate:     cfg.Monitoring.FailureWarnRate,
		FailureCriticalRate: cfg.Monitoring.FailureCriticalRate,
		DurationWindow:      time.Duration(cfg.Monitoring.DurationWindowHours) * time.Hour,
		SlowCrawl:           time.Duration(cfg.Monitoring.SlowCrawlMinutes) * time.Minute,
		ConsecutiveFailures: cfg.Monitoring.ConsecutiveFailures,
		AlertTTL:            time.Duration(cfg.Monitoring.AlertTTLSeconds) * time.Second,
		Recipients:          cfg.Monitoring.Recipients,
	}, logger.Named("monitor"))

	a.setupQueue()
	a.history = queue.NewHistory(cfg.Queue.KeepCompleted, cfg.Queue.KeepFailed)
	retry := crawler.NewExponentialRetryPolicy(
		cfg.Queue.MaxAttempts,
		time.Duration(cfg.Queue.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Queue.BackoffMaxMs)*time.Millisecond,
	)
	workers := make([]*worker.Worker, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(i, a.queue, a.crawler, a.history, retry, clock, logger.Named("worker")))
	}
	a.dispatch = dispatcher.New(a.queue, workers, ids, clock)

	a.scheduler, err = scheduler.New(scheduler.Config{
		CrawlCron:   scheduleSpec(cfg.Schedule.Enabled, cfg.Schedule.CrawlCron),
		MonitorCron: scheduleSpec(cfg.Schedule.Enabled, cfg.Schedule.MonitorCron),
		CleanupCron: scheduleSpec(cfg.Schedule.Enabled, cfg.Schedule.CleanupCron),
		Sources:     sources,
		RunOnStart:  cfg.Schedule.Enabled && cfg.Schedule.RunOnStart,
	}, a.dispatch, a.monitor, a.crawler, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	a.api = api.NewServer(api.Deps{
		Crawler:   a.crawler,
		Submitter: a.dispatch,
		Alerts:    a.monitor,
		Keywords:  a.keywords,
		History:   a.history,
		Runs:      a.store,
		Jobs:      a.store,
		Ready:     a.ready,
	}, cfg, logger.Named("api"))

	logger.Info("application built",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("fetcher", cfg.Crawler.Fetcher),
		zap.Int("workers", cfg.Crawler.Concurrency),
	)
	built = true
	return a, nil
}

func scheduleSpec(enabled bool, spec string) string {
	if !enabled {
		return ""
	}
	return spec
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		ProjectID:   a.cfg.Tracing.ProjectID,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracing", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
	a.logger.Info("tracing enabled",
		zap.String("project", a.cfg.Tracing.ProjectID),
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
	)
	return nil
}

func (a *App) setupStore(ctx context.Context, clock crawler.Clock, ids crawler.IDGenerator) error {
	if a.cfg.Store.Backend != "postgres" {
		a.logger.Info("using in-memory store")
		a.store = memorystorage.NewStore(clock, ids)
		return nil
	}
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(a.cfg.DB.DSN, a.logger.Named("migrate")); err != nil {
			return err
		}
	}
	store, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
	}, ids, clock)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.store = store
	a.ready["postgres"] = store.Ping
	a.onClose("postgres", func() error {
		store.Close()
		return nil
	})
	a.logger.Info("using postgres store")
	return nil
}

func (a *App) setupRedis(ctx context.Context) error {
	needs := a.cfg.Queue.Backend == "redis" || a.cfg.Cache.Backend == "redis" ||
		(a.cfg.Crawler.LockEnabled && a.cfg.Redis.URL != "")
	if !needs {
		return nil
	}
	client, err := rediscache.Connect(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	a.redis = client
	a.ready["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	a.onClose("redis", client.Close)
	return nil
}

func (a *App) setupCache(clock crawler.Clock) crawler.Cache {
	if a.cfg.Cache.Backend == "redis" {
		a.logger.Info("using redis cache")
		return rediscache.New(a.redis)
	}
	a.logger.Info("using in-memory cache")
	return cachememory.New(clock)
}

func (a *App) setupLocker(clock crawler.Clock) crawler.Locker {
	if !a.cfg.Crawler.LockEnabled {
		return nil
	}
	if a.redis != nil {
		a.logger.Info("using redis crawl lock")
		return lockredis.New(a.redis)
	}
	a.logger.Info("using in-process crawl lock")
	return lockmemory.New(clock)
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", store.Close)
		a.logger.Info("archiving raw listings to gcs", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw listings locally", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no pub/sub topic configured, crawl events are not published")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub", pub.Close)
	a.logger.Info("pub/sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupSessions() (crawler.SessionFactory, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Crawler.RequestsPerSecond,
		DefaultBurst: 1,
		HostRPS:      a.cfg.Crawler.HostRPS,
	})
	if a.cfg.Crawler.Fetcher == "headless" {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
		}, limiter)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.onClose("chromedp", func() error {
			fetcher.Close()
			return nil
		})
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return fetcher, nil
	}
	a.logger.Info("using http fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))
	return collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.NavTimeout(),
	}, limiter), nil
}

func (a *App) setupQueue() {
	if a.cfg.Queue.Backend == "redis" {
		q := queueredis.New(a.redis, a.cfg.Queue.Key)
		a.queue = q
		a.onClose("queue", q.Close)
		return
	}
	q := queuememory.NewQueue(a.cfg.Queue.Capacity)
	a.queue = q
	a.onClose("queue", q.Close)
}

// Close releases services in reverse build order. It is safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Crawler runs crawls synchronously.
func (a *App) Crawler() *orchestrator.Orchestrator { return a.crawler }

// Monitor evaluates and stores alerts.
func (a *App) Monitor() *monitoring.Monitor { return a.monitor }

// Keywords manages the search keyword set.
func (a *App) Keywords() *keywords.Provider { return a.keywords }

// Dispatcher owns the worker pool.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Scheduler owns the cron entries.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// History exposes recent queue outcomes.
func (a *App) History() *queue.History { return a.history }
