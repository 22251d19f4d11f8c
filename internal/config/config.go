// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Store      StoreConfig      `mapstructure:"store"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Keywords   KeywordsConfig   `mapstructure:"keywords"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs adapters and the orchestrator.
type CrawlerConfig struct {
	Concurrency       int                `mapstructure:"concurrency"`
	UserAgent         string             `mapstructure:"user_agent"`
	MaxRetries        int                `mapstructure:"max_retries"`
	BackoffMs         []int              `mapstructure:"backoff_ms"`
	MaxBackoffMs      int                `mapstructure:"max_backoff_ms"`
	NavTimeoutSeconds int                `mapstructure:"nav_timeout_seconds"`
	RequestDelayMs    map[string]int     `mapstructure:"request_delay_ms"`
	Sources           []string           `mapstructure:"sources"`
	EnrichDetails     bool               `mapstructure:"enrich_details"`
	LockEnabled       bool               `mapstructure:"lock_enabled"`
	LockTTLSeconds    int                `mapstructure:"lock_ttl_seconds"`
	RequestsPerSecond float64            `mapstructure:"requests_per_second"`
	HostRPS           map[string]float64 `mapstructure:"host_rps"`
	Fetcher           string             `mapstructure:"fetcher"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel       int `mapstructure:"max_parallel"`
	NavTimeoutSeconds int `mapstructure:"nav_timeout_seconds"`
}

// QueueConfig selects the task queue and its retry/history limits.
type QueueConfig struct {
	Backend          string `mapstructure:"backend"`
	Capacity         int    `mapstructure:"capacity"`
	Key              string `mapstructure:"key"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	KeepCompleted    int    `mapstructure:"keep_completed"`
	KeepFailed       int    `mapstructure:"keep_failed"`
}

// ScheduleConfig holds cron expressions for recurring work.
type ScheduleConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CrawlCron   string `mapstructure:"crawl_cron"`
	MonitorCron string `mapstructure:"monitor_cron"`
	CleanupCron string `mapstructure:"cleanup_cron"`
	RunOnStart  bool   `mapstructure:"run_on_start"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	Migrate                bool   `mapstructure:"migrate"`
}

// RedisConfig points at the Redis server shared by cache, queue and lock.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// CacheConfig controls listing cache refreshes.
type CacheConfig struct {
	Backend     string `mapstructure:"backend"`
	TTLSeconds  int    `mapstructure:"ttl_seconds"`
	LatestLimit int    `mapstructure:"latest_limit"`
	PageSize    int    `mapstructure:"page_size"`
}

// StorageConfig selects where raw listing batches are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MonitoringConfig holds alert thresholds.
type MonitoringConfig struct {
	FailureWindowHours  int      `mapstructure:"failure_window_hours"`
	FailureWarnRate     float64  `mapstructure:"failure_warn_rate"`
	FailureCriticalRate float64  `mapstructure:"failure_critical_rate"`
	DurationWindowHours int      `mapstructure:"duration_window_hours"`
	SlowCrawlMinutes    int      `mapstructure:"slow_crawl_minutes"`
	ConsecutiveFailures int      `mapstructure:"consecutive_failures"`
	AlertTTLSeconds     int      `mapstructure:"alert_ttl_seconds"`
	Notifier            string   `mapstructure:"notifier"`
	Recipients          []string `mapstructure:"recipients"`
}

// RetentionConfig controls the expired-job sweep.
type RetentionConfig struct {
	StaleAfterDays int `mapstructure:"stale_after_days"`
}

// KeywordsConfig seeds the keyword set.
type KeywordsConfig struct {
	Defaults []string `mapstructure:"defaults"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry tracing. An empty ProjectID keeps spans
// in-process.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "ReBridge-Crawler/1.0 (+https://rebridge.kr/about)")
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.backoff_ms", []int{1000, 2000, 4000})
	v.SetDefault("crawler.max_backoff_ms", 5000)
	v.SetDefault("crawler.nav_timeout_seconds", 30)
	v.SetDefault("crawler.request_delay_ms", map[string]int{
		"worktogether": 3000,
		"work24":       5000,
		"saramin":      2000,
		"jobkorea":     4000,
	})
	v.SetDefault("crawler.sources", []string{"workTogether", "saramin", "work24", "jobkorea"})
	v.SetDefault("crawler.enrich_details", false)
	v.SetDefault("crawler.lock_enabled", false)
	v.SetDefault("crawler.lock_ttl_seconds", 900)
	v.SetDefault("crawler.requests_per_second", 1.0)
	v.SetDefault("crawler.fetcher", "http")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.key", "crawler:queue")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial_ms", 1000)
	v.SetDefault("queue.backoff_max_ms", 30000)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 1000)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.crawl_cron", "0 */6 * * *")
	v.SetDefault("schedule.monitor_cron", "@hourly")
	v.SetDefault("schedule.cleanup_cron", "@daily")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.latest_limit", 100)
	v.SetDefault("cache.page_size", 20)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("monitoring.failure_window_hours", 6)
	v.SetDefault("monitoring.failure_warn_rate", 0.2)
	v.SetDefault("monitoring.failure_critical_rate", 0.5)
	v.SetDefault("monitoring.duration_window_hours", 24)
	v.SetDefault("monitoring.slow_crawl_minutes", 15)
	v.SetDefault("monitoring.consecutive_failures", 3)
	v.SetDefault("monitoring.alert_ttl_seconds", 3600)
	v.SetDefault("monitoring.notifier", "log")
	v.SetDefault("retention.stale_after_days", 90)
	v.SetDefault("keywords.defaults", []string{"장애인"})
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "jobcrawler")
	v.SetDefault("tracing.sample_ratio", 0.1)

	// Keys without a meaningful default are still registered so that
	// AutomaticEnv overrides reach Unmarshal.
	for _, key := range []string{
		"auth.enabled", "auth.api_key",
		"db.dsn", "db.min_conns", "db.migrate",
		"redis.url",
		"storage.gcs_bucket", "storage.local_dir",
		"pubsub.project_id", "pubsub.topic_name",
		"monitoring.recipients",
		"logging.level",
		"tracing.project_id",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if _, err := c.SourceList(); err != nil {
		return fmt.Errorf("crawler.sources: %w", err)
	}
	if !oneOf(c.Crawler.Fetcher, "http", "headless") {
		return fmt.Errorf("crawler.fetcher must be http or headless")
	}
	if c.Crawler.Fetcher == "headless" && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when the headless fetcher is selected")
	}
	if c.Crawler.LockEnabled && c.Crawler.LockTTLSeconds <= 0 {
		return fmt.Errorf("crawler.lock_ttl_seconds must be > 0 when locking is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !oneOf(c.Queue.Backend, "memory", "redis") {
		return fmt.Errorf("queue.backend must be memory or redis")
	}
	if c.Queue.Backend == "memory" && c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if !oneOf(c.Store.Backend, "memory", "postgres") {
		return fmt.Errorf("store.backend must be memory or postgres")
	}
	if c.Store.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required for the postgres store")
	}
	if !oneOf(c.Cache.Backend, "memory", "redis") {
		return fmt.Errorf("cache.backend must be memory or redis")
	}
	if c.usesRedis() && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when a redis backend is selected")
	}
	if !oneOf(c.Storage.Backend, "none", "memory", "local", "gcs") {
		return fmt.Errorf("storage.backend must be none, memory, local or gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir is required for the local backend")
	}
	if !oneOf(c.Monitoring.Notifier, "log", "pubsub") {
		return fmt.Errorf("monitoring.notifier must be log or pubsub")
	}
	if c.Monitoring.Notifier == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub notifier")
	}
	if c.Monitoring.FailureWarnRate <= 0 || c.Monitoring.FailureCriticalRate < c.Monitoring.FailureWarnRate {
		return fmt.Errorf("monitoring failure rates must satisfy 0 < warn <= critical")
	}
	if c.Monitoring.ConsecutiveFailures <= 0 {
		return fmt.Errorf("monitoring.consecutive_failures must be > 0")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be in (0, 1]")
	}
	if len(c.Keywords.Defaults) == 0 {
		return fmt.Errorf("keywords.defaults must not be empty")
	}
	return nil
}

func (c Config) usesRedis() bool {
	return c.Queue.Backend == "redis" || c.Cache.Backend == "redis"
}

// SourceList resolves the configured source names.
func (c Config) SourceList() ([]crawler.Source, error) {
	if len(c.Crawler.Sources) == 0 {
		return crawler.AllSources(), nil
	}
	out := make([]crawler.Source, 0, len(c.Crawler.Sources))
	for _, name := range c.Crawler.Sources {
		src, err := crawler.ParseSource(name)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// RequestDelay returns the inter-request delay for a source. Viper lowercases
// map keys, so lookups are case-insensitive.
func (c Config) RequestDelay(src crawler.Source) time.Duration {
	want := strings.ToLower(string(src))
	for name, ms := range c.Crawler.RequestDelayMs {
		if strings.ToLower(name) == want {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

// RetryPolicy converts the crawler retry knobs into a policy value.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	backoff := make([]time.Duration, 0, len(c.Crawler.BackoffMs))
	for _, ms := range c.Crawler.BackoffMs {
		backoff = append(backoff, time.Duration(ms)*time.Millisecond)
	}
	return crawler.RetryPolicy{
		MaxRetries: c.Crawler.MaxRetries,
		Backoff:    backoff,
		MaxDelay:   time.Duration(c.Crawler.MaxBackoffMs) * time.Millisecond,
	}
}

// NavTimeout bounds every adapter navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Crawler.NavTimeoutSeconds) * time.Second
}

// CacheTTL is the lifetime of refreshed listing cache entries.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}
