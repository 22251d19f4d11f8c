// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	crawlRunsTotal             *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	jobsProcessedTotal         *prometheus.CounterVec
	queueTasksTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	alertsRaisedTotal          *prometheus.CounterVec
	jobsDeletedTotal           prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_fetch_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_crawl_runs_total",
				Help: "Total number of crawl runs, labeled by source and terminal status.",
			},
			[]string{"source", "status"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_crawl_duration_seconds",
				Help:    "Histogram of crawl run durations, labeled by source.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
			},
			[]string{"source"},
		)

		jobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_jobs_processed_total",
				Help: "Listings processed, labeled by source and outcome (new, updated, skipped).",
			},
			[]string{"source", "outcome"},
		)

		queueTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_queue_tasks_total",
				Help: "Queued crawl tasks, labeled by outcome (completed, retried, failed).",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobcrawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		alertsRaisedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawler_alerts_raised_total",
				Help: "Monitoring alerts raised, labeled by source, type and severity.",
			},
			[]string{"source", "type", "severity"},
		)

		jobsDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobcrawler_jobs_deleted_total",
				Help: "Jobs removed by the retention sweep.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one page fetch.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCrawlRun records a finished crawl run.
func ObserveCrawlRun(source, status string, duration time.Duration) {
	Init()
	crawlRunsTotal.WithLabelValues(source, status).Inc()
	crawlDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveJobs adds n listings with the given outcome.
func ObserveJobs(source, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	jobsProcessedTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveQueueTask increments the task counter for the given outcome.
func ObserveQueueTask(outcome string) {
	Init()
	queueTasksTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveAlert counts a raised monitoring alert.
func ObserveAlert(source, alertType, severity string) {
	Init()
	alertsRaisedTotal.WithLabelValues(source, alertType, severity).Inc()
}

// ObserveJobsDeleted adds n jobs removed by retention.
func ObserveJobsDeleted(n int) {
	if n <= 0 {
		return
	}
	Init()
	jobsDeletedTotal.Add(float64(n))
}
