// Package monitoring derives health alerts from crawl run history.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/metrics"
)

// KeyActiveAlerts holds the latest alert set for dashboards.
const KeyActiveAlerts = "crawler:alerts:active"

// Config holds the alert thresholds.
type Config struct {
	Sources             []crawler.Source
	FailureWindow       time.Duration
	FailureWarnRate     float64
	FailureCriticalRate float64
	DurationWindow      time.Duration
	SlowCrawl           time.Duration
	ConsecutiveFailures int
	AlertTTL            time.Duration
	Recipients          []string
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Sources:             crawler.AllSources(),
		FailureWindow:       6 * time.Hour,
		FailureWarnRate:     0.2,
		FailureCriticalRate: 0.5,
		DurationWindow:      24 * time.Hour,
		SlowCrawl:           15 * time.Minute,
		ConsecutiveFailures: 3,
		AlertTTL:            time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Sources) == 0 {
		c.Sources = d.Sources
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.FailureWarnRate <= 0 {
		c.FailureWarnRate = d.FailureWarnRate
	}
	if c.FailureCriticalRate <= 0 {
		c.FailureCriticalRate = d.FailureCriticalRate
	}
	if c.DurationWindow <= 0 {
		c.DurationWindow = d.DurationWindow
	}
	if c.SlowCrawl <= 0 {
		c.SlowCrawl = d.SlowCrawl
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if c.AlertTTL <= 0 {
		c.AlertTTL = d.AlertTTL
	}
	return c
}

// Monitor evaluates the alert rules. It holds no state between checks.
type Monitor struct {
	runs     crawler.CrawlRunStore
	cache    crawler.Cache
	notifier crawler.Notifier
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds a Monitor. notifier may be nil to disable delivery.
func New(runs crawler.CrawlRunStore, cache crawler.Cache, notifier crawler.Notifier, clock crawler.Clock, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		runs:     runs,
		cache:    cache,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

func (m *Monitor) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now()
}

// CheckAndAlert evaluates every rule for every source. A non-empty result is
// written to the cache and critical alerts are delivered to each recipient.
// Run history read failures are returned; cache and delivery failures are not.
func (m *Monitor) CheckAndAlert(ctx context.Context) ([]crawler.Alert, error) {
	now := m.now()
	var alerts []crawler.Alert
	for _, source := range m.cfg.Sources {
		checks := []func(context.Context, crawler.Source, time.Time) (*crawler.Alert, error){
			m.checkFailureRate,
			m.checkCrawlDuration,
			m.checkConsecutiveFailures,
		}
		for _, check := range checks {
			alert, err := check(ctx, source, now)
			if err != nil {
				return nil, fmt.Errorf("check %s: %w", source, err)
			}
			if alert != nil {
				alerts = append(alerts, *alert)
			}
		}
	}
	if len(alerts) == 0 {
		return alerts, nil
	}

	for _, alert := range alerts {
		metrics.ObserveAlert(string(alert.Source), string(alert.Type), string(alert.Severity))
		fields := []zap.Field{
			zap.String("source", string(alert.Source)),
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
		}
		if alert.Severity == crawler.SeverityCritical {
			m.logger.Error("critical alert", fields...)
		} else {
			m.logger.Warn("alert", fields...)
		}
	}
	m.store(ctx, alerts)
	m.deliver(ctx, alerts)
	return alerts, nil
}

func (m *Monitor) checkFailureRate(ctx context.Context, source crawler.Source, now time.Time) (*crawler.Alert, error) {
	runs, err := m.runs.ListCrawlRuns(ctx, crawler.CrawlRunFilter{Source: source, Since: now.Add(-m.cfg.FailureWindow)})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	failed := 0
	for _, run := range runs {
		if run.Status == crawler.RunStatusFailed {
			failed++
		}
	}
	rate := float64(failed) / float64(len(runs))
	if rate <= m.cfg.FailureWarnRate {
		return nil, nil
	}
	severity := crawler.SeverityWarning
	if rate > m.cfg.FailureCriticalRate {
		severity = crawler.SeverityCritical
	}
	return &crawler.Alert{
		Source: source,
		Type:   crawler.AlertHighFailureRate,
		Message: fmt.Sprintf("Failure rate for %s is %.1f%% (threshold: %.0f%%)",
			source, rate*100, m.cfg.FailureWarnRate*100),
		Severity:  severity,
		Timestamp: now,
	}, nil
}

func (m *Monitor) checkCrawlDuration(ctx context.Context, source crawler.Source, now time.Time) (*crawler.Alert, error) {
	runs, err := m.runs.ListCrawlRuns(ctx, crawler.CrawlRunFilter{
		Source: source,
		Status: crawler.RunStatusSuccess,
		Since:  now.Add(-m.cfg.DurationWindow),
	})
	if err != nil {
		return nil, err
	}
	var (
		total time.Duration
		n     int
	)
	for _, run := range runs {
		if run.CompletedAt == nil {
			continue
		}
		total += run.Duration()
		n++
	}
	if n == 0 {
		return nil, nil
	}
	avg := total / time.Duration(n)
	if avg <= m.cfg.SlowCrawl {
		return nil, nil
	}
	severity := crawler.SeverityWarning
	if avg > 2*m.cfg.SlowCrawl {
		severity = crawler.SeverityCritical
	}
	return &crawler.Alert{
		Source: source,
		Type:   crawler.AlertSlowCrawl,
		Message: fmt.Sprintf("Average crawl time for %s is %.1f minutes (threshold: %.0f minutes)",
			source, avg.Minutes(), m.cfg.SlowCrawl.Minutes()),
		Severity:  severity,
		Timestamp: now,
	}, nil
}

func (m *Monitor) checkConsecutiveFailures(ctx context.Context, source crawler.Source, now time.Time) (*crawler.Alert, error) {
	limit := m.cfg.ConsecutiveFailures
	runs, err := m.runs.ListCrawlRuns(ctx, crawler.CrawlRunFilter{Source: source, Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(runs) < limit {
		return nil, nil
	}
	for _, run := range runs[:limit] {
		if run.Status != crawler.RunStatusFailed {
			return nil, nil
		}
	}
	return &crawler.Alert{
		Source:    source,
		Type:      crawler.AlertConsecutiveFailures,
		Message:   fmt.Sprintf("%s has failed %d times consecutively", source, limit),
		Severity:  crawler.SeverityCritical,
		Timestamp: now,
	}, nil
}

func (m *Monitor) store(ctx context.Context, alerts []crawler.Alert) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(alerts)
	if err != nil {
		m.logger.Warn("encode alerts", zap.Error(err))
		return
	}
	if err := m.cache.SetWithTTL(ctx, KeyActiveAlerts, data, m.cfg.AlertTTL); err != nil {
		m.logger.Warn("store active alerts", zap.Error(err))
	}
}

func (m *Monitor) deliver(ctx context.Context, alerts []crawler.Alert) {
	if m.notifier == nil || len(m.cfg.Recipients) == 0 {
		return
	}
	var critical []crawler.Alert
	for _, alert := range alerts {
		if alert.Severity == crawler.SeverityCritical {
			critical = append(critical, alert)
		}
	}
	if len(critical) == 0 {
		return
	}
	subject := fmt.Sprintf("[jobcrawler] %d critical crawler alert(s)", len(critical))
	body := renderAlerts(critical)
	for _, recipient := range m.cfg.Recipients {
		err := m.notifier.Send(ctx, crawler.Notification{Recipient: recipient, Subject: subject, BodyHTML: body})
		if err != nil {
			m.logger.Warn("send alert notification", zap.String("recipient", recipient), zap.Error(err))
		}
	}
}

func renderAlerts(alerts []crawler.Alert) string {
	var b strings.Builder
	b.WriteString("<ul>")
	for _, alert := range alerts {
		fmt.Fprintf(&b, "<li><strong>%s</strong> [%s] %s</li>",
			html.EscapeString(string(alert.Source)),
			html.EscapeString(string(alert.Type)),
			html.EscapeString(alert.Message))
	}
	b.WriteString("</ul>")
	return b.String()
}

// GetActiveAlerts returns the last stored alert set, or none once it expired.
func (m *Monitor) GetActiveAlerts(ctx context.Context) ([]crawler.Alert, error) {
	if m.cache == nil {
		return []crawler.Alert{}, nil
	}
	data, err := m.cache.Get(ctx, KeyActiveAlerts)
	if errors.Is(err, crawler.ErrNotFound) {
		return []crawler.Alert{}, nil
	}
	if err != nil {
		return nil, err
	}
	var alerts []crawler.Alert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, fmt.Errorf("decode active alerts: %w", err)
	}
	return alerts, nil
}

// ClearAlerts drops the stored alert set.
func (m *Monitor) ClearAlerts(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Delete(ctx, KeyActiveAlerts)
}
