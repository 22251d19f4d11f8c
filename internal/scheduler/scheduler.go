// Package scheduler turns cron expressions into crawl enqueue events and
// periodic monitoring and retention ticks. It never runs crawls itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Submitter enqueues crawl tasks.
type Submitter interface {
	Submit(ctx context.Context, source crawler.Source, page int, trigger string) (crawler.CrawlTask, error)
}

// Checker evaluates crawl health.
type Checker interface {
	CheckAndAlert(ctx context.Context) ([]crawler.Alert, error)
}

// Cleaner runs the retention sweep.
type Cleaner interface {
	CleanupExpiredJobs(ctx context.Context) (int, error)
}

// Config holds the schedule. An empty expression disables that tick.
type Config struct {
	CrawlCron   string
	MonitorCron string
	CleanupCron string
	Sources     []crawler.Source
	RunOnStart  bool
}

// Scheduler wraps robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	cfg       Config
	submitter Submitter
	checker   Checker
	cleaner   Cleaner
	logger    *zap.Logger
}

// New validates every expression up front so a bad schedule fails at startup.
func New(cfg Config, submitter Submitter, checker Checker, cleaner Cleaner, logger *zap.Logger) (*Scheduler, error) {
	if submitter == nil {
		return nil, errors.New("scheduler requires a submitter")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"schedule.crawl_cron":   cfg.CrawlCron,
		"schedule.monitor_cron": cfg.MonitorCron,
		"schedule.cleanup_cron": cfg.CleanupCron,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return nil, &crawler.ConfigurationError{Reason: fmt.Sprintf("%s %q: %v", name, spec, err)}
		}
	}
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger.Sugar()})),
		cfg:       cfg,
		submitter: submitter,
		checker:   checker,
		cleaner:   cleaner,
		logger:    logger,
	}, nil
}

// Start registers the ticks and starts the cron loop. ctx is handed to every
// tick, so cancelling it aborts in-flight enqueues.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.CrawlCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.CrawlCron, func() { s.crawlTick(ctx) }); err != nil {
			return fmt.Errorf("cron add crawl: %w", err)
		}
	}
	if s.cfg.MonitorCron != "" && s.checker != nil {
		if _, err := s.cron.AddFunc(s.cfg.MonitorCron, func() { s.monitorTick(ctx) }); err != nil {
			return fmt.Errorf("cron add monitor: %w", err)
		}
	}
	if s.cfg.CleanupCron != "" && s.cleaner != nil {
		if _, err := s.cron.AddFunc(s.cfg.CleanupCron, func() { s.cleanupTick(ctx) }); err != nil {
			return fmt.Errorf("cron add cleanup: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("crawl_cron", s.cfg.CrawlCron),
		zap.String("monitor_cron", s.cfg.MonitorCron),
		zap.String("cleanup_cron", s.cfg.CleanupCron),
		zap.Int("entries", len(s.cron.Entries())),
	)

	if s.cfg.RunOnStart {
		go s.crawlTick(ctx)
	}
	return nil
}

// Stop halts the cron loop and waits for running ticks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Entries reports how many ticks are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// EnqueueAll submits page 1 of every configured source. Submission continues
// past individual failures; the first error is returned.
func (s *Scheduler) EnqueueAll(ctx context.Context, trigger string) (int, error) {
	var (
		enqueued int
		firstErr error
	)
	for _, source := range s.cfg.Sources {
		task, err := s.submitter.Submit(ctx, source, 1, trigger)
		if err != nil {
			s.logger.Error("enqueue crawl failed", zap.String("source", source.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
		s.logger.Debug("crawl enqueued", zap.String("source", source.String()), zap.String("task_id", task.ID))
	}
	return enqueued, firstErr
}

func (s *Scheduler) crawlTick(ctx context.Context) {
	n, err := s.EnqueueAll(ctx, crawler.TriggerSchedule)
	if err != nil {
		s.logger.Warn("scheduled crawl partially enqueued", zap.Int("enqueued", n), zap.Error(err))
		return
	}
	s.logger.Info("scheduled crawl enqueued", zap.Int("enqueued", n))
}

func (s *Scheduler) monitorTick(ctx context.Context) {
	alerts, err := s.checker.CheckAndAlert(ctx)
	if err != nil {
		s.logger.Error("monitoring check failed", zap.Error(err))
		return
	}
	s.logger.Info("monitoring check complete", zap.Int("alerts", len(alerts)))
}

func (s *Scheduler) cleanupTick(ctx context.Context) {
	deleted, err := s.cleaner.CleanupExpiredJobs(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("retention sweep complete", zap.Int("deleted", deleted))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
