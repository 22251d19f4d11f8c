// Package worker consumes queued crawl tasks and runs them through the
// orchestrator, retrying failed tasks at the queue level.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/metrics"
	"github.com/rebridge/jobcrawler/internal/queue"
)

// dequeueErrorPause keeps a broken backend from spinning the loop.
const dequeueErrorPause = time.Second

// Runner executes one crawl.
type Runner interface {
	RunCrawl(ctx context.Context, source crawler.Source, page int) (crawler.CrawlResult, error)
}

// Worker pulls tasks from a queue one at a time.
type Worker struct {
	id      int
	queue   crawler.Queue
	runner  Runner
	history *queue.History
	retry   *crawler.ExponentialRetryPolicy
	clock   crawler.Clock
	logger  *zap.Logger

	pending sync.WaitGroup
}

// New constructs a Worker. A nil retry policy falls back to three attempts.
func New(
	id int,
	q crawler.Queue,
	runner Runner,
	history *queue.History,
	retry *crawler.ExponentialRetryPolicy,
	clock crawler.Clock,
	logger *zap.Logger,
) *Worker {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   q,
		runner:  runner,
		history: history,
		retry:   retry,
		clock:   clock,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
// Retries still waiting on their backoff are drained before it returns.
func (w *Worker) Run(ctx context.Context) {
	defer w.pending.Wait()
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if crawler.Sleep(ctx, dequeueErrorPause) != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("task_id", task.ID),
			zap.String("source", task.Source.String()),
			zap.Int("page", task.Page),
		)
		w.process(ctx, task)
	}
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

func (w *Worker) process(ctx context.Context, task crawler.CrawlTask) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if task.Attempt < 1 {
		task.Attempt = 1
	}
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("source", task.Source.String()),
		zap.Int("page", task.Page),
		zap.Int("attempt", task.Attempt),
	)

	result, err := w.runner.RunCrawl(ctx, task.Source, task.Page)
	if err == nil {
		w.history.RecordCompleted(task, result, w.now())
		metrics.ObserveQueueTask("completed")
		logger.Info("task completed",
			zap.Int("jobs_found", result.JobsFound),
			zap.Int("jobs_new", result.JobsNew),
			zap.Int("jobs_updated", result.JobsUpdated),
		)
		return
	}

	if ctx.Err() == nil && w.retry.ShouldRetry(err, task.Attempt) {
		next := task
		next.Attempt++
		delay := w.retry.Backoff(task.Attempt)
		metrics.ObserveQueueTask("retried")
		logger.Warn("task failed, scheduling retry", zap.Duration("backoff", delay), zap.Error(err))
		w.scheduleRetry(ctx, next, result, delay)
		return
	}

	w.history.RecordFailed(task, result, err, w.now())
	metrics.ObserveQueueTask("failed")
	logger.Error("task failed", zap.Error(err))
}

// scheduleRetry re-enqueues next after delay without holding the worker.
func (w *Worker) scheduleRetry(ctx context.Context, next crawler.CrawlTask, last crawler.CrawlResult, delay time.Duration) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if err := crawler.Sleep(ctx, delay); err != nil {
			w.logger.Warn("retry dropped on shutdown", zap.String("task_id", next.ID), zap.Error(err))
			return
		}
		next.EnqueuedAt = w.now()
		if err := w.queue.Enqueue(ctx, next); err != nil {
			w.logger.Error("re-enqueue failed", zap.String("task_id", next.ID), zap.Error(err))
			w.history.RecordFailed(next, last, err, w.now())
			metrics.ObserveQueueTask("failed")
		}
	}()
}
