// Package dispatcher manages worker fan-out over the crawl task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/worker"
)

// Dispatcher fans queued tasks out to a fixed pool of workers and is the only
// producer-side entry point to the queue.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	ids     crawler.IDGenerator
	clock   crawler.Clock
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker, ids crawler.IDGenerator, clock crawler.Clock) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		ids:     ids,
		clock:   clock,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}

// Submit enqueues a first attempt at crawling one (source, page) pair.
func (d *Dispatcher) Submit(ctx context.Context, source crawler.Source, page int, trigger string) (crawler.CrawlTask, error) {
	if page < 1 {
		return crawler.CrawlTask{}, &crawler.ConfigurationError{Reason: fmt.Sprintf("page must be >= 1, got %d", page)}
	}
	task := crawler.CrawlTask{
		Source:     source,
		Page:       page,
		Attempt:    1,
		Trigger:    trigger,
		EnqueuedAt: d.now(),
	}
	if d.ids != nil {
		id, err := d.ids.NewID()
		if err != nil {
			return crawler.CrawlTask{}, fmt.Errorf("task id: %w", err)
		}
		task.ID = id
	}
	if err := d.Enqueue(ctx, task); err != nil {
		return crawler.CrawlTask{}, err
	}
	return task, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task crawler.CrawlTask) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
