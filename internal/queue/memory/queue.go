// Package memory provides a bounded in-process crawl task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan crawler.CrawlTask
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.CrawlTask, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, task crawler.CrawlTask) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task. Tasks buffered before Close are still handed
// out; afterwards crawler.ErrQueueClosed is returned.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CrawlTask, error) {
	select {
	case <-ctx.Done():
		return crawler.CrawlTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	case <-q.done:
		select {
		case task := <-q.ch:
			return task, nil
		default:
			return crawler.CrawlTask{}, crawler.ErrQueueClosed
		}
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
