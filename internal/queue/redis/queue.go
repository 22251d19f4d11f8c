// Package redis provides a Redis list-backed crawl task queue shared by every
// process pointing at the same server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// DefaultKey is the list holding pending tasks.
const DefaultKey = "crawler:queue"

const defaultPollTimeout = time.Second

// Queue pushes tasks with LPUSH and pops them with BRPOP, giving FIFO order.
type Queue struct {
	client      redis.UniversalClient
	key         string
	pollTimeout time.Duration
	closed      atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollTimeout bounds each BRPOP call; Dequeue loops until a task arrives.
func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

// New wraps client. An empty key uses DefaultKey.
func New(client redis.UniversalClient, key string, opts ...Option) *Queue {
	if key == "" {
		key = DefaultKey
	}
	q := &Queue{client: client, key: key, pollTimeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements crawler.Queue.
func (q *Queue) Enqueue(ctx context.Context, task crawler.CrawlTask) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue implements crawler.Queue.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CrawlTask, error) {
	for {
		if q.closed.Load() {
			return crawler.CrawlTask{}, crawler.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return crawler.CrawlTask{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.CrawlTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return crawler.CrawlTask{}, fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP answers [key, value].
		if len(res) != 2 {
			return crawler.CrawlTask{}, fmt.Errorf("dequeue: unexpected reply of %d elements", len(res))
		}
		var task crawler.CrawlTask
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return crawler.CrawlTask{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Close stops this handle. Pending tasks stay in Redis for the next consumer.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
