package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "", WithPollTimeout(100*time.Millisecond)), mr
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, crawler.CrawlTask{ID: "1", Source: crawler.SourceSaramin, Page: 1, Attempt: 1}))
	require.NoError(t, q.Enqueue(ctx, crawler.CrawlTask{ID: "2", Source: crawler.SourceWork24, Page: 2}))
	require.True(t, mr.Exists(DefaultKey))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", first.ID)
	require.Equal(t, crawler.SourceSaramin, first.Source)
	require.Equal(t, 1, first.Attempt)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "2", second.ID)
	require.Equal(t, 2, second.Page)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDequeueWaitsForProducer(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = q.Enqueue(context.Background(), crawler.CrawlTask{ID: "late"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "late", task.ID)
}

func TestQueueClosed(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.CrawlTask{}), crawler.ErrQueueClosed)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

func TestQueueRejectsGarbage(t *testing.T) {
	t.Parallel()
	q, mr := newTestQueue(t)
	_, err := mr.Lpush(DefaultKey, "not-json")
	require.NoError(t, err)

	_, err = q.Dequeue(context.Background())
	require.ErrorContains(t, err, "decode task")
}
