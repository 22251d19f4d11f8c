package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/clock/system"
	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/queue"
	"github.com/rebridge/jobcrawler/internal/queue/memory"
)

type scriptedRunner struct {
	mu    sync.Mutex
	calls []int
	// errs is consumed one per call; once empty every call succeeds.
	errs []error
}

func (r *scriptedRunner) RunCrawl(_ context.Context, source crawler.Source, page int) (crawler.CrawlResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, page)
	result := crawler.CrawlResult{Source: source, Page: page, JobsFound: 3, JobsNew: 3}
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var finishedAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fastRetry(attempts int) *crawler.ExponentialRetryPolicy {
	return crawler.NewExponentialRetryPolicy(attempts, time.Millisecond, 2*time.Millisecond)
}

func startWorker(t *testing.T, runner Runner, attempts int) (*memory.Queue, *queue.History, func()) {
	t.Helper()
	q := memory.NewQueue(8)
	history := queue.NewHistory(10, 10)
	w := New(1, q, runner, history, fastRetry(attempts), system.NewManual(finishedAt), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return q, history, func() {
		cancel()
		<-done
	}
}

func TestWorkerRecordsCompletedTask(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	q, history, stop := startWorker(t, runner, 3)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlTask{ID: "t1", Source: crawler.SourceSaramin, Page: 1}))

	require.Eventually(t, func() bool {
		return len(history.Snapshot().Completed) == 1
	}, time.Second, 5*time.Millisecond)

	rec := history.Snapshot().Completed[0]
	require.Equal(t, "t1", rec.Task.ID)
	require.Equal(t, 1, rec.Task.Attempt)
	require.Equal(t, 3, rec.Result.JobsNew)
	require.Equal(t, finishedAt, rec.FinishedAt)
	require.Empty(t, history.Snapshot().Failed)
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	q, history, stop := startWorker(t, runner, 3)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlTask{ID: "t2", Source: crawler.SourceWork24, Page: 2}))

	require.Eventually(t, func() bool {
		return len(history.Snapshot().Completed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 3, runner.callCount())
	require.Equal(t, 3, history.Snapshot().Completed[0].Task.Attempt)
	require.Empty(t, history.Snapshot().Failed)
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("site down")
	runner := &scriptedRunner{errs: []error{boom, boom, boom, boom}}
	q, history, stop := startWorker(t, runner, 3)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlTask{ID: "t3", Source: crawler.SourceJobKorea, Page: 1}))

	require.Eventually(t, func() bool {
		return len(history.Snapshot().Failed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failed := history.Snapshot().Failed[0]
	require.Equal(t, 3, failed.Task.Attempt)
	require.Equal(t, "site down", failed.Error)
	require.Equal(t, 3, runner.callCount())
}

func TestWorkerDoesNotRetryConfigurationErrors(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{errs: []error{&crawler.ConfigurationError{Reason: "unknown source"}}}
	q, history, stop := startWorker(t, runner, 3)
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), crawler.CrawlTask{ID: "t4", Source: "nope", Page: 1}))

	require.Eventually(t, func() bool {
		return len(history.Snapshot().Failed) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, runner.callCount())
	require.Equal(t, 1, history.Snapshot().Failed[0].Task.Attempt)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(1, q, &scriptedRunner{}, nil, nil, nil, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
