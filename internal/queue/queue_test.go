package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

func TestHistoryPrunesOldest(t *testing.T) {
	t.Parallel()

	h := NewHistory(2, 1)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		h.RecordCompleted(crawler.CrawlTask{ID: id}, crawler.CrawlResult{JobsFound: i}, base.Add(time.Duration(i)*time.Minute))
	}
	h.RecordFailed(crawler.CrawlTask{ID: "x"}, crawler.CrawlResult{}, errors.New("first"), base)
	h.RecordFailed(crawler.CrawlTask{ID: "y"}, crawler.CrawlResult{Error: "boom"}, errors.New("boom"), base)

	snap := h.Snapshot()
	require.Len(t, snap.Completed, 2)
	require.Equal(t, "c", snap.Completed[0].Task.ID)
	require.Equal(t, "b", snap.Completed[1].Task.ID)
	require.Len(t, snap.Failed, 1)
	require.Equal(t, "y", snap.Failed[0].Task.ID)
	require.Equal(t, "boom", snap.Failed[0].Error)
}

func TestHistoryDefaultsAndNil(t *testing.T) {
	t.Parallel()

	h := NewHistory(0, -1)
	require.Equal(t, DefaultKeepCompleted, h.completed.limit)
	require.Equal(t, DefaultKeepFailed, h.failed.limit)

	var empty *History
	empty.RecordCompleted(crawler.CrawlTask{}, crawler.CrawlResult{}, time.Now())
	snap := empty.Snapshot()
	require.NotNil(t, snap.Completed)
	require.NotNil(t, snap.Failed)
	require.Empty(t, snap.Completed)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	h := NewHistory(5, 5)
	h.RecordCompleted(crawler.CrawlTask{ID: "a"}, crawler.CrawlResult{}, time.Now())
	snap := h.Snapshot()
	snap.Completed[0].Task.ID = "mutated"
	require.Equal(t, "a", h.Snapshot().Completed[0].Task.ID)
}
