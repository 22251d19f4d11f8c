// Package queue keeps a bounded history of finished crawl tasks. Backends for
// the task queue itself live in the memory and redis subpackages.
package queue

import (
	"sync"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Default retention for finished tasks.
const (
	DefaultKeepCompleted = 100
	DefaultKeepFailed    = 1000
)

// Record is one finished task.
type Record struct {
	Task       crawler.CrawlTask   `json:"task"`
	Result     crawler.CrawlResult `json:"result"`
	Error      string              `json:"error,omitempty"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Snapshot is a point-in-time copy of the history, newest first.
type Snapshot struct {
	Completed []Record `json:"completed"`
	Failed    []Record `json:"failed"`
}

// History retains the most recent completed and failed tasks. Older entries
// are pruned once a list reaches its limit.
type History struct {
	mu        sync.Mutex
	completed ring
	failed    ring
}

// NewHistory builds a History. Non-positive limits use the defaults.
func NewHistory(keepCompleted, keepFailed int) *History {
	if keepCompleted <= 0 {
		keepCompleted = DefaultKeepCompleted
	}
	if keepFailed <= 0 {
		keepFailed = DefaultKeepFailed
	}
	return &History{
		completed: ring{limit: keepCompleted},
		failed:    ring{limit: keepFailed},
	}
}

// RecordCompleted stores a successful task.
func (h *History) RecordCompleted(task crawler.CrawlTask, result crawler.CrawlResult, at time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed.push(Record{Task: task, Result: result, FinishedAt: at})
}

// RecordFailed stores a task that will not be retried again.
func (h *History) RecordFailed(task crawler.CrawlTask, result crawler.CrawlResult, err error, at time.Time) {
	if h == nil {
		return
	}
	rec := Record{Task: task, Result: result, FinishedAt: at}
	if err != nil {
		rec.Error = err.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed.push(rec)
}

// Snapshot copies the current history.
func (h *History) Snapshot() Snapshot {
	if h == nil {
		return Snapshot{Completed: []Record{}, Failed: []Record{}}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		Completed: h.completed.newestFirst(),
		Failed:    h.failed.newestFirst(),
	}
}

type ring struct {
	limit   int
	records []Record
}

func (r *ring) push(rec Record) {
	r.records = append(r.records, rec)
	if over := len(r.records) - r.limit; over > 0 {
		r.records = append(r.records[:0:0], r.records[over:]...)
	}
}

func (r *ring) newestFirst() []Record {
	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[len(r.records)-1-i] = rec
	}
	return out
}
