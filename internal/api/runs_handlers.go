package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	defaultJobLimit = 20
	maxJobLimit     = 100
	readTimeout     = 3 * time.Second
)

// RunsHandler exposes read-only crawl run and job listings.
type RunsHandler struct {
	runs    crawler.CrawlRunStore
	jobs    crawler.JobStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the stores and logger.
func NewRunsHandler(runs crawler.CrawlRunStore, jobs crawler.JobStore, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		runs:    runs,
		jobs:    jobs,
		timeout: readTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/crawl-runs?source=&status=&limit=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, 503 when no run
// store is wired, or 500 if the store call fails.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl run store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.CrawlRunFilter{Limit: limit}
	if raw := strings.TrimSpace(r.URL.Query().Get("source")); raw != "" {
		source, parseErr := crawler.ParseSource(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		filter.Source = source
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, parseErr := parseRunStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		filter.Status = status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.runs.ListCrawlRuns(ctx, filter)
	if err != nil {
		h.logger.Error("list crawl runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawl runs")
		return
	}
	if runs == nil {
		runs = []crawler.CrawlRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// LatestJobs handles GET /v1/jobs/latest?limit=.
func (h *RunsHandler) LatestJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	jobs, err := h.jobs.ListLatestJobs(ctx, limit)
	if err != nil {
		h.logger.Error("list latest jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func parseRunStatus(input string) (crawler.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return crawler.RunStatusRunning, nil
	case "success", "succeeded":
		return crawler.RunStatusSuccess, nil
	case "failed", "error", "failure":
		return crawler.RunStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
