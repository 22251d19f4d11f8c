// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/config"
	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/metrics"
	"github.com/rebridge/jobcrawler/internal/queue"
	"github.com/rebridge/jobcrawler/internal/telemetry"
)

const (
	enqueueTimeout = 5 * time.Second
	readyTimeout   = 2 * time.Second
	// Synchronous crawls wait on remote sites; the outer timeout must cover
	// the adapter retry schedule.
	requestTimeout = 10 * time.Minute
)

// Crawler is the orchestrator surface the API drives.
type Crawler interface {
	RunCrawl(ctx context.Context, source crawler.Source, page int) (crawler.CrawlResult, error)
	GetStats(ctx context.Context) (crawler.Stats, error)
	CleanupExpiredJobs(ctx context.Context) (int, error)
}

// Submitter enqueues crawl tasks.
type Submitter interface {
	Submit(ctx context.Context, source crawler.Source, page int, trigger string) (crawler.CrawlTask, error)
}

// Alerts is the monitoring surface.
type Alerts interface {
	CheckAndAlert(ctx context.Context) ([]crawler.Alert, error)
	GetActiveAlerts(ctx context.Context) ([]crawler.Alert, error)
	ClearAlerts(ctx context.Context) error
}

// Keywords is the administrative keyword surface.
type Keywords interface {
	Get(ctx context.Context) ([]string, error)
	Set(ctx context.Context, keywords []string) ([]string, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps groups the collaborators behind the HTTP routes.
type Deps struct {
	Crawler   Crawler
	Submitter Submitter
	Alerts    Alerts
	Keywords  Keywords
	History   *queue.History
	Runs      crawler.CrawlRunStore
	Jobs      crawler.JobStore
	Ready     map[string]ReadinessCheck
}

// Server wires HTTP handlers to the orchestrator, queue and monitor.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	runs := NewRunsHandler(deps.Runs, deps.Jobs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawls", s.enqueueCrawl)
		r.Post("/crawls/run", s.runCrawl)
		r.Get("/crawl-runs", runs.ListRuns)
		r.Get("/jobs/latest", runs.LatestJobs)
		r.Get("/stats", s.stats)
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlerts)
			r.Post("/check", s.checkAlerts)
			r.Delete("/", s.clearAlerts)
		})
		r.Get("/keywords", s.getKeywords)
		r.Put("/keywords", s.setKeywords)
		r.Get("/queue/history", s.queueHistory)
		r.Post("/maintenance/cleanup", s.cleanup)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(s.deps.Ready))
	for name := range s.deps.Ready {
		names = append(names, name)
	}
	sort.Strings(names)

	failures := map[string]string{}
	for _, name := range names {
		if err := s.deps.Ready[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	Source string `json:"source"`
	Page   int    `json:"page"`
}

func (req crawlRequest) parse() (crawler.Source, int, error) {
	source, err := crawler.ParseSource(req.Source)
	if err != nil {
		return "", 0, err
	}
	page := req.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return "", 0, &crawler.ConfigurationError{Reason: fmt.Sprintf("page must be >= 1, got %d", page)}
	}
	return source, page, nil
}

func (s *Server) enqueueCrawl(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	source, page, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	task, err := s.deps.Submitter.Submit(ctx, source, page, crawler.TriggerManual)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		case errors.Is(err, crawler.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *Server) runCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	source, page, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.deps.Crawler.RunCrawl(r.Context(), source, page)
	if err != nil {
		var cfgErr *crawler.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, crawler.ErrLockNotAcquired):
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Warn("manual crawl failed", zap.String("source", source.String()), zap.Int("page", page), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Crawler.GetStats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Alerts.GetActiveAlerts(r.Context())
	if err != nil {
		s.logger.Error("load alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) checkAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Alerts.CheckAndAlert(r.Context())
	if err != nil {
		s.logger.Error("alert check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check alerts")
		return
	}
	if alerts == nil {
		alerts = []crawler.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) clearAlerts(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Alerts.ClearAlerts(r.Context()); err != nil {
		s.logger.Error("clear alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear alerts")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keywordsPayload struct {
	Keywords []string `json:"keywords"`
}

func (s *Server) getKeywords(w http.ResponseWriter, r *http.Request) {
	kws, err := s.deps.Keywords.Get(r.Context())
	if err != nil {
		s.logger.Error("load keywords failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load keywords")
		return
	}
	writeJSON(w, http.StatusOK, keywordsPayload{Keywords: kws})
}

func (s *Server) setKeywords(w http.ResponseWriter, r *http.Request) {
	var req keywordsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kws, err := s.deps.Keywords.Set(r.Context(), req.Keywords)
	if err != nil {
		var cfgErr *crawler.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("save keywords failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save keywords")
		return
	}
	writeJSON(w, http.StatusOK, keywordsPayload{Keywords: kws})
}

func (s *Server) queueHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.History.Snapshot())
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Crawler.CleanupExpiredJobs(r.Context())
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
