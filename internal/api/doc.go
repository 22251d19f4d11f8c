// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to enqueue and POST /v1/crawls/run to crawl synchronously.
//   - GET /v1/stats, /v1/crawl-runs and /v1/jobs/latest for reporting.
//   - /v1/alerts, /v1/keywords and /v1/maintenance/cleanup for administration.
package api
