// Package main hosts the job crawler binary.
//
// Architecture overview:
//   - Adapters: one per job board (WorkTogether, Saramin, Work24, JobKorea). Each fetches a listing page through a
//     shared session (colly over HTTP, or chromedp when crawler.fetcher=headless), parses it with goquery and
//     normalizes the items into the common job shape.
//   - Orchestrator: runs one crawl of (source, page). It records a crawl run, upserts every normalized job by
//     (source, external_id), archives the raw batch to the configured BlobStore, publishes a completion event and
//     refreshes the listing cache. An optional lock (memory or Redis) keeps one crawl per source at a time.
//   - Queue & workers: `serve` feeds crawl tasks through a memory or Redis queue to a fixed worker pool. Failed tasks
//     are re-enqueued with exponential backoff until queue.max_attempts; outcomes are kept in a bounded history.
//   - Scheduler: robfig/cron enqueues page 1 of every source, evaluates monitoring alerts and sweeps expired jobs.
//   - Storage: jobs, crawl runs and the keyword set live in Postgres (pgx, golang-migrate) or in memory.
//
// Commands:
//   - serve: HTTP API, workers and scheduler until SIGINT/SIGTERM.
//   - crawl: synchronous crawl of one source/page, or page 1 of every source with --all.
//   - stats, cleanup, alerts, keywords: one-shot administrative operations.
//   - migrate up|down: apply or roll back the embedded schema migrations.
//
// Configuration comes from an optional file (--config) overridden by JOBCRAWLER_* environment variables, e.g.
// JOBCRAWLER_STORE_BACKEND=postgres JOBCRAWLER_DB_DSN=postgres://... JOBCRAWLER_QUEUE_BACKEND=redis
// JOBCRAWLER_REDIS_URL=redis://localhost:6379/0.
package main
