// Package main hosts the rank tracker entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/scheduler fires one cycle per day (cron "0 6 * * *" in Asia/Seoul by default). A cycle
//     soft-cancels leftover jobs, registers one job per tenant and job type, runs them one tenant at a time, and ends
//     with the ads refresh. Manual cycles take a scope: all, place-rank, blog-rank or ads.
//   - Jobs: internal/jobs keeps every job in memory with at most one active job per (tenant, type). Terminal jobs are
//     never reopened, so results arriving after a cancel are discarded.
//   - Queue & browser: each keyword check is one task on a bounded pool (three at a time by default). Tasks open an
//     isolated tab on a shared, lazily launched chromedp browser that is relaunched after a disconnect.
//   - Extraction: internal/rank scrolls the place list and reads the blog main and blog tabs with goquery parsers.
//     Results are appended to the target store (Postgres, or memory when no DSN is set).
//   - Events: job, log and status updates flow through internal/events. Live WebSocket clients on /v1/events get the
//     last 100 events replayed when nobody was listening; batching sinks feed zap, Prometheus and optionally Pub/Sub.
//
// Quick checklist:
//   - Configure env vars: RANKTRACKER_SERVER_PORT, RANKTRACKER_DATABASE_DSN, RANKTRACKER_SCHEDULER_CRON,
//     RANKTRACKER_SCHEDULER_TIMEZONE, RANKTRACKER_SNAPSHOTS_BACKEND (none, memory, local, gcs), and
//     RANKTRACKER_PUBSUB_* to forward events.
//   - Serve: go run ./cmd/ranktracker serve --config config.yaml
//   - One cycle: go run ./cmd/ranktracker run --scope blog-rank
package main
