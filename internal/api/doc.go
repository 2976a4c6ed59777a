// Package api hosts the operator HTTP surface. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - GET /v1/jobs, /v1/jobs/{job_id}, POST /v1/jobs/{job_id}/cancel.
//   - GET /v1/stats, /v1/status, /v1/logs, /v1/scheduler.
//   - POST /v1/runs/{scope} to trigger a cycle by hand.
//   - GET /v1/events upgrades to a WebSocket carrying the event stream,
//     buffered replay first.
package api
