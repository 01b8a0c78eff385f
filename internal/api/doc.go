// Package api hosts the optional status server. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes. Readiness
//     waits for the first persisted cycle.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the poll loop phase and last cycle report.
//   - GET /v1/state and /v1/state/{mid} for a read-only view of the dedup
//     store.
package api
