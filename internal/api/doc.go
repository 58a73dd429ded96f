// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to request a collection run, GET /v1/runs/last for its outcome.
//   - GET /v1/records for the tracked per-URL state.
package api
