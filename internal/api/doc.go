// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to schedule a crawl run.
//   - GET /v1/runs/{run_id}/status and /result, POST /v1/runs/{run_id}/cancel
//     for run lifecycle control.
package api
