// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/harvester for the controller state of a harvester process.
//   - GET /v1/channels, POST /v1/jobs and GET /v1/jobs/{job_id}/status on a
//     scheduler process.
package api
