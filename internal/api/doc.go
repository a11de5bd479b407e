// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/render/... for queue stats, job submission, lookup and cancellation.
//   - /v1/breakers for circuit inspection and manual reset.
//   - DELETE /v1/cache?url= to invalidate a cached render.
package api
