// Package main hosts the render cache service entrypoint.
//
// Architecture overview:
//   - Proxy: internal/proxy serves the public listener. Crawler user agents get cached, rendered HTML with
//     ETag/Last-Modified validators and an adaptive Cache-Control max-age; all other traffic is reverse proxied to
//     the origin untouched.
//   - Scheduler: internal/scheduler bounds concurrent renders, orders waiting jobs by priority and reschedules
//     failed attempts through a backoff delay queue without holding a worker slot.
//   - Circuit breaker: every render attempt runs under internal/breaker. While the circuit is open, renders are
//     answered from the stale cache entry instead of calling Chrome.
//   - Fingerprints: internal/fingerprint normalizes rendered HTML, classifies the change against the previous
//     render and picks the TTL that change earns.
//   - Persistence: entries live in memory, Postgres or GCS (cache.backend). A shared backlog (memory or Pub/Sub)
//     lets any replica pick up render requests.
//   - Admin: internal/api serves /healthz, /readyz, /metrics and the /v1 operator API on a separate port.
//
// Quick checklist:
//   - Set RENDERCACHE_ORIGIN_URL (required) and, for Chrome, RENDERCACHE_HEADLESS_EXEC_PATH when Chrome is not on
//     PATH.
//   - Run locally: go run ./cmd/rendercache serve --config rendercache.yaml
//   - Check a config file without starting anything: go run ./cmd/rendercache validate --config rendercache.yaml
package main
