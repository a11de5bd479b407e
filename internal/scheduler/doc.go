// Package scheduler runs render jobs on a bounded worker pool.
//
// Submissions land in a ready queue ordered by priority, then scheduled
// time, then submission order. A single dispatch loop starts one goroutine
// per job while fewer than MaxConcurrency renders are active. Failed
// attempts that may be retried move to a delay queue keyed by their next
// eligible time; the loop sleeps on one timer until the earliest of them is
// due, so backoff never holds a worker slot.
//
// Every attempt goes through the circuit breaker. When the breaker rejects
// a call the job's fallback runs immediately and the rejection does not
// count as an attempt.
package scheduler
