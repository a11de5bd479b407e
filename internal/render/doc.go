// Package render holds the shared vocabulary of the render pipeline: jobs,
// options, results, priorities and the error taxonomy used by the scheduler,
// the breaker-wrapped backends and the HTTP layer.
package render
