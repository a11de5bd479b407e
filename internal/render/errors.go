package render

import (
	"context"
	"errors"
)

// Error taxonomy shared across the pipeline.
var (
	ErrRenderTimeout     = errors.New("render timed out")
	ErrBackendFailure    = errors.New("render backend failure")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrQueueFull         = errors.New("render queue full")
	ErrSchedulerClosed   = errors.New("scheduler closed")
	ErrFallbackExhausted = errors.New("fallback exhausted")
	ErrJobCancelled      = errors.New("job cancelled")
	ErrNoCachedContent   = errors.New("no cached content")
)

// IsRetryable reports whether a failed attempt may be retried with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrJobCancelled),
		errors.Is(err, ErrFallbackExhausted),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrRenderTimeout),
		errors.Is(err, ErrBackendFailure),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		// Unclassified backend errors are treated as transient.
		return true
	}
}
