package render

import (
	"context"
	"time"
)

// Backend produces rendered HTML for a URL.
type Backend interface {
	Render(ctx context.Context, url string, opts Options) (Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, url string, opts Options) (Result, error)

// Render calls f.
func (f BackendFunc) Render(ctx context.Context, url string, opts Options) (Result, error) {
	return f(ctx, url, opts)
}

// Clock abstracts time so tests can control it.
type Clock interface {
	Now() time.Time
}

// IDGenerator returns unique job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
