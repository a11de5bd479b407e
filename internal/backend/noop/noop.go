// Package noop provides a render backend for deployments without a
// browser. Every render fails, so the scheduler falls through to retries
// and the stale-cache path.
package noop

import (
	"context"
	"fmt"

	"github.com/JakeFAU/render-cache/internal/render"
)

// Backend implements render.Backend but always returns an error.
type Backend struct{}

// New creates a new Backend.
func New() *Backend {
	return &Backend{}
}

// Render returns render.ErrBackendFailure.
func (Backend) Render(_ context.Context, url string, _ render.Options) (render.Result, error) {
	return render.Result{}, fmt.Errorf("%w: no render backend configured for %s", render.ErrBackendFailure, url)
}
