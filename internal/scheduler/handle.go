package scheduler

import (
	"context"
	"fmt"

	"github.com/JakeFAU/render-cache/internal/render"
)

// Handle tracks one submitted job.
type Handle struct {
	id    string
	s     *Scheduler
	done  chan struct{}
	final render.Job
}

func newHandle(id string, s *Scheduler) *Handle {
	return &Handle{id: id, s: s, done: make(chan struct{})}
}

// ID returns the job identifier.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Job returns the current snapshot of the job.
func (h *Handle) Job() render.Job {
	select {
	case <-h.done:
		return h.final
	default:
	}
	if job, ok := h.s.Job(h.id); ok {
		return job
	}
	<-h.done
	return h.final
}

// Wait blocks until the job finishes or ctx is done. Cancelling ctx does
// not cancel the job.
func (h *Handle) Wait(ctx context.Context) (render.Job, error) {
	select {
	case <-h.done:
		return h.final, nil
	case <-ctx.Done():
		return h.Job(), fmt.Errorf("wait for job %s: %w", h.id, ctx.Err())
	}
}

// finish is called exactly once, with the scheduler lock released.
func (h *Handle) finish(job render.Job) {
	h.final = job
	close(h.done)
}
