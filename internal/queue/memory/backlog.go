// Package memory provides a process-local backlog for development and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/render-cache/internal/queue"
)

type delivery struct {
	id  string
	req queue.Request
}

// Backlog is a bounded in-memory backlog with context-aware operations.
// Nacked messages are redelivered at the back of the queue.
type Backlog struct {
	ch        chan delivery
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64
}

// NewBacklog constructs a backlog with the provided capacity.
func NewBacklog(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = 1
	}
	return &Backlog{
		ch:   make(chan delivery, capacity),
		done: make(chan struct{}),
	}
}

// Publish enqueues req or returns once ctx ends.
func (b *Backlog) Publish(ctx context.Context, req queue.Request) error {
	d := delivery{id: strconv.FormatUint(b.seq.Add(1), 10), req: req}
	select {
	case <-b.done:
		return queue.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case <-b.done:
		return queue.ErrClosed
	case b.ch <- d:
		return nil
	}
}

// Receive hands each delivery to h in turn until ctx ends or the backlog
// is closed.
func (b *Backlog) Receive(ctx context.Context, h queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-b.done:
			return queue.ErrClosed
		case d := <-b.ch:
			h(ctx, queue.NewMessage(d.id, d.req, nil, func() { b.requeue(d) }))
		}
	}
}

func (b *Backlog) requeue(d delivery) {
	select {
	case b.ch <- d:
	default:
		// Full: wait for room without blocking the receiver.
		go func() {
			select {
			case b.ch <- d:
			case <-b.done:
			}
		}()
	}
}

// Len reports the number of undelivered messages.
func (b *Backlog) Len() int {
	return len(b.ch)
}

// Close stops delivery. It is safe to call more than once.
func (b *Backlog) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
