package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/pipeline"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
)

// Submitter admits renders into the local scheduler.
type Submitter interface {
	Render(ctx context.Context, rawURL string, priority render.Priority) (*scheduler.Handle, error)
}

// Delivery outcomes recorded in metrics.
const (
	resultAdmitted = "admitted"
	resultDeferred = "deferred"
	resultDropped  = "dropped"
)

// Feeder drains a Backlog into a Submitter.
type Feeder struct {
	backlog Backlog
	sub     Submitter
	// pause delays a nack so a saturated scheduler is not hammered with
	// immediate redeliveries.
	pause  time.Duration
	logger *zap.Logger
}

// NewFeeder wires a Feeder. pause defaults to one second.
func NewFeeder(backlog Backlog, sub Submitter, pause time.Duration, logger *zap.Logger) *Feeder {
	if pause <= 0 {
		pause = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feeder{backlog: backlog, sub: sub, pause: pause, logger: logger}
}

// Run receives until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) error {
	f.logger.Info("backlog feeder started")
	err := f.backlog.Receive(ctx, f.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("backlog receive: %w", err)
	}
	return nil
}

func (f *Feeder) handle(ctx context.Context, msg *Message) {
	req := msg.Request
	if err := req.Validate(); err != nil {
		f.drop(msg, err)
		return
	}
	h, err := f.sub.Render(ctx, req.URL, req.Priority)
	switch {
	case err == nil:
		msg.Ack()
		metrics.ObserveBacklogDelivery(resultAdmitted)
		fields := []zap.Field{zap.String("message_id", msg.ID), zap.String("url", req.URL)}
		if h != nil {
			fields = append(fields, zap.String("job_id", h.ID()))
		}
		f.logger.Debug("backlog request admitted", fields...)
	case errors.Is(err, render.ErrQueueFull),
		errors.Is(err, render.ErrSchedulerClosed),
		errors.Is(err, pipeline.ErrRateLimited):
		f.postpone(ctx, msg, err)
	case errors.Is(err, cache.ErrInvalidKey), errors.Is(err, pipeline.ErrHostNotAllowed):
		f.drop(msg, err)
	default:
		f.postpone(ctx, msg, err)
	}
}

func (f *Feeder) postpone(ctx context.Context, msg *Message, cause error) {
	f.logger.Debug("backlog request deferred",
		zap.String("message_id", msg.ID),
		zap.String("url", msg.Request.URL),
		zap.Error(cause))
	timer := time.NewTimer(f.pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	msg.Nack()
	metrics.ObserveBacklogDelivery(resultDeferred)
}

func (f *Feeder) drop(msg *Message, cause error) {
	f.logger.Warn("dropping invalid backlog request",
		zap.String("message_id", msg.ID),
		zap.String("url", msg.Request.URL),
		zap.Error(cause))
	msg.Ack()
	metrics.ObserveBacklogDelivery(resultDropped)
}
