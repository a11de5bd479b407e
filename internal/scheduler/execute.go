package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/render"
)

// execute runs one attempt of e. job is the snapshot taken when the slot
// was granted; e.job itself is only touched under s.mu.
func (s *Scheduler) execute(ctx context.Context, e *entry, job render.Job) {
	ctx, span := s.tracer.Start(ctx, "render.attempt",
		trace.WithAttributes(
			attribute.String("render.job_id", job.ID),
			attribute.String("render.url", job.URL),
			attribute.String("render.priority", job.Priority.String()),
			attribute.Int("render.attempt", job.Attempts+1),
		))
	defer span.End()

	start := s.clock.Now()
	result, err := s.attempt(ctx, job)
	elapsed := s.clock.Now().Sub(start)

	// A cancelled job stays cancelled even when the backend ignored the
	// cancellation and finished anyway.
	switch {
	case ctx.Err() != nil:
		metrics.ObserveRenderAttempt("cancelled", elapsed)
		span.SetStatus(codes.Error, "cancelled")
		s.cancelled(e, errors.Join(ctx.Err(), err))
	case err == nil:
		metrics.ObserveRenderAttempt("success", elapsed)
		span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))
		s.succeed(e, result, elapsed)
	case errors.Is(err, breaker.ErrOpen):
		metrics.ObserveRenderAttempt("rejected", elapsed)
		span.AddEvent("circuit open")
		s.rejected(ctx, e, job, err)
	default:
		metrics.ObserveRenderAttempt("failure", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.failed(e, err)
	}
}

// attempt calls the backend through the render circuit. The job timeout is
// applied inside the operation so that an expiry counts as a circuit
// failure while a job cancellation does not.
func (s *Scheduler) attempt(ctx context.Context, job render.Job) (render.Result, error) {
	op := func(ctx context.Context) (render.Result, error) {
		renderCtx, cancel := context.WithTimeout(ctx, job.Options.Timeout)
		defer cancel()
		res, err := s.backend.Render(renderCtx, job.URL, job.Options)
		if err != nil {
			if renderCtx.Err() != nil && ctx.Err() == nil && !errors.Is(err, render.ErrRenderTimeout) {
				err = fmt.Errorf("%w after %s: %w", render.ErrRenderTimeout, job.Options.Timeout, err)
			}
			return render.Result{}, err
		}
		return res, nil
	}
	res, _, err := breaker.Do(ctx, s.breaker, s.cfg.BreakerName, op, nil)
	if err != nil {
		return render.Result{}, err
	}
	if res.URL == "" {
		res.URL = job.URL
	}
	if res.RenderedAt.IsZero() {
		res.RenderedAt = s.clock.Now()
	}
	return res, nil
}

func (s *Scheduler) succeed(e *entry, res render.Result, elapsed time.Duration) {
	s.mu.Lock()
	e.job.Attempts++
	if res.Duration == 0 {
		res.Duration = elapsed
	}
	e.job.Result = &res
	e.job.LastError = ""
	e.job.Status = render.StatusSucceeded
	s.active--
	done := s.retireLocked(e)
	s.mu.Unlock()
	s.signal()
	done()
}

// rejected handles a call the circuit refused outright. It does not count
// against MaxAttempts.
func (s *Scheduler) rejected(ctx context.Context, e *entry, job render.Job, cause error) {
	cause = fmt.Errorf("%w: %w", render.ErrCircuitOpen, cause)
	var (
		res    render.Result
		status = render.StatusFailed
		err    = cause
	)
	if e.fallback != nil {
		fres, ferr := e.fallback(ctx, job.URL)
		switch {
		case ferr == nil:
			fres.FromFallback = true
			if fres.URL == "" {
				fres.URL = job.URL
			}
			res, status, err = fres, render.StatusSucceededViaFallback, nil
			metrics.ObserveFallback(true)
		default:
			err = fmt.Errorf("%w: %w", render.ErrFallbackExhausted, errors.Join(cause, ferr))
			metrics.ObserveFallback(false)
		}
	}

	s.mu.Lock()
	e.job.Status = status
	if err != nil {
		e.job.LastError = err.Error()
	} else {
		e.job.Result = &res
		s.stats.Fallbacks++
	}
	s.active--
	done := s.retireLocked(e)
	s.mu.Unlock()
	s.signal()
	if err != nil {
		s.logger.Warn("render rejected by open circuit",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Error(err))
	}
	done()
}

func (s *Scheduler) cancelled(e *entry, cause error) {
	s.mu.Lock()
	e.job.Attempts++
	e.job.Status = render.StatusCancelled
	e.job.LastError = errors.Join(render.ErrJobCancelled, cause).Error()
	s.active--
	done := s.retireLocked(e)
	s.mu.Unlock()
	s.signal()
	done()
}

func (s *Scheduler) failed(e *entry, cause error) {
	s.mu.Lock()
	e.job.Attempts++
	e.job.LastError = cause.Error()
	s.active--
	if e.cancelled {
		e.job.Status = render.StatusCancelled
		done := s.retireLocked(e)
		s.mu.Unlock()
		s.signal()
		done()
		return
	}
	if render.IsRetryable(cause) && e.job.Attempts < e.job.MaxAttempts && !s.closed {
		delay := s.backoff.Delay(e.job.Attempts)
		e.job.Status = render.StatusPending
		e.job.ScheduledAt = s.clock.Now().Add(delay)
		e.cancel = nil
		s.seq++
		e.seq = s.seq
		heap.Push(&s.delayed, e)
		s.stats.Retries++
		job := e.job
		s.mu.Unlock()
		s.signal()
		metrics.ObserveRetry(delay)
		s.logger.Info("render attempt failed; retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(cause))
		s.emit(job, progress.StageJobRetry, delay, job.LastError)
		return
	}
	e.job.Status = render.StatusFailed
	job := e.job
	done := s.retireLocked(e)
	s.mu.Unlock()
	s.signal()
	s.logger.Warn("render job failed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	done()
}

// retireLocked moves e to history and returns the notification step, which
// the caller runs after releasing s.mu.
func (s *Scheduler) retireLocked(e *entry) func() {
	now := s.clock.Now()
	e.job.FinishedAt = now
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	delete(s.entries, e.job.ID)
	s.history.add(e.job)
	switch e.job.Status {
	case render.StatusSucceeded, render.StatusSucceededViaFallback:
		s.stats.Completed++
	case render.StatusFailed:
		s.stats.Failed++
	case render.StatusCancelled:
		s.stats.Cancelled++
	}
	s.publishGaugesLocked()
	s.checkDrainedLocked()
	job := e.job
	return func() { s.notify(e, job) }
}

func (s *Scheduler) notify(e *entry, job render.Job) {
	metrics.ObserveRenderJob(string(job.Status))
	var dur time.Duration
	if !job.StartedAt.IsZero() {
		dur = job.FinishedAt.Sub(job.StartedAt)
	}
	switch job.Status {
	case render.StatusSucceeded:
		s.logger.Info("render job succeeded",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempts", job.Attempts),
			zap.Duration("duration", dur))
		s.emit(job, progress.StageJobDone, dur, "")
	case render.StatusSucceededViaFallback:
		s.emit(job, progress.StageJobFallback, dur, "")
	case render.StatusFailed:
		s.emit(job, progress.StageJobError, dur, job.LastError)
	case render.StatusCancelled:
		s.emit(job, progress.StageJobCancelled, dur, job.LastError)
	}
	if e.onComplete != nil {
		e.onComplete(job)
	}
	if s.complete != nil {
		s.complete(job)
	}
	e.handle.finish(job)
}
