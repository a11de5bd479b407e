package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/render"
)

// Config controls pool size, retries and bookkeeping.
type Config struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxQueueDepth  int           `mapstructure:"max_queue_depth"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
	HistorySize    int           `mapstructure:"history_size"`
	// BreakerName is the circuit every render attempt runs under.
	BreakerName string `mapstructure:"breaker_name"`
}

// DefaultConfig returns the stock pool settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 3,
		MaxAttempts:    3,
		DefaultTimeout: 30 * time.Second,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		HistorySize:    1000,
		BreakerName:    "render",
	}
}

// Validate reports unusable values.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return errors.New("scheduler.max_concurrency must be > 0")
	case c.MaxQueueDepth < 0:
		return errors.New("scheduler.max_queue_depth must be >= 0")
	case c.MaxAttempts < 1:
		return errors.New("scheduler.max_attempts must be > 0")
	case c.DefaultTimeout <= 0:
		return errors.New("scheduler.default_timeout must be > 0")
	case c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial:
		return errors.New("scheduler.backoff_initial must be > 0 and <= backoff_max")
	case c.HistorySize < 0:
		return errors.New("scheduler.history_size must be >= 0")
	case c.BreakerName == "":
		return errors.New("scheduler.breaker_name is required")
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Queued         int   `json:"queued"`
	Delayed        int   `json:"delayed"`
	Active         int   `json:"active"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Cancelled      int64 `json:"cancelled"`
	Fallbacks      int64 `json:"fallbacks"`
	Retries        int64 `json:"retries"`
	MaxConcurrency int   `json:"max_concurrency"`
}

type entry struct {
	job        render.Job
	seq        uint64
	index      int
	queue      queueKind
	fallback   render.FallbackFunc
	onComplete func(render.Job)
	handle     *Handle
	cancel     context.CancelFunc
	cancelled  bool
}

// Scheduler owns every job from submission to its terminal status.
type Scheduler struct {
	cfg      Config
	backoff  Backoff
	backend  render.Backend
	breaker  *breaker.Breaker
	ids      render.IDGenerator
	clock    render.Clock
	logger   *zap.Logger
	emitter  progress.Emitter
	tracer   trace.Tracer
	complete func(render.Job)

	// base is the parent of every job context; forced shutdown cancels it.
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	ready   readyQueue
	delayed delayQueue
	entries map[string]*entry
	active  int
	seq     uint64
	closed  bool
	drained chan struct{}
	history *history
	stats   Stats

	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once
	workers sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithEmitter reports lifecycle events.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithCompletionHook runs fn for every job reaching a terminal status,
// after any per-request OnComplete.
func WithCompletionHook(fn func(render.Job)) Option {
	return func(s *Scheduler) { s.complete = fn }
}

// WithTracer overrides the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New builds a Scheduler. Call Run to start dispatching.
func New(
	cfg Config,
	backend render.Backend,
	brk *breaker.Breaker,
	ids render.IDGenerator,
	clock render.Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil || brk == nil || ids == nil || clock == nil {
		return nil, errors.New("scheduler requires backend, breaker, id generator and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		backoff:    Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Jitter: cfg.BackoffJitter},
		backend:    backend,
		breaker:    brk,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer("github.com/JakeFAU/render-cache/internal/scheduler"),
		base:       base,
		cancelBase: cancel,
		entries:    make(map[string]*entry),
		drained:    make(chan struct{}),
		history:    newHistory(cfg.HistorySize),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	s.stats.MaxConcurrency = cfg.MaxConcurrency
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit queues a render with default attempts and no fallback.
func (s *Scheduler) Submit(url string, opts render.Options, priority render.Priority) (*Handle, error) {
	return s.SubmitRequest(context.Background(), render.Request{URL: url, Options: opts, Priority: priority})
}

// SubmitRequest queues req. It returns as soon as the job is admitted.
func (s *Scheduler) SubmitRequest(ctx context.Context, req render.Request) (*Handle, error) {
	if req.URL == "" {
		return nil, errors.New("render url is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submit canceled: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("assign job id: %w", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	opts := req.Options
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, render.ErrSchedulerClosed
	}
	if s.cfg.MaxQueueDepth > 0 && s.ready.Len()+s.delayed.Len() >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d jobs waiting", render.ErrQueueFull, s.cfg.MaxQueueDepth)
	}
	now := s.clock.Now()
	s.seq++
	e := &entry{
		job: render.Job{
			ID:          id,
			URL:         req.URL,
			Priority:    req.Priority,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
			ScheduledAt: now,
			Status:      render.StatusPending,
			Options:     opts,
		},
		seq:        s.seq,
		index:      notQueued,
		fallback:   req.Fallback,
		onComplete: req.OnComplete,
	}
	e.handle = newHandle(id, s)
	s.entries[id] = e
	heap.Push(&s.ready, e)
	s.publishGaugesLocked()
	job := e.job
	s.mu.Unlock()

	s.logger.Debug("render job queued",
		zap.String("job_id", id),
		zap.String("url", req.URL),
		zap.Stringer("priority", req.Priority))
	s.emit(job, progress.StageJobQueued, 0, "")
	s.signal()
	return e.handle, nil
}

// Run dispatches jobs until ctx is done or Shutdown completes.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		if wait, ok := s.dispatch(); ok {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatch promotes due delayed jobs, fills free slots and reports how long
// until the next delayed job becomes eligible.
func (s *Scheduler) dispatch() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for s.delayed.Len() > 0 && !s.delayed[0].job.ScheduledAt.After(now) {
		e := heap.Pop(&s.delayed).(*entry)
		heap.Push(&s.ready, e)
	}
	for s.active < s.cfg.MaxConcurrency && s.ready.Len() > 0 {
		e := heap.Pop(&s.ready).(*entry)
		s.startLocked(e, now)
	}
	s.publishGaugesLocked()
	if s.delayed.Len() == 0 {
		return 0, false
	}
	return s.delayed[0].job.ScheduledAt.Sub(now), true
}

func (s *Scheduler) startLocked(e *entry, now time.Time) {
	ctx, cancel := context.WithCancel(s.base)
	e.cancel = cancel
	e.job.Status = render.StatusRunning
	e.job.StartedAt = now
	s.active++
	s.workers.Add(1)
	job := e.job
	go func() {
		defer s.workers.Done()
		s.emit(job, progress.StageJobStart, 0, "")
		s.execute(ctx, e, job)
	}()
}

// Cancel stops a queued or running job. Queued jobs finish immediately;
// running ones are cancelled cooperatively and recorded as cancelled when
// the attempt returns.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok || e.cancelled {
		s.mu.Unlock()
		return false
	}
	e.cancelled = true
	if s.removeQueued(e) {
		e.job.Status = render.StatusCancelled
		e.job.LastError = render.ErrJobCancelled.Error()
		done := s.retireLocked(e)
		s.mu.Unlock()
		s.logger.Info("render job cancelled while queued", zap.String("job_id", jobID))
		done()
		return true
	}
	if e.cancel != nil {
		e.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("render job cancellation requested", zap.String("job_id", jobID))
	return true
}

// Job returns a snapshot of an active or recently finished job.
func (s *Scheduler) Job(jobID string) (render.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[jobID]; ok {
		return e.job, true
	}
	return s.history.get(jobID)
}

// History returns up to limit finished jobs, newest first.
func (s *Scheduler) History(limit int) []render.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.recent(limit)
}

// Stats returns queue depths and lifetime counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = s.ready.Len()
	st.Delayed = s.delayed.Len()
	st.Active = s.active
	return st
}

// CircuitState reports the state of the render circuit.
func (s *Scheduler) CircuitState() breaker.State {
	return s.breaker.State(s.cfg.BreakerName)
}

// Shutdown stops admission and waits for outstanding jobs until ctx is
// done. Whatever remains is then cancelled and ctx's error returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.checkDrainedLocked()
	}
	s.mu.Unlock()
	s.signal()

	var err error
	select {
	case <-s.drained:
	case <-ctx.Done():
		err = fmt.Errorf("scheduler shutdown: %w", ctx.Err())
		s.forceCancel()
	}
	s.workers.Wait()
	s.stopped.Do(func() { close(s.stop) })
	s.cancelBase()
	return err
}

func (s *Scheduler) forceCancel() {
	s.mu.Lock()
	var finished []func()
	for _, e := range s.entries {
		e.cancelled = true
		if s.removeQueued(e) {
			e.job.Status = render.StatusCancelled
			e.job.LastError = render.ErrJobCancelled.Error()
			finished = append(finished, s.retireLocked(e))
		}
	}
	s.mu.Unlock()
	s.cancelBase()
	for _, done := range finished {
		done()
	}
	s.logger.Warn("scheduler shutdown grace period expired; remaining jobs cancelled")
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) checkDrainedLocked() {
	if !s.closed || len(s.entries) > 0 {
		return
	}
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

func (s *Scheduler) publishGaugesLocked() {
	metrics.SetQueueDepth(s.ready.Len(), s.delayed.Len())
	metrics.SetActiveRenders(s.active)
}

func (s *Scheduler) emit(job render.Job, stage progress.Stage, dur time.Duration, note string) {
	if s.emitter == nil {
		return
	}
	evt := progress.Event{
		JobID:    job.ID,
		TS:       s.clock.Now(),
		Stage:    stage,
		URL:      job.URL,
		Priority: job.Priority.String(),
		Attempt:  job.Attempts,
		Dur:      dur,
		Note:     note,
	}
	if job.Result != nil {
		evt.StatusCode = job.Result.StatusCode
	}
	s.emitter.Emit(evt)
}
