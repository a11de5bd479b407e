// Package pipeline glues the render scheduler to the fingerprint engine and
// the cache store: it submits renders with a stale-cache fallback and, when
// a render succeeds, classifies the change and writes the entry with the
// TTL that classification earns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
)

var (
	// ErrRateLimited is returned when the URL's host has exhausted its
	// render budget.
	ErrRateLimited = errors.New("render rate limited")
	// ErrHostNotAllowed is returned for URLs outside the render allowlist.
	ErrHostNotAllowed = errors.New("host not allowed")
	// ErrRenderFailed wraps the last error of a job that ended failed.
	ErrRenderFailed = errors.New("render failed")
)

// Scheduler is the subset of *scheduler.Scheduler the pipeline drives.
type Scheduler interface {
	SubmitRequest(ctx context.Context, req render.Request) (*scheduler.Handle, error)
	Stats() scheduler.Stats
	CircuitState() breaker.State
}

// Limiter gates submissions per host.
type Limiter interface {
	Allow(rawURL string) bool
}

// HostPolicy decides which URLs may be rendered at all.
type HostPolicy interface {
	Permits(rawURL string) bool
}

// Config tunes the pipeline.
type Config struct {
	// Options are applied to every submitted render.
	Options render.Options
	// CacheErrorStatuses stores non-2xx renders with the major-change TTL
	// instead of skipping them.
	CacheErrorStatuses bool
	// RevalidatePriority is used for background refreshes of stale entries.
	RevalidatePriority render.Priority
	// WriteTimeout bounds cache reads and writes made from the completion
	// path.
	WriteTimeout time.Duration
}

// Lookup classifies a cache read.
type Lookup string

// Lookup outcomes.
const (
	LookupHit   Lookup = "hit"
	LookupStale Lookup = "stale"
	LookupMiss  Lookup = "miss"
)

// Status is a point-in-time view for the ops API and response headers.
type Status struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Circuit   string          `json:"circuit"`
	InFlight  int             `json:"in_flight"`
}

// Service is the render pipeline.
type Service struct {
	cfg     Config
	sched   Scheduler
	store   cache.Store
	engine  *fingerprint.Engine
	limiter Limiter
	hosts   HostPolicy
	clock   render.Clock
	logger  *zap.Logger
	emitter progress.Emitter

	mu       sync.Mutex
	inflight map[string]*scheduler.Handle
}

// Option customizes a Service.
type Option func(*Service)

// WithLimiter enables per-host admission limits.
func WithLimiter(l Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithHostPolicy rejects URLs the policy does not permit.
func WithHostPolicy(p HostPolicy) Option {
	return func(s *Service) { s.hosts = p }
}

// WithEmitter reports CACHE_WRITE events.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithClock overrides the time source used for StoredAt and freshness.
func WithClock(c render.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New wires a Service.
func New(
	cfg Config,
	sched Scheduler,
	store cache.Store,
	engine *fingerprint.Engine,
	logger *zap.Logger,
	opts ...Option,
) (*Service, error) {
	if sched == nil || store == nil || engine == nil {
		return nil, errors.New("pipeline requires scheduler, cache store and fingerprint engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Service{
		cfg:      cfg,
		sched:    sched,
		store:    store,
		engine:   engine,
		clock:    systemClock{},
		logger:   logger,
		inflight: make(map[string]*scheduler.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Render submits rawURL for rendering. A render already in flight for the
// same cache key is joined instead of duplicated.
func (s *Service) Render(ctx context.Context, rawURL string, priority render.Priority) (*scheduler.Handle, error) {
	key, err := cache.Key(rawURL)
	if err != nil {
		return nil, err
	}
	if s.hosts != nil && !s.hosts.Permits(key) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.inflight[key]; ok {
		return h, nil
	}
	if s.limiter != nil && !s.limiter.Allow(key) {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, key)
	}
	h, err := s.sched.SubmitRequest(ctx, render.Request{
		URL:      rawURL,
		Options:  s.cfg.Options,
		Priority: priority,
		Fallback: s.staleFallback(key),
		OnComplete: func(job render.Job) {
			s.complete(key, job)
		},
	})
	if err != nil {
		return nil, err
	}
	s.inflight[key] = h
	return h, nil
}

// Refresh re-renders rawURL at the revalidation priority.
func (s *Service) Refresh(ctx context.Context, rawURL string) (*scheduler.Handle, error) {
	return s.Render(ctx, rawURL, s.cfg.RevalidatePriority)
}

// RenderAndWait renders rawURL and waits for the outcome. On success or
// fallback it returns the entry now held for the URL.
func (s *Service) RenderAndWait(ctx context.Context, rawURL string, priority render.Priority) (cache.Entry, render.Job, error) {
	h, err := s.Render(ctx, rawURL, priority)
	if err != nil {
		return cache.Entry{}, render.Job{}, err
	}
	job, err := h.Wait(ctx)
	if err != nil {
		return cache.Entry{}, job, err
	}
	switch job.Status {
	case render.StatusSucceeded, render.StatusSucceededViaFallback:
	case render.StatusCancelled:
		return cache.Entry{}, job, render.ErrJobCancelled
	default:
		return cache.Entry{}, job, fmt.Errorf("%w: %s", ErrRenderFailed, job.LastError)
	}

	key, _ := cache.Key(rawURL)
	entry, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read after render failed", zap.String("url", rawURL), zap.Error(err))
	}
	if ok && job.Result != nil && entry.HTML == job.Result.HTML {
		return entry, job, nil
	}
	// Renders that were not stored (error statuses) are served as-is.
	res := job.Result
	if res == nil {
		return cache.Entry{}, job, fmt.Errorf("%w: job %s has no result", ErrRenderFailed, job.ID)
	}
	return cache.Entry{
		Key:        key,
		URL:        job.URL,
		HTML:       res.HTML,
		StatusCode: res.StatusCode,
		StoredAt:   s.clock.Now(),
	}, job, nil
}

// Lookup reads the entry for rawURL and classifies it.
func (s *Service) Lookup(ctx context.Context, rawURL string) (cache.Entry, Lookup, error) {
	key, err := cache.Key(rawURL)
	if err != nil {
		return cache.Entry{}, LookupMiss, err
	}
	entry, ok, err := s.store.Get(ctx, key)
	if err != nil {
		metrics.ObserveCacheLookup("error")
		return cache.Entry{}, LookupMiss, fmt.Errorf("cache get: %w", err)
	}
	result := LookupMiss
	switch {
	case !ok:
	case entry.Fresh(s.clock.Now()):
		result = LookupHit
	default:
		result = LookupStale
	}
	metrics.ObserveCacheLookup(string(result))
	return entry, result, nil
}

// Invalidate removes the entry for rawURL.
func (s *Service) Invalidate(ctx context.Context, rawURL string) (bool, error) {
	key, err := cache.Key(rawURL)
	if err != nil {
		return false, err
	}
	deleted, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	if deleted {
		s.logger.Info("cache entry invalidated", zap.String("url", key))
	}
	return deleted, nil
}

// Status reports scheduler stats, circuit state and de-duplicated renders.
func (s *Service) Status() Status {
	s.mu.Lock()
	inflight := len(s.inflight)
	s.mu.Unlock()
	return Status{
		Scheduler: s.sched.Stats(),
		Circuit:   s.sched.CircuitState().String(),
		InFlight:  inflight,
	}
}

// Now exposes the pipeline clock so HTTP handlers agree on freshness.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

func (s *Service) staleFallback(key string) render.FallbackFunc {
	return func(ctx context.Context, rawURL string) (render.Result, error) {
		entry, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return render.Result{}, fmt.Errorf("read stale entry: %w", err)
		}
		if !ok {
			return render.Result{}, render.ErrNoCachedContent
		}
		s.logger.Info("serving stale entry for open circuit",
			zap.String("url", rawURL),
			zap.Time("stored_at", entry.StoredAt))
		return render.Result{
			URL:          rawURL,
			HTML:         entry.HTML,
			StatusCode:   entry.StatusCode,
			FromFallback: true,
			RenderedAt:   entry.StoredAt,
		}, nil
	}
}

// complete runs once per job, after its slot is released.
func (s *Service) complete(key string, job render.Job) {
	defer func() {
		s.mu.Lock()
		if h, ok := s.inflight[key]; ok && h.ID() == job.ID {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
	}()
	if job.Status != render.StatusSucceeded || job.Result == nil {
		return
	}
	res := job.Result
	success := res.StatusCode >= 200 && res.StatusCode < 300
	if !success && !s.cfg.CacheErrorStatuses {
		s.logger.Info("not caching error status",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("status_code", res.StatusCode))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	var previous *fingerprint.Fingerprint
	prev, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("previous entry unavailable; treating as cold start", zap.String("url", key), zap.Error(err))
	} else if ok && !prev.Fingerprint.IsZero() {
		previous = &prev.Fingerprint
	}

	fp, assessment := s.engine.Evaluate(previous, res.HTML)
	ttl := assessment.MaxAge
	if !success {
		ttl = s.engine.MaxAge(fingerprint.ChangeMajor, false)
	}
	if assessment.ChangeType == fingerprint.ChangeNone && previous != nil {
		fp.ComputedAt = previous.ComputedAt
	}
	entry := cache.Entry{
		Key:         key,
		URL:         job.URL,
		HTML:        res.HTML,
		StatusCode:  res.StatusCode,
		Fingerprint: fp,
		ChangeType:  assessment.ChangeType,
		StoredAt:    s.clock.Now(),
	}
	if err := s.store.Set(ctx, key, entry, ttl); err != nil {
		s.logger.Error("cache write failed", zap.String("job_id", job.ID), zap.String("url", key), zap.Error(err))
		return
	}
	metrics.ObserveContentChange(string(assessment.ChangeType))
	s.logger.Info("cache entry written",
		zap.String("job_id", job.ID),
		zap.String("url", key),
		zap.String("change_type", string(assessment.ChangeType)),
		zap.Bool("cold_start", assessment.ColdStart),
		zap.Duration("ttl", ttl))
	if s.emitter != nil {
		s.emitter.Emit(progress.Event{
			JobID:      job.ID,
			TS:         s.clock.Now(),
			Stage:      progress.StageCacheWrite,
			URL:        job.URL,
			Priority:   job.Priority.String(),
			Attempt:    job.Attempts,
			StatusCode: res.StatusCode,
			ChangeType: string(assessment.ChangeType),
			Note:       "ttl=" + ttl.String(),
		})
	}
}
