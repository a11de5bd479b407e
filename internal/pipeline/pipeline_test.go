package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/cache/memory"
	"github.com/JakeFAU/render-cache/internal/clock/system"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
	"github.com/JakeFAU/render-cache/internal/id/uuid"
	"github.com/JakeFAU/render-cache/internal/policy/hosts"
	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
)

const page = `<html><head><title>Shop</title></head><body><h1>Widgets</h1><p>Buy the best widgets in town today.</p></body></html>`

type harness struct {
	svc     *Service
	sched   *scheduler.Scheduler
	breaker *breaker.Breaker
	store   *memory.Store
	engine  *fingerprint.Engine
	events  *recordingEmitter
}

func newHarness(t *testing.T, backend render.Backend, brk *breaker.Breaker, opts ...Option) *harness {
	t.Helper()
	if brk == nil {
		var err error
		brk, err = breaker.New(breaker.DefaultConfig(), zap.NewNop())
		require.NoError(t, err)
	}
	cfg := scheduler.DefaultConfig()
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 4 * time.Millisecond
	sched, err := scheduler.New(cfg, backend, brk, uuid.New(), system.New(), zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = sched.Shutdown(shutdownCtx)
		cancel()
	})

	engine, err := fingerprint.New(fingerprint.DefaultConfig())
	require.NoError(t, err)
	store := memory.New(memory.Config{})
	events := &recordingEmitter{}
	opts = append([]Option{WithEmitter(events)}, opts...)
	svc, err := New(Config{Options: render.Options{Timeout: time.Second}}, sched, store, engine, zap.NewNop(), opts...)
	require.NoError(t, err)
	return &harness{svc: svc, sched: sched, breaker: brk, store: store, engine: engine, events: events}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRenderRetriesThenCachesWithColdStartTTL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		if calls.Add(1) <= 2 {
			return render.Result{}, fmt.Errorf("%w: navigation failed", render.ErrBackendFailure)
		}
		return render.Result{HTML: page, StatusCode: 200}, nil
	})
	h := newHarness(t, backend, nil)
	ctx := waitCtx(t)

	entry, job, err := h.svc.RenderAndWait(ctx, "https://shop.example.com/widgets", render.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, render.StatusSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, breaker.StateClosed, h.breaker.State("render"))

	assert.Equal(t, fingerprint.ChangeMajor, entry.ChangeType)
	assert.Equal(t, fingerprint.DefaultTTLPolicy().ColdStart, entry.TTL)
	assert.Equal(t, page, entry.HTML)
	assert.NotEmpty(t, entry.ETag())

	writes := h.events.byStage(progress.StageCacheWrite)
	require.Len(t, writes, 1)
	assert.Equal(t, "major", writes[0].ChangeType)

	// Same content again: unchanged, longest TTL, Last-Modified kept.
	again, job, err := h.svc.RenderAndWait(ctx, "https://shop.example.com/widgets", render.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, fingerprint.ChangeNone, again.ChangeType)
	assert.Equal(t, fingerprint.DefaultTTLPolicy().None, again.TTL)
	assert.Equal(t, entry.LastModified(), again.LastModified())
	assert.Equal(t, entry.ETag(), again.ETag())
}

// TestLastModifiedTracksContentChanges checks that Last-Modified is the time
// the content last changed while StoredAt follows every write.
func TestLastModifiedTracksContentChanges(t *testing.T) {
	t.Parallel()

	var body atomic.Value
	body.Store(page)
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{HTML: body.Load().(string), StatusCode: 200}, nil
	})
	clk := &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHarness(t, backend, nil, WithClock(clk))
	ctx := waitCtx(t)
	const url = "https://shop.example.com/lastmod"

	first, _, err := h.svc.RenderAndWait(ctx, url, render.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, first.StoredAt.Equal(clk.Now()))

	clk.advance(time.Hour)
	unchanged, _, err := h.svc.RenderAndWait(ctx, url, render.PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, fingerprint.ChangeNone, unchanged.ChangeType)
	assert.True(t, unchanged.StoredAt.Equal(first.StoredAt.Add(time.Hour)), "every write moves StoredAt")
	assert.True(t, unchanged.Fingerprint.ComputedAt.Equal(first.Fingerprint.ComputedAt))
	assert.Equal(t, first.LastModified(), unchanged.LastModified())

	body.Store(strings.Replace(page, "best widgets", "finest widgets", 1))
	changed, _, err := h.svc.RenderAndWait(ctx, url, render.PriorityHigh)
	require.NoError(t, err)
	assert.NotEqual(t, fingerprint.ChangeNone, changed.ChangeType)
	assert.False(t, changed.Fingerprint.ComputedAt.Before(first.Fingerprint.ComputedAt))
	assert.NotEqual(t, first.ETag(), changed.ETag())
}

func TestOpenCircuitServesStaleWithoutBackend(t *testing.T) {
	t.Parallel()

	brk, err := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	_, _ = brk.Execute(context.Background(), "render", func(context.Context) (any, error) {
		return nil, errors.New("down")
	}, nil)
	require.Equal(t, breaker.StateOpen, brk.State("render"))

	var calls atomic.Int32
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		calls.Add(1)
		return render.Result{HTML: "fresh", StatusCode: 200}, nil
	})
	h := newHarness(t, backend, brk)
	ctx := waitCtx(t)

	storedAt := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, h.store.Set(ctx, "https://shop.example.com/old", cache.Entry{
		URL:        "https://shop.example.com/old",
		HTML:       "<p>stale</p>",
		StatusCode: 200,
		StoredAt:   storedAt,
	}, time.Hour))

	entry, job, err := h.svc.RenderAndWait(ctx, "https://shop.example.com/old", render.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, render.StatusSucceededViaFallback, job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.FromFallback)
	assert.Equal(t, "<p>stale</p>", entry.HTML)
	assert.Equal(t, storedAt, entry.StoredAt, "fallback content is not rewritten")
	assert.Zero(t, calls.Load())
	assert.Empty(t, h.events.byStage(progress.StageCacheWrite))

	_, _, err = h.svc.RenderAndWait(ctx, "https://shop.example.com/never-seen", render.PriorityNormal)
	require.ErrorIs(t, err, ErrRenderFailed)
	assert.Zero(t, calls.Load())
}

func TestRenderDeduplicatesInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		calls.Add(1)
		<-release
		return render.Result{HTML: page, StatusCode: 200}, nil
	})
	h := newHarness(t, backend, nil)
	ctx := waitCtx(t)

	first, err := h.svc.Render(ctx, "https://Shop.example.com/a?y=2&x=1", render.PriorityNormal)
	require.NoError(t, err)
	second, err := h.svc.Render(ctx, "https://shop.example.com/a?x=1&y=2#reviews", render.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, 1, h.svc.Status().InFlight)

	close(release)
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, h.svc.Status().InFlight)

	third, err := h.svc.Render(ctx, "https://shop.example.com/a?x=1&y=2", render.PriorityNormal)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), third.ID())
	_, err = third.Wait(ctx)
	require.NoError(t, err)
}

func TestErrorStatusesAreNotCachedByDefault(t *testing.T) {
	t.Parallel()

	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{HTML: "<h1>Not found</h1>", StatusCode: 404}, nil
	})
	h := newHarness(t, backend, nil)
	ctx := waitCtx(t)

	entry, job, err := h.svc.RenderAndWait(ctx, "https://shop.example.com/missing", render.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, render.StatusSucceeded, job.Status)
	assert.Equal(t, 404, entry.StatusCode)
	assert.Zero(t, h.store.Len())
}

func TestErrorStatusesCachedWithMajorTTLWhenEnabled(t *testing.T) {
	t.Parallel()

	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{HTML: "<h1>Gone</h1>", StatusCode: 410}, nil
	})
	h := newHarness(t, backend, nil)
	h.svc.cfg.CacheErrorStatuses = true
	ctx := waitCtx(t)

	entry, _, err := h.svc.RenderAndWait(ctx, "https://shop.example.com/gone", render.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 410, entry.StatusCode)
	assert.Equal(t, fingerprint.DefaultTTLPolicy().Major, entry.TTL)
}

func TestLookupAndInvalidate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{}, nil
	}), nil)
	ctx := waitCtx(t)

	_, result, err := h.svc.Lookup(ctx, "https://shop.example.com/")
	require.NoError(t, err)
	assert.Equal(t, LookupMiss, result)

	require.NoError(t, h.store.Set(ctx, "https://shop.example.com/", cache.Entry{HTML: "fresh"}, time.Hour))
	require.NoError(t, h.store.Set(ctx, "https://shop.example.com/old", cache.Entry{
		HTML:     "old",
		StoredAt: time.Now().UTC().Add(-2 * time.Hour),
	}, time.Hour))

	entry, result, err := h.svc.Lookup(ctx, "HTTPS://shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, LookupHit, result)
	assert.Equal(t, "fresh", entry.HTML)

	_, result, err = h.svc.Lookup(ctx, "https://shop.example.com/old")
	require.NoError(t, err)
	assert.Equal(t, LookupStale, result)

	deleted, err := h.svc.Invalidate(ctx, "https://shop.example.com/old")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, result, err = h.svc.Lookup(ctx, "https://shop.example.com/old")
	require.NoError(t, err)
	assert.Equal(t, LookupMiss, result)

	_, _, err = h.svc.Lookup(ctx, "not a url")
	require.ErrorIs(t, err, cache.ErrInvalidKey)
}

func TestRenderRateLimited(t *testing.T) {
	t.Parallel()

	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{HTML: page, StatusCode: 200}, nil
	})
	h := newHarness(t, backend, nil, WithLimiter(denyHost("blocked.example.com")))
	ctx := waitCtx(t)

	_, err := h.svc.Render(ctx, "https://blocked.example.com/", render.PriorityNormal)
	require.ErrorIs(t, err, ErrRateLimited)

	hd, err := h.svc.Render(ctx, "https://open.example.com/", render.PriorityNormal)
	require.NoError(t, err)
	_, err = hd.Wait(ctx)
	require.NoError(t, err)
}

func TestRenderRejectsHostsOutsidePolicy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		calls.Add(1)
		return render.Result{HTML: page, StatusCode: 200}, nil
	})
	h := newHarness(t, backend, nil, WithHostPolicy(hosts.New("shop.example.com")))
	ctx := waitCtx(t)

	_, err := h.svc.Render(ctx, "http://169.254.169.254/latest/meta-data", render.PriorityHigh)
	require.ErrorIs(t, err, ErrHostNotAllowed)
	assert.Zero(t, calls.Load())

	hd, err := h.svc.Render(ctx, "https://shop.example.com/", render.PriorityNormal)
	require.NoError(t, err)
	_, err = hd.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStatusReportsCircuit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{}, nil
	}), nil)
	st := h.svc.Status()
	assert.Equal(t, "CLOSED", st.Circuit)
	assert.Equal(t, 3, st.Scheduler.MaxConcurrency)
}

// --- fakes ---

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type denyHost string

func (d denyHost) Allow(rawURL string) bool {
	return rawURL != "https://"+string(d)+"/"
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) byStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}
