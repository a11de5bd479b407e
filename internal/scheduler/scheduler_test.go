package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/render"
)

var errCrash = fmt.Errorf("%w: page crashed", render.ErrBackendFailure)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 40 * time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, backend render.Backend, opts ...Option) (*Scheduler, *recordingEmitter) {
	t.Helper()
	brk, err := breaker.New(breaker.Config{FailureThreshold: 1000, MinimumSampleSize: 1000}, zap.NewNop())
	require.NoError(t, err)
	return newTestSchedulerWithBreaker(t, cfg, backend, brk, opts...)
}

func newTestSchedulerWithBreaker(t *testing.T, cfg Config, backend render.Backend, brk *breaker.Breaker, opts ...Option) (*Scheduler, *recordingEmitter) {
	t.Helper()
	em := &recordingEmitter{}
	opts = append([]Option{WithEmitter(em)}, opts...)
	s, err := New(cfg, backend, brk, &seqIDs{}, realClock{}, zap.NewNop(), opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = s.Shutdown(shutdownCtx)
		cancel()
	})
	return s, em
}

func waitJob(t *testing.T, h *Handle) render.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.Wait(ctx)
	require.NoError(t, err)
	return job
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"zero concurrency": func(c *Config) { c.MaxConcurrency = 0 },
		"negative depth":   func(c *Config) { c.MaxQueueDepth = -1 },
		"zero attempts":    func(c *Config) { c.MaxAttempts = 0 },
		"zero timeout":     func(c *Config) { c.DefaultTimeout = 0 },
		"inverted backoff": func(c *Config) { c.BackoffMax = c.BackoffInitial / 2 },
		"no breaker name":  func(c *Config) { c.BreakerName = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSchedulerNeverExceedsConcurrency(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	backend := render.BackendFunc(func(ctx context.Context, url string, _ render.Options) (render.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return render.Result{URL: url, HTML: "<html></html>", StatusCode: 200}, nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 3
	s, _ := newTestScheduler(t, cfg, backend)

	handles := make([]*Handle, 0, 50)
	for i := 0; i < 50; i++ {
		h, err := s.Submit(fmt.Sprintf("https://example.com/p/%d", i), render.Options{}, render.PriorityNormal)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		job := waitJob(t, h)
		assert.Equal(t, render.StatusSucceeded, job.Status)
		assert.Equal(t, 1, job.Attempts)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(50), s.Stats().Completed)
	assert.Zero(t, s.Stats().Active)
}

func TestSchedulerRunsHigherPriorityFirst(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	backend := render.BackendFunc(func(ctx context.Context, url string, _ render.Options) (render.Result, error) {
		if url == "blocker" {
			<-release
		}
		mu.Lock()
		order = append(order, url)
		mu.Unlock()
		return render.Result{StatusCode: 200}, nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	s, _ := newTestScheduler(t, cfg, backend)

	blocker, err := s.Submit("blocker", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Active == 1 }, time.Second, time.Millisecond)

	var handles []*Handle
	for _, sub := range []struct {
		url string
		p   render.Priority
	}{
		{"low-1", render.PriorityLow},
		{"normal-1", render.PriorityNormal},
		{"high-1", render.PriorityHigh},
		{"low-2", render.PriorityLow},
		{"high-2", render.PriorityHigh},
	} {
		h, err := s.Submit(sub.url, render.Options{}, sub.p)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 5, s.Stats().Queued)
	close(release)

	waitJob(t, blocker)
	for _, h := range handles {
		waitJob(t, h)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "high-1", "high-2", "normal-1", "low-1", "low-2"}, order)
}

func TestSchedulerRetriesWithNonDecreasingBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		calls.Add(1)
		return render.Result{}, errCrash
	})
	cfg := testConfig()
	cfg.MaxAttempts = 4
	s, em := newTestScheduler(t, cfg, backend)

	h, err := s.Submit("https://example.com/flaky", render.Options{}, render.PriorityHigh)
	require.NoError(t, err)
	job := waitJob(t, h)

	assert.Equal(t, render.StatusFailed, job.Status)
	assert.Equal(t, 4, job.Attempts)
	assert.Equal(t, int32(4), calls.Load())
	assert.Contains(t, job.LastError, "page crashed")

	retries := em.byStage(progress.StageJobRetry)
	require.Len(t, retries, 3)
	for i := 1; i < len(retries); i++ {
		assert.GreaterOrEqual(t, retries[i].Dur, retries[i-1].Dur)
	}
	assert.Len(t, em.byStage(progress.StageJobError), 1)
	assert.Equal(t, int64(3), s.Stats().Retries)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(50))

	jittered := Backoff{Initial: time.Second, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestSchedulerSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := render.BackendFunc(func(_ context.Context, url string, _ render.Options) (render.Result, error) {
		if calls.Add(1) <= 2 {
			return render.Result{}, errCrash
		}
		return render.Result{HTML: "<p>ok</p>", StatusCode: 200}, nil
	})
	s, _ := newTestScheduler(t, testConfig(), backend)

	h, err := s.Submit("https://example.com/", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	job := waitJob(t, h)

	assert.Equal(t, render.StatusSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.Result)
	assert.Equal(t, "https://example.com/", job.Result.URL)
	assert.Empty(t, job.LastError)
	assert.Equal(t, breaker.StateClosed, s.CircuitState())
}

func TestSchedulerTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := render.BackendFunc(func(ctx context.Context, _ string, _ render.Options) (render.Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return render.Result{}, ctx.Err()
		}
		return render.Result{StatusCode: 200}, nil
	})
	s, _ := newTestScheduler(t, testConfig(), backend)

	h, err := s.Submit("https://example.com/slow", render.Options{Timeout: 10 * time.Millisecond}, render.PriorityNormal)
	require.NoError(t, err)
	job := waitJob(t, h)
	assert.Equal(t, render.StatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestSchedulerOpenCircuitUsesFallback(t *testing.T) {
	t.Parallel()

	brk, err := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	_, _ = brk.Execute(context.Background(), "render", func(context.Context) (any, error) {
		return nil, errors.New("trip")
	}, nil)
	require.Equal(t, breaker.StateOpen, brk.State("render"))

	var calls atomic.Int32
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		calls.Add(1)
		return render.Result{}, nil
	})
	s, em := newTestSchedulerWithBreaker(t, testConfig(), backend, brk)

	h, err := s.SubmitRequest(context.Background(), render.Request{
		URL: "https://example.com/cached",
		Fallback: func(context.Context, string) (render.Result, error) {
			return render.Result{HTML: "<p>stale</p>", StatusCode: 200}, nil
		},
	})
	require.NoError(t, err)
	job := waitJob(t, h)

	assert.Equal(t, render.StatusSucceededViaFallback, job.Status)
	assert.Zero(t, job.Attempts)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.FromFallback)
	assert.Equal(t, "<p>stale</p>", job.Result.HTML)
	assert.Zero(t, calls.Load())
	assert.Len(t, em.byStage(progress.StageJobFallback), 1)

	h, err = s.Submit("https://example.com/uncached", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	job = waitJob(t, h)
	assert.Equal(t, render.StatusFailed, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Contains(t, job.LastError, render.ErrCircuitOpen.Error())

	h, err = s.SubmitRequest(context.Background(), render.Request{
		URL: "https://example.com/missing",
		Fallback: func(context.Context, string) (render.Result, error) {
			return render.Result{}, render.ErrNoCachedContent
		},
	})
	require.NoError(t, err)
	job = waitJob(t, h)
	assert.Equal(t, render.StatusFailed, job.Status)
	assert.Contains(t, job.LastError, render.ErrFallbackExhausted.Error())
	assert.Zero(t, calls.Load())
}

func TestSchedulerCancelQueuedJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := render.BackendFunc(func(ctx context.Context, _ string, _ render.Options) (render.Result, error) {
		<-release
		return render.Result{StatusCode: 200}, nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	s, em := newTestScheduler(t, cfg, backend)

	first, err := s.Submit("first", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	queued, err := s.Submit("second", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Active == 1 }, time.Second, time.Millisecond)

	assert.True(t, s.Cancel(queued.ID()))
	assert.False(t, s.Cancel(queued.ID()))
	job := waitJob(t, queued)
	assert.Equal(t, render.StatusCancelled, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Zero(t, s.Stats().Queued)

	close(release)
	assert.Equal(t, render.StatusSucceeded, waitJob(t, first).Status)
	assert.Len(t, em.byStage(progress.StageJobCancelled), 1)
	assert.False(t, s.Cancel("unknown"))
}

func TestSchedulerCancelRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	backend := render.BackendFunc(func(ctx context.Context, _ string, _ render.Options) (render.Result, error) {
		close(started)
		<-ctx.Done()
		return render.Result{}, ctx.Err()
	})
	s, _ := newTestScheduler(t, testConfig(), backend)

	h, err := s.Submit("https://example.com/hang", render.Options{Timeout: time.Minute}, render.PriorityNormal)
	require.NoError(t, err)
	<-started
	assert.True(t, s.Cancel(h.ID()))

	job := waitJob(t, h)
	assert.Equal(t, render.StatusCancelled, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, breaker.StateClosed, s.CircuitState())
}

// TestSchedulerCancelHoldsSlotUntilBackendReturns uses a backend that ignores
// its context. The cancelled job keeps its slot until the call returns, so
// the next job never runs alongside it.
func TestSchedulerCancelHoldsSlotUntilBackendReturns(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	started := make(chan struct{}, 2)
	backend := render.BackendFunc(func(_ context.Context, url string, _ render.Options) (render.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		time.Sleep(150 * time.Millisecond)
		running.Add(-1)
		return render.Result{URL: url, HTML: "<html></html>", StatusCode: 200}, nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	s, _ := newTestScheduler(t, cfg, backend)

	first, err := s.Submit("https://example.com/a", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	<-started
	time.Sleep(20 * time.Millisecond)
	require.True(t, s.Cancel(first.ID()))
	assert.Equal(t, 1, s.Stats().Active, "slot is held while the call is still running")

	second, err := s.Submit("https://example.com/b", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)

	job := waitJob(t, first)
	assert.Equal(t, render.StatusCancelled, job.Status, "a finished call does not revive a cancelled job")
	assert.Nil(t, job.Result)
	assert.Equal(t, render.StatusSucceeded, waitJob(t, second).Status)
	assert.Equal(t, int32(1), peak.Load())
}

func TestSchedulerRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		<-release
		return render.Result{}, nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.MaxQueueDepth = 2
	s, _ := newTestScheduler(t, cfg, backend)

	_, err := s.Submit("running", render.Options{}, render.PriorityNormal)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Active == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err = s.Submit(fmt.Sprintf("queued-%d", i), render.Options{}, render.PriorityNormal)
		require.NoError(t, err)
	}
	_, err = s.Submit("overflow", render.Options{}, render.PriorityHigh)
	require.ErrorIs(t, err, render.ErrQueueFull)
}

func TestSchedulerHistoryAndCallbacks(t *testing.T) {
	t.Parallel()

	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return render.Result{StatusCode: 200}, nil
	})
	var global atomic.Int32
	cfg := testConfig()
	cfg.HistorySize = 2
	s, _ := newTestScheduler(t, cfg, backend, WithCompletionHook(func(job render.Job) {
		assert.True(t, job.Status.Terminal())
		global.Add(1)
	}))

	var local []string
	var mu sync.Mutex
	var ids []string
	for i := 0; i < 3; i++ {
		h, err := s.SubmitRequest(context.Background(), render.Request{
			URL: fmt.Sprintf("https://example.com/%d", i),
			OnComplete: func(job render.Job) {
				mu.Lock()
				local = append(local, job.ID)
				mu.Unlock()
			},
		})
		require.NoError(t, err)
		waitJob(t, h)
		ids = append(ids, h.ID())
	}

	assert.Equal(t, int32(3), global.Load())
	mu.Lock()
	assert.Equal(t, ids, local)
	mu.Unlock()

	recent := s.History(0)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)

	_, ok := s.Job(ids[0])
	assert.False(t, ok)
	job, ok := s.Job(ids[2])
	require.True(t, ok)
	assert.Equal(t, render.StatusSucceeded, job.Status)
	assert.False(t, job.FinishedAt.Before(job.StartedAt))
}

func TestSchedulerShutdown(t *testing.T) {
	t.Parallel()

	t.Run("drains outstanding work", func(t *testing.T) {
		t.Parallel()
		backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
			time.Sleep(5 * time.Millisecond)
			return render.Result{StatusCode: 200}, nil
		})
		s, _ := newTestScheduler(t, testConfig(), backend)
		var handles []*Handle
		for i := 0; i < 6; i++ {
			h, err := s.Submit(fmt.Sprintf("u%d", i), render.Options{}, render.PriorityLow)
			require.NoError(t, err)
			handles = append(handles, h)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
		for _, h := range handles {
			assert.Equal(t, render.StatusSucceeded, h.Job().Status)
		}
		_, err := s.Submit("late", render.Options{}, render.PriorityHigh)
		require.ErrorIs(t, err, render.ErrSchedulerClosed)
	})

	t.Run("cancels after grace period", func(t *testing.T) {
		t.Parallel()
		backend := render.BackendFunc(func(ctx context.Context, _ string, _ render.Options) (render.Result, error) {
			<-ctx.Done()
			return render.Result{}, ctx.Err()
		})
		cfg := testConfig()
		cfg.MaxConcurrency = 1
		cfg.DefaultTimeout = time.Minute
		s, _ := newTestScheduler(t, cfg, backend)
		running, err := s.Submit("stuck", render.Options{}, render.PriorityNormal)
		require.NoError(t, err)
		queued, err := s.Submit("waiting", render.Options{}, render.PriorityNormal)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return s.Stats().Active == 1 }, time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = s.Shutdown(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, render.StatusCancelled, waitJob(t, running).Status)
		assert.Equal(t, render.StatusCancelled, waitJob(t, queued).Status)
	})
}

// --- fakes ---

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%04d", g.n.Add(1)), nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

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
