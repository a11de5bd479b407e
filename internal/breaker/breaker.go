package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/metrics"
)

// Errors returned by Execute.
var (
	// ErrOpen means the call was rejected without invoking the operation.
	ErrOpen = errors.New("circuit open")
	// ErrTimeout means the operation exceeded TimeoutThreshold. It is always
	// joined with context.DeadlineExceeded.
	ErrTimeout = errors.New("circuit call timed out")
	// ErrFallbackExhausted wraps the primary cause and the fallback's error.
	ErrFallbackExhausted = errors.New("fallback exhausted")
)

// Config controls trip and recovery behavior.
type Config struct {
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	SuccessThreshold      int           `mapstructure:"success_threshold"`
	ErrorThresholdPercent float64       `mapstructure:"error_threshold_percent"`
	MinimumSampleSize     int           `mapstructure:"minimum_sample_size"`
	ResetTimeout          time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls      int           `mapstructure:"half_open_max_calls"`
	TimeoutThreshold      time.Duration `mapstructure:"timeout_threshold"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:      5,
		SuccessThreshold:      2,
		ErrorThresholdPercent: 50,
		MinimumSampleSize:     10,
		ResetTimeout:          30 * time.Second,
		HalfOpenMaxCalls:      1,
		TimeoutThreshold:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ErrorThresholdPercent == 0 {
		c.ErrorThresholdPercent = def.ErrorThresholdPercent
	}
	if c.MinimumSampleSize == 0 {
		c.MinimumSampleSize = def.MinimumSampleSize
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.TimeoutThreshold == 0 {
		c.TimeoutThreshold = def.TimeoutThreshold
	}
	return c
}

// Validate reports unusable values.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return errors.New("breaker.failure_threshold must be > 0")
	case c.SuccessThreshold < 1:
		return errors.New("breaker.success_threshold must be > 0")
	case c.ErrorThresholdPercent <= 0 || c.ErrorThresholdPercent > 100:
		return errors.New("breaker.error_threshold_percent must be in (0, 100]")
	case c.MinimumSampleSize < 1:
		return errors.New("breaker.minimum_sample_size must be > 0")
	case c.ResetTimeout <= 0:
		return errors.New("breaker.reset_timeout must be > 0")
	case c.HalfOpenMaxCalls < 1:
		return errors.New("breaker.half_open_max_calls must be > 0")
	case c.TimeoutThreshold <= 0:
		return errors.New("breaker.timeout_threshold must be > 0")
	}
	return nil
}

// Operation is the guarded call.
type Operation func(ctx context.Context) (any, error)

// Fallback supplies a substitute result. cause is the rejection or failure.
type Fallback func(ctx context.Context, cause error) (any, error)

// Outcome describes how a call resolved.
type Outcome struct {
	Success      bool
	Value        any
	Err          error
	StateAfter   State
	FallbackUsed bool
}

// StateChangeFunc observes transitions. It runs outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

type transition struct {
	name     string
	from, to State
}

// Breaker is a registry of circuits keyed by operation name.
type Breaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
	hooks    []StateChangeFunc
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New builds a Breaker. Zero-valued config fields take their defaults.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Breaker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// OnStateChange registers a transition observer.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Execute runs op under the named circuit. When the circuit rejects the call
// or op fails, fallback (if any) is invoked with the cause and its result
// replaces the primary's. Caller cancellation is not recorded as a failure.
func (b *Breaker) Execute(ctx context.Context, name string, op Operation, fallback Fallback) (Outcome, error) {
	gen, err := b.admit(name)
	if err != nil {
		return b.runFallback(ctx, name, err, fallback)
	}

	value, opErr := b.call(ctx, op)
	var state State
	switch {
	case opErr == nil:
		state = b.record(name, gen, true)
		return Outcome{Success: true, Value: value, StateAfter: state}, nil
	case ctx.Err() != nil && !errors.Is(opErr, ErrTimeout):
		state = b.release(name, gen)
		return Outcome{Err: opErr, StateAfter: state}, opErr
	default:
		b.record(name, gen, false)
	}
	return b.runFallback(ctx, name, opErr, fallback)
}

// Do is Execute for typed operations.
func Do[T any](
	ctx context.Context,
	b *Breaker,
	name string,
	op func(context.Context) (T, error),
	fallback func(context.Context, error) (T, error),
) (T, Outcome, error) {
	var fb Fallback
	if fallback != nil {
		fb = func(ctx context.Context, cause error) (any, error) {
			return fallback(ctx, cause)
		}
	}
	out, err := b.Execute(ctx, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, fb)
	var zero T
	if err != nil {
		return zero, out, err
	}
	v, _ := out.Value.(T)
	return v, out, nil
}

// call runs op and waits for it to return. Caller cancellation is passed to
// op through its context but does not release the caller early: only
// TimeoutThreshold abandons an operation that ignores its context.
func (b *Breaker) call(ctx context.Context, op Operation) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.TimeoutThreshold)
	defer cancel()
	timer := time.NewTimer(b.cfg.TimeoutThreshold)
	defer timer.Stop()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, err := op(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, b.cfg.TimeoutThreshold, context.DeadlineExceeded)
	}
}

func (b *Breaker) runFallback(ctx context.Context, name string, cause error, fallback Fallback) (Outcome, error) {
	state := b.State(name)
	if fallback == nil {
		return Outcome{Err: cause, StateAfter: state}, cause
	}
	value, err := fallback(ctx, cause)
	if err != nil {
		combined := fmt.Errorf("%w: %w", ErrFallbackExhausted, errors.Join(cause, err))
		return Outcome{Err: combined, StateAfter: state, FallbackUsed: true}, combined
	}
	return Outcome{Success: true, Value: value, StateAfter: state, FallbackUsed: true}, nil
}

// admit decides whether a call may proceed and returns the circuit
// generation it was admitted under.
func (b *Breaker) admit(name string) (uint64, error) {
	b.mu.Lock()
	c := b.circuitLocked(name)
	now := b.now()
	var changes []transition
	if c.state == StateOpen {
		if now.Before(c.nextRetryAt) {
			c.rejections++
			wait := c.nextRetryAt.Sub(now)
			b.mu.Unlock()
			metrics.ObserveBreakerRejection(name)
			return 0, fmt.Errorf("%w: %s (retry in %s)", ErrOpen, name, wait.Round(time.Millisecond))
		}
		changes = append(changes, b.transitionLocked(c, StateHalfOpen, now))
	}
	if c.state == StateHalfOpen {
		if c.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			c.rejections++
			b.mu.Unlock()
			b.fire(changes)
			metrics.ObserveBreakerRejection(name)
			return 0, fmt.Errorf("%w: %s (half-open trial in progress)", ErrOpen, name)
		}
		c.halfOpenInFlight++
		c.halfOpenTrials++
	}
	gen := c.generation
	b.mu.Unlock()
	b.fire(changes)
	return gen, nil
}

func (b *Breaker) record(name string, gen uint64, success bool) State {
	b.mu.Lock()
	c := b.circuitLocked(name)
	now := b.now()
	if success {
		c.lastSuccessAt = now
	} else {
		c.lastFailureAt = now
	}
	if gen != c.generation {
		state := c.state
		b.mu.Unlock()
		return state
	}

	c.total++
	var changes []transition
	if success {
		c.successes++
		c.consecutiveSuccesses++
		c.consecutiveFailures = 0
		if c.state == StateHalfOpen {
			c.halfOpenInFlight--
			if c.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				changes = append(changes, b.transitionLocked(c, StateClosed, now))
			}
		}
	} else {
		c.failures++
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
		switch c.state {
		case StateHalfOpen:
			c.halfOpenInFlight--
			changes = append(changes, b.transitionLocked(c, StateOpen, now))
		case StateClosed:
			if b.shouldTripLocked(c) {
				changes = append(changes, b.transitionLocked(c, StateOpen, now))
			}
		}
	}
	state := c.state
	b.mu.Unlock()
	b.fire(changes)
	return state
}

// release frees a half-open slot for a call whose caller went away.
func (b *Breaker) release(name string, gen uint64) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(name)
	if gen == c.generation && c.state == StateHalfOpen && c.halfOpenInFlight > 0 {
		c.halfOpenInFlight--
	}
	return c.state
}

func (b *Breaker) shouldTripLocked(c *circuit) bool {
	if c.consecutiveFailures >= b.cfg.FailureThreshold {
		return true
	}
	return c.total >= int64(b.cfg.MinimumSampleSize) && c.failureRate() >= b.cfg.ErrorThresholdPercent
}

func (b *Breaker) transitionLocked(c *circuit, to State, now time.Time) transition {
	from := c.state
	c.state = to
	c.generation++
	c.stateChangedAt = now
	c.halfOpenInFlight = 0
	switch to {
	case StateOpen:
		c.nextRetryAt = now.Add(b.cfg.ResetTimeout)
		c.consecutiveSuccesses = 0
	case StateHalfOpen:
		c.halfOpenTrials = 0
		c.consecutiveSuccesses = 0
		c.consecutiveFailures = 0
	case StateClosed:
		c.resetCounters()
		c.nextRetryAt = time.Time{}
	}
	return transition{name: c.name, from: from, to: to}
}

func (b *Breaker) fire(changes []transition) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	hooks := append([]StateChangeFunc(nil), b.hooks...)
	b.mu.Unlock()
	for _, t := range changes {
		fields := []zap.Field{
			zap.String("circuit", t.name),
			zap.String("from", t.from.String()),
			zap.String("to", t.to.String()),
		}
		if t.to == StateOpen {
			b.logger.Warn("circuit opened", fields...)
		} else {
			b.logger.Info("circuit state changed", fields...)
		}
		metrics.SetBreakerState(t.name, int(t.to))
		metrics.ObserveBreakerTransition(t.name, t.from.String(), t.to.String())
		for _, hook := range hooks {
			hook(t.name, t.from, t.to)
		}
	}
}

func (b *Breaker) circuitLocked(name string) *circuit {
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{name: name, state: StateClosed, stateChangedAt: b.now()}
		b.circuits[name] = c
	}
	return c
}

// State returns the current state of name. Unknown names are CLOSED.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[name]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns a copy of the named circuit.
func (b *Breaker) Snapshot(name string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[name]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Snapshots returns every circuit sorted by name.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	out := make([]Snapshot, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, c.snapshot())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces the named circuit back to CLOSED with empty counters.
// It reports false when the circuit does not exist.
func (b *Breaker) Reset(name string) bool {
	b.mu.Lock()
	c, ok := b.circuits[name]
	var changes []transition
	if ok {
		c.rejections = 0
		if c.state != StateClosed {
			changes = append(changes, b.transitionLocked(c, StateClosed, b.now()))
		} else {
			c.resetCounters()
		}
	}
	b.mu.Unlock()
	b.fire(changes)
	return ok
}

// ResetAll resets every known circuit.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	b.mu.Unlock()
	for _, name := range names {
		b.Reset(name)
	}
}
