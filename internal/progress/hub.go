package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the capacity of the event channel (default 4096).
	BufferSize int `mapstructure:"buffer_size"`
	// MaxBatchEvents flushes once this many events are pending (default 256).
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	// MaxBatchWait flushes a partial batch after this long (default 500ms).
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	// BaseContext is the parent of sink contexts.
	BaseContext context.Context `mapstructure:"-"`
	Logger      *zap.Logger     `mapstructure:"-"`
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub fans events out to sinks in batches. It is safe for concurrent use.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.loop()
	return h
}

// Emit enqueues evt without blocking. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.maybeLogDrops(time.Now())
	}
}

// Dropped reports events discarded due to backpressure since the last
// warning was logged.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) maybeLogDrops(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Close stops intake, flushes what is buffered, closes sinks and waits for
// the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timeout = nil
	}
	flush := func() {
		disarm()
		if len(batch) == 0 {
			return
		}
		h.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents:
				flush()
			case timeout == nil:
				if timer == nil {
					timer = time.NewTimer(h.cfg.MaxBatchWait)
				} else {
					timer.Reset(h.cfg.MaxBatchWait)
				}
				timeout = timer.C
			}
		case <-timeout:
			timeout = nil
			flush()
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
		default:
			for len(batch) > 0 {
				n := min(len(batch), h.cfg.MaxBatchEvents)
				h.deliver(batch[:n])
				batch = batch[n:]
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
