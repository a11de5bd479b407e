// Package memory provides an in-process cache.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/cache"
)

// Config controls retention.
type Config struct {
	// StaleFor keeps expired entries around for the fallback path. Zero
	// keeps them until evicted by MaxEntries or deleted.
	StaleFor time.Duration `mapstructure:"stale_for"`
	// MaxEntries bounds the map; the oldest stored entry is evicted first.
	// Zero means unbounded.
	MaxEntries int `mapstructure:"max_entries"`
	// JanitorInterval is how often Run sweeps expired entries.
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// Store keeps entries in a map guarded by a RWMutex.
type Store struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]cache.Entry
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the janitor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs an empty Store.
func New(cfg Config, opts ...Option) *Store {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	s := &Store{
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
		entries: make(map[string]cache.Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key, expired or not.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Set stores entry under key with ttl.
func (s *Store) Set(_ context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	entry.Key = key
	entry.TTL = ttl
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && s.cfg.MaxEntries > 0 && len(s.entries) >= s.cfg.MaxEntries {
		s.evictOldestLocked()
	}
	s.entries[key] = entry
	return nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

// Flush removes everything.
func (s *Store) Flush(context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]cache.Entry)
	s.mu.Unlock()
	return nil
}

// Keys returns all keys in sorted order.
func (s *Store) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Entries returns a copy of all entries ordered by key.
func (s *Store) Entries(context.Context) ([]cache.Entry, error) {
	s.mu.RLock()
	out := make([]cache.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep drops entries that have been expired for longer than StaleFor and
// returns how many were removed. It is a no-op when StaleFor is zero.
func (s *Store) Sweep() int {
	if s.cfg.StaleFor <= 0 {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if now.Sub(e.ExpiresAt()) > s.cfg.StaleFor {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps on JanitorInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("cache janitor removed stale entries", zap.Int("removed", n))
			}
		}
	}
}

func (s *Store) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range s.entries {
		if oldestKey == "" || e.StoredAt.Before(oldest) {
			oldestKey, oldest = k, e.StoredAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
