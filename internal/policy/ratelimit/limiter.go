// Package ratelimit implements per-host token buckets that gate how often a
// host's pages may be submitted for rendering.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/render-cache/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the refill rate per host. Zero or less disables limiting.
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	// Hosts overrides the rate for specific hostnames.
	Hosts map[string]float64 `mapstructure:"hosts"`
	// IdleTTL drops buckets not used for this long during Prune.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	defaultRate  rate.Limit
	defaultBurst int
	hosts        map[string]rate.Limit
	idleTTL      time.Duration
	now          func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	hosts := make(map[string]rate.Limit, len(cfg.Hosts))
	for h, rps := range cfg.Hosts {
		lim := rate.Limit(rps)
		if rps <= 0 {
			lim = rate.Inf
		}
		hosts[strings.ToLower(h)] = lim
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Limiter{
		buckets:      make(map[string]*bucket),
		defaultRate:  r,
		defaultBurst: burst,
		hosts:        hosts,
		idleTTL:      idle,
		now:          time.Now,
	}
}

// Allow reports whether a render for rawURL may be admitted now, consuming
// a token if so. Rejections are counted per host.
func (l *Limiter) Allow(rawURL string) bool {
	if l.bucket(rawURL).Allow() {
		return true
	}
	metrics.ObserveRateLimited(rawURL)
	return false
}

// Wait blocks until a token is available for rawURL's host or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if err := l.bucket(rawURL).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Prune drops buckets idle for longer than IdleTTL and returns how many.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for host, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, host)
			removed++
		}
	}
	return removed
}

// Hosts returns the number of tracked buckets.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(rawURL string) *rate.Limiter {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		r, override := l.hosts[host]
		if !override {
			r = l.defaultRate
		}
		b = &bucket{limiter: rate.NewLimiter(r, l.defaultBurst)}
		l.buckets[host] = b
	}
	b.lastUsed = l.now()
	return b.limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
