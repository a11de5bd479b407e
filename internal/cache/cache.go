// Package cache defines rendered-page entries and the Store contract shared
// by the memory, Postgres and GCS implementations.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/render-cache/internal/fingerprint"
)

// ErrInvalidKey is returned when a URL cannot be normalized into a key.
var ErrInvalidKey = errors.New("invalid cache key")

// Entry is one cached render.
type Entry struct {
	Key         string                  `json:"key"`
	URL         string                  `json:"url"`
	HTML        string                  `json:"html"`
	StatusCode  int                     `json:"status_code"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	ChangeType  fingerprint.ChangeType  `json:"change_type"`
	StoredAt    time.Time               `json:"stored_at"`
	TTL         time.Duration           `json:"ttl"`
}

// ExpiresAt is StoredAt plus TTL.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Fresh reports whether e is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// Remaining is the TTL left at now, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	if d := e.ExpiresAt().Sub(now); d > 0 {
		return d
	}
	return 0
}

// ETag returns the entry's validator.
func (e Entry) ETag() string {
	return fingerprint.ETag(e.Fingerprint)
}

// LastModified is the time the content last changed. A "none" change keeps
// the fingerprint's original computation time.
func (e Entry) LastModified() time.Time {
	if !e.Fingerprint.ComputedAt.IsZero() {
		return e.Fingerprint.ComputedAt.UTC().Truncate(time.Second)
	}
	return e.StoredAt.UTC().Truncate(time.Second)
}

// Store persists entries keyed by normalized URL. Get returns expired
// entries too, so stale content stays available as a fallback; callers
// check Fresh.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Entries(ctx context.Context) ([]Entry, error)
}

// Key normalizes rawURL: lowercase scheme and host, default ports dropped,
// fragment removed, query parameters sorted, empty path made "/".
func Key(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidKey, rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	u.RawQuery = sortedQuery(u.RawQuery)
	u.ForceQuery = false
	return u.String(), nil
}

func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}
