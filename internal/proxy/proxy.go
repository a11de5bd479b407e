// Package proxy is the crawler-facing reverse proxy. Browsers, assets and
// non-GET traffic pass straight through to the origin; crawlers are served
// rendered HTML from the cache, re-rendered in the background when stale and
// rendered on demand when missing.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/pipeline"
	"github.com/JakeFAU/render-cache/internal/policy/bots"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
)

// Response headers set on every crawler response.
const (
	HeaderCache = "X-Render-Cache"
	HeaderQueue = "X-Render-Queue"
)

// Values of HeaderCache.
const (
	CacheHit    = "HIT"
	CacheStale  = "STALE"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

const escapedFragment = "_escaped_fragment_"

// Renderer is the pipeline surface the proxy depends on.
type Renderer interface {
	Lookup(ctx context.Context, rawURL string) (cache.Entry, pipeline.Lookup, error)
	Refresh(ctx context.Context, rawURL string) (*scheduler.Handle, error)
	RenderAndWait(ctx context.Context, rawURL string, priority render.Priority) (cache.Entry, render.Job, error)
	Status() pipeline.Status
	Now() time.Time
}

// Config controls the proxy.
type Config struct {
	// Origin is the site being fronted, e.g. https://www.example.com.
	Origin string
	// WaitTimeout bounds how long a crawler waits for an on-demand render
	// before it is served stale content or the origin response.
	WaitTimeout time.Duration
}

// Handler serves proxied traffic.
type Handler struct {
	cfg      Config
	origin   *url.URL
	renderer Renderer
	matcher  bots.Matcher
	upstream http.Handler
	logger   *zap.Logger
	router   chi.Router
}

// Option customizes a Handler.
type Option func(*Handler)

// WithUpstream replaces the origin reverse proxy, mostly for tests.
func WithUpstream(h http.Handler) Option {
	return func(p *Handler) { p.upstream = h }
}

// New validates cfg and builds the proxy handler.
func New(cfg Config, renderer Renderer, matcher bots.Matcher, logger *zap.Logger, opts ...Option) (*Handler, error) {
	if renderer == nil || matcher == nil {
		return nil, errors.New("proxy requires a renderer and a bot matcher")
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute http(s) URL", cfg.Origin)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		cfg:      cfg,
		origin:   origin,
		renderer: renderer,
		matcher:  matcher,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.upstream == nil {
		h.upstream = newReverseProxy(origin, logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.HandleFunc("/*", h.serve)
	h.router = r
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func newReverseProxy(origin *url.URL, logger *zap.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("origin request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	if !h.cacheable(r) {
		h.upstream.ServeHTTP(w, r)
		return
	}
	target := h.targetURL(r)
	ctx := r.Context()

	entry, state, err := h.renderer.Lookup(ctx, target)
	if err != nil {
		h.logger.Warn("cache lookup failed", zap.String("url", target), zap.Error(err))
		state = pipeline.LookupMiss
	}
	switch state {
	case pipeline.LookupHit:
		h.writeEntry(w, r, entry, CacheHit)
		return
	case pipeline.LookupStale:
		h.revalidate(ctx, target)
		h.writeEntry(w, r, entry, CacheStale)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.WaitTimeout)
	defer cancel()
	rendered, job, err := h.renderer.RenderAndWait(waitCtx, target, render.PriorityHigh)
	if err == nil {
		label := CacheMiss
		if job.Status == render.StatusSucceededViaFallback {
			label = CacheStale
		}
		h.writeEntry(w, r, rendered, label)
		return
	}
	h.logger.Info("on-demand render unavailable",
		zap.String("url", target),
		zap.String("job_id", job.ID),
		zap.Error(err))

	// A concurrent render or an older copy may still be usable.
	if entry, state, lerr := h.renderer.Lookup(ctx, target); lerr == nil && state != pipeline.LookupMiss {
		h.writeEntry(w, r, entry, CacheStale)
		return
	}
	h.setQueueHeader(w)
	w.Header().Set(HeaderCache, CacheBypass)
	h.upstream.ServeHTTP(w, r)
}

func (h *Handler) cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return !h.matcher.IsStatic(r) && h.matcher.IsBot(r)
}

// revalidate re-renders a stale page without holding up the response.
func (h *Handler) revalidate(ctx context.Context, target string) {
	if _, err := h.renderer.Refresh(context.WithoutCancel(ctx), target); err != nil {
		h.logger.Debug("background revalidation not submitted",
			zap.String("url", target),
			zap.Error(err))
	}
}

// targetURL maps the request onto the origin, dropping the escaped
// fragment marker so it shares a cache entry with the plain URL.
func (h *Handler) targetURL(r *http.Request) string {
	u := *h.origin
	u.Path = strings.TrimSuffix(h.origin.Path, "/") + r.URL.Path
	u.RawPath = ""
	query := r.URL.Query()
	if _, ok := query[escapedFragment]; ok {
		query.Del(escapedFragment)
		u.RawQuery = query.Encode()
	} else {
		u.RawQuery = r.URL.RawQuery
	}
	u.Fragment = ""
	return u.String()
}

func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, entry cache.Entry, label string) {
	header := w.Header()
	h.setQueueHeader(w)
	header.Set(HeaderCache, label)

	etag := entry.ETag()
	lastModified := entry.LastModified()
	if etag != "" {
		header.Set("ETag", etag)
	}
	if !lastModified.IsZero() {
		header.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	header.Set("Cache-Control", fingerprint.CacheControl(entry.Remaining(h.renderer.Now())))
	header.Set("Vary", "User-Agent")

	if fingerprint.NotModified(r, etag, lastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(entry.HTML)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write([]byte(entry.HTML)); err != nil {
		h.logger.Debug("write rendered response failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

func (h *Handler) setQueueHeader(w http.ResponseWriter) {
	st := h.renderer.Status()
	w.Header().Set(HeaderQueue, fmt.Sprintf("queued=%d;active=%d;circuit=%s",
		st.Scheduler.Queued+st.Scheduler.Delayed, st.Scheduler.Active, st.Circuit))
}
