// Package static fetches unrendered HTML with colly. It serves as the
// render backend when headless rendering is disabled.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/render-cache/internal/render"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// MaxBodySize caps the response body in bytes. Zero keeps colly's default.
	MaxBodySize int `mapstructure:"max_body_size"`
}

// Backend implements render.Backend using the Colly collector.
type Backend struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Backend.
func New(cfg Config) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	return &Backend{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Render executes a single GET. 5xx responses are returned alongside
// render.ErrBackendFailure.
func (b *Backend) Render(ctx context.Context, url string, opts render.Options) (render.Result, error) {
	var (
		result   render.Result
		fetchErr error
	)
	start := time.Now()
	collector := b.buildCollector(opts, start, &result, &fetchErr)

	if err := b.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return render.Result{}, err
	}
	if result.StatusCode >= http.StatusInternalServerError {
		return result, fmt.Errorf("%w: origin returned %d", render.ErrBackendFailure, result.StatusCode)
	}
	return result, nil
}

func (b *Backend) buildCollector(
	opts render.Options,
	start time.Time,
	result *render.Result,
	fetchErr *error,
) *colly.Collector {
	collector := b.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.UserAgent = b.cfg.UserAgent
	if opts.UserAgent != "" {
		collector.UserAgent = opts.UserAgent
	}
	timeout := b.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	collector.SetRequestTimeout(timeout)
	b.configureCollectorHooks(collector, opts.Headers, start, result, fetchErr)
	return collector
}

func (b *Backend) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	result *render.Result,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var h http.Header
		if r.Headers != nil {
			h = r.Headers.Clone()
		}
		*result = render.Result{
			URL:        r.Request.URL.String(),
			HTML:       string(r.Body),
			StatusCode: r.StatusCode,
			Headers:    h,
			Duration:   time.Since(start),
			RenderedAt: time.Now().UTC(),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (b *Backend) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", render.ErrRenderTimeout, ctx.Err())
		}
		return fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: colly visit failed: %w", render.ErrBackendFailure, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("%w: colly response failed: %w", render.ErrBackendFailure, *fetchErr)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
