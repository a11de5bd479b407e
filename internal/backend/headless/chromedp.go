// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/render"
)

// Config controls the behavior of the headless backend.
type Config struct {
	MaxParallel int    `mapstructure:"max_parallel"`
	UserAgent   string `mapstructure:"user_agent"`
	// NavigationTimeout applies when a render carries no timeout of its own.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// SettleDelay waits after the body is ready so late scripts can run.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ExecPath    string        `mapstructure:"exec_path"`
	NoSandbox   bool          `mapstructure:"no_sandbox"`
}

// blockedTypes are skipped when Options.BlockResources is set.
var blockedTypes = map[network.ResourceType]struct{}{
	network.ResourceTypeImage: {},
	network.ResourceTypeFont:  {},
	network.ResourceTypeMedia: {},
}

// Backend implements render.Backend with one browser tab per render.
type Backend struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New starts an exec allocator. Chrome itself is launched lazily on the
// first render.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Backend{
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (b *Backend) Close() {
	b.allocCancel()
}

// Render navigates to url and returns the serialized DOM. Deadline expiry
// maps to render.ErrRenderTimeout; other failures and 5xx document
// responses map to render.ErrBackendFailure.
func (b *Backend) Render(ctx context.Context, url string, opts render.Options) (render.Result, error) {
	if err := b.acquire(ctx); err != nil {
		return render.Result{}, err
	}
	defer b.release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.NavigationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The tab is tied to ctx so cancellation closes it.
	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	blocker, err := newResourceBlocker(opts)
	if err != nil {
		return render.Result{}, err
	}
	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *fetch.EventRequestPaused:
			blocker.handle(taskCtx, e)
		}
	})

	start := time.Now()
	html, finalURL, err := b.run(taskCtx, url, opts, blocker)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return render.Result{}, fmt.Errorf("%w after %s: %w", render.ErrRenderTimeout, timeout, ctx.Err())
			}
			return render.Result{}, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		return render.Result{}, fmt.Errorf("%w: %w", render.ErrBackendFailure, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	res := render.Result{
		URL:        responseURL,
		HTML:       html,
		StatusCode: status,
		Headers:    headers,
		Duration:   time.Since(start),
		RenderedAt: time.Now().UTC(),
	}
	if status >= http.StatusInternalServerError {
		return res, fmt.Errorf("%w: origin returned %d", render.ErrBackendFailure, status)
	}
	b.logger.Debug("headless render complete",
		zap.String("url", url),
		zap.Int("status_code", status),
		zap.Int("bytes", len(html)),
		zap.Int64("blocked", blocker.blockedCount()),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (b *Backend) run(ctx context.Context, url string, opts render.Options, blocker *resourceBlocker) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		b.setupAction(opts, blocker),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (b *Backend) setupAction(opts render.Options, blocker *resourceBlocker) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		ua := opts.UserAgent
		if ua == "" {
			ua = b.cfg.UserAgent
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
			err := emulation.SetDeviceMetricsOverride(int64(opts.Viewport.Width), int64(opts.Viewport.Height), 1, false).Do(ctx)
			if err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if len(opts.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(opts.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if blocker.active() {
			patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
			if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Backend) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// resourceBlocker fails intercepted requests for heavy resource types and
// configured URL patterns.
type resourceBlocker struct {
	types    bool
	patterns []*regexp.Regexp

	mu      sync.Mutex
	blocked int64
}

func newResourceBlocker(opts render.Options) (*resourceBlocker, error) {
	rb := &resourceBlocker{types: opts.BlockResources}
	for _, p := range opts.BlockedURLPatterns {
		re, err := globToRegexp(p)
		if err != nil {
			return nil, fmt.Errorf("blocked url pattern %q: %w", p, err)
		}
		rb.patterns = append(rb.patterns, re)
	}
	return rb, nil
}

func (rb *resourceBlocker) active() bool {
	return rb.types || len(rb.patterns) > 0
}

func (rb *resourceBlocker) shouldBlock(resourceType network.ResourceType, url string) bool {
	if rb.types {
		if _, ok := blockedTypes[resourceType]; ok {
			return true
		}
	}
	for _, re := range rb.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func (rb *resourceBlocker) blockedCount() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.blocked
}

// handle must not block the event loop, so the CDP calls run in their own
// goroutine against the tab's executor.
func (rb *resourceBlocker) handle(ctx context.Context, ev *fetch.EventRequestPaused) {
	url := ""
	if ev.Request != nil {
		url = ev.Request.URL
	}
	block := rb.shouldBlock(ev.ResourceType, url)
	if block {
		rb.mu.Lock()
		rb.blocked++
		rb.mu.Unlock()
	}
	go func() {
		c := chromedp.FromContext(ctx)
		if c == nil || c.Target == nil {
			return
		}
		execCtx := cdp.WithExecutor(ctx, c.Target)
		if block {
			_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			return
		}
		_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
	}()
}

// globToRegexp compiles a pattern where '*' matches any run of characters.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("empty pattern")
	}
	quoted := regexp.QuoteMeta(pattern)
	return regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture records the first document response; redirects and later frames
// do not overwrite it.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
