package headless

import (
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-cache/internal/render"
)

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	b, err := New(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, 2, cap(b.limiter))
	assert.Equal(t, 45*time.Second, b.cfg.NavigationTimeout)

	unlimited, err := New(Config{}, nil)
	require.NoError(t, err)
	defer unlimited.Close()
	assert.Nil(t, unlimited.limiter)
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": {}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	assert.Len(t, src["X-Test"], 2)
	assert.Nil(t, cloneHeader(nil))

	netHeaders := toNetworkHeaders(src)
	assert.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	assert.Equal(t, "1", netHeaders["X-One"])
	assert.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Vary": []interface{}{"a", "b"}},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example.com/frame"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 203, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, []string{"a", "b"}, headers.Values("Vary"))
	assert.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, "https://req", url)
}

func TestResourceBlocker(t *testing.T) {
	t.Parallel()

	rb, err := newResourceBlocker(render.Options{})
	require.NoError(t, err)
	assert.False(t, rb.active())

	rb, err = newResourceBlocker(render.Options{
		BlockResources:     true,
		BlockedURLPatterns: []string{"*google-analytics.com*", "https://cdn.example.com/*.js"},
	})
	require.NoError(t, err)
	assert.True(t, rb.active())

	assert.True(t, rb.shouldBlock(network.ResourceTypeImage, "https://example.com/a.png"))
	assert.True(t, rb.shouldBlock(network.ResourceTypeFont, "https://example.com/a.woff2"))
	assert.False(t, rb.shouldBlock(network.ResourceTypeScript, "https://example.com/app.js"))
	assert.True(t, rb.shouldBlock(network.ResourceTypeScript, "https://www.google-analytics.com/analytics.js"))
	assert.True(t, rb.shouldBlock(network.ResourceTypeScript, "https://cdn.example.com/vendor.js"))
	assert.False(t, rb.shouldBlock(network.ResourceTypeStylesheet, "https://cdn.example.com/site.css"))

	_, err = newResourceBlocker(render.Options{BlockedURLPatterns: []string{"  "}})
	require.Error(t, err)
}

func TestGlobToRegexpEscapesMeta(t *testing.T) {
	t.Parallel()

	re, err := globToRegexp("https://example.com/a?b=*")
	require.NoError(t, err)
	assert.True(t, re.MatchString("https://example.com/a?b=1"))
	assert.False(t, re.MatchString("https://example.com/ab=1"))
}
