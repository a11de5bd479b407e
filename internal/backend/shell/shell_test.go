package shell

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-cache/internal/render"
)

func TestIsShell(t *testing.T) {
	t.Parallel()

	g := New(nil, Config{MinBodyBytes: 1000})
	tests := []struct {
		name string
		doc  string
		want bool
	}{
		{"empty document", "", true},
		{"empty body", "<html><head><title>x</title></head><body>  \n </body></html>", true},
		{"empty next mount", `<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`, true},
		{"empty root mount with whitespace", "<html><body><div id=\"root\">\n</div></body></html>", true},
		{"script heavy", `<html><body><script>window.__STATE__={"a":1,"b":2,"c":3};</script><p>t</p></body></html>`, true},
		{"hydrated app", `<html><body><div id="root"></div><main><h1>Widgets</h1><p>In stock</p></main></body></html>`, false},
		{"plain page", `<html><body><h1>Hello crawler</h1><p>Some real content lives here.</p></body></html>`, false},
		{"no body element", `<h1>fragment</h1>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, g.IsShell(tt.doc))
		})
	}
}

func TestIsShellLargeDocumentsSkipDensity(t *testing.T) {
	t.Parallel()

	g := New(nil, Config{MinBodyBytes: 100})
	doc := "<html><body><p>ok</p><script>" + strings.Repeat("x", 500) + "</script></body></html>"
	assert.False(t, g.IsShell(doc))
}

func TestScriptPercent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, scriptPercent("<p>no scripts</p>"))
	assert.Equal(t, 100, scriptPercent("<script>unterminated"))
	assert.Equal(t, 50, scriptPercent("<script></script>"+strings.Repeat("a", 17)))
}

func TestGuardRender(t *testing.T) {
	t.Parallel()

	result := render.Result{StatusCode: 200}
	var backendErr error
	backend := render.BackendFunc(func(context.Context, string, render.Options) (render.Result, error) {
		return result, backendErr
	})
	g := New(backend, Config{Enabled: true})
	ctx := context.Background()

	result.HTML = `<html><body><h1>Rendered</h1></body></html>`
	_, err := g.Render(ctx, "https://example.com/", render.Options{})
	require.NoError(t, err)

	result.HTML = `<html><body><div id="app"></div></body></html>`
	_, err = g.Render(ctx, "https://example.com/", render.Options{})
	require.ErrorIs(t, err, render.ErrBackendFailure)
	assert.True(t, render.IsRetryable(err))

	result.StatusCode = 404
	_, err = g.Render(ctx, "https://example.com/missing", render.Options{})
	require.NoError(t, err, "error statuses are not inspected")

	backendErr = errors.New("chrome crashed")
	_, err = g.Render(ctx, "https://example.com/", render.Options{})
	require.EqualError(t, err, "chrome crashed")
}
