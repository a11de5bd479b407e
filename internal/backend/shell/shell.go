// Package shell rejects renders that still look like an unhydrated
// single-page-app shell: an empty body, an empty mount element, or a small
// document that is mostly script. Such output is useless to crawlers, so it
// is reported as a backend failure and goes through retry and the breaker
// like any other failed render.
package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/render-cache/internal/render"
)

// Config tunes the heuristics.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// MinBodyBytes is the size under which script density is checked.
	MinBodyBytes int `mapstructure:"min_body_bytes"`
	// MaxScriptPercent is the share of a small document that may be
	// <script> elements before it counts as a shell.
	MaxScriptPercent int `mapstructure:"max_script_percent"`
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{Enabled: true, MinBodyBytes: 2048, MaxScriptPercent: 25}
}

var emptyMounts = []string{
	`<div id="__next"></div>`,
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div data-reactroot=""></div>`,
}

// Guard wraps a Backend and fails shell-like results.
type Guard struct {
	next render.Backend
	cfg  Config
}

// New wraps next. Zero thresholds take their defaults.
func New(next render.Backend, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.MinBodyBytes <= 0 {
		cfg.MinBodyBytes = def.MinBodyBytes
	}
	if cfg.MaxScriptPercent <= 0 || cfg.MaxScriptPercent > 100 {
		cfg.MaxScriptPercent = def.MaxScriptPercent
	}
	return &Guard{next: next, cfg: cfg}
}

// Render delegates to the wrapped backend. Only 2xx results are inspected;
// error pages are left to the pipeline's status handling.
func (g *Guard) Render(ctx context.Context, url string, opts render.Options) (render.Result, error) {
	res, err := g.next.Render(ctx, url, opts)
	if err != nil {
		return res, err
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 && g.IsShell(res.HTML) {
		return res, fmt.Errorf("%w: %s rendered as an empty app shell", render.ErrBackendFailure, url)
	}
	return res, nil
}

// IsShell reports whether doc looks like an app that never rendered.
func (g *Guard) IsShell(doc string) bool {
	lower := strings.ToLower(doc)
	if strings.TrimSpace(bodyOf(lower)) == "" {
		return true
	}
	compact := strings.Join(strings.Fields(lower), "")
	for _, mount := range emptyMounts {
		if strings.Contains(compact, strings.ReplaceAll(mount, " ", "")) && !hasVisibleText(lower) {
			return true
		}
	}
	return len(lower) < g.cfg.MinBodyBytes && scriptPercent(lower) >= g.cfg.MaxScriptPercent
}

// bodyOf returns what sits between <body ...> and </body>, or the whole
// document when it has no body element.
func bodyOf(lower string) string {
	start := strings.Index(lower, "<body")
	if start == -1 {
		return lower
	}
	open := strings.IndexByte(lower[start:], '>')
	if open == -1 {
		return ""
	}
	rest := lower[start+open+1:]
	if end := strings.Index(rest, "</body>"); end != -1 {
		return rest[:end]
	}
	return rest
}

// hasVisibleText reports whether the body holds any text outside tags and
// script or style elements.
func hasVisibleText(lower string) bool {
	body := stripElements(bodyOf(lower), "script")
	body = stripElements(body, "style")
	inTag := false
	for _, r := range body {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag && r > ' ':
			return true
		}
	}
	return false
}

func stripElements(s, tag string) string {
	open, closeTag := "<"+tag, "</"+tag+">"
	var b strings.Builder
	for {
		i := strings.Index(s, open)
		if i == -1 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		j := strings.Index(s[i:], closeTag)
		if j == -1 {
			return b.String()
		}
		s = s[i+j+len(closeTag):]
	}
}

// scriptPercent is the share of lower covered by <script> elements. An
// unterminated script counts to the end of the document.
func scriptPercent(lower string) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		next := total
		if tagEnd := strings.IndexByte(lower[start:], '>'); tagEnd != -1 {
			contentStart := start + tagEnd + 1
			if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
				next = contentStart + end + len(closeTag)
			}
		}
		covered += next - start
		pos = next
		if pos >= total {
			break
		}
	}
	return covered * 100 / total
}
