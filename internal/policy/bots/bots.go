// Package bots decides which requests are served from the render cache.
package bots

import (
	"net/http"
	"path"
	"strings"
)

// DefaultAgents are user-agent fragments of common search and social crawlers.
var DefaultAgents = []string{
	"googlebot",
	"bingbot",
	"yandex",
	"baiduspider",
	"duckduckbot",
	"slurp",
	"facebookexternalhit",
	"twitterbot",
	"linkedinbot",
	"slackbot",
	"discordbot",
	"whatsapp",
	"applebot",
	"embedly",
	"pinterest",
	"redditbot",
}

// DefaultStaticExtensions are passed straight through to the origin.
var DefaultStaticExtensions = []string{
	".js", ".mjs", ".css", ".map", ".json", ".xml", ".txt",
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".mp4", ".webm", ".mp3", ".wav", ".pdf", ".zip",
}

// Matcher classifies incoming requests.
type Matcher interface {
	IsBot(r *http.Request) bool
	IsStatic(r *http.Request) bool
}

// Config lists the user-agent fragments and static extensions to match.
type Config struct {
	Agents           []string `mapstructure:"agents"`
	StaticExtensions []string `mapstructure:"static_extensions"`
	// EscapedFragment treats ?_escaped_fragment_ requests as crawlers.
	EscapedFragment bool `mapstructure:"escaped_fragment"`
}

// UserAgentMatcher matches case-insensitive user-agent substrings.
type UserAgentMatcher struct {
	agents          []string
	static          map[string]struct{}
	escapedFragment bool
}

// New builds a UserAgentMatcher. Empty lists fall back to the defaults.
func New(cfg Config) *UserAgentMatcher {
	agents := cfg.Agents
	if len(agents) == 0 {
		agents = DefaultAgents
	}
	exts := cfg.StaticExtensions
	if len(exts) == 0 {
		exts = DefaultStaticExtensions
	}
	m := &UserAgentMatcher{
		agents:          make([]string, 0, len(agents)),
		static:          make(map[string]struct{}, len(exts)),
		escapedFragment: cfg.EscapedFragment,
	}
	for _, a := range agents {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			m.agents = append(m.agents, a)
		}
	}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m.static[ext] = struct{}{}
	}
	return m
}

// IsBot reports whether r comes from a crawler.
func (m *UserAgentMatcher) IsBot(r *http.Request) bool {
	if m.escapedFragment && r.URL != nil {
		if _, ok := r.URL.Query()["_escaped_fragment_"]; ok {
			return true
		}
	}
	ua := strings.ToLower(r.UserAgent())
	if ua == "" {
		return false
	}
	for _, a := range m.agents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

// IsStatic reports whether r targets an asset rather than a page.
func (m *UserAgentMatcher) IsStatic(r *http.Request) bool {
	if r.URL == nil {
		return false
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	if ext == "" {
		return false
	}
	_, ok := m.static[ext]
	return ok
}
