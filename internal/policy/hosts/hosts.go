// Package hosts restricts which hosts the renderer may be pointed at. The
// proxy only ever renders the origin, but the ops API and the backlog take
// arbitrary URLs, so they are checked against an allowlist first.
package hosts

import (
	"net/url"
	"strings"
)

// Allowlist stores exact hosts and suffix wildcards derived from configuration.
type Allowlist struct {
	exact    map[string]struct{}
	suffixes []string
}

// New builds an Allowlist. Patterns are exact hosts ("shop.example.com") or
// suffix wildcards ("*.example.com" or ".example.com"); a wildcard also
// matches the bare suffix. It returns nil when no usable pattern is given.
func New(patterns ...string) *Allowlist {
	a := &Allowlist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			a.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			a.addSuffix(strings.TrimPrefix(value, "."))
		default:
			a.exact[value] = struct{}{}
		}
	}
	if len(a.exact) == 0 && len(a.suffixes) == 0 {
		return nil
	}
	return a
}

func (a *Allowlist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range a.suffixes {
		if existing == suffix {
			return
		}
	}
	a.suffixes = append(a.suffixes, suffix)
}

// Contains reports whether host matches an entry. Ports are ignored.
func (a *Allowlist) Contains(host string) bool {
	if a == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	if host == "" {
		return false
	}
	if _, ok := a.exact[host]; ok {
		return true
	}
	for _, suffix := range a.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Permits reports whether rawURL's host is allowed. A nil Allowlist permits
// everything.
func (a *Allowlist) Permits(rawURL string) bool {
	if a == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return a.Contains(u.Hostname())
}

// Patterns returns the configured entries, exact hosts first.
func (a *Allowlist) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.exact)+len(a.suffixes))
	for h := range a.exact {
		out = append(out, h)
	}
	for _, s := range a.suffixes {
		out = append(out, "*."+s)
	}
	return out
}
