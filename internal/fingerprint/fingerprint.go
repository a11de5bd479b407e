package fingerprint

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/JakeFAU/render-cache/internal/hash/xxhash"
)

// Hasher turns bytes into a hex digest.
type Hasher interface {
	Sum(data []byte) string
	Name() string
}

// Fingerprint summarizes one rendered document.
type Fingerprint struct {
	FullHash        string    `json:"full_hash"`
	StructuralHash  string    `json:"structural_hash"`
	SignificantHash string    `json:"significant_hash"`
	ContentLength   int       `json:"content_length"`
	ElementCount    int       `json:"element_count"`
	WordCount       int       `json:"word_count"`
	Algorithm       string    `json:"algorithm,omitempty"`
	ComputedAt      time.Time `json:"computed_at"`
}

// SameContent reports whether all three hashes match.
func (f Fingerprint) SameContent(other Fingerprint) bool {
	return f.FullHash == other.FullHash &&
		f.StructuralHash == other.StructuralHash &&
		f.SignificantHash == other.SignificantHash
}

// IsZero reports whether f was never computed.
func (f Fingerprint) IsZero() bool {
	return f.FullHash == "" && f.StructuralHash == "" && f.SignificantHash == ""
}

// Engine computes fingerprints and assessments. It holds no per-document
// state and is safe for concurrent use.
type Engine struct {
	cfg      Config
	hasher   Hasher
	now      func() time.Time
	ignore   map[string]struct{}
	volatile map[string]struct{}
	patterns []volatilePattern
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHasher swaps the digest algorithm.
func WithHasher(h Hasher) Option {
	return func(e *Engine) {
		if h != nil {
			e.hasher = h
		}
	}
}

// WithClock overrides the timestamp source for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an Engine. Zero-valued config fields take their defaults.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		hasher:   xxhash.New(),
		now:      func() time.Time { return time.Now().UTC() },
		ignore:   toSet(cfg.IgnoreElements),
		volatile: toSet(cfg.VolatileAttributes),
		patterns: append([]volatilePattern(nil), builtinPatterns...),
	}
	for _, expr := range cfg.VolatilePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile volatile pattern %q: %w", expr, err)
		}
		e.patterns = append(e.patterns, volatilePattern{re: re, repl: "{{volatile}}"})
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// contentAttributes carry human visible text outside of text nodes.
var contentAttributes = map[string]struct{}{
	"alt":         {},
	"title":       {},
	"content":     {},
	"aria-label":  {},
	"placeholder": {},
}

var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {}, "img": {},
	"input": {}, "link": {}, "meta": {}, "param": {}, "source": {}, "track": {}, "wbr": {},
}

type attr struct {
	key string
	val string
}

// Fingerprint computes the fingerprint of doc. The hashes depend only on doc
// and the engine configuration.
func (e *Engine) Fingerprint(doc string) Fingerprint {
	var (
		structure strings.Builder
		text      strings.Builder
		elements  int
		words     int
		skip      int
	)
	z := html.NewTokenizer(strings.NewReader(doc))
loop:
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			break loop
		case html.DoctypeToken:
			if skip == 0 {
				structure.WriteString("<!doctype>")
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			attrs := readAttrs(z, hasAttr)
			_, ignorable := e.ignore[tag]
			_, void := voidElements[tag]
			opens := tt == html.StartTagToken && !void
			if skip > 0 {
				if ignorable && opens {
					skip++
				}
				continue
			}
			if ignorable {
				if opens {
					skip = 1
				}
				continue
			}
			elements++
			e.writeTag(&structure, tag, attrs)
			words += e.writeAttrText(&text, attrs)
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skip > 0 {
				if _, ok := e.ignore[tag]; ok {
					skip--
				}
				continue
			}
			if _, ok := e.ignore[tag]; ok {
				continue
			}
			structure.WriteString("</")
			structure.WriteString(tag)
			structure.WriteByte('>')
		case html.TextToken:
			if skip > 0 {
				continue
			}
			words += writeWords(&text, e.normalize(string(z.Text())))
		}
	}

	return Fingerprint{
		FullHash:        e.hasher.Sum([]byte(doc)),
		StructuralHash:  e.hasher.Sum([]byte(structure.String())),
		SignificantHash: e.hasher.Sum([]byte(text.String())),
		ContentLength:   len(doc),
		ElementCount:    elements,
		WordCount:       words,
		Algorithm:       e.hasher.Name(),
		ComputedAt:      e.now(),
	}
}

func readAttrs(z *html.Tokenizer, more bool) []attr {
	var attrs []attr
	for more {
		var key, val []byte
		key, val, more = z.TagAttr()
		attrs = append(attrs, attr{key: strings.ToLower(string(key)), val: string(val)})
	}
	return attrs
}

func (e *Engine) writeTag(b *strings.Builder, tag string, attrs []attr) {
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if _, ok := e.volatile[a.key]; ok {
			continue
		}
		names = append(names, a.key)
	}
	sort.Strings(names)
	b.WriteByte('<')
	b.WriteString(tag)
	for _, n := range names {
		b.WriteByte(' ')
		b.WriteString(n)
	}
	b.WriteByte('>')
}

// writeAttrText appends content-bearing attribute values and returns the
// number of words written. Elements naming a volatile field (a csrf meta tag,
// a hidden session input) contribute nothing.
func (e *Engine) writeAttrText(b *strings.Builder, attrs []attr) int {
	for _, a := range attrs {
		if a.key != "name" && a.key != "property" && a.key != "http-equiv" {
			continue
		}
		if _, ok := e.volatile[strings.ToLower(a.val)]; ok {
			return 0
		}
	}
	words := 0
	for _, a := range attrs {
		if _, ok := contentAttributes[a.key]; !ok {
			continue
		}
		words += writeWords(b, e.normalize(a.val))
	}
	return words
}

func writeWords(b *strings.Builder, s string) int {
	fields := strings.Fields(s)
	for _, f := range fields {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
	return len(fields)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
