package fingerprint

import "regexp"

type volatilePattern struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: timestamps before bare digit runs.
var builtinPatterns = []volatilePattern{
	{
		re:   regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?`),
		repl: "{{timestamp}}",
	},
	{
		re:   regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`),
		repl: "{{uuid}}",
	},
	{
		re:   regexp.MustCompile(`\b\d{13}\b`),
		repl: "{{epoch}}",
	},
	{
		re:   regexp.MustCompile(`(?i)\b(nonce|csrf[_-]?token|csrf|session[_-]?id|auth[_-]?token|token)(\s*[:=]\s*)["']?[A-Za-z0-9+/_.=-]{6,}["']?`),
		repl: "${1}${2}{{token}}",
	},
}

func (e *Engine) normalize(s string) string {
	for _, p := range e.patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
