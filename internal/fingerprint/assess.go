package fingerprint

import (
	"fmt"
	"time"
)

// ChangeType grades the difference between two renders of a page.
type ChangeType string

// Change classes, from most to least stable.
const (
	ChangeNone        ChangeType = "none"
	ChangeMinor       ChangeType = "minor"
	ChangeSignificant ChangeType = "significant"
	ChangeMajor       ChangeType = "major"
)

// Assessment is the outcome of comparing a fresh fingerprint with the
// previous one.
type Assessment struct {
	ChangeType      ChangeType    `json:"change_type"`
	StructuralDelta int           `json:"structural_delta"`
	WordDelta       int           `json:"word_delta"`
	SizeDeltaRatio  float64       `json:"size_delta_ratio"`
	ColdStart       bool          `json:"cold_start"`
	MaxAge          time.Duration `json:"max_age"`
	CacheControl    string        `json:"cache_control"`
}

// Assess classifies current against previous. A nil previous is a cold
// start: classified major, flagged ColdStart and given the cold start TTL.
// currentHTML, when non-empty, supplies the current length; otherwise the
// fingerprint's ContentLength is used.
func (e *Engine) Assess(previous *Fingerprint, current Fingerprint, currentHTML string) Assessment {
	if previous == nil || previous.IsZero() {
		return e.withTTL(Assessment{ChangeType: ChangeMajor, ColdStart: true})
	}

	length := current.ContentLength
	if currentHTML != "" {
		length = len(currentHTML)
	}
	a := Assessment{
		StructuralDelta: abs(current.ElementCount - previous.ElementCount),
		WordDelta:       abs(current.WordCount - previous.WordCount),
		SizeDeltaRatio:  sizeDelta(previous.ContentLength, length),
	}

	switch {
	case previous.SameContent(current):
		a.ChangeType = ChangeNone
	case a.SizeDeltaRatio > e.cfg.SizeDeltaThreshold:
		a.ChangeType = ChangeMajor
	case a.StructuralDelta >= e.cfg.StructuralThreshold || a.WordDelta >= e.cfg.WordThreshold:
		a.ChangeType = ChangeSignificant
	default:
		a.ChangeType = ChangeMinor
	}
	return e.withTTL(a)
}

// Evaluate fingerprints doc and assesses it against previous in one call.
func (e *Engine) Evaluate(previous *Fingerprint, doc string) (Fingerprint, Assessment) {
	fp := e.Fingerprint(doc)
	return fp, e.Assess(previous, fp, doc)
}

// MaxAge returns the lifetime for a change class.
func (e *Engine) MaxAge(ct ChangeType, coldStart bool) time.Duration {
	if coldStart {
		return e.cfg.TTL.ColdStart
	}
	switch ct {
	case ChangeNone:
		return e.cfg.TTL.None
	case ChangeMinor:
		return e.cfg.TTL.Minor
	case ChangeSignificant:
		return e.cfg.TTL.Significant
	default:
		return e.cfg.TTL.Major
	}
}

func (e *Engine) withTTL(a Assessment) Assessment {
	a.MaxAge = e.MaxAge(a.ChangeType, a.ColdStart)
	a.CacheControl = CacheControl(a.MaxAge)
	return a
}

// CacheControl renders a public Cache-Control value for maxAge.
func CacheControl(maxAge time.Duration) string {
	if maxAge < 0 {
		maxAge = 0
	}
	return fmt.Sprintf("public, max-age=%d", int64(maxAge/time.Second))
}

func sizeDelta(prev, cur int) float64 {
	if prev == cur {
		return 0
	}
	base := prev
	if base < 1 {
		base = 1
	}
	return float64(abs(cur-prev)) / float64(base)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
