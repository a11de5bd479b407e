package fingerprint

import (
	"errors"
	"time"
)

// Defaults for change classification.
const (
	DefaultSizeDeltaThreshold  = 0.25
	DefaultStructuralThreshold = 10
	DefaultWordThreshold       = 50
)

// TTLPolicy maps change classes to cache lifetimes.
type TTLPolicy struct {
	None        time.Duration `mapstructure:"none"`
	Minor       time.Duration `mapstructure:"minor"`
	Significant time.Duration `mapstructure:"significant"`
	Major       time.Duration `mapstructure:"major"`
	ColdStart   time.Duration `mapstructure:"cold_start"`
}

// DefaultTTLPolicy returns the stock lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		None:        7 * 24 * time.Hour,
		Minor:       24 * time.Hour,
		Significant: 6 * time.Hour,
		Major:       time.Hour,
		ColdStart:   time.Hour,
	}
}

// Config controls normalization and classification.
type Config struct {
	// IgnoreElements are dropped (with their subtree) before structural and
	// significant hashing.
	IgnoreElements []string `mapstructure:"ignore_elements"`
	// VolatileAttributes never contribute to the structural skeleton and
	// their values never reach the significant text.
	VolatileAttributes []string `mapstructure:"volatile_attributes"`
	// VolatilePatterns are extra regular expressions replaced in text.
	VolatilePatterns []string `mapstructure:"volatile_patterns"`

	SizeDeltaThreshold  float64   `mapstructure:"size_delta_threshold"`
	StructuralThreshold int       `mapstructure:"structural_threshold"`
	WordThreshold       int       `mapstructure:"word_threshold"`
	TTL                 TTLPolicy `mapstructure:"ttl"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		IgnoreElements: []string{"script", "style", "svg", "canvas", "video", "audio", "noscript", "template"},
		VolatileAttributes: []string{
			"nonce", "data-nonce",
			"csrf", "csrf-token", "csrf_token", "_csrf", "data-csrf", "authenticity_token",
			"session", "session-id", "session_id", "sessionid", "data-session",
			"token", "data-token",
		},
		SizeDeltaThreshold:  DefaultSizeDeltaThreshold,
		StructuralThreshold: DefaultStructuralThreshold,
		WordThreshold:       DefaultWordThreshold,
		TTL:                 DefaultTTLPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IgnoreElements == nil {
		c.IgnoreElements = def.IgnoreElements
	}
	if c.VolatileAttributes == nil {
		c.VolatileAttributes = def.VolatileAttributes
	}
	if c.SizeDeltaThreshold == 0 {
		c.SizeDeltaThreshold = def.SizeDeltaThreshold
	}
	if c.StructuralThreshold == 0 {
		c.StructuralThreshold = def.StructuralThreshold
	}
	if c.WordThreshold == 0 {
		c.WordThreshold = def.WordThreshold
	}
	if c.TTL.None == 0 {
		c.TTL.None = def.TTL.None
	}
	if c.TTL.Minor == 0 {
		c.TTL.Minor = def.TTL.Minor
	}
	if c.TTL.Significant == 0 {
		c.TTL.Significant = def.TTL.Significant
	}
	if c.TTL.Major == 0 {
		c.TTL.Major = def.TTL.Major
	}
	if c.TTL.ColdStart == 0 {
		c.TTL.ColdStart = def.TTL.ColdStart
	}
	return c
}

// Validate reports configuration values that cannot be used.
func (c Config) Validate() error {
	switch {
	case c.SizeDeltaThreshold < 0:
		return errors.New("fingerprint.size_delta_threshold must be >= 0")
	case c.StructuralThreshold < 0:
		return errors.New("fingerprint.structural_threshold must be >= 0")
	case c.WordThreshold < 0:
		return errors.New("fingerprint.word_threshold must be >= 0")
	case c.TTL.None < 0, c.TTL.Minor < 0, c.TTL.Significant < 0, c.TTL.Major < 0, c.TTL.ColdStart < 0:
		return errors.New("fingerprint.ttl values must be >= 0")
	}
	return nil
}
