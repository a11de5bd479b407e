package render

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Priority orders queued jobs. Lower values run first.
type Priority int

// Supported priorities.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a textual priority. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of a Job.
type Status string

// Job statuses.
const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusSucceeded            Status = "succeeded"
	StatusSucceededViaFallback Status = "succeeded_via_fallback"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusSucceededViaFallback, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Viewport is the emulated browser window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Options tune a single render.
type Options struct {
	Timeout            time.Duration `json:"timeout"`
	Viewport           Viewport      `json:"viewport"`
	UserAgent          string        `json:"user_agent,omitempty"`
	BlockResources     bool          `json:"block_resources"`
	BlockedURLPatterns []string      `json:"blocked_url_patterns,omitempty"`
	Headers            http.Header   `json:"headers,omitempty"`
}

// Result is the output of a backend render or a fallback.
type Result struct {
	URL          string        `json:"url"`
	HTML         string        `json:"-"`
	StatusCode   int           `json:"status_code"`
	Headers      http.Header   `json:"-"`
	Duration     time.Duration `json:"duration"`
	FromFallback bool          `json:"from_fallback"`
	RenderedAt   time.Time     `json:"rendered_at"`
}

// Job is a render request tracked by the scheduler.
type Job struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Priority    Priority  `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Status      Status    `json:"status"`
	Options     Options   `json:"options"`
	LastError   string    `json:"last_error,omitempty"`
	Result      *Result   `json:"result,omitempty"`
}

// FallbackFunc supplies content when the backend cannot be reached.
type FallbackFunc func(ctx context.Context, url string) (Result, error)

// Request is the full form of a submission.
type Request struct {
	URL         string
	Options     Options
	Priority    Priority
	MaxAttempts int
	Fallback    FallbackFunc
	// OnComplete runs once the job reaches a terminal status, after its
	// worker slot has been released and before waiters are woken.
	OnComplete func(Job)
}
