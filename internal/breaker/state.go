package breaker

import "time"

// State is the position of a circuit.
type State int

// Circuit states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time copy of a circuit.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	Successes            int64     `json:"successes"`
	Failures             int64     `json:"failures"`
	TotalRequests        int64     `json:"total_requests"`
	Rejections           int64     `json:"rejections"`
	FailureRate          float64   `json:"failure_rate"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	StateChangedAt       time.Time `json:"state_changed_at"`
	NextRetryAt          time.Time `json:"next_retry_at,omitempty"`
	HalfOpenTrialCount   int       `json:"half_open_trial_count"`
}

// circuit is guarded by Breaker.mu.
type circuit struct {
	name  string
	state State
	// generation changes on every transition so outcomes of calls admitted
	// under an earlier state cannot drive the current one.
	generation uint64

	consecutiveFailures  int
	consecutiveSuccesses int
	successes            int64
	failures             int64
	total                int64
	rejections           int64

	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	stateChangedAt time.Time
	nextRetryAt    time.Time

	halfOpenInFlight int
	halfOpenTrials   int
}

func (c *circuit) failureRate() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.failures) / float64(c.total) * 100
}

func (c *circuit) snapshot() Snapshot {
	snap := Snapshot{
		Name:                 c.name,
		State:                c.state,
		ConsecutiveFailures:  c.consecutiveFailures,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		Successes:            c.successes,
		Failures:             c.failures,
		TotalRequests:        c.total,
		Rejections:           c.rejections,
		FailureRate:          c.failureRate(),
		LastFailureAt:        c.lastFailureAt,
		LastSuccessAt:        c.lastSuccessAt,
		StateChangedAt:       c.stateChangedAt,
		HalfOpenTrialCount:   c.halfOpenTrials,
	}
	if c.state == StateOpen {
		snap.NextRetryAt = c.nextRetryAt
	}
	return snap
}

func (c *circuit) resetCounters() {
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.successes = 0
	c.failures = 0
	c.total = 0
	c.halfOpenInFlight = 0
	c.halfOpenTrials = 0
}
