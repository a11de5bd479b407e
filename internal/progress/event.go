package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageJobQueued    Stage = "JOB_QUEUED"
	StageJobStart     Stage = "JOB_START"
	StageJobRetry     Stage = "JOB_RETRY"
	StageJobDone      Stage = "JOB_DONE"
	StageJobFallback  Stage = "JOB_FALLBACK"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StageCacheWrite   Stage = "CACHE_WRITE"
)

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobFallback, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}

// Event captures one step of a render job.
type Event struct {
	// JobID is the scheduler-assigned job identifier.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the page being rendered; it should not contain credentials.
	URL      string
	Priority string
	// Attempt is the number of backend attempts made so far.
	Attempt    int
	StatusCode int
	// ChangeType is set on CACHE_WRITE events.
	ChangeType string
	// Dur is the render latency on completion events and the backoff delay
	// on JOB_RETRY.
	Dur time.Duration
	// Note carries low-volume context such as the last error.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobDone, StageJobFallback, StageJobError, StageJobCancelled:
	case StageJobRetry:
		if e.Dur <= 0 {
			return errors.New("job retry requires a backoff duration")
		}
	case StageCacheWrite:
		if e.ChangeType == "" {
			return errors.New("cache write requires change type")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
