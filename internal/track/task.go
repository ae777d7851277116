package track

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// CodeTaskNotFound is the error code the evaluation engine reports when it
// has no record of a task id. Unlike every other fetch failure it is
// terminal: the task will never come back.
const CodeTaskNotFound = "TASK_NOT_FOUND"

// Active reports whether a task in this status should be polled.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning:
		return true
	default:
		return false
	}
}

// Terminal reports whether this status is absorbing. Once a task is
// terminal no later report may revert it.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StageTiming is one entry of the engine's per-stage wall-clock breakdown.
type StageTiming struct {
	Stage   string  `json:"stage"`
	Seconds float64 `json:"seconds"`
}

type Progress struct {
	Mode           string        `json:"mode,omitempty"`
	ProcessedCount int           `json:"processed_count"`
	TotalCount     int           `json:"total_count"`
	Percent        float64       `json:"percent"`
	Message        string        `json:"message,omitempty"`
	Warning        string        `json:"warning,omitempty"`
	StageTimings   []StageTiming `json:"stage_timings,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Task is the last known state of one server-executed computation. It is
// only ever replaced wholesale with a freshly fetched document, never
// field-edited in place.
type Task struct {
	ID        string          `json:"task_id"`
	Status    Status          `json:"status"`
	Progress  Progress        `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Progress.StageTimings != nil {
		out.Progress.StageTimings = make([]StageTiming, len(t.Progress.StageTimings))
		copy(out.Progress.StageTimings, t.Progress.StageTimings)
	}
	if t.Result != nil {
		out.Result = make(json.RawMessage, len(t.Result))
		copy(out.Result, t.Result)
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

func (t Task) Active() bool {
	return t.Status.Active()
}

// recency is the timestamp retention and reselection order by: the last
// update if the engine reported one, otherwise the start time.
func (t Task) recency() time.Time {
	if !t.Progress.UpdatedAt.IsZero() {
		return t.Progress.UpdatedAt
	}
	return t.Progress.StartedAt
}
