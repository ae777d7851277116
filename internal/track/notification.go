package track

import "time"

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one user-facing message about a task. The watcher emits
// exactly one per terminal transition and throttles warnings; sinks only
// display, they never decide.
type Notification struct {
	ID       string    `json:"id"`
	Severity Severity  `json:"severity"`
	Feature  string    `json:"feature"`
	TaskID   string    `json:"task_id"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

type Notifier interface {
	Notify(n Notification)
}
