package model

import "time"

// RunStatus is the lifecycle state of one execution.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) String() string { return string(s) }

// Terminal reports whether no further transition is permitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type statusTransition struct {
	from RunStatus
	to   RunStatus
}

var validTransitions = []statusTransition{
	{from: StatusQueued, to: StatusRunning},
	{from: StatusQueued, to: StatusFailed},    // launch failure, never entered running
	{from: StatusQueued, to: StatusCancelled}, // cancelled while still held
	{from: StatusRunning, to: StatusSucceeded},
	{from: StatusRunning, to: StatusFailed},
	{from: StatusRunning, to: StatusCancelled},
}

// ValidTransition reports whether from -> to is an allowed status change.
func ValidTransition(from, to RunStatus) bool {
	for _, t := range validTransitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

// TriggerOrigin records what requested a run.
type TriggerOrigin string

const (
	OriginScheduled TriggerOrigin = "scheduled"
	OriginManual    TriggerOrigin = "manual"
	OriginAPI       TriggerOrigin = "api"
)

// Run is one execution instance of a job. It is created by run admission,
// mutated only by the status tracker, and immutable once terminal.
type Run struct {
	ID     string        `json:"id"`
	JobID  string        `json:"job_id"`
	Origin TriggerOrigin `json:"origin"`
	Status RunStatus     `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// ExitCode is meaningful only in a terminal status; -1 when the backend
	// never produced one (launch failure, forced cancel).
	ExitCode int `json:"exit_code"`

	// Diagnostic holds the failure reason for failed runs.
	Diagnostic string `json:"diagnostic,omitempty"`

	// Forced marks a run that was failed because cancellation could not be
	// confirmed within the grace period.
	Forced bool `json:"forced,omitempty"`
}

// StatusEvent is published on the event bus after a transition is persisted.
type StatusEvent struct {
	RunID  string    `json:"run_id"`
	JobID  string    `json:"job_id"`
	Status RunStatus `json:"status"`
	At     time.Time `json:"at"`
}
