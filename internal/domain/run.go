package domain

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunTimeout RunStatus = "TIMEOUT"
)

// Terminal reports whether no further transition may leave this status.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunTimeout
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunFailed, RunTimeout:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
//
//	PENDING -> RUNNING | FAILED
//	RUNNING -> SUCCESS | FAILED | TIMEOUT
//
// PENDING -> FAILED covers queued runs whose job disappeared or never started.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to == RunSuccess || to == RunFailed || to == RunTimeout
	default:
		return false
	}
}

// Run is one execution attempt of a job.
type Run struct {
	ID           string
	JobID        string
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	ItemsFound   int
	NewItems     int
	ErrorMessage string
	ErrorKind    ErrorKind
	ExecutionLog json.RawMessage
	QueueHandle  string
	Test         bool
}

// Duration is the wall time between start and completion (zero while running).
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
