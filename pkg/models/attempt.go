package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the lifecycle state of a single task attempt.
type AttemptStatus string

const (
	PendingAttemptStatus   AttemptStatus = "PENDING"
	RunningAttemptStatus   AttemptStatus = "RUNNING"
	SucceededAttemptStatus AttemptStatus = "SUCCEEDED"
	FailedAttemptStatus    AttemptStatus = "FAILED"
	TimedOutAttemptStatus  AttemptStatus = "TIMED_OUT"
)

// Terminal reports whether the attempt has finished, one way or another.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case SucceededAttemptStatus, FailedAttemptStatus, TimedOutAttemptStatus:
		return true
	}
	return false
}

// TaskAttempt records one execution attempt of one task within a run.
// Attempt numbering starts at 1 and increments on every retry. The
// record is created as PENDING when the attempt is dispatched, moves to
// RUNNING when a worker picks it up, and ends in exactly one terminal
// status. ErrorDetail holds the handler error or timeout description
// for failed and timed out attempts.
type TaskAttempt struct {
	RunID       uuid.UUID     `json:"run_id" db:"run_id"`
	TaskName    string        `json:"task_name" db:"task_name"`
	Attempt     int           `json:"attempt" db:"attempt"`
	Status      AttemptStatus `json:"status" db:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	ErrorDetail string        `json:"error,omitempty" db:"error_detail"`
}
