package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	SucceededRunStatus RunStatus = "SUCCEEDED"
	FailedRunStatus    RunStatus = "FAILED"
	CancelledRunStatus RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case SucceededRunStatus, FailedRunStatus, CancelledRunStatus:
		return true
	}
	return false
}

// Params carries the key/value inputs a run was started with. They are
// passed unchanged to every task handler of the run.
type Params map[string]string

func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *Params) Scan(src interface{}) error {
	if src == nil {
		*p = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return errors.Errorf("unsupported params column type %T", src)
	}
	return json.Unmarshal(b, p)
}

// WorkflowRun is one execution of a workflow definition. It pins the
// exact definition version it was started against; later registrations
// under the same name never affect it.
//
// CancelRequested is a latch, not a status: it is set by a cancellation
// request and consulted before every dispatch, while Status only moves
// to CancelledRunStatus once in-flight work has drained.
type WorkflowRun struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	DefinitionName    string     `json:"definition_name" db:"definition_name"`
	DefinitionVersion int        `json:"definition_version" db:"definition_version"`
	Status            RunStatus  `json:"status" db:"status"`
	Params            Params     `json:"params,omitempty" db:"params"`
	FailFast          bool       `json:"fail_fast,omitempty" db:"fail_fast"`
	CancelRequested   bool       `json:"cancel_requested,omitempty" db:"cancel_requested"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
