// Package storage defines the persistence contract of the workflow
// engine. Implementations must make every method atomic with respect
// to concurrent callers; the engine relies on that for its dispatch
// and cancellation guarantees.
package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write loses to the current state of a
// record: duplicate definition versions, dispatch against a cancelled
// or terminal run, purging a live run, double-finishing an attempt.
var ErrConflict = errors.New("conflict")

// RunFilter narrows ListRuns. Zero values match everything.
// CompletedBefore matches only runs that completed before the given
// instant, which restricts the result to terminal runs.
type RunFilter struct {
	DefinitionName  string
	Status          models.RunStatus
	CompletedBefore time.Time
	Limit           int
}

// Store persists workflow definitions, runs and task attempts.
type Store interface {
	// SaveDefinition stores a new definition version. It returns
	// ErrConflict if the (name, version) pair already exists;
	// definitions are immutable once written.
	SaveDefinition(def models.WorkflowDefinition) error

	// GetDefinition fetches one definition version. Version 0 selects
	// the highest registered version of the name.
	GetDefinition(name string, version int) (models.WorkflowDefinition, error)

	// ListDefinitions returns all definition versions ordered by name,
	// then version.
	ListDefinitions() ([]models.WorkflowDefinition, error)

	// DeprecateDefinition closes a definition version for new runs.
	// Version 0 deprecates every version of the name. Deprecating an
	// already deprecated version is a no-op.
	DeprecateDefinition(name string, version int) error

	// CreateRun stores a new run record. The caller assigns the ID.
	CreateRun(run models.WorkflowRun) error

	GetRun(id uuid.UUID) (models.WorkflowRun, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(filter RunFilter) ([]models.WorkflowRun, error)

	// UpdateRunStatus moves a run to the given status and stamps
	// CompletedAt when the status is terminal. Updates against an
	// already terminal run are ignored; terminal statuses are final.
	UpdateRunStatus(id uuid.UUID, status models.RunStatus) error

	// RequestCancel latches the cancellation flag on a live run.
	// Requests against a terminal run are ignored.
	RequestCancel(id uuid.UUID) error

	// PurgeRun deletes a terminal run and all of its attempt records.
	// It returns ErrConflict if the run is still live.
	PurgeRun(id uuid.UUID) error

	// BeginAttempt atomically allocates the next attempt number for a
	// task and inserts a PENDING attempt record. It returns ErrConflict
	// if the run is terminal or has cancellation requested, so a
	// dispatch that races a cancel can never leave work behind.
	BeginAttempt(runID uuid.UUID, taskName string) (models.TaskAttempt, error)

	// MarkAttemptRunning moves a PENDING attempt to RUNNING and stamps
	// StartedAt.
	MarkAttemptRunning(runID uuid.UUID, taskName string, attempt int) error

	// FinishAttempt records the terminal status of an attempt and
	// stamps FinishedAt. Finishing an already finished attempt returns
	// ErrConflict.
	FinishAttempt(runID uuid.UUID, taskName string, attempt int, status models.AttemptStatus, errDetail string) error

	// GetAttempts returns every attempt of a run in dispatch order.
	GetAttempts(runID uuid.UUID) ([]models.TaskAttempt, error)

	Close() error
}
