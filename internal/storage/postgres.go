package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/models"
	"github.com/umpire-3/workflow-api/pkg/storage"
)

// Terminal status sets inlined into queries; the guards that keep
// terminal records immutable live in SQL so they hold across processes.
const (
	terminalRunStatuses     = `('SUCCEEDED', 'FAILED', 'CANCELLED')`
	terminalAttemptStatuses = `('SUCCEEDED', 'FAILED', 'TIMED_OUT')`
)

// PostgresStore implements storage.Store on PostgreSQL. Multi-step
// writes run in per-call transactions with the run row locked, which is
// what makes BeginAttempt an atomic check-and-insert across replicas.
type PostgresStore struct {
	db *sqlx.DB
}

var _ storage.Store = (*PostgresStore)(nil)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging database")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

type definitionRow struct {
	Name       string    `db:"name"`
	Version    int       `db:"version"`
	Spec       []byte    `db:"spec"`
	Deprecated bool      `db:"deprecated"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r definitionRow) toModel() (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := json.Unmarshal(r.Spec, &def); err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "decoding definition %s version %d", r.Name, r.Version)
	}
	// The columns are authoritative over whatever the spec blob says.
	def.Name = r.Name
	def.Version = r.Version
	def.Deprecated = r.Deprecated
	def.CreatedAt = r.CreatedAt
	return def, nil
}

func (s *PostgresStore) SaveDefinition(def models.WorkflowDefinition) error {
	spec, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "encoding definition spec")
	}
	var createdAt interface{}
	if !def.CreatedAt.IsZero() {
		createdAt = def.CreatedAt
	}
	_, err = s.db.Exec(`
		INSERT INTO workflow_definitions (name, version, spec, deprecated, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))`,
		def.Name, def.Version, spec, def.Deprecated, createdAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrConflict, "definition %s version %d already exists", def.Name, def.Version)
	}
	return errors.Wrap(err, "saving definition")
}

func (s *PostgresStore) GetDefinition(name string, version int) (models.WorkflowDefinition, error) {
	var row definitionRow
	var err error
	if version == 0 {
		err = s.db.Get(&row, `
			SELECT name, version, spec, deprecated, created_at
			FROM workflow_definitions
			WHERE name = $1
			ORDER BY version DESC
			LIMIT 1`, name)
	} else {
		err = s.db.Get(&row, `
			SELECT name, version, spec, deprecated, created_at
			FROM workflow_definitions
			WHERE name = $1 AND version = $2`, name, version)
	}
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, errors.Wrapf(storage.ErrNotFound, "definition %s version %d", name, version)
	}
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrap(err, "getting definition")
	}
	return row.toModel()
}

func (s *PostgresStore) ListDefinitions() ([]models.WorkflowDefinition, error) {
	rows := []definitionRow{}
	err := s.db.Select(&rows, `
		SELECT name, version, spec, deprecated, created_at
		FROM workflow_definitions
		ORDER BY name, version`)
	if err != nil {
		return nil, errors.Wrap(err, "listing definitions")
	}
	out := make([]models.WorkflowDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *PostgresStore) DeprecateDefinition(name string, version int) error {
	var res sql.Result
	var err error
	if version == 0 {
		res, err = s.db.Exec(`UPDATE workflow_definitions SET deprecated = TRUE WHERE name = $1`, name)
	} else {
		res, err = s.db.Exec(`UPDATE workflow_definitions SET deprecated = TRUE WHERE name = $1 AND version = $2`, name, version)
	}
	if err != nil {
		return errors.Wrap(err, "deprecating definition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "definition %s version %d", name, version)
	}
	return nil
}

func (s *PostgresStore) CreateRun(run models.WorkflowRun) error {
	var createdAt interface{}
	if !run.CreatedAt.IsZero() {
		createdAt = run.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs
			(id, definition_name, definition_version, status, params, fail_fast, cancel_requested, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::timestamptz, now()), $9)`,
		run.ID, run.DefinitionName, run.DefinitionVersion, run.Status, run.Params,
		run.FailFast, run.CancelRequested, createdAt, run.CompletedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrConflict, "run %s already exists", run.ID)
	}
	return errors.Wrap(err, "creating run")
}

func (s *PostgresStore) GetRun(id uuid.UUID) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, `
		SELECT id, definition_name, definition_version, status, params, fail_fast, cancel_requested, created_at, completed_at
		FROM workflow_runs
		WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, errors.Wrapf(storage.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return models.WorkflowRun{}, errors.Wrap(err, "getting run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(filter storage.RunFilter) ([]models.WorkflowRun, error) {
	query := `
		SELECT id, definition_name, definition_version, status, params, fail_fast, cancel_requested, created_at, completed_at
		FROM workflow_runs`
	var conds []string
	var args []interface{}
	if filter.DefinitionName != "" {
		args = append(args, filter.DefinitionName)
		conds = append(conds, fmt.Sprintf("definition_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.CompletedBefore.IsZero() {
		args = append(args, filter.CompletedBefore)
		conds = append(conds, fmt.Sprintf("completed_at IS NOT NULL AND completed_at < $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	runs := []models.WorkflowRun{}
	if err := s.db.Select(&runs, query, args...); err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	return runs, nil
}

func (s *PostgresStore) UpdateRunStatus(id uuid.UUID, status models.RunStatus) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET status = $2,
		    completed_at = CASE WHEN $2 IN `+terminalRunStatuses+` THEN now() ELSE completed_at END
		WHERE id = $1 AND status NOT IN `+terminalRunStatuses,
		id, status)
	if err != nil {
		return errors.Wrap(err, "updating run status")
	}
	return s.ignoreTerminal(res, id)
}

func (s *PostgresStore) RequestCancel(id uuid.UUID) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET cancel_requested = TRUE
		WHERE id = $1 AND status NOT IN `+terminalRunStatuses, id)
	if err != nil {
		return errors.Wrap(err, "requesting cancel")
	}
	return s.ignoreTerminal(res, id)
}

// ignoreTerminal turns an update that matched no rows into ErrNotFound
// when the run is missing, and into a silent no-op when the run exists
// but is already terminal.
func (s *PostgresStore) ignoreTerminal(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n > 0 {
		return nil
	}
	exists, err := s.runExists(id)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(storage.ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) runExists(id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.Get(&exists, `SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)`, id)
	return exists, errors.Wrap(err, "checking run existence")
}

func (s *PostgresStore) PurgeRun(id uuid.UUID) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		var status models.RunStatus
		err := tx.Get(&status, `SELECT status FROM workflow_runs WHERE id = $1 FOR UPDATE`, id)
		if err == sql.ErrNoRows {
			return errors.Wrapf(storage.ErrNotFound, "run %s", id)
		}
		if err != nil {
			return errors.Wrap(err, "locking run")
		}
		if !status.Terminal() {
			return errors.Wrapf(storage.ErrConflict, "run %s is still %s", id, status)
		}
		// Attempts go with the run through ON DELETE CASCADE.
		_, err = tx.Exec(`DELETE FROM workflow_runs WHERE id = $1`, id)
		return errors.Wrap(err, "deleting run")
	})
}

func (s *PostgresStore) BeginAttempt(runID uuid.UUID, taskName string) (models.TaskAttempt, error) {
	var attempt models.TaskAttempt
	err := s.withTx(func(tx *sqlx.Tx) error {
		var run struct {
			Status          models.RunStatus `db:"status"`
			CancelRequested bool             `db:"cancel_requested"`
		}
		err := tx.Get(&run, `SELECT status, cancel_requested FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID)
		if err == sql.ErrNoRows {
			return errors.Wrapf(storage.ErrNotFound, "run %s", runID)
		}
		if err != nil {
			return errors.Wrap(err, "locking run")
		}
		if run.Status.Terminal() {
			return errors.Wrapf(storage.ErrConflict, "run %s is already %s", runID, run.Status)
		}
		if run.CancelRequested {
			return errors.Wrapf(storage.ErrConflict, "run %s has cancellation requested", runID)
		}

		var next int
		err = tx.Get(&next, `
			SELECT COALESCE(MAX(attempt), 0) + 1
			FROM task_attempts
			WHERE run_id = $1 AND task_name = $2`, runID, taskName)
		if err != nil {
			return errors.Wrap(err, "allocating attempt number")
		}

		_, err = tx.Exec(`
			INSERT INTO task_attempts (run_id, task_name, attempt, status)
			VALUES ($1, $2, $3, $4)`,
			runID, taskName, next, models.PendingAttemptStatus)
		if err != nil {
			return errors.Wrap(err, "inserting attempt")
		}

		attempt = models.TaskAttempt{
			RunID:    runID,
			TaskName: taskName,
			Attempt:  next,
			Status:   models.PendingAttemptStatus,
		}
		return nil
	})
	if err != nil {
		return models.TaskAttempt{}, err
	}
	return attempt, nil
}

func (s *PostgresStore) MarkAttemptRunning(runID uuid.UUID, taskName string, attempt int) error {
	res, err := s.db.Exec(`
		UPDATE task_attempts
		SET status = $4, started_at = now()
		WHERE run_id = $1 AND task_name = $2 AND attempt = $3 AND status = $5`,
		runID, taskName, attempt, models.RunningAttemptStatus, models.PendingAttemptStatus)
	if err != nil {
		return errors.Wrap(err, "marking attempt running")
	}
	return s.attemptUpdateResult(res, runID, taskName, attempt)
}

func (s *PostgresStore) FinishAttempt(runID uuid.UUID, taskName string, attempt int, status models.AttemptStatus, errDetail string) error {
	if !status.Terminal() {
		return errors.Errorf("non-terminal attempt status %s", status)
	}
	res, err := s.db.Exec(`
		UPDATE task_attempts
		SET status = $4, finished_at = now(), error_detail = $5
		WHERE run_id = $1 AND task_name = $2 AND attempt = $3 AND status NOT IN `+terminalAttemptStatuses,
		runID, taskName, attempt, status, errDetail)
	if err != nil {
		return errors.Wrap(err, "finishing attempt")
	}
	return s.attemptUpdateResult(res, runID, taskName, attempt)
}

// attemptUpdateResult maps a zero-row attempt update to ErrNotFound or
// ErrConflict depending on whether the record exists.
func (s *PostgresStore) attemptUpdateResult(res sql.Result, runID uuid.UUID, taskName string, attempt int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists bool
	err = s.db.Get(&exists, `
		SELECT EXISTS (SELECT 1 FROM task_attempts WHERE run_id = $1 AND task_name = $2 AND attempt = $3)`,
		runID, taskName, attempt)
	if err != nil {
		return errors.Wrap(err, "checking attempt existence")
	}
	if !exists {
		return errors.Wrapf(storage.ErrNotFound, "attempt %s/%s/%d", runID, taskName, attempt)
	}
	return errors.Wrapf(storage.ErrConflict, "attempt %s/%s/%d already settled", runID, taskName, attempt)
}

func (s *PostgresStore) GetAttempts(runID uuid.UUID) ([]models.TaskAttempt, error) {
	attempts := []models.TaskAttempt{}
	err := s.db.Select(&attempts, `
		SELECT run_id, task_name, attempt, status, started_at, finished_at, error_detail
		FROM task_attempts
		WHERE run_id = $1
		ORDER BY created_at, task_name, attempt`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "listing attempts")
	}
	return attempts, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
