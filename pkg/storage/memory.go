package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/models"
)

// MemoryStore is an in-memory Store used by the test suite and by
// development deployments that run without Postgres. All state is lost
// on process exit.
type MemoryStore struct {
	mu       sync.RWMutex
	defs     map[string][]models.WorkflowDefinition
	runs     map[uuid.UUID]models.WorkflowRun
	attempts map[uuid.UUID][]models.TaskAttempt
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:     make(map[string][]models.WorkflowDefinition),
		runs:     make(map[uuid.UUID]models.WorkflowRun),
		attempts: make(map[uuid.UUID][]models.TaskAttempt),
	}
}

func (s *MemoryStore) SaveDefinition(def models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.defs[def.Name] {
		if existing.Version == def.Version {
			return errors.Wrapf(ErrConflict, "definition %s version %d already exists", def.Name, def.Version)
		}
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	versions := append(s.defs[def.Name], def)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.defs[def.Name] = versions
	return nil
}

func (s *MemoryStore) GetDefinition(name string, version int) (models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.defs[name]
	if len(versions) == 0 {
		return models.WorkflowDefinition{}, errors.Wrapf(ErrNotFound, "definition %s", name)
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, def := range versions {
		if def.Version == version {
			return def, nil
		}
	}
	return models.WorkflowDefinition{}, errors.Wrapf(ErrNotFound, "definition %s version %d", name, version)
}

func (s *MemoryStore) ListDefinitions() ([]models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.WorkflowDefinition
	for _, name := range names {
		out = append(out, s.defs[name]...)
	}
	return out, nil
}

func (s *MemoryStore) DeprecateDefinition(name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.defs[name]
	if len(versions) == 0 {
		return errors.Wrapf(ErrNotFound, "definition %s", name)
	}
	if version == 0 {
		for i := range versions {
			versions[i].Deprecated = true
		}
		return nil
	}
	for i := range versions {
		if versions[i].Version == version {
			versions[i].Deprecated = true
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "definition %s version %d", name, version)
}

func (s *MemoryStore) CreateRun(run models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return errors.Wrapf(ErrConflict, "run %s already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(id uuid.UUID) (models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return models.WorkflowRun{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return run, nil
}

func (s *MemoryStore) ListRuns(filter RunFilter) ([]models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.WorkflowRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.DefinitionName != "" && run.DefinitionName != filter.DefinitionName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.CompletedBefore.IsZero() {
			if run.CompletedAt == nil || !run.CompletedAt.Before(filter.CompletedBefore) {
				continue
			}
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRunStatus(id uuid.UUID, status models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) RequestCancel(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if run.Status.Terminal() {
		return nil
	}
	run.CancelRequested = true
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) PurgeRun(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if !run.Status.Terminal() {
		return errors.Wrapf(ErrConflict, "run %s is still %s", id, run.Status)
	}
	delete(s.runs, id)
	delete(s.attempts, id)
	return nil
}

func (s *MemoryStore) BeginAttempt(runID uuid.UUID, taskName string) (models.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return models.TaskAttempt{}, errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	if run.Status.Terminal() {
		return models.TaskAttempt{}, errors.Wrapf(ErrConflict, "run %s is already %s", runID, run.Status)
	}
	if run.CancelRequested {
		return models.TaskAttempt{}, errors.Wrapf(ErrConflict, "run %s has cancellation requested", runID)
	}

	next := 1
	for _, a := range s.attempts[runID] {
		if a.TaskName == taskName && a.Attempt >= next {
			next = a.Attempt + 1
		}
	}
	attempt := models.TaskAttempt{
		RunID:    runID,
		TaskName: taskName,
		Attempt:  next,
		Status:   models.PendingAttemptStatus,
	}
	s.attempts[runID] = append(s.attempts[runID], attempt)
	return attempt, nil
}

func (s *MemoryStore) MarkAttemptRunning(runID uuid.UUID, taskName string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.findAttempt(runID, taskName, attempt)
	if err != nil {
		return err
	}
	rec := &s.attempts[runID][i]
	if rec.Status != models.PendingAttemptStatus {
		return errors.Wrapf(ErrConflict, "attempt %s/%s/%d is %s", runID, taskName, attempt, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = models.RunningAttemptStatus
	rec.StartedAt = &now
	return nil
}

func (s *MemoryStore) FinishAttempt(runID uuid.UUID, taskName string, attempt int, status models.AttemptStatus, errDetail string) error {
	if !status.Terminal() {
		return errors.Errorf("non-terminal attempt status %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.findAttempt(runID, taskName, attempt)
	if err != nil {
		return err
	}
	rec := &s.attempts[runID][i]
	if rec.Status.Terminal() {
		return errors.Wrapf(ErrConflict, "attempt %s/%s/%d already finished as %s", runID, taskName, attempt, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	rec.ErrorDetail = errDetail
	return nil
}

func (s *MemoryStore) GetAttempts(runID uuid.UUID) ([]models.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := s.attempts[runID]
	out := make([]models.TaskAttempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// findAttempt locates an attempt record index. Callers hold s.mu.
func (s *MemoryStore) findAttempt(runID uuid.UUID, taskName string, attempt int) (int, error) {
	for i, a := range s.attempts[runID] {
		if a.TaskName == taskName && a.Attempt == attempt {
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrNotFound, "attempt %s/%s/%d", runID, taskName, attempt)
}
