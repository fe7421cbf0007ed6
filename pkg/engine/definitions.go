package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/graph"
	"github.com/umpire-3/workflow-api/pkg/models"
	"github.com/umpire-3/workflow-api/pkg/storage"
)

// DefinitionService manages the catalog of workflow definitions:
// validation, automatic versioning and deprecation. Execution is the
// coordinator's job.
type DefinitionService struct {
	store storage.Store
	log   Logger
}

func NewDefinitionService(store storage.Store, log Logger) *DefinitionService {
	return &DefinitionService{store: store, log: log}
}

// Register validates a definition, assigns it the next version of its
// name and stores it. Any version on the input is ignored; versions
// only ever come from the service, so definitions stay immutable and
// gapless per name.
func (s *DefinitionService) Register(def models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	if def.Name == "" {
		return models.WorkflowDefinition{}, errors.New("definition name is required")
	}
	if _, err := graph.Compile(def); err != nil {
		return models.WorkflowDefinition{}, err
	}

	def.Deprecated = false
	def.CreatedAt = time.Now().UTC()

	// Concurrent registers under one name race for the next version;
	// the store's uniqueness check arbitrates and the loser re-reads.
	for attempt := 0; ; attempt++ {
		latest, err := s.store.GetDefinition(def.Name, 0)
		switch {
		case err == nil:
			def.Version = latest.Version + 1
		case errors.Is(err, storage.ErrNotFound):
			def.Version = 1
		default:
			return models.WorkflowDefinition{}, err
		}

		err = s.store.SaveDefinition(def)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= 2 {
			return models.WorkflowDefinition{}, err
		}
	}

	s.log.Infof("registered workflow %s version %d (%d tasks)", def.Name, def.Version, len(def.Tasks))
	return def, nil
}

// Get fetches one definition version; version 0 selects the latest.
func (s *DefinitionService) Get(name string, version int) (models.WorkflowDefinition, error) {
	return s.store.GetDefinition(name, version)
}

// List returns all definition versions.
func (s *DefinitionService) List() ([]models.WorkflowDefinition, error) {
	return s.store.ListDefinitions()
}

// Deprecate closes a definition version for new runs; version 0 closes
// every version of the name. Existing runs are unaffected: they pinned
// their version at start.
func (s *DefinitionService) Deprecate(name string, version int) error {
	if err := s.store.DeprecateDefinition(name, version); err != nil {
		return err
	}
	if version == 0 {
		s.log.Infof("deprecated all versions of workflow %s", name)
	} else {
		s.log.Infof("deprecated workflow %s version %d", name, version)
	}
	return nil
}
