package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umpire-3/workflow-api/internal/log"
	"github.com/umpire-3/workflow-api/pkg/graph"
	"github.com/umpire-3/workflow-api/pkg/models"
	"github.com/umpire-3/workflow-api/pkg/storage"
)

func newDefinitionService() *DefinitionService {
	return NewDefinitionService(storage.NewMemoryStore(), log.GetLogger())
}

func validDefinition(name string) models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name: name,
		Tasks: []models.TaskSpec{
			{Name: "extract", Handler: "extract"},
			{Name: "load", Handler: "load"},
		},
		Edges: []models.Edge{{From: "extract", To: "load"}},
	}
}

func TestDefinitionServiceRegisterAssignsVersions(t *testing.T) {
	s := newDefinitionService()

	first, err := s.Register(validDefinition("etl"))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.False(t, first.CreatedAt.IsZero())

	second, err := s.Register(validDefinition("etl"))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	other, err := s.Register(validDefinition("reporting"))
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version, "versions are per name")
}

func TestDefinitionServiceRegisterIgnoresInputVersion(t *testing.T) {
	s := newDefinitionService()

	def := validDefinition("etl")
	def.Version = 99
	def.Deprecated = true

	out, err := s.Register(def)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Version)
	assert.False(t, out.Deprecated)
}

func TestDefinitionServiceRegisterValidates(t *testing.T) {
	s := newDefinitionService()

	t.Run("missing name", func(t *testing.T) {
		def := validDefinition("")
		_, err := s.Register(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("cyclic graph", func(t *testing.T) {
		def := validDefinition("cyclic")
		def.Edges = append(def.Edges, models.Edge{From: "load", To: "extract"})
		_, err := s.Register(def)

		var verr *graph.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("nothing stored on validation failure", func(t *testing.T) {
		_, err := s.Get("cyclic", 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestDefinitionServiceGetAndList(t *testing.T) {
	s := newDefinitionService()
	_, err := s.Register(validDefinition("etl"))
	require.NoError(t, err)
	_, err = s.Register(validDefinition("etl"))
	require.NoError(t, err)

	latest, err := s.Get("etl", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := s.Get("etl", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.Version)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDefinitionServiceDeprecate(t *testing.T) {
	s := newDefinitionService()
	_, err := s.Register(validDefinition("etl"))
	require.NoError(t, err)
	_, err = s.Register(validDefinition("etl"))
	require.NoError(t, err)

	t.Run("single version", func(t *testing.T) {
		require.NoError(t, s.Deprecate("etl", 1))

		old, err := s.Get("etl", 1)
		require.NoError(t, err)
		assert.True(t, old.Deprecated)

		latest, err := s.Get("etl", 0)
		require.NoError(t, err)
		assert.False(t, latest.Deprecated)
	})

	t.Run("all versions", func(t *testing.T) {
		require.NoError(t, s.Deprecate("etl", 0))
		latest, err := s.Get("etl", 0)
		require.NoError(t, err)
		assert.True(t, latest.Deprecated)
	})

	t.Run("unknown name", func(t *testing.T) {
		assert.ErrorIs(t, s.Deprecate("ghost", 0), storage.ErrNotFound)
	})
}
