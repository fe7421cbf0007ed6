package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umpire-3/workflow-api/pkg/models"
)

func task(name string) models.TaskSpec {
	return models.TaskSpec{Name: name, Handler: "noop"}
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestCompileChain(t *testing.T) {
	g, err := Compile(models.WorkflowDefinition{
		Name:  "chain",
		Tasks: []models.TaskSpec{task("a"), task("b"), task("c")},
		Edges: []models.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"a", "b", "c"}, g.Order())
	assert.Empty(t, g.Deps("a"))
	assert.Equal(t, []string{"a"}, g.Deps("b"))
	assert.Equal(t, []string{"b"}, g.Deps("c"))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
	assert.Empty(t, g.Dependents("c"))
}

func TestCompileDiamond(t *testing.T) {
	g, err := Compile(models.WorkflowDefinition{
		Name:  "diamond",
		Tasks: []models.TaskSpec{task("d"), task("c"), task("b"), task("a")},
		Edges: []models.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	})
	require.NoError(t, err)

	order := g.Order()
	assert.Less(t, indexOf(order, "a"), indexOf(order, "b"))
	assert.Less(t, indexOf(order, "a"), indexOf(order, "c"))
	assert.Less(t, indexOf(order, "b"), indexOf(order, "d"))
	assert.Less(t, indexOf(order, "c"), indexOf(order, "d"))
	assert.Equal(t, []string{"b", "c"}, g.Deps("d"))
	assert.Equal(t, []string{"b", "c"}, g.Dependents("a"))
}

func TestCompileRejectsCycle(t *testing.T) {
	t.Run("two node cycle", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "loop",
			Tasks: []models.TaskSpec{task("a"), task("b")},
			Edges: []models.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
		})
		require.Error(t, err)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], "dependency cycle")
		assert.Contains(t, verr.Issues[0], "a, b")
	})

	t.Run("cycle behind a valid prefix", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "tail-loop",
			Tasks: []models.TaskSpec{task("a"), task("b"), task("c")},
			Edges: []models.Edge{
				{From: "a", To: "b"},
				{From: "b", To: "c"},
				{From: "c", To: "b"},
			},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "dependency cycle involving tasks: b, c", verr.Issues[0])
	})

	t.Run("self edge", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "self",
			Tasks: []models.TaskSpec{task("a")},
			Edges: []models.Edge{{From: "a", To: "a"}},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], `task "a" depends on itself`)
	})
}

func TestCompileRejectsBadDefinitions(t *testing.T) {
	t.Run("no tasks", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{Name: "empty"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], "no tasks")
	})

	t.Run("duplicate task names", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "dup",
			Tasks: []models.TaskSpec{task("a"), task("a")},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], `duplicate task name "a"`)
	})

	t.Run("edge to unknown task", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "dangling",
			Tasks: []models.TaskSpec{task("a")},
			Edges: []models.Edge{{From: "a", To: "ghost"}},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], `unknown task "ghost"`)
	})

	t.Run("missing handler", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "no-handler",
			Tasks: []models.TaskSpec{{Name: "a"}},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], `task "a" has no handler`)
	})

	t.Run("negative retry policy", func(t *testing.T) {
		spec := task("a")
		spec.Retry.MaxRetries = -1
		_, err := Compile(models.WorkflowDefinition{
			Name:  "bad-retry",
			Tasks: []models.TaskSpec{spec},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Issues[0], "negative max_retries")
	})

	t.Run("collects multiple issues", func(t *testing.T) {
		_, err := Compile(models.WorkflowDefinition{
			Name:  "multi",
			Tasks: []models.TaskSpec{{Name: "a"}, task("a")},
			Edges: []models.Edge{{From: "a", To: "ghost"}},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Issues, 3)
	})
}

func TestCompileCollapsesDuplicateEdges(t *testing.T) {
	g, err := Compile(models.WorkflowDefinition{
		Name:  "dup-edges",
		Tasks: []models.TaskSpec{task("a"), task("b")},
		Edges: []models.Edge{{From: "a", To: "b"}, {From: "a", To: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Deps("b"))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
}

func TestCompileSingleTask(t *testing.T) {
	g, err := Compile(models.WorkflowDefinition{
		Name:  "solo",
		Tasks: []models.TaskSpec{task("only")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, g.Order())
	assert.Empty(t, g.Deps("only"))
}
