package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umpire-3/workflow-api/pkg/graph"
	"github.com/umpire-3/workflow-api/pkg/models"
)

func compileTestGraph(t *testing.T, tasks []models.TaskSpec, edges []models.Edge) *graph.Graph {
	t.Helper()
	g, err := graph.Compile(models.WorkflowDefinition{Name: "t", Tasks: tasks, Edges: edges})
	require.NoError(t, err)
	return g
}

func diamondGraph(t *testing.T) *graph.Graph {
	t.Helper()
	return compileTestGraph(t,
		[]models.TaskSpec{
			{Name: "a", Handler: "noop"},
			{Name: "b", Handler: "noop"},
			{Name: "c", Handler: "noop"},
			{Name: "d", Handler: "noop"},
		},
		[]models.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		})
}

func TestSchedulerEligibility(t *testing.T) {
	s := newRunScheduler(diamondGraph(t), false)

	assert.Equal(t, []string{"a"}, s.eligible())

	s.markDispatched("a")
	assert.Empty(t, s.eligible(), "in-flight tasks are not eligible again")

	s.applyOutcome("a", models.SucceededAttemptStatus, nil)
	assert.Equal(t, []string{"b", "c"}, s.eligible(), "both branches unlock together")

	s.markDispatched("b")
	s.markDispatched("c")
	s.applyOutcome("b", models.SucceededAttemptStatus, nil)
	assert.Empty(t, s.eligible(), "join waits for every dependency")

	s.applyOutcome("c", models.SucceededAttemptStatus, nil)
	assert.Equal(t, []string{"d"}, s.eligible())
}

func TestSchedulerTerminalSuccess(t *testing.T) {
	s := newRunScheduler(compileTestGraph(t,
		[]models.TaskSpec{{Name: "a", Handler: "noop"}}, nil), false)

	_, done := s.terminal()
	assert.False(t, done, "eligible work pending")

	s.markDispatched("a")
	_, done = s.terminal()
	assert.False(t, done, "in-flight work pending")

	s.applyOutcome("a", models.SucceededAttemptStatus, "out")
	status, done := s.terminal()
	require.True(t, done)
	assert.Equal(t, models.SucceededRunStatus, status)
}

func TestSchedulerRetryDecision(t *testing.T) {
	spec := models.TaskSpec{Name: "a", Handler: "noop"}
	spec.Retry.MaxRetries = 2
	s := newRunScheduler(compileTestGraph(t, []models.TaskSpec{spec}, nil), false)

	s.markDispatched("a")
	assert.Equal(t, decisionRetry, s.applyOutcome("a", models.FailedAttemptStatus, nil))

	_, done := s.terminal()
	assert.False(t, done, "retry pending keeps the run open")

	s.markDispatched("a")
	assert.Equal(t, decisionRetry, s.applyOutcome("a", models.TimedOutAttemptStatus, nil))

	s.markDispatched("a")
	assert.Equal(t, decisionNone, s.applyOutcome("a", models.FailedAttemptStatus, nil),
		"budget of two retries exhausted after the third attempt")

	status, done := s.terminal()
	require.True(t, done)
	assert.Equal(t, models.FailedRunStatus, status)
	assert.Equal(t, 3, s.attemptsMade("a"))
}

func TestSchedulerFailSlowKeepsSiblingsRunning(t *testing.T) {
	s := newRunScheduler(diamondGraph(t), false)

	s.markDispatched("a")
	s.applyOutcome("a", models.SucceededAttemptStatus, nil)
	s.markDispatched("b")
	s.markDispatched("c")

	assert.Equal(t, decisionNone, s.applyOutcome("b", models.FailedAttemptStatus, nil))

	_, done := s.terminal()
	assert.False(t, done, "c is still in flight")

	s.applyOutcome("c", models.SucceededAttemptStatus, nil)
	assert.Empty(t, s.eligible(), "d stays blocked behind the failed branch")

	status, done := s.terminal()
	require.True(t, done)
	assert.Equal(t, models.FailedRunStatus, status)
}

func TestSchedulerFailFastStopsDispatch(t *testing.T) {
	s := newRunScheduler(diamondGraph(t), true)

	s.markDispatched("a")
	s.applyOutcome("a", models.SucceededAttemptStatus, nil)
	s.markDispatched("b")
	s.applyOutcome("b", models.FailedAttemptStatus, nil)

	assert.Empty(t, s.eligible(), "no new dispatch after a failure")

	status, done := s.terminal()
	require.True(t, done)
	assert.Equal(t, models.FailedRunStatus, status)
}

func TestSchedulerCancellation(t *testing.T) {
	t.Run("waits for in-flight work", func(t *testing.T) {
		s := newRunScheduler(diamondGraph(t), false)
		s.markDispatched("a")
		s.markCancelled()

		assert.Empty(t, s.eligible())
		_, done := s.terminal()
		assert.False(t, done)

		s.applyOutcome("a", models.SucceededAttemptStatus, nil)
		status, done := s.terminal()
		require.True(t, done)
		assert.Equal(t, models.CancelledRunStatus, status)
	})

	t.Run("suppresses retries", func(t *testing.T) {
		spec := models.TaskSpec{Name: "a", Handler: "noop"}
		spec.Retry.MaxRetries = 5
		s := newRunScheduler(compileTestGraph(t, []models.TaskSpec{spec}, nil), false)

		s.markDispatched("a")
		s.markCancelled()
		assert.Equal(t, decisionNone, s.applyOutcome("a", models.FailedAttemptStatus, nil))

		status, done := s.terminal()
		require.True(t, done)
		assert.Equal(t, models.CancelledRunStatus, status)
	})

	t.Run("overrides pending retry", func(t *testing.T) {
		spec := models.TaskSpec{Name: "a", Handler: "noop"}
		spec.Retry.MaxRetries = 5
		s := newRunScheduler(compileTestGraph(t, []models.TaskSpec{spec}, nil), false)

		s.markDispatched("a")
		require.Equal(t, decisionRetry, s.applyOutcome("a", models.FailedAttemptStatus, nil))
		s.markCancelled()

		status, done := s.terminal()
		require.True(t, done)
		assert.Equal(t, models.CancelledRunStatus, status)
	})
}

func TestSchedulerResultsFlowToDependents(t *testing.T) {
	s := newRunScheduler(diamondGraph(t), false)

	s.markDispatched("a")
	s.applyOutcome("a", models.SucceededAttemptStatus, "root-output")

	assert.Nil(t, s.resultsFor("a"))
	assert.Equal(t, map[string]interface{}{"a": "root-output"}, s.resultsFor("b"))

	s.markDispatched("b")
	s.markDispatched("c")
	s.applyOutcome("b", models.SucceededAttemptStatus, 1)
	s.applyOutcome("c", models.SucceededAttemptStatus, 2)

	assert.Equal(t, map[string]interface{}{"b": 1, "c": 2}, s.resultsFor("d"))
}
