package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umpire-3/workflow-api/internal/log"
	"github.com/umpire-3/workflow-api/pkg/models"
)

func newTestExecutor(t *testing.T, handlers map[string]TaskFunc) *Executor {
	t.Helper()
	registry := NewHandlerRegistry()
	for name, fn := range handlers {
		require.NoError(t, registry.Register(name, fn))
	}
	return NewExecutor(registry, log.GetLogger())
}

func TestExecutorSuccess(t *testing.T) {
	e := newTestExecutor(t, map[string]TaskFunc{
		"double": func(ctx context.Context, tc TaskContext) (interface{}, error) {
			return tc.Params["value"] + tc.Params["value"], nil
		},
	})

	res := e.Execute(context.Background(),
		models.TaskSpec{Name: "a", Handler: "double"},
		0,
		TaskContext{TaskName: "a", Attempt: 1, Params: models.Params{"value": "x"}})

	assert.Equal(t, models.SucceededAttemptStatus, res.Status)
	assert.Equal(t, "xx", res.Value)
	assert.NoError(t, res.Err)
}

func TestExecutorFailure(t *testing.T) {
	e := newTestExecutor(t, map[string]TaskFunc{
		"fail": func(ctx context.Context, tc TaskContext) (interface{}, error) {
			return nil, errors.New("boom")
		},
	})

	res := e.Execute(context.Background(),
		models.TaskSpec{Name: "a", Handler: "fail"}, 0, TaskContext{TaskName: "a"})

	assert.Equal(t, models.FailedAttemptStatus, res.Status)
	assert.EqualError(t, res.Err, "boom")
}

func TestExecutorTimeout(t *testing.T) {
	started := make(chan struct{})
	e := newTestExecutor(t, map[string]TaskFunc{
		"slow": func(ctx context.Context, tc TaskContext) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	res := e.Execute(context.Background(),
		models.TaskSpec{Name: "a", Handler: "slow"},
		20*time.Millisecond,
		TaskContext{TaskName: "a"})

	<-started
	assert.Equal(t, models.TimedOutAttemptStatus, res.Status)
	assert.Contains(t, res.Err.Error(), "timed out after 20ms")
}

func TestExecutorPanicIsContained(t *testing.T) {
	e := newTestExecutor(t, map[string]TaskFunc{
		"panic": func(ctx context.Context, tc TaskContext) (interface{}, error) {
			panic("kaboom")
		},
	})

	res := e.Execute(context.Background(),
		models.TaskSpec{Name: "a", Handler: "panic"}, 0, TaskContext{TaskName: "a"})

	assert.Equal(t, models.FailedAttemptStatus, res.Status)
	assert.Contains(t, res.Err.Error(), "handler panic: kaboom")
}

func TestExecutorUnknownHandler(t *testing.T) {
	e := newTestExecutor(t, nil)

	res := e.Execute(context.Background(),
		models.TaskSpec{Name: "a", Handler: "ghost"}, 0, TaskContext{TaskName: "a"})

	assert.Equal(t, models.FailedAttemptStatus, res.Status)
	assert.Contains(t, res.Err.Error(), "no handler registered")
}

// A cancelled run context must not cut the wait short: handlers that
// ignore cancellation finish normally and their outcome counts.
func TestExecutorWaitsOutCancelledContext(t *testing.T) {
	e := newTestExecutor(t, map[string]TaskFunc{
		"stubborn": func(ctx context.Context, tc TaskContext) (interface{}, error) {
			time.Sleep(30 * time.Millisecond)
			return "done", nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, models.TaskSpec{Name: "a", Handler: "stubborn"}, 0, TaskContext{TaskName: "a"})

	assert.Equal(t, models.SucceededAttemptStatus, res.Status)
	assert.Equal(t, "done", res.Value)
}

// Cooperative handlers see the cancellation through their context and
// may stop early; that records as a plain failure.
func TestExecutorCooperativeCancellation(t *testing.T) {
	e := newTestExecutor(t, map[string]TaskFunc{
		"cooperative": func(ctx context.Context, tc TaskContext) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, models.TaskSpec{Name: "a", Handler: "cooperative"}, 0, TaskContext{TaskName: "a"})

	assert.Equal(t, models.FailedAttemptStatus, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
