package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/models"
)

// AttemptResult is the classified outcome of one executed attempt.
type AttemptResult struct {
	Status models.AttemptStatus
	Value  interface{}
	Err    error
}

// Executor runs single task attempts: it resolves the handler,
// enforces the attempt timeout and contains handler panics.
type Executor struct {
	registry *HandlerRegistry
	log      Logger
}

func NewExecutor(registry *HandlerRegistry, log Logger) *Executor {
	return &Executor{registry: registry, log: log}
}

// Execute runs one attempt and reports how it ended. A timeout of zero
// means no deadline. The attempt context handed to the handler ends on
// timeout or run cancellation, but Execute only stops waiting on
// timeout: a cancelled run's in-flight handlers keep running until
// they return and their real outcome is what gets recorded.
func (e *Executor) Execute(ctx context.Context, spec models.TaskSpec, timeout time.Duration, tc TaskContext) AttemptResult {
	fn, err := e.registry.Resolve(spec.Handler)
	if err != nil {
		return AttemptResult{Status: models.FailedAttemptStatus, Err: err}
	}

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type handlerResult struct {
		value interface{}
		err   error
	}
	resultChan := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Errorf("task %s attempt %d: handler panic: %v", tc.TaskName, tc.Attempt, r)
				resultChan <- handlerResult{err: errors.Errorf("handler panic: %v", r)}
			}
		}()
		value, err := fn(attemptCtx, tc)
		resultChan <- handlerResult{value: value, err: err}
	}()

	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	select {
	case res := <-resultChan:
		if res.err != nil {
			return AttemptResult{Status: models.FailedAttemptStatus, Err: res.err}
		}
		return AttemptResult{Status: models.SucceededAttemptStatus, Value: res.value}
	case <-timeoutChan:
		// The handler goroutine drains into the buffered channel
		// whenever it returns; its late result is discarded.
		return AttemptResult{
			Status: models.TimedOutAttemptStatus,
			Err:    errors.Errorf("task %s timed out after %s", spec.Name, timeout),
		}
	}
}
