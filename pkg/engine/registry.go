package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/models"
)

// TaskContext carries the inputs of one task attempt. Params are the
// run's start parameters; Results holds the return values of the
// task's direct dependencies, keyed by task name.
type TaskContext struct {
	RunID    uuid.UUID
	TaskName string
	Attempt  int
	Params   models.Params
	Results  map[string]interface{}
}

// TaskFunc is the code behind a handler reference. The context ends
// when the attempt times out or the run is cancelled; handlers that
// watch it stop early, handlers that ignore it run to completion and
// still have their outcome recorded.
type TaskFunc func(ctx context.Context, tc TaskContext) (interface{}, error)

// HandlerRegistry resolves the handler references used in definitions
// to registered task functions.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]TaskFunc)}
}

// Register binds a handler reference to a function. Re-registering an
// existing reference is an error; typos in definitions should fail
// loudly instead of silently shadowing handlers.
func (r *HandlerRegistry) Register(name string, fn TaskFunc) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if fn == nil {
		return errors.Errorf("handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return errors.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// Resolve returns the function behind a handler reference.
func (r *HandlerRegistry) Resolve(name string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, errors.Errorf("no handler registered for %q", name)
	}
	return fn, nil
}

// Names returns all registered handler references, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
