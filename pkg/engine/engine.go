// Package engine executes workflow runs: it compiles definitions into
// graphs, dispatches eligible tasks to a bounded worker pool, enforces
// timeouts and retry policies and records every state change in the
// configured store.
package engine

import "github.com/pkg/errors"

// ErrDefinitionDeprecated is returned when a run is started against a
// definition version that has been closed for new runs.
var ErrDefinitionDeprecated = errors.New("definition is deprecated")

// ErrShuttingDown is returned when a run is started while the
// coordinator is draining.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// Logger is the logging interface of the engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
