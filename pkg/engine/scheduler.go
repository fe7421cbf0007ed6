package engine

import (
	"github.com/umpire-3/workflow-api/pkg/graph"
	"github.com/umpire-3/workflow-api/pkg/models"
)

// taskPhase is the scheduler's view of one task within a live run.
type taskPhase int

const (
	taskBlocked taskPhase = iota
	taskInFlight
	taskWaitingRetry
	taskSucceeded
	taskFailed
)

// decision is what the scheduler wants done after applying an outcome.
type decision int

const (
	decisionNone decision = iota
	decisionRetry
)

// runScheduler tracks the progress of one run and decides what may be
// dispatched next. It is confined to the run's coordinator goroutine,
// so none of its state needs locking.
type runScheduler struct {
	graph       *graph.Graph
	failFast    bool
	phases      map[string]taskPhase
	attempts    map[string]int
	results     map[string]interface{}
	cancelled   bool
	failureSeen bool
}

func newRunScheduler(g *graph.Graph, failFast bool) *runScheduler {
	s := &runScheduler{
		graph:    g,
		failFast: failFast,
		phases:   make(map[string]taskPhase, g.Len()),
		attempts: make(map[string]int, g.Len()),
		results:  make(map[string]interface{}, g.Len()),
	}
	for _, name := range g.Order() {
		s.phases[name] = taskBlocked
	}
	return s
}

func (s *runScheduler) spec(name string) models.TaskSpec {
	spec, _ := s.graph.Task(name)
	return spec
}

// eligible returns the not yet dispatched tasks whose dependencies
// have all succeeded, in topological order. Nothing is eligible once
// cancellation is requested, or after a task failure when the run is
// fail-fast.
func (s *runScheduler) eligible() []string {
	if s.halted() {
		return nil
	}
	var out []string
	for _, name := range s.graph.Order() {
		if s.phases[name] != taskBlocked {
			continue
		}
		ready := true
		for _, dep := range s.graph.Deps(name) {
			if s.phases[dep] != taskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, name)
		}
	}
	return out
}

// markDispatched moves a task in flight and counts the attempt.
func (s *runScheduler) markDispatched(name string) {
	s.phases[name] = taskInFlight
	s.attempts[name]++
}

func (s *runScheduler) markCancelled() {
	s.cancelled = true
}

// halted reports whether dispatch of any further attempt, retries
// included, is shut off for this run.
func (s *runScheduler) halted() bool {
	return s.cancelled || (s.failFast && s.failureSeen)
}

// applyOutcome folds a finished attempt into the run state. Failures
// and timeouts retry while the task's budget lasts; once the run is
// halted no retry is ever scheduled.
func (s *runScheduler) applyOutcome(name string, status models.AttemptStatus, value interface{}) decision {
	switch status {
	case models.SucceededAttemptStatus:
		s.phases[name] = taskSucceeded
		s.results[name] = value
		return decisionNone
	case models.FailedAttemptStatus, models.TimedOutAttemptStatus:
		if !s.halted() && s.attempts[name] <= s.spec(name).Retry.MaxRetries {
			s.phases[name] = taskWaitingRetry
			return decisionRetry
		}
		s.phases[name] = taskFailed
		s.failureSeen = true
		return decisionNone
	}
	return decisionNone
}

// attemptsMade returns how many attempts of the task were dispatched.
func (s *runScheduler) attemptsMade(name string) int {
	return s.attempts[name]
}

// resultsFor snapshots the dependency results a task consumes. The
// copy keeps handler goroutines off the scheduler's own map.
func (s *runScheduler) resultsFor(name string) map[string]interface{} {
	deps := s.graph.Deps(name)
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(deps))
	for _, dep := range deps {
		out[dep] = s.results[dep]
	}
	return out
}

func (s *runScheduler) count(phase taskPhase) int {
	n := 0
	for _, p := range s.phases {
		if p == phase {
			n++
		}
	}
	return n
}

// terminal decides whether the run is finished and with which status.
// In-flight attempts always finish and get recorded first, which is
// why any in-flight task defers the verdict regardless of cancellation
// or failure policy.
func (s *runScheduler) terminal() (models.RunStatus, bool) {
	if s.count(taskInFlight) > 0 {
		return "", false
	}
	if s.cancelled {
		return models.CancelledRunStatus, true
	}
	if s.failFast && s.failureSeen {
		return models.FailedRunStatus, true
	}
	if s.count(taskWaitingRetry) > 0 {
		return "", false
	}
	if len(s.eligible()) > 0 {
		return "", false
	}
	if s.count(taskSucceeded) == s.graph.Len() {
		return models.SucceededRunStatus, true
	}
	// Remaining tasks are blocked behind failures forever.
	return models.FailedRunStatus, true
}
