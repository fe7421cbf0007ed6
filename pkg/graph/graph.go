// Package graph compiles workflow definitions into their executable
// DAG form and rejects definitions that could never run to completion.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/umpire-3/workflow-api/pkg/models"
)

// ValidationError reports everything wrong with a definition in one
// pass, so callers can surface the full list instead of the first issue.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Issues, "; "))
}

// Graph is the compiled form of a workflow definition: tasks indexed by
// name, adjacency in both directions and a topological order. A Graph
// is immutable after Compile and safe for concurrent use.
type Graph struct {
	tasks      map[string]models.TaskSpec
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// Compile validates a definition and builds its graph. It rejects
// definitions with no tasks, duplicate or empty task names, missing
// handlers, negative timeouts or retry policies, edges referencing
// unknown tasks, self-edges and dependency cycles. Duplicate edges are
// collapsed.
func Compile(def models.WorkflowDefinition) (*Graph, error) {
	var issues []string

	if len(def.Tasks) == 0 {
		issues = append(issues, "definition has no tasks")
	}

	tasks := make(map[string]models.TaskSpec, len(def.Tasks))
	for _, t := range def.Tasks {
		if t.Name == "" {
			issues = append(issues, "task with empty name")
			continue
		}
		if _, ok := tasks[t.Name]; ok {
			issues = append(issues, fmt.Sprintf("duplicate task name %q", t.Name))
			continue
		}
		if t.Handler == "" {
			issues = append(issues, fmt.Sprintf("task %q has no handler", t.Name))
		}
		if t.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("task %q has negative timeout", t.Name))
		}
		if t.Retry.MaxRetries < 0 {
			issues = append(issues, fmt.Sprintf("task %q has negative max_retries", t.Name))
		}
		if t.Retry.BaseDelay < 0 || t.Retry.MaxDelay < 0 {
			issues = append(issues, fmt.Sprintf("task %q has negative retry delay", t.Name))
		}
		tasks[t.Name] = t
	}

	depSet := make(map[string]map[string]bool, len(tasks))
	depdSet := make(map[string]map[string]bool, len(tasks))
	for _, e := range def.Edges {
		if _, ok := tasks[e.From]; !ok {
			issues = append(issues, fmt.Sprintf("edge references unknown task %q", e.From))
			continue
		}
		if _, ok := tasks[e.To]; !ok {
			issues = append(issues, fmt.Sprintf("edge references unknown task %q", e.To))
			continue
		}
		if e.From == e.To {
			issues = append(issues, fmt.Sprintf("task %q depends on itself", e.From))
			continue
		}
		if depSet[e.To] == nil {
			depSet[e.To] = make(map[string]bool)
		}
		if depdSet[e.From] == nil {
			depdSet[e.From] = make(map[string]bool)
		}
		depSet[e.To][e.From] = true
		depdSet[e.From][e.To] = true
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	g := &Graph{
		tasks:      tasks,
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for name := range tasks {
		g.deps[name] = sortedKeys(depSet[name])
		g.dependents[name] = sortedKeys(depdSet[name])
	}

	order, err := topologicalOrder(tasks, g.deps, g.dependents)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topologicalOrder runs Kahn's algorithm. Tasks never drained from the
// queue are part of at least one cycle and get reported by name.
func topologicalOrder(tasks map[string]models.TaskSpec, deps, dependents map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(tasks))
	for name := range tasks {
		inDegree[name] = len(deps[name])
	}

	var queue []string
	for name := range tasks {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(tasks) {
		var cyclic []string
		for name := range tasks {
			if inDegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &ValidationError{
			Issues: []string{fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(cyclic, ", "))},
		}
	}
	return order, nil
}

// Task returns the spec of the named task.
func (g *Graph) Task(name string) (models.TaskSpec, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Order returns the task names in a topological order: every task
// appears after all of its dependencies.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Deps returns the direct prerequisites of a task.
func (g *Graph) Deps(name string) []string {
	return g.deps[name]
}

// Dependents returns the tasks directly unblocked by a task.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
