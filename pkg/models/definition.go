package models

import "time"

// WorkflowDefinition is an immutable, versioned description of a workflow:
// a set of named tasks plus the dependency edges between them. Identity is
// the (Name, Version) pair. Registering a changed definition under an
// existing name produces a new version; existing versions are never
// mutated so that running workflows always see the graph they started
// with. Deprecated marks a version as closed for new runs.
type WorkflowDefinition struct {
	Name       string     `json:"name" db:"name"`
	Version    int        `json:"version" db:"version"`
	Tasks      []TaskSpec `json:"tasks"`
	Edges      []Edge     `json:"edges,omitempty"`
	Deprecated bool       `json:"deprecated,omitempty" db:"deprecated"`
	CreatedAt  time.Time  `json:"created_at,omitempty" db:"created_at"`
}

// Task returns the spec of the named task, if present.
func (d WorkflowDefinition) Task(name string) (TaskSpec, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// TaskSpec is a single task node within a definition. Handler is an
// opaque reference resolved against the executor's handler registry at
// run time; the definition itself carries no code.
type TaskSpec struct {
	Name    string      `json:"name"`
	Handler string      `json:"handler"`
	Timeout Duration    `json:"timeout,omitempty"`
	Retry   RetryPolicy `json:"retry,omitempty"`
}

// Edge declares that task To depends on task From: To may only start
// once From has succeeded.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RetryPolicy controls re-execution of a failed or timed out task.
// MaxRetries counts retries beyond the first attempt, so MaxRetries 2
// allows three attempts in total. Delays between attempts grow
// exponentially from BaseDelay up to MaxDelay; Jitter randomizes each
// delay within [delay/2, delay] to avoid thundering herds.
type RetryPolicy struct {
	MaxRetries int      `json:"max_retries,omitempty"`
	BaseDelay  Duration `json:"base_delay,omitempty"`
	MaxDelay   Duration `json:"max_delay,omitempty"`
	Jitter     bool     `json:"jitter,omitempty"`
}
