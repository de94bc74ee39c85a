package types

import "time"

// DAG is a workflow definition: a set of tasks with dependencies.
type DAG struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Tasks       []*Task           `yaml:"tasks"`
	Variables   map[string]any    `yaml:"variables,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// Task returns the task with the given ID, or nil.
func (d *DAG) Task(id string) *Task {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Task is one node of a DAG.
type Task struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name,omitempty"`
	Queue      string        `yaml:"queue,omitempty"`
	Retries    int           `yaml:"retries,omitempty"`
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`

	// DependsOn lists upstream task IDs that must all reach success
	// before this task becomes ready. A failed or skipped upstream
	// skips this task.
	DependsOn []string `yaml:"depends_on,omitempty"`

	Action Action `yaml:"action"`

	// Extract maps run-variable names to JSONPath expressions evaluated
	// against the action output of a successful attempt.
	Extract map[string]string `yaml:"extract,omitempty"`
}

// Action describes what a task does when it runs.
type Action struct {
	// Kind selects the runner: script, http, shell, noop.
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params,omitempty"`
}

// RunState represents the state of a whole DAG run.
type RunState string

const (
	// RunStateRunning indicates the run has non-terminal instances.
	RunStateRunning RunState = "running"
	// RunStateSuccess indicates all instances finished successfully.
	RunStateSuccess RunState = "success"
	// RunStateFailed indicates at least one instance failed terminally.
	RunStateFailed RunState = "failed"
	// RunStateCancelled indicates the run was cancelled.
	RunStateCancelled RunState = "cancelled"
)

// DagRun is one execution of a DAG.
type DagRun struct {
	ID        string
	DagID     string
	State     RunState
	Variables map[string]any
	StartedAt time.Time
	EndedAt   *time.Time
	Version   int64
}
