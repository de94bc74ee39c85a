package dag

import (
	"fmt"
	"strings"

	"yqhp/task-scheduler/pkg/types"
)

// knownActionKinds lists the runner kinds tasks may declare.
var knownActionKinds = map[string]bool{
	"noop":   true,
	"script": true,
	"http":   true,
	"shell":  true,
}

// Validate checks structural soundness of a DAG: non-empty, unique task
// IDs, known dependency references, known action kinds, no cycles.
func Validate(d *types.DAG) error {
	if d.ID == "" {
		return &ParseError{Message: "dag id must not be empty"}
	}
	if len(d.Tasks) == 0 {
		return &ParseError{Message: fmt.Sprintf("dag %s has no tasks", d.ID)}
	}

	ids := make(map[string]bool, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			return &ParseError{Message: "task id must not be empty"}
		}
		if ids[t.ID] {
			return &ParseError{Message: fmt.Sprintf("duplicate task id: %s", t.ID)}
		}
		ids[t.ID] = true

		if !knownActionKinds[t.Action.Kind] {
			return &ParseError{Message: fmt.Sprintf("task %s: unknown action kind: %s", t.ID, t.Action.Kind)}
		}
		if t.Retries < 0 {
			return &ParseError{Message: fmt.Sprintf("task %s: retries must not be negative", t.ID)}
		}
	}

	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return &ParseError{Message: fmt.Sprintf("task %s depends on unknown task: %s", t.ID, dep)}
			}
			if dep == t.ID {
				return &ParseError{Message: fmt.Sprintf("task %s depends on itself", t.ID)}
			}
		}
	}

	if cycle := findCycle(d); len(cycle) > 0 {
		return &ParseError{Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> "))}
	}
	return nil
}

// findCycle runs a three-color DFS and returns one cycle if present.
func findCycle(d *types.DAG) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range d.Task(id).DependsOn {
			switch color[dep] {
			case gray:
				// Close the loop for the error message.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, t := range d.Tasks {
		if color[t.ID] == white {
			if visit(t.ID) {
				return cycle
			}
		}
	}
	return nil
}

// ReadyTasks returns the tasks whose upstream dependencies have all
// reached success, given the latest state per task ID. Tasks that
// already have a live instance are excluded by the caller; this helper
// only evaluates the dependency gate.
func ReadyTasks(d *types.DAG, latest map[string]types.TaskState) []*types.Task {
	var ready []*types.Task
	for _, t := range d.Tasks {
		ok := true
		for _, dep := range t.DependsOn {
			if latest[dep] != types.TaskStateSuccess {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// BlockedTasks returns the tasks that can never run because an upstream
// dependency failed terminally or was itself skipped. Skipped counts as
// blocking so skips propagate down the graph.
func BlockedTasks(d *types.DAG, latest map[string]types.TaskState) []*types.Task {
	var blocked []*types.Task
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if st := latest[dep]; st == types.TaskStateFailed || st == types.TaskStateSkipped {
				blocked = append(blocked, t)
				break
			}
		}
	}
	return blocked
}
