package scheduler

import (
	"yqhp/task-scheduler/internal/dag"
	"yqhp/task-scheduler/pkg/types"
)

// latestAttempts keeps, per task ID, the instance with the highest try
// number. Earlier attempts are history and never drive scheduling.
func latestAttempts(instances []*types.TaskInstance) map[string]*types.TaskInstance {
	latest := make(map[string]*types.TaskInstance, len(instances))
	for _, ti := range instances {
		if cur, ok := latest[ti.TaskID]; !ok || ti.TryNumber > cur.TryNumber {
			latest[ti.TaskID] = ti
		}
	}
	return latest
}

// latestStates flattens latest attempts to a state-per-task map.
func latestStates(latest map[string]*types.TaskInstance) map[string]types.TaskState {
	states := make(map[string]types.TaskState, len(latest))
	for id, ti := range latest {
		states[id] = ti.State
	}
	return states
}

// readyWithoutInstance returns ready tasks that have no instance yet.
func readyWithoutInstance(d *types.DAG, states map[string]types.TaskState) []*types.Task {
	var out []*types.Task
	for _, t := range dag.ReadyTasks(d, states) {
		if _, exists := states[t.ID]; exists {
			continue
		}
		out = append(out, t)
	}
	return out
}

// blockedWithoutSkip returns blocked tasks that have no instance yet,
// so each gets skipped exactly once.
func blockedWithoutSkip(d *types.DAG, states map[string]types.TaskState, latest map[string]*types.TaskInstance) []*types.Task {
	var out []*types.Task
	for _, t := range dag.BlockedTasks(d, states) {
		if _, exists := latest[t.ID]; exists {
			continue
		}
		out = append(out, t)
	}
	return out
}
