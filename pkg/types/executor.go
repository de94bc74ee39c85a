package types

import "time"

// AssignmentHandle is the executor-side identifier for an accepted
// submission, opaque to the scheduler.
type AssignmentHandle string

// Assignment binds a task instance to the executor that accepted it.
// It exists from dispatch until the instance reaches a terminal state;
// an instance never has more than one live assignment.
type Assignment struct {
	Key       InstanceKey
	Executor  string
	Handle    AssignmentHandle
	CreatedAt time.Time
}

// StateChange is an executor-reported transition for a task instance.
type StateChange struct {
	Key       InstanceKey
	State     TaskState
	Message   string
	Output    map[string]any
	// Vars holds run variables extracted from the output of a
	// successful attempt, to be merged into the DAG run.
	Vars      map[string]any
	Timestamp time.Time
}

// WorkerState represents the availability of a broker worker.
type WorkerState string

const (
	// WorkerStateOnline indicates the worker is consuming its queues.
	WorkerStateOnline WorkerState = "online"
	// WorkerStateOffline indicates the worker missed its heartbeat window.
	WorkerStateOffline WorkerState = "offline"
	// WorkerStateDraining indicates the worker finishes in-flight tasks
	// but accepts no new ones.
	WorkerStateDraining WorkerState = "draining"
)

// WorkerInfo describes a worker attached to the broker executor.
type WorkerInfo struct {
	ID          string
	Queues      []string
	Concurrency int
	Labels      map[string]string
}

// WorkerStatus is the mutable status of a registered worker.
type WorkerStatus struct {
	State       WorkerState
	ActiveTasks int
	LastSeen    time.Time
}
