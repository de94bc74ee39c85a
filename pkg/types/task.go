package types

import (
	"fmt"
	"time"
)

// TaskState represents the lifecycle state of a task instance.
type TaskState string

const (
	// TaskStateScheduled indicates the instance is ready but not yet dispatched.
	TaskStateScheduled TaskState = "scheduled"
	// TaskStateQueued indicates the instance has been accepted by an executor.
	TaskStateQueued TaskState = "queued"
	// TaskStateRunning indicates the instance is executing.
	TaskStateRunning TaskState = "running"
	// TaskStateSuccess indicates the instance finished successfully.
	TaskStateSuccess TaskState = "success"
	// TaskStateFailed indicates the instance failed terminally.
	TaskStateFailed TaskState = "failed"
	// TaskStateRetrying indicates this attempt failed and a follow-up
	// attempt will be scheduled once the retry delay elapses.
	TaskStateRetrying TaskState = "retrying"
	// TaskStateSkipped indicates the instance will never run because an
	// upstream dependency failed.
	TaskStateSkipped TaskState = "skipped"
	// TaskStateCancelling indicates cancellation has been requested and is
	// being propagated to the owning executor.
	TaskStateCancelling TaskState = "cancelling"
)

// IsTerminal reports whether the state is a terminal state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailed, TaskStateSkipped:
		return true
	}
	return false
}

// validTransitions maps each state to the states it may move to.
var validTransitions = map[TaskState][]TaskState{
	TaskStateScheduled:  {TaskStateQueued, TaskStateSkipped, TaskStateCancelling, TaskStateFailed, TaskStateRetrying},
	TaskStateQueued:     {TaskStateRunning, TaskStateSuccess, TaskStateFailed, TaskStateRetrying, TaskStateCancelling},
	TaskStateRunning:    {TaskStateSuccess, TaskStateFailed, TaskStateRetrying, TaskStateCancelling},
	TaskStateRetrying:   {TaskStateCancelling},
	TaskStateCancelling: {TaskStateFailed},
	TaskStateSuccess:    {},
	TaskStateFailed:     {},
	TaskStateSkipped:    {},
}

// CanTransition reports whether moving from -> to is a legal state change.
func CanTransition(from, to TaskState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InstanceKey uniquely identifies one attempt of one task in one run.
type InstanceKey struct {
	RunID     string
	TaskID    string
	TryNumber int
}

// String returns a human-readable form of the key.
func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.RunID, k.TaskID, k.TryNumber)
}

// TaskInstance is one execution attempt of one task within one workflow run.
// It is owned by the scheduler loop and mutated only through the reconciler.
type TaskInstance struct {
	RunID     string
	DagID     string
	TaskID    string
	TryNumber int

	State TaskState
	Queue string

	// Executor is the name of the executor the instance was dispatched
	// to, recorded in the store so every scheduler process can tell a
	// dispatched attempt from one that never left the queue.
	Executor string

	// MaxRetries and RetryDelay are copied from the task definition at
	// instance creation so the reconciler never reparses the DAG.
	MaxRetries int
	RetryDelay time.Duration

	DispatchedAt  *time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	LastHeartbeat *time.Time

	// RetryAt is set when the instance enters retrying and holds the
	// earliest time the next attempt may be scheduled.
	RetryAt *time.Time

	// Message carries the last executor-reported message, usually an error.
	Message string

	// Output holds the action output of a successful attempt.
	Output map[string]any

	// Version is the optimistic locking counter; every store update that
	// observes a stale version fails with ErrConflict.
	Version int64
}

// Key returns the identity of this instance.
func (t *TaskInstance) Key() InstanceKey {
	return InstanceKey{RunID: t.RunID, TaskID: t.TaskID, TryNumber: t.TryNumber}
}

// RetriesLeft reports whether the instance has retry attempts
// remaining. A task with N retries gets N+1 attempts in total.
func (t *TaskInstance) RetriesLeft() bool {
	return t.TryNumber <= t.MaxRetries
}

// Clone returns a deep copy of the instance.
func (t *TaskInstance) Clone() *TaskInstance {
	c := *t
	if t.DispatchedAt != nil {
		v := *t.DispatchedAt
		c.DispatchedAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		c.EndedAt = &v
	}
	if t.LastHeartbeat != nil {
		v := *t.LastHeartbeat
		c.LastHeartbeat = &v
	}
	if t.RetryAt != nil {
		v := *t.RetryAt
		c.RetryAt = &v
	}
	if t.Output != nil {
		c.Output = make(map[string]any, len(t.Output))
		for k, v := range t.Output {
			c.Output[k] = v
		}
	}
	return &c
}
