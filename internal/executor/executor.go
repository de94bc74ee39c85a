// Package executor provides the pluggable executor adapters that run
// task instances: an in-process worker pool, a message-broker backed
// pool of workers, and a subprocess-per-task adapter. Adapters accept
// submissions and report progress asynchronously as state changes which
// the reconciler applies to canonical state.
package executor

import (
	"context"
	"sync"
	"time"

	"yqhp/task-scheduler/pkg/types"
)

// Payload is everything an executor needs to run one task instance.
// It is a snapshot taken at dispatch time so executors never read the
// store or the DAG.
type Payload struct {
	Key     types.InstanceKey
	DagID   string
	Queue   string
	Action  types.Action
	Extract map[string]string
	Vars    map[string]any
	Timeout time.Duration
}

// Executor is the adapter interface between the scheduler and a task
// execution backend.
type Executor interface {
	// Name returns the executor identity used by routing rules.
	Name() string

	// Start launches the executor's background machinery.
	Start(ctx context.Context) error

	// Submit hands a task instance to the executor. A nil error means
	// the executor has accepted responsibility for reporting a terminal
	// state change for the instance. Transient refusals are reported
	// with ErrCodeSubmitTransient so callers can retry with backoff.
	Submit(ctx context.Context, p *Payload) (types.AssignmentHandle, error)

	// Poll drains pending state changes. Repeated running changes for
	// the same key act as heartbeats.
	Poll(ctx context.Context) []types.StateChange

	// Cancel propagates cancellation to the execution unit that runs
	// the given instance.
	Cancel(ctx context.Context, key types.InstanceKey) error

	// Stop shuts the executor down, waiting for in-flight work.
	Stop(ctx context.Context) error
}

// stateBuffer collects state changes between polls.
type stateBuffer struct {
	changes []types.StateChange
	mu      sync.Mutex
}

func newStateBuffer() *stateBuffer {
	return &stateBuffer{}
}

func (b *stateBuffer) push(sc types.StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, sc)
}

func (b *stateBuffer) drain() []types.StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.changes
	b.changes = nil
	return out
}

// change builds a StateChange stamped with the current time.
func change(key types.InstanceKey, state types.TaskState, msg string, output map[string]any) types.StateChange {
	return types.StateChange{
		Key:       key,
		State:     state,
		Message:   msg,
		Output:    output,
		Timestamp: time.Now(),
	}
}
