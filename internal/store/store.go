// Package store provides the durable state behind the scheduler: DAG
// runs, task instances and the dispatch leadership lease. All task
// instance mutation goes through UpdateInstance, which enforces
// optimistic locking so concurrent schedulers cannot clobber each other.
package store

import (
	"context"
	"errors"
	"time"

	"yqhp/task-scheduler/pkg/types"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConflict indicates an update observed a stale version.
	ErrConflict = errors.New("version conflict")
)

// InstanceFilter narrows ListInstances results.
type InstanceFilter struct {
	RunID  string
	States []types.TaskState
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	DagID  string
	States []types.RunState
	Limit  int
}

// Store is the transactional interface over scheduler state.
type Store interface {
	// CreateRun persists a new DAG run.
	CreateRun(ctx context.Context, run *types.DagRun) error

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, id string) (*types.DagRun, error)

	// UpdateRun updates a run; the run's Version must match the stored
	// one or ErrConflict is returned. The stored version is incremented.
	UpdateRun(ctx context.Context, run *types.DagRun) error

	// ListRuns lists runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DagRun, error)

	// CreateInstance persists a new task instance.
	CreateInstance(ctx context.Context, ti *types.TaskInstance) error

	// GetInstance returns an instance by key.
	GetInstance(ctx context.Context, key types.InstanceKey) (*types.TaskInstance, error)

	// UpdateInstance updates an instance under optimistic locking; the
	// instance's Version must match or ErrConflict is returned.
	UpdateInstance(ctx context.Context, ti *types.TaskInstance) error

	// ListInstances lists instances matching the filter.
	ListInstances(ctx context.Context, filter *InstanceFilter) ([]*types.TaskInstance, error)

	// AcquireLease attempts to take or renew the named lease for holder.
	// It returns true when the holder owns the lease after the call.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease gives up the named lease if holder owns it.
	ReleaseLease(ctx context.Context, name, holder string) error

	// Close releases underlying resources.
	Close() error
}
