// Package reconciler applies executor-reported state changes to
// canonical task instance state. It is the only writer of task
// instance state after dispatch: it enforces legal transitions, applies
// retry policy, detects orphaned instances and keeps the assignment
// table honest.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/metrics"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

// casRetries bounds reload-and-retry attempts on version conflicts.
const casRetries = 3

// Reconciler drives task instance state from executor feedback.
type Reconciler struct {
	store    store.Store
	registry *executor.Registry
	metrics  *metrics.Collector

	heartbeatTimeout time.Duration

	// assignments holds the live executor assignment per instance.
	assignments map[types.InstanceKey]*types.Assignment
	// orphaned remembers which attempts were already marked by orphan
	// detection so each (instance, try) is marked at most once.
	orphaned map[types.InstanceKey]bool
	mu       sync.Mutex

	// subscribers receive applied state changes, e.g. the API event stream.
	subscribers []func(types.StateChange)
	subMu       sync.RWMutex
}

// New creates a reconciler.
func New(st store.Store, registry *executor.Registry, collector *metrics.Collector, heartbeatTimeout time.Duration) *Reconciler {
	return &Reconciler{
		store:            st,
		registry:         registry,
		metrics:          collector,
		heartbeatTimeout: heartbeatTimeout,
		assignments:      make(map[types.InstanceKey]*types.Assignment),
		orphaned:         make(map[types.InstanceKey]bool),
	}
}

// Subscribe registers a callback invoked for every applied state change.
func (r *Reconciler) Subscribe(fn func(types.StateChange)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Reconciler) notify(sc types.StateChange) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.subscribers {
		fn(sc)
	}
}

// Track records a new assignment at dispatch time. A second live
// assignment for the same instance is rejected.
func (r *Reconciler) Track(a *types.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.assignments[a.Key]; ok {
		return fmt.Errorf("instance %s already assigned to executor %s", a.Key, existing.Executor)
	}
	r.assignments[a.Key] = a
	return nil
}

// AssignmentFor returns the live assignment for an instance, if any.
func (r *Reconciler) AssignmentFor(key types.InstanceKey) (*types.Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[key]
	return a, ok
}

// LiveAssignments returns the number of live assignments.
func (r *Reconciler) LiveAssignments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assignments)
}

func (r *Reconciler) dropAssignment(key types.InstanceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, key)
	// The attempt is over; the orphan guard for it can be released
	// because terminal states admit no further transitions.
	delete(r.orphaned, key)
}

// Reconcile runs one reconciliation pass: drain every executor's state
// changes, apply them, propagate pending cancellations, then detect
// orphans.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var firstErr error

	for _, exec := range r.registry.All() {
		for _, sc := range exec.Poll(ctx) {
			if err := r.Apply(ctx, sc); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := r.propagateCancellations(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.DetectOrphans(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Apply applies one state change to the store. Unknown instances and
// changes for attempts that already finished are dropped: executors may
// report late.
func (r *Reconciler) Apply(ctx context.Context, sc types.StateChange) error {
	for attempt := 0; ; attempt++ {
		ti, err := r.store.GetInstance(ctx, sc.Key)
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("dropping state change for unknown instance %s", sc.Key)
			return nil
		}
		if err != nil {
			return err
		}

		applied, err := r.applyOnce(ctx, ti, sc)
		if errors.Is(err, store.ErrConflict) && attempt < casRetries {
			continue
		}
		if err != nil {
			return err
		}
		if applied {
			r.notify(sc)
		}
		return nil
	}
}

// applyOnce applies sc to the given instance snapshot. It returns
// whether the change was applied (as opposed to dropped).
func (r *Reconciler) applyOnce(ctx context.Context, ti *types.TaskInstance, sc types.StateChange) (bool, error) {
	// A repeated running report is a heartbeat, not a transition.
	if sc.State == types.TaskStateRunning && ti.State == types.TaskStateRunning {
		now := sc.Timestamp
		ti.LastHeartbeat = &now
		return false, r.store.UpdateInstance(ctx, ti)
	}

	target := sc.State
	// Failure reports are subject to the retry policy, except when the
	// instance asked to be cancelled.
	if target == types.TaskStateFailed && ti.State != types.TaskStateCancelling && ti.RetriesLeft() {
		target = types.TaskStateRetrying
	}

	if !types.CanTransition(ti.State, target) {
		logger.Debug("dropping illegal transition %s -> %s for %s", ti.State, target, sc.Key)
		return false, nil
	}

	now := sc.Timestamp
	switch target {
	case types.TaskStateRunning:
		ti.StartedAt = &now
		ti.LastHeartbeat = &now
	case types.TaskStateSuccess, types.TaskStateFailed, types.TaskStateSkipped:
		ti.EndedAt = &now
	case types.TaskStateRetrying:
		ti.EndedAt = &now
		retryAt := now.Add(ti.RetryDelay)
		ti.RetryAt = &retryAt
	}

	prev := ti.State
	ti.State = target
	if sc.Message != "" {
		ti.Message = sc.Message
	}
	if sc.Output != nil {
		ti.Output = sc.Output
	}

	if err := r.store.UpdateInstance(ctx, ti); err != nil {
		ti.State = prev
		return false, err
	}

	if target == types.TaskStateSuccess && len(sc.Vars) > 0 {
		if err := r.mergeRunVars(ctx, ti.RunID, sc.Vars); err != nil {
			logger.Warn("merge run variables for %s: %v", sc.Key, err)
		}
	}

	r.finishAttempt(ti, target)
	return true, nil
}

// finishAttempt releases the assignment and updates metrics when an
// attempt is over.
func (r *Reconciler) finishAttempt(ti *types.TaskInstance, target types.TaskState) {
	switch target {
	case types.TaskStateSuccess:
		r.dropAssignment(ti.Key())
		r.metrics.TaskSucceeded(attemptDuration(ti))
	case types.TaskStateFailed:
		r.dropAssignment(ti.Key())
		r.metrics.TaskFailed(attemptDuration(ti))
	case types.TaskStateRetrying:
		r.dropAssignment(ti.Key())
		r.metrics.TaskRetried()
	case types.TaskStateSkipped:
		r.dropAssignment(ti.Key())
	}
}

func attemptDuration(ti *types.TaskInstance) time.Duration {
	if ti.StartedAt == nil || ti.EndedAt == nil {
		return 0
	}
	return ti.EndedAt.Sub(*ti.StartedAt)
}

// mergeRunVars merges extracted variables into the run under CAS.
func (r *Reconciler) mergeRunVars(ctx context.Context, runID string, vars map[string]any) error {
	for attempt := 0; ; attempt++ {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Variables == nil {
			run.Variables = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			run.Variables[k] = v
		}
		err = r.store.UpdateRun(ctx, run)
		if errors.Is(err, store.ErrConflict) && attempt < casRetries {
			continue
		}
		return err
	}
}

// propagateCancellations forwards cancelling instances to the executor
// that owns them. An instance with no assignment in this process is
// failed directly only when it was never dispatched, or when its owner
// has gone quiet past the heartbeat timeout; a fresh dispatched
// instance belongs to another scheduler's reconciler.
func (r *Reconciler) propagateCancellations(ctx context.Context) error {
	cancelling, err := r.store.ListInstances(ctx, &store.InstanceFilter{
		States: []types.TaskState{types.TaskStateCancelling},
	})
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.heartbeatTimeout)
	for _, ti := range cancelling {
		key := ti.Key()
		if a, ok := r.AssignmentFor(key); ok {
			exec, err := r.registry.Get(a.Executor)
			if err != nil {
				return err
			}
			if err := exec.Cancel(ctx, key); err != nil {
				logger.Warn("cancel %s on %s: %v", key, a.Executor, err)
				continue
			}
			r.metrics.TaskCancelled()
			continue
		}

		if ti.Executor != "" {
			if last := lastSeen(ti); last != nil && last.After(cutoff) {
				continue
			}
		}

		sc := types.StateChange{
			Key:       key,
			State:     types.TaskStateFailed,
			Message:   "cancelled",
			Timestamp: time.Now(),
		}
		if err := r.Apply(ctx, sc); err != nil {
			return err
		}
		r.metrics.TaskCancelled()
	}
	return nil
}

// lastSeen returns the most recent sign of life of an instance:
// heartbeat, then start, then dispatch time.
func lastSeen(ti *types.TaskInstance) *time.Time {
	if ti.LastHeartbeat != nil {
		return ti.LastHeartbeat
	}
	if ti.StartedAt != nil {
		return ti.StartedAt
	}
	return ti.DispatchedAt
}

// DetectOrphans marks running instances without a recent heartbeat as
// failed-for-retry. Each attempt is marked at most once even if the
// store update races with a late executor report.
func (r *Reconciler) DetectOrphans(ctx context.Context) error {
	running, err := r.store.ListInstances(ctx, &store.InstanceFilter{
		States: []types.TaskState{types.TaskStateRunning, types.TaskStateQueued},
	})
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.heartbeatTimeout)
	for _, ti := range running {
		key := ti.Key()
		last := lastSeen(ti)
		if last == nil || last.After(cutoff) {
			continue
		}

		r.mu.Lock()
		already := r.orphaned[key]
		if !already {
			r.orphaned[key] = true
		}
		r.mu.Unlock()
		if already {
			continue
		}

		logger.Warn("instance %s lost its heartbeat, marking failed for retry", key)
		assignment, hasAssignment := r.AssignmentFor(key)
		sc := types.StateChange{
			Key:       key,
			State:     types.TaskStateFailed,
			Message:   fmt.Sprintf("no heartbeat within %v", r.heartbeatTimeout),
			Timestamp: time.Now(),
		}
		if err := r.Apply(ctx, sc); err != nil {
			// Release the guard so a store hiccup does not leave the
			// instance permanently unmarked.
			r.mu.Lock()
			delete(r.orphaned, key)
			r.mu.Unlock()
			return err
		}
		// Discard whatever the executor still holds for the stale
		// attempt: a payload left on its queue would otherwise run
		// late, after the attempt has already been written off.
		if hasAssignment {
			if exec, err := r.registry.Get(assignment.Executor); err == nil {
				if cerr := exec.Cancel(ctx, key); cerr != nil {
					logger.Debug("discard orphaned %s on %s: %v", key, assignment.Executor, cerr)
				}
			}
		}
		r.metrics.TaskOrphaned()
	}
	return nil
}
