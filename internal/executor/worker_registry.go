package executor

import (
	"fmt"
	"sync"
	"time"

	"yqhp/task-scheduler/pkg/types"
)

// WorkerRegistry tracks the workers attached to the broker executor and
// their liveness.
type WorkerRegistry struct {
	workers map[string]*types.WorkerInfo
	status  map[string]*types.WorkerStatus
	mu      sync.RWMutex
}

// NewWorkerRegistry creates an empty worker registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*types.WorkerInfo),
		status:  make(map[string]*types.WorkerStatus),
	}
}

// Register registers a new worker as online.
func (r *WorkerRegistry) Register(info *types.WorkerInfo) error {
	if info == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	if info.ID == "" {
		return fmt.Errorf("worker ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[info.ID]; exists {
		return fmt.Errorf("worker already registered: %s", info.ID)
	}
	r.workers[info.ID] = info
	r.status[info.ID] = &types.WorkerStatus{
		State:    types.WorkerStateOnline,
		LastSeen: time.Now(),
	}
	return nil
}

// Unregister removes a worker.
func (r *WorkerRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; !exists {
		return fmt.Errorf("worker not found: %s", id)
	}
	delete(r.workers, id)
	delete(r.status, id)
	return nil
}

// Heartbeat refreshes a worker's liveness and active task count. An
// offline worker becomes online again on heartbeat.
func (r *WorkerRegistry) Heartbeat(id string, activeTasks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[id]
	if !exists {
		return fmt.Errorf("worker not found: %s", id)
	}
	status.LastSeen = time.Now()
	status.ActiveTasks = activeTasks
	if status.State == types.WorkerStateOffline {
		status.State = types.WorkerStateOnline
	}
	return nil
}

// MarkStale marks workers without a heartbeat within timeout offline
// and returns their IDs.
func (r *WorkerRegistry) MarkStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	cutoff := time.Now().Add(-timeout)
	for id, status := range r.status {
		if status.State == types.WorkerStateOnline && status.LastSeen.Before(cutoff) {
			status.State = types.WorkerStateOffline
			stale = append(stale, id)
		}
	}
	return stale
}

// Drain marks a worker as draining.
func (r *WorkerRegistry) Drain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[id]
	if !exists {
		return fmt.Errorf("worker not found: %s", id)
	}
	status.State = types.WorkerStateDraining
	return nil
}

// OnlineForQueue reports whether any online worker serves the queue.
func (r *WorkerRegistry) OnlineForQueue(queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, info := range r.workers {
		status := r.status[id]
		if status == nil || status.State != types.WorkerStateOnline {
			continue
		}
		for _, q := range info.Queues {
			if q == queue {
				return true
			}
		}
	}
	return false
}

// List returns all workers with their status.
func (r *WorkerRegistry) List() map[*types.WorkerInfo]*types.WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[*types.WorkerInfo]*types.WorkerStatus, len(r.workers))
	for id, info := range r.workers {
		status := *r.status[id]
		out[info] = &status
	}
	return out
}

// Count returns the number of registered workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
