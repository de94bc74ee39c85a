package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"yqhp/task-scheduler/pkg/types"
)

// MemoryStore is the default single-process store implementation.
type MemoryStore struct {
	runs      map[string]*types.DagRun
	instances map[types.InstanceKey]*types.TaskInstance
	leases    map[string]*lease
	mu        sync.RWMutex
}

type lease struct {
	holder  string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*types.DagRun),
		instances: make(map[types.InstanceKey]*types.TaskInstance),
		leases:    make(map[string]*lease),
	}
}

// CreateRun persists a new DAG run.
func (s *MemoryStore) CreateRun(ctx context.Context, run *types.DagRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	stored := *run
	stored.Version = 1
	s.runs[run.ID] = &stored
	run.Version = 1
	return nil
}

// GetRun returns a run by ID.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*types.DagRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

// UpdateRun updates a run under optimistic locking.
func (s *MemoryStore) UpdateRun(ctx context.Context, run *types.DagRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != run.Version {
		return ErrConflict
	}
	updated := *run
	updated.Version = stored.Version + 1
	s.runs[run.ID] = &updated
	run.Version = updated.Version
	return nil
}

// ListRuns lists runs matching the filter, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DagRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.DagRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter != nil && !matchRun(run, filter) {
			continue
		}
		copied := *run
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filter != nil && filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchRun(run *types.DagRun, filter *RunFilter) bool {
	if filter.DagID != "" && run.DagID != filter.DagID {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, st := range filter.States {
			if run.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CreateInstance persists a new task instance.
func (s *MemoryStore) CreateInstance(ctx context.Context, ti *types.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ti.Key()
	if _, exists := s.instances[key]; exists {
		return ErrAlreadyExists
	}
	stored := ti.Clone()
	stored.Version = 1
	s.instances[key] = stored
	ti.Version = 1
	return nil
}

// GetInstance returns an instance by key.
func (s *MemoryStore) GetInstance(ctx context.Context, key types.InstanceKey) (*types.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.instances[key]
	if !ok {
		return nil, ErrNotFound
	}
	return ti.Clone(), nil
}

// UpdateInstance updates an instance under optimistic locking.
func (s *MemoryStore) UpdateInstance(ctx context.Context, ti *types.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ti.Key()
	stored, ok := s.instances[key]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != ti.Version {
		return ErrConflict
	}
	updated := ti.Clone()
	updated.Version = stored.Version + 1
	s.instances[key] = updated
	ti.Version = updated.Version
	return nil
}

// ListInstances lists instances matching the filter.
func (s *MemoryStore) ListInstances(ctx context.Context, filter *InstanceFilter) ([]*types.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.TaskInstance, 0)
	for _, ti := range s.instances {
		if filter != nil && !matchInstance(ti, filter) {
			continue
		}
		result = append(result, ti.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.TryNumber < b.TryNumber
	})
	return result, nil
}

func matchInstance(ti *types.TaskInstance, filter *InstanceFilter) bool {
	if filter.RunID != "" && ti.RunID != filter.RunID {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, st := range filter.States {
			if ti.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AcquireLease attempts to take or renew the named lease.
func (s *MemoryStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[name]
	if !ok || l.holder == holder || now.After(l.expires) {
		s.leases[name] = &lease{holder: holder, expires: now.Add(ttl)}
		return true, nil
	}
	return false, nil
}

// ReleaseLease gives up the named lease if holder owns it.
func (s *MemoryStore) ReleaseLease(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
