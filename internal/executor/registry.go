package executor

import (
	"fmt"
	"sync"
)

// Registry manages executor registration and lookup by name.
type Registry struct {
	executors map[string]Executor
	mu        sync.RWMutex
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register registers an executor under its name. Registering the same
// name twice is an error.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return fmt.Errorf("cannot register nil executor")
	}
	name := exec.Name()
	if name == "" {
		return fmt.Errorf("executor name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor already registered: %s", name)
	}
	r.executors[name] = exec
	return nil
}

// MustRegister registers an executor and panics on error.
func (r *Registry) MustRegister(exec Executor) {
	if err := r.Register(exec); err != nil {
		panic(err)
	}
}

// Get returns the executor with the given name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[name]
	if !ok {
		return nil, &ExecutorError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no executor registered with name: %s", name)}
	}
	return exec, nil
}

// Names returns all registered executor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// All returns all registered executors.
func (r *Registry) All() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execs := make([]Executor, 0, len(r.executors))
	for _, e := range r.executors {
		execs = append(execs, e)
	}
	return execs
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
