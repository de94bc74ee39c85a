// Package runner executes task actions: the work a task instance
// performs once an executor has taken it on. Runners are registered by
// action kind and shared by all executor adapters.
package runner

import (
	"context"
	"fmt"
	"sync"

	"yqhp/task-scheduler/pkg/types"
)

// Runner executes one kind of task action.
type Runner interface {
	// Kind returns the action kind identifier.
	Kind() string

	// Run executes the action with the run variables in scope and
	// returns the action output.
	Run(ctx context.Context, action types.Action, vars map[string]any) (map[string]any, error)
}

// Registry manages runner registration and lookup.
type Registry struct {
	runners map[string]Runner
	mu      sync.RWMutex
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register registers a runner for its kind. Registering the same kind
// twice is an error.
func (r *Registry) Register(runner Runner) error {
	if runner == nil {
		return fmt.Errorf("cannot register nil runner")
	}
	kind := runner.Kind()
	if kind == "" {
		return fmt.Errorf("runner kind must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[kind]; exists {
		return fmt.Errorf("runner kind already registered: %s", kind)
	}
	r.runners[kind] = runner
	return nil
}

// MustRegister registers a runner and panics on error.
func (r *Registry) MustRegister(runner Runner) {
	if err := r.Register(runner); err != nil {
		panic(err)
	}
}

// Get returns the runner for a kind, or an error if none is registered.
func (r *Registry) Get(kind string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no runner registered for action kind: %s", kind)
	}
	return runner, nil
}

// Kinds returns all registered action kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	return kinds
}

// DefaultRegistry returns a registry with all built-in runners.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewNoopRunner())
	r.MustRegister(NewScriptRunner())
	r.MustRegister(NewHTTPRunner())
	r.MustRegister(NewShellRunner())
	return r
}

// paramString reads a string parameter from action params.
func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}
