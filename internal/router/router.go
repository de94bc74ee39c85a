// Package router maps task queues to executor names using the static
// routing rule table loaded at startup.
package router

import (
	"fmt"

	"yqhp/task-scheduler/pkg/types"
)

// ConfigurationError indicates a queue that no routing rule covers and
// no default executor can absorb.
type ConfigurationError struct {
	Queue string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no executor configured for queue %q and no default executor set", e.Queue)
}

// Router resolves queue names to executor names. The rule table is
// immutable after construction, so lookups need no locking.
type Router struct {
	rules       map[string]string
	defaultExec string
}

// New builds a Router from routing rules and an optional default executor.
func New(rules []types.RoutingRule, defaultExecutor string) *Router {
	table := make(map[string]string, len(rules))
	for _, r := range rules {
		table[r.Queue] = r.Executor
	}
	return &Router{
		rules:       table,
		defaultExec: defaultExecutor,
	}
}

// Route returns the executor name responsible for the given queue.
// An empty queue is treated as the default queue.
func (r *Router) Route(queue string) (string, error) {
	if queue == "" {
		queue = types.DefaultQueue
	}
	if exec, ok := r.rules[queue]; ok {
		return exec, nil
	}
	if r.defaultExec != "" {
		return r.defaultExec, nil
	}
	return "", &ConfigurationError{Queue: queue}
}

// Queues returns all explicitly routed queue names.
func (r *Router) Queues() []string {
	queues := make([]string, 0, len(r.rules))
	for q := range r.rules {
		queues = append(queues, q)
	}
	return queues
}

// Default returns the default executor name, if any.
func (r *Router) Default() string {
	return r.defaultExec
}
