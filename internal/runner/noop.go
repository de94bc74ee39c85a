package runner

import (
	"context"

	"yqhp/task-scheduler/pkg/types"
)

// NoopRunner does nothing and succeeds. Useful as a join point in DAGs
// and as the default action kind.
type NoopRunner struct{}

// NewNoopRunner creates a noop runner.
func NewNoopRunner() *NoopRunner {
	return &NoopRunner{}
}

// Kind returns the action kind identifier.
func (r *NoopRunner) Kind() string {
	return "noop"
}

// Run returns immediately with an empty output.
func (r *NoopRunner) Run(ctx context.Context, action types.Action, vars map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}
