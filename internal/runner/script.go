package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"yqhp/task-scheduler/pkg/types"
)

const defaultScriptTimeout = 60 * time.Second

// ScriptRunner executes JavaScript actions in an embedded goja runtime.
// The script sees `params` and `vars` globals and its completion value
// becomes the action output when it is an object.
type ScriptRunner struct{}

// NewScriptRunner creates a script runner.
func NewScriptRunner() *ScriptRunner {
	return &ScriptRunner{}
}

// Kind returns the action kind identifier.
func (r *ScriptRunner) Kind() string {
	return "script"
}

// Run executes the script in params["source"].
func (r *ScriptRunner) Run(ctx context.Context, action types.Action, vars map[string]any) (map[string]any, error) {
	source := paramString(action.Params, "source", "")
	if source == "" {
		return nil, fmt.Errorf("script action requires a source parameter")
	}

	timeout := defaultScriptTimeout
	if s := paramString(action.Params, "timeout", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid script timeout: %w", err)
		}
		timeout = d
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := vm.Set("params", action.Params); err != nil {
		return nil, fmt.Errorf("set params: %w", err)
	}
	if err := vm.Set("vars", vars); err != nil {
		return nil, fmt.Errorf("set vars: %w", err)
	}

	// Interrupt the VM on timeout or context cancellation; goja has no
	// native context support.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(source)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, fmt.Errorf("script interrupted: %w", runCtx.Err())
		}
		return nil, fmt.Errorf("script error: %w", err)
	}

	output := map[string]any{}
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		exported := value.Export()
		if m, ok := exported.(map[string]any); ok {
			output = m
		} else {
			output["value"] = exported
		}
	}
	return output, nil
}
