package executor

import (
	"context"
	"time"

	"yqhp/task-scheduler/internal/runner"
	"yqhp/task-scheduler/pkg/types"
)

// runPayload executes a payload's action through the runner registry and
// converts the result into a terminal state change. Used by the local
// and broker adapters; the process adapter does the equivalent in a
// subprocess.
func runPayload(ctx context.Context, reg *runner.Registry, p *Payload) types.StateChange {
	r, err := reg.Get(p.Action.Kind)
	if err != nil {
		return change(p.Key, types.TaskStateFailed, err.Error(), nil)
	}

	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	output, err := r.Run(runCtx, p.Action, p.Vars)
	if err != nil {
		sc := change(p.Key, types.TaskStateFailed, err.Error(), output)
		return sc
	}

	vars, err := runner.Extract(p.Extract, output)
	if err != nil {
		return change(p.Key, types.TaskStateFailed, err.Error(), output)
	}

	sc := change(p.Key, types.TaskStateSuccess, "", output)
	sc.Vars = vars
	return sc
}

// heartbeatLoop emits running state changes for key until done closes.
func heartbeatLoop(buf *stateBuffer, key types.InstanceKey, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			buf.push(change(key, types.TaskStateRunning, "heartbeat", nil))
		}
	}
}
