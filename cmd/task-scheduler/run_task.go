package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/runner"
)

// runTaskCmd is the subprocess entry point used by the process
// executor: it reads a task payload as JSON on stdin, runs the action
// and writes a result document as the last stdout line.
var runTaskCmd = &cobra.Command{
	Use:    "run-task",
	Hidden: true,
	RunE:   runTask,
}

func init() {
	rootCmd.AddCommand(runTaskCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var payload executor.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	result := executeTask(cmd.Context(), &payload)
	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))

	if result.Error != "" {
		// Non-zero exit so the parent sees the failure even if stdout
		// is lost.
		os.Exit(1)
	}
	return nil
}

func executeTask(ctx context.Context, payload *executor.Payload) executor.ProcessResult {
	runners := runner.DefaultRegistry()
	r, err := runners.Get(payload.Action.Kind)
	if err != nil {
		return executor.ProcessResult{Error: err.Error()}
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	output, err := r.Run(ctx, payload.Action, payload.Vars)
	if err != nil {
		return executor.ProcessResult{Output: output, Error: err.Error()}
	}

	vars, err := runner.Extract(payload.Extract, output)
	if err != nil {
		return executor.ProcessResult{Output: output, Error: err.Error()}
	}
	return executor.ProcessResult{Output: output, Vars: vars}
}
