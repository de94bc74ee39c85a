package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"yqhp/task-scheduler/pkg/types"
)

const defaultShellTimeout = 60 * time.Second

// ShellRunner executes a shell command as the task action. Params:
// command (required), env, workdir, timeout.
type ShellRunner struct {
	shell     string
	shellArgs []string
}

// NewShellRunner creates a shell runner using the platform shell.
func NewShellRunner() *ShellRunner {
	if runtime.GOOS == "windows" {
		return &ShellRunner{shell: "cmd", shellArgs: []string{"/C"}}
	}
	return &ShellRunner{shell: "/bin/sh", shellArgs: []string{"-c"}}
}

// Kind returns the action kind identifier.
func (r *ShellRunner) Kind() string {
	return "shell"
}

// Run executes the command and returns stdout, stderr and the exit code.
func (r *ShellRunner) Run(ctx context.Context, action types.Action, vars map[string]any) (map[string]any, error) {
	command := paramString(action.Params, "command", "")
	if command == "" {
		return nil, fmt.Errorf("shell action requires a command parameter")
	}

	timeout := defaultShellTimeout
	if s := paramString(action.Params, "timeout", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid shell timeout: %w", err)
		}
		timeout = d
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), r.shellArgs...), command)
	cmd := exec.Command(r.shell, args...)

	cmd.Env = os.Environ()
	if env, ok := action.Params["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if workdir := paramString(action.Params, "workdir", ""); workdir != "" {
		cmd.Dir = workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so cancellation reaches the whole tree. A
	// descendant inheriting the stdout pipe would otherwise keep Wait
	// blocked until it exits on its own.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitCh:
	case <-runCtx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		err = <-waitCh
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	output := map[string]any{
		"stdout":    strings.TrimRight(stdout.String(), "\n"),
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
		"exit_code": exitCode,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out after %v", timeout)
	}
	if runCtx.Err() == context.Canceled {
		return output, fmt.Errorf("command cancelled")
	}
	if err != nil {
		return output, fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}
