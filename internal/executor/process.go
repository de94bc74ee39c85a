package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

// ProcessExecutorName is the routing identity of the process executor.
const ProcessExecutorName = "process"

// ProcessResult is the JSON document a task subprocess writes to stdout.
type ProcessResult struct {
	Output map[string]any `json:"output,omitempty"`
	Vars   map[string]any `json:"vars,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ProcessExecutor launches one subprocess per task instance, isolating
// task work from the scheduler the way a container-per-task backend
// would. The subprocess reads an executor Payload as JSON on stdin and
// writes a ProcessResult as its last stdout line.
type ProcessExecutor struct {
	cfg config.ProcessExecutorConfig

	// binary is the command prefix to launch; defaults to re-invoking
	// the current binary's hidden run-task command.
	binary []string

	buf *stateBuffer
	sem chan struct{}

	procs   map[types.InstanceKey]*os.Process
	procsMu sync.Mutex

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewProcessExecutor creates a process executor.
func NewProcessExecutor(cfg config.ProcessExecutorConfig) *ProcessExecutor {
	return &ProcessExecutor{
		cfg:   cfg,
		buf:   newStateBuffer(),
		sem:   make(chan struct{}, cfg.MaxProcesses),
		procs: make(map[types.InstanceKey]*os.Process),
	}
}

// WithBinary overrides the launched command, mainly for tests.
func (e *ProcessExecutor) WithBinary(binary ...string) *ProcessExecutor {
	e.binary = binary
	return e
}

// Name returns the executor identity.
func (e *ProcessExecutor) Name() string {
	return ProcessExecutorName
}

// Start resolves the task runner binary.
func (e *ProcessExecutor) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("process executor already started")
	}
	e.stopCh = make(chan struct{})

	if len(e.binary) == 0 {
		self, err := os.Executable()
		if err != nil {
			e.running.Store(false)
			return fmt.Errorf("resolve executable: %w", err)
		}
		e.binary = []string{self, "run-task"}
	}
	logger.Info("process executor started, max %d processes", e.cfg.MaxProcesses)
	return nil
}

// Submit launches a subprocess for the payload. All slots being taken
// is a transient refusal.
func (e *ProcessExecutor) Submit(ctx context.Context, p *Payload) (types.AssignmentHandle, error) {
	if !e.running.Load() {
		return "", NewStoppedError(e.Name())
	}

	select {
	case e.sem <- struct{}{}:
	default:
		return "", NewTransientError(fmt.Sprintf("all %d process slots busy", cap(e.sem)), nil)
	}

	input, err := json.Marshal(p)
	if err != nil {
		<-e.sem
		return "", NewPermanentError("marshal payload", err)
	}

	e.wg.Add(1)
	go e.launch(ctx, p, input)

	return types.AssignmentHandle(uuid.New().String()), nil
}

func (e *ProcessExecutor) launch(ctx context.Context, p *Payload, input []byte) {
	defer e.wg.Done()
	defer func() { <-e.sem }()

	cmd := exec.Command(e.binary[0], e.binary[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so Cancel can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		e.buf.push(change(p.Key, types.TaskStateFailed, fmt.Sprintf("start process: %v", err), nil))
		return
	}

	e.procsMu.Lock()
	e.procs[p.Key] = cmd.Process
	e.procsMu.Unlock()
	defer func() {
		e.procsMu.Lock()
		delete(e.procs, p.Key)
		e.procsMu.Unlock()
	}()

	e.buf.push(change(p.Key, types.TaskStateRunning, fmt.Sprintf("pid %d", cmd.Process.Pid), nil))

	done := make(chan struct{})
	go heartbeatLoop(e.buf, p.Key, 5*time.Second, done)

	err := cmd.Wait()
	close(done)

	result := parseProcessResult(stdout.Bytes())
	if err != nil {
		msg := result.Error
		if msg == "" {
			msg = strings.TrimSpace(stderr.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		e.buf.push(change(p.Key, types.TaskStateFailed, msg, result.Output))
		return
	}
	if result.Error != "" {
		e.buf.push(change(p.Key, types.TaskStateFailed, result.Error, result.Output))
		return
	}

	sc := change(p.Key, types.TaskStateSuccess, "", result.Output)
	sc.Vars = result.Vars
	e.buf.push(sc)
}

// parseProcessResult reads the last stdout line as a ProcessResult.
// Missing or malformed output yields an empty result; the exit code
// still decides success.
func parseProcessResult(stdout []byte) ProcessResult {
	var result ProcessResult
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	if len(lines) == 0 {
		return result
	}
	last := lines[len(lines)-1]
	_ = json.Unmarshal(last, &result)
	return result
}

// Poll drains pending state changes.
func (e *ProcessExecutor) Poll(ctx context.Context) []types.StateChange {
	return e.buf.drain()
}

// Cancel terminates the subprocess group for the instance: SIGTERM,
// then SIGKILL after the grace period.
func (e *ProcessExecutor) Cancel(ctx context.Context, key types.InstanceKey) error {
	e.procsMu.Lock()
	proc, ok := e.procs[key]
	e.procsMu.Unlock()

	if !ok {
		return &ExecutorError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no live process for %s", key)}
	}

	pgid := -proc.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process group: %w", err)
	}

	grace := e.cfg.KillGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	go func() {
		time.Sleep(grace)
		e.procsMu.Lock()
		_, alive := e.procs[key]
		e.procsMu.Unlock()
		if alive {
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	}()
	return nil
}

// Stop waits for in-flight processes.
func (e *ProcessExecutor) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("process executor stopped")
	return nil
}
