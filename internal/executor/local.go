package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/internal/runner"
	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

// LocalExecutorName is the routing identity of the local executor.
const LocalExecutorName = "local"

// LocalExecutor runs task instances on an in-process worker pool. It is
// the default executor and the one the scheduler falls back to in
// single-node deployments.
type LocalExecutor struct {
	cfg     config.LocalExecutorConfig
	runners *runner.Registry

	submissions chan *Payload
	buf         *stateBuffer

	// cancels maps live instance keys to their cancel functions.
	cancels   map[types.InstanceKey]context.CancelFunc
	cancelsMu sync.Mutex

	heartbeatInterval time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewLocalExecutor creates a local executor backed by the given runners.
func NewLocalExecutor(cfg config.LocalExecutorConfig, runners *runner.Registry) *LocalExecutor {
	return &LocalExecutor{
		cfg:               cfg,
		runners:           runners,
		submissions:       make(chan *Payload, cfg.QueueSize),
		buf:               newStateBuffer(),
		cancels:           make(map[types.InstanceKey]context.CancelFunc),
		heartbeatInterval: 5 * time.Second,
	}
}

// Name returns the executor identity.
func (e *LocalExecutor) Name() string {
	return LocalExecutorName
}

// Start launches the worker pool.
func (e *LocalExecutor) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("local executor already started")
	}
	e.stopCh = make(chan struct{})

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	logger.Info("local executor started with %d workers", e.cfg.Workers)
	return nil
}

func (e *LocalExecutor) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case p := <-e.submissions:
			e.execute(ctx, p)
		}
	}
}

func (e *LocalExecutor) execute(ctx context.Context, p *Payload) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.cancelsMu.Lock()
	e.cancels[p.Key] = cancel
	e.cancelsMu.Unlock()
	defer func() {
		e.cancelsMu.Lock()
		delete(e.cancels, p.Key)
		e.cancelsMu.Unlock()
	}()

	e.buf.push(change(p.Key, types.TaskStateRunning, "", nil))

	done := make(chan struct{})
	go heartbeatLoop(e.buf, p.Key, e.heartbeatInterval, done)

	sc := runPayload(runCtx, e.runners, p)
	close(done)

	if runCtx.Err() == context.Canceled && sc.State == types.TaskStateFailed {
		sc.Message = "cancelled: " + sc.Message
	}
	e.buf.push(sc)
}

// Submit enqueues a payload onto the worker pool. A full queue is a
// transient refusal.
func (e *LocalExecutor) Submit(ctx context.Context, p *Payload) (types.AssignmentHandle, error) {
	if !e.running.Load() {
		return "", NewStoppedError(e.Name())
	}

	select {
	case e.submissions <- p:
		return types.AssignmentHandle(uuid.New().String()), nil
	default:
		return "", NewTransientError(fmt.Sprintf("local queue full (%d)", cap(e.submissions)), nil)
	}
}

// Poll drains pending state changes.
func (e *LocalExecutor) Poll(ctx context.Context) []types.StateChange {
	return e.buf.drain()
}

// Cancel interrupts the running instance with the given key. Queued
// payloads that have not started yet cannot be reached and fail on
// their own when the reconciler already moved the instance on.
func (e *LocalExecutor) Cancel(ctx context.Context, key types.InstanceKey) error {
	e.cancelsMu.Lock()
	cancel, ok := e.cancels[key]
	e.cancelsMu.Unlock()

	if !ok {
		return &ExecutorError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no live execution for %s", key)}
	}
	cancel()
	return nil
}

// Stop shuts the pool down and waits for in-flight work.
func (e *LocalExecutor) Stop(ctx context.Context) error {
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
	logger.Info("local executor stopped")
	return nil
}
