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

// BrokerExecutorName is the routing identity of the broker executor.
const BrokerExecutorName = "broker"

// BrokerExecutor runs task instances through a message broker and a
// pool of queue-consuming workers, in the manner of a Celery deployment.
// Workers register with heartbeats; submissions for queues no online
// worker serves are refused as transient so the scheduler backs off.
type BrokerExecutor struct {
	cfg     config.BrokerExecutorConfig
	runners *runner.Registry

	broker   *Broker
	registry *WorkerRegistry
	buf      *stateBuffer

	// queues served by the in-process workers; defaults to every
	// explicitly routed queue plus the default queue.
	queues []string

	workers []*brokerWorker

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewBrokerExecutor creates a broker executor whose in-process workers
// consume the given queues.
func NewBrokerExecutor(cfg config.BrokerExecutorConfig, runners *runner.Registry, queues []string) *BrokerExecutor {
	if len(queues) == 0 {
		queues = []string{types.DefaultQueue}
	}
	return &BrokerExecutor{
		cfg:      cfg,
		runners:  runners,
		broker:   NewBroker(),
		registry: NewWorkerRegistry(),
		buf:      newStateBuffer(),
		queues:   queues,
	}
}

// Name returns the executor identity.
func (e *BrokerExecutor) Name() string {
	return BrokerExecutorName
}

// Registry exposes the worker registry for inspection.
func (e *BrokerExecutor) Registry() *WorkerRegistry {
	return e.registry
}

// Start launches the configured number of workers.
func (e *BrokerExecutor) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("broker executor already started")
	}
	e.stopCh = make(chan struct{})

	for i := 0; i < e.cfg.Workers; i++ {
		w := newBrokerWorker(fmt.Sprintf("worker-%s", uuid.New().String()[:8]), e, e.queues)
		if err := e.registry.Register(&types.WorkerInfo{
			ID:          w.id,
			Queues:      e.queues,
			Concurrency: e.cfg.WorkerConcurrency,
		}); err != nil {
			return err
		}
		e.workers = append(e.workers, w)
		e.wg.Add(1)
		go w.run(ctx)
	}
	logger.Info("broker executor started with %d workers on queues %v", e.cfg.Workers, e.queues)
	return nil
}

// Submit publishes the payload to its queue. Queues without an online
// worker are refused as transient: a worker may come back.
func (e *BrokerExecutor) Submit(ctx context.Context, p *Payload) (types.AssignmentHandle, error) {
	if !e.running.Load() {
		return "", NewStoppedError(e.Name())
	}
	if !e.registry.OnlineForQueue(p.Queue) {
		return "", NewTransientError(fmt.Sprintf("no online worker for queue %q", p.Queue), nil)
	}

	e.broker.Publish(p)
	return types.AssignmentHandle(uuid.New().String()), nil
}

// Poll drains pending state changes and expires stale workers.
func (e *BrokerExecutor) Poll(ctx context.Context) []types.StateChange {
	if stale := e.registry.MarkStale(3 * e.cfg.HeartbeatInterval); len(stale) > 0 {
		logger.Warn("broker workers missed heartbeats: %v", stale)
	}
	return e.buf.drain()
}

// Cancel removes the instance from the queue if still queued, otherwise
// interrupts the worker running it.
func (e *BrokerExecutor) Cancel(ctx context.Context, key types.InstanceKey) error {
	if e.broker.Remove(key) {
		e.buf.push(change(key, types.TaskStateFailed, "cancelled before execution", nil))
		return nil
	}
	for _, w := range e.workers {
		if w.cancel(key) {
			return nil
		}
	}
	return &ExecutorError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no live execution for %s", key)}
}

// Stop shuts down all workers, waiting for in-flight tasks. Workers
// are drained first so the workers API reports the shutdown, then
// unregistered once their tasks have finished.
func (e *BrokerExecutor) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	for _, w := range e.workers {
		if err := e.registry.Drain(w.id); err != nil {
			logger.Debug("drain worker %s: %v", w.id, err)
		}
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
	for _, w := range e.workers {
		_ = e.registry.Unregister(w.id)
	}
	logger.Info("broker executor stopped")
	return nil
}

// brokerWorker consumes payloads from the broker for its queues.
type brokerWorker struct {
	id     string
	parent *BrokerExecutor
	queues []string

	active    atomic.Int32
	cancels   map[types.InstanceKey]context.CancelFunc
	cancelsMu sync.Mutex

	// sem bounds concurrent task executions on this worker.
	sem chan struct{}
}

func newBrokerWorker(id string, parent *BrokerExecutor, queues []string) *brokerWorker {
	return &brokerWorker{
		id:      id,
		parent:  parent,
		queues:  queues,
		cancels: make(map[types.InstanceKey]context.CancelFunc),
		sem:     make(chan struct{}, parent.cfg.WorkerConcurrency),
	}
}

func (w *brokerWorker) run(ctx context.Context) {
	defer w.parent.wg.Done()

	heartbeat := time.NewTicker(w.parent.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var taskWg sync.WaitGroup
	defer taskWg.Wait()

	for {
		select {
		case <-w.parent.stopCh:
			return
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_ = w.parent.registry.Heartbeat(w.id, int(w.active.Load()))
		case <-w.parent.broker.Notify():
		}

		for {
			select {
			case w.sem <- struct{}{}:
			case <-w.parent.stopCh:
				return
			case <-ctx.Done():
				return
			}

			p := w.parent.broker.TryConsume(w.queues)
			if p == nil {
				<-w.sem
				break
			}

			taskWg.Add(1)
			go func(p *Payload) {
				defer taskWg.Done()
				defer func() { <-w.sem }()
				w.execute(ctx, p)
			}(p)
		}
	}
}

func (w *brokerWorker) execute(ctx context.Context, p *Payload) {
	w.active.Add(1)
	defer w.active.Add(-1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.cancelsMu.Lock()
	w.cancels[p.Key] = cancel
	w.cancelsMu.Unlock()
	defer func() {
		w.cancelsMu.Lock()
		delete(w.cancels, p.Key)
		w.cancelsMu.Unlock()
	}()

	buf := w.parent.buf
	buf.push(change(p.Key, types.TaskStateRunning, "worker "+w.id, nil))

	done := make(chan struct{})
	go heartbeatLoop(buf, p.Key, w.parent.cfg.HeartbeatInterval, done)

	sc := runPayload(runCtx, w.parent.runners, p)
	close(done)
	buf.push(sc)
}

// cancel interrupts the instance if this worker runs it.
func (w *brokerWorker) cancel(key types.InstanceKey) bool {
	w.cancelsMu.Lock()
	defer w.cancelsMu.Unlock()

	if cancelFn, ok := w.cancels[key]; ok {
		cancelFn()
		return true
	}
	return false
}
