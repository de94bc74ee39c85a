// Package scheduler contains the top-level control loop: it scans DAG
// runs for ready task instances, routes them to executors, dispatches,
// and drives the reconciler. Multiple scheduler processes may share a
// store; the dispatch phase is guarded by a store lease so only the
// leader creates and dispatches instances.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/metrics"
	"yqhp/task-scheduler/internal/reconciler"
	"yqhp/task-scheduler/internal/router"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

// dispatchLease is the store lease name guarding the dispatch phase.
const dispatchLease = "scheduler-dispatch"

// Scheduler is the top-level control loop.
type Scheduler struct {
	id  string
	cfg *config.Config

	store      store.Store
	router     *router.Router
	executors  *executor.Registry
	reconciler *reconciler.Reconciler
	metrics    *metrics.Collector

	// dags holds the registered DAG definitions by ID.
	dags   map[string]*types.DAG
	dagsMu sync.RWMutex

	isLeader atomic.Bool
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a scheduler.
func New(cfg *config.Config, st store.Store, rt *router.Router, execs *executor.Registry, rec *reconciler.Reconciler, collector *metrics.Collector) *Scheduler {
	return &Scheduler{
		id:         uuid.New().String(),
		cfg:        cfg,
		store:      st,
		router:     rt,
		executors:  execs,
		reconciler: rec,
		metrics:    collector,
		dags:       make(map[string]*types.DAG),
	}
}

// ID returns this scheduler process's identity.
func (s *Scheduler) ID() string {
	return s.id
}

// IsLeader reports whether this process currently holds the dispatch lease.
func (s *Scheduler) IsLeader() bool {
	return s.isLeader.Load()
}

// Metrics returns the metrics collector.
func (s *Scheduler) Metrics() *metrics.Collector {
	return s.metrics
}

// RegisterDAG registers a DAG definition, replacing any previous
// version with the same ID.
func (s *Scheduler) RegisterDAG(d *types.DAG) {
	s.dagsMu.Lock()
	defer s.dagsMu.Unlock()
	s.dags[d.ID] = d
}

// GetDAG returns a registered DAG by ID.
func (s *Scheduler) GetDAG(id string) (*types.DAG, error) {
	s.dagsMu.RLock()
	defer s.dagsMu.RUnlock()

	d, ok := s.dags[id]
	if !ok {
		return nil, fmt.Errorf("dag not registered: %s", id)
	}
	return d, nil
}

// DAGs returns all registered DAGs.
func (s *Scheduler) DAGs() []*types.DAG {
	s.dagsMu.RLock()
	defer s.dagsMu.RUnlock()

	out := make([]*types.DAG, 0, len(s.dags))
	for _, d := range s.dags {
		out = append(out, d)
	}
	return out
}

// Start launches the control loop and all registered executors.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already started")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	for _, exec := range s.executors.All() {
		if err := exec.Start(ctx); err != nil {
			return fmt.Errorf("start executor %s: %w", exec.Name(), err)
		}
	}

	go s.loop(ctx)
	logger.Info("scheduler %s started, poll interval %v", s.id, s.cfg.Scheduler.PollInterval)
	return nil
}

// Stop shuts down the loop and executors, releasing leadership.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, exec := range s.executors.All() {
		if err := exec.Stop(ctx); err != nil {
			logger.Warn("stop executor %s: %v", exec.Name(), err)
		}
	}

	if s.isLeader.Load() {
		if err := s.store.ReleaseLease(ctx, dispatchLease, s.id); err != nil {
			logger.Warn("release dispatch lease: %v", err)
		}
		s.isLeader.Store(false)
	}
	logger.Info("scheduler %s stopped", s.id)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Scheduler.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				logger.Error("scheduling cycle: %v", err)
			}
		}
	}
}

// RunCycle executes one scheduling cycle: renew leadership, dispatch if
// leader, then drive the reconciler. Exported so tests and embedded
// deployments can step the scheduler deterministically.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	leader, err := s.store.AcquireLease(ctx, dispatchLease, s.id, s.cfg.Scheduler.LeaderLease)
	if err != nil {
		return fmt.Errorf("acquire dispatch lease: %w", err)
	}
	if leader != s.isLeader.Swap(leader) {
		if leader {
			logger.Info("scheduler %s acquired dispatch leadership", s.id)
		} else {
			logger.Warn("scheduler %s lost dispatch leadership", s.id)
		}
	}

	var firstErr error
	if leader {
		if err := s.schedule(ctx); err != nil {
			firstErr = err
		}
	}

	if err := s.reconciler.Reconcile(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if leader {
		if err := s.finalizeRuns(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// schedule scans running DAG runs, creates instances for ready tasks
// and dispatches pending instances.
func (s *Scheduler) schedule(ctx context.Context) error {
	runs, err := s.store.ListRuns(ctx, &store.RunFilter{
		States: []types.RunState{types.RunStateRunning},
	})
	if err != nil {
		return err
	}

	budget := s.cfg.Scheduler.MaxDispatchPerCycle
	for _, run := range runs {
		d, err := s.GetDAG(run.DagID)
		if err != nil {
			logger.Warn("run %s references unknown dag %s", run.ID, run.DagID)
			continue
		}
		n, err := s.scheduleRun(ctx, run, d, budget)
		if err != nil {
			return err
		}
		budget -= n
		if budget <= 0 {
			break
		}
	}
	return nil
}

// scheduleRun advances one run: creates scheduled instances for ready
// tasks and retry attempts, skips blocked tasks, dispatches pending
// instances. Returns how many instances were dispatched.
func (s *Scheduler) scheduleRun(ctx context.Context, run *types.DagRun, d *types.DAG, budget int) (int, error) {
	instances, err := s.store.ListInstances(ctx, &store.InstanceFilter{RunID: run.ID})
	if err != nil {
		return 0, err
	}

	latest := latestAttempts(instances)

	// Create retry attempts whose delay has elapsed.
	now := time.Now()
	for _, ti := range latest {
		if ti.State != types.TaskStateRetrying {
			continue
		}
		if ti.RetryAt != nil && ti.RetryAt.After(now) {
			continue
		}
		if err := s.createAttempt(ctx, run, d.Task(ti.TaskID), ti.TryNumber+1); err != nil {
			return 0, err
		}
	}

	states := latestStates(latest)

	// Create first attempts for tasks whose dependencies are satisfied.
	for _, task := range readyWithoutInstance(d, states) {
		if err := s.createAttempt(ctx, run, task, 1); err != nil {
			return 0, err
		}
	}

	// Skip tasks that can never run.
	for _, task := range blockedWithoutSkip(d, states, latest) {
		if err := s.skipTask(ctx, run, task); err != nil {
			return 0, err
		}
	}

	// Dispatch pending instances.
	pending, err := s.store.ListInstances(ctx, &store.InstanceFilter{
		RunID:  run.ID,
		States: []types.TaskState{types.TaskStateScheduled},
	})
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, ti := range pending {
		if dispatched >= budget {
			break
		}
		if err := s.dispatch(ctx, run, d, ti); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// createAttempt persists a new scheduled instance for a task.
func (s *Scheduler) createAttempt(ctx context.Context, run *types.DagRun, task *types.Task, try int) error {
	if task == nil {
		return nil
	}
	ti := &types.TaskInstance{
		RunID:      run.ID,
		DagID:      run.DagID,
		TaskID:     task.ID,
		TryNumber:  try,
		State:      types.TaskStateScheduled,
		Queue:      task.Queue,
		MaxRetries: task.Retries,
		RetryDelay: task.RetryDelay,
	}
	err := s.store.CreateInstance(ctx, ti)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Another cycle (or scheduler) got here first.
		return nil
	}
	return err
}

// skipTask records a skipped instance for a task blocked by upstream failure.
func (s *Scheduler) skipTask(ctx context.Context, run *types.DagRun, task *types.Task) error {
	ti := &types.TaskInstance{
		RunID:     run.ID,
		DagID:     run.DagID,
		TaskID:    task.ID,
		TryNumber: 1,
		State:     types.TaskStateSkipped,
		Queue:     task.Queue,
	}
	now := time.Now()
	ti.EndedAt = &now
	err := s.store.CreateInstance(ctx, ti)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

// dispatch routes an instance and submits it to its executor.
func (s *Scheduler) dispatch(ctx context.Context, run *types.DagRun, d *types.DAG, ti *types.TaskInstance) error {
	key := ti.Key()

	execName, err := s.router.Route(ti.Queue)
	if err != nil {
		// Routing misconfiguration is caught at startup; reaching this
		// is a bug, fail the instance rather than wedging the run.
		return s.failDispatch(ctx, ti, err)
	}
	exec, err := s.executors.Get(execName)
	if err != nil {
		return s.failDispatch(ctx, ti, err)
	}

	task := d.Task(ti.TaskID)
	if task == nil {
		return s.failDispatch(ctx, ti, fmt.Errorf("task %s no longer in dag %s", ti.TaskID, d.ID))
	}

	payload := &executor.Payload{
		Key:     key,
		DagID:   d.ID,
		Queue:   ti.Queue,
		Action:  task.Action,
		Extract: task.Extract,
		Vars:    mergedVars(d, run),
		Timeout: task.Timeout,
	}

	handle, err := executor.SubmitWithRetry(ctx, exec, payload,
		s.cfg.Executors.SubmitRetries, s.cfg.Executors.SubmitBackoff)
	if err != nil {
		logger.Warn("submit %s to %s failed: %v", key, execName, err)
		return s.failDispatch(ctx, ti, err)
	}

	if err := s.reconciler.Track(&types.Assignment{
		Key:       key,
		Executor:  execName,
		Handle:    handle,
		CreatedAt: time.Now(),
	}); err != nil {
		// A live assignment already exists; never double-dispatch.
		if cancelErr := exec.Cancel(ctx, key); cancelErr != nil {
			logger.Debug("cancel duplicate submission %s: %v", key, cancelErr)
		}
		return err
	}

	ti.State = types.TaskStateQueued
	ti.Executor = execName
	dispatched := time.Now()
	ti.DispatchedAt = &dispatched
	if err := s.store.UpdateInstance(ctx, ti); err != nil {
		return err
	}
	s.metrics.TaskDispatched()
	logger.Debug("dispatched %s to %s", key, execName)
	return nil
}

// failDispatch applies the retry policy to an instance that could not
// be handed to an executor.
func (s *Scheduler) failDispatch(ctx context.Context, ti *types.TaskInstance, cause error) error {
	return s.reconciler.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateFailed,
		Message:   fmt.Sprintf("dispatch failed: %v", cause),
		Timestamp: time.Now(),
	})
}

// TriggerRun starts a new run of a registered DAG.
func (s *Scheduler) TriggerRun(ctx context.Context, dagID string, vars map[string]any) (*types.DagRun, error) {
	if _, err := s.GetDAG(dagID); err != nil {
		return nil, err
	}

	run := &types.DagRun{
		ID:        uuid.New().String(),
		DagID:     dagID,
		State:     types.RunStateRunning,
		Variables: vars,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	logger.Info("triggered run %s of dag %s", run.ID, dagID)
	return run, nil
}

// CancelRun cancels a run and all its unfinished instances.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != types.RunStateRunning {
		return fmt.Errorf("run %s is not running (state %s)", runID, run.State)
	}

	instances, err := s.store.ListInstances(ctx, &store.InstanceFilter{RunID: runID})
	if err != nil {
		return err
	}
	for _, ti := range instances {
		if ti.State.IsTerminal() {
			continue
		}
		if err := s.CancelInstance(ctx, ti.Key()); err != nil {
			logger.Warn("cancel instance %s: %v", ti.Key(), err)
		}
	}

	run.State = types.RunStateCancelled
	now := time.Now()
	run.EndedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	logger.Info("cancelled run %s", runID)
	return nil
}

// CancelInstance marks one instance for cancellation; the reconciler
// propagates it to the owning executor.
func (s *Scheduler) CancelInstance(ctx context.Context, key types.InstanceKey) error {
	for attempt := 0; ; attempt++ {
		ti, err := s.store.GetInstance(ctx, key)
		if err != nil {
			return err
		}
		if ti.State.IsTerminal() {
			return fmt.Errorf("instance %s already finished (state %s)", key, ti.State)
		}
		if ti.State == types.TaskStateCancelling {
			return nil
		}
		if !types.CanTransition(ti.State, types.TaskStateCancelling) {
			return fmt.Errorf("instance %s cannot be cancelled from state %s", key, ti.State)
		}

		ti.State = types.TaskStateCancelling
		err = s.store.UpdateInstance(ctx, ti)
		if errors.Is(err, store.ErrConflict) && attempt < 3 {
			continue
		}
		return err
	}
}

// finalizeRuns moves runs whose instances all finished to a terminal state.
func (s *Scheduler) finalizeRuns(ctx context.Context) error {
	runs, err := s.store.ListRuns(ctx, &store.RunFilter{
		States: []types.RunState{types.RunStateRunning},
	})
	if err != nil {
		return err
	}

	for _, run := range runs {
		d, err := s.GetDAG(run.DagID)
		if err != nil {
			continue
		}
		instances, err := s.store.ListInstances(ctx, &store.InstanceFilter{RunID: run.ID})
		if err != nil {
			return err
		}

		latest := latestAttempts(instances)
		state, done := runOutcome(d, latest)
		if !done {
			continue
		}

		run.State = state
		now := time.Now()
		run.EndedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue // next cycle retries
			}
			return err
		}
		logger.Info("run %s finished: %s", run.ID, state)
	}
	return nil
}

// runOutcome decides whether a run is finished and with what state.
func runOutcome(d *types.DAG, latest map[string]*types.TaskInstance) (types.RunState, bool) {
	failed := false
	for _, task := range d.Tasks {
		ti, ok := latest[task.ID]
		if !ok || !ti.State.IsTerminal() {
			return types.RunStateRunning, false
		}
		if ti.State == types.TaskStateFailed {
			failed = true
		}
	}
	if failed {
		return types.RunStateFailed, true
	}
	return types.RunStateSuccess, true
}

// mergedVars layers run variables over DAG variables.
func mergedVars(d *types.DAG, run *types.DagRun) map[string]any {
	vars := make(map[string]any, len(d.Variables)+len(run.Variables))
	for k, v := range d.Variables {
		vars[k] = v
	}
	for k, v := range run.Variables {
		vars[k] = v
	}
	return vars
}
