package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/metrics"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/types"
)

// fakeExecutor is a controllable executor: tests queue the state
// changes Poll should return and record Cancel calls.
type fakeExecutor struct {
	name      string
	pending   []types.StateChange
	cancelled []types.InstanceKey
	mu        sync.Mutex
}

func newFakeExecutor(name string) *fakeExecutor {
	return &fakeExecutor{name: name}
}

func (f *fakeExecutor) Name() string                    { return f.name }
func (f *fakeExecutor) Start(ctx context.Context) error { return nil }
func (f *fakeExecutor) Stop(ctx context.Context) error  { return nil }

func (f *fakeExecutor) Submit(ctx context.Context, p *executor.Payload) (types.AssignmentHandle, error) {
	return types.AssignmentHandle("h-" + p.Key.String()), nil
}

func (f *fakeExecutor) Poll(ctx context.Context) []types.StateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeExecutor) Cancel(ctx context.Context, key types.InstanceKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeExecutor) push(sc types.StateChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, sc)
}

func (f *fakeExecutor) cancelledKeys() []types.InstanceKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.InstanceKey(nil), f.cancelled...)
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.MemoryStore, *fakeExecutor) {
	t.Helper()

	st := store.NewMemoryStore()
	fake := newFakeExecutor("fake")
	registry := executor.NewRegistry()
	registry.MustRegister(fake)

	rec := New(st, registry, metrics.NewCollector(), 30*time.Second)
	return rec, st, fake
}

// seedInstance creates a run and one instance in the given state.
func seedInstance(t *testing.T, st store.Store, state types.TaskState, try, maxRetries int) *types.TaskInstance {
	t.Helper()
	ctx := context.Background()

	run := &types.DagRun{ID: "run-1", DagID: "dag-1", State: types.RunStateRunning, StartedAt: time.Now()}
	if _, err := st.GetRun(ctx, run.ID); err != nil {
		require.NoError(t, st.CreateRun(ctx, run))
	}

	ti := &types.TaskInstance{
		RunID:      "run-1",
		DagID:      "dag-1",
		TaskID:     "extract",
		TryNumber:  try,
		State:      state,
		Queue:      types.DefaultQueue,
		MaxRetries: maxRetries,
		RetryDelay: 5 * time.Minute,
	}
	require.NoError(t, st.CreateInstance(ctx, ti))
	return ti
}

func trackAssignment(t *testing.T, rec *Reconciler, key types.InstanceKey, exec string) {
	t.Helper()
	require.NoError(t, rec.Track(&types.Assignment{
		Key:       key,
		Executor:  exec,
		Handle:    "h-1",
		CreatedAt: time.Now(),
	}))
}

func TestApplyRepeatedRunningIsHeartbeat(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 0)

	var notified int
	rec.Subscribe(func(types.StateChange) { notified++ })

	beat := time.Now().Add(10 * time.Second)
	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateRunning,
		Timestamp: beat,
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, got.LastHeartbeat.Equal(beat))
	// A heartbeat is not a transition, so subscribers stay quiet.
	assert.Zero(t, notified)
}

func TestApplyFailureWithRetriesLeft(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 2)
	trackAssignment(t, rec, ti.Key(), "fake")

	ts := time.Now()
	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateFailed,
		Message:   "connection reset",
		Timestamp: ts,
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRetrying, got.State)
	assert.Equal(t, "connection reset", got.Message)
	require.NotNil(t, got.RetryAt)
	assert.True(t, got.RetryAt.Equal(ts.Add(5*time.Minute)))
	require.NotNil(t, got.EndedAt)

	// The attempt is over, its assignment is released.
	assert.Zero(t, rec.LiveAssignments())
}

func TestApplyFailureWithoutRetries(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 0)

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateFailed,
		Message:   "boom",
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
	assert.Nil(t, got.RetryAt)
}

func TestApplyLastAttemptFails(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	// Try 3 of a task with 2 retries: the retry budget is spent.
	ti := seedInstance(t, st, types.TaskStateRunning, 3, 2)

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateFailed,
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
}

func TestApplyCancellingFailureIsNotRetried(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateCancelling, 1, 5)

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateFailed,
		Message:   "cancelled",
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
}

func TestApplySuccessWithoutRunningReport(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateQueued, 1, 0)

	// A fast task can finish between two polls; its only report is
	// the terminal one.
	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateSuccess,
		Output:    map[string]any{"rows": 3},
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSuccess, got.State)
	assert.Equal(t, 3, got.Output["rows"])
}

func TestApplySuccessMergesRunVariables(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 0)

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateSuccess,
		Output:    map[string]any{"rows": 42},
		Vars:      map[string]any{"token": "abc"},
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSuccess, got.State)
	assert.EqualValues(t, 42, got.Output["rows"])

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", run.Variables["token"])
}

func TestApplyUnknownInstanceIsDropped(t *testing.T) {
	rec, _, _ := newTestReconciler(t)

	var notified int
	rec.Subscribe(func(types.StateChange) { notified++ })

	err := rec.Apply(context.Background(), types.StateChange{
		Key:       types.InstanceKey{RunID: "ghost", TaskID: "t", TryNumber: 1},
		State:     types.TaskStateSuccess,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Zero(t, notified)
}

func TestApplyIllegalTransitionIsDropped(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateSuccess, 1, 0)

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateRunning,
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSuccess, got.State)
}

func TestApplyNotifiesSubscribers(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateQueued, 1, 0)

	var got []types.StateChange
	rec.Subscribe(func(sc types.StateChange) { got = append(got, sc) })

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateRunning,
		Timestamp: time.Now(),
	}))

	require.Len(t, got, 1)
	assert.Equal(t, types.TaskStateRunning, got[0].State)
}

func TestTrackRejectsSecondAssignment(t *testing.T) {
	rec, _, _ := newTestReconciler(t)
	key := types.InstanceKey{RunID: "run-1", TaskID: "extract", TryNumber: 1}

	trackAssignment(t, rec, key, "fake")
	err := rec.Track(&types.Assignment{Key: key, Executor: "other", CreatedAt: time.Now()})
	require.Error(t, err)
	assert.Equal(t, 1, rec.LiveAssignments())

	a, ok := rec.AssignmentFor(key)
	require.True(t, ok)
	assert.Equal(t, "fake", a.Executor)
}

func TestReconcileDrainsExecutors(t *testing.T) {
	rec, st, fake := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateQueued, 1, 0)

	fake.push(types.StateChange{Key: ti.Key(), State: types.TaskStateRunning, Timestamp: time.Now()})
	require.NoError(t, rec.Reconcile(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State)
}

func TestCancellationPropagatesToExecutor(t *testing.T) {
	rec, st, fake := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateCancelling, 1, 0)
	trackAssignment(t, rec, ti.Key(), "fake")

	require.NoError(t, rec.Reconcile(ctx))

	cancelled := fake.cancelledKeys()
	require.Len(t, cancelled, 1)
	assert.Equal(t, ti.Key(), cancelled[0])
}

func TestCancellationWithoutAssignmentFailsDirectly(t *testing.T) {
	rec, st, fake := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateCancelling, 1, 0)

	require.NoError(t, rec.Reconcile(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
	assert.Equal(t, "cancelled", got.Message)
	assert.Empty(t, fake.cancelledKeys())
}

func TestCancellationDeferredToOwningProcess(t *testing.T) {
	rec, st, fake := newTestReconciler(t)
	ctx := context.Background()

	// A second scheduler process sharing the store, with its own
	// executor registry and no knowledge of the assignment.
	otherFake := newFakeExecutor("fake")
	otherRegistry := executor.NewRegistry()
	otherRegistry.MustRegister(otherFake)
	other := New(st, otherRegistry, metrics.NewCollector(), 30*time.Second)

	ti := seedInstance(t, st, types.TaskStateCancelling, 1, 0)
	now := time.Now()
	ti.Executor = "fake"
	ti.DispatchedAt = &now
	ti.LastHeartbeat = &now
	require.NoError(t, st.UpdateInstance(ctx, ti))
	trackAssignment(t, rec, ti.Key(), "fake")

	// The non-owning process must not fail a dispatched instance whose
	// executor is still alive elsewhere.
	require.NoError(t, other.Reconcile(ctx))
	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelling, got.State)
	assert.Empty(t, otherFake.cancelledKeys())
	assert.Empty(t, fake.cancelledKeys())

	// The owner forwards the cancellation to its executor.
	require.NoError(t, rec.Reconcile(ctx))
	cancelled := fake.cancelledKeys()
	require.Len(t, cancelled, 1)
	assert.Equal(t, ti.Key(), cancelled[0])
}

func TestCancellationOfQuietDispatchFailsDirectly(t *testing.T) {
	rec, st, fake := newTestReconciler(t)
	ctx := context.Background()

	// Dispatched by a process that died: no assignment anywhere and no
	// sign of life past the heartbeat timeout.
	ti := seedInstance(t, st, types.TaskStateCancelling, 1, 0)
	stale := time.Now().Add(-time.Minute)
	ti.Executor = "fake"
	ti.DispatchedAt = &stale
	require.NoError(t, st.UpdateInstance(ctx, ti))

	require.NoError(t, rec.Reconcile(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
	assert.Equal(t, "cancelled", got.Message)
	assert.Empty(t, fake.cancelledKeys())
}

func TestDetectOrphansMarksStaleRunning(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 1)

	stale := time.Now().Add(-time.Minute)
	ti.StartedAt = &stale
	ti.LastHeartbeat = &stale
	require.NoError(t, st.UpdateInstance(ctx, ti))

	require.NoError(t, rec.DetectOrphans(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	// Retries remain, so the orphaned attempt goes through retry policy.
	assert.Equal(t, types.TaskStateRetrying, got.State)
	assert.Contains(t, got.Message, "no heartbeat")
}

func TestDetectOrphansDiscardsStaleExecutorWork(t *testing.T) {
	rec, st, fake := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateQueued, 1, 0)

	// Dispatched long ago and never picked up: the payload may still
	// sit on the executor's queue and must not run after the mark.
	stale := time.Now().Add(-time.Minute)
	ti.Executor = "fake"
	ti.DispatchedAt = &stale
	require.NoError(t, st.UpdateInstance(ctx, ti))
	trackAssignment(t, rec, ti.Key(), "fake")

	require.NoError(t, rec.DetectOrphans(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
	cancelled := fake.cancelledKeys()
	require.Len(t, cancelled, 1)
	assert.Equal(t, ti.Key(), cancelled[0])
}

func TestDetectOrphansSparesFreshInstances(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 0)

	now := time.Now()
	ti.StartedAt = &now
	ti.LastHeartbeat = &now
	require.NoError(t, st.UpdateInstance(ctx, ti))

	require.NoError(t, rec.DetectOrphans(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State)
}

func TestDetectOrphansQueuedNeverStarted(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateQueued, 1, 0)

	// Dispatched a minute ago, never reported running.
	dispatched := time.Now().Add(-time.Minute)
	ti.Executor = "fake"
	ti.DispatchedAt = &dispatched
	require.NoError(t, st.UpdateInstance(ctx, ti))

	require.NoError(t, rec.DetectOrphans(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, got.State)
}

func TestDetectOrphansQueuedWithoutAssignmentIsSpared(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateQueued, 1, 0)

	require.NoError(t, rec.DetectOrphans(ctx))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)
}

func TestApplyStaleSnapshotIsReloaded(t *testing.T) {
	rec, st, _ := newTestReconciler(t)
	ctx := context.Background()
	ti := seedInstance(t, st, types.TaskStateRunning, 1, 0)

	// Update the stored instance after the caller took its snapshot;
	// Apply works from the store, not the caller's copy.
	now := time.Now()
	ti.LastHeartbeat = &now
	require.NoError(t, st.UpdateInstance(ctx, ti))

	require.NoError(t, rec.Apply(ctx, types.StateChange{
		Key:       ti.Key(),
		State:     types.TaskStateSuccess,
		Timestamp: time.Now(),
	}))

	got, err := st.GetInstance(ctx, ti.Key())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSuccess, got.State)
	assert.NotNil(t, got.LastHeartbeat)
}
