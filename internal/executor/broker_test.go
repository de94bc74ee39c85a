package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/internal/runner"
	"yqhp/task-scheduler/pkg/types"
)

func startBroker(t *testing.T, cfg config.BrokerExecutorConfig, queues []string) *BrokerExecutor {
	t.Helper()

	exec := NewBrokerExecutor(cfg, runner.DefaultRegistry(), queues)
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
	})
	return exec
}

func TestBrokerFIFO(t *testing.T) {
	b := NewBroker()
	b.Publish(noopPayload("a"))
	b.Publish(noopPayload("b"))
	require.Equal(t, 2, b.Depth(types.DefaultQueue))

	first := b.TryConsume([]string{types.DefaultQueue})
	require.NotNil(t, first)
	assert.Equal(t, "a", first.Key.TaskID)

	second := b.TryConsume([]string{types.DefaultQueue})
	require.NotNil(t, second)
	assert.Equal(t, "b", second.Key.TaskID)

	assert.Nil(t, b.TryConsume([]string{types.DefaultQueue}))
}

func TestBrokerConsumeOnlyOwnQueues(t *testing.T) {
	b := NewBroker()
	p := noopPayload("a")
	p.Queue = "heavy"
	b.Publish(p)

	assert.Nil(t, b.TryConsume([]string{types.DefaultQueue}))
	assert.NotNil(t, b.TryConsume([]string{"heavy"}))
}

func TestBrokerRemove(t *testing.T) {
	b := NewBroker()
	p := noopPayload("a")
	b.Publish(p)

	assert.True(t, b.Remove(p.Key))
	assert.False(t, b.Remove(p.Key))
	assert.Equal(t, 0, b.Depth(types.DefaultQueue))
}

func TestBrokerExecutorRunsTask(t *testing.T) {
	exec := startBroker(t, config.BrokerExecutorConfig{
		Workers:           1,
		WorkerConcurrency: 2,
		HeartbeatInterval: 20 * time.Millisecond,
	}, nil)

	p := &Payload{
		Key:    testKey("calc"),
		Queue:  types.DefaultQueue,
		Action: types.Action{Kind: "script", Params: map[string]any{"source": "({sum: vars.a + vars.b})"}},
		Vars:   map[string]any{"a": 2, "b": 3},
	}
	handle, err := exec.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	sc := collectUntil(t, exec, p.Key, types.TaskStateSuccess, types.TaskStateFailed)
	require.Equal(t, types.TaskStateSuccess, sc.State)
	assert.EqualValues(t, 5, sc.Output["sum"])
}

func TestBrokerExecutorRegistersWorkers(t *testing.T) {
	exec := startBroker(t, config.BrokerExecutorConfig{
		Workers:           3,
		WorkerConcurrency: 1,
		HeartbeatInterval: 20 * time.Millisecond,
	}, []string{"etl"})

	assert.Equal(t, 3, exec.Registry().Count())
	assert.True(t, exec.Registry().OnlineForQueue("etl"))
	assert.False(t, exec.Registry().OnlineForQueue(types.DefaultQueue))
}

func TestBrokerExecutorStopUnregistersWorkers(t *testing.T) {
	exec := startBroker(t, config.BrokerExecutorConfig{
		Workers:           2,
		WorkerConcurrency: 1,
		HeartbeatInterval: 20 * time.Millisecond,
	}, []string{"etl"})

	require.Equal(t, 2, exec.Registry().Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exec.Stop(ctx))

	assert.Equal(t, 0, exec.Registry().Count())
	assert.False(t, exec.Registry().OnlineForQueue("etl"))
}

func TestBrokerExecutorNoWorkerForQueue(t *testing.T) {
	exec := startBroker(t, config.BrokerExecutorConfig{
		Workers:           1,
		WorkerConcurrency: 1,
		HeartbeatInterval: 20 * time.Millisecond,
	}, nil)

	p := noopPayload("a")
	p.Queue = "heavy"
	_, err := exec.Submit(context.Background(), p)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestBrokerExecutorRejectsWhenStopped(t *testing.T) {
	exec := NewBrokerExecutor(config.BrokerExecutorConfig{Workers: 1}, runner.DefaultRegistry(), nil)

	_, err := exec.Submit(context.Background(), noopPayload("a"))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestBrokerExecutorCancel(t *testing.T) {
	// One worker with concurrency 1, so the second submission stays in
	// the queue while the first sleeps.
	exec := startBroker(t, config.BrokerExecutorConfig{
		Workers:           1,
		WorkerConcurrency: 1,
		HeartbeatInterval: 50 * time.Millisecond,
	}, nil)

	slow := &Payload{
		Key:    testKey("slow"),
		Queue:  types.DefaultQueue,
		Action: types.Action{Kind: "shell", Params: map[string]any{"command": "sleep 10"}},
	}
	_, err := exec.Submit(context.Background(), slow)
	require.NoError(t, err)
	collectUntil(t, exec, slow.Key, types.TaskStateRunning)

	queued := noopPayload("queued")
	_, err = exec.Submit(context.Background(), queued)
	require.NoError(t, err)

	// Still queued: cancelling pulls it off the broker.
	require.NoError(t, exec.Cancel(context.Background(), queued.Key))
	sc := collectUntil(t, exec, queued.Key, types.TaskStateFailed)
	assert.Contains(t, sc.Message, "cancelled before execution")

	// Already running: cancelling interrupts the worker.
	require.NoError(t, exec.Cancel(context.Background(), slow.Key))
	sc = collectUntil(t, exec, slow.Key, types.TaskStateFailed, types.TaskStateSuccess)
	require.Equal(t, types.TaskStateFailed, sc.State)
	assert.Contains(t, sc.Message, "cancelled")
}

func TestBrokerExecutorCancelUnknownKey(t *testing.T) {
	exec := startBroker(t, config.BrokerExecutorConfig{
		Workers:           1,
		WorkerConcurrency: 1,
		HeartbeatInterval: 20 * time.Millisecond,
	}, nil)

	assert.Error(t, exec.Cancel(context.Background(), testKey("ghost")))
}
