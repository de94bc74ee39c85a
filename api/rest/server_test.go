package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/metrics"
	"yqhp/task-scheduler/internal/reconciler"
	"yqhp/task-scheduler/internal/router"
	"yqhp/task-scheduler/internal/runner"
	"yqhp/task-scheduler/internal/scheduler"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/types"
)

const dagYAML = `
id: etl
name: ETL
tasks:
  - id: extract
    action:
      kind: noop
  - id: load
    depends_on: [extract]
    action:
      kind: noop
`

func newTestServer(t *testing.T, serverCfg config.ServerConfig) (*Server, *scheduler.Scheduler, store.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server = serverCfg
	st := store.NewMemoryStore()

	registry := executor.NewRegistry()
	registry.MustRegister(executor.NewLocalExecutor(cfg.Executors.Local, runner.DefaultRegistry()))

	collector := metrics.NewCollector()
	rec := reconciler.New(st, registry, collector, cfg.Scheduler.HeartbeatTimeout)
	sched := scheduler.New(cfg, st, router.New(nil, "local"), registry, rec, collector)

	return NewServer(&cfg.Server, sched, st, registry, rec), sched, st
}

func doJSON(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func registerTestDAG(t *testing.T, s *Server) {
	t.Helper()

	body, err := json.Marshal(RegisterDAGRequest{YAML: dagYAML})
	require.NoError(t, err)
	status, _ := doJSON(t, s, "POST", "/api/v1/dags", string(body))
	require.Equal(t, fiber.StatusCreated, status)
}

func TestHealthCheck(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, body := doJSON(t, s, "GET", "/health", "")
	assert.Equal(t, fiber.StatusOK, status)

	var result HealthResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "healthy", result.Status)
}

func TestReadyCheck(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, body := doJSON(t, s, "GET", "/ready", "")
	assert.Equal(t, fiber.StatusOK, status)

	var result ReadyResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Ready)
	assert.False(t, result.Leader)
}

func TestRegisterAndGetDAG(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})
	registerTestDAG(t, s)

	status, body := doJSON(t, s, "GET", "/api/v1/dags", "")
	assert.Equal(t, fiber.StatusOK, status)

	var list []DAGResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "etl", list[0].ID)
	assert.Equal(t, 2, list[0].TaskCount)

	status, body = doJSON(t, s, "GET", "/api/v1/dags/etl", "")
	assert.Equal(t, fiber.StatusOK, status)

	var d DAGResponse
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, []string{"extract", "load"}, d.TaskIDs)
}

func TestGetDAGNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, _ := doJSON(t, s, "GET", "/api/v1/dags/ghost", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestRegisterDAGInvalid(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	// Cyclic dependency is rejected at registration.
	cyclic := `
id: loop
tasks:
  - id: a
    depends_on: [b]
    action: {kind: noop}
  - id: b
    depends_on: [a]
    action: {kind: noop}
`
	body, err := json.Marshal(RegisterDAGRequest{YAML: cyclic})
	require.NoError(t, err)

	status, data := doJSON(t, s, "POST", "/api/v1/dags", string(body))
	assert.Equal(t, fiber.StatusBadRequest, status)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "invalid_dag", resp.Error)
}

func TestRegisterDAGEmptyBody(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, _ := doJSON(t, s, "POST", "/api/v1/dags", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestTriggerAndGetRun(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})
	registerTestDAG(t, s)

	status, body := doJSON(t, s, "POST", "/api/v1/runs",
		`{"dag_id": "etl", "variables": {"day": "2024-06-01"}}`)
	require.Equal(t, fiber.StatusCreated, status)

	var run RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, "etl", run.DagID)
	assert.Equal(t, "running", run.State)

	status, body = doJSON(t, s, "GET", "/api/v1/runs/"+run.ID, "")
	assert.Equal(t, fiber.StatusOK, status)

	var got RunResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "2024-06-01", got.Variables["day"])
}

func TestTriggerRunUnknownDAG(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, _ := doJSON(t, s, "POST", "/api/v1/runs", `{"dag_id": "ghost"}`)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestTriggerRunMissingDagID(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, _ := doJSON(t, s, "POST", "/api/v1/runs", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestListRunsFilter(t *testing.T) {
	s, sched, _ := newTestServer(t, config.ServerConfig{})
	registerTestDAG(t, s)

	_, err := sched.TriggerRun(context.Background(), "etl", nil)
	require.NoError(t, err)

	status, body := doJSON(t, s, "GET", "/api/v1/runs?dag_id=etl", "")
	assert.Equal(t, fiber.StatusOK, status)

	var runs []RunResponse
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)

	status, body = doJSON(t, s, "GET", "/api/v1/runs?dag_id=other", "")
	assert.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Empty(t, runs)
}

func TestCancelRun(t *testing.T) {
	s, sched, st := newTestServer(t, config.ServerConfig{})
	registerTestDAG(t, s)

	run, err := sched.TriggerRun(context.Background(), "etl", nil)
	require.NoError(t, err)

	status, _ := doJSON(t, s, "DELETE", "/api/v1/runs/"+run.ID, "")
	assert.Equal(t, fiber.StatusOK, status)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCancelled, stored.State)

	// A second cancel conflicts.
	status, _ = doJSON(t, s, "DELETE", "/api/v1/runs/"+run.ID, "")
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestCancelRunNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, _ := doJSON(t, s, "DELETE", "/api/v1/runs/ghost", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestListInstances(t *testing.T) {
	s, sched, st := newTestServer(t, config.ServerConfig{})
	registerTestDAG(t, s)
	ctx := context.Background()

	run, err := sched.TriggerRun(ctx, "etl", nil)
	require.NoError(t, err)
	require.NoError(t, st.CreateInstance(ctx, &types.TaskInstance{
		RunID: run.ID, DagID: "etl", TaskID: "extract", TryNumber: 1,
		State: types.TaskStateRunning, Queue: types.DefaultQueue,
	}))

	status, body := doJSON(t, s, "GET", "/api/v1/runs/"+run.ID+"/instances", "")
	assert.Equal(t, fiber.StatusOK, status)

	var instances []InstanceResponse
	require.NoError(t, json.Unmarshal(body, &instances))
	require.Len(t, instances, 1)
	assert.Equal(t, "extract", instances[0].TaskID)
	assert.Equal(t, "running", instances[0].State)

	status, body = doJSON(t, s, "GET", "/api/v1/runs/"+run.ID+"/instances?state=failed", "")
	assert.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &instances))
	assert.Empty(t, instances)
}

func TestCancelInstance(t *testing.T) {
	s, sched, st := newTestServer(t, config.ServerConfig{})
	registerTestDAG(t, s)
	ctx := context.Background()

	run, err := sched.TriggerRun(ctx, "etl", nil)
	require.NoError(t, err)
	require.NoError(t, st.CreateInstance(ctx, &types.TaskInstance{
		RunID: run.ID, DagID: "etl", TaskID: "extract", TryNumber: 1,
		State: types.TaskStateRunning, Queue: types.DefaultQueue,
	}))

	status, _ := doJSON(t, s, "DELETE", "/api/v1/runs/"+run.ID+"/tasks/extract/attempts/1", "")
	assert.Equal(t, fiber.StatusOK, status)

	ti, err := st.GetInstance(ctx, types.InstanceKey{RunID: run.ID, TaskID: "extract", TryNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelling, ti.State)
}

func TestCancelInstanceBadAttempt(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, _ := doJSON(t, s, "DELETE", "/api/v1/runs/r1/tasks/extract/attempts/first", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestGetMetrics(t *testing.T) {
	s, sched, _ := newTestServer(t, config.ServerConfig{})
	sched.Metrics().TaskDispatched()

	status, body := doJSON(t, s, "GET", "/api/v1/metrics", "")
	assert.Equal(t, fiber.StatusOK, status)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.EqualValues(t, 1, snap.Dispatched)
}

func TestListExecutors(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, body := doJSON(t, s, "GET", "/api/v1/executors", "")
	assert.Equal(t, fiber.StatusOK, status)

	var execs []ExecutorResponse
	require.NoError(t, json.Unmarshal(body, &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, "local", execs[0].Name)
}

func TestListWorkersEmptyWithoutBroker(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{})

	status, body := doJSON(t, s, "GET", "/api/v1/workers", "")
	assert.Equal(t, fiber.StatusOK, status)

	var workers []WorkerResponse
	require.NoError(t, json.Unmarshal(body, &workers))
	assert.Empty(t, workers)
}

func TestAPIKeyAuth(t *testing.T) {
	s, _, _ := newTestServer(t, config.ServerConfig{APIKey: "secret"})

	// Health endpoints stay open.
	status, _ := doJSON(t, s, "GET", "/health", "")
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = doJSON(t, s, "GET", "/api/v1/dags", "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest("GET", "/api/v1/dags", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/v1/dags?api_key=secret", nil)
	resp, err = s.App().Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestEventHubBroadcast(t *testing.T) {
	hub := newEventHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.broadcast(types.StateChange{
		Key:       types.InstanceKey{RunID: "r1", TaskID: "extract", TryNumber: 1},
		State:     types.TaskStateRunning,
		Timestamp: time.Now(),
	})

	select {
	case msg := <-ch:
		assert.Equal(t, "state_change", msg.Type)
		assert.Equal(t, "r1", msg.RunID)
		assert.Equal(t, "running", msg.State)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
