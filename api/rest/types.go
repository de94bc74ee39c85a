package rest

import (
	"time"

	"yqhp/task-scheduler/pkg/types"
)

// ErrorResponse is the JSON body returned for any error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Leader    bool   `json:"leader"`
	Timestamp string `json:"timestamp"`
}

// RegisterDAGRequest is the body of POST /api/v1/dags.
type RegisterDAGRequest struct {
	// YAML holds a DAG definition document.
	YAML string `json:"yaml"`
}

// DAGResponse describes a registered DAG.
type DAGResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	TaskCount int      `json:"task_count"`
	TaskIDs   []string `json:"task_ids"`
}

// TriggerRunRequest is the body of POST /api/v1/runs.
type TriggerRunRequest struct {
	DagID     string         `json:"dag_id"`
	Variables map[string]any `json:"variables,omitempty"`
}

// RunResponse describes a DAG run.
type RunResponse struct {
	ID        string         `json:"id"`
	DagID     string         `json:"dag_id"`
	State     string         `json:"state"`
	Variables map[string]any `json:"variables,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// InstanceResponse describes one task instance.
type InstanceResponse struct {
	RunID         string         `json:"run_id"`
	TaskID        string         `json:"task_id"`
	TryNumber     int            `json:"try_number"`
	State         string         `json:"state"`
	Queue         string         `json:"queue"`
	Executor      string         `json:"executor,omitempty"`
	Message       string         `json:"message,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	RetryAt       *time.Time     `json:"retry_at,omitempty"`
}

// WorkerResponse describes a broker worker.
type WorkerResponse struct {
	ID          string    `json:"id"`
	Queues      []string  `json:"queues"`
	Concurrency int       `json:"concurrency"`
	State       string    `json:"state"`
	ActiveTasks int       `json:"active_tasks"`
	LastSeen    time.Time `json:"last_seen"`
}

// ExecutorResponse describes a registered executor.
type ExecutorResponse struct {
	Name        string `json:"name"`
	WorkerCount int    `json:"worker_count,omitempty"`
}

// SuccessResponse is returned by mutating endpoints.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// EventMessage is one state change pushed over the events WebSocket.
type EventMessage struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	TaskID    string         `json:"task_id"`
	TryNumber int            `json:"try_number"`
	State     string         `json:"state"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Vars      map[string]any `json:"vars,omitempty"`
}

func runResponse(run *types.DagRun) RunResponse {
	return RunResponse{
		ID:        run.ID,
		DagID:     run.DagID,
		State:     string(run.State),
		Variables: run.Variables,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
	}
}

func instanceResponse(ti *types.TaskInstance) InstanceResponse {
	return InstanceResponse{
		RunID:         ti.RunID,
		TaskID:        ti.TaskID,
		TryNumber:     ti.TryNumber,
		State:         string(ti.State),
		Queue:         ti.Queue,
		Executor:      ti.Executor,
		Message:       ti.Message,
		Output:        ti.Output,
		StartedAt:     ti.StartedAt,
		EndedAt:       ti.EndedAt,
		LastHeartbeat: ti.LastHeartbeat,
		RetryAt:       ti.RetryAt,
	}
}

func eventMessage(sc types.StateChange) EventMessage {
	return EventMessage{
		Type:      "state_change",
		RunID:     sc.Key.RunID,
		TaskID:    sc.Key.TaskID,
		TryNumber: sc.Key.TryNumber,
		State:     string(sc.State),
		Message:   sc.Message,
		Timestamp: sc.Timestamp,
		Vars:      sc.Vars,
	}
}
