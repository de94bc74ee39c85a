package rest

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/task-scheduler/internal/dag"
	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	return c.JSON(ReadyResponse{
		Ready:     true,
		Leader:    s.scheduler.IsLeader(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// registerDAG handles POST /api/v1/dags
func (s *Server) registerDAG(c *fiber.Ctx) error {
	var req RegisterDAGRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}
	if req.YAML == "" {
		return badRequest(c, "'yaml' must be provided")
	}

	p := dag.NewParser()
	d, err := p.Parse([]byte(req.YAML))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_dag",
			Message: err.Error(),
		})
	}

	s.scheduler.RegisterDAG(d)
	return c.Status(fiber.StatusCreated).JSON(dagResponse(d))
}

// listDAGs handles GET /api/v1/dags
func (s *Server) listDAGs(c *fiber.Ctx) error {
	dags := s.scheduler.DAGs()
	out := make([]DAGResponse, 0, len(dags))
	for _, d := range dags {
		out = append(out, dagResponse(d))
	}
	return c.JSON(out)
}

// getDAG handles GET /api/v1/dags/:id
func (s *Server) getDAG(c *fiber.Ctx) error {
	d, err := s.scheduler.GetDAG(c.Params("id"))
	if err != nil {
		return notFound(c, err.Error())
	}
	return c.JSON(dagResponse(d))
}

// triggerRun handles POST /api/v1/runs
func (s *Server) triggerRun(c *fiber.Ctx) error {
	var req TriggerRunRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}
	if req.DagID == "" {
		return badRequest(c, "'dag_id' must be provided")
	}

	run, err := s.scheduler.TriggerRun(c.Context(), req.DagID, req.Variables)
	if err != nil {
		return notFound(c, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(runResponse(run))
}

// listRuns handles GET /api/v1/runs
func (s *Server) listRuns(c *fiber.Ctx) error {
	filter := &store.RunFilter{
		DagID: c.Query("dag_id"),
	}
	if st := c.Query("state"); st != "" {
		filter.States = []types.RunState{types.RunState(st)}
	}
	if limit := c.QueryInt("limit"); limit > 0 {
		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(c.Context(), filter)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse(run))
	}
	return c.JSON(out)
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *fiber.Ctx) error {
	run, err := s.store.GetRun(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "run not found: "+c.Params("id"))
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(runResponse(run))
}

// cancelRun handles DELETE /api/v1/runs/:id
func (s *Server) cancelRun(c *fiber.Ctx) error {
	err := s.scheduler.CancelRun(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "run not found: "+c.Params("id"))
	}
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "cancel_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(SuccessResponse{Success: true, Message: "run cancelled"})
}

// listInstances handles GET /api/v1/runs/:id/instances
func (s *Server) listInstances(c *fiber.Ctx) error {
	filter := &store.InstanceFilter{RunID: c.Params("id")}
	if st := c.Query("state"); st != "" {
		filter.States = []types.TaskState{types.TaskState(st)}
	}

	instances, err := s.store.ListInstances(c.Context(), filter)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]InstanceResponse, 0, len(instances))
	for _, ti := range instances {
		out = append(out, instanceResponse(ti))
	}
	return c.JSON(out)
}

// cancelInstance handles DELETE /api/v1/runs/:id/tasks/:task/attempts/:try
func (s *Server) cancelInstance(c *fiber.Ctx) error {
	try, err := strconv.Atoi(c.Params("try"))
	if err != nil {
		return badRequest(c, "attempt number must be an integer")
	}
	key := types.InstanceKey{
		RunID:     c.Params("id"),
		TaskID:    c.Params("task"),
		TryNumber: try,
	}

	err = s.scheduler.CancelInstance(c.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "instance not found: "+key.String())
	}
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "cancel_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(SuccessResponse{Success: true, Message: "instance cancelling"})
}

// getMetrics handles GET /api/v1/metrics
func (s *Server) getMetrics(c *fiber.Ctx) error {
	return c.JSON(s.scheduler.Metrics().Snapshot())
}

// listExecutors handles GET /api/v1/executors
func (s *Server) listExecutors(c *fiber.Ctx) error {
	out := make([]ExecutorResponse, 0, s.executors.Count())
	for _, exec := range s.executors.All() {
		resp := ExecutorResponse{Name: exec.Name()}
		if be, ok := exec.(*executor.BrokerExecutor); ok {
			resp.WorkerCount = be.Registry().Count()
		}
		out = append(out, resp)
	}
	return c.JSON(out)
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	var out []WorkerResponse
	for _, exec := range s.executors.All() {
		be, ok := exec.(*executor.BrokerExecutor)
		if !ok {
			continue
		}
		for info, status := range be.Registry().List() {
			out = append(out, WorkerResponse{
				ID:          info.ID,
				Queues:      info.Queues,
				Concurrency: info.Concurrency,
				State:       string(status.State),
				ActiveTasks: status.ActiveTasks,
				LastSeen:    status.LastSeen,
			})
		}
	}
	if out == nil {
		out = []WorkerResponse{}
	}
	return c.JSON(out)
}

func dagResponse(d *types.DAG) DAGResponse {
	ids := make([]string, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		ids = append(ids, t.ID)
	}
	return DAGResponse{
		ID:        d.ID,
		Name:      d.Name,
		TaskCount: len(d.Tasks),
		TaskIDs:   ids,
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: msg,
	})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Error:   "not_found",
		Message: msg,
	})
}

func internalError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error:   "internal_error",
		Message: err.Error(),
	})
}
