// Package rest provides the HTTP API over the scheduler: DAG
// registration, run lifecycle, instance inspection and a WebSocket
// stream of task state changes.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/reconciler"
	"yqhp/task-scheduler/internal/scheduler"
	"yqhp/task-scheduler/internal/store"
)

// Server is the REST API server.
type Server struct {
	app       *fiber.App
	cfg       *config.ServerConfig
	scheduler *scheduler.Scheduler
	store     store.Store
	executors *executor.Registry
	hub       *eventHub
}

// NewServer creates the API server and wires the event stream to the
// reconciler.
func NewServer(cfg *config.ServerConfig, sched *scheduler.Scheduler, st store.Store, execs *executor.Registry, rec *reconciler.Reconciler) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: errorHandler,
		AppName:      "Task Scheduler API",
	})

	s := &Server{
		app:       app,
		cfg:       cfg,
		scheduler: sched,
		store:     st,
		executors: execs,
		hub:       newEventHub(),
	}
	rec.Subscribe(s.hub.broadcast)

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if s.cfg.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,X-API-Key",
			MaxAge:       86400,
		}))
	}

	if s.cfg.APIKey != "" {
		s.app.Use(s.apiKeyAuth)
	}
}

// apiKeyAuth rejects requests without the configured API key. Health
// endpoints stay open for probes.
func (s *Server) apiKeyAuth(c *fiber.Ctx) error {
	path := c.Path()
	if path == "/health" || path == "/ready" {
		return c.Next()
	}

	key := c.Get("X-API-Key")
	if key == "" {
		key = c.Query("api_key")
	}
	if key != s.cfg.APIKey {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: "valid API key is required",
		})
	}
	return c.Next()
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	api := s.app.Group("/api/v1")

	api.Post("/dags", s.registerDAG)
	api.Get("/dags", s.listDAGs)
	api.Get("/dags/:id", s.getDAG)

	api.Post("/runs", s.triggerRun)
	api.Get("/runs", s.listRuns)
	api.Get("/runs/:id", s.getRun)
	api.Delete("/runs/:id", s.cancelRun)

	api.Get("/runs/:id/instances", s.listInstances)
	api.Delete("/runs/:id/tasks/:task/attempts/:try", s.cancelInstance)

	api.Get("/metrics", s.getMetrics)
	api.Get("/executors", s.listExecutors)
	api.Get("/workers", s.listWorkers)

	s.setupEventRoutes(api)
}

// Start listens until the context is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Address)
	}()

	select {
	case <-ctx.Done():
		return s.ShutdownWithTimeout(10 * time.Second)
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the server immediately.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout stops the server, waiting at most timeout for
// in-flight requests.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
