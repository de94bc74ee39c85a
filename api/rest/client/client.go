// Package client implements an HTTP client for the scheduler API, used
// by the CLI commands and by external tooling.
package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/task-scheduler/api/rest"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the scheduler API base URL (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is sent as X-API-Key when non-empty.
	APIKey string

	// RequestTimeout is the timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the scheduler REST API.
type Client struct {
	config *Config
	agent  *fiber.Client
}

// NewClient creates a client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		config: config,
		agent:  fiber.AcquireClient(),
	}
}

// Health checks the scheduler health endpoint.
func (c *Client) Health() error {
	req := c.agent.Get(c.config.BaseURL + "/health")
	req.Timeout(c.config.RequestTimeout)

	statusCode, _, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("health check: %v", errs[0])
	}
	if statusCode != fiber.StatusOK {
		return fmt.Errorf("health check failed with status %d", statusCode)
	}
	return nil
}

// RegisterDAG uploads a DAG definition document.
func (c *Client) RegisterDAG(yamlDoc []byte) (*rest.DAGResponse, error) {
	var resp rest.DAGResponse
	err := c.post("/api/v1/dags", rest.RegisterDAGRequest{YAML: string(yamlDoc)}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerRun starts a run of a registered DAG.
func (c *Client) TriggerRun(dagID string, vars map[string]any) (*rest.RunResponse, error) {
	var resp rest.RunResponse
	err := c.post("/api/v1/runs", rest.TriggerRunRequest{DagID: dagID, Variables: vars}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches a run by ID.
func (c *Client) GetRun(runID string) (*rest.RunResponse, error) {
	var resp rest.RunResponse
	if err := c.get("/api/v1/runs/"+runID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListInstances fetches the task instances of a run.
func (c *Client) ListInstances(runID string) ([]rest.InstanceResponse, error) {
	var resp []rest.InstanceResponse
	if err := c.get("/api/v1/runs/"+runID+"/instances", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelRun cancels a run and its unfinished instances.
func (c *Client) CancelRun(runID string) error {
	return c.delete("/api/v1/runs/" + runID)
}

// Metrics fetches the scheduler metrics snapshot.
func (c *Client) Metrics() (map[string]any, error) {
	var resp map[string]any
	if err := c.get("/api/v1/metrics", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) get(path string, out any) error {
	req := c.agent.Get(c.config.BaseURL + path)
	req.Timeout(c.config.RequestTimeout)
	c.setAuth(req)

	statusCode, body, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("GET %s: %v", path, errs[0])
	}
	if statusCode != fiber.StatusOK {
		return apiError("GET", path, statusCode, body)
	}
	return json.Unmarshal(body, out)
}

func (c *Client) post(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req := c.agent.Post(c.config.BaseURL + path)
	req.Timeout(c.config.RequestTimeout)
	req.Body(body)
	req.Set("Content-Type", "application/json")
	c.setAuth(req)

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("POST %s: %v", path, errs[0])
	}
	if statusCode != fiber.StatusOK && statusCode != fiber.StatusCreated {
		return apiError("POST", path, statusCode, respBody)
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) delete(path string) error {
	req := c.agent.Delete(c.config.BaseURL + path)
	req.Timeout(c.config.RequestTimeout)
	c.setAuth(req)

	statusCode, body, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("DELETE %s: %v", path, errs[0])
	}
	if statusCode != fiber.StatusOK {
		return apiError("DELETE", path, statusCode, body)
	}
	return nil
}

func (c *Client) setAuth(req *fiber.Agent) {
	if c.config.APIKey != "" {
		req.Set("X-API-Key", c.config.APIKey)
	}
}

func apiError(method, path string, statusCode int, body []byte) error {
	var errResp rest.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s %s: %s", method, path, errResp.Message)
	}
	return fmt.Errorf("%s %s: status %d", method, path, statusCode)
}
