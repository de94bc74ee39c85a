package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"yqhp/task-scheduler/pkg/types"
)

const defaultHTTPTimeout = 30 * time.Second

var (
	// All HTTP actions share one client so connections are pooled
	// across task instances.
	sharedHTTPClient     *fasthttp.Client
	sharedHTTPClientOnce sync.Once
)

func httpClient() *fasthttp.Client {
	sharedHTTPClientOnce.Do(func() {
		sharedHTTPClient = &fasthttp.Client{
			MaxConnsPerHost:     256,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         defaultHTTPTimeout,
			WriteTimeout:        defaultHTTPTimeout,
		}
	})
	return sharedHTTPClient
}

// HTTPRunner performs an HTTP request as the task action. Params:
// url (required), method, headers, body, timeout, expect_status.
type HTTPRunner struct {
	client *fasthttp.Client
}

// NewHTTPRunner creates an HTTP runner with the shared client.
func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{client: httpClient()}
}

// Kind returns the action kind identifier.
func (r *HTTPRunner) Kind() string {
	return "http"
}

// Run performs the request and returns status, headers and decoded body.
func (r *HTTPRunner) Run(ctx context.Context, action types.Action, vars map[string]any) (map[string]any, error) {
	url := paramString(action.Params, "url", "")
	if url == "" {
		return nil, fmt.Errorf("http action requires a url parameter")
	}
	method := strings.ToUpper(paramString(action.Params, "method", "GET"))

	timeout := defaultHTTPTimeout
	if s := paramString(action.Params, "timeout", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid http timeout: %w", err)
		}
		timeout = d
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if headers, ok := action.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if body := paramString(action.Params, "body", ""); body != "" {
		req.SetBodyString(body)
		if len(req.Header.ContentType()) == 0 {
			req.Header.SetContentType("application/json")
		}
	}

	start := time.Now()
	if err := r.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	elapsed := time.Since(start)

	status := resp.StatusCode()
	body := append([]byte(nil), resp.Body()...)

	output := map[string]any{
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
		"body":        string(body),
	}
	// Decode JSON bodies so extraction paths can reach into them.
	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		output["json"] = decoded
	}

	expected := 0
	if v, ok := action.Params["expect_status"]; ok {
		switch n := v.(type) {
		case int:
			expected = n
		case float64:
			expected = int(n)
		}
	}
	if expected > 0 {
		if status != expected {
			return output, fmt.Errorf("unexpected status %d, want %d", status, expected)
		}
	} else if status >= 400 {
		return output, fmt.Errorf("http request returned status %d", status)
	}
	return output, nil
}
