package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"yqhp/task-scheduler/api/rest"
)

// WatchEvents opens the events WebSocket and invokes fn for each state
// change until the context is cancelled or the connection drops. An
// empty runID watches all runs.
func (c *Client) WatchEvents(ctx context.Context, runID string, fn func(rest.EventMessage)) error {
	wsURL := toWebSocketURL(c.config.BaseURL) + "/api/v1/events"
	if runID != "" {
		wsURL += "?run_id=" + runID
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.RequestTimeout,
	}
	var header http.Header
	if c.config.APIKey != "" {
		header = http.Header{"X-API-Key": []string{c.config.APIKey}}
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial events websocket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg rest.EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(msg)
	}
}

// toWebSocketURL converts an http(s) base URL to its ws(s) equivalent.
func toWebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
