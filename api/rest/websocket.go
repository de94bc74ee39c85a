package rest

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

// eventHub fans task state changes out to WebSocket subscribers. Slow
// subscribers drop events rather than blocking the reconciler.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan EventMessage]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan EventMessage]struct{})}
}

func (h *eventHub) subscribe() chan EventMessage {
	ch := make(chan EventMessage, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan EventMessage) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *eventHub) broadcast(sc types.StateChange) {
	msg := eventMessage(sc)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// setupEventRoutes registers the events WebSocket endpoint.
func (s *Server) setupEventRoutes(api fiber.Router) {
	api.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	api.Get("/events", websocket.New(func(conn *websocket.Conn) {
		s.handleEvents(conn)
	}))
}

// handleEvents streams state changes to one connection. An optional
// run_id query filter narrows the stream to a single run.
func (s *Server) handleEvents(conn *websocket.Conn) {
	defer conn.Close()

	runID := conn.Query("run_id")
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// Reader goroutine: detect client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-ch:
			if runID != "" && msg.RunID != runID {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("events websocket write: %v", err)
				return
			}
		}
	}
}
