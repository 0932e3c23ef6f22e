// Package live pushes session changes to connected dashboards over WebSocket.
package live

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-webinar/bbb-monitor/internal/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60

	sendBuffer = 64
)

// Dashboard event names.
const (
	EventSessionUpdated   = "session_updated"
	EventParticipantAlert = "participant_alert"
)

// Event is one push notification. CourseID scopes delivery to clients watching that course.
type Event struct {
	Event    string          `json:"event"`
	CourseID int64           `json:"course_id"`
	Data     json.RawMessage `json:"data"`
	At       int64           `json:"at"`
}

// Bus carries events between server instances.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, handler func(Event)) (cancel func(), err error)
}

// Hub maintains the connected dashboard clients.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

// Run delivers events received on bus to local clients until ctx is done.
func (h *Hub) Run(ctx context.Context, bus Bus) error {
	cancel, err := bus.Subscribe(ctx, h.Deliver)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return nil
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.LiveClients.Inc()
	h.logger.Debug("dashboard client connected", zap.String("client_id", c.ID), zap.Int("clients", n))
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	if ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		metrics.LiveClients.Dec()
		h.logger.Debug("dashboard client disconnected", zap.String("client_id", c.ID))
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver sends e to every local client whose course filter matches. Slow clients drop messages.
func (h *Hub) Deliver(e Event) {
	msg := WSMessage{Event: e.Event, Data: e.Data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(e.CourseID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("dashboard client buffer full, dropping event", zap.String("client_id", c.ID), zap.String("event", e.Event))
		}
	}
}
