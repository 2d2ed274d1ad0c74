package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Subscriber subscribes to project channels and invokes handler for incoming events.
type Subscriber interface {
	SubscribeProject(projectID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains project_id -> set of dashboard connections and fans out progress events.
// With a Subscriber, events published by workers in other processes reach local clients.
type Hub struct {
	// projectID -> map[clientID]*Client
	projects map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per project
	mu       sync.RWMutex
	logger   *zap.Logger
	sub      Subscriber
}

// NewHub creates a new WebSocket hub. sub may be nil when workers run in-process and publish
// through the hub directly.
func NewHub(logger *zap.Logger, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		projects: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		sub:      sub,
	}
}

// Register adds a client to a project room. Starts the channel subscription for the first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.projects[c.ProjectID] == nil {
		h.projects[c.ProjectID] = make(map[string]*Client)
		if h.sub != nil {
			projectID := c.ProjectID
			cancel, err := h.sub.SubscribeProject(projectID, func(event string, payload []byte) {
				h.Broadcast(projectID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("subscribe project channel failed", zap.String("project_id", projectID.String()), zap.Error(err))
			} else {
				h.subs[projectID] = cancel
			}
		}
	}
	h.projects[c.ProjectID][c.ID] = c
	h.logger.Debug("client joined project", zap.String("client_id", c.ID), zap.String("project_id", c.ProjectID.String()))
}

// Unregister removes a client from a project room. Cancels the subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.projects[c.ProjectID]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; !ok {
		return
	}
	delete(m, c.ID)
	close(c.send)
	if len(m) == 0 {
		delete(h.projects, c.ProjectID)
		if cancel, ok := h.subs[c.ProjectID]; ok {
			cancel()
			delete(h.subs, c.ProjectID)
		}
	}
	h.logger.Debug("client left project", zap.String("client_id", c.ID), zap.String("project_id", c.ProjectID.String()))
}

// Broadcast sends an event to all local clients watching projectID. Slow clients drop messages.
func (h *Hub) Broadcast(projectID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			h.logger.Warn("marshal event failed", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.projects[projectID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish broadcasts locally. It lets an embedded worker stream progress without Redis.
func (h *Hub) Publish(_ context.Context, projectID uuid.UUID, event string, payload any) {
	h.Broadcast(projectID, event, payload)
}

// ClientCount returns the number of connected clients watching a project.
func (h *Hub) ClientCount(projectID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.projects[projectID])
}
