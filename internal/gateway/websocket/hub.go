// Package websocket provides the unified WebSocket gateway: every RPC and
// event of the workspace flows over a single /ws connection per client.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Hub manages all WebSocket client connections and their room membership.
// Rooms are scoped two ways: by project (project:join) and by chat session
// (chat:join). Broadcasts are best-effort; a slow client's frames are dropped
// rather than stalling the room.
type Hub struct {
	clients      map[*Client]bool
	projectRooms map[string]map[*Client]bool
	chatRooms    map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		projectRooms: make(map[string]map[*Client]bool),
		chatRooms:    make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		dispatcher:   dispatcher,
		logger:       log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.projectRooms = make(map[string]map[*Client]bool)
	h.chatRooms = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and every room it joined.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if client.projectID != "" {
		h.leaveRoomLocked(h.projectRooms, client.projectID, client)
	}
	if client.chatSessionID != "" {
		h.leaveRoomLocked(h.chatRooms, client.chatSessionID, client)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) leaveRoomLocked(rooms map[string]map[*Client]bool, key string, client *Client) {
	if members, ok := rooms[key]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(rooms, key)
		}
	}
}

// JoinProject moves a client into a project room. A connection belongs to at
// most one project at a time.
func (h *Hub) JoinProject(client *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.projectID != "" && client.projectID != projectID {
		h.leaveRoomLocked(h.projectRooms, client.projectID, client)
	}
	client.projectID = projectID
	if _, ok := h.projectRooms[projectID]; !ok {
		h.projectRooms[projectID] = make(map[*Client]bool)
	}
	h.projectRooms[projectID][client] = true

	h.logger.Debug("Client joined project room",
		zap.String("client_id", client.ID),
		zap.String("project_id", projectID))
}

// JoinChatSession moves a client into a chat-session room.
func (h *Hub) JoinChatSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.chatSessionID != "" && client.chatSessionID != sessionID {
		h.leaveRoomLocked(h.chatRooms, client.chatSessionID, client)
	}
	client.chatSessionID = sessionID
	if _, ok := h.chatRooms[sessionID]; !ok {
		h.chatRooms[sessionID] = make(map[*Client]bool)
	}
	h.chatRooms[sessionID][client] = true

	h.logger.Debug("Client joined chat room",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// EmitProject broadcasts an event frame to every connection in a project room.
func (h *Hub) EmitProject(projectID, channel string, payload interface{}) {
	msg, err := ws.NewEvent(channel, payload)
	if err != nil {
		h.logger.Error("Failed to build event frame", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.mu.RLock()
	members := h.projectRooms[projectID]
	targets := make([]*Client, 0, len(members))
	for client := range members {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	h.sendToAll(targets, msg)
}

// EmitChatSession broadcasts an event frame to every connection whose active
// chat session matches.
func (h *Hub) EmitChatSession(sessionID, channel string, payload interface{}) {
	msg, err := ws.NewEvent(channel, payload)
	if err != nil {
		h.logger.Error("Failed to build event frame", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.mu.RLock()
	members := h.chatRooms[sessionID]
	targets := make([]*Client, 0, len(members))
	for client := range members {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	h.sendToAll(targets, msg)
}

func (h *Hub) sendToAll(targets []*Client, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast frame", zap.Error(err))
		return
	}
	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump cleans up dead clients.
		}
	}
}

// BindEventBus subscribes the hub to the room subjects so services can
// broadcast without holding a reference to the gateway. Every event published
// to room.project.<id> or room.chat.<id> is forwarded to the matching room.
func (h *Hub) BindEventBus(b bus.EventBus) error {
	forward := func(emit func(scopeID string, event *bus.Event)) bus.EventHandler {
		return func(ctx context.Context, subject string, event *bus.Event) error {
			scopeID := events.ScopeID(subject)
			if scopeID == "" {
				h.logger.Warn("room event with no scope", zap.String("subject", subject))
				return nil
			}
			emit(scopeID, event)
			return nil
		}
	}

	_, err := b.Subscribe(events.SubjectAllProjectRooms, forward(func(scopeID string, event *bus.Event) {
		h.EmitProject(scopeID, event.Channel, json.RawMessage(event.Payload))
	}))
	if err != nil {
		return err
	}
	_, err = b.Subscribe(events.SubjectAllChatRooms, forward(func(scopeID string, event *bus.Event) {
		h.EmitChatSession(scopeID, event.Channel, json.RawMessage(event.Payload))
	}))
	return err
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the frame dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
