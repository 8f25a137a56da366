package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection. UserID is an opaque
// identity supplied at connect; projectID and chatSessionID are the rooms the
// connection currently belongs to.
type Client struct {
	ID     string
	UserID string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Guarded by hub.mu.
	projectID     string
	chatSessionID string

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id, userID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ProjectID returns the project room this connection belongs to. Room fields
// are guarded by the hub's lock since the hub mutates them on join and leave.
func (c *Client) ProjectID() string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.projectID
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse frame", zap.Error(err))
			c.sendError("", "", ws.ErrCodeValidation, "invalid frame format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming frame. Room joins are handled here
// because they mutate connection state; everything else goes through the
// dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received frame",
		zap.String("channel", msg.Channel),
		zap.String("id", msg.ID))

	switch msg.Channel {
	case ws.ChannelProjectJoin:
		c.handleJoinProject(msg)
		return
	case ws.ChannelChatJoin:
		c.handleJoinChat(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("channel", msg.Channel),
			zap.Error(err))
		c.sendError(msg.ID, msg.Channel, ws.ErrCodeInternal, err.Error())
		return
	}
	if response != nil && msg.Type == ws.FrameRequest {
		c.sendMessage(response)
	}
}

// JoinProjectRequest is the payload for project:join.
type JoinProjectRequest struct {
	ProjectID string `json:"project_id"`
}

func (c *Client) handleJoinProject(msg *ws.Message) {
	var req JoinProjectRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		c.sendError(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required")
		return
	}

	c.hub.JoinProject(c, req.ProjectID)

	resp, _ := ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
		"success":    true,
		"project_id": req.ProjectID,
	})
	c.sendMessage(resp)
}

// JoinChatRequest is the payload for chat:join.
type JoinChatRequest struct {
	SessionID string `json:"session_id"`
}

func (c *Client) handleJoinChat(msg *ws.Message) {
	var req JoinChatRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error())
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required")
		return
	}

	c.hub.JoinChatSession(c, req.SessionID)

	resp, _ := ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
	c.sendMessage(resp)
}

// sendMessage sends a frame to the client.
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// sendError sends an error frame to the client.
func (c *Client) sendError(id, channel, code, message string) {
	c.sendMessage(ws.NewErrorResponse(id, channel, code, message))
}

// WritePump pumps frames from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
