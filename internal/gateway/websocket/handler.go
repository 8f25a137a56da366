package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin accepts same-origin and localhost clients. The server
// binds to localhost by default; anything else is a misconfigured reverse
// proxy or a hostile page.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := r.Host
	for _, allowed := range []string{
		"http://" + host,
		"https://" + host,
	} {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler handles WebSocket connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and serves frames until the
// connection drops.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID := c.Query("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("user_id", userID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, userID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler.
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
			"status":  "ok",
			"service": "atelier",
		})
	})
}
