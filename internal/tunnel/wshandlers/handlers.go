// Package wshandlers provides WebSocket message handlers for tunnels.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/tunnel"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Handlers contains WebSocket handlers for the tunnel API.
type Handlers struct {
	manager *tunnel.Manager
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(manager *tunnel.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "tunnel-ws-handlers")),
	}
}

// RegisterHandlers registers all tunnel handlers with the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelTunnelStart, h.Start)
	d.RegisterFunc(ws.ChannelTunnelStop, h.Stop)
}

// StartRequest is the payload for tunnel:start.
type StartRequest struct {
	ProjectID string `json:"project_id"`
	Port      int    `json:"port"`
}

// Start handles tunnel:start. Progress stages stream to the project room on
// tunnel:progress while this request is in flight; the response carries the
// final URL.
func (h *Handlers) Start(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StartRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}
	if req.Port <= 0 || req.Port > 65535 {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "port must be between 1 and 65535"), nil
	}

	t, err := h.manager.Start(ctx, req.ProjectID, req.Port)
	if err != nil {
		h.logger.Error("failed to start tunnel",
			zap.String("project_id", req.ProjectID),
			zap.Int("port", req.Port),
			zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, t)
}

// StopRequest is the payload for tunnel:stop.
type StopRequest struct {
	ProjectID string `json:"project_id"`
	Port      int    `json:"port"`
}

// Stop handles tunnel:stop. Stopping a tunnel that is not running succeeds.
func (h *Handlers) Stop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StopRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}
	h.manager.Stop(req.ProjectID, req.Port)
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}
