// Package wshandlers provides WebSocket signalling handlers for the preview
// media stream.
package wshandlers

import (
	"context"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/browser/stream"
	"github.com/atelier-dev/atelier/internal/common/logger"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Handlers contains WebSocket signalling handlers for the stream bridge.
type Handlers struct {
	manager *stream.Manager
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(manager *stream.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "stream-ws-handlers")),
	}
}

// RegisterHandlers registers all stream signalling handlers with the
// dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelPreviewStreamStart, h.Start)
	d.RegisterFunc(ws.ChannelPreviewStreamOffer, h.Offer)
	d.RegisterFunc(ws.ChannelPreviewStreamAnswer, h.Answer)
	d.RegisterFunc(ws.ChannelPreviewStreamICE, h.ICE)
}

// StreamRequest addresses a project's stream bridge.
type StreamRequest struct {
	ProjectID string `json:"project_id"`
}

// Start handles preview:browser-stream-start, returning the initial offer.
func (h *Handlers) Start(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StreamRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}

	offer, err := h.manager.Start(ctx, req.ProjectID)
	if err != nil {
		h.logger.Error("failed to start stream",
			zap.String("project_id", req.ProjectID), zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"sdp": offer, "type": "offer"})
}

// Offer handles preview:browser-stream-offer, returning a fresh offer for
// reconnecting clients.
func (h *Handlers) Offer(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StreamRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	bridge, err := h.manager.Bridge(req.ProjectID)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	offer, err := bridge.Offer(ctx)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"sdp": offer, "type": "offer"})
}

// AnswerRequest is the payload for preview:browser-stream-answer.
type AnswerRequest struct {
	ProjectID string `json:"project_id"`
	SDP       string `json:"sdp"`
}

// Answer handles preview:browser-stream-answer.
func (h *Handlers) Answer(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req AnswerRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SDP == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "sdp is required"), nil
	}
	bridge, err := h.manager.Bridge(req.ProjectID)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	if err := bridge.HandleAnswer(req.SDP); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// ICERequest is the payload for inbound preview:browser-stream-ice frames.
type ICERequest struct {
	ProjectID string                  `json:"project_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ICE handles inbound ICE candidates. This is a fire-and-forget channel; the
// server's own candidates travel the other way as events.
func (h *Handlers) ICE(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ICERequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	bridge, err := h.manager.Bridge(req.ProjectID)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	if err := bridge.AddICECandidate(req.Candidate); err != nil {
		h.logger.Warn("failed to add ICE candidate",
			zap.String("project_id", req.ProjectID), zap.Error(err))
	}
	return nil, nil
}
