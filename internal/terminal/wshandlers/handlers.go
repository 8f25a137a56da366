// Package wshandlers provides WebSocket message handlers for terminal
// sessions. Output fan-out rides the event bus: each session gets one
// broadcast listener that publishes terminal:output to its project room.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/terminal"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Handlers contains WebSocket handlers for the terminal API.
type Handlers struct {
	manager *terminal.Manager
	streams *terminal.StreamStore
	emitter *events.Emitter
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(manager *terminal.Manager, streams *terminal.StreamStore, emitter *events.Emitter, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		streams: streams,
		emitter: emitter,
		logger:  log.WithFields(zap.String("component", "terminal-ws-handlers")),
	}
}

// RegisterHandlers registers all terminal handlers with the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelTerminalCreate, h.Create)
	d.RegisterFunc(ws.ChannelTerminalInput, h.Input)
	d.RegisterFunc(ws.ChannelTerminalResize, h.Resize)
	d.RegisterFunc(ws.ChannelTerminalKill, h.Kill)
	d.RegisterFunc(ws.ChannelTerminalMissedOutput, h.MissedOutput)
}

// CreateRequest is the payload for terminal:create.
type CreateRequest struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	ProjectID string `json:"project_id,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// CreateResponse is the response for terminal:create.
type CreateResponse struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Running   bool   `json:"running"`
	OutputSeq int64  `json:"output_seq"`
}

// Create handles terminal:create. Creation is idempotent per session id, so a
// reconnecting client reattaches to its running shell.
func (h *Handlers) Create(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}
	if req.Cwd == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "cwd is required"), nil
	}

	session, err := h.manager.Create(terminal.CreateRequest{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
		ProjectID: req.ProjectID,
		Cols:      req.Cols,
		Rows:      req.Rows,
	})
	if err != nil {
		h.logger.Error("failed to create terminal session",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, "failed to create terminal session"), nil
	}

	h.attachBroadcast(session)

	return ws.NewResponse(msg.ID, msg.Channel, CreateResponse{
		SessionID: session.ID,
		Cwd:       session.Cwd,
		Running:   session.Running(),
		OutputSeq: session.OutputSeq(),
	})
}

// attachBroadcast installs the single room-broadcast listener for a session.
// Subscribe replaces by key, so repeated terminal:create calls stay at one
// listener.
func (h *Handlers) attachBroadcast(session *terminal.Session) {
	projectID := session.ProjectID
	if projectID == "" {
		return
	}
	session.Subscribe("room-broadcast", func(chunk terminal.OutputChunk) {
		if err := h.emitter.EmitProject(context.Background(), projectID, ws.ChannelTerminalOutput, chunk); err != nil {
			h.logger.Warn("failed to broadcast terminal output",
				zap.String("session_id", chunk.SessionID), zap.Error(err))
		}
	})
	session.OnExit(func(sessionID string, exitCode int) {
		payload := map[string]interface{}{"session_id": sessionID, "exit_code": exitCode}
		if err := h.emitter.EmitProject(context.Background(), projectID, ws.ChannelTerminalExit, payload); err != nil {
			h.logger.Warn("failed to broadcast terminal exit",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// InputRequest is the payload for terminal:input.
type InputRequest struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Input handles terminal:input. This is a fire-and-forget channel: the write
// either lands in the PTY buffer or the error is returned on the frame id.
func (h *Handlers) Input(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req InputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if err := h.manager.Write(req.SessionID, []byte(req.Data)); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	return nil, nil
}

// ResizeRequest is the payload for terminal:resize.
type ResizeRequest struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// Resize handles terminal:resize.
func (h *Handlers) Resize(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ResizeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.Cols == 0 || req.Rows == 0 {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "cols and rows must be positive"), nil
	}
	if err := h.manager.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// KillRequest is the payload for terminal:kill.
type KillRequest struct {
	SessionID string `json:"session_id"`
	Signal    string `json:"signal,omitempty"`
}

// Kill handles terminal:kill.
func (h *Handlers) Kill(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req KillRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if err := h.manager.Kill(req.SessionID, req.Signal); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// MissedOutputRequest is the payload for terminal:missed-output.
type MissedOutputRequest struct {
	SessionID string `json:"session_id"`
	FromIndex int    `json:"from_index"`
}

// MissedOutput handles terminal:missed-output, replaying buffered output for
// a reconnecting client.
func (h *Handlers) MissedOutput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req MissedOutputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}

	missed, err := h.streams.Missed(req.SessionID, req.FromIndex)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, "no stream for session "+req.SessionID), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, missed)
}
