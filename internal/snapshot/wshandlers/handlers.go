// Package wshandlers provides WebSocket message handlers for the snapshot
// engine: capture, restore-to-checkpoint, and the timeline query.
package wshandlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/store"
	"github.com/atelier-dev/atelier/internal/snapshot"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Handlers contains WebSocket handlers for the snapshot API.
type Handlers struct {
	engine *snapshot.Engine
	store  *store.Store
	logger *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(engine *snapshot.Engine, st *store.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		store:  st,
		logger: log.WithFields(zap.String("component", "snapshot-ws-handlers")),
	}
}

// RegisterHandlers registers all snapshot handlers with the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelSnapshotCapture, h.Capture)
	d.RegisterFunc(ws.ChannelSnapshotRestore, h.RestoreToCheckpoint)
	d.RegisterFunc(ws.ChannelSnapshotTimeline, h.Timeline)
}

// CaptureRequest is the payload for snapshot:capture.
type CaptureRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// Capture handles snapshot:capture.
func (h *Handlers) Capture(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CaptureRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}
	if req.MessageID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "message_id is required"), nil
	}

	session, project, errMsg := h.resolveSession(ctx, msg, req.SessionID)
	if errMsg != nil {
		return errMsg, nil
	}

	snap, err := h.engine.Capture(ctx, project.AbsolutePath, project.ID, session.ID, req.MessageID)
	if err != nil {
		h.logger.Error("snapshot capture failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, "snapshot capture failed"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, snap)
}

// RestoreRequest is the payload for snapshot:restore.
type RestoreRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// RestoreToCheckpoint handles snapshot:restore. Restore is best-effort across
// files; on failure the partial result is included in the error response log.
func (h *Handlers) RestoreToCheckpoint(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req RestoreRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" || req.MessageID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id and message_id are required"), nil
	}

	_, project, errMsg := h.resolveSession(ctx, msg, req.SessionID)
	if errMsg != nil {
		return errMsg, nil
	}

	result, err := h.engine.RestoreToCheckpoint(ctx, project.AbsolutePath, req.SessionID, req.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, "checkpoint not found"), nil
		}
		written := 0
		if result != nil {
			written = len(result.Written)
		}
		h.logger.Error("restore to checkpoint failed",
			zap.String("session_id", req.SessionID),
			zap.String("message_id", req.MessageID),
			zap.Int("partial_writes", written),
			zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, "restore failed: "+err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, result)
}

// TimelineRequest is the payload for snapshot:timeline.
type TimelineRequest struct {
	SessionID string `json:"session_id"`
}

// Timeline handles snapshot:timeline.
func (h *Handlers) Timeline(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TimelineRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}

	timeline, err := h.engine.BuildTimeline(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, "session not found"), nil
		}
		h.logger.Error("timeline build failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeInternal, "failed to build timeline"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, timeline)
}

// resolveSession loads a session and its project, mapping missing rows to
// NOT_FOUND responses.
func (h *Handlers) resolveSession(ctx context.Context, msg *ws.Message, sessionID string) (*models.ChatSession, *models.Project, *ws.Message) {
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, "session not found")
		}
		h.logger.Error("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		return nil, nil, ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeInternal, "failed to load session")
	}
	project, err := h.store.GetProject(ctx, session.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, "project not found")
		}
		h.logger.Error("failed to load project", zap.String("project_id", session.ProjectID), zap.Error(err))
		return nil, nil, ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeInternal, "failed to load project")
	}
	return session, project, nil
}
