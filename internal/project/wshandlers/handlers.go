// Package wshandlers provides WebSocket message handlers for the project and
// chat APIs.
package wshandlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/service"
	"github.com/atelier-dev/atelier/internal/project/store"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Handlers contains WebSocket handlers for projects, sessions, messages, and
// branches.
type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "project-ws-handlers")),
	}
}

// RegisterHandlers registers all project and chat handlers with the
// dispatcher. project:join and chat:join are handled by the gateway client
// because they mutate connection room state.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelProjectList, h.ListProjects)
	d.RegisterFunc(ws.ChannelProjectCreate, h.CreateProject)
	d.RegisterFunc(ws.ChannelProjectGet, h.GetProject)
	d.RegisterFunc(ws.ChannelProjectDelete, h.DeleteProject)

	d.RegisterFunc(ws.ChannelChatSessionCreate, h.CreateSession)
	d.RegisterFunc(ws.ChannelChatSessionList, h.ListSessions)
	d.RegisterFunc(ws.ChannelChatMessageAppend, h.AppendMessage)
	d.RegisterFunc(ws.ChannelChatMessageList, h.ListMessages)
	d.RegisterFunc(ws.ChannelChatBranchCreate, h.CreateBranch)
	d.RegisterFunc(ws.ChannelChatBranchSwitch, h.SwitchBranch)
	d.RegisterFunc(ws.ChannelChatBranchList, h.ListBranches)
}

func (h *Handlers) errResponse(msg *ws.Message, err error, fallback string) *ws.Message {
	if errors.Is(err, store.ErrNotFound) {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, fallback+" not found")
	}
	h.logger.Error("handler error", zap.String("channel", msg.Channel), zap.Error(err))
	return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeInternal, "failed to "+msg.Channel)
}

// CreateProjectRequest is the payload for project:create.
type CreateProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// CreateProject handles project:create.
func (h *Handlers) CreateProject(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreateProjectRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.Name == "" || req.Path == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "name and path are required"), nil
	}
	project, err := h.service.CreateProject(ctx, req.Name, req.Path)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, project)
}

// IDRequest is the payload for operations addressed by a single id.
type IDRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ListProjects handles project:list.
func (h *Handlers) ListProjects(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	projects, err := h.service.ListProjects(ctx)
	if err != nil {
		return h.errResponse(msg, err, "projects"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
		"projects": projects,
		"total":    len(projects),
	})
}

// GetProject handles project:get.
func (h *Handlers) GetProject(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req IDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}
	project, err := h.service.GetProject(ctx, req.ProjectID)
	if err != nil {
		return h.errResponse(msg, err, "project"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, project)
}

// DeleteProject handles project:delete.
func (h *Handlers) DeleteProject(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req IDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}
	if err := h.service.DeleteProject(ctx, req.ProjectID); err != nil {
		return h.errResponse(msg, err, "project"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// CreateSessionRequest is the payload for chat:session-create.
type CreateSessionRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Engine    string `json:"engine,omitempty"`
	Model     string `json:"model,omitempty"`
}

// CreateSession handles chat:session-create.
func (h *Handlers) CreateSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreateSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}
	session, err := h.service.CreateSession(ctx, req.ProjectID, req.Title, models.Engine(req.Engine), req.Model)
	if err != nil {
		return h.errResponse(msg, err, "project"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, session)
}

// ListSessions handles chat:session-list.
func (h *Handlers) ListSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req IDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.ProjectID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required"), nil
	}
	sessions, err := h.service.ListSessions(ctx, req.ProjectID)
	if err != nil {
		return h.errResponse(msg, err, "sessions"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// AppendMessageRequest is the payload for chat:message-append.
type AppendMessageRequest struct {
	SessionID    string `json:"session_id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	SDKPayload   string `json:"sdk_payload,omitempty"`
	SDKSessionID string `json:"sdk_session_id,omitempty"`
	SenderID     string `json:"sender_id,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
}

// AppendMessage handles chat:message-append.
func (h *Handlers) AppendMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req AppendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}
	role := models.MessageRole(req.Role)
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleToolResult:
	default:
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid role: "+req.Role), nil
	}

	message, err := h.service.AppendMessage(ctx, service.AppendMessageRequest{
		SessionID:    req.SessionID,
		Role:         role,
		Content:      req.Content,
		SDKPayload:   []byte(req.SDKPayload),
		SDKSessionID: req.SDKSessionID,
		SenderID:     req.SenderID,
		SenderName:   req.SenderName,
	})
	if err != nil {
		return h.errResponse(msg, err, "session"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, message)
}

// ListMessages handles chat:message-list.
func (h *Handlers) ListMessages(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req IDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}
	messages, err := h.service.ListVisibleMessages(ctx, req.SessionID)
	if err != nil {
		return h.errResponse(msg, err, "session"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
		"messages": messages,
		"total":    len(messages),
	})
}

// BranchRequest is the payload for branch operations.
type BranchRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	BranchID  string `json:"branch_id,omitempty"`
}

// CreateBranch handles chat:branch-create.
func (h *Handlers) CreateBranch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req BranchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" || req.Name == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id and name are required"), nil
	}
	branch, err := h.service.CreateBranch(ctx, req.SessionID, req.Name)
	if err != nil {
		return h.errResponse(msg, err, "session"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, branch)
}

// SwitchBranch handles chat:branch-switch.
func (h *Handlers) SwitchBranch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req BranchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" || req.BranchID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id and branch_id are required"), nil
	}
	branch, err := h.service.SwitchBranch(ctx, req.SessionID, req.BranchID)
	if err != nil {
		return h.errResponse(msg, err, "branch"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, branch)
}

// ListBranches handles chat:branch-list.
func (h *Handlers) ListBranches(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req BranchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.SessionID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "session_id is required"), nil
	}
	branches, err := h.service.ListBranches(ctx, req.SessionID)
	if err != nil {
		return h.errResponse(msg, err, "session"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{
		"branches": branches,
		"total":    len(branches),
	})
}
