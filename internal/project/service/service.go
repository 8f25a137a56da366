// Package service implements the project/session/message operations behind
// the project and chat WebSocket channels.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/store"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Service owns project, chat-session, message, and branch operations. All
// mutations that change what a session's clients should render broadcast
// chat:messages-changed with a reason.
type Service struct {
	store   *store.Store
	emitter *events.Emitter
	logger  *logger.Logger
}

// NewService creates a project service.
func NewService(st *store.Store, emitter *events.Emitter, log *logger.Logger) *Service {
	return &Service{
		store:   st,
		emitter: emitter,
		logger:  log.WithFields(zap.String("component", "project_service")),
	}
}

// CreateProject registers a project rooted at an existing directory.
func (s *Service) CreateProject(ctx context.Context, name, absolutePath string) (*models.Project, error) {
	if !filepath.IsAbs(absolutePath) {
		return nil, fmt.Errorf("project path must be absolute: %s", absolutePath)
	}
	info, err := os.Stat(absolutePath)
	if err != nil {
		return nil, fmt.Errorf("project path not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path is not a directory: %s", absolutePath)
	}

	project := &models.Project{Name: name, AbsolutePath: absolutePath}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created",
		zap.String("project_id", project.ID),
		zap.String("path", absolutePath))
	return project, nil
}

// GetProject loads a project and refreshes its last-opened timestamp.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchProject(ctx, id); err != nil {
		s.logger.Warn("failed to touch project", zap.String("project_id", id), zap.Error(err))
	}
	return project, nil
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.store.ListProjects(ctx)
}

// DeleteProject removes a project and all dependent rows.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}

// CreateSession starts a chat session in a project.
func (s *Service) CreateSession(ctx context.Context, projectID, title string, engine models.Engine, model string) (*models.ChatSession, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	session := &models.ChatSession{
		ProjectID: projectID,
		Title:     title,
		Engine:    engine,
		Model:     model,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns a project's chat sessions.
func (s *Service) ListSessions(ctx context.Context, projectID string) ([]*models.ChatSession, error) {
	return s.store.ListSessions(ctx, projectID)
}

// AppendMessageRequest describes a message to append to the session DAG.
type AppendMessageRequest struct {
	SessionID    string
	Role         models.MessageRole
	Content      string
	SDKPayload   []byte
	SDKSessionID string
	SenderID     string
	SenderName   string
}

// AppendMessage appends a message as a child of the current HEAD and moves
// HEAD to it.
func (s *Service) AppendMessage(ctx context.Context, req AppendMessageRequest) (*models.Message, error) {
	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	message := &models.Message{
		SessionID:       req.SessionID,
		Role:            req.Role,
		Content:         req.Content,
		SDKPayload:      req.SDKPayload,
		SDKSessionID:    req.SDKSessionID,
		SenderID:        req.SenderID,
		SenderName:      req.SenderName,
		ParentMessageID: session.CurrentHeadMessageID,
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionHead(ctx, req.SessionID, message.ID); err != nil {
		return nil, err
	}
	if req.SDKSessionID != "" {
		if err := s.store.UpdateSessionSDKSession(ctx, req.SessionID, req.SDKSessionID); err != nil {
			s.logger.Warn("failed to update sdk session",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}

	s.broadcastMessagesChanged(ctx, req.SessionID, "append")
	return message, nil
}

// ListVisibleMessages returns the undeleted messages on the HEAD-to-root path
// in chronological order.
func (s *Service) ListVisibleMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.store.ListVisibleMessages(ctx, sessionID)
}

// CreateBranch names the current HEAD so it can be returned to after a
// rewind.
func (s *Service) CreateBranch(ctx context.Context, sessionID, name string) (*models.Branch, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CurrentHeadMessageID == "" {
		return nil, fmt.Errorf("cannot branch an empty session")
	}
	branch := &models.Branch{
		SessionID:     sessionID,
		Name:          name,
		HeadMessageID: session.CurrentHeadMessageID,
	}
	if err := s.store.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

// ListBranches returns a session's branches.
func (s *Service) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	return s.store.ListBranches(ctx, sessionID)
}

// SwitchBranch rewinds the session to a branch head. Messages after the
// branch head are soft-deleted (strictly later timestamps only, so the head
// itself and its snapshot survive) and tagged with the branch id so a later
// switch can restore them.
func (s *Service) SwitchBranch(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if branch.SessionID != sessionID {
		return nil, fmt.Errorf("branch %s does not belong to session %s", branchID, sessionID)
	}
	head, err := s.store.GetMessage(ctx, branch.HeadMessageID)
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.SoftDeleteAfterTimestamp(ctx, sessionID, head.Timestamp, branchID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionHead(ctx, sessionID, branch.HeadMessageID); err != nil {
		return nil, err
	}

	s.logger.Info("switched branch",
		zap.String("session_id", sessionID),
		zap.String("branch_id", branchID),
		zap.Int("messages_tombstoned", deleted))
	s.broadcastMessagesChanged(ctx, sessionID, "branch-switch")
	return branch, nil
}

func (s *Service) broadcastMessagesChanged(ctx context.Context, sessionID, reason string) {
	err := s.emitter.EmitChatSession(ctx, sessionID, ws.ChannelChatMessagesChanged,
		map[string]string{"session_id": sessionID, "reason": reason})
	if err != nil {
		s.logger.Warn("failed to broadcast messages-changed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
