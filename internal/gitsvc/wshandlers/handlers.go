// Package wshandlers provides WebSocket message handlers for git operations.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/gitsvc"
	"github.com/atelier-dev/atelier/internal/project/models"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// projectResolver maps a project id to its record; git commands run in the
// project's absolute path.
type projectResolver interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// Handlers contains WebSocket handlers for the git API.
type Handlers struct {
	git      *gitsvc.Service
	projects projectResolver
	logger   *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(git *gitsvc.Service, projects projectResolver, log *logger.Logger) *Handlers {
	return &Handlers{
		git:      git,
		projects: projects,
		logger:   log.WithFields(zap.String("component", "git-ws-handlers")),
	}
}

// RegisterHandlers registers all git handlers with the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelGitStatus, h.Status)
	d.RegisterFunc(ws.ChannelGitStage, h.Stage)
	d.RegisterFunc(ws.ChannelGitUnstage, h.Unstage)
	d.RegisterFunc(ws.ChannelGitDiscard, h.Discard)
	d.RegisterFunc(ws.ChannelGitCommit, h.Commit)
	d.RegisterFunc(ws.ChannelGitDiff, h.Diff)
	d.RegisterFunc(ws.ChannelGitLog, h.Log)
	d.RegisterFunc(ws.ChannelGitBranches, h.Branches)
	d.RegisterFunc(ws.ChannelGitRemotes, h.Remotes)
	d.RegisterFunc(ws.ChannelGitFetch, h.Fetch)
	d.RegisterFunc(ws.ChannelGitPull, h.Pull)
	d.RegisterFunc(ws.ChannelGitPush, h.Push)
	d.RegisterFunc(ws.ChannelGitStash, h.Stash)
	d.RegisterFunc(ws.ChannelGitTags, h.Tags)
	d.RegisterFunc(ws.ChannelGitMerge, h.Merge)
}

// repoPath resolves the request's project to its working directory. The
// error return is already a wire-ready response.
func (h *Handlers) repoPath(ctx context.Context, msg *ws.Message, projectID string) (string, *ws.Message) {
	if projectID == "" {
		return "", ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required")
	}
	project, err := h.projects.GetProject(ctx, projectID)
	if err != nil {
		return "", ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, "project not found: "+projectID)
	}
	return project.AbsolutePath, nil
}

func (h *Handlers) gitError(msg *ws.Message, err error) *ws.Message {
	h.logger.Warn("git operation failed", zap.String("channel", msg.Channel), zap.Error(err))
	return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error())
}

// ProjectRequest is the payload for read-only repository queries.
type ProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// PathsRequest is the payload for index operations over explicit paths.
type PathsRequest struct {
	ProjectID string   `json:"project_id"`
	Paths     []string `json:"paths"`
}

// Status handles git:status.
func (h *Handlers) Status(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ProjectRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	status, err := h.git.Status(ctx, path)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, status)
}

// Stage handles git:stage. An empty path list stages everything.
func (h *Handlers) Stage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return h.pathsOp(ctx, msg, h.git.Stage)
}

// Unstage handles git:unstage.
func (h *Handlers) Unstage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return h.pathsOp(ctx, msg, h.git.Unstage)
}

// Discard handles git:discard. Paths are required; there is no undo.
func (h *Handlers) Discard(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PathsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if len(req.Paths) == 0 {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "paths is required"), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	if err := h.git.Discard(ctx, path, req.Paths); err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

func (h *Handlers) pathsOp(ctx context.Context, msg *ws.Message, op func(context.Context, string, []string) error) (*ws.Message, error) {
	var req PathsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	if err := op(ctx, path, req.Paths); err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// CommitRequest is the payload for git:commit.
type CommitRequest struct {
	ProjectID string `json:"project_id"`
	Message   string `json:"message"`
	Amend     bool   `json:"amend,omitempty"`
}

// Commit handles git:commit.
func (h *Handlers) Commit(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CommitRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	hash, err := h.git.Commit(ctx, path, req.Message, req.Amend)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"hash": hash})
}

// DiffRequest is the payload for git:diff.
type DiffRequest struct {
	ProjectID string `json:"project_id"`
	gitsvc.DiffRequest
}

// Diff handles git:diff.
func (h *Handlers) Diff(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req DiffRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	diff, err := h.git.Diff(ctx, path, req.DiffRequest)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"diff": diff})
}

// LogRequest is the payload for git:log.
type LogRequest struct {
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit,omitempty"`
}

// Log handles git:log.
func (h *Handlers) Log(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req LogRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	commits, err := h.git.Log(ctx, path, req.Limit)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"commits": commits})
}

// Branches handles git:branches.
func (h *Handlers) Branches(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ProjectRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	branches, err := h.git.Branches(ctx, path)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"branches": branches})
}

// Remotes handles git:remotes.
func (h *Handlers) Remotes(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ProjectRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	remotes, err := h.git.Remotes(ctx, path)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"remotes": remotes})
}

// FetchRequest is the payload for git:fetch.
type FetchRequest struct {
	ProjectID string `json:"project_id"`
	Remote    string `json:"remote,omitempty"`
}

// Fetch handles git:fetch.
func (h *Handlers) Fetch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req FetchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	if err := h.git.Fetch(ctx, path, req.Remote); err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// Pull handles git:pull.
func (h *Handlers) Pull(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ProjectRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	out, err := h.git.Pull(ctx, path)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"output": out})
}

// PushRequest is the payload for git:push.
type PushRequest struct {
	ProjectID string `json:"project_id"`
	gitsvc.PushRequest
}

// Push handles git:push.
func (h *Handlers) Push(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PushRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	out, err := h.git.Push(ctx, path, req.PushRequest)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"output": out})
}

// StashRequest is the payload for git:stash.
type StashRequest struct {
	ProjectID string `json:"project_id"`
	Action    string `json:"action"` // list, save, pop, drop
	Message   string `json:"message,omitempty"`
	Ref       string `json:"ref,omitempty"`
}

// Stash handles git:stash, multiplexing list/save/pop/drop on the action
// field.
func (h *Handlers) Stash(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StashRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}

	switch req.Action {
	case "list":
		entries, err := h.git.StashList(ctx, path)
		if err != nil {
			return h.gitError(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"stashes": entries})
	case "save":
		if err := h.git.StashSave(ctx, path, req.Message); err != nil {
			return h.gitError(msg, err), nil
		}
	case "pop":
		if err := h.git.StashPop(ctx, path, req.Ref); err != nil {
			return h.gitError(msg, err), nil
		}
	case "drop":
		if err := h.git.StashDrop(ctx, path, req.Ref); err != nil {
			return h.gitError(msg, err), nil
		}
	default:
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "action must be one of: list, save, pop, drop"), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// TagsRequest is the payload for git:tags.
type TagsRequest struct {
	ProjectID string `json:"project_id"`
	Action    string `json:"action"` // list, create
	Name      string `json:"name,omitempty"`
	Message   string `json:"message,omitempty"`
	Remote    string `json:"remote,omitempty"` // push the new tag here
}

// Tags handles git:tags.
func (h *Handlers) Tags(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TagsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}

	switch req.Action {
	case "", "list":
		tags, err := h.git.Tags(ctx, path)
		if err != nil {
			return h.gitError(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"tags": tags})
	case "create":
		if req.Name == "" {
			return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "name is required"), nil
		}
		if err := h.git.CreateTag(ctx, path, req.Name, req.Message, req.Remote); err != nil {
			return h.gitError(msg, err), nil
		}
		return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
	default:
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "action must be one of: list, create"), nil
	}
}

// MergeRequest is the payload for git:merge.
type MergeRequest struct {
	ProjectID string `json:"project_id"`
	Branch    string `json:"branch"`
}

// Merge handles git:merge. A conflicted merge is a successful response whose
// payload carries the parsed conflict sections.
func (h *Handlers) Merge(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req MergeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.Branch == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "branch is required"), nil
	}
	path, errResp := h.repoPath(ctx, msg, req.ProjectID)
	if errResp != nil {
		return errResp, nil
	}
	result, err := h.git.Merge(ctx, path, req.Branch)
	if err != nil {
		return h.gitError(msg, err), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, result)
}
