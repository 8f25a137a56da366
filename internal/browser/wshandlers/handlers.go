// Package wshandlers provides WebSocket message handlers for the browser
// preview API.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/browser"
	"github.com/atelier-dev/atelier/internal/common/logger"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Handlers contains WebSocket handlers for the browser preview API.
type Handlers struct {
	manager *browser.Manager
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance.
func NewHandlers(manager *browser.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "browser-ws-handlers")),
	}
}

// RegisterHandlers registers all browser preview handlers with the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ChannelPreviewTabList, h.TabList)
	d.RegisterFunc(ws.ChannelPreviewTabOpen, h.TabOpen)
	d.RegisterFunc(ws.ChannelPreviewTabSwitch, h.TabSwitch)
	d.RegisterFunc(ws.ChannelPreviewTabClose, h.TabClose)
	d.RegisterFunc(ws.ChannelPreviewNavigate, h.Navigate)
	d.RegisterFunc(ws.ChannelPreviewSetViewport, h.SetViewport)
	d.RegisterFunc(ws.ChannelPreviewDialogInput, h.DialogInput)
	d.RegisterFunc(ws.ChannelPreviewConsoleGet, h.ConsoleGet)
	d.RegisterFunc(ws.ChannelPreviewConsoleClear, h.ConsoleClear)
	d.RegisterFunc(ws.ChannelPreviewConsoleExec, h.ConsoleExecute)
	d.RegisterFunc(ws.ChannelPreviewConsoleToggle, h.ConsoleToggle)
	d.RegisterFunc(ws.ChannelPreviewAnalyzeDOM, h.AnalyzeDOM)
	d.RegisterFunc(ws.ChannelPreviewScreenshot, h.Screenshot)
	d.RegisterFunc(ws.ChannelPreviewActions, h.Actions)
}

// TabRequest addresses a project's browser service, optionally a specific
// tab.
type TabRequest struct {
	ProjectID string `json:"project_id"`
	TabID     string `json:"tab_id,omitempty"`
}

func (h *Handlers) service(msg *ws.Message, projectID string) (*browser.Service, *ws.Message) {
	if projectID == "" {
		return nil, ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "project_id is required")
	}
	return h.manager.ServiceFor(projectID), nil
}

// TabList handles preview:browser-tab-list.
func (h *Handlers) TabList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"tabs": svc.ListTabs()})
}

// TabOpenRequest is the payload for preview:browser-tab-open.
type TabOpenRequest struct {
	ProjectID string             `json:"project_id"`
	URL       string             `json:"url,omitempty"`
	Device    browser.DeviceSize `json:"device_size,omitempty"`
	Rotation  browser.Rotation   `json:"rotation,omitempty"`
}

// TabOpen handles preview:browser-tab-open.
func (h *Handlers) TabOpen(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabOpenRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}

	tab, err := svc.OpenTab(ctx, req.URL, req.Device, req.Rotation)
	if err != nil {
		h.logger.Error("failed to open tab",
			zap.String("project_id", req.ProjectID), zap.Error(err))
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, tab)
}

// TabSwitch handles preview:browser-tab-switch.
func (h *Handlers) TabSwitch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	tab, err := svc.SwitchTab(req.TabID)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, tab)
}

// TabClose handles preview:browser-tab-close.
func (h *Handlers) TabClose(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	if err := svc.CloseTab(ctx, req.TabID); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// NavigateRequest is the payload for preview:browser-navigate.
type NavigateRequest struct {
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
}

// Navigate handles preview:browser-navigate against the active tab.
func (h *Handlers) Navigate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req NavigateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.URL == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "url is required"), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	tab, err := svc.Navigate(req.URL)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, tab)
}

// SetViewportRequest is the payload for preview:browser-set-viewport.
type SetViewportRequest struct {
	ProjectID string             `json:"project_id"`
	Device    browser.DeviceSize `json:"device_size,omitempty"`
	Rotation  browser.Rotation   `json:"rotation,omitempty"`
}

// SetViewport handles preview:browser-set-viewport against the active tab.
func (h *Handlers) SetViewport(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SetViewportRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	tab, err := svc.SetViewport(req.Device, req.Rotation)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, tab)
}

// DialogInputRequest is the payload for preview:browser-dialog-input.
type DialogInputRequest struct {
	ProjectID  string `json:"project_id"`
	DialogID   string `json:"dialog_id"`
	Accept     bool   `json:"accept"`
	PromptText string `json:"prompt_text,omitempty"`
}

// DialogInput handles preview:browser-dialog-input.
func (h *Handlers) DialogInput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req DialogInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.DialogID == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "dialog_id is required"), nil
	}
	svc, errMsg := h.service(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	if err := svc.HandleDialogInput(req.DialogID, req.Accept, req.PromptText); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

func (h *Handlers) activeTab(msg *ws.Message, projectID string) (*browser.Tab, *ws.Message) {
	svc, errMsg := h.service(msg, projectID)
	if errMsg != nil {
		return nil, errMsg
	}
	tab, err := svc.ActiveTab()
	if err != nil {
		return nil, ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeNotFound, err.Error())
	}
	return tab, nil
}

// ConsoleGet handles preview:browser-console-get.
func (h *Handlers) ConsoleGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"entries": tab.ConsoleEntries()})
}

// ConsoleClear handles preview:browser-console-clear.
func (h *Handlers) ConsoleClear(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	tab.ClearConsole()
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// ConsoleExecuteRequest is the payload for preview:browser-console-execute.
type ConsoleExecuteRequest struct {
	ProjectID  string `json:"project_id"`
	Expression string `json:"expression"`
}

// ConsoleExecute handles preview:browser-console-execute.
func (h *Handlers) ConsoleExecute(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ConsoleExecuteRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if req.Expression == "" {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "expression is required"), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	value, err := tab.Evaluate(req.Expression)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"result": value})
}

// ConsoleToggleRequest is the payload for preview:browser-console-toggle.
type ConsoleToggleRequest struct {
	ProjectID string `json:"project_id"`
	Enabled   bool   `json:"enabled"`
}

// ConsoleToggle handles preview:browser-console-toggle.
func (h *Handlers) ConsoleToggle(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ConsoleToggleRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	tab.ToggleConsole(req.Enabled)
	return ws.NewResponse(msg.ID, msg.Channel, map[string]bool{"success": true})
}

// AnalyzeDOMRequest is the payload for preview:browser-analyze-dom.
type AnalyzeDOMRequest struct {
	ProjectID string   `json:"project_id"`
	Include   []string `json:"include,omitempty"`
}

// AnalyzeDOM handles preview:browser-analyze-dom against the active tab.
func (h *Handlers) AnalyzeDOM(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req AnalyzeDOMRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	result, err := tab.AnalyzeDOM(req.Include)
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, result)
}

// Screenshot handles preview:browser-screenshot against the active tab.
func (h *Handlers) Screenshot(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TabRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	data, err := tab.Screenshot()
	if err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeIO, err.Error()), nil
	}
	return ws.NewResponse(msg.ID, msg.Channel, map[string]string{"format": "png", "data": data})
}

// ActionsRequest is the payload for preview:browser-actions.
type ActionsRequest struct {
	ProjectID string           `json:"project_id"`
	Actions   []browser.Action `json:"actions"`
}

// Actions handles preview:browser-actions against the active tab.
func (h *Handlers) Actions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ActionsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "invalid payload: "+err.Error()), nil
	}
	if len(req.Actions) == 0 {
		return ws.NewErrorResponse(msg.ID, msg.Channel, ws.ErrCodeValidation, "actions must not be empty"), nil
	}
	tab, errMsg := h.activeTab(msg, req.ProjectID)
	if errMsg != nil {
		return errMsg, nil
	}
	results := tab.RunActions(req.Actions)
	return ws.NewResponse(msg.ID, msg.Channel, map[string]interface{}{"results": results})
}
