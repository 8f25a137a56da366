// Package browser orchestrates headless browser tabs for project previews.
// Each project gets a lazily created service owning its tabs; the browser
// engine itself is an external process reached over the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// pageFactory opens a new page session; production wires the CDP client,
// tests a fake.
type pageFactory func(url string) (pageSession, error)

// Service owns one project's browser tabs. Exactly one tab is active at any
// time.
type Service struct {
	projectID string
	emitter   *events.Emitter
	logger    *logger.Logger
	newPage   pageFactory

	mu          sync.Mutex
	tabs        map[string]*Tab
	activeTabID string

	// onTabChange fires on switch and close so the MCP control lock can be
	// released.
	onTabChange func(projectID string)
}

// Manager hands out per-project browser services, creating them on first
// use.
type Manager struct {
	cfg     config.BrowserConfig
	emitter *events.Emitter
	logger  *logger.Logger
	newPage pageFactory

	mu       sync.Mutex
	services map[string]*Service

	onTabChange func(projectID string)
}

// NewManager creates a browser manager.
func NewManager(cfg config.BrowserConfig, emitter *events.Emitter, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		emitter:  emitter,
		logger:   log.WithFields(zap.String("component", "browser_manager")),
		services: make(map[string]*Service),
	}
	m.newPage = func(url string) (pageSession, error) {
		return openTarget(cfg.DebugPort, url)
	}
	return m
}

// OnTabChange registers the callback fired when any project's active tab
// switches or closes.
func (m *Manager) OnTabChange(fn func(projectID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTabChange = fn
	for _, svc := range m.services {
		svc.onTabChange = fn
	}
}

// ServiceFor returns the project's browser service, creating it lazily.
func (m *Manager) ServiceFor(projectID string) *Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[projectID]; ok {
		return svc
	}
	svc := &Service{
		projectID:   projectID,
		emitter:     m.emitter,
		logger:      m.logger.WithProjectID(projectID),
		newPage:     m.newPage,
		tabs:        make(map[string]*Tab),
		onTabChange: m.onTabChange,
	}
	m.services[projectID] = svc
	return svc
}

// Peek returns the project's service only if it already exists.
func (m *Manager) Peek(projectID string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[projectID]
	return svc, ok
}

// CloseAll closes every tab of every project; called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	services := make([]*Service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.services = make(map[string]*Service)
	m.mu.Unlock()

	for _, svc := range services {
		svc.CloseAllTabs()
	}
}

// OpenTab opens a new tab, makes it active, and navigates if a URL was given.
func (s *Service) OpenTab(ctx context.Context, url string, device DeviceSize, rotation Rotation) (*Tab, error) {
	if device == "" {
		device = DeviceLaptop
	}
	if !ValidDevice(device) {
		return nil, fmt.Errorf("unknown device preset: %s", device)
	}

	page, err := s.newPage("about:blank")
	if err != nil {
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	tab := newTab(s.projectID, page, device, rotation, s.logger)
	tab.onDialog = s.broadcastDialog

	if err := tab.SetViewport(device, tab.Rotation); err != nil {
		s.logger.Warn("failed to apply initial viewport",
			zap.String("tab_id", tab.ID), zap.Error(err))
	}
	if url != "" {
		if err := tab.Navigate(url); err != nil {
			tab.close()
			return nil, err
		}
	}

	s.mu.Lock()
	s.tabs[tab.ID] = tab
	previous := s.activeTabID
	s.activeTabID = tab.ID
	tab.setActive(true)
	if prev, ok := s.tabs[previous]; ok {
		prev.setActive(false)
	}
	s.mu.Unlock()

	s.emit(ctx, ws.ChannelPreviewTabOpened, marshalTab(tab))
	return tab, nil
}

// ListTabs returns all tabs, active first.
func (s *Service) ListTabs() []*Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tab, 0, len(s.tabs))
	if active, ok := s.tabs[s.activeTabID]; ok {
		out = append(out, active)
	}
	for id, tab := range s.tabs {
		if id != s.activeTabID {
			out = append(out, tab)
		}
	}
	return out
}

// ActiveTab returns the active tab.
func (s *Service) ActiveTab() (*Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[s.activeTabID]
	if !ok {
		return nil, fmt.Errorf("no active tab")
	}
	return tab, nil
}

// Tab returns a tab by id.
func (s *Service) Tab(tabID string) (*Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("tab not found: %s", tabID)
	}
	return tab, nil
}

// SwitchTab makes another tab active.
func (s *Service) SwitchTab(tabID string) (*Tab, error) {
	s.mu.Lock()
	tab, ok := s.tabs[tabID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("tab not found: %s", tabID)
	}
	if prev, exists := s.tabs[s.activeTabID]; exists {
		prev.setActive(false)
	}
	s.activeTabID = tabID
	tab.setActive(true)
	cb := s.onTabChange
	s.mu.Unlock()

	if cb != nil {
		cb(s.projectID)
	}
	return tab, nil
}

// CloseTab closes a tab. Closing the active tab promotes an arbitrary
// remaining tab.
func (s *Service) CloseTab(ctx context.Context, tabID string) error {
	s.mu.Lock()
	tab, ok := s.tabs[tabID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tab not found: %s", tabID)
	}
	delete(s.tabs, tabID)
	wasActive := s.activeTabID == tabID
	if wasActive {
		s.activeTabID = ""
		for id, next := range s.tabs {
			s.activeTabID = id
			next.setActive(true)
			break
		}
	}
	cb := s.onTabChange
	s.mu.Unlock()

	tab.close()
	if cb != nil {
		cb(s.projectID)
	}
	s.emit(ctx, ws.ChannelPreviewTabClosed, map[string]string{"tab_id": tabID})
	return nil
}

// CloseAllTabs closes every tab.
func (s *Service) CloseAllTabs() {
	s.mu.Lock()
	tabs := make([]*Tab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		tabs = append(tabs, tab)
	}
	s.tabs = make(map[string]*Tab)
	s.activeTabID = ""
	s.mu.Unlock()

	for _, tab := range tabs {
		tab.close()
	}
}

// Navigate loads a URL in the active tab.
func (s *Service) Navigate(url string) (*Tab, error) {
	tab, err := s.ActiveTab()
	if err != nil {
		return nil, err
	}
	if err := tab.Navigate(url); err != nil {
		return nil, err
	}
	return tab, nil
}

// SetViewport changes the active tab's device preset.
func (s *Service) SetViewport(device DeviceSize, rotation Rotation) (*Tab, error) {
	tab, err := s.ActiveTab()
	if err != nil {
		return nil, err
	}
	if err := tab.SetViewport(device, rotation); err != nil {
		return nil, err
	}
	return tab, nil
}

// HandleDialogInput routes a dialog decision to the owning tab.
func (s *Service) HandleDialogInput(dialogID string, accept bool, promptText string) error {
	s.mu.Lock()
	tabs := make([]*Tab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		tabs = append(tabs, tab)
	}
	s.mu.Unlock()

	for _, tab := range tabs {
		tab.mu.Lock()
		_, owns := tab.pendingDialogs[dialogID]
		tab.mu.Unlock()
		if owns {
			return tab.HandleDialogInput(dialogID, accept, promptText)
		}
	}
	s.logger.Warn("dropping input for unknown dialog", zap.String("dialog_id", dialogID))
	return nil
}

func (s *Service) broadcastDialog(dialog *Dialog) {
	s.emit(context.Background(), ws.ChannelPreviewDialog, dialog)
}

func (s *Service) emit(ctx context.Context, channel string, payload interface{}) {
	if err := s.emitter.EmitProject(ctx, s.projectID, channel, payload); err != nil {
		s.logger.Warn("failed to broadcast browser event",
			zap.String("channel", channel), zap.Error(err))
	}
}

// marshalTab renders a tab for wire payloads under its own lock.
func marshalTab(t *Tab) json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, _ := json.Marshal(t)
	return data
}
