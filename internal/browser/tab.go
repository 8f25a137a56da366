package browser

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/common/shortid"
)

// pageSession is the slice of the CDP client a tab needs. Tests substitute a
// scripted fake.
type pageSession interface {
	Call(method string, params interface{}) (json.RawMessage, error)
	OnEvent(method string, fn func(params json.RawMessage))
	Close() error
}

const consoleRingSize = 500

// ConsoleEntry is one captured console message.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Dialog is a JavaScript dialog waiting for a client decision.
type Dialog struct {
	ID      string `json:"dialog_id"`
	TabID   string `json:"tab_id"`
	Type    string `json:"type"` // alert, confirm, prompt, beforeunload, print
	Message string `json:"message"`
	Default string `json:"default_prompt,omitempty"`
}

// Tab is one headless browser page owned by a project's browser service.
type Tab struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Device    DeviceSize `json:"device_size"`
	Rotation  Rotation   `json:"rotation"`
	IsActive  bool       `json:"is_active"`

	page   pageSession
	logger *logger.Logger

	mu             sync.Mutex
	consoleRing    []ConsoleEntry
	consoleEnabled bool
	pendingDialogs map[string]*Dialog

	onDialog func(*Dialog)
}

func newTab(projectID string, page pageSession, device DeviceSize, rotation Rotation, log *logger.Logger) *Tab {
	if rotation == "" {
		rotation = DefaultRotation(device)
	}
	t := &Tab{
		ID:             shortid.NewWithPrefix("tab"),
		ProjectID:      projectID,
		Device:         device,
		Rotation:       rotation,
		page:           page,
		logger:         log,
		consoleEnabled: true,
		pendingDialogs: make(map[string]*Dialog),
	}
	t.wireEvents()
	return t
}

// setActive flips the active flag under the tab's own lock so concurrent
// marshalTab reads stay consistent.
func (t *Tab) setActive(active bool) {
	t.mu.Lock()
	t.IsActive = active
	t.mu.Unlock()
}

// wireEvents enables the CDP domains the tab depends on and subscribes to
// dialog and console events.
func (t *Tab) wireEvents() {
	if _, err := t.page.Call("Page.enable", nil); err != nil {
		t.logger.Warn("failed to enable page domain", zap.String("tab_id", t.ID), zap.Error(err))
	}
	if _, err := t.page.Call("Runtime.enable", nil); err != nil {
		t.logger.Warn("failed to enable runtime domain", zap.String("tab_id", t.ID), zap.Error(err))
	}

	t.page.OnEvent("Page.javascriptDialogOpening", t.handleDialogOpening)
	t.page.OnEvent("Runtime.consoleAPICalled", t.handleConsoleEvent)
}

// installDialogPreBinding injects the print interceptor before any page
// script runs. window.print has no protocol-level dialog event, so the
// override reports through a console sentinel the dialog machinery picks up.
func (t *Tab) installDialogPreBinding() {
	const script = `window.print = function() { console.debug("__dialog_print__"); };`
	_, err := t.page.Call("Page.addScriptToEvaluateOnNewDocument", map[string]interface{}{
		"source": script,
	})
	if err != nil {
		t.logger.Warn("failed to install dialog pre-binding",
			zap.String("tab_id", t.ID), zap.Error(err))
	}
}

func (t *Tab) handleDialogOpening(params json.RawMessage) {
	var ev struct {
		Type          string `json:"type"`
		Message       string `json:"message"`
		DefaultPrompt string `json:"defaultPrompt"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	t.registerDialog(&Dialog{
		TabID:   t.ID,
		Type:    ev.Type,
		Message: ev.Message,
		Default: ev.DefaultPrompt,
	})
}

func (t *Tab) registerDialog(dialog *Dialog) {
	dialog.ID = shortid.NewWithPrefix("dlg")

	t.mu.Lock()
	t.pendingDialogs[dialog.ID] = dialog
	cb := t.onDialog
	t.mu.Unlock()

	if cb != nil {
		cb(dialog)
	}
}

// HandleDialogInput resolves a pending dialog with the client's decision.
// Unknown dialog ids are logged and dropped.
func (t *Tab) HandleDialogInput(dialogID string, accept bool, promptText string) error {
	t.mu.Lock()
	dialog, ok := t.pendingDialogs[dialogID]
	if ok {
		delete(t.pendingDialogs, dialogID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("dropping input for unknown dialog",
			zap.String("tab_id", t.ID), zap.String("dialog_id", dialogID))
		return nil
	}
	if dialog.Type == "print" {
		// Nothing to resolve on the page side.
		return nil
	}

	params := map[string]interface{}{"accept": accept}
	if accept && dialog.Type == "prompt" {
		params["promptText"] = promptText
	}
	_, err := t.page.Call("Page.handleJavaScriptDialog", params)
	return err
}

// dismissPendingDialogs dismisses and drops every pending dialog; used on tab
// close.
func (t *Tab) dismissPendingDialogs() {
	t.mu.Lock()
	pending := t.pendingDialogs
	t.pendingDialogs = make(map[string]*Dialog)
	t.mu.Unlock()

	for _, dialog := range pending {
		if dialog.Type == "print" {
			continue
		}
		if _, err := t.page.Call("Page.handleJavaScriptDialog", map[string]interface{}{"accept": false}); err != nil {
			t.logger.Warn("failed to dismiss dialog",
				zap.String("tab_id", t.ID), zap.String("dialog_id", dialog.ID), zap.Error(err))
		}
	}
}

// PendingDialogs returns the dialogs awaiting client input.
func (t *Tab) PendingDialogs() []*Dialog {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Dialog, 0, len(t.pendingDialogs))
	for _, d := range t.pendingDialogs {
		out = append(out, d)
	}
	return out
}

func (t *Tab) handleConsoleEvent(params json.RawMessage) {
	var ev struct {
		Type string `json:"type"`
		Args []struct {
			Value       interface{} `json:"value"`
			Description string      `json:"description"`
		} `json:"args"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	text := ""
	for i, arg := range ev.Args {
		if i > 0 {
			text += " "
		}
		switch v := arg.Value.(type) {
		case string:
			text += v
		case nil:
			text += arg.Description
		default:
			b, _ := json.Marshal(v)
			text += string(b)
		}
	}

	// The print pre-binding reports through a console sentinel.
	if text == "__dialog_print__" {
		t.registerDialog(&Dialog{TabID: t.ID, Type: "print", Message: "Print requested"})
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.consoleEnabled {
		return
	}
	t.consoleRing = append(t.consoleRing, ConsoleEntry{
		Level:     ev.Type,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	if len(t.consoleRing) > consoleRingSize {
		t.consoleRing = t.consoleRing[len(t.consoleRing)-consoleRingSize:]
	}
}

// ConsoleEntries returns a copy of the console ring.
func (t *Tab) ConsoleEntries() []ConsoleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ConsoleEntry(nil), t.consoleRing...)
}

// ClearConsole empties the console ring.
func (t *Tab) ClearConsole() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consoleRing = nil
}

// ToggleConsole enables or disables console capture.
func (t *Tab) ToggleConsole(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consoleEnabled = enabled
}

// Navigate loads a URL. The dialog pre-binding is installed before
// navigation so it is present for every document the page loads.
func (t *Tab) Navigate(url string) error {
	t.installDialogPreBinding()

	if _, err := t.page.Call("Page.navigate", map[string]interface{}{"url": url}); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	t.mu.Lock()
	t.URL = url
	t.mu.Unlock()

	// Poll readyState rather than waiting for the load event; a page stuck
	// loading subresources is still usable.
	for i := 0; i < 60; i++ {
		state, err := t.EvaluateString("document.readyState")
		if err == nil && (state == "complete" || state == "interactive") {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if title, err := t.EvaluateString("document.title"); err == nil {
		t.mu.Lock()
		t.Title = title
		t.mu.Unlock()
	}
	return nil
}

// SetViewport applies a device preset and rotation to the page.
func (t *Tab) SetViewport(device DeviceSize, rotation Rotation) error {
	if device == "" {
		device = t.Device
	}
	if !ValidDevice(device) {
		return fmt.Errorf("unknown device preset: %s", device)
	}
	if rotation == "" {
		rotation = DefaultRotation(device)
	}
	vp := ViewportFor(device, rotation)

	_, err := t.page.Call("Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width":             vp.Width,
		"height":            vp.Height,
		"deviceScaleFactor": 1,
		"mobile":            device == DeviceMobile || device == DeviceTablet,
	})
	if err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	t.mu.Lock()
	t.Device = device
	t.Rotation = rotation
	t.mu.Unlock()
	return nil
}

// Evaluate runs JavaScript in the page and returns the value by JSON.
func (t *Tab) Evaluate(expression string) (json.RawMessage, error) {
	result, err := t.page.Call("Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse eval result: %w", err)
	}
	if resp.ExceptionDetails != nil {
		return nil, fmt.Errorf("script error: %s", resp.ExceptionDetails.Text)
	}
	return resp.Result.Value, nil
}

// EvaluateString runs JavaScript and coerces the result to a string.
func (t *Tab) EvaluateString(expression string) (string, error) {
	value, err := t.Evaluate(expression)
	if err != nil {
		return "", err
	}
	var s string
	if json.Unmarshal(value, &s) == nil {
		return s, nil
	}
	return string(value), nil
}

// Screenshot captures the viewport as base64 PNG.
func (t *Tab) Screenshot() (string, error) {
	result, err := t.page.Call("Page.captureScreenshot", map[string]interface{}{
		"format": "png",
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return resp.Data, nil
}

// close dismisses pending dialogs and disposes of the page.
func (t *Tab) close() {
	t.dismissPendingDialogs()
	if err := t.page.Close(); err != nil {
		t.logger.Warn("failed to close page", zap.String("tab_id", t.ID), zap.Error(err))
	}
}
