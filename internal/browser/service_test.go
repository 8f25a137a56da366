package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
)

// fakePage scripts CDP responses per method and records every call.
type fakePage struct {
	mu       sync.Mutex
	calls    []string
	results  map[string]json.RawMessage
	handlers map[string][]func(json.RawMessage)
	closed   bool
}

func newFakePage() *fakePage {
	return &fakePage{
		results:  make(map[string]json.RawMessage),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

func (f *fakePage) Call(method string, params interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if result, ok := f.results[method]; ok {
		return result, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakePage) OnEvent(method string, fn func(params json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = append(f.handlers[method], fn)
}

func (f *fakePage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePage) fire(method string, params string) {
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.handlers[method]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(json.RawMessage(params))
	}
}

func (f *fakePage) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// evalResult wraps a value the way Runtime.evaluate returns it.
func evalResult(value interface{}) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{
		"result": map[string]interface{}{"value": value},
	})
	return data
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)

	m := NewManager(config.BrowserConfig{DebugPort: 9222}, events.NewEmitter(b, "browser"), logger.Default())
	m.newPage = func(url string) (pageSession, error) {
		page := newFakePage()
		page.results["Runtime.evaluate"] = evalResult("complete")
		return page, nil
	}
	return m
}

func openTabs(t *testing.T, svc *Service, n int) []*Tab {
	t.Helper()
	tabs := make([]*Tab, 0, n)
	for i := 0; i < n; i++ {
		tab, err := svc.OpenTab(context.Background(), fmt.Sprintf("http://localhost:300%d", i), DeviceLaptop, "")
		require.NoError(t, err)
		tabs = append(tabs, tab)
	}
	return tabs
}

func activeCount(svc *Service) int {
	n := 0
	for _, tab := range svc.ListTabs() {
		if tab.IsActive {
			n++
		}
	}
	return n
}

func TestExactlyOneActiveTab(t *testing.T) {
	m := newTestManager(t)
	svc := m.ServiceFor("p1")

	tabs := openTabs(t, svc, 3)
	assert.Equal(t, 1, activeCount(svc))

	active, err := svc.ActiveTab()
	require.NoError(t, err)
	assert.Equal(t, tabs[2].ID, active.ID)

	_, err = svc.SwitchTab(tabs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount(svc))
	active, err = svc.ActiveTab()
	require.NoError(t, err)
	assert.Equal(t, tabs[0].ID, active.ID)

	require.NoError(t, svc.CloseTab(context.Background(), tabs[0].ID))
	assert.Equal(t, 1, activeCount(svc))
	assert.Len(t, svc.ListTabs(), 2)
}

func TestViewportRotationSwapsDimensions(t *testing.T) {
	assert.Equal(t, Viewport{Width: 1280, Height: 800}, ViewportFor(DeviceLaptop, ""))
	assert.Equal(t, Viewport{Width: 800, Height: 1280}, ViewportFor(DeviceLaptop, RotationPortrait))
	assert.Equal(t, Viewport{Width: 393, Height: 740}, ViewportFor(DeviceMobile, ""))
	assert.Equal(t, Viewport{Width: 740, Height: 393}, ViewportFor(DeviceMobile, RotationLandscape))
	assert.Equal(t, RotationPortrait, DefaultRotation(DeviceTablet))
	assert.Equal(t, RotationLandscape, DefaultRotation(DeviceDesktop))
}

func TestDialogLifecycle(t *testing.T) {
	m := newTestManager(t)
	svc := m.ServiceFor("p1")

	var page *fakePage
	m.newPage = func(url string) (pageSession, error) {
		page = newFakePage()
		page.results["Runtime.evaluate"] = evalResult("complete")
		return page, nil
	}
	svc.newPage = m.newPage

	tab, err := svc.OpenTab(context.Background(), "http://localhost:3000", DeviceLaptop, "")
	require.NoError(t, err)

	page.fire("Page.javascriptDialogOpening", `{"type":"prompt","message":"name?","defaultPrompt":"anon"}`)
	pending := tab.PendingDialogs()
	require.Len(t, pending, 1)
	assert.Equal(t, "prompt", pending[0].Type)

	require.NoError(t, svc.HandleDialogInput(pending[0].ID, true, "gopher"))
	assert.Empty(t, tab.PendingDialogs())
	assert.Equal(t, 1, page.called("Page.handleJavaScriptDialog"))

	// Unknown ids are dropped without touching the page.
	require.NoError(t, svc.HandleDialogInput("dlg_missing", true, ""))
	assert.Equal(t, 1, page.called("Page.handleJavaScriptDialog"))
}

func TestCloseTabDismissesPendingDialogs(t *testing.T) {
	m := newTestManager(t)
	svc := m.ServiceFor("p1")

	var page *fakePage
	svc.newPage = func(url string) (pageSession, error) {
		page = newFakePage()
		page.results["Runtime.evaluate"] = evalResult("complete")
		return page, nil
	}

	tab, err := svc.OpenTab(context.Background(), "", DeviceLaptop, "")
	require.NoError(t, err)
	page.fire("Page.javascriptDialogOpening", `{"type":"confirm","message":"sure?"}`)
	require.Len(t, tab.PendingDialogs(), 1)

	require.NoError(t, svc.CloseTab(context.Background(), tab.ID))
	assert.Equal(t, 1, page.called("Page.handleJavaScriptDialog"))
	assert.True(t, page.closed)
}

func TestConsoleRingCapturesAndTrims(t *testing.T) {
	m := newTestManager(t)
	svc := m.ServiceFor("p1")

	var page *fakePage
	svc.newPage = func(url string) (pageSession, error) {
		page = newFakePage()
		page.results["Runtime.evaluate"] = evalResult("complete")
		return page, nil
	}
	tab, err := svc.OpenTab(context.Background(), "", DeviceLaptop, "")
	require.NoError(t, err)

	for i := 0; i < consoleRingSize+25; i++ {
		page.fire("Runtime.consoleAPICalled",
			fmt.Sprintf(`{"type":"log","args":[{"value":"line %d"}]}`, i))
	}
	entries := tab.ConsoleEntries()
	require.Len(t, entries, consoleRingSize)
	assert.Equal(t, "line 25", entries[0].Text)

	tab.ToggleConsole(false)
	page.fire("Runtime.consoleAPICalled", `{"type":"log","args":[{"value":"dropped"}]}`)
	assert.Len(t, tab.ConsoleEntries(), consoleRingSize)

	tab.ClearConsole()
	assert.Empty(t, tab.ConsoleEntries())
}

func TestPrintSentinelBecomesDialog(t *testing.T) {
	m := newTestManager(t)
	svc := m.ServiceFor("p1")

	var page *fakePage
	svc.newPage = func(url string) (pageSession, error) {
		page = newFakePage()
		page.results["Runtime.evaluate"] = evalResult("complete")
		return page, nil
	}
	tab, err := svc.OpenTab(context.Background(), "", DeviceLaptop, "")
	require.NoError(t, err)

	page.fire("Runtime.consoleAPICalled", `{"type":"debug","args":[{"value":"__dialog_print__"}]}`)
	pending := tab.PendingDialogs()
	require.Len(t, pending, 1)
	assert.Equal(t, "print", pending[0].Type)
	assert.Empty(t, tab.ConsoleEntries())
}

func TestTabChangeCallbackFires(t *testing.T) {
	m := newTestManager(t)
	var fired []string
	m.OnTabChange(func(projectID string) { fired = append(fired, projectID) })
	svc := m.ServiceFor("p1")

	tabs := openTabs(t, svc, 2)
	_, err := svc.SwitchTab(tabs[0].ID)
	require.NoError(t, err)
	require.NoError(t, svc.CloseTab(context.Background(), tabs[0].ID))
	assert.Equal(t, []string{"p1", "p1"}, fired)
}

func TestActiveFlagConsistentUnderConcurrentMarshal(t *testing.T) {
	m := newTestManager(t)
	svc := m.ServiceFor("p1")
	tabs := openTabs(t, svc, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = svc.SwitchTab(tabs[i%2].ID)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			var decoded struct {
				IsActive bool `json:"is_active"`
			}
			assert.NoError(t, json.Unmarshal(marshalTab(tabs[i%2]), &decoded))
		}
	}()
	wg.Wait()

	assert.Equal(t, 1, activeCount(svc))
}
