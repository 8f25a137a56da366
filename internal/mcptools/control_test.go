package mcptools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/browser"
	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/project/models"
)

type fakeLister struct {
	projects []*models.Project
}

func (f *fakeLister) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return f.projects, nil
}

func newTestServer(t *testing.T, projects ...*models.Project) *Server {
	t.Helper()
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	browsers := browser.NewManager(config.BrowserConfig{DebugPort: 9222},
		events.NewEmitter(b, "browser"), logger.Default())
	return NewServer(browsers, &fakeLister{projects: projects}, logger.Default())
}

func TestControlHandOffAfterIdle(t *testing.T) {
	c := NewController(logger.Default())
	c.idleTimeout = 50 * time.Millisecond

	require.True(t, c.Acquire("p1", "agent"))

	// A busy lock is refused without blocking.
	assert.False(t, c.Acquire("p1", "human"))

	// Same holder re-acquires freely.
	assert.True(t, c.Acquire("p1", "agent"))

	// Once the holder goes idle, the lock is handed over.
	time.Sleep(80 * time.Millisecond)
	assert.True(t, c.Acquire("p1", "human"))
	holder, held := c.Holder("p1")
	require.True(t, held)
	assert.Equal(t, "human", holder)

	// The original holder is now the one refused.
	assert.False(t, c.Acquire("p1", "agent"))
}

func TestControlTouchKeepsLockFresh(t *testing.T) {
	c := NewController(logger.Default())
	c.idleTimeout = 60 * time.Millisecond

	require.True(t, c.Acquire("p1", "agent"))
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.Touch("p1", "agent")
	}
	assert.False(t, c.Acquire("p1", "human"))
}

func TestControlReleaseFreesLock(t *testing.T) {
	c := NewController(logger.Default())
	require.True(t, c.Acquire("p1", "agent"))
	c.Release("p1")
	assert.True(t, c.Acquire("p1", "human"))
}

func TestProjectResolutionOrder(t *testing.T) {
	s := newTestServer(t, &models.Project{ID: "first-project"})

	result, err := s.CallTool(context.Background(), "tabs", map[string]interface{}{
		"action":     "list",
		"project_id": "explicit",
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Ambient context id wins over the first-project fallback.
	ctx := WithProjectID(context.Background(), "ambient")
	result, err = s.CallTool(ctx, "tabs", map[string]interface{}{"action": "list"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	_, held := s.control.Holder("ambient")
	assert.True(t, held)

	// No argument and no ambient id falls back to the first project.
	result, err = s.CallTool(context.Background(), "tabs", map[string]interface{}{"action": "list"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	_, held = s.control.Holder("first-project")
	assert.True(t, held)
}

func TestCallToolRejectsUnknownTool(t *testing.T) {
	s := newTestServer(t)
	_, err := s.CallTool(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestBusyControlRefusesToolCall(t *testing.T) {
	s := newTestServer(t)
	require.True(t, s.control.Acquire("p1", "human"))

	result, err := s.CallTool(context.Background(), "tabs", map[string]interface{}{
		"action":     "list",
		"project_id": "p1",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
