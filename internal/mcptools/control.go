// Package mcptools exposes the browser preview to AI agents over the Model
// Context Protocol, with per-project arbitration so an agent and a human
// never fight over the same tab.
package mcptools

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

// controlIdleTimeout is how long a holder may sit idle before another holder
// can take the lock over.
const controlIdleTimeout = 60 * time.Second

type controlState struct {
	holder       string
	lastActionAt time.Time
}

// Controller is the per-project browser control lock. Acquisition is
// non-blocking: a busy lock is refused, an idle one is handed over.
type Controller struct {
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*controlState

	// idleTimeout is a field so tests can shrink it.
	idleTimeout time.Duration
}

// NewController creates a control lock registry.
func NewController(log *logger.Logger) *Controller {
	return &Controller{
		logger:      log.WithFields(zap.String("component", "mcp_control")),
		locks:       make(map[string]*controlState),
		idleTimeout: controlIdleTimeout,
	}
}

// Acquire attempts to take control of a project's browser for a holder.
// Re-acquiring an already-held lock refreshes it; a lock whose holder has
// gone idle is handed over.
func (c *Controller) Acquire(projectID, holder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, held := c.locks[projectID]
	switch {
	case !held:
		c.locks[projectID] = &controlState{holder: holder, lastActionAt: time.Now()}
		c.logger.Debug("control acquired",
			zap.String("project_id", projectID), zap.String("holder", holder))
		return true
	case state.holder == holder:
		state.lastActionAt = time.Now()
		return true
	case time.Since(state.lastActionAt) > c.idleTimeout:
		c.logger.Info("control handed over after idle",
			zap.String("project_id", projectID),
			zap.String("previous_holder", state.holder),
			zap.String("holder", holder))
		c.locks[projectID] = &controlState{holder: holder, lastActionAt: time.Now()}
		return true
	default:
		return false
	}
}

// Touch refreshes last_action_at for the current holder.
func (c *Controller) Touch(projectID, holder string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.locks[projectID]; ok && state.holder == holder {
		state.lastActionAt = time.Now()
	}
}

// Release frees the project's lock regardless of holder; wired to tab switch
// and close.
func (c *Controller) Release(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.locks[projectID]; ok {
		delete(c.locks, projectID)
		c.logger.Debug("control released", zap.String("project_id", projectID))
	}
}

// Holder returns the current holder, if any.
func (c *Controller) Holder(projectID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.locks[projectID]
	if !ok {
		return "", false
	}
	return state.holder, true
}
