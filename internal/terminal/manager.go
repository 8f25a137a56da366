package terminal

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

type startPTYFunc func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error)

const (
	defaultCols = 80
	defaultRows = 24

	defaultSweepInterval = 15 * time.Minute
	defaultIdleTimeout   = time.Hour
)

// CreateRequest describes a PTY session to create or reattach.
type CreateRequest struct {
	SessionID string
	Cwd       string
	ProjectID string
	Cols      int
	Rows      int
}

// Manager owns every PTY session in the process. Create is idempotent per
// session id; a background sweep kills idle sessions.
type Manager struct {
	streams  *StreamStore
	dotenv   map[string]string
	logger   *logger.Logger
	startPTY startPTYFunc

	sweepInterval time.Duration
	idleTimeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a PTY session manager and starts the idle sweep.
func NewManager(cfg config.TerminalConfig, streams *StreamStore, dotenv map[string]string, log *logger.Logger) *Manager {
	sweep := defaultSweepInterval
	if cfg.SweepIntervalMin > 0 {
		sweep = time.Duration(cfg.SweepIntervalMin) * time.Minute
	}
	idle := defaultIdleTimeout
	if cfg.IdleTimeoutMin > 0 {
		idle = time.Duration(cfg.IdleTimeoutMin) * time.Minute
	}

	m := &Manager{
		streams:       streams,
		dotenv:        dotenv,
		logger:        log.WithFields(zap.String("component", "terminal_manager")),
		startPTY:      startPTYWithSize,
		sweepInterval: sweep,
		idleTimeout:   idle,
		sessions:      make(map[string]*Session),
		stopCh:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create returns the session with the given id, spawning it if absent.
// Reusing an existing session refreshes its idle timer.
func (m *Manager) Create(req CreateRequest) (*Session, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[req.SessionID]; ok && existing.Running() {
		existing.touch()
		return existing, nil
	}

	session, err := newSession(req.SessionID, req.ProjectID, req.Cwd, cols, rows,
		m.dotenv, m.streams, m.startPTY, m.logger)
	if err != nil {
		return nil, err
	}
	session.OnExit(func(sessionID string, exitCode int) {
		m.mu.Lock()
		if m.sessions[sessionID] == session {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	})
	m.sessions[req.SessionID] = session
	return session, nil
}

// Get returns a running session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	return session, ok
}

// Write forwards input to a session's PTY.
func (m *Manager) Write(sessionID string, data []byte) error {
	session, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	_, err := session.Write(data)
	return err
}

// Resize forwards a window-size change to a session's PTY.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	session, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return session.Resize(cols, rows)
}

// Kill terminates a session.
func (m *Manager) Kill(sessionID, signal string) error {
	session, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return session.Kill(signal)
}

// KillAll terminates every session; called on process shutdown.
func (m *Manager) KillAll() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.Kill("SIGKILL"); err != nil {
			m.logger.Warn("failed to kill session",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	m.streams.Flush()
	m.logger.Info("all pty sessions killed", zap.Int("count", len(sessions)))
}

// sweepLoop kills sessions idle longer than the idle timeout.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for _, session := range m.sessions {
		if session.LastActivity().Before(cutoff) {
			idle = append(idle, session)
		}
	}
	m.mu.Unlock()

	for _, session := range idle {
		m.logger.Info("killing idle pty session",
			zap.String("session_id", session.ID),
			zap.Time("last_activity", session.LastActivity()))
		if err := session.Kill("SIGKILL"); err != nil {
			m.logger.Warn("failed to kill idle session",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}
