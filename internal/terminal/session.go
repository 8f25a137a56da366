package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/env"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

// OutputChunk is one fan-out unit of PTY output. Seq increases monotonically
// per session so clients can deduplicate replayed frames.
type OutputChunk struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"output_seq"`
	Data      string `json:"data"`
}

// OutputListener receives output chunks. Delivery is best-effort: a panicking
// listener is dropped, never stalling the session.
type OutputListener func(chunk OutputChunk)

// ExitListener is notified once when the PTY process exits.
type ExitListener func(sessionID string, exitCode int)

const (
	readBufferSize = 8192
	primeDelay     = 100 * time.Millisecond
	killGrace      = time.Second
)

// Session is a single persistent PTY session shared by any number of
// listeners.
type Session struct {
	ID        string
	ProjectID string
	Cwd       string
	CreatedAt time.Time

	cmd    *exec.Cmd
	handle PtyHandle
	logger *logger.Logger

	streams *StreamStore

	mu             sync.Mutex
	listeners      map[string]OutputListener
	exitListeners  []ExitListener
	pending        []byte
	outputSeq      int64
	lastActivityAt time.Time
	running        bool
	exitNotified   bool

	flushCh chan struct{}
	doneCh  chan struct{}
}

// detectShell returns the platform shell and its arguments.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo"}
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe", []string{"-NoLogo"}
		}
		return "cmd.exe", nil
	}

	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, nil
	}
	return "/bin/bash", nil
}

// newSession spawns the shell in a PTY and starts the output pump.
func newSession(id, projectID, cwd string, cols, rows int, dotenv map[string]string,
	streams *StreamStore, start startPTYFunc, log *logger.Logger) (*Session, error) {

	shell, args := detectShell()
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = env.ToSlice(env.TerminalEnv(os.Environ(), dotenv, cols, rows))

	handle, err := start(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	s := &Session{
		ID:             id,
		ProjectID:      projectID,
		Cwd:            cwd,
		CreatedAt:      time.Now(),
		cmd:            cmd,
		handle:         handle,
		logger:         log.WithFields(zap.String("component", "terminal"), zap.String("session_id", id)),
		streams:        streams,
		listeners:      make(map[string]OutputListener),
		lastActivityAt: time.Now(),
		running:        true,
		flushCh:        make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}

	streams.Open(id, projectID, cwd, shell+" "+strings.Join(args, " "))

	go s.readLoop()
	go s.flushLoop()
	go s.waitForExit()

	// Prime the prompt so a fresh attach sees output immediately.
	time.AfterFunc(primeDelay, func() {
		_, _ = s.Write([]byte("\r"))
	})

	s.logger.Info("pty session started",
		zap.String("shell", shell),
		zap.String("cwd", cwd),
		zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

// Write forwards input to the PTY stdin.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, fmt.Errorf("session %s not running", s.ID)
	}
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
	return s.handle.Write(data)
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s not running", s.ID)
	}
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
	return s.handle.Resize(cols, rows)
}

// Kill terminates the session. With an explicit signal ("SIGKILL"/"SIGTERM")
// the process is signalled directly; otherwise a Ctrl-C is written to give
// the foreground job a chance, then SIGKILL after one second.
func (s *Session) Kill(signal string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	switch signal {
	case "SIGKILL":
		return s.forceKill()
	case "SIGTERM":
		if s.cmd.Process != nil {
			return terminateProcess(s.cmd.Process)
		}
		return nil
	default:
		_, _ = s.handle.Write([]byte{0x03})
		time.AfterFunc(killGrace, func() {
			s.mu.Lock()
			stillRunning := s.running
			s.mu.Unlock()
			if stillRunning {
				_ = s.forceKill()
			}
		})
		return nil
	}
}

func (s *Session) forceKill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// Subscribe registers an output listener under the given key, replacing any
// previous listener with the same key.
func (s *Session) Subscribe(key string, listener OutputListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[key] = listener
}

// Unsubscribe removes a listener.
func (s *Session) Unsubscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, key)
}

// OnExit registers an exit listener.
func (s *Session) OnExit(listener ExitListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitListeners = append(s.exitListeners, listener)
}

// LastActivity returns the time of the last input or output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Running reports whether the PTY process is alive.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OutputSeq returns the current output sequence number.
func (s *Session) OutputSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputSeq
}

// touch refreshes the idle timer, used by the manager on idempotent reuse.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// readLoop pumps PTY output. The stream store is appended first so a crash
// between store and fan-out never loses replayable output, then the chunk is
// queued and a flush scheduled.
func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.streams.Append(s.ID, string(data))

			s.mu.Lock()
			s.pending = append(s.pending, data...)
			s.lastActivityAt = time.Now()
			s.mu.Unlock()

			select {
			case s.flushCh <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// flushLoop drains pending output, bumps output_seq, and fans out to every
// listener. Coalescing happens naturally: output arriving while a flush is in
// progress is picked up by the next one.
func (s *Session) flushLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.flushCh:
		}

		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			continue
		}
		s.outputSeq++
		chunk := OutputChunk{SessionID: s.ID, Seq: s.outputSeq, Data: string(s.pending)}
		s.pending = s.pending[:0]
		targets := make([]OutputListener, 0, len(s.listeners))
		for _, l := range s.listeners {
			targets = append(targets, l)
		}
		s.mu.Unlock()

		for _, listener := range targets {
			s.deliver(listener, chunk)
		}
	}
}

// deliver invokes a listener, isolating panics so one bad listener cannot
// stall the session.
func (s *Session) deliver(listener OutputListener, chunk OutputChunk) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("output listener panicked", zap.Any("panic", r))
		}
	}()
	listener(chunk)
}

// waitForExit reaps the process and notifies exit listeners exactly once.
func (s *Session) waitForExit() {
	err := s.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	if s.exitNotified {
		s.mu.Unlock()
		return
	}
	s.exitNotified = true
	s.running = false
	listeners := append([]ExitListener(nil), s.exitListeners...)
	s.mu.Unlock()

	close(s.doneCh)
	_ = s.handle.Close()
	status := StreamCompleted
	if exitCode != 0 {
		status = StreamError
	}
	s.streams.SetStatus(s.ID, status)

	s.logger.Info("pty session exited", zap.Int("exit_code", exitCode))
	for _, listener := range listeners {
		listener(s.ID, exitCode)
	}
}
