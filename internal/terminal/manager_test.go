package terminal

import (
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

// fakePTY is a scriptable PtyHandle. Reads block until the test feeds data
// through emit; writes are recorded.
type fakePTY struct {
	mu      sync.Mutex
	writes  [][]byte
	dataCh  chan []byte
	closed  chan struct{}
	resizes [][2]uint16
	once    sync.Once
}

func newFakePTY() *fakePTY {
	return &fakePTY{dataCh: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakePTY) emit(data string) { f.dataCh <- []byte(data) }

func (f *fakePTY) Read(b []byte) (int, error) {
	select {
	case data := <-f.dataCh:
		return copy(b, data), nil
	case <-f.closed:
		return 0, errClosed
	}
}

func (f *fakePTY) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakePTY) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePTY) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakePTY) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []byte
	for _, w := range f.writes {
		all = append(all, w...)
	}
	return all
}

var errClosed = &ptyClosedError{}

type ptyClosedError struct{}

func (*ptyClosedError) Error() string { return "pty closed" }

// newTestManager builds a manager whose PTY spawn is replaced by a fake. The
// shell process is substituted with a long sleep so process lifecycle (kill,
// wait) still behaves like a real session.
func newTestManager(t *testing.T) (*Manager, *fakePTY) {
	t.Helper()
	fake := newFakePTY()

	streams, err := NewStreamStore(t.TempDir(), logger.Default())
	require.NoError(t, err)

	m := NewManager(config.TerminalConfig{}, streams, nil, logger.Default())
	m.startPTY = func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
		cmd.Path = "/bin/sleep"
		cmd.Args = []string{"sleep", "300"}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return fake, nil
	}
	t.Cleanup(m.KillAll)
	return m, fake
}

func TestCreateIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	s1, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)
	s2, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestOutputOrderAndSeq(t *testing.T) {
	m, fake := newTestManager(t)
	s, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)

	var mu sync.Mutex
	var chunks []OutputChunk
	done := make(chan struct{}, 16)
	s.Subscribe("test", func(chunk OutputChunk) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
		done <- struct{}{}
	})

	fake.emit("one ")
	fake.emit("two ")
	fake.emit("three")

	deadline := time.After(2 * time.Second)
	collected := ""
	for collected != "one two three" {
		select {
		case <-done:
			mu.Lock()
			collected = ""
			for _, c := range chunks {
				collected += c.Data
			}
			mu.Unlock()
		case <-deadline:
			t.Fatalf("timed out, got %q", collected)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// Coalescing may merge chunks but never reorders, and seq only climbs.
	var lastSeq int64
	for _, c := range chunks {
		assert.Greater(t, c.Seq, lastSeq)
		lastSeq = c.Seq
	}
}

func TestOutputReachesStreamStore(t *testing.T) {
	m, fake := newTestManager(t)
	_, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)

	fake.emit("stored output")

	require.Eventually(t, func() bool {
		stream, ok := m.streams.Get("term-1")
		return ok && len(stream.Output) > 0 && stream.Output[0] == "stored output"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPanickingListenerDoesNotStallOthers(t *testing.T) {
	m, fake := newTestManager(t)
	s, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)

	got := make(chan OutputChunk, 4)
	s.Subscribe("bad", func(chunk OutputChunk) { panic("listener bug") })
	s.Subscribe("good", func(chunk OutputChunk) { got <- chunk })

	fake.emit("survives")

	select {
	case chunk := <-got:
		assert.Contains(t, chunk.Data, "survives")
	case <-time.After(2 * time.Second):
		t.Fatal("good listener never received output")
	}
}

func TestKillDefaultSendsCtrlC(t *testing.T) {
	m, fake := newTestManager(t)
	s, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Kill(""))
	assert.Contains(t, string(fake.written()), "\x03")
}

func TestSessionRemovedOnExit(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Kill("SIGKILL"))

	require.Eventually(t, func() bool {
		_, ok := m.Get("term-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPrimeCarriageReturn(t *testing.T) {
	m, fake := newTestManager(t)
	_, err := m.Create(CreateRequest{SessionID: "term-1", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fake.written()) > 0 && fake.written()[0] == '\r'
	}, time.Second, 10*time.Millisecond)
}

// newExitingManager substitutes the shell with a process that exits with the
// given code as soon as it starts.
func newExitingManager(t *testing.T, exitCode int) *Manager {
	t.Helper()
	streams, err := NewStreamStore(t.TempDir(), logger.Default())
	require.NoError(t, err)

	m := NewManager(config.TerminalConfig{}, streams, nil, logger.Default())
	m.startPTY = func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
		cmd.Path = "/bin/sh"
		cmd.Args = []string{"sh", "-c", fmt.Sprintf("exit %d", exitCode)}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return newFakePTY(), nil
	}
	t.Cleanup(m.KillAll)
	return m
}

func TestNonZeroExitMarksStreamError(t *testing.T) {
	m := newExitingManager(t, 3)
	_, err := m.Create(CreateRequest{SessionID: "term-err", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stream, ok := m.streams.Get("term-err")
		return ok && stream.Status == StreamError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestZeroExitMarksStreamCompleted(t *testing.T) {
	m := newExitingManager(t, 0)
	_, err := m.Create(CreateRequest{SessionID: "term-ok", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stream, ok := m.streams.Get("term-ok")
		return ok && stream.Status == StreamCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
