package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

// StreamStatus is the lifecycle state of a terminal output stream.
type StreamStatus string

const (
	StreamRunning   StreamStatus = "running"
	StreamCompleted StreamStatus = "completed"
	StreamCancelled StreamStatus = "cancelled"
	StreamError     StreamStatus = "error"
)

const (
	maxStreamEntries = 2000
	streamRetention  = 5 * time.Minute
)

// Stream is the persisted record of one terminal session's output. Output
// holds only the most recent entries; OutputStartIndex is the absolute index
// of Output[0], which lets the cache persist new output only and lets clients
// ask for "everything after index N".
type Stream struct {
	StreamID         string       `json:"stream_id"`
	SessionID        string       `json:"session_id"`
	Command          string       `json:"command"`
	ProjectID        string       `json:"project_id,omitempty"`
	ProjectPath      string       `json:"project_path,omitempty"`
	Cwd              string       `json:"cwd"`
	StartedAt        time.Time    `json:"started_at"`
	Status           StreamStatus `json:"status"`
	Output           []string     `json:"output"`
	OutputStartIndex int          `json:"outputStartIndex"`
	LastUpdated      time.Time    `json:"lastUpdated"`
}

// MissedOutput is the reply to a terminal:missed-output query.
type MissedOutput struct {
	SessionID string       `json:"session_id"`
	FromIndex int          `json:"from_index"`
	NextIndex int          `json:"next_index"`
	Output    []string     `json:"output"`
	Status    StreamStatus `json:"status"`
}

// StreamStore keeps a rolling output buffer per terminal session and mirrors
// it to a JSON cache file for reconnects that outlive the process.
type StreamStore struct {
	cacheDir string
	logger   *logger.Logger

	mu      sync.Mutex
	streams map[string]*Stream
	timers  map[string]*time.Timer
}

// NewStreamStore creates the store and its cache directory.
func NewStreamStore(cacheDir string, log *logger.Logger) (*StreamStore, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create terminal cache directory: %w", err)
	}
	return &StreamStore{
		cacheDir: cacheDir,
		logger:   log.WithFields(zap.String("component", "terminal_streams")),
		streams:  make(map[string]*Stream),
		timers:   make(map[string]*time.Timer),
	}, nil
}

func (st *StreamStore) cachePath(sessionID string) string {
	return filepath.Join(st.cacheDir, sessionID+".json")
}

// Open registers a stream for a session. Reopening an existing session keeps
// its buffer and cancels any pending retention removal.
func (st *StreamStore) Open(sessionID, projectID, cwd, command string) *Stream {
	st.mu.Lock()
	defer st.mu.Unlock()

	if timer, ok := st.timers[sessionID]; ok {
		timer.Stop()
		delete(st.timers, sessionID)
	}
	if stream, ok := st.streams[sessionID]; ok {
		stream.Status = StreamRunning
		return stream
	}

	stream := &Stream{
		StreamID:    uuid.New().String(),
		SessionID:   sessionID,
		Command:     command,
		ProjectID:   projectID,
		ProjectPath: cwd,
		Cwd:         cwd,
		StartedAt:   time.Now().UTC(),
		Status:      StreamRunning,
		LastUpdated: time.Now().UTC(),
	}
	st.streams[sessionID] = stream
	return stream
}

// Append adds one output entry, trims the rolling buffer, and rewrites the
// session's cache file.
func (st *StreamStore) Append(sessionID, data string) {
	st.mu.Lock()
	stream, ok := st.streams[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	stream.Output = append(stream.Output, data)
	if excess := len(stream.Output) - maxStreamEntries; excess > 0 {
		stream.Output = stream.Output[excess:]
		stream.OutputStartIndex += excess
	}
	stream.LastUpdated = time.Now().UTC()
	snapshot := *stream
	snapshot.Output = append([]string(nil), stream.Output...)
	st.mu.Unlock()

	st.persist(&snapshot)
}

// SetStatus moves a stream to a new lifecycle state. Terminal states start
// the retention timer: the stream and its cache file are removed after five
// minutes, giving clients a reconnect window.
func (st *StreamStore) SetStatus(sessionID string, status StreamStatus) {
	st.mu.Lock()
	stream, ok := st.streams[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	stream.Status = status
	stream.LastUpdated = time.Now().UTC()
	snapshot := *stream
	snapshot.Output = append([]string(nil), stream.Output...)

	if status != StreamRunning {
		if timer, exists := st.timers[sessionID]; exists {
			timer.Stop()
		}
		st.timers[sessionID] = time.AfterFunc(streamRetention, func() {
			st.Remove(sessionID)
		})
	}
	st.mu.Unlock()

	st.persist(&snapshot)
}

// Missed returns the output entries at or after fromIndex. Resident streams
// are served from memory; otherwise the cache file is consulted so replay
// works across process restarts.
func (st *StreamStore) Missed(sessionID string, fromIndex int) (*MissedOutput, error) {
	st.mu.Lock()
	stream, resident := st.streams[sessionID]
	var copied *Stream
	if resident {
		c := *stream
		c.Output = append([]string(nil), stream.Output...)
		copied = &c
	}
	st.mu.Unlock()

	if !resident {
		loaded, err := st.loadCache(sessionID)
		if err != nil {
			return nil, err
		}
		copied = loaded
	}

	offset := fromIndex - copied.OutputStartIndex
	if offset < 0 {
		offset = 0
	}
	out := []string{}
	if offset < len(copied.Output) {
		out = append(out, copied.Output[offset:]...)
	}
	return &MissedOutput{
		SessionID: sessionID,
		FromIndex: fromIndex,
		NextIndex: copied.OutputStartIndex + len(copied.Output),
		Output:    out,
		Status:    copied.Status,
	}, nil
}

// Get returns the resident stream for a session, if any.
func (st *StreamStore) Get(sessionID string) (*Stream, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stream, ok := st.streams[sessionID]
	if !ok {
		return nil, false
	}
	c := *stream
	c.Output = append([]string(nil), stream.Output...)
	return &c, true
}

// Remove drops a stream and deletes its cache file.
func (st *StreamStore) Remove(sessionID string) {
	st.mu.Lock()
	delete(st.streams, sessionID)
	if timer, ok := st.timers[sessionID]; ok {
		timer.Stop()
		delete(st.timers, sessionID)
	}
	st.mu.Unlock()

	if err := os.Remove(st.cachePath(sessionID)); err != nil && !os.IsNotExist(err) {
		st.logger.Warn("failed to remove stream cache file",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Flush rewrites every resident stream's cache file; called on shutdown.
func (st *StreamStore) Flush() {
	st.mu.Lock()
	snapshots := make([]*Stream, 0, len(st.streams))
	for _, stream := range st.streams {
		c := *stream
		c.Output = append([]string(nil), stream.Output...)
		snapshots = append(snapshots, &c)
	}
	st.mu.Unlock()

	for _, snapshot := range snapshots {
		st.persist(snapshot)
	}
}

func (st *StreamStore) persist(stream *Stream) {
	data, err := json.Marshal(stream)
	if err != nil {
		st.logger.Error("failed to marshal stream", zap.String("session_id", stream.SessionID), zap.Error(err))
		return
	}
	if err := os.WriteFile(st.cachePath(stream.SessionID), data, 0644); err != nil {
		st.logger.Warn("failed to write stream cache file",
			zap.String("session_id", stream.SessionID), zap.Error(err))
	}
}

func (st *StreamStore) loadCache(sessionID string) (*Stream, error) {
	data, err := os.ReadFile(st.cachePath(sessionID))
	if err != nil {
		return nil, err
	}
	var stream Stream
	if err := json.Unmarshal(data, &stream); err != nil {
		return nil, fmt.Errorf("corrupt stream cache for %s: %w", sessionID, err)
	}
	return &stream, nil
}
