package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

func newTestStreamStore(t *testing.T) *StreamStore {
	t.Helper()
	store, err := NewStreamStore(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return store
}

func TestStreamAppendAndTrim(t *testing.T) {
	store := newTestStreamStore(t)
	store.Open("s1", "p1", "/tmp", "/bin/bash")

	total := maxStreamEntries + 50
	for i := 0; i < total; i++ {
		store.Append("s1", fmt.Sprintf("line %d\n", i))
	}

	stream, ok := store.Get("s1")
	require.True(t, ok)
	assert.Len(t, stream.Output, maxStreamEntries)
	assert.Equal(t, 50, stream.OutputStartIndex)
	assert.Equal(t, "line 50\n", stream.Output[0])
	assert.Equal(t, fmt.Sprintf("line %d\n", total-1), stream.Output[len(stream.Output)-1])
}

func TestStreamMissedOutputFromMemory(t *testing.T) {
	store := newTestStreamStore(t)
	store.Open("s1", "p1", "/tmp", "/bin/bash")
	for i := 0; i < 10; i++ {
		store.Append("s1", fmt.Sprintf("chunk %d", i))
	}

	missed, err := store.Missed("s1", 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk 7", "chunk 8", "chunk 9"}, missed.Output)
	assert.Equal(t, 10, missed.NextIndex)
	assert.Equal(t, StreamRunning, missed.Status)

	// fromIndex at the tail yields nothing new.
	missed, err = store.Missed("s1", 10)
	require.NoError(t, err)
	assert.Empty(t, missed.Output)
}

func TestStreamMissedOutputFromCacheFile(t *testing.T) {
	store := newTestStreamStore(t)
	store.Open("s1", "p1", "/tmp", "/bin/bash")
	store.Append("s1", "before restart")
	store.Append("s1", "more output")

	// Drop the resident stream but keep the cache file, simulating a
	// process restart.
	store.mu.Lock()
	delete(store.streams, "s1")
	store.mu.Unlock()

	missed, err := store.Missed("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"before restart", "more output"}, missed.Output)
}

func TestStreamCacheFileWritten(t *testing.T) {
	store := newTestStreamStore(t)
	store.Open("s1", "p1", "/tmp", "/bin/bash")
	store.Append("s1", "hello")

	path := filepath.Join(store.cacheDir, "s1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s1"`)
	assert.Contains(t, string(data), "hello")
}

func TestStreamRemoveDeletesCache(t *testing.T) {
	store := newTestStreamStore(t)
	store.Open("s1", "p1", "/tmp", "/bin/bash")
	store.Append("s1", "data")

	store.Remove("s1")

	_, ok := store.Get("s1")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(store.cacheDir, "s1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestStreamReopenKeepsBuffer(t *testing.T) {
	store := newTestStreamStore(t)
	store.Open("s1", "p1", "/tmp", "/bin/bash")
	store.Append("s1", "first run")
	store.SetStatus("s1", StreamCompleted)

	// Reconnect within the retention window: buffer survives and the
	// stream goes back to running.
	stream := store.Open("s1", "p1", "/tmp", "/bin/bash")
	assert.Equal(t, StreamRunning, stream.Status)

	missed, err := store.Missed("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first run"}, missed.Output)
}
