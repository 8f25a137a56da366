package tunnel

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
)

const fakeTunnelScript = `#!/bin/sh
echo "INF |  https://test-tunnel-abc.trycloudflare.com  |" >&2
sleep 300
`

// installFakeBinary drops a shell script in place of the tunnel binary so
// Start finds it and skips the download.
func installFakeBinary(t *testing.T, dir, script string) {
	t.Helper()
	path := filepath.Join(dir, "cloudflared")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []string
	urls   []string
}

func (r *stageRecorder) handler(ctx context.Context, subject string, event *bus.Event) error {
	var payload struct {
		Stage string `json:"stage"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, payload.Stage)
	if payload.URL != "" {
		r.urls = append(r.urls, payload.URL)
	}
	return nil
}

func (r *stageRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stages...)
}

func (r *stageRecorder) saw(stage Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages {
		if s == string(stage) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, *stageRecorder) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tunnel binary is a shell script")
	}

	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	recorder := &stageRecorder{}
	_, err := b.Subscribe(events.SubjectAllProjectRooms, recorder.handler)
	require.NoError(t, err)

	m := NewManager(config.TunnelConfig{
		BinaryDir:   t.TempDir(),
		AutoStopMin: 60,
	}, nil, events.NewEmitter(b, "tunnel"), logger.Default())
	t.Cleanup(m.StopAll)
	return m, recorder
}

func TestStartReportsStagesAndURL(t *testing.T) {
	m, recorder := newTestManager(t)
	installFakeBinary(t, m.binaryDir, fakeTunnelScript)

	tunnel, err := m.Start(context.Background(), "p1", 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://test-tunnel-abc.trycloudflare.com", tunnel.URL)

	// Handlers run on bus goroutines, so wait for delivery and compare sets.
	assert.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 5
	}, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{
		string(StageCheckingBinary),
		string(StageBinaryReady),
		string(StageStartingTunnel),
		string(StageGeneratingURL),
		string(StageConnected),
	}, recorder.snapshot())
}

func TestStartIsIdempotentPerPort(t *testing.T) {
	m, _ := newTestManager(t)
	installFakeBinary(t, m.binaryDir, fakeTunnelScript)

	first, err := m.Start(context.Background(), "p1", 3000)
	require.NoError(t, err)
	second, err := m.Start(context.Background(), "p1", 3000)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, m.List(), 1)
}

func TestStartTimesOutWithoutURL(t *testing.T) {
	m, recorder := newTestManager(t)
	installFakeBinary(t, m.binaryDir, "#!/bin/sh\nsleep 300\n")
	m.urlTimeout = 200 * time.Millisecond

	_, err := m.Start(context.Background(), "p1", 3000)
	require.Error(t, err)
	assert.Empty(t, m.List())

	assert.Eventually(t, func() bool {
		return recorder.saw(StageError)
	}, time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	installFakeBinary(t, m.binaryDir, fakeTunnelScript)

	_, err := m.Start(context.Background(), "p1", 3000)
	require.NoError(t, err)

	m.Stop("p1", 3000)
	m.Stop("p1", 3000)
	m.Stop("unknown", 9999)
	assert.Empty(t, m.List())
}

func TestStopAllTerminatesEverything(t *testing.T) {
	m, _ := newTestManager(t)
	installFakeBinary(t, m.binaryDir, fakeTunnelScript)

	_, err := m.Start(context.Background(), "p1", 3000)
	require.NoError(t, err)
	_, err = m.Start(context.Background(), "p2", 4000)
	require.NoError(t, err)
	require.Len(t, m.List(), 2)

	m.StopAll()
	assert.Empty(t, m.List())
}

func tgzWithEntries(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0755,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestWriteBinaryExtractsDarwinArchive(t *testing.T) {
	payload := tgzWithEntries(t, map[string][]byte{
		"LICENSE":     []byte("license text"),
		"cloudflared": []byte("#!/bin/sh\necho binary\n"),
	})

	var out bytes.Buffer
	err := writeBinary(&out, bytes.NewReader(payload), "https://example.com/cloudflared-darwin-arm64.tgz")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho binary\n", out.String())
}

func TestWriteBinaryArchiveWithoutBinaryFails(t *testing.T) {
	payload := tgzWithEntries(t, map[string][]byte{"LICENSE": []byte("license text")})

	var out bytes.Buffer
	err := writeBinary(&out, bytes.NewReader(payload), "https://example.com/cloudflared-darwin-arm64.tgz")
	assert.Error(t, err)
}

func TestWriteBinaryPlainPassThrough(t *testing.T) {
	var out bytes.Buffer
	err := writeBinary(&out, bytes.NewReader([]byte("raw binary")), "https://example.com/cloudflared-linux-amd64")
	require.NoError(t, err)
	assert.Equal(t, "raw binary", out.String())
}
