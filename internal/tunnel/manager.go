// Package tunnel manages public-URL tunnels for project dev servers. The
// tunnel binary is installed lazily on first use; every tunnel reports its
// startup progress to the project room and auto-stops after a quiet period.
package tunnel

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/env"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

// Stage is a tunnel startup progress stage, broadcast in order on
// tunnel:progress.
type Stage string

const (
	StageCheckingBinary    Stage = "checking-binary"
	StageDownloadingBinary Stage = "downloading-binary"
	StageBinaryReady       Stage = "binary-ready"
	StageStartingTunnel    Stage = "starting-tunnel"
	StageGeneratingURL     Stage = "generating-url"
	StageConnected         Stage = "connected"
	StageError             Stage = "error"
	StageStopped           Stage = "stopped"
)

const (
	defaultURLTimeout   = 90 * time.Second
	defaultAutoStop     = 60 * time.Minute
	defaultDownloadWait = 5 * time.Minute
)

var tunnelURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Tunnel is one running tunnel process.
type Tunnel struct {
	ProjectID string    `json:"project_id"`
	Port      int       `json:"port"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"started_at"`

	cmd       *exec.Cmd
	autoStop  *time.Timer
	stopOnce  sync.Once
	stoppedCh chan struct{}
}

// Manager owns every tunnel in the process, keyed by project and port.
type Manager struct {
	binaryDir    string
	urlTimeout   time.Duration
	autoStopWait time.Duration
	downloadWait time.Duration
	dotenv       map[string]string

	emitter *events.Emitter
	logger  *logger.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel

	// One-shot install gate: once the binary has been verified we skip the
	// filesystem check on subsequent starts.
	installMu sync.Mutex
	installed bool
}

// NewManager creates a tunnel manager.
func NewManager(cfg config.TunnelConfig, dotenv map[string]string, emitter *events.Emitter, log *logger.Logger) *Manager {
	urlTimeout := defaultURLTimeout
	if cfg.URLTimeoutSec > 0 {
		urlTimeout = time.Duration(cfg.URLTimeoutSec) * time.Second
	}
	autoStop := defaultAutoStop
	if cfg.AutoStopMin > 0 {
		autoStop = time.Duration(cfg.AutoStopMin) * time.Minute
	}
	downloadWait := defaultDownloadWait
	if cfg.DownloadTimeout > 0 {
		downloadWait = time.Duration(cfg.DownloadTimeout) * time.Second
	}
	return &Manager{
		binaryDir:    cfg.BinaryDir,
		urlTimeout:   urlTimeout,
		autoStopWait: autoStop,
		downloadWait: downloadWait,
		dotenv:       dotenv,
		emitter:      emitter,
		logger:       log.WithFields(zap.String("component", "tunnel_manager")),
		tunnels:      make(map[string]*Tunnel),
	}
}

func tunnelKey(projectID string, port int) string {
	return fmt.Sprintf("%s:%d", projectID, port)
}

func (m *Manager) binaryPath() string {
	name := "cloudflared"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(m.binaryDir, name)
}

func (m *Manager) emitProgress(ctx context.Context, projectID string, port int, stage Stage, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"project_id": projectID,
		"port":       port,
		"stage":      string(stage),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := m.emitter.EmitProject(ctx, projectID, ws.ChannelTunnelProgress, payload); err != nil {
		m.logger.Warn("failed to broadcast tunnel progress", zap.Error(err))
	}
}

// Start spawns a tunnel for a project port, installing the binary first if
// needed. Starting an already-running tunnel returns it unchanged.
func (m *Manager) Start(ctx context.Context, projectID string, port int) (*Tunnel, error) {
	key := tunnelKey(projectID, port)

	m.mu.Lock()
	if existing, ok := m.tunnels[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	if err := m.ensureBinary(ctx, projectID, port); err != nil {
		m.emitProgress(ctx, projectID, port, StageError, map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	m.emitProgress(ctx, projectID, port, StageStartingTunnel, nil)

	cmd := exec.Command(m.binaryPath(), "tunnel", "--url", fmt.Sprintf("http://localhost:%d", port))
	cmd.Env = env.ToSlice(env.Sanitize(os.Environ(), m.dotenv))
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tunnel stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		m.emitProgress(ctx, projectID, port, StageError, map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("failed to start tunnel: %w", err)
	}

	tunnel := &Tunnel{
		ProjectID: projectID,
		Port:      port,
		StartedAt: time.Now(),
		cmd:       cmd,
		stoppedCh: make(chan struct{}),
	}

	m.mu.Lock()
	m.tunnels[key] = tunnel
	m.mu.Unlock()

	m.emitProgress(ctx, projectID, port, StageGeneratingURL, nil)

	url, err := m.awaitURL(stderr, tunnel)
	if err != nil {
		m.Stop(projectID, port)
		m.emitProgress(ctx, projectID, port, StageError, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	tunnel.URL = url

	tunnel.autoStop = time.AfterFunc(m.autoStopWait, func() {
		m.logger.Info("auto-stopping tunnel",
			zap.String("project_id", projectID), zap.Int("port", port))
		m.Stop(projectID, port)
	})

	m.emitProgress(ctx, projectID, port, StageConnected, map[string]interface{}{"url": url})
	m.logger.Info("tunnel connected",
		zap.String("project_id", projectID),
		zap.Int("port", port),
		zap.String("url", url))
	return tunnel, nil
}

// awaitURL scans the tunnel's stderr for the public URL, bounded by the URL
// timeout. The scanner keeps draining afterwards so the process never blocks
// on a full pipe.
func (m *Manager) awaitURL(stderr io.Reader, tunnel *Tunnel) (string, error) {
	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		found := false
		for scanner.Scan() {
			if found {
				continue
			}
			if url := tunnelURLPattern.FindString(scanner.Text()); url != "" {
				found = true
				urlCh <- url
			}
		}
	}()

	select {
	case url := <-urlCh:
		return url, nil
	case <-time.After(m.urlTimeout):
		return "", fmt.Errorf("timed out waiting for tunnel URL after %s", m.urlTimeout)
	case <-tunnel.stoppedCh:
		return "", fmt.Errorf("tunnel stopped before a URL was generated")
	}
}

// Stop terminates a tunnel. Stopping an unknown or already-stopped tunnel is
// a no-op.
func (m *Manager) Stop(projectID string, port int) {
	key := tunnelKey(projectID, port)

	m.mu.Lock()
	tunnel, ok := m.tunnels[key]
	if ok {
		delete(m.tunnels, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	tunnel.stopOnce.Do(func() {
		close(tunnel.stoppedCh)
		if tunnel.autoStop != nil {
			tunnel.autoStop.Stop()
		}
		if tunnel.cmd.Process != nil {
			_ = tunnel.cmd.Process.Kill()
			_ = tunnel.cmd.Wait()
		}
		m.emitProgress(context.Background(), projectID, port, StageStopped, nil)
		m.logger.Info("tunnel stopped",
			zap.String("project_id", projectID), zap.Int("port", port))
	})
}

// List returns the running tunnels.
func (m *Manager) List() []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	return out
}

// StopAll terminates every tunnel; called on process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()

	for _, t := range tunnels {
		m.Stop(t.ProjectID, t.Port)
	}
}

// ensureBinary verifies the tunnel binary exists, downloading it on first
// use. The installed flag makes repeat checks free.
func (m *Manager) ensureBinary(ctx context.Context, projectID string, port int) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	if m.installed {
		return nil
	}
	m.emitProgress(ctx, projectID, port, StageCheckingBinary, nil)

	if _, err := os.Stat(m.binaryPath()); err == nil {
		m.installed = true
		m.emitProgress(ctx, projectID, port, StageBinaryReady, nil)
		return nil
	}

	m.emitProgress(ctx, projectID, port, StageDownloadingBinary, nil)
	if err := m.downloadBinary(ctx); err != nil {
		return fmt.Errorf("failed to install tunnel binary: %w", err)
	}
	m.installed = true
	m.emitProgress(ctx, projectID, port, StageBinaryReady, nil)
	return nil
}

func downloadURL() string {
	base := "https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-"
	switch runtime.GOOS {
	case "windows":
		return base + "windows-" + runtime.GOARCH + ".exe"
	case "darwin":
		return base + "darwin-" + runtime.GOARCH + ".tgz"
	default:
		return base + "linux-" + runtime.GOARCH
	}
}

func (m *Manager) downloadBinary(ctx context.Context) error {
	if err := os.MkdirAll(m.binaryDir, 0755); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.downloadWait)
	defer cancel()

	url := downloadURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tunnel binary download returned %s", resp.Status)
	}

	tmp, err := os.CreateTemp(m.binaryDir, ".cloudflared-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := writeBinary(tmp, resp.Body, url); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, m.binaryPath())
}

// writeBinary copies the release payload to dst. The macOS release ships as
// a .tgz holding the binary, so that variant is extracted in flight.
func writeBinary(dst io.Writer, body io.Reader, url string) error {
	if !strings.HasSuffix(url, ".tgz") {
		_, err := io.Copy(dst, body)
		return err
	}

	gz, err := gzip.NewReader(body)
	if err != nil {
		return fmt.Errorf("failed to read tunnel binary archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("tunnel binary archive has no cloudflared entry")
		}
		if err != nil {
			return fmt.Errorf("failed to read tunnel binary archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != "cloudflared" {
			continue
		}
		_, err = io.Copy(dst, tr)
		return err
	}
}
