package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

const dataChannelLabel = "media"

// Bridge is one project's WebRTC peer with a single DataChannel carrying
// encoded media frames.
type Bridge struct {
	projectID string
	emitter   *events.Emitter
	logger    *logger.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	// slot holds at most the one frame currently waiting to be sent; a
	// newer frame replaces an unsent older one.
	slot   chan []byte
	doneCh chan struct{}
}

// Manager hands out per-project bridges.
type Manager struct {
	emitter *events.Emitter
	logger  *logger.Logger

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewManager creates a stream manager.
func NewManager(emitter *events.Emitter, log *logger.Logger) *Manager {
	return &Manager{
		emitter: emitter,
		logger:  log.WithFields(zap.String("component", "stream_manager")),
		bridges: make(map[string]*Bridge),
	}
}

// Start creates (or replaces) the project's bridge and returns the initial
// SDP offer.
func (m *Manager) Start(ctx context.Context, projectID string) (string, error) {
	m.mu.Lock()
	if existing, ok := m.bridges[projectID]; ok {
		delete(m.bridges, projectID)
		m.mu.Unlock()
		existing.Close()
		m.mu.Lock()
	}
	bridge := &Bridge{
		projectID: projectID,
		emitter:   m.emitter,
		logger:    m.logger.WithProjectID(projectID),
		slot:      make(chan []byte, 1),
		doneCh:    make(chan struct{}),
	}
	m.bridges[projectID] = bridge
	m.mu.Unlock()

	offer, err := bridge.start(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.bridges, projectID)
		m.mu.Unlock()
		return "", err
	}
	return offer, nil
}

// Bridge returns the project's active bridge.
func (m *Manager) Bridge(projectID string) (*Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bridge, ok := m.bridges[projectID]
	if !ok {
		return nil, fmt.Errorf("no active stream for project %s", projectID)
	}
	return bridge, nil
}

// CloseAll tears down every bridge; called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = make(map[string]*Bridge)
	m.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
}

func (b *Bridge) start(ctx context.Context) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}

	b.mu.Lock()
	b.pc = pc
	b.dc = dc
	b.mu.Unlock()

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		b.emit(ws.ChannelPreviewStreamICE, map[string]interface{}{
			"project_id": b.projectID,
			"candidate":  candidate.ToJSON(),
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.emit(ws.ChannelPreviewStreamState, map[string]string{
			"project_id": b.projectID,
			"state":      state.String(),
		})
	})
	dc.OnOpen(func() {
		b.logger.Info("stream data channel open")
		go b.sendLoop()
	})

	return b.Offer(ctx)
}

// Offer creates a fresh local offer; used both for the initial handshake and
// for client reconnects.
func (b *Bridge) Offer(ctx context.Context) (string, error) {
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("stream not started")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleAnswer applies the client's SDP answer.
func (b *Bridge) HandleAnswer(sdp string) error {
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("stream not started")
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddICECandidate applies a remote ICE candidate.
func (b *Bridge) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("stream not started")
	}
	return pc.AddICECandidate(candidate)
}

// Send queues a frame for the DataChannel. Only the in-flight frame is
// buffered: an unsent frame is replaced by a newer one rather than queued
// behind it.
func (b *Bridge) Send(f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}

	select {
	case b.slot <- buf:
	default:
		select {
		case <-b.slot:
		default:
		}
		select {
		case b.slot <- buf:
		default:
		}
	}
	return nil
}

func (b *Bridge) sendLoop() {
	for {
		select {
		case buf := <-b.slot:
			b.mu.Lock()
			dc := b.dc
			b.mu.Unlock()
			if dc == nil {
				return
			}
			if err := dc.Send(buf); err != nil {
				b.logger.Warn("failed to send media frame", zap.Error(err))
				return
			}
		case <-b.doneCh:
			return
		}
	}
}

// Close tears the peer down.
func (b *Bridge) Close() {
	b.mu.Lock()
	pc := b.pc
	b.pc = nil
	b.dc = nil
	b.mu.Unlock()

	select {
	case <-b.doneCh:
	default:
		close(b.doneCh)
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func (b *Bridge) emit(channel string, payload interface{}) {
	if err := b.emitter.EmitProject(context.Background(), b.projectID, channel, payload); err != nil {
		b.logger.Warn("failed to broadcast stream event",
			zap.String("channel", channel), zap.Error(err))
	}
}
