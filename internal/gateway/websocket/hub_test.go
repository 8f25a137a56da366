package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	ws "github.com/atelier-dev/atelier/pkg/websocket"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(ws.NewDispatcher(), logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func newTestClient(hub *Hub, id string) *Client {
	return NewClient(id, "user-"+id, nil, hub, logger.Default())
}

func recvFrame(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestEmitProjectScoping(t *testing.T) {
	hub, _ := newTestHub(t)

	inRoom := newTestClient(hub, "a")
	outOfRoom := newTestClient(hub, "b")
	hub.Register(inRoom)
	hub.Register(outOfRoom)
	hub.JoinProject(inRoom, "p1")
	hub.JoinProject(outOfRoom, "p2")

	hub.EmitProject("p1", ws.ChannelChatMessagesChanged, map[string]string{"reason": "test"})

	msg := recvFrame(t, inRoom)
	assert.Equal(t, ws.FrameEvent, msg.Type)
	assert.Equal(t, ws.ChannelChatMessagesChanged, msg.Channel)

	select {
	case <-outOfRoom.send:
		t.Fatal("client outside the room received the broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinProjectSwitchesRooms(t *testing.T) {
	hub, _ := newTestHub(t)

	client := newTestClient(hub, "a")
	hub.Register(client)
	hub.JoinProject(client, "p1")
	hub.JoinProject(client, "p2")

	hub.EmitProject("p1", ws.ChannelTerminalOutput, map[string]string{"data": "old room"})
	select {
	case <-client.send:
		t.Fatal("received broadcast from a room the client left")
	case <-time.After(50 * time.Millisecond):
	}

	hub.EmitProject("p2", ws.ChannelTerminalOutput, map[string]string{"data": "new room"})
	msg := recvFrame(t, client)
	assert.Equal(t, ws.ChannelTerminalOutput, msg.Channel)
}

func TestBusBridgeForwardsToRooms(t *testing.T) {
	hub, _ := newTestHub(t)
	memBus := bus.NewMemoryEventBus(logger.Default())
	require.NoError(t, hub.BindEventBus(memBus))

	projectClient := newTestClient(hub, "a")
	chatClient := newTestClient(hub, "b")
	hub.Register(projectClient)
	hub.Register(chatClient)
	hub.JoinProject(projectClient, "p1")
	hub.JoinChatSession(chatClient, "s1")

	emitter := events.NewEmitter(memBus, "test")
	require.NoError(t, emitter.EmitProject(context.Background(),
		"p1", ws.ChannelTunnelProgress, map[string]string{"stage": "connected"}))
	require.NoError(t, emitter.EmitChatSession(context.Background(),
		"s1", ws.ChannelChatMessagesChanged, map[string]string{"reason": "restore"}))

	pmsg := recvFrame(t, projectClient)
	assert.Equal(t, ws.ChannelTunnelProgress, pmsg.Channel)

	cmsg := recvFrame(t, chatClient)
	assert.Equal(t, ws.ChannelChatMessagesChanged, cmsg.Channel)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(cmsg.Payload, &payload))
	assert.Equal(t, "restore", payload["reason"])
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	hub, _ := newTestHub(t)

	slow := newTestClient(hub, "slow")
	slow.send = make(chan []byte) // unbuffered and never drained
	healthy := newTestClient(hub, "ok")
	hub.Register(slow)
	hub.Register(healthy)
	hub.JoinProject(slow, "p1")
	hub.JoinProject(healthy, "p1")

	done := make(chan struct{})
	go func() {
		hub.EmitProject("p1", ws.ChannelTerminalOutput, map[string]string{"data": "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	recvFrame(t, healthy)
}
