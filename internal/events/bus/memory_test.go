package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"room.project.p1", "room.project.p1", true},
		{"room.project.p1", "room.project.*", true},
		{"room.project.p1", "room.project.>", true},
		{"room.project.p1.extra", "room.project.*", false},
		{"room.project.p1.extra", "room.project.>", true},
		{"room.chat.s1", "room.project.>", false},
		{"room.project", "room.project.>", false},
		{"a.b.c", "a.*.c", true},
		{"a.b.c", "a.*.d", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.subject, tc.pattern),
			"subject=%s pattern=%s", tc.subject, tc.pattern)
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := b.Subscribe("room.project.>", func(ctx context.Context, subject string, ev *Event) error {
		mu.Lock()
		got = append(got, subject+":"+ev.Channel)
		mu.Unlock()
		close(done)
		return nil
	})
	require.NoError(t, err)

	ev, err := NewEvent("terminal:output", "terminal", map[string]string{"data": "hi"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "room.project.p1", ev))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"room.project.p1:terminal:output"}, got)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	delivered := make(chan struct{}, 1)
	sub, err := b.Subscribe("room.chat.*", func(ctx context.Context, subject string, ev *Event) error {
		delivered <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	ev, _ := NewEvent("chat:messages-changed", "snapshot", nil)
	require.NoError(t, b.Publish(context.Background(), "room.chat.s1", ev))

	select {
	case <-delivered:
		t.Fatal("unsubscribed handler was invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClosedPublishFails(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	ev, _ := NewEvent("x", "test", nil)
	assert.Error(t, b.Publish(context.Background(), "room.project.p1", ev))
	assert.False(t, b.IsConnected())
}
