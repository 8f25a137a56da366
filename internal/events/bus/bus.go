// Package bus provides the internal event bus used to decouple subsystems
// from the WebSocket gateway. Services publish typed events on subjects like
// "project.<id>.<channel>"; the gateway bridge subscribes with wildcards and
// forwards them to the matching rooms.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"` // wire channel to broadcast on
	Source    string          `json:"source"`  // subsystem that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent creates an event with a UUID and current timestamp. The payload is
// marshalled eagerly so NATS and memory transports behave identically.
func NewEvent(channel, source string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Channel:   channel,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// EventHandler is a function that handles an event. The subject the event was
// delivered on is passed so wildcard subscribers can recover scope IDs.
type EventHandler func(ctx context.Context, subject string, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the interface shared by the in-memory and NATS transports.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS syntax: "*" matches one token, ">" matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
