package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

// MemoryEventBus implements EventBus in-process. It is the default transport
// for the single-binary deployment.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "event_bus")),
	}
}

// Publish delivers the event to every matching subscriber. Handlers run on
// their own goroutines so a slow subscriber cannot stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var matched []*memorySubscription
	for _, sub := range b.subscriptions {
		if sub.IsValid() && subjectMatches(subject, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		go func(s *memorySubscription) {
			if err := s.handler(ctx, subject, event); err != nil {
				b.logger.Error("event handler error",
					zap.String("subject", subject),
					zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySubscription{bus: b, pattern: pattern, handler: handler, active: true}
	b.subscriptions = append(b.subscriptions, sub)
	return sub, nil
}

// Close shuts the bus down; further publishes fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subscriptions {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subscriptions = nil
}

// IsConnected always reports true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatches implements NATS-style subject matching: tokens separated by
// ".", "*" matches exactly one token, ">" matches one or more trailing tokens.
func subjectMatches(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	st := strings.Split(subject, ".")
	pt := strings.Split(pattern, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}
