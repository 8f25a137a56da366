package websocket

import "context"

// Handler is the interface for WebSocket frame handlers.
type Handler interface {
	// Handle processes a request or event frame. For request frames the
	// returned message (or error) becomes the response; for event frames
	// the return value is ignored.
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes frames to handlers by channel name. Registration happens
// during startup before any connection is accepted, so lookups are lock-free.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new frame dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a channel.
func (d *Dispatcher) Register(channel string, handler Handler) {
	d.handlers[channel] = handler
}

// RegisterFunc registers a handler function for a channel.
func (d *Dispatcher) RegisterFunc(channel string, handler HandlerFunc) {
	d.handlers[channel] = handler
}

// Dispatch routes a frame to the registered handler. Unknown channels return
// a typed UNKNOWN_CHANNEL response.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Channel]
	if !ok {
		return NewErrorResponse(msg.ID, msg.Channel, ErrCodeUnknownChannel,
			"unknown channel: "+msg.Channel), nil
	}
	return handler.Handle(ctx, msg)
}

// HasHandler reports whether a handler is registered for the channel.
func (d *Dispatcher) HasHandler(channel string) bool {
	_, ok := d.handlers[channel]
	return ok
}
