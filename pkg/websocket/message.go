// Package websocket provides the wire protocol shared by the Atelier server
// and its clients: the frame envelope, channel names, and error taxonomy.
package websocket

import (
	"encoding/json"
)

// FrameType represents the kind of frame travelling over the socket.
type FrameType string

const (
	// FrameRequest expects exactly one FrameResponse with the same ID.
	FrameRequest FrameType = "req"
	// FrameResponse answers a FrameRequest.
	FrameResponse FrameType = "res"
	// FrameEvent is fire-and-forget in either direction.
	FrameEvent FrameType = "event"
)

// Message is the envelope for every frame on the wire.
// ID is present on req/res frames and absent on events.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the typed error carried on a response frame.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so handlers can return a WireError
// directly and have the router marshal it unchanged.
func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}

// NewRequest builds a request frame.
func NewRequest(id, channel string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: FrameRequest, Channel: channel, Payload: data}, nil
}

// NewResponse builds a response frame for the given request ID.
func NewResponse(id, channel string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: FrameResponse, Channel: channel, Payload: data}, nil
}

// NewEvent builds a fire-and-forget event frame.
func NewEvent(channel string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: FrameEvent, Channel: channel, Payload: data}, nil
}

// NewErrorResponse builds a response frame carrying a typed error.
func NewErrorResponse(id, channel, code, message string) *Message {
	return &Message{
		ID:      id,
		Type:    FrameResponse,
		Channel: channel,
		Error:   &WireError{Code: code, Message: message},
	}
}

// ParsePayload unmarshals the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
