// Package events defines the bus subjects and the Emitter that subsystems use
// to broadcast to project and chat-session rooms without depending on the
// WebSocket gateway directly.
package events

import (
	"context"
	"strings"

	"github.com/atelier-dev/atelier/internal/events/bus"
)

// Subjects. The last token is deliberately the scope ID so wildcard
// subscribers can recover it.
const (
	subjectProjectPrefix = "room.project."
	subjectChatPrefix    = "room.chat."

	// SubjectAllProjectRooms matches every project-room event.
	SubjectAllProjectRooms = "room.project.>"
	// SubjectAllChatRooms matches every chat-session-room event.
	SubjectAllChatRooms = "room.chat.>"
)

// ProjectSubject returns the bus subject for a project room.
func ProjectSubject(projectID string) string {
	return subjectProjectPrefix + projectID
}

// ChatSubject returns the bus subject for a chat-session room.
func ChatSubject(sessionID string) string {
	return subjectChatPrefix + sessionID
}

// ScopeID extracts the room scope ID from a delivered subject.
func ScopeID(subject string) string {
	if strings.HasPrefix(subject, subjectProjectPrefix) {
		return subject[len(subjectProjectPrefix):]
	}
	if strings.HasPrefix(subject, subjectChatPrefix) {
		return subject[len(subjectChatPrefix):]
	}
	return ""
}

// Emitter publishes room-scoped events for a single source subsystem.
type Emitter struct {
	bus    bus.EventBus
	source string
}

// NewEmitter creates an Emitter tagged with the producing subsystem name.
func NewEmitter(b bus.EventBus, source string) *Emitter {
	return &Emitter{bus: b, source: source}
}

// EmitProject broadcasts an event frame to every connection in the project room.
func (e *Emitter) EmitProject(ctx context.Context, projectID, channel string, payload interface{}) error {
	ev, err := bus.NewEvent(channel, e.source, payload)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, ProjectSubject(projectID), ev)
}

// EmitChatSession broadcasts an event frame to every connection whose active
// chat session matches.
func (e *Emitter) EmitChatSession(ctx context.Context, sessionID, channel string, payload interface{}) error {
	ev, err := bus.NewEvent(channel, e.source, payload)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, ChatSubject(sessionID), ev)
}
