// Package models defines the core entities persisted by the project store.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TimeLayout is the fixed-width ISO-8601 layout used for stored timestamps.
// Fixed width keeps lexical ordering identical to chronological ordering.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in the storage layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Project is the root of all per-project state. Deleting a project cascades
// to its chat sessions, messages, snapshots, and browser services.
type Project struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	AbsolutePath string    `db:"absolute_path" json:"absolute_path"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastOpenedAt time.Time `db:"last_opened_at" json:"last_opened_at"`
}

// Engine identifies the AI engine backing a chat session.
type Engine string

const (
	EngineClaudeCode Engine = "claude_code"
	EngineOpenCode   Engine = "opencode"
)

// ChatSession groups messages into a conversation with an AI engine.
// CurrentHeadMessageID is the HEAD pointer of the message DAG.
type ChatSession struct {
	ID                   string     `db:"id" json:"id"`
	ProjectID            string     `db:"project_id" json:"project_id"`
	Title                string     `db:"title" json:"title"`
	Engine               Engine     `db:"engine" json:"engine"`
	Model                string     `db:"model" json:"model"`
	LatestSDKSessionID   string     `db:"latest_sdk_session_id" json:"latest_sdk_session_id"`
	CurrentHeadMessageID string     `db:"current_head_message_id" json:"current_head_message_id"`
	StartedAt            time.Time  `db:"started_at" json:"started_at"`
	EndedAt              *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// Message is a node in the per-session DAG formed by ParentMessageID.
// IsDeleted is a soft-delete flag used during branch switching.
type Message struct {
	ID              string          `db:"id" json:"id"`
	SessionID       string          `db:"session_id" json:"session_id"`
	Timestamp       time.Time       `db:"timestamp" json:"timestamp"`
	Role            MessageRole     `db:"role" json:"role"`
	Content         string          `db:"content" json:"content"`
	SDKPayload      json.RawMessage `db:"sdk_payload" json:"sdk_payload,omitempty"`
	SDKSessionID    string          `db:"sdk_session_id" json:"sdk_session_id,omitempty"`
	SenderID        string          `db:"sender_id" json:"sender_id,omitempty"`
	SenderName      string          `db:"sender_name" json:"sender_name,omitempty"`
	IsDeleted       bool            `db:"is_deleted" json:"is_deleted"`
	BranchID        string          `db:"branch_id" json:"branch_id,omitempty"`
	ParentMessageID string          `db:"parent_message_id" json:"parent_message_id,omitempty"`
}

// IsCheckpoint reports whether the message is a checkpoint: authored by the
// user with non-empty text and not a tool result.
func (m *Message) IsCheckpoint() bool {
	return m.Role == RoleUser && strings.TrimSpace(m.Content) != ""
}

// Branch is a named pointer into the message DAG, semantically a git branch.
type Branch struct {
	ID            string    `db:"id" json:"id"`
	SessionID     string    `db:"session_id" json:"session_id"`
	Name          string    `db:"name" json:"name"`
	HeadMessageID string    `db:"head_message_id" json:"head_message_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// CheckpointTreeState records, for a checkpoint node, which child lies on the
// straight line of the checkpoint tree.
type CheckpointTreeState struct {
	SessionID          string `db:"session_id" json:"session_id"`
	ParentCheckpointID string `db:"parent_checkpoint_id" json:"parent_checkpoint_id"`
	ActiveChildID      string `db:"active_child_id" json:"active_child_id"`
}

// SnapshotType distinguishes full snapshots from delta snapshots.
type SnapshotType string

const (
	SnapshotFull  SnapshotType = "full"
	SnapshotDelta SnapshotType = "delta"
)

// Snapshot is the persisted record of a project-state capture tied to a
// message. Delta-form stores a reference to a tree file in the blob store.
type Snapshot struct {
	ID               string       `db:"id" json:"id"`
	MessageID        string       `db:"message_id" json:"message_id"`
	SessionID        string       `db:"session_id" json:"session_id"`
	ProjectID        string       `db:"project_id" json:"project_id"`
	SnapshotType     SnapshotType `db:"snapshot_type" json:"snapshot_type"`
	ParentSnapshotID string       `db:"parent_snapshot_id" json:"parent_snapshot_id,omitempty"`
	TreeHash         string       `db:"tree_hash" json:"tree_hash,omitempty"`
	DeltaChanges     string       `db:"delta_changes" json:"delta_changes,omitempty"`
	FilesChanged     int          `db:"files_changed" json:"files_changed"`
	Insertions       int          `db:"insertions" json:"insertions"`
	Deletions        int          `db:"deletions" json:"deletions"`
	BranchID         string       `db:"branch_id" json:"branch_id,omitempty"`
	IsDeleted        bool         `db:"is_deleted" json:"is_deleted"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// Setting is a key/value row from the settings table.
type Setting struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// Account is a stored AI-provider account reference.
type Account struct {
	ID        string    `db:"id" json:"id"`
	Provider  string    `db:"provider" json:"provider"`
	Label     string    `db:"label" json:"label"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
