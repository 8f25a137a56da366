package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/common/sqlite"
	"github.com/atelier-dev/atelier/internal/project/models"
)

const messageColumns = `id, session_id, timestamp, role, content, sdk_payload, sdk_session_id, sender_id, sender_name, is_deleted, branch_id, parent_message_id`

// CreateMessage appends a message to the session DAG.
func (s *Store) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	if message.Role == "" {
		message.Role = models.RoleUser
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.SessionID, models.FormatTime(message.Timestamp), message.Role,
		message.Content, string(message.SDKPayload), message.SDKSessionID,
		message.SenderID, message.SenderName, sqlite.BoolToInt(message.IsDeleted),
		message.BranchID, message.ParentMessageID)
	return err
}

func scanMessage(scan func(dest ...any) error) (*models.Message, error) {
	message := &models.Message{}
	var timestamp, sdkPayload string
	var isDeleted int
	err := scan(&message.ID, &message.SessionID, &timestamp, &message.Role, &message.Content,
		&sdkPayload, &message.SDKSessionID, &message.SenderID, &message.SenderName,
		&isDeleted, &message.BranchID, &message.ParentMessageID)
	if err != nil {
		return nil, err
	}
	if message.Timestamp, err = models.ParseTime(timestamp); err != nil {
		return nil, err
	}
	if sdkPayload != "" {
		message.SDKPayload = []byte(sdkPayload)
	}
	message.IsDeleted = isDeleted == 1
	return message, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	message, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return message, err
}

// ListMessages returns all messages for a session ordered by timestamp,
// including soft-deleted ones. Checkpoint-tree construction needs the full
// set; use ListVisibleMessages for the client-facing path.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// ListVisibleMessages returns the undeleted messages on the path from the
// session HEAD back to the root, in chronological order. This is the message
// list a client renders.
func (s *Store) ListVisibleMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CurrentHeadMessageID == "" {
		return nil, nil
	}

	all, err := s.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Message, len(all))
	for _, m := range all {
		byID[m.ID] = m
	}

	var path []*models.Message
	visited := make(map[string]bool)
	for id := session.CurrentHeadMessageID; id != "" && !visited[id]; {
		visited[id] = true
		m, ok := byID[id]
		if !ok {
			break
		}
		if !m.IsDeleted {
			path = append(path, m)
		}
		id = m.ParentMessageID
	}

	// Reverse into chronological order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// SetMessagesDeleted flips the soft-delete flag on a set of messages,
// optionally tagging them with the branch they were displaced by.
func (s *Store) SetMessagesDeleted(ctx context.Context, ids []string, deleted bool, branchID string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if branchID != "" {
			_, err = tx.ExecContext(ctx, `UPDATE messages SET is_deleted = ?, branch_id = ? WHERE id = ?`,
				sqlite.BoolToInt(deleted), branchID, id)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE messages SET is_deleted = ? WHERE id = ?`,
				sqlite.BoolToInt(deleted), id)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SoftDeleteAfterTimestamp soft-deletes every message in the session strictly
// after the given timestamp (the next user message onwards). The comparison
// is strict: the message at the timestamp itself survives.
func (s *Store) SoftDeleteAfterTimestamp(ctx context.Context, sessionID string, after time.Time, branchID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, branch_id = CASE WHEN ? != '' THEN ? ELSE branch_id END
		WHERE session_id = ? AND timestamp > ?
	`, branchID, branchID, sessionID, models.FormatTime(after))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListChildren returns the messages whose parent_message_id equals the given
// ID, ordered by timestamp.
func (s *Store) ListChildren(ctx context.Context, messageID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE parent_message_id = ? ORDER BY timestamp ASC, id ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}
