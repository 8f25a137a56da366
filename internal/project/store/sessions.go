package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/project/models"
)

// CreateSession creates a new chat session.
func (s *Store) CreateSession(ctx context.Context, session *models.ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.Engine == "" {
		session.Engine = models.EngineClaudeCode
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions
			(id, project_id, title, engine, model, latest_sdk_session_id, current_head_message_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, session.ID, session.ProjectID, session.Title, session.Engine, session.Model,
		session.LatestSDKSessionID, session.CurrentHeadMessageID, models.FormatTime(session.StartedAt))
	return err
}

func scanSession(scan func(dest ...any) error) (*models.ChatSession, error) {
	session := &models.ChatSession{}
	var startedAt string
	var endedAt sql.NullString
	err := scan(&session.ID, &session.ProjectID, &session.Title, &session.Engine, &session.Model,
		&session.LatestSDKSessionID, &session.CurrentHeadMessageID, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if session.StartedAt, err = models.ParseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := models.ParseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		session.EndedAt = &t
	}
	return session, nil
}

const sessionColumns = `id, project_id, title, engine, model, latest_sdk_session_id, current_head_message_id, started_at, ended_at`

// GetSession retrieves a chat session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return session, err
}

// ListSessions returns all sessions for a project, most recent first.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions WHERE project_id = ? ORDER BY started_at DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ChatSession
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// UpdateSessionHead moves the HEAD pointer of a session.
func (s *Store) UpdateSessionHead(ctx context.Context, sessionID, headMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET current_head_message_id = ? WHERE id = ?
	`, headMessageID, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// UpdateSessionSDKSession updates latest_sdk_session_id so that AI resume
// picks up from the right provider session.
func (s *Store) UpdateSessionSDKSession(ctx context.Context, sessionID, sdkSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET latest_sdk_session_id = ? WHERE id = ?
	`, sdkSessionID, sessionID)
	return err
}

// EndSession marks a session as ended.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET ended_at = ? WHERE id = ?
	`, models.FormatTime(time.Now()), sessionID)
	return err
}

// AddSessionRelationship records a parent/child link between two sessions.
func (s *Store) AddSessionRelationship(ctx context.Context, parentID, childID, relation string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_relationships (parent_session_id, child_session_id, relation)
		VALUES (?, ?, ?)
	`, parentID, childID, relation)
	return err
}
