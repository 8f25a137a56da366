package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/project/models"
)

// ErrNotFound is returned when a referenced entity is absent.
var ErrNotFound = errors.New("not found")

// CreateProject creates a new project.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.LastOpenedAt.IsZero() {
		project.LastOpenedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, absolute_path, created_at, last_opened_at)
		VALUES (?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.AbsolutePath,
		models.FormatTime(project.CreatedAt), models.FormatTime(project.LastOpenedAt))
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	var createdAt, lastOpenedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, absolute_path, created_at, last_opened_at
		FROM projects WHERE id = ?
	`, id).Scan(&project.ID, &project.Name, &project.AbsolutePath, &createdAt, &lastOpenedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if project.CreatedAt, err = models.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for project %s: %w", id, err)
	}
	if project.LastOpenedAt, err = models.ParseTime(lastOpenedAt); err != nil {
		return nil, fmt.Errorf("bad last_opened_at for project %s: %w", id, err)
	}
	return project, nil
}

// ListProjects returns all projects ordered by last opened, most recent first.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, absolute_path, created_at, last_opened_at
		FROM projects ORDER BY last_opened_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		project := &models.Project{}
		var createdAt, lastOpenedAt string
		if err := rows.Scan(&project.ID, &project.Name, &project.AbsolutePath, &createdAt, &lastOpenedAt); err != nil {
			return nil, err
		}
		if project.CreatedAt, err = models.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if project.LastOpenedAt, err = models.ParseTime(lastOpenedAt); err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

// TouchProject updates last_opened_at to now.
func (s *Store) TouchProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET last_opened_at = ? WHERE id = ?
	`, models.FormatTime(time.Now()), id)
	return err
}

// DeleteProject deletes a project and cascades to its chat sessions,
// messages, branches, checkpoint state, and snapshots.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sessionIDs := []string{}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chat_sessions WHERE project_id = ?`, id)
	if err != nil {
		return err
	}
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			_ = rows.Close()
			return err
		}
		sessionIDs = append(sessionIDs, sid)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, sid := range sessionIDs {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE session_id = ?`,
			`DELETE FROM branches WHERE session_id = ?`,
			`DELETE FROM checkpoint_tree_state WHERE session_id = ?`,
			`DELETE FROM message_snapshots WHERE session_id = ?`,
			`DELETE FROM session_relationships WHERE parent_session_id = ? `,
		} {
			if _, err := tx.ExecContext(ctx, stmt, sid); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_projects WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSetting returns a settings value, or "" when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
