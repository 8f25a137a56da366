package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/atelier-dev/atelier/internal/common/shortid"
	"github.com/atelier-dev/atelier/internal/project/models"
)

// CreateBranch creates a named pointer into the message DAG.
func (s *Store) CreateBranch(ctx context.Context, branch *models.Branch) error {
	if branch.ID == "" {
		branch.ID = shortid.NewWithPrefix("br")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, session_id, name, head_message_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, branch.ID, branch.SessionID, branch.Name, branch.HeadMessageID,
		models.FormatTime(branch.CreatedAt))
	return err
}

func scanBranch(scan func(dest ...any) error) (*models.Branch, error) {
	branch := &models.Branch{}
	var createdAt string
	err := scan(&branch.ID, &branch.SessionID, &branch.Name, &branch.HeadMessageID, &createdAt)
	if err != nil {
		return nil, err
	}
	branch.CreatedAt, err = models.ParseTime(createdAt)
	return branch, err
}

// GetBranch retrieves a branch by ID.
func (s *Store) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, name, head_message_id, created_at FROM branches WHERE id = ?
	`, id)
	branch, err := scanBranch(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return branch, err
}

// ListBranches returns all branches for a session, oldest first.
func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, head_message_id, created_at
		FROM branches WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Branch
	for rows.Next() {
		branch, err := scanBranch(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, branch)
	}
	return result, rows.Err()
}

// UpdateBranchHead moves a branch pointer.
func (s *Store) UpdateBranchHead(ctx context.Context, branchID, headMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE branches SET head_message_id = ? WHERE id = ?
	`, headMessageID, branchID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// UpsertCheckpointState records the active child for a checkpoint node.
func (s *Store) UpsertCheckpointState(ctx context.Context, state *models.CheckpointTreeState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_tree_state (session_id, parent_checkpoint_id, active_child_id)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, parent_checkpoint_id) DO UPDATE SET active_child_id = excluded.active_child_id
	`, state.SessionID, state.ParentCheckpointID, state.ActiveChildID)
	return err
}

// GetCheckpointStates returns the active-child map for a session, keyed by
// parent checkpoint ID.
func (s *Store) GetCheckpointStates(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_checkpoint_id, active_child_id FROM checkpoint_tree_state WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var parentID, activeChildID string
		if err := rows.Scan(&parentID, &activeChildID); err != nil {
			return nil, err
		}
		result[parentID] = activeChildID
	}
	return result, rows.Err()
}
