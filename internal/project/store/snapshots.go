package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/common/sqlite"
	"github.com/atelier-dev/atelier/internal/project/models"
)

const snapshotColumns = `id, message_id, session_id, project_id, snapshot_type, parent_snapshot_id, tree_hash, delta_changes, files_changed, insertions, deletions, branch_id, is_deleted, created_at`

// CreateSnapshot stores a snapshot row.
func (s *Store) CreateSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	if snapshot.SnapshotType == "" {
		snapshot.SnapshotType = models.SnapshotDelta
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snapshot.ID, snapshot.MessageID, snapshot.SessionID, snapshot.ProjectID,
		snapshot.SnapshotType, snapshot.ParentSnapshotID, snapshot.TreeHash, snapshot.DeltaChanges,
		snapshot.FilesChanged, snapshot.Insertions, snapshot.Deletions, snapshot.BranchID,
		sqlite.BoolToInt(snapshot.IsDeleted), models.FormatTime(snapshot.CreatedAt))
	return err
}

func scanSnapshot(scan func(dest ...any) error) (*models.Snapshot, error) {
	snapshot := &models.Snapshot{}
	var createdAt string
	var isDeleted int
	err := scan(&snapshot.ID, &snapshot.MessageID, &snapshot.SessionID, &snapshot.ProjectID,
		&snapshot.SnapshotType, &snapshot.ParentSnapshotID, &snapshot.TreeHash, &snapshot.DeltaChanges,
		&snapshot.FilesChanged, &snapshot.Insertions, &snapshot.Deletions, &snapshot.BranchID,
		&isDeleted, &createdAt)
	if err != nil {
		return nil, err
	}
	snapshot.IsDeleted = isDeleted == 1
	snapshot.CreatedAt, err = models.ParseTime(createdAt)
	return snapshot, err
}

// GetSnapshot retrieves a snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM message_snapshots WHERE id = ?
	`, id)
	snapshot, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snapshot, err
}

// GetSnapshotByMessage returns the snapshot attached to a message, or
// ErrNotFound.
func (s *Store) GetSnapshotByMessage(ctx context.Context, messageID string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM message_snapshots
		WHERE message_id = ? AND is_deleted = 0
		ORDER BY created_at DESC LIMIT 1
	`, messageID)
	snapshot, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snapshot, err
}

// GetLatestSnapshot returns the most recent undeleted snapshot for a session,
// or ErrNotFound for a session with no snapshots yet.
func (s *Store) GetLatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM message_snapshots
		WHERE session_id = ? AND is_deleted = 0
		ORDER BY created_at DESC LIMIT 1
	`, sessionID)
	snapshot, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snapshot, err
}

// ListSnapshots returns all undeleted snapshots for a session, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM message_snapshots
		WHERE session_id = ? AND is_deleted = 0 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}

// ListSnapshotsBetween returns undeleted session snapshots created strictly
// after `from` and strictly before `to`. A zero `to` means no upper bound.
func (s *Store) ListSnapshotsBetween(ctx context.Context, sessionID string, from, to time.Time) ([]*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM message_snapshots
		WHERE session_id = ? AND is_deleted = 0 AND created_at > ?`
	args := []any{sessionID, models.FormatTime(from)}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, models.FormatTime(to))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, snapshot)
	}
	return result, rows.Err()
}
