// Package store provides the SQLite-backed persistence layer for projects,
// chat sessions, messages, branches, checkpoint tree state, and snapshots.
// All database access is funnelled through this package; handlers never
// touch SQL directly.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-based storage operations. A single writer connection
// is shared; SQLite serializes writes internally.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One shared connection, serialized writes.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, ownsDB: true}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewWithDB creates a Store over an existing connection (shared ownership).
func NewWithDB(db *sqlx.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			absolute_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_opened_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_projects (
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			PRIMARY KEY (user_id, project_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			engine TEXT NOT NULL DEFAULT 'claude_code',
			model TEXT NOT NULL DEFAULT '',
			latest_sdk_session_id TEXT NOT NULL DEFAULT '',
			current_head_message_id TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			head_message_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			sdk_payload TEXT NOT NULL DEFAULT '',
			sdk_session_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			branch_id TEXT NOT NULL DEFAULT '',
			parent_message_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS message_snapshots (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			snapshot_type TEXT NOT NULL DEFAULT 'delta',
			parent_snapshot_id TEXT NOT NULL DEFAULT '',
			tree_hash TEXT NOT NULL DEFAULT '',
			delta_changes TEXT NOT NULL DEFAULT '',
			files_changed INTEGER NOT NULL DEFAULT 0,
			insertions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			branch_id TEXT NOT NULL DEFAULT '',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_relationships (
			parent_session_id TEXT NOT NULL,
			child_session_id TEXT NOT NULL,
			relation TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (parent_session_id, child_session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_tree_state (
			session_id TEXT NOT NULL,
			parent_checkpoint_id TEXT NOT NULL,
			active_child_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, parent_checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS claude_accounts (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON chat_sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON message_snapshots(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_message ON message_snapshots(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
