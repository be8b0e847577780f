package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations. The chat_groups, group_members,
// blocked_users, and friendships tables are owned by the directory
// collaborator; the engine only reads them, but the DDL is included so a
// single-binary deployment works out of the box.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER,
			group_id INTEGER,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'TEXT',
			created_at DATETIME NOT NULL,
			recalled BOOLEAN NOT NULL DEFAULT 0,
			deleted BOOLEAN NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS unread_counters (
			owner_id INTEGER NOT NULL,
			peer_key TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, peer_key)
		);`,
		`CREATE TABLE IF NOT EXISTS read_markers (
			owner_id INTEGER NOT NULL,
			peer_key TEXT NOT NULL,
			last_read_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, peer_key)
		);`,
		`CREATE TABLE IF NOT EXISTS delivery_cursors (
			user_id INTEGER PRIMARY KEY,
			last_delivered_id INTEGER NOT NULL DEFAULT 0
		);`,
		// Collaborator-owned directory tables.
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			name TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			muted BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (group_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS blocked_users (
			user_id INTEGER NOT NULL,
			blocked_user_id INTEGER NOT NULL,
			PRIMARY KEY (user_id, blocked_user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id INTEGER NOT NULL,
			friend_id INTEGER NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_direct_pair ON messages(sender_id, receiver_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
