package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations. Directory tables are
// collaborator-owned; see the sqlite store for the ownership note.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			sender_id BIGINT NOT NULL,
			receiver_id BIGINT,
			group_id BIGINT,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'TEXT',
			created_at TIMESTAMPTZ NOT NULL,
			recalled BOOLEAN NOT NULL DEFAULT FALSE,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE TABLE IF NOT EXISTS unread_counters (
			owner_id BIGINT NOT NULL,
			peer_key TEXT NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, peer_key)
		);`,
		`CREATE TABLE IF NOT EXISTS read_markers (
			owner_id BIGINT NOT NULL,
			peer_key TEXT NOT NULL,
			last_read_id BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, peer_key)
		);`,
		`CREATE TABLE IF NOT EXISTS delivery_cursors (
			user_id BIGINT PRIMARY KEY,
			last_delivered_id BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			name TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (group_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS blocked_users (
			user_id BIGINT NOT NULL,
			blocked_user_id BIGINT NOT NULL,
			PRIMARY KEY (user_id, blocked_user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id BIGINT NOT NULL,
			friend_id BIGINT NOT NULL,
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
