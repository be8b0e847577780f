package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"msghub/internal/domain"
)

// UnreadRepo keeps unread counters in the same database as the message store,
// so appends can bump them transactionally. All mutations are single
// statements; counts never go through application-side read-modify-write.
type UnreadRepo struct {
	db *sql.DB
}

func NewUnreadRepo(db *sql.DB) *UnreadRepo {
	return &UnreadRepo{db: db}
}

var _ domain.UnreadRepository = (*UnreadRepo)(nil)

func (r *UnreadRepo) Increment(ctx context.Context, ownerID int64, peerKey string) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO unread_counters (owner_id, peer_key, count) VALUES ($1, $2, 1)
		ON CONFLICT (owner_id, peer_key) DO UPDATE SET count = unread_counters.count + 1
	`, ownerID, peerKey); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (r *UnreadRepo) Reset(ctx context.Context, ownerID int64, peerKey string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE unread_counters SET count = 0 WHERE owner_id = $1 AND peer_key = $2
	`, ownerID, peerKey); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (r *UnreadRepo) Set(ctx context.Context, ownerID int64, peerKey string, count int64) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO unread_counters (owner_id, peer_key, count) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, peer_key) DO UPDATE SET count = EXCLUDED.count
	`, ownerID, peerKey, count); err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	return nil
}

func (r *UnreadRepo) Get(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT count FROM unread_counters WHERE owner_id = $1 AND peer_key = $2
	`, ownerID, peerKey).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get unread: %w", err)
	}
	return n, nil
}

func (r *UnreadRepo) GetAll(ctx context.Context, ownerID int64) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT peer_key, count FROM unread_counters WHERE owner_id = $1 AND count > 0
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	defer rows.Close()

	res := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		res[key] = n
	}
	return res, rows.Err()
}
