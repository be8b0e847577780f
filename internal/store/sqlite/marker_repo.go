package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"msghub/internal/domain"
)

type MarkerRepo struct {
	db *sql.DB
}

func NewMarkerRepo(db *sql.DB) *MarkerRepo {
	return &MarkerRepo{db: db}
}

var _ domain.ReadMarkerRepository = (*MarkerRepo)(nil)

func (r *MarkerRepo) Get(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_read_id FROM read_markers WHERE owner_id = ? AND peer_key = ?
	`, ownerID, peerKey).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get read marker: %w", err)
	}
	return id, nil
}

// Advance is monotonic: a stale advance never moves the marker backwards.
func (r *MarkerRepo) Advance(ctx context.Context, ownerID int64, peerKey string, messageID int64) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO read_markers (owner_id, peer_key, last_read_id) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, peer_key) DO UPDATE SET last_read_id = MAX(last_read_id, excluded.last_read_id)
	`, ownerID, peerKey, messageID); err != nil {
		return fmt.Errorf("advance read marker: %w", err)
	}
	return nil
}
