package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"msghub/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, kind, sender_id, receiver_id, group_id, content, content_type, created_at, recalled, deleted`

// Append inserts the message and, when unreadOwners is non-empty, applies the
// per-owner unread increments in the same transaction. Either everything
// lands or nothing does.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message, unreadOwners []int64) error {
	m.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var receiverID, groupID any
	if m.Kind == domain.KindDirect {
		receiverID = m.ReceiverID
	} else {
		groupID = m.GroupID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (kind, sender_id, receiver_id, group_id, content, content_type, created_at, recalled, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)
	`, m.Kind, m.SenderID, receiverID, groupID, m.Content, m.ContentType, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id

	for _, uid := range unreadOwners {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unread_counters (owner_id, peer_key, count) VALUES (?, ?, 1)
			ON CONFLICT(owner_id, peer_key) DO UPDATE SET count = count + 1
		`, uid, m.PeerKey(uid)); err != nil {
			return fmt.Errorf("increment unread for %d: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) MarkRecalled(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE messages SET recalled = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark recalled: %w", err)
	}
	return nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

func (r *MessageRepo) HistoryDirect(ctx context.Context, userA, userB int64, offset, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE kind = 'direct' AND deleted = 0
		  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, userA, userB, userB, userA, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("direct history: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) HistoryGroup(ctx context.Context, groupID int64, offset, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE kind = 'group' AND group_id = ? AND deleted = 0
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("group history: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) DirectSince(ctx context.Context, receiverID, afterID int64) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE kind = 'direct' AND receiver_id = ? AND id > ? AND deleted = 0
		ORDER BY id ASC
	`, receiverID, afterID)
	if err != nil {
		return nil, fmt.Errorf("direct since: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) DeliveredCursor(ctx context.Context, userID int64) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_delivered_id FROM delivery_cursors WHERE user_id = ?
	`, userID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("delivered cursor: %w", err)
	}
	return cursor, nil
}

func (r *MessageRepo) AdvanceDeliveredCursor(ctx context.Context, userID, messageID int64) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_cursors (user_id, last_delivered_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_delivered_id = MAX(last_delivered_id, excluded.last_delivered_id)
	`, userID, messageID); err != nil {
		return fmt.Errorf("advance delivered cursor: %w", err)
	}
	return nil
}

func (r *MessageRepo) LatestID(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	kind, peerID, err := domain.ParsePeerKey(peerKey)
	if err != nil {
		return 0, err
	}
	var query string
	var args []any
	if kind == domain.KindGroup {
		query = `SELECT COALESCE(MAX(id), 0) FROM messages WHERE kind = 'group' AND group_id = ?`
		args = []any{peerID}
	} else {
		query = `
			SELECT COALESCE(MAX(id), 0) FROM messages
			WHERE kind = 'direct'
			  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		`
		args = []any{ownerID, peerID, peerID, ownerID}
	}
	var id int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest id: %w", err)
	}
	return id, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, ownerID int64, peerKey string, afterID int64) (int64, error) {
	kind, peerID, err := domain.ParsePeerKey(peerKey)
	if err != nil {
		return 0, err
	}
	var query string
	var args []any
	if kind == domain.KindGroup {
		query = `
			SELECT COUNT(*) FROM messages
			WHERE kind = 'group' AND group_id = ? AND sender_id <> ? AND id > ? AND deleted = 0
		`
		args = []any{peerID, ownerID, afterID}
	} else {
		query = `
			SELECT COUNT(*) FROM messages
			WHERE kind = 'direct' AND sender_id = ? AND receiver_id = ? AND id > ? AND deleted = 0
		`
		args = []any{peerID, ownerID, afterID}
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r *MessageRepo) DirectPairs(ctx context.Context) ([][2]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT sender_id, receiver_id FROM messages WHERE kind = 'direct' AND deleted = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("direct pairs: %w", err)
	}
	defer rows.Close()

	var pairs [][2]int64
	for rows.Next() {
		var p [2]int64
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (r *MessageRepo) GroupIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT group_id FROM messages WHERE kind = 'group'
	`)
	if err != nil {
		return nil, fmt.Errorf("group ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *MessageRepo) VisibleMessages(ctx context.Context, ownerID int64, groupIDs []int64, beforeID int64, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE deleted = 0 AND id < ?
		  AND ((kind = 'direct' AND (sender_id = ? OR receiver_id = ?))`
	args := []any{beforeID, ownerID, ownerID}
	if len(groupIDs) > 0 {
		query += ` OR (kind = 'group' AND group_id IN (?` + strings.Repeat(", ?", len(groupIDs)-1) + `))`
		for _, gid := range groupIDs {
			args = append(args, gid)
		}
	}
	query += `)
		ORDER BY id DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("visible messages: %w", err)
	}
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var receiverID, groupID sql.NullInt64
	if err := row.Scan(
		&m.ID,
		&m.Kind,
		&m.SenderID,
		&receiverID,
		&groupID,
		&m.Content,
		&m.ContentType,
		&m.CreatedAt,
		&m.Recalled,
		&m.Deleted,
	); err != nil {
		return nil, err
	}
	m.ReceiverID = receiverID.Int64
	m.GroupID = groupID.Int64
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
