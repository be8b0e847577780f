package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"msghub/internal/domain"
)

// DirectoryRepo reads the collaborator-owned group and friendship tables. The
// engine never writes them; a single SELECT per call gives the consistent
// membership snapshot the fan-out path requires.
type DirectoryRepo struct {
	db *sql.DB
}

func NewDirectoryRepo(db *sql.DB) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

var (
	_ domain.GroupDirectory  = (*DirectoryRepo)(nil)
	_ domain.FriendDirectory = (*DirectoryRepo)(nil)
)

func (r *DirectoryRepo) Exists(ctx context.Context, groupID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM chat_groups WHERE id = ?`, groupID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("group exists: %w", err)
	}
	return true, nil
}

func (r *DirectoryRepo) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return true, nil
}

func (r *DirectoryRepo) GetMember(ctx context.Context, groupID, userID int64) (*domain.GroupMember, error) {
	gm := &domain.GroupMember{}
	err := r.db.QueryRowContext(ctx, `
		SELECT group_id, user_id, role, muted FROM group_members
		WHERE group_id = ? AND user_id = ?
	`, groupID, userID).Scan(&gm.GroupID, &gm.UserID, &gm.Role, &gm.Muted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return gm, nil
}

func (r *DirectoryRepo) ListMembers(ctx context.Context, groupID int64) ([]domain.GroupMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id, user_id, role, muted FROM group_members
		WHERE group_id = ?
		ORDER BY user_id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		var gm domain.GroupMember
		if err := rows.Scan(&gm.GroupID, &gm.UserID, &gm.Role, &gm.Muted); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, gm)
	}
	return members, rows.Err()
}

func (r *DirectoryRepo) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id FROM group_members WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("groups of: %w", err)
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

func (r *DirectoryRepo) IsBlocked(ctx context.Context, userA, userB int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM blocked_users
		WHERE (user_id = ? AND blocked_user_id = ?) OR (user_id = ? AND blocked_user_id = ?)
	`, userA, userB, userB, userA).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is blocked: %w", err)
	}
	return true, nil
}

func (r *DirectoryRepo) ListFriends(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT friend_id FROM friendships WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
