package domain

import "context"

// MessageRepository is the durable, append-only message store. It is the
// single source of truth: unread counters are derived state and must remain
// recomputable from messages plus read markers.
type MessageRepository interface {
	// Append persists m, assigning ID and CreatedAt. Implementations that own
	// the unread-counter table apply one counter increment per entry of
	// unreadOwners in the same transaction as the insert; callers using an
	// external counter backend pass nil and apply increments themselves.
	Append(ctx context.Context, m *Message, unreadOwners []int64) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	MarkRecalled(ctx context.Context, id int64) error
	SoftDelete(ctx context.Context, id int64) error

	// HistoryDirect and HistoryGroup page newest-first.
	HistoryDirect(ctx context.Context, userA, userB int64, offset, limit int) ([]*Message, error)
	HistoryGroup(ctx context.Context, groupID int64, offset, limit int) ([]*Message, error)

	// DirectSince returns non-deleted direct messages addressed to receiverID
	// with id > afterID, in ascending id order.
	DirectSince(ctx context.Context, receiverID, afterID int64) ([]*Message, error)

	// DeliveredCursor is the id of the newest direct message already handed to
	// the user through the offline-messages pull.
	DeliveredCursor(ctx context.Context, userID int64) (int64, error)
	AdvanceDeliveredCursor(ctx context.Context, userID, messageID int64) error

	// LatestID returns the newest message id in the conversation identified by
	// (ownerID, peerKey), or 0 when the conversation is empty.
	LatestID(ctx context.Context, ownerID int64, peerKey string) (int64, error)

	// CountUnread recomputes the unread count for (ownerID, peerKey): messages
	// addressed to the owner, not sent by the owner, with id > afterID.
	CountUnread(ctx context.Context, ownerID int64, peerKey string, afterID int64) (int64, error)

	// DirectPairs and GroupIDs enumerate conversations for the recovery pass.
	DirectPairs(ctx context.Context) ([][2]int64, error)
	GroupIDs(ctx context.Context) ([]int64, error)

	// VisibleMessages pages, newest first, the non-deleted messages the owner
	// can see: directs the owner sent or received, plus messages of the given
	// groups. Only ids below beforeID are returned; the search scan uses it as
	// a keyset cursor.
	VisibleMessages(ctx context.Context, ownerID int64, groupIDs []int64, beforeID int64, limit int) ([]*Message, error)
}

// UnreadRepository tracks per-(owner, peer) unread counters. Increment must be
// atomic at the storage level, never application-side read-modify-write.
type UnreadRepository interface {
	Increment(ctx context.Context, ownerID int64, peerKey string) error
	// Reset zeroes the counter; resetting an absent counter is a no-op.
	Reset(ctx context.Context, ownerID int64, peerKey string) error
	// Set overwrites the counter; used by the reconciliation pass.
	Set(ctx context.Context, ownerID int64, peerKey string, count int64) error
	Get(ctx context.Context, ownerID int64, peerKey string) (int64, error)
	GetAll(ctx context.Context, ownerID int64) (map[string]int64, error)
}

// ReadMarkerRepository persists the newest message id each user has read per
// conversation. Advance is monotonic: it never moves a marker backwards.
type ReadMarkerRepository interface {
	Get(ctx context.Context, ownerID int64, peerKey string) (int64, error)
	Advance(ctx context.Context, ownerID int64, peerKey string, messageID int64) error
}

// GroupDirectory is the collaborator-owned group membership view. The engine
// only reads it; ListMembers must return a single consistent snapshot.
type GroupDirectory interface {
	Exists(ctx context.Context, groupID int64) (bool, error)
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	GetMember(ctx context.Context, groupID, userID int64) (*GroupMember, error)
	ListMembers(ctx context.Context, groupID int64) ([]GroupMember, error)
	// GroupsOf lists the ids of every group the user belongs to.
	GroupsOf(ctx context.Context, userID int64) ([]int64, error)
}

// FriendDirectory is the collaborator-owned friendship/block view.
type FriendDirectory interface {
	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, userA, userB int64) (bool, error)
	ListFriends(ctx context.Context, userID int64) ([]int64, error)
}
