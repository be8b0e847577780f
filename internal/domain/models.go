package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConversationKind distinguishes direct (1:1) from group messages.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ContentType enumerates supported message payload types.
type ContentType string

const (
	ContentText   ContentType = "TEXT"
	ContentImage  ContentType = "IMAGE"
	ContentFile   ContentType = "FILE"
	ContentAudio  ContentType = "AUDIO"
	ContentVideo  ContentType = "VIDEO"
	ContentEmoji  ContentType = "EMOJI"
	ContentSystem ContentType = "SYSTEM"
)

// ValidContentType reports whether t is a recognized content type.
func ValidContentType(t ContentType) bool {
	switch t {
	case ContentText, ContentImage, ContentFile, ContentAudio, ContentVideo, ContentEmoji, ContentSystem:
		return true
	}
	return false
}

// Message is a single chat message, direct or group. ID and CreatedAt are
// assigned by the store and are immutable once persisted; only Recalled and
// Deleted may change afterwards. Content is encrypted at rest.
type Message struct {
	ID          int64            `db:"id" json:"id"`
	Kind        ConversationKind `db:"kind" json:"kind"`
	SenderID    int64            `db:"sender_id" json:"sender_id"`
	ReceiverID  int64            `db:"receiver_id" json:"receiver_id,omitempty"`
	GroupID     int64            `db:"group_id" json:"group_id,omitempty"`
	Content     string           `db:"content" json:"content"`
	ContentType ContentType      `db:"content_type" json:"content_type"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	Recalled    bool             `db:"recalled" json:"recalled"`
	Deleted     bool             `db:"deleted" json:"-"`
}

// PeerKey returns the conversation key from the perspective of ownerID: the
// other party for direct messages, the group for group messages.
func (m *Message) PeerKey(ownerID int64) string {
	if m.Kind == KindGroup {
		return GroupPeerKey(m.GroupID)
	}
	if m.SenderID == ownerID {
		return DirectPeerKey(m.ReceiverID)
	}
	return DirectPeerKey(m.SenderID)
}

// MemberRole is the role of a user within a group.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// GroupMember is one row of a group membership snapshot. Membership is owned
// by the group-directory collaborator; the engine only reads it.
type GroupMember struct {
	GroupID int64      `db:"group_id"`
	UserID  int64      `db:"user_id"`
	Role    MemberRole `db:"role"`
	Muted   bool       `db:"muted"`
}

// CanRecall reports whether the member's role allows recalling other
// members' messages.
func (gm *GroupMember) CanRecall() bool {
	return gm.Role == RoleOwner || gm.Role == RoleAdmin
}

// ReadMarker records the newest message a user has read in a conversation.
type ReadMarker struct {
	OwnerID    int64  `db:"owner_id"`
	PeerKey    string `db:"peer_key"`
	LastReadID int64  `db:"last_read_id"`
}

// Peer keys identify the far side of a conversation as an opaque string:
// "u:<id>" for a direct peer, "g:<id>" for a group. Unread counters and read
// markers are keyed by (owner, peer key).

func DirectPeerKey(userID int64) string { return "u:" + strconv.FormatInt(userID, 10) }

func GroupPeerKey(groupID int64) string { return "g:" + strconv.FormatInt(groupID, 10) }

// ParsePeerKey splits a peer key into its kind and numeric id.
func ParsePeerKey(key string) (ConversationKind, int64, error) {
	rest, ok := strings.CutPrefix(key, "u:")
	kind := KindDirect
	if !ok {
		rest, ok = strings.CutPrefix(key, "g:")
		kind = KindGroup
	}
	if !ok {
		return "", 0, fmt.Errorf("%w: malformed peer key %q", ErrInvalidInput, key)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: malformed peer key %q", ErrInvalidInput, key)
	}
	return kind, id, nil
}
