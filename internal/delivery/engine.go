package delivery

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"msghub/internal/domain"
	"msghub/internal/security"
)

// RecalledPlaceholder is served in place of recalled content. The original
// content stays in the store for audit but is never served again.
const RecalledPlaceholder = "This message was recalled"

// Presence is the live-push side of the presence manager as the engine sees
// it. PushToUser is fire-and-forget: it never blocks message persistence and
// offline recipients are a normal outcome, not an error.
type Presence interface {
	PushToUser(userID int64, event any) bool
	IsOnline(userID int64) bool
}

// Params wires an Engine.
type Params struct {
	Messages domain.MessageRepository
	Unread   domain.UnreadRepository
	Markers  domain.ReadMarkerRepository
	Groups   domain.GroupDirectory
	Friends  domain.FriendDirectory
	Presence Presence
	Fanout   *Fanout
	Crypt    *security.Encryptor

	// CoupledCounters is true when the unread repository shares the message
	// store, in which case Append applies counter increments in the same
	// transaction as the insert. With an external counter backend the
	// increments run after the insert and stay re-derivable via Reconcile.
	CoupledCounters bool

	RecallWindow           time.Duration
	AdminCanRecall         bool
	MuteSuppressesDelivery bool
	HistoryPageSize        int
	MaxContentLength       int
}

// Engine is the delivery state machine: it persists outbound messages,
// resolves recipients, applies unread accounting, and attempts live push.
type Engine struct {
	messages domain.MessageRepository
	unread   domain.UnreadRepository
	markers  domain.ReadMarkerRepository
	groups   domain.GroupDirectory
	friends  domain.FriendDirectory
	presence Presence
	fanout   *Fanout
	crypt    *security.Encryptor

	coupledCounters bool
	recallWindow    time.Duration
	adminCanRecall  bool
	muteSuppresses  bool
	pageSize        int
	maxContent      int
}

func NewEngine(p Params) *Engine {
	if p.HistoryPageSize <= 0 {
		p.HistoryPageSize = 20
	}
	if p.MaxContentLength <= 0 {
		p.MaxContentLength = 5000
	}
	return &Engine{
		messages:        p.Messages,
		unread:          p.Unread,
		markers:         p.Markers,
		groups:          p.Groups,
		friends:         p.Friends,
		presence:        p.Presence,
		fanout:          p.Fanout,
		crypt:           p.Crypt,
		coupledCounters: p.CoupledCounters,
		recallWindow:    p.RecallWindow,
		adminCanRecall:  p.AdminCanRecall,
		muteSuppresses:  p.MuteSuppressesDelivery,
		pageSize:        p.HistoryPageSize,
		maxContent:      p.MaxContentLength,
	}
}

// Frame builds a live-channel event frame.
func Frame(frameType string, payload any) map[string]any {
	return map[string]any{"type": frameType, "payload": payload}
}

func (e *Engine) validateContent(content string, ct domain.ContentType) (domain.ContentType, error) {
	if content == "" {
		return "", fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(content)) > e.maxContent {
		return "", fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, e.maxContent)
	}
	if ct == "" {
		ct = domain.ContentText
	}
	if !domain.ValidContentType(ct) {
		return "", fmt.Errorf("%w: unknown content type %q", domain.ErrInvalidInput, ct)
	}
	return ct, nil
}

// SendDirect persists a 1:1 message, applies the receiver's unread increment,
// and attempts live push to the receiver and to the sender's other sessions.
func (e *Engine) SendDirect(ctx context.Context, senderID, receiverID int64, content string, ct domain.ContentType) (*domain.Message, error) {
	ct, err := e.validateContent(content, ct)
	if err != nil {
		return nil, err
	}
	if receiverID <= 0 || receiverID == senderID {
		return nil, fmt.Errorf("%w: invalid receiver", domain.ErrInvalidInput)
	}

	blocked, err := e.friends.IsBlocked(ctx, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("check blocked: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("%w: recipient unavailable", domain.ErrForbidden)
	}

	encrypted, err := e.crypt.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	msg := &domain.Message{
		Kind:        domain.KindDirect,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     encrypted,
		ContentType: ct,
	}
	if err := e.persist(ctx, msg, []int64{receiverID}); err != nil {
		return nil, err
	}

	frame := Frame("message", e.ToResponse(msg))
	e.presence.PushToUser(receiverID, frame)
	// Echo to the sender's own sessions so other devices stay in sync.
	e.presence.PushToUser(senderID, frame)

	return msg, nil
}

// SendGroup persists a group message and fans it out to a consistent
// membership snapshot, excluding the sender. Partial live delivery is normal:
// members without a live session are covered by unread counters and history.
func (e *Engine) SendGroup(ctx context.Context, senderID, groupID int64, content string, ct domain.ContentType) (*domain.Message, error) {
	ct, err := e.validateContent(content, ct)
	if err != nil {
		return nil, err
	}
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: invalid group", domain.ErrInvalidInput)
	}

	members, err := e.fanout.Expand(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("expand group %d: %w", groupID, err)
	}
	var sender *domain.GroupMember
	for i := range members {
		if members[i].UserID == senderID {
			sender = &members[i]
			break
		}
	}
	if sender == nil {
		ok, err := e.groups.Exists(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("check group %d: %w", groupID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: group %d", domain.ErrNotFound, groupID)
		}
		return nil, fmt.Errorf("%w: not a member of group %d", domain.ErrForbidden, groupID)
	}
	if sender.Muted {
		return nil, fmt.Errorf("%w: muted in group %d", domain.ErrForbidden, groupID)
	}

	recipients := make([]int64, 0, len(members)-1)
	for _, m := range members {
		if m.UserID == senderID {
			continue
		}
		if e.muteSuppresses && m.Muted {
			continue
		}
		recipients = append(recipients, m.UserID)
	}

	encrypted, err := e.crypt.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	msg := &domain.Message{
		Kind:        domain.KindGroup,
		SenderID:    senderID,
		GroupID:     groupID,
		Content:     encrypted,
		ContentType: ct,
	}
	if err := e.persist(ctx, msg, recipients); err != nil {
		return nil, err
	}

	frame := Frame("message", e.ToResponse(msg))
	for _, uid := range recipients {
		e.presence.PushToUser(uid, frame)
	}
	e.presence.PushToUser(senderID, frame)

	return msg, nil
}

// persist appends the message and applies unread increments. A storage
// failure aborts before any counter mutation and surfaces Unavailable so the
// transport can retry.
func (e *Engine) persist(ctx context.Context, msg *domain.Message, recipients []int64) error {
	if e.coupledCounters {
		if err := e.messages.Append(ctx, msg, recipients); err != nil {
			return fmt.Errorf("%w: persist message: %v", domain.ErrUnavailable, err)
		}
		return nil
	}
	if err := e.messages.Append(ctx, msg, nil); err != nil {
		return fmt.Errorf("%w: persist message: %v", domain.ErrUnavailable, err)
	}
	for _, uid := range recipients {
		if err := e.unread.Increment(ctx, uid, msg.PeerKey(uid)); err != nil {
			// Counters are derived state; Reconcile rebuilds them from the
			// store, so a failed increment is logged rather than fatal.
			log.Printf("delivery: unread increment for user %d: %v", uid, err)
		}
	}
	return nil
}

// Recall retracts a message's visible content. Only the sender may recall,
// within the recall window; group owners/admins may recall members' messages
// when that policy is enabled. Unread counters are not adjusted retroactively.
func (e *Engine) Recall(ctx context.Context, actorID, messageID int64) (*domain.Message, error) {
	msg, err := e.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg == nil || msg.Deleted {
		return nil, fmt.Errorf("%w: message %d", domain.ErrNotFound, messageID)
	}
	if msg.Recalled {
		return nil, fmt.Errorf("%w: message %d already recalled", domain.ErrConflict, messageID)
	}

	if err := e.authorizeRecall(ctx, actorID, msg); err != nil {
		return nil, err
	}

	if err := e.messages.MarkRecalled(ctx, messageID); err != nil {
		return nil, fmt.Errorf("%w: mark recalled: %v", domain.ErrUnavailable, err)
	}
	msg.Recalled = true

	frame := Frame("recall", map[string]any{
		"message_id": msg.ID,
		"actor_id":   actorID,
	})
	if msg.Kind == domain.KindGroup {
		if members, err := e.fanout.Expand(ctx, msg.GroupID); err == nil {
			for _, m := range members {
				e.presence.PushToUser(m.UserID, frame)
			}
		}
	} else {
		e.presence.PushToUser(msg.SenderID, frame)
		e.presence.PushToUser(msg.ReceiverID, frame)
	}

	return msg, nil
}

func (e *Engine) authorizeRecall(ctx context.Context, actorID int64, msg *domain.Message) error {
	if msg.SenderID == actorID {
		if e.recallWindow > 0 && time.Since(msg.CreatedAt) > e.recallWindow {
			return fmt.Errorf("%w: recall window expired", domain.ErrForbidden)
		}
		return nil
	}
	if msg.Kind == domain.KindGroup && e.adminCanRecall {
		gm, err := e.groups.GetMember(ctx, msg.GroupID, actorID)
		if err != nil {
			return fmt.Errorf("get member: %w", err)
		}
		if gm != nil && gm.CanRecall() {
			return nil
		}
	}
	return fmt.Errorf("%w: only the sender may recall", domain.ErrForbidden)
}

// Delete soft-deletes a message for everyone. Sender-only; deleted messages
// disappear from history and offline reads but stay in the store. Recipient
// unread counters are recomputed so a delete never leaves a phantom badge.
func (e *Engine) Delete(ctx context.Context, actorID, messageID int64) error {
	msg, err := e.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg == nil || msg.Deleted {
		return fmt.Errorf("%w: message %d", domain.ErrNotFound, messageID)
	}
	if msg.SenderID != actorID {
		return fmt.Errorf("%w: only the sender may delete", domain.ErrForbidden)
	}
	if err := e.messages.SoftDelete(ctx, messageID); err != nil {
		return fmt.Errorf("%w: soft delete: %v", domain.ErrUnavailable, err)
	}
	e.refreshCounters(ctx, msg)
	return nil
}

// refreshCounters recomputes the unread counters the message had incremented.
// CountUnread excludes deleted rows, so the recompute drops the deleted
// message's contribution. Counters are derived state; failures are logged and
// left for Reconcile.
func (e *Engine) refreshCounters(ctx context.Context, msg *domain.Message) {
	if msg.Kind == domain.KindDirect {
		key := domain.DirectPeerKey(msg.SenderID)
		if err := e.reconcileCounter(ctx, msg.ReceiverID, key); err != nil {
			log.Printf("delivery: refresh unread for user %d: %v", msg.ReceiverID, err)
		}
		return
	}
	members, err := e.groups.ListMembers(ctx, msg.GroupID)
	if err != nil {
		log.Printf("delivery: refresh unread for group %d: %v", msg.GroupID, err)
		return
	}
	key := domain.GroupPeerKey(msg.GroupID)
	for _, m := range members {
		if m.UserID == msg.SenderID {
			continue
		}
		if err := e.reconcileCounter(ctx, m.UserID, key); err != nil {
			log.Printf("delivery: refresh unread for user %d: %v", m.UserID, err)
		}
	}
}

// History returns one page of conversation history, newest first.
func (e *Engine) History(ctx context.Context, callerID int64, peerKey string, page, size int) ([]*domain.Message, error) {
	kind, id, err := domain.ParsePeerKey(peerKey)
	if err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 100 {
		size = e.pageSize
	}
	offset := page * size

	if kind == domain.KindGroup {
		member, err := e.groups.IsMember(ctx, id, callerID)
		if err != nil {
			return nil, fmt.Errorf("check member: %w", err)
		}
		if !member {
			return nil, fmt.Errorf("%w: not a member of group %d", domain.ErrForbidden, id)
		}
		return e.messages.HistoryGroup(ctx, id, offset, size)
	}
	return e.messages.HistoryDirect(ctx, callerID, id, offset, size)
}

// searchBatchSize is how many stored messages one search iteration scans.
const searchBatchSize = 200

// Search scans the caller's conversations for messages containing the query,
// newest first. Content is encrypted at rest, so matching happens after
// decryption in the engine rather than in the store. A non-empty peerKey
// narrows the scan to one conversation; recalled messages never match.
func (e *Engine) Search(ctx context.Context, callerID int64, peerKey, query string, page, size int) ([]*MessageResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query cannot be empty", domain.ErrInvalidInput)
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 100 {
		size = e.pageSize
	}

	if peerKey != "" {
		kind, id, err := domain.ParsePeerKey(peerKey)
		if err != nil {
			return nil, err
		}
		if kind == domain.KindGroup {
			member, err := e.groups.IsMember(ctx, id, callerID)
			if err != nil {
				return nil, fmt.Errorf("check member: %w", err)
			}
			if !member {
				return nil, fmt.Errorf("%w: not a member of group %d", domain.ErrForbidden, id)
			}
		}
	}

	groupIDs, err := e.groups.GroupsOf(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	needle := strings.ToLower(query)
	offset := page * size
	matches := make([]*MessageResponse, 0, size)
	skipped := 0
	beforeID := int64(math.MaxInt64)
	for {
		batch, err := e.messages.VisibleMessages(ctx, callerID, groupIDs, beforeID, searchBatchSize)
		if err != nil {
			return nil, fmt.Errorf("scan messages: %w", err)
		}
		for _, m := range batch {
			if m.Recalled {
				continue
			}
			if peerKey != "" && m.PeerKey(callerID) != peerKey {
				continue
			}
			dec, err := e.crypt.Decrypt(m.Content)
			if err != nil {
				continue
			}
			if !strings.Contains(strings.ToLower(dec), needle) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			matches = append(matches, e.ToResponse(m))
			if len(matches) == size {
				return matches, nil
			}
		}
		if len(batch) < searchBatchSize {
			return matches, nil
		}
		beforeID = batch[len(batch)-1].ID
	}
}

// OfflineMessages returns direct messages that arrived since the user's last
// offline pull, in ascending id order, and advances the delivered cursor.
// Redelivery after a failed cursor advance is acceptable: message ids are the
// client's de-duplication key.
func (e *Engine) OfflineMessages(ctx context.Context, userID int64) ([]*domain.Message, error) {
	cursor, err := e.messages.DeliveredCursor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("delivered cursor: %w", err)
	}
	msgs, err := e.messages.DirectSince(ctx, userID, cursor)
	if err != nil {
		return nil, fmt.Errorf("offline messages: %w", err)
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1].ID
		if err := e.messages.AdvanceDeliveredCursor(ctx, userID, last); err != nil {
			log.Printf("delivery: advance delivered cursor for user %d: %v", userID, err)
		}
	}
	return msgs, nil
}

// MarkRead advances the caller's read marker to the conversation's newest
// message and resets the unread counter. Idempotent.
func (e *Engine) MarkRead(ctx context.Context, callerID int64, peerKey string) error {
	kind, id, err := domain.ParsePeerKey(peerKey)
	if err != nil {
		return err
	}
	if kind == domain.KindGroup {
		member, err := e.groups.IsMember(ctx, id, callerID)
		if err != nil {
			return fmt.Errorf("check member: %w", err)
		}
		if !member {
			return fmt.Errorf("%w: not a member of group %d", domain.ErrForbidden, id)
		}
	}

	latest, err := e.messages.LatestID(ctx, callerID, peerKey)
	if err != nil {
		return fmt.Errorf("latest message id: %w", err)
	}
	if latest > 0 {
		if err := e.markers.Advance(ctx, callerID, peerKey, latest); err != nil {
			return fmt.Errorf("%w: advance read marker: %v", domain.ErrUnavailable, err)
		}
	}
	if err := e.unread.Reset(ctx, callerID, peerKey); err != nil {
		return fmt.Errorf("%w: reset unread: %v", domain.ErrUnavailable, err)
	}

	if kind == domain.KindDirect {
		// Read receipt for the peer, badge sync for the reader's own devices.
		e.presence.PushToUser(id, Frame("read", map[string]any{
			"peer_key":  domain.DirectPeerKey(callerID),
			"reader_id": callerID,
		}))
		e.presence.PushToUser(callerID, Frame("read", map[string]any{
			"peer_key":  peerKey,
			"reader_id": callerID,
		}))
	} else {
		e.presence.PushToUser(callerID, Frame("read", map[string]any{
			"peer_key":  peerKey,
			"reader_id": callerID,
		}))
	}
	return nil
}

// UnreadCounts returns every non-zero unread counter owned by the user.
func (e *Engine) UnreadCounts(ctx context.Context, userID int64) (map[string]int64, error) {
	return e.unread.GetAll(ctx, userID)
}

// NotifyTyping forwards a transient typing indicator; nothing is persisted.
func (e *Engine) NotifyTyping(ctx context.Context, senderID int64, peerKey string) error {
	kind, id, err := domain.ParsePeerKey(peerKey)
	if err != nil {
		return err
	}
	frame := Frame("typing", map[string]any{
		"peer_key": domain.DirectPeerKey(senderID),
		"user_id":  senderID,
	})
	if kind == domain.KindDirect {
		e.presence.PushToUser(id, frame)
		return nil
	}
	members, err := e.fanout.Expand(ctx, id)
	if err != nil {
		return fmt.Errorf("expand group %d: %w", id, err)
	}
	groupFrame := Frame("typing", map[string]any{
		"peer_key": peerKey,
		"user_id":  senderID,
	})
	for _, m := range members {
		if m.UserID != senderID {
			e.presence.PushToUser(m.UserID, groupFrame)
		}
	}
	return nil
}

// BroadcastPresence notifies the user's friends of an online/offline
// transition.
func (e *Engine) BroadcastPresence(ctx context.Context, userID int64, online bool) {
	friends, err := e.friends.ListFriends(ctx, userID)
	if err != nil {
		log.Printf("delivery: list friends of %d: %v", userID, err)
		return
	}
	frame := Frame("status", map[string]any{
		"user_id": userID,
		"online":  online,
	})
	for _, fid := range friends {
		e.presence.PushToUser(fid, frame)
	}
}

// InvalidateGroup drops the cached membership snapshot; called on
// membership-change notifications from the directory collaborator.
func (e *Engine) InvalidateGroup(groupID int64) {
	e.fanout.Invalidate(groupID)
}

// Reconcile recomputes every unread counter from the message store and read
// markers. Run at startup after an unclean shutdown, or whenever a derived
// counter backend may have drifted.
func (e *Engine) Reconcile(ctx context.Context) error {
	pairs, err := e.messages.DirectPairs(ctx)
	if err != nil {
		return fmt.Errorf("direct pairs: %w", err)
	}
	for _, p := range pairs {
		sender, receiver := p[0], p[1]
		key := domain.DirectPeerKey(sender)
		if err := e.reconcileCounter(ctx, receiver, key); err != nil {
			return err
		}
	}

	groupIDs, err := e.messages.GroupIDs(ctx)
	if err != nil {
		return fmt.Errorf("group ids: %w", err)
	}
	for _, gid := range groupIDs {
		members, err := e.groups.ListMembers(ctx, gid)
		if err != nil {
			return fmt.Errorf("list members of %d: %w", gid, err)
		}
		key := domain.GroupPeerKey(gid)
		for _, m := range members {
			if err := e.reconcileCounter(ctx, m.UserID, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) reconcileCounter(ctx context.Context, ownerID int64, peerKey string) error {
	marker, err := e.markers.Get(ctx, ownerID, peerKey)
	if err != nil {
		return fmt.Errorf("read marker (%d, %s): %w", ownerID, peerKey, err)
	}
	n, err := e.messages.CountUnread(ctx, ownerID, peerKey, marker)
	if err != nil {
		return fmt.Errorf("count unread (%d, %s): %w", ownerID, peerKey, err)
	}
	if err := e.unread.Set(ctx, ownerID, peerKey, n); err != nil {
		return fmt.Errorf("set unread (%d, %s): %w", ownerID, peerKey, err)
	}
	return nil
}

// MessageResponse is the wire representation of a message: content decrypted,
// recalled content replaced by the placeholder.
type MessageResponse struct {
	ID          int64                   `json:"id"`
	Kind        domain.ConversationKind `json:"kind"`
	SenderID    int64                   `json:"sender_id"`
	ReceiverID  int64                   `json:"receiver_id,omitempty"`
	GroupID     int64                   `json:"group_id,omitempty"`
	Content     string                  `json:"content"`
	ContentType domain.ContentType      `json:"content_type"`
	CreatedAt   time.Time               `json:"created_at"`
	Recalled    bool                    `json:"recalled"`
}

// ToResponse converts a stored message for serving.
func (e *Engine) ToResponse(m *domain.Message) *MessageResponse {
	content := RecalledPlaceholder
	if !m.Recalled {
		if dec, err := e.crypt.Decrypt(m.Content); err == nil {
			content = dec
		} else {
			content = ""
		}
	}
	return &MessageResponse{
		ID:          m.ID,
		Kind:        m.Kind,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		GroupID:     m.GroupID,
		Content:     content,
		ContentType: m.ContentType,
		CreatedAt:   m.CreatedAt,
		Recalled:    m.Recalled,
	}
}

// ToResponses converts a batch.
func (e *Engine) ToResponses(msgs []*domain.Message) []*MessageResponse {
	res := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		res = append(res, e.ToResponse(m))
	}
	return res
}
