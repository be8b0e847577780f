package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"msghub/internal/delivery"
	"msghub/internal/domain"
	"msghub/internal/security"
)

// Mocks

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Append(ctx context.Context, msg *domain.Message, unreadOwners []int64) error {
	args := m.Called(ctx, msg, unreadOwners)
	if args.Error(0) == nil && msg.ID == 0 {
		msg.ID = 1
		msg.CreatedAt = time.Now().UTC()
	}
	return args.Error(0)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) MarkRecalled(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMessageRepo) SoftDelete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMessageRepo) HistoryDirect(ctx context.Context, userA, userB int64, offset, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, userA, userB, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) HistoryGroup(ctx context.Context, groupID int64, offset, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, groupID, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) DirectSince(ctx context.Context, receiverID, afterID int64) ([]*domain.Message, error) {
	args := m.Called(ctx, receiverID, afterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) DeliveredCursor(ctx context.Context, userID int64) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepo) AdvanceDeliveredCursor(ctx context.Context, userID, messageID int64) error {
	args := m.Called(ctx, userID, messageID)
	return args.Error(0)
}

func (m *MockMessageRepo) LatestID(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	args := m.Called(ctx, ownerID, peerKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepo) CountUnread(ctx context.Context, ownerID int64, peerKey string, afterID int64) (int64, error) {
	args := m.Called(ctx, ownerID, peerKey, afterID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepo) DirectPairs(ctx context.Context) ([][2]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][2]int64), args.Error(1)
}

func (m *MockMessageRepo) GroupIDs(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockMessageRepo) VisibleMessages(ctx context.Context, ownerID int64, groupIDs []int64, beforeID int64, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, ownerID, groupIDs, beforeID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

type MockUnreadRepo struct {
	mock.Mock
}

func (m *MockUnreadRepo) Increment(ctx context.Context, ownerID int64, peerKey string) error {
	args := m.Called(ctx, ownerID, peerKey)
	return args.Error(0)
}

func (m *MockUnreadRepo) Reset(ctx context.Context, ownerID int64, peerKey string) error {
	args := m.Called(ctx, ownerID, peerKey)
	return args.Error(0)
}

func (m *MockUnreadRepo) Set(ctx context.Context, ownerID int64, peerKey string, count int64) error {
	args := m.Called(ctx, ownerID, peerKey, count)
	return args.Error(0)
}

func (m *MockUnreadRepo) Get(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	args := m.Called(ctx, ownerID, peerKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUnreadRepo) GetAll(ctx context.Context, ownerID int64) (map[string]int64, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

type MockMarkerRepo struct {
	mock.Mock
}

func (m *MockMarkerRepo) Get(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	args := m.Called(ctx, ownerID, peerKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMarkerRepo) Advance(ctx context.Context, ownerID int64, peerKey string, messageID int64) error {
	args := m.Called(ctx, ownerID, peerKey, messageID)
	return args.Error(0)
}

type MockGroupDirectory struct {
	mock.Mock
}

func (m *MockGroupDirectory) Exists(ctx context.Context, groupID int64) (bool, error) {
	args := m.Called(ctx, groupID)
	return args.Bool(0), args.Error(1)
}

func (m *MockGroupDirectory) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockGroupDirectory) GetMember(ctx context.Context, groupID, userID int64) (*domain.GroupMember, error) {
	args := m.Called(ctx, groupID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GroupMember), args.Error(1)
}

func (m *MockGroupDirectory) ListMembers(ctx context.Context, groupID int64) ([]domain.GroupMember, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.GroupMember), args.Error(1)
}

func (m *MockGroupDirectory) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

type MockFriendDirectory struct {
	mock.Mock
}

func (m *MockFriendDirectory) IsBlocked(ctx context.Context, userA, userB int64) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

func (m *MockFriendDirectory) ListFriends(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

// fakePresence records pushes instead of delivering them. Concurrent group
// sends push through it, so the maps are mutex-guarded.
type fakePresence struct {
	mu     sync.Mutex
	online map[int64]bool
	pushed map[int64][]any
}

func newFakePresence(online ...int64) *fakePresence {
	p := &fakePresence{
		online: make(map[int64]bool),
		pushed: make(map[int64][]any),
	}
	for _, uid := range online {
		p.online[uid] = true
	}
	return p
}

func (p *fakePresence) PushToUser(userID int64, event any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed[userID] = append(p.pushed[userID], event)
	return p.online[userID]
}

func (p *fakePresence) IsOnline(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

type engineFixture struct {
	messages *MockMessageRepo
	unread   *MockUnreadRepo
	markers  *MockMarkerRepo
	groups   *MockGroupDirectory
	friends  *MockFriendDirectory
	presence *fakePresence
	engine   *delivery.Engine
}

func newFixture(t *testing.T, configure func(p *delivery.Params)) *engineFixture {
	t.Helper()

	f := &engineFixture{
		messages: new(MockMessageRepo),
		unread:   new(MockUnreadRepo),
		markers:  new(MockMarkerRepo),
		groups:   new(MockGroupDirectory),
		friends:  new(MockFriendDirectory),
		presence: newFakePresence(),
	}
	crypt, err := security.NewEncryptor([]byte("test-key"))
	assert.NoError(t, err)

	params := delivery.Params{
		Messages:        f.messages,
		Unread:          f.unread,
		Markers:         f.markers,
		Groups:          f.groups,
		Friends:         f.friends,
		Presence:        f.presence,
		Fanout:          delivery.NewFanout(f.groups, 0),
		Crypt:           crypt,
		CoupledCounters: true,
		RecallWindow:    2 * time.Minute,
	}
	if configure != nil {
		configure(&params)
	}
	f.engine = delivery.NewEngine(params)
	return f
}

func TestSendDirect(t *testing.T) {
	ctx := context.Background()

	t.Run("PersistsAndPushes", func(t *testing.T) {
		f := newFixture(t, nil)
		f.friends.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
		f.messages.On("Append", mock.Anything, mock.Anything, []int64{2}).Return(nil)

		msg, err := f.engine.SendDirect(ctx, 1, 2, "hello", domain.ContentText)
		assert.NoError(t, err)
		assert.NotNil(t, msg)
		assert.Equal(t, domain.KindDirect, msg.Kind)
		assert.NotEqual(t, "hello", msg.Content, "stored content must be encrypted")

		// receiver gets the frame, sender's other devices get an echo
		assert.Len(t, f.presence.pushed[2], 1)
		assert.Len(t, f.presence.pushed[1], 1)
		f.messages.AssertExpectations(t)
	})

	t.Run("OfflineReceiverAccumulatesUnread", func(t *testing.T) {
		f := newFixture(t, nil)
		f.friends.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
		f.messages.On("Append", mock.Anything, mock.Anything, []int64{2}).Return(nil).Times(3)

		for i := 0; i < 3; i++ {
			_, err := f.engine.SendDirect(ctx, 1, 2, "hi", domain.ContentText)
			assert.NoError(t, err)
		}
		// every append carried the receiver as unread owner
		f.messages.AssertNumberOfCalls(t, "Append", 3)
	})

	t.Run("BlockedPair", func(t *testing.T) {
		f := newFixture(t, nil)
		f.friends.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(true, nil)

		_, err := f.engine.SendDirect(ctx, 1, 2, "hello", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrForbidden)
		f.messages.AssertNotCalled(t, "Append", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("EmptyContent", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.SendDirect(ctx, 1, 2, "", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("UnknownContentType", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.SendDirect(ctx, 1, 2, "hello", domain.ContentType("GIF"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("SelfSend", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.SendDirect(ctx, 1, 1, "hello", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("StoreFailureIsUnavailable", func(t *testing.T) {
		f := newFixture(t, nil)
		f.friends.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
		f.messages.On("Append", mock.Anything, mock.Anything, []int64{2}).Return(errors.New("disk full"))

		_, err := f.engine.SendDirect(ctx, 1, 2, "hello", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrUnavailable)
		// nothing was pushed for a message that was never persisted
		assert.Empty(t, f.presence.pushed[2])
	})

	t.Run("DecoupledCountersIncrementAfterAppend", func(t *testing.T) {
		f := newFixture(t, func(p *delivery.Params) {
			p.CoupledCounters = false
		})
		f.friends.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
		f.messages.On("Append", mock.Anything, mock.Anything, []int64(nil)).Return(nil)
		f.unread.On("Increment", mock.Anything, int64(2), domain.DirectPeerKey(1)).Return(nil)

		_, err := f.engine.SendDirect(ctx, 1, 2, "hello", domain.ContentText)
		assert.NoError(t, err)
		f.unread.AssertExpectations(t)
	})
}

func TestSendGroup(t *testing.T) {
	ctx := context.Background()
	members := []domain.GroupMember{
		{GroupID: 10, UserID: 1, Role: domain.RoleOwner},
		{GroupID: 10, UserID: 2, Role: domain.RoleMember},
		{GroupID: 10, UserID: 3, Role: domain.RoleMember},
		{GroupID: 10, UserID: 4, Role: domain.RoleMember, Muted: true},
	}

	t.Run("FansOutToEveryoneButSender", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return(members, nil)
		f.messages.On("Append", mock.Anything, mock.Anything, []int64{2, 3, 4}).Return(nil)

		msg, err := f.engine.SendGroup(ctx, 1, 10, "hello all", domain.ContentText)
		assert.NoError(t, err)
		assert.Equal(t, domain.KindGroup, msg.Kind)

		assert.Len(t, f.presence.pushed[2], 1)
		assert.Len(t, f.presence.pushed[3], 1)
		assert.Len(t, f.presence.pushed[4], 1)
		assert.Len(t, f.presence.pushed[1], 1, "sender echo")
		f.messages.AssertExpectations(t)
	})

	t.Run("MutedMembersSkippedWhenPolicyEnabled", func(t *testing.T) {
		f := newFixture(t, func(p *delivery.Params) {
			p.MuteSuppressesDelivery = true
		})
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return(members, nil)
		f.messages.On("Append", mock.Anything, mock.Anything, []int64{2, 3}).Return(nil)

		_, err := f.engine.SendGroup(ctx, 1, 10, "hello", domain.ContentText)
		assert.NoError(t, err)
		assert.Empty(t, f.presence.pushed[4])
	})

	t.Run("MutedSenderForbidden", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return(members, nil)

		_, err := f.engine.SendGroup(ctx, 4, 10, "hello", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("NonMemberForbidden", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return(members, nil)
		f.groups.On("Exists", mock.Anything, int64(10)).Return(true, nil)

		_, err := f.engine.SendGroup(ctx, 99, 10, "hello", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("UnknownGroupNotFound", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("ListMembers", mock.Anything, int64(77)).Return([]domain.GroupMember{}, nil)
		f.groups.On("Exists", mock.Anything, int64(77)).Return(false, nil)

		_, err := f.engine.SendGroup(ctx, 1, 77, "hello", domain.ContentText)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRecall(t *testing.T) {
	ctx := context.Background()

	direct := func(age time.Duration) *domain.Message {
		return &domain.Message{
			ID:         5,
			Kind:       domain.KindDirect,
			SenderID:   1,
			ReceiverID: 2,
			Content:    "x",
			CreatedAt:  time.Now().UTC().Add(-age),
		}
	}

	t.Run("SenderWithinWindow", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.On("GetByID", mock.Anything, int64(5)).Return(direct(30*time.Second), nil)
		f.messages.On("MarkRecalled", mock.Anything, int64(5)).Return(nil)

		msg, err := f.engine.Recall(ctx, 1, 5)
		assert.NoError(t, err)
		assert.True(t, msg.Recalled)
		assert.Len(t, f.presence.pushed[2], 1)
	})

	t.Run("WindowExpired", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.On("GetByID", mock.Anything, int64(5)).Return(direct(3*time.Minute), nil)

		_, err := f.engine.Recall(ctx, 1, 5)
		assert.ErrorIs(t, err, domain.ErrForbidden)
		f.messages.AssertNotCalled(t, "MarkRecalled", mock.Anything, mock.Anything)
	})

	t.Run("NotTheSender", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.On("GetByID", mock.Anything, int64(5)).Return(direct(10*time.Second), nil)

		_, err := f.engine.Recall(ctx, 2, 5)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("AlreadyRecalled", func(t *testing.T) {
		f := newFixture(t, nil)
		m := direct(10 * time.Second)
		m.Recalled = true
		f.messages.On("GetByID", mock.Anything, int64(5)).Return(m, nil)

		_, err := f.engine.Recall(ctx, 1, 5)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.On("GetByID", mock.Anything, int64(5)).Return(nil, nil)

		_, err := f.engine.Recall(ctx, 1, 5)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("GroupAdminWithPolicy", func(t *testing.T) {
		f := newFixture(t, func(p *delivery.Params) {
			p.AdminCanRecall = true
		})
		m := &domain.Message{
			ID:        6,
			Kind:      domain.KindGroup,
			SenderID:  3,
			GroupID:   10,
			Content:   "x",
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		}
		f.messages.On("GetByID", mock.Anything, int64(6)).Return(m, nil)
		f.groups.On("GetMember", mock.Anything, int64(10), int64(1)).
			Return(&domain.GroupMember{GroupID: 10, UserID: 1, Role: domain.RoleAdmin}, nil)
		f.messages.On("MarkRecalled", mock.Anything, int64(6)).Return(nil)
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return([]domain.GroupMember{
			{GroupID: 10, UserID: 1}, {GroupID: 10, UserID: 3},
		}, nil)

		msg, err := f.engine.Recall(ctx, 1, 6)
		assert.NoError(t, err)
		assert.True(t, msg.Recalled)
	})

	t.Run("GroupAdminWithoutPolicy", func(t *testing.T) {
		f := newFixture(t, nil)
		m := &domain.Message{
			ID:        6,
			Kind:      domain.KindGroup,
			SenderID:  3,
			GroupID:   10,
			Content:   "x",
			CreatedAt: time.Now().UTC(),
		}
		f.messages.On("GetByID", mock.Anything, int64(6)).Return(m, nil)

		_, err := f.engine.Recall(ctx, 1, 6)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m := &domain.Message{ID: 7, Kind: domain.KindDirect, SenderID: 1, ReceiverID: 2}

	t.Run("SenderDeletes", func(t *testing.T) {
		f := newFixture(t, nil)
		key := domain.DirectPeerKey(1)
		f.messages.On("GetByID", mock.Anything, int64(7)).Return(m, nil)
		f.messages.On("SoftDelete", mock.Anything, int64(7)).Return(nil)
		f.markers.On("Get", mock.Anything, int64(2), key).Return(int64(0), nil)
		f.messages.On("CountUnread", mock.Anything, int64(2), key, int64(0)).Return(int64(0), nil)
		f.unread.On("Set", mock.Anything, int64(2), key, int64(0)).Return(nil)

		assert.NoError(t, f.engine.Delete(ctx, 1, 7))
	})

	t.Run("RecipientCounterRecomputedWithoutDeletedRow", func(t *testing.T) {
		// Two unread messages, one deleted: the receiver's counter must land
		// on what the store still counts, not stay at the incremented value.
		f := newFixture(t, nil)
		key := domain.DirectPeerKey(1)
		f.messages.On("GetByID", mock.Anything, int64(7)).Return(m, nil)
		f.messages.On("SoftDelete", mock.Anything, int64(7)).Return(nil)
		f.markers.On("Get", mock.Anything, int64(2), key).Return(int64(0), nil)
		f.messages.On("CountUnread", mock.Anything, int64(2), key, int64(0)).Return(int64(1), nil)
		f.unread.On("Set", mock.Anything, int64(2), key, int64(1)).Return(nil)

		assert.NoError(t, f.engine.Delete(ctx, 1, 7))
		f.unread.AssertExpectations(t)
	})

	t.Run("GroupDeleteRefreshesEveryOtherMember", func(t *testing.T) {
		f := newFixture(t, nil)
		gm := &domain.Message{ID: 8, Kind: domain.KindGroup, SenderID: 1, GroupID: 10}
		key := domain.GroupPeerKey(10)
		f.messages.On("GetByID", mock.Anything, int64(8)).Return(gm, nil)
		f.messages.On("SoftDelete", mock.Anything, int64(8)).Return(nil)
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return([]domain.GroupMember{
			{GroupID: 10, UserID: 1},
			{GroupID: 10, UserID: 2},
			{GroupID: 10, UserID: 3},
		}, nil)
		for _, uid := range []int64{2, 3} {
			f.markers.On("Get", mock.Anything, uid, key).Return(int64(0), nil)
			f.messages.On("CountUnread", mock.Anything, uid, key, int64(0)).Return(int64(2), nil)
			f.unread.On("Set", mock.Anything, uid, key, int64(2)).Return(nil)
		}

		assert.NoError(t, f.engine.Delete(ctx, 1, 8))
		// the sender's own counter is left alone
		f.markers.AssertNotCalled(t, "Get", mock.Anything, int64(1), key)
		f.unread.AssertExpectations(t)
	})

	t.Run("NonSenderForbidden", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.On("GetByID", mock.Anything, int64(7)).Return(m, nil)

		assert.ErrorIs(t, f.engine.Delete(ctx, 2, 7), domain.ErrForbidden)
		f.messages.AssertNotCalled(t, "SoftDelete", mock.Anything, mock.Anything)
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()

	crypt, err := security.NewEncryptor([]byte("test-key"))
	assert.NoError(t, err)
	enc := func(t *testing.T, s string) string {
		t.Helper()
		out, err := crypt.Encrypt(s)
		assert.NoError(t, err)
		return out
	}

	t.Run("MatchesNewestFirstAndDecrypts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("GroupsOf", mock.Anything, int64(1)).Return([]int64{}, nil)
		f.messages.On("VisibleMessages", mock.Anything, int64(1), mock.Anything, mock.Anything, mock.Anything).
			Return([]*domain.Message{
				{ID: 3, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "Project kickoff at noon")},
				{ID: 2, Kind: domain.KindDirect, SenderID: 1, ReceiverID: 2, Content: enc(t, "lunch?")},
				{ID: 1, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "the project deadline moved")},
			}, nil)

		got, err := f.engine.Search(ctx, 1, "", "project", 0, 0)
		assert.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, int64(3), got[0].ID)
		assert.Equal(t, int64(1), got[1].ID)
		assert.Equal(t, "Project kickoff at noon", got[0].Content, "results carry decrypted content")
	})

	t.Run("RecalledNeverMatches", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("GroupsOf", mock.Anything, int64(1)).Return([]int64{}, nil)
		f.messages.On("VisibleMessages", mock.Anything, int64(1), mock.Anything, mock.Anything, mock.Anything).
			Return([]*domain.Message{
				{ID: 2, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "secret plan"), Recalled: true},
				{ID: 1, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "old plan")},
			}, nil)

		got, err := f.engine.Search(ctx, 1, "", "plan", 0, 0)
		assert.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
	})

	t.Run("PeerKeyNarrowsToOneConversation", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("GroupsOf", mock.Anything, int64(1)).Return([]int64{}, nil)
		f.messages.On("VisibleMessages", mock.Anything, int64(1), mock.Anything, mock.Anything, mock.Anything).
			Return([]*domain.Message{
				{ID: 2, Kind: domain.KindDirect, SenderID: 3, ReceiverID: 1, Content: enc(t, "hello there")},
				{ID: 1, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "hello again")},
			}, nil)

		got, err := f.engine.Search(ctx, 1, domain.DirectPeerKey(2), "hello", 0, 0)
		assert.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
	})

	t.Run("PagesSkipEarlierMatches", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("GroupsOf", mock.Anything, int64(1)).Return([]int64{}, nil)
		f.messages.On("VisibleMessages", mock.Anything, int64(1), mock.Anything, mock.Anything, mock.Anything).
			Return([]*domain.Message{
				{ID: 3, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "ping one")},
				{ID: 2, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "ping two")},
				{ID: 1, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1, Content: enc(t, "ping three")},
			}, nil)

		got, err := f.engine.Search(ctx, 1, "", "ping", 1, 2)
		assert.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, int64(1), got[0].ID)
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Search(ctx, 1, "", "   ", 0, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("GroupPeerKeyRequiresMembership", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("IsMember", mock.Anything, int64(10), int64(1)).Return(false, nil)

		_, err := f.engine.Search(ctx, 1, domain.GroupPeerKey(10), "hello", 0, 0)
		assert.ErrorIs(t, err, domain.ErrForbidden)
		f.messages.AssertNotCalled(t, "VisibleMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("DirectAdvancesMarkerAndResets", func(t *testing.T) {
		f := newFixture(t, nil)
		key := domain.DirectPeerKey(2)
		f.messages.On("LatestID", mock.Anything, int64(1), key).Return(int64(42), nil)
		f.markers.On("Advance", mock.Anything, int64(1), key, int64(42)).Return(nil)
		f.unread.On("Reset", mock.Anything, int64(1), key).Return(nil)

		assert.NoError(t, f.engine.MarkRead(ctx, 1, key))
		// read receipt to the peer, badge sync to the reader's devices
		assert.Len(t, f.presence.pushed[2], 1)
		assert.Len(t, f.presence.pushed[1], 1)
		f.markers.AssertExpectations(t)
		f.unread.AssertExpectations(t)
	})

	t.Run("Idempotent", func(t *testing.T) {
		f := newFixture(t, nil)
		key := domain.DirectPeerKey(2)
		f.messages.On("LatestID", mock.Anything, int64(1), key).Return(int64(42), nil)
		f.markers.On("Advance", mock.Anything, int64(1), key, int64(42)).Return(nil)
		f.unread.On("Reset", mock.Anything, int64(1), key).Return(nil)

		assert.NoError(t, f.engine.MarkRead(ctx, 1, key))
		assert.NoError(t, f.engine.MarkRead(ctx, 1, key))
	})

	t.Run("GroupRequiresMembership", func(t *testing.T) {
		f := newFixture(t, nil)
		key := domain.GroupPeerKey(10)
		f.groups.On("IsMember", mock.Anything, int64(10), int64(1)).Return(false, nil)

		assert.ErrorIs(t, f.engine.MarkRead(ctx, 1, key), domain.ErrForbidden)
	})

	t.Run("BadPeerKey", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.ErrorIs(t, f.engine.MarkRead(ctx, 1, "x:9"), domain.ErrInvalidInput)
	})
}

func TestOfflineMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("ReturnsSinceCursorAndAdvances", func(t *testing.T) {
		f := newFixture(t, nil)
		msgs := []*domain.Message{
			{ID: 11, Kind: domain.KindDirect, SenderID: 2, ReceiverID: 1},
			{ID: 12, Kind: domain.KindDirect, SenderID: 3, ReceiverID: 1},
		}
		f.messages.On("DeliveredCursor", mock.Anything, int64(1)).Return(int64(10), nil)
		f.messages.On("DirectSince", mock.Anything, int64(1), int64(10)).Return(msgs, nil)
		f.messages.On("AdvanceDeliveredCursor", mock.Anything, int64(1), int64(12)).Return(nil)

		got, err := f.engine.OfflineMessages(ctx, 1)
		assert.NoError(t, err)
		assert.Len(t, got, 2)
		f.messages.AssertExpectations(t)
	})

	t.Run("EmptyBacklogLeavesCursor", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.On("DeliveredCursor", mock.Anything, int64(1)).Return(int64(10), nil)
		f.messages.On("DirectSince", mock.Anything, int64(1), int64(10)).Return([]*domain.Message{}, nil)

		got, err := f.engine.OfflineMessages(ctx, 1)
		assert.NoError(t, err)
		assert.Empty(t, got)
		f.messages.AssertNotCalled(t, "AdvanceDeliveredCursor", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil)
	f.messages.On("DirectPairs", mock.Anything).Return([][2]int64{{1, 2}}, nil)
	f.messages.On("GroupIDs", mock.Anything).Return([]int64{10}, nil)
	f.groups.On("ListMembers", mock.Anything, int64(10)).Return([]domain.GroupMember{
		{GroupID: 10, UserID: 1},
		{GroupID: 10, UserID: 2},
	}, nil)

	// direct: user 2 has read up to 5, three newer messages from user 1
	f.markers.On("Get", mock.Anything, int64(2), domain.DirectPeerKey(1)).Return(int64(5), nil)
	f.messages.On("CountUnread", mock.Anything, int64(2), domain.DirectPeerKey(1), int64(5)).Return(int64(3), nil)
	f.unread.On("Set", mock.Anything, int64(2), domain.DirectPeerKey(1), int64(3)).Return(nil)

	// group: both members fully caught up
	gkey := domain.GroupPeerKey(10)
	f.markers.On("Get", mock.Anything, int64(1), gkey).Return(int64(9), nil)
	f.messages.On("CountUnread", mock.Anything, int64(1), gkey, int64(9)).Return(int64(0), nil)
	f.unread.On("Set", mock.Anything, int64(1), gkey, int64(0)).Return(nil)
	f.markers.On("Get", mock.Anything, int64(2), gkey).Return(int64(9), nil)
	f.messages.On("CountUnread", mock.Anything, int64(2), gkey, int64(9)).Return(int64(0), nil)
	f.unread.On("Set", mock.Anything, int64(2), gkey, int64(0)).Return(nil)

	assert.NoError(t, f.engine.Reconcile(ctx))
	f.unread.AssertExpectations(t)
}

func TestToResponse(t *testing.T) {
	f := newFixture(t, nil)
	crypt, err := security.NewEncryptor([]byte("test-key"))
	assert.NoError(t, err)

	encrypted, err := crypt.Encrypt("secret text")
	assert.NoError(t, err)

	t.Run("DecryptsContent", func(t *testing.T) {
		resp := f.engine.ToResponse(&domain.Message{ID: 1, Content: encrypted})
		assert.Equal(t, "secret text", resp.Content)
	})

	t.Run("RecalledServesPlaceholder", func(t *testing.T) {
		resp := f.engine.ToResponse(&domain.Message{ID: 1, Content: encrypted, Recalled: true})
		assert.Equal(t, delivery.RecalledPlaceholder, resp.Content)
		assert.True(t, resp.Recalled)
	})
}

func TestBroadcastPresence(t *testing.T) {
	f := newFixture(t, nil)
	f.friends.On("ListFriends", mock.Anything, int64(1)).Return([]int64{2, 3}, nil)

	f.engine.BroadcastPresence(context.Background(), 1, true)
	assert.Len(t, f.presence.pushed[2], 1)
	assert.Len(t, f.presence.pushed[3], 1)
}

func TestNotifyTyping(t *testing.T) {
	ctx := context.Background()

	t.Run("DirectForwardsToPeer", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.NoError(t, f.engine.NotifyTyping(ctx, 1, domain.DirectPeerKey(2)))
		assert.Len(t, f.presence.pushed[2], 1)
	})

	t.Run("GroupForwardsToOtherMembers", func(t *testing.T) {
		f := newFixture(t, nil)
		f.groups.On("ListMembers", mock.Anything, int64(10)).Return([]domain.GroupMember{
			{GroupID: 10, UserID: 1},
			{GroupID: 10, UserID: 2},
		}, nil)

		assert.NoError(t, f.engine.NotifyTyping(ctx, 1, domain.GroupPeerKey(10)))
		assert.Len(t, f.presence.pushed[2], 1)
		assert.Empty(t, f.presence.pushed[1])
	})
}
