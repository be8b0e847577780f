package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"msghub/internal/domain"
)

func TestParsePeerKey(t *testing.T) {
	t.Run("Direct", func(t *testing.T) {
		kind, id, err := domain.ParsePeerKey("u:42")
		assert.NoError(t, err)
		assert.Equal(t, domain.KindDirect, kind)
		assert.Equal(t, int64(42), id)
	})

	t.Run("Group", func(t *testing.T) {
		kind, id, err := domain.ParsePeerKey("g:7")
		assert.NoError(t, err)
		assert.Equal(t, domain.KindGroup, kind)
		assert.Equal(t, int64(7), id)
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, key := range []string{"", "u:", "g:abc", "x:1", "u:-5", "u:0", "42"} {
			_, _, err := domain.ParsePeerKey(key)
			assert.ErrorIs(t, err, domain.ErrInvalidInput, "key %q", key)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		kind, id, err := domain.ParsePeerKey(domain.DirectPeerKey(9))
		assert.NoError(t, err)
		assert.Equal(t, domain.KindDirect, kind)
		assert.Equal(t, int64(9), id)

		kind, id, err = domain.ParsePeerKey(domain.GroupPeerKey(9))
		assert.NoError(t, err)
		assert.Equal(t, domain.KindGroup, kind)
		assert.Equal(t, int64(9), id)
	})
}

func TestMessagePeerKey(t *testing.T) {
	direct := &domain.Message{Kind: domain.KindDirect, SenderID: 1, ReceiverID: 2}
	assert.Equal(t, "u:2", direct.PeerKey(1), "sender sees the receiver")
	assert.Equal(t, "u:1", direct.PeerKey(2), "receiver sees the sender")

	group := &domain.Message{Kind: domain.KindGroup, SenderID: 1, GroupID: 10}
	assert.Equal(t, "g:10", group.PeerKey(1))
	assert.Equal(t, "g:10", group.PeerKey(2))
}

func TestCanRecall(t *testing.T) {
	assert.True(t, (&domain.GroupMember{Role: domain.RoleOwner}).CanRecall())
	assert.True(t, (&domain.GroupMember{Role: domain.RoleAdmin}).CanRecall())
	assert.False(t, (&domain.GroupMember{Role: domain.RoleMember}).CanRecall())
}

func TestValidContentType(t *testing.T) {
	assert.True(t, domain.ValidContentType(domain.ContentText))
	assert.True(t, domain.ValidContentType(domain.ContentEmoji))
	assert.False(t, domain.ValidContentType(domain.ContentType("GIF")))
	assert.False(t, domain.ValidContentType(domain.ContentType("")))
}
