package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"msghub/internal/domain"
)

// UnreadStore keeps unread counters in a Redis hash per owner, field per
// conversation. Counters here are a cache of store-derivable state; on loss
// they are rebuilt from read markers at startup.
type UnreadStore struct {
	client *redis.Client
}

func NewUnreadStore(client *redis.Client) *UnreadStore {
	return &UnreadStore{client: client}
}

var _ domain.UnreadRepository = (*UnreadStore)(nil)

func unreadKey(ownerID int64) string {
	return fmt.Sprintf("unread:%d", ownerID)
}

func (s *UnreadStore) Increment(ctx context.Context, ownerID int64, peerKey string) error {
	if err := s.client.HIncrBy(ctx, unreadKey(ownerID), peerKey, 1).Err(); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (s *UnreadStore) Reset(ctx context.Context, ownerID int64, peerKey string) error {
	if err := s.client.HDel(ctx, unreadKey(ownerID), peerKey).Err(); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (s *UnreadStore) Set(ctx context.Context, ownerID int64, peerKey string, count int64) error {
	if count <= 0 {
		return s.Reset(ctx, ownerID, peerKey)
	}
	if err := s.client.HSet(ctx, unreadKey(ownerID), peerKey, count).Err(); err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	return nil
}

func (s *UnreadStore) Get(ctx context.Context, ownerID int64, peerKey string) (int64, error) {
	val, err := s.client.HGet(ctx, unreadKey(ownerID), peerKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get unread: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse unread count: %w", err)
	}
	return n, nil
}

func (s *UnreadStore) GetAll(ctx context.Context, ownerID int64) (map[string]int64, error) {
	vals, err := s.client.HGetAll(ctx, unreadKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	res := make(map[string]int64, len(vals))
	for key, val := range vals {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse unread count: %w", err)
		}
		if n > 0 {
			res[key] = n
		}
	}
	return res, nil
}
