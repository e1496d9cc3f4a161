// Package store provides a Redis-backed HistoryStore for durable
// rate-limit bookkeeping across engine restarts.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	kairos "github.com/musichien/kairos-sub002"
)

// RedisHistoryStore implements kairos.HistoryStore on a Redis sorted set
// per user, scored by creation timestamp. Keys are namespaced as
// "{prefix}:history:{userID}".
type RedisHistoryStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	ctx    context.Context
}

var _ kairos.HistoryStore = (*RedisHistoryStore)(nil)

// RedisHistoryStoreConfig configures the store.
type RedisHistoryStoreConfig struct {
	Prefix string        // key prefix, default "kairos"
	TTL    time.Duration // per-user key TTL, refreshed on write, 0 = no expiry
}

// NewRedisHistoryStore creates a HistoryStore backed by Redis.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cfg := kairos.DefaultConfig()
//	cfg.History = store.NewRedisHistoryStore(client)
func NewRedisHistoryStore(client redis.UniversalClient, config ...RedisHistoryStoreConfig) *RedisHistoryStore {
	cfg := RedisHistoryStoreConfig{Prefix: "kairos"}
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "kairos"
	}
	return &RedisHistoryStore{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		ctx:    context.Background(),
	}
}

func (s *RedisHistoryStore) key(userID string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, userID)
}

// RecordCreated adds the instance's creation timestamp to the user's set.
func (s *RedisHistoryStore) RecordCreated(userID, instanceID string, createdAt time.Time) error {
	key := s.key(userID)
	err := s.client.ZAdd(s.ctx, key, redis.Z{
		Score:  float64(createdAt.UnixNano()),
		Member: instanceID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record creation: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(s.ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to refresh ttl: %w", err)
		}
	}
	return nil
}

// RecentCount trims entries older than since and returns the remaining
// count, keeping the per-user set window-bounded.
func (s *RedisHistoryStore) RecentCount(userID string, since time.Time) (int, error) {
	key := s.key(userID)
	cutoff := strconv.FormatFloat(float64(since.UnixNano()), 'f', -1, 64)

	if err := s.client.ZRemRangeByScore(s.ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return 0, fmt.Errorf("failed to trim history: %w", err)
	}
	n, err := s.client.ZCard(s.ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return int(n), nil
}

// Forget removes the user's history (right-to-forget support).
func (s *RedisHistoryStore) Forget(userID string) error {
	if err := s.client.Del(s.ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}
