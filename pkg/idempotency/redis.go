package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore caches command results in Redis with an optional TTL.
// Suited to deployments where command handlers scale horizontally and the
// cache must be shared without a round trip to the primary database.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration // zero means no expiry
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(key Key) string {
	return fmt.Sprintf("idem:%s:%s:%s", key.TenantID, key.CommandName, key.RequestKey)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	val, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, result json.RawMessage) error {
	// SetNX keeps the first committed result when two racers both reach Set.
	if err := s.client.SetNX(ctx, redisKey(key), []byte(result), s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}
