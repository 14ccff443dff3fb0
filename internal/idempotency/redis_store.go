package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCmdClient is the minimal client surface used by RedisStore.
type RedisCmdClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore persists recorded results in Redis, relying on key TTLs for
// the retention window.
type RedisStore struct {
	client    RedisCmdClient
	keyPrefix string
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client RedisCmdClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idem:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(scope, key string) string {
	return s.keyPrefix + scope + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, scope, key string) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(scope, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *RedisStore) Put(ctx context.Context, scope, key string, rec Record, retention time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(scope, key), raw, retention).Err()
}
