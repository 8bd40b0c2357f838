package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces session token keys.
const DefaultRedisKeyPrefix = "tokenbridge:session-token:"

// RedisTokenStore shares session tokens between processes. Expiry is
// delegated to Redis key TTLs.
type RedisTokenStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisTokenStore wraps an existing client. An empty prefix selects DefaultRedisKeyPrefix.
func NewRedisTokenStore(client redis.UniversalClient, keyPrefix string) *RedisTokenStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisTokenStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Put writes the token with a TTL ending at expiresAt. Already expired
// tokens remove any previous entry instead.
func (s *RedisTokenStore) Put(ctx context.Context, userKey, token string, expiresAt time.Time) error {
	key := s.keyPrefix + userKey
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete expired session token: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, key, token, ttl).Err(); err != nil {
		return fmt.Errorf("store session token: %w", err)
	}
	return nil
}

// Get returns the token for userKey if Redis still holds it.
func (s *RedisTokenStore) Get(ctx context.Context, userKey string) (string, bool, error) {
	token, err := s.client.Get(ctx, s.keyPrefix+userKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load session token: %w", err)
	}
	return token, true, nil
}
