package nullifier

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"zkgate/pkg/domain"
)

const redisKeyPrefix = "nullifier:"

// RedisStore uses SET NX EX, so expiry is enforced by Redis itself and the
// set is shared by every gateway replica.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default "nullifier:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: redisKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Consume(ctx context.Context, token domain.Nullifier, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.prefix+token.String(), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("consume nullifier: %w", err)
	}
	if !ok {
		return alreadyUsed(token)
	}
	return nil
}
