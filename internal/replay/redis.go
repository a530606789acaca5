package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces replay keys in a shared Redis.
const DefaultKeyPrefix = "powgate:replay:"

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every key. Empty means DefaultKeyPrefix.
	KeyPrefix string
}

// Redis is a Store backed by Redis SET NX with expiry, shared by every
// gateway instance pointing at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := NewRedisWithClient(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisWithClient wraps an existing client. Close leaves it open.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Remember implements Store.
func (s *Redis) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	fresh, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("remember %s: %w", key, err)
	}
	return fresh, nil
}

// Close implements Store.
func (s *Redis) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
