package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisReplayCache is the ReplayCache used by a horizontally-scaled
// deployment: cluster-wide ID claims and challenge sightings live in Redis
// instead of a per-instance map, grounded on the teacher's
// pkg/persistence/redis.go RedisCache (same client construction and
// Set/Get-with-TTL idiom, generalized from peer/session caching to
// connection-ID and challenge claims).
type redisReplayCache struct {
	client *redis.Client
	prefix string
}

// RedisReplayCacheConfig configures the Redis connection backing a
// redisReplayCache.
type RedisReplayCacheConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces keys when multiple protocol deployments share a
	// Redis instance. Defaults to "shadowmesh:replay:".
	KeyPrefix string
}

// NewRedisReplayCache connects to Redis and returns a ReplayCache backed by
// it. The driver shell selects this over NewLocalReplayCache via config when
// running more than one server instance against the same listening key.
func NewRedisReplayCache(ctx context.Context, cfg RedisReplayCacheConfig) (ReplayCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("server: connect to redis replay cache: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "shadowmesh:replay:"
	}
	return &redisReplayCache{client: client, prefix: prefix}, nil
}

func (c *redisReplayCache) idKey(id uint32) string {
	return fmt.Sprintf("%sid:%d", c.prefix, id)
}

func (c *redisReplayCache) challengeKey(challenge [32]byte) string {
	return c.prefix + "challenge:" + hex.EncodeToString(challenge[:])
}

func (c *redisReplayCache) ClaimID(ctx context.Context, id uint32, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.idKey(id), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("server: redis claim id %d: %w", id, err)
	}
	// SetNX reports true when the key was newly set -- i.e. not already
	// claimed -- so "already claimed" is the negation.
	return !ok, nil
}

func (c *redisReplayCache) ReleaseID(ctx context.Context, id uint32) error {
	if err := c.client.Del(ctx, c.idKey(id)).Err(); err != nil {
		return fmt.Errorf("server: redis release id %d: %w", id, err)
	}
	return nil
}

func (c *redisReplayCache) ClaimChallenge(ctx context.Context, challenge [32]byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.challengeKey(challenge), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("server: redis claim challenge: %w", err)
	}
	return !ok, nil
}
