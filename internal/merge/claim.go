package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims arbitrates which coordinator performs a scheduled merge when
// several clients observe the same instruction. TryClaim returns true for
// exactly one caller per key within the claim's lifetime.
type Claims interface {
	TryClaim(ctx context.Context, key, holder string) (bool, error)
}

// RedisClaims implements single-attempt merge arbitration with SET NX and
// a TTL, so a crashed winner releases the merge after the claim expires.
type RedisClaims struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClaims connects to Redis and verifies the connection.
func NewRedisClaims(redisURL string, ttl time.Duration) (*RedisClaims, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisClaims{
		client: client,
		prefix: "merge-claim:",
		ttl:    ttl,
	}, nil
}

// NewRedisClaimsWithClient builds a claim store from an existing client.
func NewRedisClaimsWithClient(client *redis.Client, ttl time.Duration) *RedisClaims {
	return &RedisClaims{client: client, prefix: "merge-claim:", ttl: ttl}
}

func (c *RedisClaims) key(k string) string {
	return c.prefix + k
}

// TryClaim attempts to take the claim for key. Exactly one holder wins
// until the TTL elapses.
func (c *RedisClaims) TryClaim(ctx context.Context, key, holder string) (bool, error) {
	won, err := c.client.SetNX(ctx, c.key(key), holder, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return won, nil
}

// Release drops a claim early. Only the holder's value is removed.
func (c *RedisClaims) Release(ctx context.Context, key, holder string) error {
	current, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if current != holder {
		return nil
	}
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (c *RedisClaims) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisClaims) Close() error {
	return c.client.Close()
}
