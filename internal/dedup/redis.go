package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper backs the Deduper interface with a shared Redis instance, so
// a primary-account runner and a hedge-account runner processing the same
// venue's fills see a consistent dedup set. Swap in via the same interface
// the in-memory set satisfies; the in-memory set stays the default for a
// single-process deployment.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDeduper wires a Deduper against an existing redis.Client.
func NewRedisDeduper(client *redis.Client, ttl time.Duration, keyPrefix string) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, prefix: keyPrefix}
}

// SeenBefore uses SETNX semantics: the key is set with the configured TTL
// only if absent. A set failure (e.g. connection error) is treated as "not
// seen" so the caller falls back to processing the event rather than
// silently dropping it — a dedup outage must fail open, not drop fills.
func (d *RedisDeduper) SeenBefore(key Key) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	redisKey := d.prefix + key.OrderID + ":" + key.CumFilled
	ok, err := d.client.SetNX(ctx, redisKey, 1, d.ttl).Result()
	if err != nil {
		return false
	}
	return !ok
}
