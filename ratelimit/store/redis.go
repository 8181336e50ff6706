package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientSource supplies the Redis client to use for each operation.
// *conn.Manager implements it; the client may change between calls.
type ClientSource interface {
	Client() (*redis.Client, error)
}

// Redis is a Redis-backed implementation of Store suitable for distributed
// deployments. Segment counters for a key live in one hash, one field per
// segment, with per-field expiry (HPEXPIRE ... NX). Requires Redis 7.4 or later.
//
// Errors are returned unwrapped so callers can classify them.
type Redis struct {
	source ClientSource
}

// NewRedis creates a Redis store reading its client from source on every call.
//
// Example:
//
//	mgr, err := conn.Connect(ctx, conn.Config{URL: "redis://localhost:6379/0"})
//	if err != nil {
//		return err
//	}
//	st := store.NewRedis(mgr)
func NewRedis(source ClientSource) *Redis {
	return &Redis{source: source}
}

// Segments reads the whole segment hash with HGETALL. Fields that are not
// segment numbers are ignored.
func (r *Redis) Segments(ctx context.Context, key string) (map[int64]int64, error) {
	client, err := r.source.Client()
	if err != nil {
		return nil, err
	}

	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	segments := make(map[int64]int64, len(fields))
	for field, value := range fields {
		segment, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		segments[segment] = count
	}
	return segments, nil
}

// Record queues HINCRBY and HPEXPIRE NX in one pipeline and flushes them as a
// single round trip. Both replies are checked before returning.
func (r *Redis) Record(ctx context.Context, key string, segment int64, ttl time.Duration) error {
	client, err := r.source.Client()
	if err != nil {
		return err
	}

	field := strconv.FormatInt(segment, 10)
	ttl = max(ttl, time.Millisecond)

	pipe := client.Pipeline()
	incr := pipe.HIncrBy(ctx, key, field, 1)
	expire := pipe.HPExpireWithArgs(ctx, key, ttl, redis.HExpireArgs{NX: true}, field)

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if err := incr.Err(); err != nil {
		return err
	}
	return expire.Err()
}

// Reset removes the segment hash for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	client, err := r.source.Client()
	if err != nil {
		return err
	}
	return client.Del(ctx, key).Err()
}

// Close is a no-op; the connection belongs to the ClientSource.
func (r *Redis) Close() error {
	return nil
}
