// Package kv wraps a networked key-value store (Redis) behind the small
// interface spec §6.1 asks for: strings with TTLs, atomic increment, list
// ops, pipelines, and pattern scan. Grounded on
// suleymanmyradov-growth-server's third_party/cache/redis.go (ping on
// connect) and pkg/gourdiantoken-master/gourdiantoken.repository.redis.imp.go
// (TTL-based expiry, Pipeline for atomic multi-ops, SCAN for enumeration).
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the subset of KV-store operations the gateway depends on. An
// implementation over Redis is the default; FakeStore backs unit tests.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// IncrExpire atomically increments key and, when it is the first
	// increment in the window (result == 1), sets its TTL. Used by the
	// fixed-window rate limiter (spec §4.2) which needs both operations
	// in a single round trip.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Close() error
}

// RedisStore implements Store over github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// New dials addr and pings it once so construction fails fast on a
// misconfigured REDIS_URL, matching third_party/cache/redis.go's
// connect-then-ping shape.
func New(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		return nil, fmt.Errorf("kv: connect to %q: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewFromURL dials a redis:// or rediss:// URL (REDIS_URL env convention).
func NewFromURL(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		return nil, fmt.Errorf("kv: connect: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	// SCAN rather than KEYS so a large keyspace doesn't block the server;
	// spec §6.1 notes pattern-scan is O(n) and used only by admin/cleanup
	// paths, so a cursor loop is acceptable here.
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.LPush(ctx, key, args...).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

// IncrExpire mirrors gourdiantoken's MarkTokenRevoke: a Pipeline batches
// INCR and EXPIRE into one round trip. EXPIRE is applied unconditionally
// with NX semantics (only set if the key doesn't already carry a TTL) so
// that re-arming a window is a no-op, not a TTL reset, on every call.
func (s *RedisStore) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
