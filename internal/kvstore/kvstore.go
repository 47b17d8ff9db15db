// Package kvstore is the shared key-value store behind rate limits,
// conversation history, the response cache and token telemetry.
//
// Callers treat the store as best-effort infrastructure: every method
// returns an error and the caller decides whether to fail open.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("kvstore: key not found")

// Store is the set of operations the orchestration core needs. All
// implementations must be safe for concurrent use.
type Store interface {
	// IncrWithExpiry atomically increments key and, when the counter
	// was just created (result 1), sets its expiry to window.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	// LRange returns list elements from index from to to (inclusive,
	// negative indexes count from the end).
	LRange(ctx context.Context, key string, from, to int64) ([]string, error)
	// AppendAndTrim appends value, keeps only the newest maxLen
	// elements and refreshes the TTL in a single transaction.
	AppendAndTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	HIncrBy(ctx context.Context, key, field string, n int64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a Redis connection.
type Options struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store over go-redis.
type RedisStore struct {
	client *redis.Client
}

// Open parses opts.URL (redis:// or rediss://) and returns a store.
// The connection is established lazily; call Ping to verify it.
func Open(opts Options) (*RedisStore, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ro.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		ro.WriteTimeout = opts.WriteTimeout
	}
	return New(redis.NewClient(ro)), nil
}

// New wraps an existing client.
func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWithExpiry implements Store.
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

// LRange implements Store.
func (s *RedisStore) LRange(ctx context.Context, key string, from, to int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

// AppendAndTrim implements Store.
func (s *RedisStore) AppendAndTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		pipe.LTrim(ctx, key, -maxLen, -1)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

// Get implements Store. A missing key yields ErrNil.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// SetWithTTL implements Store.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// HIncrBy implements Store.
func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, n int64) error {
	if err := s.client.HIncrBy(ctx, key, field, n).Err(); err != nil {
		return fmt.Errorf("hincrby %s.%s: %w", key, field, err)
	}
	return nil
}

// HGetAll implements Store.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
