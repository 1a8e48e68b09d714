// Package redisstore backs the kv.Store contract with a Redis server. This is
// the production backend; guarded operations map to MULTI-free atomic
// commands and small Lua scripts.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wattex/wattexd/internal/storage/kv"
)

// release and extend follow the usual compare-value pattern so a caller can
// only act on a lease it still holds.
var (
	deleteIfEqualsScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	expireIfEqualsScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Store implements kv.Store over a single Redis client.
type Store struct {
	client *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client, used when the event feed shares
// the connection pool.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying client for pub/sub consumers.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	res, err := deleteIfEqualsScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return res == 1, nil
}

func (s *Store) ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := expireIfEqualsScript.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return res == 1, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	switch {
	case ttl == -2*time.Millisecond:
		return 0, kv.ErrNotFound
	case ttl == -1*time.Millisecond:
		return 0, nil
	default:
		return ttl, nil
	}
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return n, nil
}

func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	n, err := s.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return n, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
