// Package kv defines the TTL'd key-value store behind locks, the idempotency
// cache, message dedup assists and the transaction-state cache. The store is
// advisory: nothing in it is authoritative, everything can be rebuilt from
// the relational store.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kv: store is closed")
	// ErrUnavailable is returned when the backing service cannot be reached.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the contract every backend implements. A ttl of zero means no
// expiry. Guarded operations (SetNX, DeleteIfEquals, ExpireIfEquals) are
// atomic with respect to concurrent callers of the same store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only when the key is absent. Returns true when the write won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	// DeleteIfEquals deletes the key only when its current value matches.
	// Returns true when the key was deleted.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)

	// ExpireIfEquals resets the TTL only when the current value matches.
	// Returns true when the lease was extended.
	ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of the key, 0 for keys without
	// expiry, ErrNotFound for absent keys.
	TTL(ctx context.Context, key string) (time.Duration, error)

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	// Keys lists live keys with the given prefix. Intended for reconcilers
	// and tests, not hot paths.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
