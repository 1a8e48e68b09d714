package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/storage/kv"
)

func newTestStore(t *testing.T) (*Store, *clock.ManualClock) {
	t.Helper()
	clk := clock.NewManualClock()
	s, err := Open(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestSetGetRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", 0))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	_, err = s.Get(ctx, "absent")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestExpiry(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lease", "holder", 5*time.Second))

	got, err := s.Get(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, "holder", got)

	clk.Advance(5 * time.Second)

	_, err = s.Get(ctx, "lease")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSetNX(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	won, err := s.SetNX(ctx, "lock:offer:o1", "a", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetNX(ctx, "lock:offer:o1", "b", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, won, "second writer must lose while the key is live")

	// The slot opens again once the first lease expires.
	clk.Advance(3 * time.Second)
	won, err = s.SetNX(ctx, "lock:offer:o1", "b", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := s.Get(ctx, "lock:offer:o1")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestDeleteIfEquals(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:order:1", "holder-a", 0))

	deleted, err := s.DeleteIfEquals(ctx, "lock:order:1", "holder-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteIfEquals(ctx, "lock:order:1", "holder-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteIfEquals(ctx, "lock:order:1", "holder-a")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete finds nothing")
}

func TestExpireIfEquals(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lease", "me", 2*time.Second))

	extended, err := s.ExpireIfEquals(ctx, "lease", "someone-else", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, extended)

	extended, err = s.ExpireIfEquals(ctx, "lease", "me", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	clk.Advance(5 * time.Second)
	_, err = s.Get(ctx, "lease")
	require.NoError(t, err, "lease should still be live after extension")

	ttl, err := s.TTL(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ttl)
}

func TestCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrBy(ctx, "count", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	f, err := s.IncrByFloat(ctx, "spend", 12.5)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, f, 1e-9)

	f, err = s.IncrByFloat(ctx, "spend", 7.25)
	require.NoError(t, err)
	assert.InDelta(t, 19.75, f, 1e-9)
}

func TestKeysPrefix(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:offer:a", "1", 0))
	require.NoError(t, s.Set(ctx, "lock:offer:b", "1", time.Second))
	require.NoError(t, s.Set(ctx, "lock:order:c", "1", 0))
	require.NoError(t, s.Set(ctx, "txn:t1", "1", 0))

	keys, err := s.Keys(ctx, "lock:offer:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lock:offer:a", "lock:offer:b"}, keys)

	clk.Advance(2 * time.Second)
	keys, err = s.Keys(ctx, "lock:offer:")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:offer:a"}, keys, "expired keys are not listed")
}

func TestClosedStore(t *testing.T) {
	clk := clock.NewManualClock()
	s, err := Open(t.TempDir(), clk)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", "v", 0), kv.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, s.Close())
}
