// Package pebblestore backs the kv.Store contract with an embedded pebble
// database. Used in standalone mode, the scenario runner and tests, where no
// Redis server is present. Expiry is stored inline with each value; reads
// treat stale entries as absent and a janitor sweeps them out.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/storage/kv"
)

const defaultSweepInterval = 5 * time.Second

// Store implements kv.Store over a pebble database. A single mutex guards
// read-modify-write operations; throughput is more than enough for the
// advisory workloads this store carries.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	clk    clock.Clock
	stopCh chan struct{}
	doneCh chan struct{}
	closed bool
}

// Open creates or opens a pebble-backed store at path. A nil clk falls back
// to the system clock.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.SystemClock{}
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}

	s := &Store{
		db:     db,
		clk:    clk,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.sweep(defaultSweepInterval)
	return s, nil
}

// entry layout: 8 bytes big-endian expiry in unix nanoseconds (0 = none),
// followed by the raw value bytes.
func encodeEntry(value string, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt.UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (value string, expiresAt time.Time, err error) {
	if len(raw) < 8 {
		return "", time.Time{}, errors.New("pebblestore: corrupt entry")
	}
	nanos := binary.BigEndian.Uint64(raw[:8])
	if nanos != 0 {
		expiresAt = time.Unix(0, int64(nanos))
	}
	return string(raw[8:]), expiresAt, nil
}

func (s *Store) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clk.Now().Add(ttl)
}

// getLive returns the live value for key, kv.ErrNotFound for absent or
// expired entries. Caller must hold s.mu.
func (s *Store) getLive(key string) (string, time.Time, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", time.Time{}, kv.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	defer closer.Close()

	value, expiresAt, err := decodeEntry(raw)
	if err != nil {
		return "", time.Time{}, err
	}
	if !expiresAt.IsZero() && !s.clk.Now().Before(expiresAt) {
		return "", time.Time{}, kv.ErrNotFound
	}
	return value, expiresAt, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", kv.ErrClosed
	}
	value, _, err := s.getLive(key)
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return s.db.Set([]byte(key), encodeEntry(value, s.expiryFor(ttl)), pebble.Sync)
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, kv.ErrClosed
	}

	if _, _, err := s.getLive(key); err == nil {
		return false, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return false, err
	}

	if err := s.db.Set([]byte(key), encodeEntry(value, s.expiryFor(ttl)), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *Store) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, kv.ErrClosed
	}

	current, _, err := s.getLive(key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != value {
		return false, nil
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, kv.ErrClosed
	}

	current, _, err := s.getLive(key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != value {
		return false, nil
	}
	if err := s.db.Set([]byte(key), encodeEntry(current, s.expiryFor(ttl)), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, kv.ErrClosed
	}

	_, expiresAt, err := s.getLive(key)
	if err != nil {
		return 0, err
	}
	if expiresAt.IsZero() {
		return 0, nil
	}
	return expiresAt.Sub(s.clk.Now()), nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, kv.ErrClosed
	}

	current, expiresAt, err := s.getLive(key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}

	var n int64
	if current != "" {
		n, err = strconv.ParseInt(current, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("pebblestore: value at %s is not an integer: %w", key, err)
		}
	}
	n += delta

	if err := s.db.Set([]byte(key), encodeEntry(strconv.FormatInt(n, 10), expiresAt), pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, kv.ErrClosed
	}

	current, expiresAt, err := s.getLive(key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}

	var f float64
	if current != "" {
		f, err = strconv.ParseFloat(current, 64)
		if err != nil {
			return 0, fmt.Errorf("pebblestore: value at %s is not a float: %w", key, err)
		}
	}
	f += delta

	if err := s.db.Set([]byte(key), encodeEntry(strconv.FormatFloat(f, 'f', -1, 64), expiresAt), pebble.Sync); err != nil {
		return 0, err
	}
	return f, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixUpperBound([]byte(prefix))
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
	}
	defer iter.Close()

	now := s.clk.Now()
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		_, expiresAt, err := decodeEntry(iter.Value())
		if err != nil {
			continue
		}
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			continue
		}
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

// sweep drops expired entries in the background so the store does not grow
// without bound between restarts.
func (s *Store) sweep(interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return
	}

	now := s.clk.Now()
	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		_, expiresAt, err := decodeEntry(iter.Value())
		if err != nil {
			continue
		}
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			k := make([]byte, len(iter.Key()))
			copy(k, iter.Key())
			stale = append(stale, k)
		}
	}
	iter.Close()

	for _, k := range stale {
		_ = s.db.Delete(k, pebble.NoSync)
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
