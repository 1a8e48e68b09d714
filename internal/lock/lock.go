// Package lock provides named exclusive leases over the kv store. A lease is
// a key holding a random token; only the holder of the token can release or
// extend it, so a lease that outlived its handler cannot be clobbered by the
// original owner coming back late.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/storage/kv"
)

// Resource key constructors. Every caller goes through these so the key
// space stays enumerable.
func OfferKey(id string) string    { return "lock:offer:" + id }
func OrderKey(id string) string    { return "lock:order:" + id }
func TxnKey(id string) string      { return "lock:txn:" + id }
func PaymentKey(id string) string  { return "lock:payment:" + id }
func BlockKey(id string) string    { return "lock:block:" + id }
func ProposalKey(id string) string { return "lock:proposal:" + id }

// Config bounds acquisition retries and lease keepalive.
type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`  // acquisition attempts before LockAcquisition
	RetryBase    time.Duration `mapstructure:"retry_base"`    // first backoff step
	RetryMax     time.Duration `mapstructure:"retry_max"`     // backoff cap
	ExtendMargin time.Duration `mapstructure:"extend_margin"` // extend when less than this remains
}

// DefaultConfig matches the documented operational defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		RetryBase:    50 * time.Millisecond,
		RetryMax:     time.Second,
		ExtendMargin: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.ExtendMargin <= 0 {
		c.ExtendMargin = d.ExtendMargin
	}
	return c
}

// Manager acquires and releases leases against one kv store.
type Manager struct {
	store kv.Store
	ids   clock.IDGenerator
	cfg   Config
	log   zerolog.Logger
}

// NewManager builds a Manager. A nil ids falls back to UUID tokens.
func NewManager(store kv.Store, ids clock.IDGenerator, cfg Config, log zerolog.Logger) *Manager {
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	return &Manager{
		store: store,
		ids:   ids,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "lock").Logger(),
	}
}

// Lease is one held lock. Release is safe to call more than once.
type Lease struct {
	m        *Manager
	resource string
	token    string
	ttl      time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	released bool
}

// TryLock makes a single acquisition attempt.
func (m *Manager) TryLock(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	token := m.ids.NewID()
	won, err := m.store.SetNX(ctx, resource, token, ttl)
	if err != nil {
		return nil, domain.NewLockError("lock.try_lock", resource, err)
	}
	if !won {
		return nil, domain.NewLockError("lock.try_lock", resource, domain.ErrLockNotAcquired)
	}
	metrics.LockAcquired.WithLabelValues(resourceClass(resource)).Inc()
	return m.newLease(resource, token, ttl), nil
}

// Acquire obtains the lease with bounded retry: exponential backoff from
// RetryBase, capped at RetryMax, with up to 50% jitter on each step.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	class := resourceClass(resource)
	token := m.ids.NewID()

	backoff := m.cfg.RetryBase
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		won, err := m.store.SetNX(ctx, resource, token, ttl)
		if err != nil {
			return nil, domain.NewLockError("lock.acquire", resource, err)
		}
		if won {
			metrics.LockAcquired.WithLabelValues(class).Inc()
			return m.newLease(resource, token, ttl), nil
		}

		if attempt == m.cfg.MaxAttempts {
			break
		}
		metrics.LockRetries.WithLabelValues(class).Inc()

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return nil, domain.NewLockError("lock.acquire", resource, ctx.Err())
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > m.cfg.RetryMax {
			backoff = m.cfg.RetryMax
		}
	}

	metrics.LockFailures.WithLabelValues(class).Inc()
	m.log.Warn().Str("resource", resource).Int("attempts", m.cfg.MaxAttempts).
		Msg("lease acquisition abandoned")
	return nil, domain.NewLockError("lock.acquire", resource, domain.ErrLockNotAcquired)
}

// WithLock runs fn while holding resource. The lease is released on every
// exit path, panics included; the panic is re-raised after release.
func (m *Manager) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	return fn(ctx)
}

func (m *Manager) newLease(resource, token string, ttl time.Duration) *Lease {
	l := &Lease{
		m:        m,
		resource: resource,
		token:    token,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go l.keepalive()
	return l
}

// keepalive extends the lease shortly before it runs out. If an extension is
// refused the lease was lost to expiry; keepalive stops and the next guarded
// write by the holder will fail its version check.
func (l *Lease) keepalive() {
	defer close(l.doneCh)

	interval := l.ttl - l.m.cfg.ExtendMargin
	if interval <= 0 {
		interval = l.ttl / 2
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.m.cfg.ExtendMargin)
			extended, err := l.m.store.ExpireIfEquals(ctx, l.resource, l.token, l.ttl)
			cancel()
			if err != nil || !extended {
				l.m.log.Warn().Str("resource", l.resource).Err(err).
					Msg("lease lost, keepalive stopped")
				return
			}
		}
	}
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true

	close(l.stopCh)
	<-l.doneCh

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := l.m.store.DeleteIfEquals(ctx, l.resource, l.token)
	if err != nil {
		return fmt.Errorf("lock release %s: %w", l.resource, err)
	}
	return nil
}

// Resource returns the lease's resource key.
func (l *Lease) Resource() string { return l.resource }

// resourceClass maps "lock:offer:<id>" to "offer" for metric labels.
func resourceClass(resource string) string {
	parts := strings.SplitN(resource, ":", 3)
	if len(parts) >= 2 && parts[0] == "lock" {
		return parts[1]
	}
	return "other"
}
