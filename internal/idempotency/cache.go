// Package idempotency implements the request-key cache that makes
// state-changing endpoints safe to retry. Each (endpoint, key) pair moves
// through three states: absent, processing sentinel, stored response.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/storage/kv"
)

const (
	stateProcessing = "processing"
	stateStored     = "stored"
)

// Response is the replayable outcome of one handled request.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

type entry struct {
	State    string    `json:"state"`
	Response *Response `json:"response,omitempty"`
}

// Config sets the two lifetimes of the cache.
type Config struct {
	TTL         time.Duration `mapstructure:"ttl"`          // stored responses, default 24h
	SentinelTTL time.Duration `mapstructure:"sentinel_ttl"` // processing sentinel, default 30s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:         24 * time.Hour,
		SentinelTTL: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.SentinelTTL <= 0 {
		c.SentinelTTL = d.SentinelTTL
	}
	return c
}

// Cache is the idempotency store over kv.
type Cache struct {
	store kv.Store
	cfg   Config
	log   zerolog.Logger
}

// NewCache builds a Cache.
func NewCache(store kv.Store, cfg Config, log zerolog.Logger) *Cache {
	return &Cache{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "idempotency").Logger(),
	}
}

func cacheKey(endpoint, key string) string {
	return fmt.Sprintf("idem:%s:%s", endpoint, key)
}

// Do runs fn at most once per (endpoint, key). The second return value is
// true when the response came from the cache instead of fn.
//
// A concurrent request with the same key gets a Conflict while the first is
// still processing. A failed fn releases the sentinel so a retry may run.
func (c *Cache) Do(ctx context.Context, endpoint, key string, fn func(ctx context.Context) (*Response, error)) (*Response, bool, error) {
	const op = "idempotency.do"
	k := cacheKey(endpoint, key)

	if resp, state, err := c.lookup(ctx, k); err != nil {
		return nil, false, err
	} else if state == stateStored {
		metrics.IdempotencyReplays.Inc()
		return resp, true, nil
	} else if state == stateProcessing {
		metrics.IdempotencyConflicts.Inc()
		return nil, false, domain.NewConflictError(op, "request with this idempotency key is in flight", domain.ErrMessageInFlight)
	}

	sentinel, err := json.Marshal(entry{State: stateProcessing})
	if err != nil {
		return nil, false, domain.NewInternalError(op, "encode sentinel", err)
	}
	won, err := c.store.SetNX(ctx, k, string(sentinel), c.cfg.SentinelTTL)
	if err != nil {
		return nil, false, domain.NewInternalError(op, "write sentinel", err)
	}
	if !won {
		// Raced with another writer between lookup and SetNX.
		metrics.IdempotencyConflicts.Inc()
		return nil, false, domain.NewConflictError(op, "request with this idempotency key is in flight", domain.ErrMessageInFlight)
	}

	resp, fnErr := fn(ctx)
	if fnErr != nil {
		if delErr := c.store.Delete(ctx, k); delErr != nil {
			c.log.Warn().Str("key", k).Err(delErr).Msg("sentinel release failed")
		}
		return nil, false, fnErr
	}

	stored, err := json.Marshal(entry{State: stateStored, Response: resp})
	if err != nil {
		return nil, false, domain.NewInternalError(op, "encode response", err)
	}
	if err := c.store.Set(ctx, k, string(stored), c.cfg.TTL); err != nil {
		c.log.Warn().Str("key", k).Err(err).Msg("response store failed, replay unavailable")
	}
	return resp, false, nil
}

// Lookup returns the stored response for (endpoint, key) if one exists.
func (c *Cache) Lookup(ctx context.Context, endpoint, key string) (*Response, bool, error) {
	resp, state, err := c.lookup(ctx, cacheKey(endpoint, key))
	if err != nil {
		return nil, false, err
	}
	return resp, state == stateStored, nil
}

func (c *Cache) lookup(ctx context.Context, k string) (*Response, string, error) {
	raw, err := c.store.Get(ctx, k)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", domain.NewInternalError("idempotency.lookup", "read cache", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, "", domain.NewInternalError("idempotency.lookup", "decode cache entry", err)
	}
	return e.Response, e.State, nil
}
