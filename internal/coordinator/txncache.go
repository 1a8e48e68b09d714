package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/kv"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// StateKey returns the KV key under which a transaction's folded state is
// cached.
func StateKey(txnID string) string { return "txn:state:" + txnID }

// CacheConfig sizes the transaction-state cache.
type CacheConfig struct {
	// TTL is the KV lifetime of a cached state entry.
	TTL time.Duration `mapstructure:"ttl"`
	// Size bounds the in-process LRU in front of the KV store.
	Size int `mapstructure:"size"`
}

// DefaultCacheConfig returns the production cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:  24 * time.Hour,
		Size: 1024,
	}
}

func (c CacheConfig) withDefaults() CacheConfig {
	def := DefaultCacheConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.Size <= 0 {
		c.Size = def.Size
	}
	return c
}

// CacheStats counts how state reads were served.
type CacheStats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Rebuilds int64 `json:"rebuilds"`
}

// StateCache serves the conversational state of a transaction. Reads go
// through an in-process LRU, then the KV store, and finally fall back to a
// rebuild from the event log, so an evicted or wiped cache never loses a
// transaction. The cache is advisory: the event log stays the source of
// truth and every rebuild is written back through both layers.
type StateCache struct {
	cfg   CacheConfig
	store kv.Store
	db    relational.Manager
	front *lru.Cache[string, string]
	log   zerolog.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	rebuilds atomic.Int64
}

// NewStateCache builds a StateCache over the given KV store and event log.
func NewStateCache(store kv.Store, db relational.Manager, cfg CacheConfig, log zerolog.Logger) (*StateCache, error) {
	cfg = cfg.withDefaults()
	front, err := lru.New[string, string](cfg.Size)
	if err != nil {
		return nil, domain.NewInternalError("txncache.new", "build lru front", err)
	}
	return &StateCache{
		cfg:   cfg,
		store: store,
		db:    db,
		front: front,
		log:   log.With().Str("component", "txn_cache").Logger(),
	}, nil
}

// Get returns the state of the transaction, rebuilding it from the event
// log when both cache layers miss. A transaction with no logged events is
// a not-found.
func (c *StateCache) Get(ctx context.Context, txnID string) (*domain.TransactionState, error) {
	const op = "txncache.get"
	if txnID == "" {
		return nil, domain.NewValidationError(op, "transaction id is required")
	}
	key := StateKey(txnID)

	if raw, ok := c.front.Get(key); ok {
		c.hits.Add(1)
		return decodeState(op, raw)
	}

	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		c.hits.Add(1)
		c.front.Add(key, raw)
		return decodeState(op, raw)
	case errors.Is(err, kv.ErrNotFound):
		// fall through to rebuild
	default:
		// The KV store is advisory; treat an outage like a miss.
		c.log.Warn().Err(err).Str("transaction_id", txnID).Msg("state read failed, rebuilding from event log")
	}

	c.misses.Add(1)
	st, err := c.rebuild(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if err := c.Put(ctx, st); err != nil {
		c.log.Warn().Err(err).Str("transaction_id", txnID).Msg("write-back after rebuild failed")
	}
	return st, nil
}

// Put writes the state through both cache layers.
func (c *StateCache) Put(ctx context.Context, st *domain.TransactionState) error {
	const op = "txncache.put"
	if st == nil || st.TransactionID == "" {
		return domain.NewValidationError(op, "state with a transaction id is required")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return domain.NewInternalError(op, "encode transaction state", err)
	}
	key := StateKey(st.TransactionID)
	c.front.Add(key, string(raw))
	if err := c.store.Set(ctx, key, string(raw), c.cfg.TTL); err != nil {
		return domain.NewInternalError(op, "store transaction state", err)
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *StateCache) Stats() CacheStats {
	return CacheStats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Rebuilds: c.rebuilds.Load(),
	}
}

func decodeState(op, raw string) (*domain.TransactionState, error) {
	var st domain.TransactionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, domain.NewInternalError(op, "decode cached transaction state", err)
	}
	return &st, nil
}

// rebuild folds the transaction's event log back into a state snapshot.
func (c *StateCache) rebuild(ctx context.Context, txnID string) (*domain.TransactionState, error) {
	const op = "txncache.rebuild"
	events, err := c.db.Events().ListByTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.NewNotFoundError(op, "transaction has no recorded events", domain.ErrTxnStateNotFound).
			WithDetail("transaction_id", txnID)
	}
	c.rebuilds.Add(1)

	st := &domain.TransactionState{
		TransactionID: txnID,
		Status:        domain.TxnDiscovering,
		CreatedAt:     events[0].CreatedAt,
	}
	for i := range events {
		c.fold(st, &events[i])
	}
	st.UpdatedAt = events[len(events)-1].CreatedAt
	return st, nil
}

// fold applies one logged envelope to the state. Faulted responses carry no
// state transition and are skipped.
func (c *StateCache) fold(st *domain.TransactionState, ev *domain.Event) {
	var env protocol.Envelope
	if err := json.Unmarshal(ev.Raw, &env); err != nil {
		c.log.Debug().Err(err).Str("message_id", ev.MessageID).Msg("skipping undecodable event")
		return
	}
	if env.Faulted() {
		return
	}

	switch ev.Action {
	case protocol.ActionDiscover:
		var body protocol.DiscoverBody
		if env.Decode(&body) == nil {
			st.Criteria = &body.Criteria
		}
		st.Status = domain.TxnDiscovering
	case protocol.ActionOnDiscover:
		var body protocol.OnDiscoverBody
		if env.Decode(&body) == nil {
			st.Catalog = body.Catalog
		}
	case protocol.ActionSelect:
		var body protocol.SelectBody
		if env.Decode(&body) == nil {
			st.SelectedQty = body.Qty
		}
	case protocol.ActionOnSelect:
		var body protocol.OnSelectBody
		if env.Decode(&body) == nil {
			st.SelectedOfferID = body.OfferID
		}
		st.Status = domain.TxnSelecting
	case protocol.ActionInit:
		var body protocol.InitBody
		if env.Decode(&body) == nil && body.BuyerID != "" {
			st.BuyerID = body.BuyerID
		}
	case protocol.ActionOnInit:
		var body protocol.OnInitBody
		if env.Decode(&body) == nil {
			st.OrderID = body.OrderID
			st.SelectedOfferID = body.Quote.OfferID
			st.SelectedQty = body.Claimed
		}
		st.Status = domain.TxnInitializing
	case protocol.ActionConfirm:
		var body protocol.ConfirmBody
		if env.Decode(&body) == nil && body.BuyerID != "" {
			st.BuyerID = body.BuyerID
		}
		st.Status = domain.TxnConfirming
	case protocol.ActionOnConfirm:
		var body protocol.OnConfirmBody
		if env.Decode(&body) == nil && body.Status == domain.OrderActive {
			st.Status = domain.TxnActive
		}
	case protocol.ActionOnCancel:
		st.Status = domain.TxnCompleted
	}
}
