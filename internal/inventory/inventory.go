// Package inventory owns block reservation: the only code that moves blocks
// between AVAILABLE, RESERVED and SOLD. Claims serialize on a per-offer
// lease and commit in one transaction, so a block can never belong to two
// orders regardless of how many claimers race.
package inventory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// Config bounds the leases the engine takes.
type Config struct {
	OfferLockTTL time.Duration `mapstructure:"offer_lock_ttl" json:"offer_lock_ttl"`
}

// DefaultConfig returns the documented lease TTLs.
func DefaultConfig() Config {
	return Config{OfferLockTTL: 10 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.OfferLockTTL <= 0 {
		c.OfferLockTTL = 10 * time.Second
	}
	return c
}

// Engine performs inventory mutations against the relational store.
type Engine struct {
	store relational.Manager
	locks *lock.Manager
	clk   clock.Clock
	ids   clock.IDGenerator
	cfg   Config
	log   zerolog.Logger
}

// New builds the engine.
func New(store relational.Manager, locks *lock.Manager, clk clock.Clock, ids clock.IDGenerator, cfg Config) *Engine {
	return &Engine{
		store: store,
		locks: locks,
		clk:   clk,
		ids:   ids,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "inventory").Logger(),
	}
}

// ClaimRequest asks for up to Qty blocks of one offer.
type ClaimRequest struct {
	OfferID       string
	TransactionID string
	BuyerID       *string
	Qty           int64
}

// ClaimResult reports what the claim actually got. Claimed may be anything
// from zero to Qty; callers decide whether a short claim is acceptable.
type ClaimResult struct {
	Order     *domain.Order `json:"order"`
	BlockIDs  []string      `json:"block_ids"`
	Claimed   int64         `json:"claimed"`
	Requested int64         `json:"requested"`
}

// itemsSnapshot is the order's frozen view of what was claimed.
type itemsSnapshot struct {
	OfferID      string          `json:"offer_id"`
	ItemID       string          `json:"item_id"`
	Qty          int64           `json:"qty"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
}

// ClaimBlocks reserves up to req.Qty blocks of the offer and inserts the
// DRAFT order carrying them, all in one transaction under the offer lease.
// The order's quantity and price reflect what was claimed, not what was
// asked for.
func (e *Engine) ClaimBlocks(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	const op = "inventory.claim_blocks"
	if req.OfferID == "" || req.TransactionID == "" {
		return nil, domain.NewValidationError(op, "offer id and transaction id are required")
	}
	if req.Qty < 0 {
		return nil, domain.NewValidationError(op, "quantity must not be negative")
	}

	var result *ClaimResult
	err := e.locks.WithLock(ctx, lock.OfferKey(req.OfferID), e.cfg.OfferLockTTL, func(ctx context.Context) error {
		return e.store.WithTransaction(ctx, func(tx relational.TransactionContext) error {
			offer, err := tx.Catalog().GetOffer(ctx, req.OfferID)
			if err != nil {
				return err
			}
			now := e.clk.Now()
			if !offer.Window.End.After(now) {
				return domain.NewValidationError(op, "offer delivery window has elapsed").
					WithDetail("offer_id", offer.ID)
			}

			var picked []domain.Block
			if req.Qty > 0 {
				picked, err = tx.Blocks().SelectAvailable(ctx, offer.ID, req.Qty)
				if err != nil {
					return err
				}
			}

			claimed := int64(len(picked))
			total := offer.PricePerUnit.Mul(decimal.NewFromInt(claimed))
			snapshot, err := json.Marshal(itemsSnapshot{
				OfferID:      offer.ID,
				ItemID:       offer.ItemID,
				Qty:          claimed,
				PricePerUnit: offer.PricePerUnit,
				WindowStart:  offer.Window.Start,
				WindowEnd:    offer.Window.End,
			})
			if err != nil {
				return domain.NewInternalError(op, "encode items snapshot", err)
			}

			windowStart := offer.Window.Start
			windowEnd := offer.Window.End
			order := &domain.Order{
				ID:              e.ids.NewID(),
				TransactionID:   req.TransactionID,
				ProviderID:      &offer.ProviderID,
				SelectedOfferID: &offer.ID,
				BuyerID:         req.BuyerID,
				Status:          domain.OrderDraft,
				TotalQty:        claimed,
				TotalPrice:      total,
				Currency:        offer.Currency,
				ItemsSnapshot:   snapshot,
				Version:         1,
				PaymentStatus:   domain.PaymentPending,
				WindowStart:     &windowStart,
				WindowEnd:       &windowEnd,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.Orders().Create(ctx, order); err != nil {
				return err
			}

			blockIDs := make([]string, claimed)
			for i := range picked {
				blockIDs[i] = picked[i].ID
			}
			if claimed > 0 {
				n, err := tx.Blocks().Reserve(ctx, blockIDs, order.ID, req.TransactionID, now)
				if err != nil {
					return err
				}
				if n != claimed {
					// Another writer got between the select and the
					// update; roll everything back and let the caller retry.
					return domain.NewOptimisticLockError(op, "offer blocks", offer.ID)
				}
			}

			result = &ClaimResult{
				Order:     order,
				BlockIDs:  blockIDs,
				Claimed:   claimed,
				Requested: req.Qty,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.BlocksClaimed.Add(float64(result.Claimed))
	e.log.Info().
		Str("offer_id", req.OfferID).
		Str("order_id", result.Order.ID).
		Int64("requested", req.Qty).
		Int64("claimed", result.Claimed).
		Msg("blocks claimed")
	return result, nil
}

// ReleaseBlocks returns every RESERVED block of the transaction to
// AVAILABLE and reports how many moved. Zero is not an error: an expired
// or replayed release has nothing left to do. Callers hold the relevant
// order or transaction lease.
func (e *Engine) ReleaseBlocks(ctx context.Context, txnID string) (int64, error) {
	const op = "inventory.release_blocks"
	if txnID == "" {
		return 0, domain.NewValidationError(op, "transaction id is required")
	}

	n, err := e.store.Blocks().ReleaseByTransaction(ctx, txnID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.BlocksReleased.Add(float64(n))
		e.log.Info().Str("transaction_id", txnID).Int64("released", n).Msg("blocks released")
	}
	return n, nil
}

// MarkSold finalizes the order's RESERVED blocks as SOLD. The caller holds
// the order lease and has already secured payment.
func (e *Engine) MarkSold(ctx context.Context, orderID string) (int64, error) {
	const op = "inventory.mark_sold"
	if orderID == "" {
		return 0, domain.NewValidationError(op, "order id is required")
	}

	n, err := e.store.Blocks().MarkSoldByOrder(ctx, orderID, e.clk.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.BlocksSold.Add(float64(n))
		e.log.Info().Str("order_id", orderID).Int64("sold", n).Msg("blocks sold")
	}
	return n, nil
}

// Counts reports the offer's block census for invariants and surfaces.
func (e *Engine) Counts(ctx context.Context, offerID string) (relational.BlockCounts, error) {
	return e.store.Blocks().CountByOffer(ctx, offerID)
}
