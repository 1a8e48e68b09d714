// Package verifier settles trades after their delivery window closes. A
// periodic sweep asks the delivery oracle how much energy actually flowed
// for each past-window ACTIVE order, settles the escrow hold accordingly,
// splits the proceeds between seller and grid, and feeds the outcome back
// into both parties' trust scores. The same sweep repairs confirmations a
// crash left half-finished, closes out grid-external orders and retires
// offers with nothing left to sell.
package verifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/feed"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/oracle"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/trust"
)

// Config tunes the verification sweep.
type Config struct {
	// CheckInterval is the pause between sweeps.
	CheckInterval time.Duration `mapstructure:"check_interval" json:"check_interval"`
	// Batch caps how many orders one sweep pulls per scan.
	Batch int `mapstructure:"batch" json:"batch"`
	// GridRate is the per-block price of grid power, what the buyer pays
	// for every block a seller failed to deliver.
	GridRate decimal.Decimal `mapstructure:"grid_rate" json:"grid_rate"`
	// LockTTL bounds the per-order lease held while settling.
	LockTTL time.Duration `mapstructure:"lock_ttl" json:"lock_ttl"`
}

// DefaultConfig returns the documented operational defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 60 * time.Second,
		Batch:         50,
		GridRate:      decimal.RequireFromString("10"),
		LockTTL:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.GridRate.IsZero() {
		c.GridRate = d.GridRate
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Deps wires the sweep into the rest of the node.
type Deps struct {
	Store  relational.Manager
	Locks  *lock.Manager
	Orders *order.Service
	Escrow *escrow.Orchestrator
	Oracle oracle.Verifier
	Trust  *trust.Engine
	Feed   feed.Publisher
	Clock  clock.Clock
}

// Service is the post-window settlement loop.
type Service struct {
	cfg    Config
	store  relational.Manager
	locks  *lock.Manager
	orders *order.Service
	escrow *escrow.Orchestrator
	oracle oracle.Verifier
	trust  *trust.Engine
	feed   feed.Publisher
	clk    clock.Clock
	log    zerolog.Logger
}

// New builds the verifier service.
func New(deps Deps, cfg Config) *Service {
	if deps.Feed == nil {
		deps.Feed = feed.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.SystemClock{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  deps.Store,
		locks:  deps.Locks,
		orders: deps.Orders,
		escrow: deps.Escrow,
		oracle: deps.Oracle,
		trust:  deps.Trust,
		feed:   deps.Feed,
		clk:    deps.Clock,
		log:    log.With().Str("component", "verifier").Logger(),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.CheckInterval).Msg("delivery verifier started")
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("delivery verifier stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("verification sweep failed")
			}
		}
	}
}

// Sweep runs one verification pass: repair stuck confirmations, settle
// past-window orders, close out grid-external orders, drop spent offers.
// Per-order failures are isolated so one bad row cannot stall the queue.
func (s *Service) Sweep(ctx context.Context) error {
	metrics.VerifierRuns.Inc()
	now := s.clk.Now()

	s.recoverDrafts(ctx)

	due, err := s.store.Orders().ListVerifiable(ctx, now, s.cfg.Batch)
	if err != nil {
		return err
	}
	for i := range due {
		if err := s.verifyOrder(ctx, due[i].ID); err != nil {
			metrics.VerifierErrors.Inc()
			s.log.Error().Err(err).Str("order_id", due[i].ID).Msg("order verification failed")
		}
	}

	external, err := s.store.Orders().ListExternalPastWindow(ctx, now, s.cfg.Batch)
	if err != nil {
		return err
	}
	for i := range external {
		if err := s.completeExternal(ctx, external[i].ID); err != nil {
			metrics.VerifierErrors.Inc()
			s.log.Error().Err(err).Str("order_id", external[i].ID).Msg("external order completion failed")
		}
	}

	s.dropSpentOffers(ctx, now)
	return nil
}

// VerifyOrder settles one order on demand, outside the sweep schedule. The
// delivery window must already be over; the sweep's per-order path applies
// from there, so a concurrent sweep and an operator call cannot double-settle.
func (s *Service) VerifyOrder(ctx context.Context, orderID string) error {
	const op = "verifier.verify"

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.WindowEnd != nil && s.clk.Now().Before(*o.WindowEnd) {
		return domain.NewValidationError(op, "delivery window is still open").
			WithDetail("order_id", orderID).
			WithDetail("window_end", o.WindowEnd.Format(time.RFC3339))
	}
	return s.verifyOrder(ctx, orderID)
}

// recoverDrafts finishes confirmations that died between the funds block and
// activation. The escrow stamp on a DRAFT is the recovery marker: flip the
// reserved blocks to SOLD, then force the draft to ACTIVE.
func (s *Service) recoverDrafts(ctx context.Context) {
	drafts, err := s.store.Orders().ListEscrowedDrafts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("stuck draft scan failed")
		return
	}
	for i := range drafts {
		o := &drafts[i]
		if _, err := s.store.Blocks().MarkSoldByOrder(ctx, o.ID, s.clk.Now()); err != nil {
			s.log.Error().Err(err).Str("order_id", o.ID).Msg("recovery block flip failed")
			continue
		}
		if _, err := s.orders.Promote(ctx, o.ID); err != nil {
			if domain.IsConflict(err) {
				// A live confirmation beat the sweep to it.
				continue
			}
			s.log.Error().Err(err).Str("order_id", o.ID).Msg("stuck draft promotion failed")
		}
	}
}

// verifyOrder settles one past-window order under its lease.
func (s *Service) verifyOrder(ctx context.Context, orderID string) error {
	return s.locks.WithLock(ctx, lock.OrderKey(orderID), s.cfg.LockTTL, func(ctx context.Context) error {
		return s.verifyLocked(ctx, orderID)
	})
}

func (s *Service) verifyLocked(ctx context.Context, orderID string) error {
	const op = "verifier.verify"

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != domain.OrderActive || o.DiscomVerified {
		// Settled or cancelled while the sweep waited on the lease.
		return nil
	}
	if o.ProviderID == nil {
		return nil
	}

	seller, err := s.store.Users().GetByProvider(ctx, *o.ProviderID)
	if err != nil {
		return err
	}

	out, err := s.oracle.Verify(ctx, o.ID, seller.ID, o.TotalQty)
	if err != nil {
		return err
	}

	success := out.Status != domain.DeliveryFailed
	res, err := s.escrow.OnTradeVerified(ctx, o.ID, success)
	if err != nil {
		return err
	}

	paid := true
	pay := o.PaymentStatus
	switch res.Code {
	case escrow.CodePaymentReleased:
		pay = domain.PaymentReleased
	case escrow.CodePaymentRefunded:
		pay = domain.PaymentRefunded
	case escrow.CodeErrorAlreadySettled:
		// The rail moved the money on an earlier attempt that died before
		// its bookkeeping committed. Replay the bookkeeping.
		switch res.Status {
		case domain.EscrowReleased:
			pay = domain.PaymentReleased
		case domain.EscrowRefunded:
			pay = domain.PaymentRefunded
		default:
			paid = false
		}
	case escrow.CodeErrorBlockExpired:
		// The hold lapsed and the reconciler already returned the funds.
		// The delivery verdict still counts for trust.
		s.log.Warn().Str("order_id", o.ID).Str("delivery", string(out.Status)).
			Msg("hold expired before verification, settling without payout")
		paid = false
		pay = domain.PaymentRefunded
	case escrow.CodeErrorNoBlock:
		s.log.Error().Str("order_id", o.ID).Msg("active order carries no escrow hold")
		paid = false
	default:
		return domain.E(domain.KindInternal, op, "unexpected escrow verify code", nil).
			WithDetail("code", res.Code)
	}

	return s.settle(ctx, o, seller, out, pay, paid)
}

// settle writes the bookkeeping for a verified delivery in one transaction:
// the feedback row (whose uniqueness gates replays), the ledger credits, the
// payment split records, both trust updates and the order's terminal state.
func (s *Service) settle(ctx context.Context, o *domain.Order, seller *domain.User, out *oracle.Outcome, pay domain.PaymentStatus, paid bool) error {
	const op = "verifier.settle"
	now := s.clk.Now()

	var rec *domain.EscrowRecord
	if paid {
		var err error
		rec, err = s.store.Escrows().Get(ctx, o.ID)
		if err != nil {
			return err
		}
	}

	split := splitProceeds(o, out, s.cfg.GridRate)
	ev := s.trust.Evaluate(seller.TrustScore, out.DeliveredQty.InexactFloat64(), out.ExpectedQty.InexactFloat64())

	err := s.store.WithTransaction(ctx, func(tx relational.TransactionContext) error {
		fresh, err := tx.Settlements().InsertFeedback(ctx, &domain.DeliveryFeedback{
			OrderID:      o.ID,
			SellerID:     seller.ID,
			DeliveredQty: out.DeliveredQty,
			ExpectedQty:  out.ExpectedQty,
			Ratio:        out.Ratio,
			Status:       out.Status,
			TrustImpact:  ev.Impact,
			VerifiedAt:   now,
		})
		if err != nil {
			return err
		}
		if fresh {
			if err := s.recordMoney(ctx, tx, o, seller, out, rec, split, paid, now); err != nil {
				return err
			}
			if err := s.recordTrust(ctx, tx, o, seller, out, ev, now); err != nil {
				return err
			}
		}

		if err := order.ValidateTransition(op, o.Status, domain.OrderCompleted); err != nil {
			return err
		}
		o.Status = domain.OrderCompleted
		o.PaymentStatus = pay
		o.DiscomVerified = true
		if pay == domain.PaymentReleased {
			o.ReleasedAt = &now
		}
		o.UpdatedAt = now
		return tx.Orders().UpdateCAS(ctx, o)
	})
	if err != nil {
		return err
	}

	metrics.VerifierOutcomes.WithLabelValues(string(out.Status)).Inc()
	metrics.OrderTransitions.WithLabelValues(string(domain.OrderCompleted)).Inc()

	payload := map[string]any{
		"delivery_status": out.Status,
		"ratio":           out.Ratio,
		"payment_status":  pay,
	}
	if paid && out.Status != domain.DeliveryFailed {
		payload["seller_payment"] = split.Seller
		payload["to_grid"] = split.ToGrid
	}
	s.feed.Publish(ctx, feed.Event{
		Kind:          feed.KindOrderCompleted,
		TransactionID: o.TransactionID,
		OrderID:       o.ID,
		At:            now,
		Payload:       feed.Encode(payload),
	})
	s.log.Info().
		Str("order_id", o.ID).
		Str("delivery", string(out.Status)).
		Float64("ratio", out.Ratio).
		Str("payment_status", string(pay)).
		Msg("delivery verified")
	return nil
}

// recordMoney applies the ledger side of the settlement. The rail legs
// already ran inside OnTradeVerified; here the proceeds land on ledgers and
// the split becomes auditable payment rows.
func (s *Service) recordMoney(ctx context.Context, tx relational.TransactionContext, o *domain.Order, seller *domain.User, out *oracle.Outcome, rec *domain.EscrowRecord, split payout, paid bool, now time.Time) error {
	if !paid || rec == nil {
		return nil
	}

	if out.Status == domain.DeliveryFailed {
		if o.BuyerID != nil {
			if _, err := tx.Users().AdjustBalance(ctx, *o.BuyerID, rec.TotalBlocked, now); err != nil {
				return err
			}
		}
		refund := rec.TotalBlocked
		return tx.Settlements().InsertPaymentRecord(ctx, &domain.PaymentRecord{
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			SellerID:    &seller.ID,
			Type:        domain.PaymentRecordRefund,
			TotalAmount: rec.TotalBlocked,
			BuyerRefund: &refund,
			Status:      "SETTLED",
			CreatedAt:   now,
		})
	}

	if split.Seller.IsPositive() {
		if _, err := tx.Users().AdjustBalance(ctx, seller.ID, split.Seller, now); err != nil {
			return err
		}
	}
	fee := rec.Fee
	return tx.Settlements().InsertPaymentRecord(ctx, &domain.PaymentRecord{
		OrderID:      o.ID,
		BuyerID:      o.BuyerID,
		SellerID:     &seller.ID,
		Type:         domain.PaymentRecordRelease,
		TotalAmount:  rec.Principal,
		SellerAmount: &split.Seller,
		GridAmount:   &split.ToGrid,
		PlatformFee:  &fee,
		Status:       "SETTLED",
		CreatedAt:    now,
	})
}

// recordTrust applies the delivery verdict to the seller's score, the
// provider's counters and the buyer's settlement bonus.
func (s *Service) recordTrust(ctx context.Context, tx relational.TransactionContext, o *domain.Order, seller *domain.User, out *oracle.Outcome, ev trust.Evaluation, now time.Time) error {
	if err := tx.Users().UpdateTrust(ctx, seller.ID, ev.NewScore, ev.NewLimit, now); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]any{
		"delivered": out.DeliveredQty,
		"expected":  out.ExpectedQty,
		"ratio":     out.Ratio,
	})
	if err := tx.Settlements().InsertTrustHistory(ctx, &domain.TrustHistoryEntry{
		UserID:    seller.ID,
		PrevScore: seller.TrustScore,
		NewScore:  ev.NewScore,
		PrevLimit: seller.AllowedTradeLimit,
		NewLimit:  ev.NewLimit,
		Reason:    "delivery:" + string(out.Status),
		OrderID:   &o.ID,
		Metadata:  meta,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := tx.Providers().RecordDelivery(ctx, *o.ProviderID, out.Status == domain.DeliveryFull, ev.NewScore, now); err != nil {
		return err
	}

	if o.BuyerID == nil {
		return nil
	}
	buyer, err := tx.Users().Get(ctx, *o.BuyerID)
	if err != nil {
		return err
	}
	bonus := s.trust.BuyerBonus(buyer.TrustScore, out.Status)
	if bonus.Impact == 0 {
		return nil
	}
	if err := tx.Users().UpdateTrust(ctx, buyer.ID, bonus.NewScore, bonus.NewLimit, now); err != nil {
		return err
	}
	return tx.Settlements().InsertTrustHistory(ctx, &domain.TrustHistoryEntry{
		UserID:    buyer.ID,
		PrevScore: buyer.TrustScore,
		NewScore:  bonus.NewScore,
		PrevLimit: buyer.AllowedTradeLimit,
		NewLimit:  bonus.NewLimit,
		Reason:    "settlement:" + string(out.Status),
		OrderID:   &o.ID,
		CreatedAt: now,
	})
}

// completeExternal closes an order backed by no local provider row. There
// is no oracle feed and no hold to settle; crossing the window end completes
// the order as delivered.
func (s *Service) completeExternal(ctx context.Context, orderID string) error {
	now := s.clk.Now()
	o, err := s.orders.Transition(ctx, orderID, domain.OrderCompleted, func(o *domain.Order) error {
		o.PaymentStatus = domain.PaymentReleased
		o.ReleasedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	s.feed.Publish(ctx, feed.Event{
		Kind:          feed.KindOrderCompleted,
		TransactionID: o.TransactionID,
		OrderID:       o.ID,
		At:            now,
		Payload:       feed.Encode(map[string]any{"external": true}),
	})
	s.log.Info().Str("order_id", o.ID).Msg("external order completed past window")
	return nil
}

// dropSpentOffers retires offers whose window ended with nothing left to sell.
func (s *Service) dropSpentOffers(ctx context.Context, asOf time.Time) {
	ids, err := s.store.Catalog().ListSpentOffers(ctx, asOf)
	if err != nil {
		s.log.Error().Err(err).Msg("spent offer scan failed")
		return
	}
	for _, id := range ids {
		if err := s.store.Catalog().DeleteOffer(ctx, id); err != nil {
			s.log.Error().Err(err).Str("offer_id", id).Msg("spent offer delete failed")
			continue
		}
		s.log.Debug().Str("offer_id", id).Msg("spent offer retired")
	}
}

// payout is the proceeds split for one verified delivery.
type payout struct {
	SellerRate  decimal.Decimal
	GridPenalty decimal.Decimal
	Seller      decimal.Decimal
	ToGrid      decimal.Decimal
}

// splitProceeds divides the escrowed principal between seller and grid. The
// seller earns their own rate on every delivered block and owes the buyer's
// grid top-up premium on every undelivered one; the penalty never pushes the
// payout below zero. Whatever the seller does not take, plus the penalty,
// lands on the grid settlement account.
func splitProceeds(o *domain.Order, out *oracle.Outcome, gridRate decimal.Decimal) payout {
	rate := decimal.Zero
	if o.TotalQty > 0 {
		rate = o.TotalPrice.Div(decimal.NewFromInt(o.TotalQty))
	}

	earned := out.DeliveredQty.Mul(rate)
	undelivered := out.ExpectedQty.Sub(out.DeliveredQty)
	if undelivered.IsNegative() {
		undelivered = decimal.Zero
	}
	premium := gridRate.Sub(rate)
	if premium.IsNegative() {
		premium = decimal.Zero
	}
	penalty := premium.Mul(undelivered)

	seller := earned.Sub(penalty)
	if seller.IsNegative() {
		seller = decimal.Zero
	}
	toGrid := earned.Sub(seller).Add(penalty)

	return payout{SellerRate: rate, GridPenalty: penalty, Seller: seller, ToGrid: toGrid}
}
