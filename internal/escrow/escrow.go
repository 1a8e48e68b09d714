// Package escrow orchestrates funds custody for trades: block on placement,
// release or refund on verification, expire abandoned holds. Every run
// walks six numbered stages and returns them as a step log, so a failed or
// replayed settlement can be reconstructed from its output alone.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/bank"
	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// Result codes. The ERROR_ codes are outcomes, not failures: the orchestrator
// returns them with a full step log and a nil error.
const (
	CodeBlockConfirmed      = "BLOCK_CONFIRMED"
	CodePaymentReleased     = "PAYMENT_RELEASED"
	CodePaymentRefunded     = "PAYMENT_REFUNDED"
	CodeErrorNoBlock        = "ERROR_NO_BLOCK"
	CodeErrorAlreadySettled = "ERROR_ALREADY_SETTLED"
	CodeErrorBlockExpired   = "ERROR_BLOCK_EXPIRED"
)

// Config sets the fee schedule and hold lifetime.
type Config struct {
	// FeeRate is the platform fee as a fraction of the principal.
	FeeRate decimal.Decimal `mapstructure:"fee_rate" json:"fee_rate"`
	// FeeCap bounds the absolute fee.
	FeeCap decimal.Decimal `mapstructure:"fee_cap" json:"fee_cap"`
	// BlockDuration is how long a hold lives before the reconciler expires it.
	BlockDuration time.Duration `mapstructure:"block_duration" json:"block_duration"`
	// ReconcileBatch bounds one reconciler sweep.
	ReconcileBatch int `mapstructure:"reconcile_batch" json:"reconcile_batch"`
}

// DefaultConfig returns the documented fee schedule: 0.03% capped at 20.
func DefaultConfig() Config {
	return Config{
		FeeRate:        decimal.RequireFromString("0.0003"),
		FeeCap:         decimal.NewFromInt(20),
		BlockDuration:  72 * time.Hour,
		ReconcileBatch: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FeeRate.IsZero() {
		c.FeeRate = d.FeeRate
	}
	if c.FeeCap.IsZero() {
		c.FeeCap = d.FeeCap
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = d.BlockDuration
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = d.ReconcileBatch
	}
	return c
}

// Step is one numbered stage of an orchestrator run.
type Step struct {
	Stage  int       `json:"stage"`
	Label  string    `json:"label"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Counts reports the trade's custody census after an operation.
type Counts struct {
	EscrowInserted bool `json:"escrow_inserted"`
	Transfers      int  `json:"transfers"`
}

// PlaceRequest asks the orchestrator to take custody of a trade's funds.
type PlaceRequest struct {
	TradeID   string
	BuyerID   string
	SellerID  string
	Principal decimal.Decimal
	// Duration overrides Config.BlockDuration when positive.
	Duration time.Duration
}

// PlaceResult is the outcome of OnTradePlaced.
type PlaceResult struct {
	Code    string               `json:"code"`
	Escrow  *domain.EscrowRecord `json:"escrow"`
	Receipt *bank.Receipt        `json:"receipt,omitempty"`
	Counts  Counts               `json:"counts"`
	Steps   []Step               `json:"steps"`
}

// SettleResult is the outcome of OnTradeVerified.
type SettleResult struct {
	Code    string              `json:"code"`
	Status  domain.EscrowStatus `json:"status"`
	Amount  decimal.Decimal     `json:"amount"`
	Receipt *bank.Receipt       `json:"receipt,omitempty"`
	Steps   []Step              `json:"steps"`
}

// CancelResult is the outcome of OnTradeCancelled.
type CancelResult struct {
	Code    string              `json:"code"`
	Status  domain.EscrowStatus `json:"status"`
	Penalty decimal.Decimal     `json:"penalty"`
	Refund  decimal.Decimal     `json:"refund"`
	Receipt *bank.Receipt       `json:"receipt,omitempty"`
	Steps   []Step              `json:"steps"`
}

// Orchestrator drives the bank rail and the escrow tables.
type Orchestrator struct {
	store relational.Manager
	rail  bank.Rail
	clk   clock.Clock
	ids   clock.IDGenerator
	cfg   Config
	log   zerolog.Logger
}

// New builds the orchestrator.
func New(store relational.Manager, rail bank.Rail, clk clock.Clock, ids clock.IDGenerator, cfg Config) *Orchestrator {
	return &Orchestrator{
		store: store,
		rail:  rail,
		clk:   clk,
		ids:   ids,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "escrow").Logger(),
	}
}

// Fee computes the platform fee for a principal: rate-proportional, capped.
func (o *Orchestrator) Fee(principal decimal.Decimal) decimal.Decimal {
	fee := principal.Mul(o.cfg.FeeRate)
	if fee.GreaterThan(o.cfg.FeeCap) {
		return o.cfg.FeeCap
	}
	return fee
}

// stepper accumulates the numbered audit trail of one run.
type stepper struct {
	op    string
	trade string
	clk   clock.Clock
	log   zerolog.Logger
	steps []Step
}

func (s *stepper) add(stage int, label, format string, args ...any) {
	step := Step{
		Stage:  stage,
		Label:  label,
		Detail: fmt.Sprintf(format, args...),
		At:     s.clk.Now(),
	}
	s.steps = append(s.steps, step)
	s.log.Info().
		Str("trade_id", s.trade).
		Str("operation", s.op).
		Int("stage", stage).
		Str("label", label).
		Msg(step.Detail)
}

// OnTradePlaced blocks principal+fee at the bank and records the hold.
// Replaying the same trade returns the stored hold with a noop census.
func (o *Orchestrator) OnTradePlaced(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	const op = "escrow.on_trade_placed"
	run := &stepper{op: "place", trade: req.TradeID, clk: o.clk, log: o.log}

	run.add(1, "VALIDATE", "trade %s buyer %s seller %s principal %s",
		req.TradeID, req.BuyerID, req.SellerID, req.Principal)
	if req.TradeID == "" || req.BuyerID == "" || req.SellerID == "" {
		return nil, domain.NewValidationError(op, "trade, buyer and seller ids are required")
	}
	if !req.Principal.IsPositive() {
		return nil, domain.NewValidationError(op, "principal must be positive")
	}

	duration := req.Duration
	if duration <= 0 {
		duration = o.cfg.BlockDuration
	}
	fee := o.Fee(req.Principal)
	total := req.Principal.Add(fee)
	run.add(2, "QUOTE", "fee %s total_blocked %s duration %s", fee, total, duration)

	receipt, err := o.rail.BlockFunds(ctx, bank.BlockRequest{
		TradeID:  req.TradeID,
		BuyerID:  req.BuyerID,
		SellerID: req.SellerID,
		Amount:   total,
		Duration: duration,
	})
	if err != nil {
		metrics.RecordEscrowOp("place", "bank_error")
		return nil, err
	}
	run.add(3, "BLOCK_FUNDS", "receipt %s amount %s", receipt.ID, receipt.Amount)

	now := o.clk.Now()
	rec := &domain.EscrowRecord{
		TradeID:         req.TradeID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		Principal:       req.Principal,
		Fee:             fee,
		TotalBlocked:    total,
		Status:          domain.EscrowBlocked,
		ExpiresAt:       now.Add(duration),
		FundedReceiptID: &receipt.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Escrow row and buyer debit land together or not at all: a BLOCKED row
	// always means the buyer's ledger was charged, which is what the expiry
	// and cancellation credits assume.
	inserted := false
	err = o.store.WithTransaction(ctx, func(tx relational.TransactionContext) error {
		var err error
		inserted, err = tx.Escrows().Insert(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		_, err = tx.Users().AdjustBalance(ctx, req.BuyerID, total.Neg(), now)
		return err
	})
	if err != nil {
		// The hold was already taken at the rail; hand it back.
		if _, rerr := o.rail.RefundFunds(ctx, req.TradeID, total); rerr != nil {
			o.log.Error().Err(rerr).Str("trade_id", req.TradeID).
				Msg("compensating refund failed after ledger error")
		}
		metrics.RecordEscrowOp("place", "ledger_error")
		return nil, err
	}
	if inserted {
		run.add(4, "PERSIST", "escrow row inserted, buyer debited %s, expires %s",
			total, rec.ExpiresAt.Format(time.RFC3339))
	} else {
		// Placement replay: surface the stored hold, not the fresh struct.
		stored, err := o.store.Escrows().Get(ctx, req.TradeID)
		if err != nil {
			return nil, err
		}
		rec = stored
		run.add(4, "PERSIST", "escrow row already present (noop)")
	}

	transfers, err := o.store.Escrows().Transfers(ctx, req.TradeID)
	if err != nil {
		return nil, err
	}
	run.add(5, "CENSUS", "inserted=%t transfers=%d", inserted, len(transfers))

	run.add(6, "RESULT", CodeBlockConfirmed)
	metrics.RecordEscrowOp("place", CodeBlockConfirmed)
	return &PlaceResult{
		Code:    CodeBlockConfirmed,
		Escrow:  rec,
		Receipt: receipt,
		Counts:  Counts{EscrowInserted: inserted, Transfers: len(transfers)},
		Steps:   run.steps,
	}, nil
}

// OnTradeVerified settles the hold: release on success, refund on failure.
// Replays and expired holds come back as ERROR_ codes with the stages that
// led there, so the audit trail covers every duplicate delivery report.
func (o *Orchestrator) OnTradeVerified(ctx context.Context, tradeID string, success bool) (*SettleResult, error) {
	const op = "escrow.on_trade_verified"
	run := &stepper{op: "verify", trade: tradeID, clk: o.clk, log: o.log}

	rec, err := o.store.Escrows().Get(ctx, tradeID)
	if domain.IsNotFound(err) {
		run.add(1, "LOAD", "no escrow row for trade")
		run.add(6, "RESULT", CodeErrorNoBlock)
		metrics.RecordEscrowOp("verify", CodeErrorNoBlock)
		return &SettleResult{Code: CodeErrorNoBlock, Steps: run.steps}, nil
	}
	if err != nil {
		return nil, err
	}
	run.add(1, "LOAD", "status %s principal %s total %s", rec.Status, rec.Principal, rec.TotalBlocked)

	// A prior transfer wins over every other guard: the money already moved.
	transfers, err := o.store.Escrows().Transfers(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if len(transfers) > 0 {
		run.add(2, "GUARD_SETTLED", "transfer %s already recorded", transfers[0].Kind)
		run.add(6, "RESULT", CodeErrorAlreadySettled)
		metrics.RecordEscrowOp("verify", CodeErrorAlreadySettled)
		return &SettleResult{Code: CodeErrorAlreadySettled, Status: rec.Status, Steps: run.steps}, nil
	}
	run.add(2, "GUARD_SETTLED", "no prior transfers")

	now := o.clk.Now()
	if rec.Status == domain.EscrowExpired || rec.ExpiresAt.Before(now) {
		run.add(3, "GUARD_EXPIRY", "hold expired at %s", rec.ExpiresAt.Format(time.RFC3339))
		run.add(6, "RESULT", CodeErrorBlockExpired)
		metrics.RecordEscrowOp("verify", CodeErrorBlockExpired)
		return &SettleResult{Code: CodeErrorBlockExpired, Status: rec.Status, Steps: run.steps}, nil
	}
	if rec.Status != domain.EscrowBlocked {
		// RELEASED/REFUNDED without a transfer row cannot happen through
		// this orchestrator; treat it as settled to stay safe.
		run.add(3, "GUARD_EXPIRY", "status %s is not BLOCKED", rec.Status)
		run.add(6, "RESULT", CodeErrorAlreadySettled)
		metrics.RecordEscrowOp("verify", CodeErrorAlreadySettled)
		return &SettleResult{Code: CodeErrorAlreadySettled, Status: rec.Status, Steps: run.steps}, nil
	}
	run.add(3, "GUARD_EXPIRY", "hold live until %s", rec.ExpiresAt.Format(time.RFC3339))

	var (
		receipt *bank.Receipt
		kind    domain.TransferKind
		amount  decimal.Decimal
		status  domain.EscrowStatus
		code    string
	)
	if success {
		kind, amount, status, code = domain.TransferRelease, rec.Principal, domain.EscrowReleased, CodePaymentReleased
		receipt, err = o.rail.ReleaseFunds(ctx, tradeID, amount)
	} else {
		kind, amount, status, code = domain.TransferRefund, rec.TotalBlocked, domain.EscrowRefunded, CodePaymentRefunded
		receipt, err = o.rail.RefundFunds(ctx, tradeID, amount)
	}
	if err != nil {
		metrics.RecordEscrowOp("verify", "bank_error")
		return nil, err
	}
	run.add(4, "SETTLE_FUNDS", "%s %s receipt %s", kind, amount, receipt.ID)

	// Transfer insert and status flip land together or not at all.
	err = o.store.WithTransaction(ctx, func(tx relational.TransactionContext) error {
		inserted, err := tx.Escrows().InsertTransfer(ctx, &domain.Transfer{
			ID:        o.ids.NewID(),
			TradeID:   tradeID,
			Kind:      kind,
			Amount:    amount,
			Status:    "SETTLED",
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return domain.NewAlreadySettledError(op, tradeID)
		}
		moved, err := tx.Escrows().TransitionStatus(ctx, tradeID, domain.EscrowBlocked, status, &receipt.ID, now)
		if err != nil {
			return err
		}
		if !moved {
			return domain.NewConflictError(op, "escrow status moved during settlement", nil).
				WithDetail("trade_id", tradeID)
		}
		return nil
	})
	if err != nil {
		if domain.IsAlreadySettled(err) {
			// Another settler slid in between the guard and the insert.
			run.add(5, "PERSIST", "transfer insert noop, settled concurrently")
			run.add(6, "RESULT", CodeErrorAlreadySettled)
			metrics.RecordEscrowOp("verify", CodeErrorAlreadySettled)
			return &SettleResult{Code: CodeErrorAlreadySettled, Status: rec.Status, Steps: run.steps}, nil
		}
		return nil, err
	}
	run.add(5, "PERSIST", "transfer %s recorded, escrow %s", kind, status)

	run.add(6, "RESULT", "%s", code)
	metrics.RecordEscrowOp("verify", code)
	return &SettleResult{
		Code:    code,
		Status:  status,
		Amount:  amount,
		Receipt: receipt,
		Steps:   run.steps,
	}, nil
}

// OnTradeCancelled unwinds a live hold before delivery: the rail returns the
// whole hold, the buyer is credited everything minus the penalty, and the
// penalty lands on the seller's ledger. Replays come back ERROR_ codes the
// same way verification replays do.
func (o *Orchestrator) OnTradeCancelled(ctx context.Context, tradeID string, penaltyRate decimal.Decimal) (*CancelResult, error) {
	const op = "escrow.on_trade_cancelled"
	run := &stepper{op: "cancel", trade: tradeID, clk: o.clk, log: o.log}

	if penaltyRate.IsNegative() || penaltyRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, domain.NewValidationError(op, "penalty rate must be in [0,1)")
	}

	rec, err := o.store.Escrows().Get(ctx, tradeID)
	if domain.IsNotFound(err) {
		run.add(1, "LOAD", "no escrow row for trade")
		run.add(6, "RESULT", CodeErrorNoBlock)
		metrics.RecordEscrowOp("cancel", CodeErrorNoBlock)
		return &CancelResult{Code: CodeErrorNoBlock, Steps: run.steps}, nil
	}
	if err != nil {
		return nil, err
	}
	run.add(1, "LOAD", "status %s total %s", rec.Status, rec.TotalBlocked)

	transfers, err := o.store.Escrows().Transfers(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if len(transfers) > 0 {
		run.add(2, "GUARD_SETTLED", "transfer %s already recorded", transfers[0].Kind)
		run.add(6, "RESULT", CodeErrorAlreadySettled)
		metrics.RecordEscrowOp("cancel", CodeErrorAlreadySettled)
		return &CancelResult{Code: CodeErrorAlreadySettled, Status: rec.Status, Steps: run.steps}, nil
	}
	run.add(2, "GUARD_SETTLED", "no prior transfers")

	now := o.clk.Now()
	if rec.Status == domain.EscrowExpired || rec.ExpiresAt.Before(now) {
		run.add(3, "GUARD_EXPIRY", "hold expired at %s", rec.ExpiresAt.Format(time.RFC3339))
		run.add(6, "RESULT", CodeErrorBlockExpired)
		metrics.RecordEscrowOp("cancel", CodeErrorBlockExpired)
		return &CancelResult{Code: CodeErrorBlockExpired, Status: rec.Status, Steps: run.steps}, nil
	}
	if rec.Status != domain.EscrowBlocked {
		run.add(3, "GUARD_EXPIRY", "status %s is not BLOCKED", rec.Status)
		run.add(6, "RESULT", CodeErrorAlreadySettled)
		metrics.RecordEscrowOp("cancel", CodeErrorAlreadySettled)
		return &CancelResult{Code: CodeErrorAlreadySettled, Status: rec.Status, Steps: run.steps}, nil
	}
	run.add(3, "GUARD_EXPIRY", "hold live until %s", rec.ExpiresAt.Format(time.RFC3339))

	penalty := rec.TotalBlocked.Mul(penaltyRate)
	refund := rec.TotalBlocked.Sub(penalty)
	receipt, err := o.rail.RefundFunds(ctx, tradeID, rec.TotalBlocked)
	if err != nil {
		metrics.RecordEscrowOp("cancel", "bank_error")
		return nil, err
	}
	run.add(4, "REFUND_FUNDS", "receipt %s penalty %s refund %s", receipt.ID, penalty, refund)

	err = o.store.WithTransaction(ctx, func(tx relational.TransactionContext) error {
		inserted, err := tx.Escrows().InsertTransfer(ctx, &domain.Transfer{
			ID:        o.ids.NewID(),
			TradeID:   tradeID,
			Kind:      domain.TransferRefund,
			Amount:    refund,
			Status:    "CANCELLED",
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return domain.NewAlreadySettledError(op, tradeID)
		}
		moved, err := tx.Escrows().TransitionStatus(ctx, tradeID, domain.EscrowBlocked, domain.EscrowRefunded, &receipt.ID, now)
		if err != nil {
			return err
		}
		if !moved {
			return domain.NewConflictError(op, "escrow status moved during cancellation", nil).
				WithDetail("trade_id", tradeID)
		}
		if _, err := tx.Users().AdjustBalance(ctx, rec.BuyerID, refund, now); err != nil {
			return err
		}
		if penalty.IsPositive() {
			if _, err := tx.Users().AdjustBalance(ctx, rec.SellerID, penalty, now); err != nil {
				return err
			}
			if err := tx.Settlements().InsertPaymentRecord(ctx, &domain.PaymentRecord{
				OrderID:      tradeID,
				BuyerID:      &rec.BuyerID,
				SellerID:     &rec.SellerID,
				Type:         domain.PaymentRecordCancelPenalty,
				TotalAmount:  rec.TotalBlocked,
				SellerAmount: &penalty,
				Status:       "CANCELLED",
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}
		return tx.Settlements().InsertPaymentRecord(ctx, &domain.PaymentRecord{
			OrderID:     tradeID,
			BuyerID:     &rec.BuyerID,
			SellerID:    &rec.SellerID,
			Type:        domain.PaymentRecordRefund,
			TotalAmount: rec.TotalBlocked,
			BuyerRefund: &refund,
			Status:      "CANCELLED",
			CreatedAt:   now,
		})
	})
	if err != nil {
		if domain.IsAlreadySettled(err) {
			run.add(5, "PERSIST", "transfer insert noop, settled concurrently")
			run.add(6, "RESULT", CodeErrorAlreadySettled)
			metrics.RecordEscrowOp("cancel", CodeErrorAlreadySettled)
			return &CancelResult{Code: CodeErrorAlreadySettled, Status: rec.Status, Steps: run.steps}, nil
		}
		return nil, err
	}
	run.add(5, "PERSIST", "refund transfer recorded, escrow REFUNDED")

	run.add(6, "RESULT", CodePaymentRefunded)
	metrics.RecordEscrowOp("cancel", CodePaymentRefunded)
	return &CancelResult{
		Code:    CodePaymentRefunded,
		Status:  domain.EscrowRefunded,
		Penalty: penalty,
		Refund:  refund,
		Receipt: receipt,
		Steps:   run.steps,
	}, nil
}

// ReconcileExpired sweeps BLOCKED holds past their deadline: the hold is
// refunded at the bank, flipped to EXPIRED and the buyer's ledger credited.
// No transfer row is written, so a late verification still reports
// ERROR_BLOCK_EXPIRED rather than ERROR_ALREADY_SETTLED.
func (o *Orchestrator) ReconcileExpired(ctx context.Context) (int, error) {
	now := o.clk.Now()
	stale, err := o.store.Escrows().ListExpiredBlocked(ctx, now, o.cfg.ReconcileBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		rec := &stale[i]
		moved, err := o.expireOne(ctx, rec, now)
		if err != nil {
			o.log.Error().Err(err).Str("trade_id", rec.TradeID).Msg("escrow expiry failed")
			continue
		}
		if moved {
			expired++
		}
	}
	return expired, nil
}

// RunReconciler sweeps expired holds on a fixed interval until ctx is
// cancelled. The daemon runs this next to the delivery verifier.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	o.log.Info().Dur("interval", interval).Msg("escrow reconciler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("escrow reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.ReconcileExpired(ctx); err != nil {
				o.log.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

func (o *Orchestrator) expireOne(ctx context.Context, rec *domain.EscrowRecord, now time.Time) (bool, error) {
	receipt, err := o.rail.RefundFunds(ctx, rec.TradeID, rec.TotalBlocked)
	if err != nil {
		return false, err
	}

	moved := false
	err = o.store.WithTransaction(ctx, func(tx relational.TransactionContext) error {
		var err error
		moved, err = tx.Escrows().TransitionStatus(ctx, rec.TradeID, domain.EscrowBlocked, domain.EscrowExpired, &receipt.ID, now)
		if err != nil {
			return err
		}
		if !moved {
			// A settlement won the race; leave its outcome alone.
			return nil
		}
		if _, err := tx.Users().AdjustBalance(ctx, rec.BuyerID, rec.TotalBlocked, now); err != nil {
			return err
		}
		refund := rec.TotalBlocked
		return tx.Settlements().InsertPaymentRecord(ctx, &domain.PaymentRecord{
			OrderID:     rec.TradeID,
			BuyerID:     &rec.BuyerID,
			SellerID:    &rec.SellerID,
			Type:        domain.PaymentRecordRefund,
			TotalAmount: rec.TotalBlocked,
			BuyerRefund: &refund,
			Status:      "EXPIRED",
			CreatedAt:   now,
		})
	})
	if err != nil || !moved {
		return false, err
	}

	metrics.EscrowExpired.Inc()
	metrics.RecordEscrowOp("reconcile", CodeErrorBlockExpired)
	o.log.Warn().Str("trade_id", rec.TradeID).
		Str("total_blocked", rec.TotalBlocked.String()).
		Msg("escrow hold expired")
	return true, nil
}
