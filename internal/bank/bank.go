// Package bank abstracts the payment rail that holds buyer funds while a
// trade is in flight. The exchange never moves real money itself; it asks
// the rail to block, release or refund and records the receipts.
package bank

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
)

// Receipt is the rail's acknowledgement of one instruction.
type Receipt struct {
	ID      string          `json:"id"`
	TradeID string          `json:"trade_id"`
	Amount  decimal.Decimal `json:"amount"`
	At      time.Time       `json:"at"`
}

// BlockRequest asks the rail to hold funds for a trade.
type BlockRequest struct {
	TradeID  string
	BuyerID  string
	SellerID string
	Amount   decimal.Decimal
	Duration time.Duration
}

// Rail is the settlement surface the escrow engine drives. Every call is
// idempotent per trade: repeating an instruction returns the original
// receipt instead of moving money twice.
type Rail interface {
	BlockFunds(ctx context.Context, req BlockRequest) (*Receipt, error)
	ReleaseFunds(ctx context.Context, tradeID string, amount decimal.Decimal) (*Receipt, error)
	RefundFunds(ctx context.Context, tradeID string, amount decimal.Decimal) (*Receipt, error)
}

type holdState string

const (
	holdBlocked  holdState = "BLOCKED"
	holdReleased holdState = "RELEASED"
	holdRefunded holdState = "REFUNDED"
)

type hold struct {
	state   holdState
	amount  decimal.Decimal
	receipt *Receipt
	settled *Receipt
}

// Mock is the in-process rail used by the standalone daemon, the scenario
// runner and the tests. Receipt ids derive from the trade id, so replays
// produce identical receipts.
type Mock struct {
	mu    sync.Mutex
	holds map[string]*hold
	clk   clock.Clock
	log   zerolog.Logger

	// failNext, when set, fails the next instruction with a transport
	// error and clears itself. Tests use it to exercise retry paths.
	failNext error
}

var _ Rail = (*Mock)(nil)

// NewMock builds an empty rail on the given clock.
func NewMock(clk clock.Clock) *Mock {
	return &Mock{
		holds: make(map[string]*hold),
		clk:   clk,
		log:   log.With().Str("component", "bank").Logger(),
	}
}

// FailNext arranges for the next instruction to fail with err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Mock) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// BlockFunds holds the amount for the trade. A repeated block for the same
// trade returns the original receipt.
func (m *Mock) BlockFunds(ctx context.Context, req BlockRequest) (*Receipt, error) {
	const op = "bank.BlockFunds"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, domain.NewTransportError(op, "bank rail unavailable", err)
	}
	if req.Amount.IsNegative() || req.Amount.IsZero() {
		return nil, domain.NewValidationError(op, "block amount must be positive")
	}

	if h, ok := m.holds[req.TradeID]; ok && h.state != holdRefunded {
		return h.receipt, nil
	}
	// A refunded hold no longer exists; the trade may block again.

	receipt := &Receipt{
		ID:      "blk_" + req.TradeID,
		TradeID: req.TradeID,
		Amount:  req.Amount,
		At:      m.clk.Now(),
	}
	m.holds[req.TradeID] = &hold{state: holdBlocked, amount: req.Amount, receipt: receipt}
	m.log.Debug().Str("trade_id", req.TradeID).Str("amount", req.Amount.String()).Msg("funds blocked")
	return receipt, nil
}

// ReleaseFunds pays the seller out of the hold.
func (m *Mock) ReleaseFunds(ctx context.Context, tradeID string, amount decimal.Decimal) (*Receipt, error) {
	return m.settle(tradeID, amount, holdReleased, "rel_", "bank.ReleaseFunds")
}

// RefundFunds returns the hold to the buyer.
func (m *Mock) RefundFunds(ctx context.Context, tradeID string, amount decimal.Decimal) (*Receipt, error) {
	return m.settle(tradeID, amount, holdRefunded, "ref_", "bank.RefundFunds")
}

func (m *Mock) settle(tradeID string, amount decimal.Decimal, to holdState, prefix, op string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, domain.NewTransportError(op, "bank rail unavailable", err)
	}

	h, ok := m.holds[tradeID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, op, "no funds blocked for trade", domain.ErrNoFundsBlocked).
			WithDetail("trade_id", tradeID)
	}
	if h.state == to && h.settled != nil {
		return h.settled, nil
	}
	if h.state != holdBlocked {
		return nil, domain.NewAlreadySettledError(op, tradeID)
	}
	if amount.GreaterThan(h.amount) {
		return nil, domain.NewValidationError(op, "settlement exceeds the blocked amount")
	}

	receipt := &Receipt{
		ID:      prefix + tradeID,
		TradeID: tradeID,
		Amount:  amount,
		At:      m.clk.Now(),
	}
	h.state = to
	h.settled = receipt
	m.log.Debug().Str("trade_id", tradeID).Str("state", string(to)).Msg("hold settled")
	return receipt, nil
}

// Hold reports the current state of a trade's hold, for tests and the
// scenario runner.
func (m *Mock) Hold(tradeID string) (state string, amount decimal.Decimal, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, found := m.holds[tradeID]
	if !found {
		return "", decimal.Zero, false
	}
	return string(h.state), h.amount, true
}
