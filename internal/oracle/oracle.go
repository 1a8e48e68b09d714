// Package oracle is the delivery-verification source the verifier consults
// once an order's window has closed. Production deployments would query the
// distribution company's meter data; the simulated oracle stands in for it.
package oracle

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
)

// Outcome is the oracle's verdict for one order.
type Outcome struct {
	OrderID      string                `json:"order_id"`
	Status       domain.DeliveryStatus `json:"status"`
	DeliveredQty decimal.Decimal       `json:"delivered_qty"`
	ExpectedQty  decimal.Decimal       `json:"expected_qty"`
	Ratio        float64               `json:"ratio"`
}

// Verifier reports how much of an order's energy actually flowed.
type Verifier interface {
	Verify(ctx context.Context, orderID, sellerID string, expectedQty int64) (*Outcome, error)
}

// Config tunes the simulated oracle.
type Config struct {
	// FullProbability is the chance a delivery completed in full.
	FullProbability float64 `mapstructure:"full_probability" json:"full_probability"`
	// PartialMin and PartialMax bound the delivered ratio when a delivery
	// did not complete. A draw of zero reports FAILED.
	PartialMin float64 `mapstructure:"partial_min" json:"partial_min"`
	PartialMax float64 `mapstructure:"partial_max" json:"partial_max"`
	// FailureProbability is the chance a non-full delivery flowed nothing
	// at all.
	FailureProbability float64 `mapstructure:"failure_probability" json:"failure_probability"`
}

// DefaultConfig mirrors observed grid behaviour closely enough for demos:
// most deliveries complete, the rest mostly trickle.
func DefaultConfig() Config {
	return Config{
		FullProbability:    0.85,
		PartialMin:         0.2,
		PartialMax:         0.8,
		FailureProbability: 0.3,
	}
}

// Simulated draws outcomes from the configured distribution. The rand
// source is injectable so runs are reproducible.
type Simulated struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Verifier = (*Simulated)(nil)

// NewSimulated builds the oracle with the given seed.
func NewSimulated(cfg Config, seed int64) *Simulated {
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulated) Verify(ctx context.Context, orderID, sellerID string, expectedQty int64) (*Outcome, error) {
	if expectedQty <= 0 {
		return nil, domain.NewValidationError("oracle.Verify", "expected quantity must be positive")
	}

	s.mu.Lock()
	full := s.rng.Float64() < s.cfg.FullProbability
	failed := !full && s.rng.Float64() < s.cfg.FailureProbability
	span := s.cfg.PartialMax - s.cfg.PartialMin
	ratio := s.cfg.PartialMin + s.rng.Float64()*span
	s.mu.Unlock()

	expected := decimal.NewFromInt(expectedQty)
	switch {
	case full:
		return &Outcome{
			OrderID: orderID, Status: domain.DeliveryFull,
			DeliveredQty: expected, ExpectedQty: expected, Ratio: 1,
		}, nil
	case failed:
		return &Outcome{
			OrderID: orderID, Status: domain.DeliveryFailed,
			DeliveredQty: decimal.Zero, ExpectedQty: expected, Ratio: 0,
		}, nil
	default:
		delivered := expected.Mul(decimal.NewFromFloat(ratio)).Round(6)
		return &Outcome{
			OrderID: orderID, Status: domain.DeliveryPartial,
			DeliveredQty: delivered, ExpectedQty: expected, Ratio: ratio,
		}, nil
	}
}

// Scripted returns pre-programmed ratios per order and is the oracle the
// tests and seed scenarios wire in. Orders without a script deliver in full.
type Scripted struct {
	mu     sync.Mutex
	ratios map[string]float64
}

var _ Verifier = (*Scripted)(nil)

// NewScripted builds an empty script; every order verifies FULL until a
// ratio is set.
func NewScripted() *Scripted {
	return &Scripted{ratios: make(map[string]float64)}
}

// SetRatio scripts the delivered fraction for one order. 1 is FULL, 0 is
// FAILED, anything between is PARTIAL.
func (s *Scripted) SetRatio(orderID string, ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratios[orderID] = ratio
}

func (s *Scripted) Verify(ctx context.Context, orderID, sellerID string, expectedQty int64) (*Outcome, error) {
	if expectedQty <= 0 {
		return nil, domain.NewValidationError("oracle.Verify", "expected quantity must be positive")
	}

	s.mu.Lock()
	ratio, ok := s.ratios[orderID]
	s.mu.Unlock()
	if !ok {
		ratio = 1
	}

	expected := decimal.NewFromInt(expectedQty)
	out := &Outcome{
		OrderID:      orderID,
		ExpectedQty:  expected,
		DeliveredQty: expected.Mul(decimal.NewFromFloat(ratio)).Round(6),
		Ratio:        ratio,
	}
	switch {
	case ratio >= 1:
		out.Status = domain.DeliveryFull
		out.DeliveredQty = expected
		out.Ratio = 1
	case ratio <= 0:
		out.Status = domain.DeliveryFailed
		out.DeliveredQty = decimal.Zero
		out.Ratio = 0
	default:
		out.Status = domain.DeliveryPartial
	}
	return out, nil
}
