// Package trust maps delivery outcomes to new trust scores and allowed-trade
// limits. Pure functions, no I/O; the verifier persists the results.
package trust

import "github.com/wattex/wattexd/internal/domain"

// Config holds the tunable constants of the engine. Zero values are replaced
// with the documented defaults.
type Config struct {
	FullBonus         float64 `mapstructure:"full_bonus"`          // score bonus on full delivery
	PenaltyScale      float64 `mapstructure:"penalty_scale"`       // scales with the undelivered fraction
	FailurePenalty    float64 `mapstructure:"failure_penalty"`     // flat penalty on zero delivery
	BuyerFullBonus    float64 `mapstructure:"buyer_full_bonus"`    // buyer-side bonus on full delivery
	BuyerPartialBonus float64 `mapstructure:"buyer_partial_bonus"` // buyer-side bonus on partial delivery
}

// DefaultConfig returns the demo constants.
func DefaultConfig() Config {
	return Config{
		FullBonus:         0.02,
		PenaltyScale:      0.10,
		FailurePenalty:    0.15,
		BuyerFullBonus:    0.01,
		BuyerPartialBonus: 0.005,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FullBonus == 0 {
		c.FullBonus = d.FullBonus
	}
	if c.PenaltyScale == 0 {
		c.PenaltyScale = d.PenaltyScale
	}
	if c.FailurePenalty == 0 {
		c.FailurePenalty = d.FailurePenalty
	}
	if c.BuyerFullBonus == 0 {
		c.BuyerFullBonus = d.BuyerFullBonus
	}
	if c.BuyerPartialBonus == 0 {
		c.BuyerPartialBonus = d.BuyerPartialBonus
	}
	return c
}

// Engine evaluates delivery outcomes against one Config.
type Engine struct {
	cfg Config
}

// NewEngine builds an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Evaluation is the outcome of one trust update.
type Evaluation struct {
	Ratio    float64 `json:"ratio"`
	Impact   float64 `json:"trust_impact"`
	NewScore float64 `json:"new_score"`
	NewLimit float64 `json:"new_limit"`
}

// Evaluate computes the seller-side trust update for a delivery.
//
//	ratio >= 1       -> +FullBonus
//	0 < ratio < 1    -> -PenaltyScale * (1 - ratio)
//	ratio == 0       -> -FailurePenalty
//
// The new score is clamped to [0, 1] and the limit follows LimitFor.
func (e *Engine) Evaluate(prevScore, deliveredQty, expectedQty float64) Evaluation {
	ratio := Ratio(deliveredQty, expectedQty)

	var impact float64
	switch {
	case ratio >= 1.0:
		impact = e.cfg.FullBonus
	case ratio > 0:
		impact = -e.cfg.PenaltyScale * (1 - ratio)
	default:
		impact = -e.cfg.FailurePenalty
	}

	newScore := Clamp(prevScore+impact, 0, 1)
	return Evaluation{
		Ratio:    ratio,
		Impact:   impact,
		NewScore: newScore,
		NewLimit: LimitFor(newScore),
	}
}

// BuyerBonus computes the buyer-side bonus for a settled order. FAILED
// deliveries earn nothing.
func (e *Engine) BuyerBonus(prevScore float64, status domain.DeliveryStatus) Evaluation {
	var impact float64
	switch status {
	case domain.DeliveryFull:
		impact = e.cfg.BuyerFullBonus
	case domain.DeliveryPartial:
		impact = e.cfg.BuyerPartialBonus
	}

	newScore := Clamp(prevScore+impact, 0, 1)
	return Evaluation{
		Impact:   impact,
		NewScore: newScore,
		NewLimit: LimitFor(newScore),
	}
}

// Ratio is delivered/expected, 0 when expected is 0.
func Ratio(delivered, expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	return delivered / expected
}

// StatusFor classifies a delivery ratio.
func StatusFor(ratio float64) domain.DeliveryStatus {
	switch {
	case ratio >= 1.0:
		return domain.DeliveryFull
	case ratio > 0:
		return domain.DeliveryPartial
	default:
		return domain.DeliveryFailed
	}
}

// LimitFor maps a trust score to the allowed-trade limit in percent of
// installed capacity. Piecewise linear: 10% up to score 0.3, 50% at 0.7,
// 100% at 1.0. Monotone non-decreasing and bounded.
func LimitFor(score float64) float64 {
	s := Clamp(score, 0, 1)
	switch {
	case s <= 0.3:
		return 10
	case s <= 0.7:
		return 10 + (s-0.3)/0.4*40
	default:
		return 50 + (s-0.7)/0.3*50
	}
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
