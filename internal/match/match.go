// Package match ranks catalog entries against a buyer's criteria. The
// engine is pure: callers fetch the catalog, the engine only filters,
// scores and sorts.
package match

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/metrics"
)

// Config carries the scoring weights and normalization constants. Weights
// should sum to 1; Validate on the top-level config enforces that.
type Config struct {
	PriceWeight   float64 `mapstructure:"price_weight" json:"price_weight"`
	TrustWeight   float64 `mapstructure:"trust_weight" json:"trust_weight"`
	TimeFitWeight float64 `mapstructure:"time_fit_weight" json:"time_fit_weight"`
	LatencyWeight float64 `mapstructure:"latency_weight" json:"latency_weight"`

	// ReferencePrice normalizes price into [0,1]: an offer at or above it
	// scores zero on price. Criteria with a max price override it.
	ReferencePrice decimal.Decimal `mapstructure:"reference_price" json:"reference_price"`

	// Horizon normalizes delivery latency: a window starting Horizon or
	// further from now scores zero on latency.
	Horizon time.Duration `mapstructure:"horizon" json:"horizon"`
}

// DefaultConfig returns the documented default weights.
func DefaultConfig() Config {
	return Config{
		PriceWeight:    0.35,
		TrustWeight:    0.35,
		TimeFitWeight:  0.20,
		LatencyWeight:  0.10,
		ReferencePrice: decimal.NewFromInt(10),
		Horizon:        24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PriceWeight == 0 && c.TrustWeight == 0 && c.TimeFitWeight == 0 && c.LatencyWeight == 0 {
		c.PriceWeight = d.PriceWeight
		c.TrustWeight = d.TrustWeight
		c.TimeFitWeight = d.TimeFitWeight
		c.LatencyWeight = d.LatencyWeight
	}
	if c.ReferencePrice.IsZero() {
		c.ReferencePrice = d.ReferencePrice
	}
	if c.Horizon <= 0 {
		c.Horizon = d.Horizon
	}
	return c
}

// Breakdown is the per-component score of one offer, each in [0,1].
type Breakdown struct {
	PriceScore      float64 `json:"price_score"`
	TrustScore      float64 `json:"trust_score"`
	TimeFit         float64 `json:"time_fit"`
	DeliveryLatency float64 `json:"delivery_latency"`
}

// Ranked is one scored catalog entry.
type Ranked struct {
	Entry     domain.CatalogEntry `json:"entry"`
	Score     float64             `json:"score"`
	Breakdown Breakdown           `json:"breakdown"`
	FullFit   bool                `json:"full_fit"`
}

// Result is a ranked catalog with the winner up front.
type Result struct {
	Best   *Ranked  `json:"best,omitempty"`
	Ranked []Ranked `json:"ranked"`

	// Relaxed is true when no entry could cover the full quantity and
	// partial fits were admitted instead.
	Relaxed bool `json:"relaxed"`
}

// Engine scores catalog entries.
type Engine struct {
	cfg Config
}

// New builds an engine with the given weights.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Rank filters, scores and orders the entries against the criteria.
// Entries whose window misses the requested window, whose source is not
// wanted, or with nothing left to claim are dropped. Full fits (claimable
// quantity covers the request) are preferred; when none exist the quantity
// filter is relaxed and partial fits compete.
func (e *Engine) Rank(entries []domain.CatalogEntry, criteria domain.DiscoveryCriteria, now time.Time) *Result {
	timer := metrics.NewTimer()
	defer timer.ObserveMatching()

	reference := e.cfg.ReferencePrice
	if criteria.MaxPricePerUnit != nil && criteria.MaxPricePerUnit.IsPositive() {
		reference = *criteria.MaxPricePerUnit
	}

	var full, partial []Ranked
	for i := range entries {
		entry := entries[i]
		if entry.Offer.Window.Overlap(criteria.RequestedWindow) <= 0 {
			continue
		}
		if !sourceWanted(entry.SourceType, criteria.SourceTypes) {
			continue
		}
		fit := claimable(entry)
		if fit <= 0 {
			continue
		}

		r := Ranked{
			Entry:   entry,
			FullFit: fit >= criteria.RequestedQty,
		}
		r.Breakdown = e.score(entry, criteria, reference, now)
		r.Score = e.cfg.PriceWeight*r.Breakdown.PriceScore +
			e.cfg.TrustWeight*r.Breakdown.TrustScore +
			e.cfg.TimeFitWeight*r.Breakdown.TimeFit +
			e.cfg.LatencyWeight*r.Breakdown.DeliveryLatency

		if r.FullFit {
			full = append(full, r)
		} else {
			partial = append(partial, r)
		}
	}

	result := &Result{}
	candidates := full
	if len(candidates) == 0 {
		candidates = partial
		result.Relaxed = len(partial) > 0
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})

	result.Ranked = candidates
	if len(candidates) > 0 {
		result.Best = &candidates[0]
	}
	return result
}

func (e *Engine) score(entry domain.CatalogEntry, criteria domain.DiscoveryCriteria, reference decimal.Decimal, now time.Time) Breakdown {
	var b Breakdown

	if reference.IsPositive() {
		ratio, _ := entry.Offer.PricePerUnit.Div(reference).Float64()
		b.PriceScore = 1 - clamp01(ratio)
	}

	b.TrustScore = clamp01(entry.Provider.TrustScore)

	if d := criteria.RequestedWindow.Duration(); d > 0 {
		b.TimeFit = clamp01(float64(entry.Offer.Window.Overlap(criteria.RequestedWindow)) / float64(d))
	}

	if e.cfg.Horizon > 0 {
		wait := entry.Offer.Window.Start.Sub(now)
		if wait < 0 {
			wait = 0
		}
		b.DeliveryLatency = 1 - clamp01(float64(wait)/float64(e.cfg.Horizon))
	}
	return b
}

// less orders by score, then trust, then price, then window start, then id.
func less(a, b Ranked) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Entry.Provider.TrustScore != b.Entry.Provider.TrustScore {
		return a.Entry.Provider.TrustScore > b.Entry.Provider.TrustScore
	}
	if cmp := a.Entry.Offer.PricePerUnit.Cmp(b.Entry.Offer.PricePerUnit); cmp != 0 {
		return cmp < 0
	}
	if !a.Entry.Offer.Window.Start.Equal(b.Entry.Offer.Window.Start) {
		return a.Entry.Offer.Window.Start.Before(b.Entry.Offer.Window.Start)
	}
	return a.Entry.Offer.ID < b.Entry.Offer.ID
}

// claimable is the quantity a buyer could actually take from the entry.
func claimable(entry domain.CatalogEntry) int64 {
	if entry.Available < entry.Offer.MaxQty {
		return entry.Available
	}
	return entry.Offer.MaxQty
}

func sourceWanted(source domain.SourceType, wanted []domain.SourceType) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if w == source {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
