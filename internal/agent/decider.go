package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/match"
)

// MarketSnapshot is the catalog view one tick shares across every agent.
type MarketSnapshot struct {
	AsOf    time.Time
	Entries []domain.CatalogEntry
}

// Draft is a strategy's intent to trade, before it becomes a persisted
// proposal.
type Draft struct {
	Action       domain.ProposalAction
	OfferID      string
	Qty          int64
	PricePerUnit decimal.Decimal
	Reasoning    string
}

// Decider turns an agent's risk envelope and a market snapshot into trade
// drafts. Implementations must be safe for concurrent use; the runtime ticks
// many agents against one snapshot.
type Decider interface {
	Decide(ctx context.Context, a *domain.Agent, snap MarketSnapshot) ([]Draft, error)
}

// RuleBased is the stock strategy: buyer agents bid for the best-ranked
// offer inside their envelope, seller agents produce nothing. Selling
// strategies plug in through the Decider interface.
type RuleBased struct {
	matcher   *match.Engine
	lookahead time.Duration
}

// NewRuleBased builds the stock strategy. lookahead bounds how far ahead a
// considered delivery window may reach; zero means 24 hours.
func NewRuleBased(matcher *match.Engine, lookahead time.Duration) *RuleBased {
	if matcher == nil {
		matcher = match.New(match.Config{})
	}
	if lookahead <= 0 {
		lookahead = 24 * time.Hour
	}
	return &RuleBased{matcher: matcher, lookahead: lookahead}
}

// Decide implements Decider. The matcher treats the price ceiling as a
// scoring reference, not a filter, so the cap and the trust floor are
// enforced here before the winner becomes a draft.
func (s *RuleBased) Decide(_ context.Context, a *domain.Agent, snap MarketSnapshot) ([]Draft, error) {
	if a.Type != domain.AgentBuyer {
		return nil, nil
	}

	qty := a.Config.MaxQty
	if qty <= 0 {
		qty = 1
	}
	criteria := domain.DiscoveryCriteria{
		RequestedQty:    qty,
		RequestedWindow: domain.TimeWindow{Start: snap.AsOf, End: snap.AsOf.Add(s.lookahead)},
		SourceTypes:     a.Config.PreferredSources,
	}
	if a.Config.MaxPricePerUnit.IsPositive() {
		ceiling := a.Config.MaxPricePerUnit
		criteria.MaxPricePerUnit = &ceiling
	}

	res := s.matcher.Rank(snap.Entries, criteria, snap.AsOf)
	if res.Best == nil {
		return nil, nil
	}
	best := res.Best.Entry
	if a.Config.MaxPricePerUnit.IsPositive() && best.Offer.PricePerUnit.GreaterThan(a.Config.MaxPricePerUnit) {
		return nil, nil
	}
	if a.Config.MinTrustScore > 0 && best.Provider.TrustScore < a.Config.MinTrustScore {
		return nil, nil
	}

	take := qty
	if best.Available < take {
		take = best.Available
	}
	if take <= 0 {
		return nil, nil
	}

	reasoning := fmt.Sprintf("best of %d offers: score %.3f, price %s/unit, provider trust %.2f, %d blocks available",
		len(res.Ranked), res.Best.Score, best.Offer.PricePerUnit.String(), best.Provider.TrustScore, best.Available)

	return []Draft{{
		Action:       domain.ProposalBuy,
		OfferID:      best.Offer.ID,
		Qty:          take,
		PricePerUnit: best.Offer.PricePerUnit,
		Reasoning:    reasoning,
	}}, nil
}

var _ Decider = (*RuleBased)(nil)
