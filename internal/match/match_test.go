package match

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/domain"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, price string, trust float64, qty int64, startOffset, dur time.Duration) domain.CatalogEntry {
	return domain.CatalogEntry{
		Offer: domain.Offer{
			ID:           id,
			ItemID:       "item-" + id,
			ProviderID:   "prov-" + id,
			PricePerUnit: decimal.RequireFromString(price),
			Currency:     "INR",
			MaxQty:       qty,
			Window:       domain.NewTimeWindow(now.Add(startOffset), dur),
		},
		Provider: domain.Provider{
			ID:         "prov-" + id,
			Name:       "Provider " + id,
			TrustScore: trust,
		},
		SourceType: domain.SourceSolar,
		Available:  qty,
	}
}

func criteria(qty int64, startOffset, dur time.Duration) domain.DiscoveryCriteria {
	return domain.DiscoveryCriteria{
		RequestedQty:    qty,
		RequestedWindow: domain.NewTimeWindow(now.Add(startOffset), dur),
	}
}

func TestRankPrefersCheapTrustedAndEarly(t *testing.T) {
	e := New(Config{})
	entries := []domain.CatalogEntry{
		// Overlaps only the back half of the request, starts late, costs more.
		entry("exp-late", "9", 0.5, 20, 3*time.Hour, 4*time.Hour),
		entry("cheap-trusted", "4", 0.9, 20, time.Hour, 4*time.Hour),
		entry("cheap-shady", "4", 0.2, 20, time.Hour, 4*time.Hour),
	}

	res := e.Rank(entries, criteria(10, time.Hour, 4*time.Hour), now)
	require.NotNil(t, res.Best)
	assert.False(t, res.Relaxed)
	assert.Equal(t, "cheap-trusted", res.Best.Entry.Offer.ID)
	require.Len(t, res.Ranked, 3)
	assert.Equal(t, "cheap-shady", res.Ranked[1].Entry.Offer.ID)
	assert.Equal(t, "exp-late", res.Ranked[2].Entry.Offer.ID)

	// Every component stays in [0,1] and the winner's breakdown is coherent.
	b := res.Best.Breakdown
	for _, v := range []float64{b.PriceScore, b.TrustScore, b.TimeFit, b.DeliveryLatency} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	assert.InDelta(t, 0.9, b.TrustScore, 1e-9)
	assert.InDelta(t, 1.0, b.TimeFit, 1e-9)
}

func TestRankDropsNonOverlappingWindows(t *testing.T) {
	e := New(Config{})
	entries := []domain.CatalogEntry{
		entry("fits", "5", 0.5, 10, time.Hour, 2*time.Hour),
		entry("yesterday", "1", 0.9, 10, -26*time.Hour, 2*time.Hour),
		entry("next-week", "1", 0.9, 10, 7*24*time.Hour, 2*time.Hour),
	}

	res := e.Rank(entries, criteria(5, time.Hour, 2*time.Hour), now)
	require.NotNil(t, res.Best)
	assert.Len(t, res.Ranked, 1)
	assert.Equal(t, "fits", res.Best.Entry.Offer.ID)
}

func TestRankRelaxesToPartialFit(t *testing.T) {
	e := New(Config{})
	entries := []domain.CatalogEntry{
		entry("small-a", "5", 0.6, 4, time.Hour, 4*time.Hour),
		entry("small-b", "5", 0.8, 6, time.Hour, 4*time.Hour),
	}

	res := e.Rank(entries, criteria(10, time.Hour, 4*time.Hour), now)
	require.NotNil(t, res.Best)
	assert.True(t, res.Relaxed)
	assert.Equal(t, "small-b", res.Best.Entry.Offer.ID)
	assert.False(t, res.Best.FullFit)
	assert.Len(t, res.Ranked, 2)
}

func TestRankFullFitBeatsPartial(t *testing.T) {
	e := New(Config{})
	entries := []domain.CatalogEntry{
		// The partial fit scores higher on every component but cannot
		// cover the quantity; the full fit still wins.
		entry("partial-great", "1", 1.0, 4, time.Hour, 4*time.Hour),
		entry("full-ok", "8", 0.4, 20, time.Hour, 4*time.Hour),
	}

	res := e.Rank(entries, criteria(10, time.Hour, 4*time.Hour), now)
	require.NotNil(t, res.Best)
	assert.False(t, res.Relaxed)
	assert.Equal(t, "full-ok", res.Best.Entry.Offer.ID)
	assert.True(t, res.Best.FullFit)
	assert.Len(t, res.Ranked, 1)
}

func TestRankSkipsSoldOutEntries(t *testing.T) {
	e := New(Config{})
	spent := entry("spent", "2", 0.9, 10, time.Hour, 4*time.Hour)
	spent.Available = 0
	short := entry("short", "2", 0.9, 10, time.Hour, 4*time.Hour)
	short.Available = 3

	res := e.Rank([]domain.CatalogEntry{spent, short}, criteria(10, time.Hour, 4*time.Hour), now)
	require.NotNil(t, res.Best)
	assert.True(t, res.Relaxed)
	assert.Equal(t, "short", res.Best.Entry.Offer.ID)
	assert.Len(t, res.Ranked, 1)
}

func TestRankSourceFilter(t *testing.T) {
	e := New(Config{})
	solar := entry("solar", "5", 0.5, 10, time.Hour, 4*time.Hour)
	wind := entry("wind", "2", 0.9, 10, time.Hour, 4*time.Hour)
	wind.SourceType = domain.SourceWind

	crit := criteria(5, time.Hour, 4*time.Hour)
	crit.SourceTypes = []domain.SourceType{domain.SourceSolar}

	res := e.Rank([]domain.CatalogEntry{solar, wind}, crit, now)
	require.NotNil(t, res.Best)
	assert.Equal(t, "solar", res.Best.Entry.Offer.ID)
	assert.Len(t, res.Ranked, 1)
}

func TestRankTieBreakChain(t *testing.T) {
	e := New(Config{})

	mk := func(id, price string, trust float64, startOffset time.Duration) domain.CatalogEntry {
		return entry(id, price, trust, 20, startOffset, 4*time.Hour)
	}

	// Same price, same window: trust decides.
	res := e.Rank([]domain.CatalogEntry{
		mk("b", "5", 0.5, time.Hour),
		mk("a", "5", 0.7, time.Hour),
	}, criteria(10, time.Hour, 4*time.Hour), now)
	assert.Equal(t, "a", res.Best.Entry.Offer.ID)

	// Same trust and window: price decides. Price feeds the score, so the
	// cheaper entry wins on score before the tie-break even runs.
	res = e.Rank([]domain.CatalogEntry{
		mk("pricey", "6", 0.5, time.Hour),
		mk("cheap", "4", 0.5, time.Hour),
	}, criteria(10, time.Hour, 4*time.Hour), now)
	assert.Equal(t, "cheap", res.Best.Entry.Offer.ID)

	// Fully identical except id: lexicographic id decides.
	res = e.Rank([]domain.CatalogEntry{
		mk("zz", "5", 0.5, time.Hour),
		mk("aa", "5", 0.5, time.Hour),
	}, criteria(10, time.Hour, 4*time.Hour), now)
	assert.Equal(t, "aa", res.Best.Entry.Offer.ID)
}

func TestRankEmptyCatalog(t *testing.T) {
	e := New(Config{})
	res := e.Rank(nil, criteria(5, time.Hour, 2*time.Hour), now)
	assert.Nil(t, res.Best)
	assert.Empty(t, res.Ranked)
	assert.False(t, res.Relaxed)
}

func TestRankMaxPriceOverridesReference(t *testing.T) {
	e := New(Config{})
	cheap := entry("cheap", "3", 0.5, 10, time.Hour, 4*time.Hour)

	crit := criteria(5, time.Hour, 4*time.Hour)
	maxPrice := decimal.NewFromInt(6)
	crit.MaxPricePerUnit = &maxPrice

	res := e.Rank([]domain.CatalogEntry{cheap}, crit, now)
	require.NotNil(t, res.Best)
	// 1 - 3/6 with the criteria ceiling, not 1 - 3/10 with the default.
	assert.InDelta(t, 0.5, res.Best.Breakdown.PriceScore, 1e-9)
}
