package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/storage/kv/pebblestore"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/storage/relational/sqlstore"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store  *sqlstore.Store
	clk    *clock.ManualClock
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := sqlstore.New(relational.Config{Driver: relational.DriverSQLite, Path: ":memory:"})
	require.NoError(t, store.Open(ctx))
	t.Cleanup(func() { _ = store.Close(ctx) })

	clk := clock.NewManualClockAt(testBase)
	kvStore, err := pebblestore.Open(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	locks := lock.NewManager(kvStore, nil, lock.Config{
		MaxAttempts: 25,
		RetryBase:   2 * time.Millisecond,
		RetryMax:    10 * time.Millisecond,
	}, zerolog.Nop())

	engine := New(store, locks, clk, clock.NewSequenceGenerator("ord"), Config{})
	return &testEnv{store: store, clk: clk, engine: engine}
}

func seedOffer(t *testing.T, env *testEnv, id string, qty int64, price string) *domain.Offer {
	t.Helper()
	ctx := context.Background()

	p := &domain.Provider{ID: "prov-" + id, Name: "Provider", TrustScore: 0.7,
		CreatedAt: testBase, UpdatedAt: testBase}
	require.NoError(t, env.store.Providers().Create(ctx, p))

	item := &domain.Item{
		ID: "item-" + id, ProviderID: p.ID, SourceType: domain.SourceSolar,
		DeliveryMode: "GRID", AvailableQty: qty, CreatedAt: testBase,
	}
	require.NoError(t, env.store.Catalog().CreateItem(ctx, item))

	offer := &domain.Offer{
		ID: id, ItemID: item.ID, ProviderID: p.ID,
		PricePerUnit: decimal.RequireFromString(price), Currency: "INR", MaxQty: qty,
		Window:       domain.TimeWindow{Start: testBase.Add(time.Hour), End: testBase.Add(5 * time.Hour)},
		PricingModel: "FIXED", SettlementType: "DELIVERY", CreatedAt: testBase,
	}
	require.NoError(t, env.store.Catalog().CreateOffer(ctx, offer))

	blocks := make([]domain.Block, qty)
	for i := range blocks {
		blocks[i] = domain.Block{
			ID: offer.ID + "-b" + string(rune('a'+i)), OfferID: offer.ID, ItemID: item.ID,
			ProviderID: p.ID, Status: domain.BlockAvailable,
			Price: offer.PricePerUnit, Version: 1,
			CreatedAt: testBase.Add(time.Duration(i) * time.Millisecond),
		}
	}
	require.NoError(t, env.store.Blocks().CreateBatch(ctx, blocks))
	return offer
}

func TestClaimBlocksReservesAndCreatesOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedOffer(t, env, "offer-1", 5, "6.50")
	buyer := "buyer-1"

	res, err := env.engine.ClaimBlocks(ctx, ClaimRequest{
		OfferID: offer.ID, TransactionID: "txn-1", BuyerID: &buyer, Qty: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Claimed)
	assert.Equal(t, int64(3), res.Requested)
	assert.Len(t, res.BlockIDs, 3)

	// The order carries the claimed quantity and the offer's window.
	order, err := env.store.Orders().Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDraft, order.Status)
	assert.Equal(t, int64(3), order.TotalQty)
	assert.True(t, order.TotalPrice.Equal(decimal.RequireFromString("19.50")), "got %s", order.TotalPrice)
	require.NotNil(t, order.WindowEnd)
	assert.True(t, order.WindowEnd.Equal(offer.Window.End))
	require.NotNil(t, order.BuyerID)
	assert.Equal(t, buyer, *order.BuyerID)

	// Claims walk the stable (created_at, id) order.
	assert.Equal(t, []string{"offer-1-ba", "offer-1-bb", "offer-1-bc"}, res.BlockIDs)

	counts, err := env.engine.Counts(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Available)
	assert.Equal(t, int64(3), counts.Reserved)

	for _, id := range res.BlockIDs {
		b, err := env.store.Blocks().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.BlockReserved, b.Status)
		require.NotNil(t, b.OrderID)
		assert.Equal(t, order.ID, *b.OrderID)
		require.NotNil(t, b.TransactionID)
		assert.Equal(t, "txn-1", *b.TransactionID)
	}
}

func TestClaimBlocksPartialAndZero(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedOffer(t, env, "offer-2", 2, "5")

	// Short inventory yields a short claim, not an error.
	res, err := env.engine.ClaimBlocks(ctx, ClaimRequest{
		OfferID: offer.ID, TransactionID: "txn-a", Qty: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Claimed)
	assert.Equal(t, int64(5), res.Requested)
	assert.Equal(t, int64(2), res.Order.TotalQty)

	// The offer is spent; a second claim gets zero blocks and a zero order.
	res2, err := env.engine.ClaimBlocks(ctx, ClaimRequest{
		OfferID: offer.ID, TransactionID: "txn-b", Qty: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res2.Claimed)
	assert.Empty(t, res2.BlockIDs)
	assert.Equal(t, int64(0), res2.Order.TotalQty)
	assert.True(t, res2.Order.TotalPrice.IsZero())
}

func TestClaimBlocksValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.engine.ClaimBlocks(ctx, ClaimRequest{TransactionID: "txn", Qty: 1})
	assert.True(t, domain.IsValidation(err))

	_, err = env.engine.ClaimBlocks(ctx, ClaimRequest{OfferID: "o", TransactionID: "txn", Qty: -1})
	assert.True(t, domain.IsValidation(err))

	_, err = env.engine.ClaimBlocks(ctx, ClaimRequest{OfferID: "ghost", TransactionID: "txn", Qty: 1})
	assert.True(t, domain.IsNotFound(err))
}

func TestClaimBlocksAfterWindowElapsed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedOffer(t, env, "offer-3", 3, "4")

	env.clk.Advance(6 * time.Hour)

	_, err := env.engine.ClaimBlocks(ctx, ClaimRequest{
		OfferID: offer.ID, TransactionID: "txn-late", Qty: 1,
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	// Nothing was reserved and no order row leaked out of the rollback.
	counts, err := env.engine.Counts(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Available)
	_, err = env.store.Orders().GetByTransaction(ctx, "txn-late")
	assert.True(t, domain.IsNotFound(err))
}

func TestReleaseBlocksRoundtrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedOffer(t, env, "offer-4", 4, "3")

	res, err := env.engine.ClaimBlocks(ctx, ClaimRequest{
		OfferID: offer.ID, TransactionID: "txn-r", Qty: 3,
	})
	require.NoError(t, err)

	n, err := env.engine.ReleaseBlocks(ctx, "txn-r")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counts, err := env.engine.Counts(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Available)
	assert.Equal(t, int64(0), counts.Reserved)

	// Released blocks are detached from the order and re-claimable.
	b, err := env.store.Blocks().Get(ctx, res.BlockIDs[0])
	require.NoError(t, err)
	assert.Nil(t, b.OrderID)
	assert.Nil(t, b.ReservedAt)

	// A replayed release is a no-op, not an error.
	n, err = env.engine.ReleaseBlocks(ctx, "txn-r")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMarkSoldFinalizesClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedOffer(t, env, "offer-5", 3, "7")

	res, err := env.engine.ClaimBlocks(ctx, ClaimRequest{
		OfferID: offer.ID, TransactionID: "txn-s", Qty: 2,
	})
	require.NoError(t, err)

	n, err := env.engine.MarkSold(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := env.engine.Counts(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Available)
	assert.Equal(t, int64(2), counts.Sold)

	// Sold blocks are out of reach of a late release.
	n, err = env.engine.ReleaseBlocks(ctx, "txn-s")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	b, err := env.store.Blocks().Get(ctx, res.BlockIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.BlockSold, b.Status)
	require.NotNil(t, b.SoldAt)
}

func TestConcurrentClaimsNeverOversell(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedOffer(t, env, "offer-6", 10, "2")

	const claimers = 5
	results := make([]*ClaimResult, claimers)
	errs := make([]error, claimers)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.engine.ClaimBlocks(ctx, ClaimRequest{
				OfferID:       offer.ID,
				TransactionID: "txn-c" + string(rune('0'+i)),
				Qty:           3,
			})
		}(i)
	}
	wg.Wait()

	var total int64
	seen := map[string]bool{}
	for i := 0; i < claimers; i++ {
		require.NoError(t, errs[i])
		total += results[i].Claimed
		for _, id := range results[i].BlockIDs {
			assert.False(t, seen[id], "block %s claimed twice", id)
			seen[id] = true
		}
	}
	assert.Equal(t, int64(10), total)

	counts, err := env.engine.Counts(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Available)
	assert.Equal(t, int64(10), counts.Reserved)
}
