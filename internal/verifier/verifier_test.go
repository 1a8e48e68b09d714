package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/bank"
	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/inventory"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/oracle"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/kv/pebblestore"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/storage/relational/sqlstore"
	"github.com/wattex/wattexd/internal/trust"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store  *sqlstore.Store
	clk    *clock.ManualClock
	rail   *bank.Mock
	orders *order.Service
	esc    *escrow.Orchestrator
	oracle *oracle.Scripted
	bap    *coordinator.BAP
	svc    *Service
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

	ids := clock.NewSequenceGenerator("id")
	rail := bank.NewMock(clk)
	orders := order.NewService(store, locks, clk, order.Config{})
	esc := escrow.New(store, rail, clk, ids, escrow.Config{})
	states, err := coordinator.NewStateCache(kvStore, store, coordinator.CacheConfig{}, zerolog.Nop())
	require.NoError(t, err)

	bpp := coordinator.NewBPP(coordinator.BPPDeps{
		Store:     store,
		Locks:     locks,
		Inventory: inventory.New(store, locks, clk, ids, inventory.Config{}),
		Orders:    orders,
		Escrow:    esc,
		Matcher:   match.New(match.Config{}),
		States:    states,
		Builder:   protocol.NewBuilder(protocol.Identity{SubscriberID: "wattex-bpp", URI: "local://bpp"}, protocol.BuilderConfig{}, clk, ids),
		Clock:     clk,
	}, coordinator.BPPConfig{})

	builder := protocol.NewBuilder(protocol.Identity{SubscriberID: "wattex-bap", URI: "local://bap"}, protocol.BuilderConfig{}, clk, ids)
	bap := coordinator.NewBAP(protocol.NewLocal(bpp), builder, store, states, clk, coordinator.BAPConfig{})

	scripted := oracle.NewScripted()
	svc := New(Deps{
		Store:  store,
		Locks:  locks,
		Orders: orders,
		Escrow: esc,
		Oracle: scripted,
		Trust:  trust.NewEngine(trust.Config{}),
		Clock:  clk,
	}, Config{Batch: 10})

	require.NoError(t, store.Users().Create(ctx, &domain.User{
		ID: "buyer-1", Name: "Buyer", TrustScore: 0.5, AllowedTradeLimit: 30,
		BaselineTrust: 0.5, Balance: decimal.NewFromInt(1000),
		CreatedAt: testBase, UpdatedAt: testBase,
	}))

	return &testEnv{
		store: store, clk: clk, rail: rail, orders: orders,
		esc: esc, oracle: scripted, bap: bap, svc: svc,
	}
}

// seedMarket publishes one offer with its provider, seller account, item and
// per-unit blocks. The delivery window runs testBase+1h to testBase+2h.
func seedMarket(t *testing.T, env *testEnv, offerID string, qty int64, price string) *domain.Offer {
	t.Helper()
	ctx := context.Background()

	p := &domain.Provider{ID: "prov-" + offerID, Name: "Rooftop Co", TrustScore: 0.7,
		CreatedAt: testBase, UpdatedAt: testBase}
	require.NoError(t, env.store.Providers().Create(ctx, p))

	require.NoError(t, env.store.Users().Create(ctx, &domain.User{
		ID: "seller-" + offerID, Name: "Seller", TrustScore: 0.7, AllowedTradeLimit: 70,
		BaselineTrust: 0.7, Balance: decimal.NewFromInt(50), ProviderID: &p.ID,
		CreatedAt: testBase, UpdatedAt: testBase,
	}))

	item := &domain.Item{
		ID: "item-" + offerID, ProviderID: p.ID, SourceType: domain.SourceSolar,
		DeliveryMode: "GRID", AvailableQty: qty, CreatedAt: testBase,
	}
	require.NoError(t, env.store.Catalog().CreateItem(ctx, item))

	offer := &domain.Offer{
		ID: offerID, ItemID: item.ID, ProviderID: p.ID,
		PricePerUnit: decimal.RequireFromString(price), Currency: "INR", MaxQty: qty,
		Window:       domain.TimeWindow{Start: testBase.Add(time.Hour), End: testBase.Add(2 * time.Hour)},
		PricingModel: "FIXED", SettlementType: "DELIVERY", CreatedAt: testBase,
	}
	require.NoError(t, env.store.Catalog().CreateOffer(ctx, offer))

	blocks := make([]domain.Block, qty)
	for i := range blocks {
		blocks[i] = domain.Block{
			ID: offerID + "-b" + string(rune('a'+i)), OfferID: offerID, ItemID: item.ID,
			ProviderID: p.ID, Status: domain.BlockAvailable,
			Price: offer.PricePerUnit, Version: 1,
			CreatedAt: testBase.Add(time.Duration(i) * time.Millisecond),
		}
	}
	require.NoError(t, env.store.Blocks().CreateBatch(ctx, blocks))
	return offer
}

// confirmTrade buys qty blocks of the offer as buyer-1 and returns the
// activated order's id.
func confirmTrade(t *testing.T, env *testEnv, offerID string, qty int64) string {
	t.Helper()
	out, err := env.bap.PlaceTrade(context.Background(), coordinator.TradeParams{
		BuyerID: "buyer-1",
		OfferID: offerID,
		Criteria: domain.DiscoveryCriteria{
			RequestedQty:    qty,
			RequestedWindow: domain.TimeWindow{Start: testBase, End: testBase.Add(3 * time.Hour)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderActive, out.Confirm.Status)
	return out.OrderID
}

func getOrder(t *testing.T, env *testEnv, orderID string) *domain.Order {
	t.Helper()
	o, err := env.store.Orders().Get(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func getUser(t *testing.T, env *testEnv, userID string) *domain.User {
	t.Helper()
	u, err := env.store.Users().Get(context.Background(), userID)
	require.NoError(t, err)
	return u
}

func TestPartialDeliverySplitsProceeds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	orderID := confirmTrade(t, env, "offer-1", 10)
	// Principal 60 at 0.03% fee -> 60.018 held.
	assert.True(t, getUser(t, env, "buyer-1").Balance.Equal(decimal.RequireFromString("939.982")))

	env.oracle.SetRatio(orderID, 0.5)
	env.clk.Advance(3 * time.Hour)
	require.NoError(t, env.svc.Sweep(ctx))

	// Delivered 5 of 10 at seller rate 6 against grid rate 10: the seller
	// earns 30 but owes the 4/block top-up premium on 5 blocks, so 10 stays
	// with the seller and 40 goes to the grid account.
	o := getOrder(t, env, orderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentReleased, o.PaymentStatus)
	assert.True(t, o.DiscomVerified)
	require.NotNil(t, o.ReleasedAt)

	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(60)),
		"seller balance %s", getUser(t, env, "seller-offer-1").Balance)
	assert.True(t, getUser(t, env, "buyer-1").Balance.Equal(decimal.RequireFromString("939.982")))

	rec, err := env.store.Escrows().Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, rec.Status)

	fb, err := env.store.Settlements().GetFeedback(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPartial, fb.Status)
	assert.InDelta(t, 0.5, fb.Ratio, 1e-9)
	assert.InDelta(t, -0.05, fb.TrustImpact, 1e-9)
	assert.True(t, fb.DeliveredQty.Equal(decimal.NewFromInt(5)))

	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	pay := pays[0]
	assert.Equal(t, domain.PaymentRecordRelease, pay.Type)
	assert.True(t, pay.TotalAmount.Equal(decimal.NewFromInt(60)))
	require.NotNil(t, pay.SellerAmount)
	assert.True(t, pay.SellerAmount.Equal(decimal.NewFromInt(10)), "seller amount %s", pay.SellerAmount)
	require.NotNil(t, pay.GridAmount)
	assert.True(t, pay.GridAmount.Equal(decimal.NewFromInt(40)), "grid amount %s", pay.GridAmount)
	require.NotNil(t, pay.PlatformFee)
	assert.True(t, pay.PlatformFee.Equal(decimal.RequireFromString("0.018")))

	seller := getUser(t, env, "seller-offer-1")
	assert.InDelta(t, 0.65, seller.TrustScore, 1e-9)
	assert.InDelta(t, 45, seller.AllowedTradeLimit, 1e-9)

	buyer := getUser(t, env, "buyer-1")
	assert.InDelta(t, 0.505, buyer.TrustScore, 1e-9)

	hist, err := env.store.Settlements().ListTrustHistory(ctx, seller.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "delivery:PARTIAL", hist[0].Reason)
	require.NotNil(t, hist[0].OrderID)
	assert.Equal(t, orderID, *hist[0].OrderID)

	prov, err := env.store.Providers().Get(ctx, "prov-offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prov.TotalOrders)
	assert.Equal(t, int64(0), prov.SuccessfulOrders)

	// Every block sold and the window over: the sweep retires the offer,
	// but the sold rows stay behind as the per-unit sale record.
	_, err = env.store.Catalog().GetOffer(ctx, "offer-1")
	assert.True(t, domain.IsNotFound(err))
	counts, err := env.store.Blocks().CountByOffer(ctx, "offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts.Sold)
}

func TestFullDeliveryReleasesWholePrincipal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 3, "6")

	orderID := confirmTrade(t, env, "offer-1", 3)

	// No script: the oracle reports FULL.
	env.clk.Advance(3 * time.Hour)
	require.NoError(t, env.svc.Sweep(ctx))

	o := getOrder(t, env, orderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentReleased, o.PaymentStatus)

	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(68)))

	rec, err := env.store.Escrows().Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, rec.Status)
	require.NotNil(t, rec.PayoutReceiptID)
	assert.Equal(t, "rel_"+orderID, *rec.PayoutReceiptID)

	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	require.NotNil(t, pays[0].SellerAmount)
	assert.True(t, pays[0].SellerAmount.Equal(decimal.NewFromInt(18)))
	require.NotNil(t, pays[0].GridAmount)
	assert.True(t, pays[0].GridAmount.IsZero(), "grid amount %s", pays[0].GridAmount)

	seller := getUser(t, env, "seller-offer-1")
	assert.InDelta(t, 0.72, seller.TrustScore, 1e-9)

	buyer := getUser(t, env, "buyer-1")
	assert.InDelta(t, 0.51, buyer.TrustScore, 1e-9)

	prov, err := env.store.Providers().Get(ctx, "prov-offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prov.TotalOrders)
	assert.Equal(t, int64(1), prov.SuccessfulOrders)
}

func TestFailedDeliveryRefundsBuyer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 4, "5")

	orderID := confirmTrade(t, env, "offer-1", 4)
	// Principal 20 at 0.03% fee -> 20.006 held.
	assert.True(t, getUser(t, env, "buyer-1").Balance.Equal(decimal.RequireFromString("979.994")))

	env.oracle.SetRatio(orderID, 0)
	env.clk.Advance(3 * time.Hour)
	require.NoError(t, env.svc.Sweep(ctx))

	o := getOrder(t, env, orderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentRefunded, o.PaymentStatus)
	assert.Nil(t, o.ReleasedAt)

	// The whole hold, fee included, goes back to the buyer.
	assert.True(t, getUser(t, env, "buyer-1").Balance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(50)))

	rec, err := env.store.Escrows().Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowRefunded, rec.Status)

	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, domain.PaymentRecordRefund, pays[0].Type)
	assert.True(t, pays[0].TotalAmount.Equal(decimal.RequireFromString("20.006")))
	require.NotNil(t, pays[0].BuyerRefund)
	assert.True(t, pays[0].BuyerRefund.Equal(decimal.RequireFromString("20.006")))

	fb, err := env.store.Settlements().GetFeedback(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, fb.Status)
	assert.InDelta(t, -0.15, fb.TrustImpact, 1e-9)

	seller := getUser(t, env, "seller-offer-1")
	assert.InDelta(t, 0.55, seller.TrustScore, 1e-9)
	assert.InDelta(t, 35, seller.AllowedTradeLimit, 1e-9)

	// No settlement bonus on a failed delivery.
	buyer := getUser(t, env, "buyer-1")
	assert.InDelta(t, 0.5, buyer.TrustScore, 1e-9)
	hist, err := env.store.Settlements().ListTrustHistory(ctx, "buyer-1", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	orderID := confirmTrade(t, env, "offer-1", 10)
	env.oracle.SetRatio(orderID, 0.5)
	env.clk.Advance(3 * time.Hour)

	require.NoError(t, env.svc.Sweep(ctx))
	require.NoError(t, env.svc.Sweep(ctx))

	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(60)))
	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, pays, 1)
}

func TestCrashBetweenRailAndBookkeepingReplays(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 2, "6")

	orderID := confirmTrade(t, env, "offer-1", 2)
	env.clk.Advance(3 * time.Hour)

	// First attempt settled the rail and died before its bookkeeping:
	// transfer row written, escrow RELEASED, no feedback, order ACTIVE.
	res, err := env.esc.OnTradeVerified(ctx, orderID, true)
	require.NoError(t, err)
	require.Equal(t, escrow.CodePaymentReleased, res.Code)
	assert.Equal(t, domain.OrderActive, getOrder(t, env, orderID).Status)

	require.NoError(t, env.svc.Sweep(ctx))

	o := getOrder(t, env, orderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentReleased, o.PaymentStatus)

	// Credited exactly once despite the replayed settlement.
	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(62)))
	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, pays, 1)
}

func TestStuckDraftRecoveredAndSettled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedMarket(t, env, "offer-1", 3, "6")

	disc, err := env.bap.Discover(ctx, "", domain.DiscoveryCriteria{
		RequestedQty:    3,
		RequestedWindow: domain.TimeWindow{Start: testBase, End: testBase.Add(3 * time.Hour)},
	})
	require.NoError(t, err)
	_, err = env.bap.Select(ctx, disc.TransactionID, coordinator.SelectParams{OfferID: offer.ID, Qty: 3})
	require.NoError(t, err)
	init, err := env.bap.Init(ctx, disc.TransactionID, offer.ID, 3, "buyer-1")
	require.NoError(t, err)

	// Replay the crash window by hand: funds escrowed and the draft stamped,
	// process gone before block flip and activation.
	_, err = env.esc.OnTradePlaced(ctx, escrow.PlaceRequest{
		TradeID: init.OrderID, BuyerID: "buyer-1", SellerID: "seller-offer-1",
		Principal: decimal.NewFromInt(18),
	})
	require.NoError(t, err)
	stuck := getOrder(t, env, init.OrderID)
	now := env.clk.Now()
	buyer := "buyer-1"
	stuck.EscrowedAt = &now
	stuck.PaymentStatus = domain.PaymentEscrowed
	stuck.BuyerID = &buyer
	stuck.UpdatedAt = now
	require.NoError(t, env.store.Orders().UpdateCAS(ctx, stuck))

	require.NoError(t, env.svc.Sweep(ctx))

	o := getOrder(t, env, init.OrderID)
	assert.Equal(t, domain.OrderActive, o.Status)
	assert.Equal(t, domain.PaymentEscrowed, o.PaymentStatus)
	counts, err := env.store.Blocks().CountByOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Sold)
	assert.Equal(t, int64(0), counts.Reserved)

	// The next pass past the window settles the recovered order like any
	// other active one.
	env.clk.Advance(3 * time.Hour)
	require.NoError(t, env.svc.Sweep(ctx))

	o = getOrder(t, env, init.OrderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentReleased, o.PaymentStatus)
	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(68)))
}

func TestExternalOrderCompletesPastWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	buyer := "buyer-1"
	start := testBase.Add(-2 * time.Hour)
	end := testBase.Add(-time.Hour)
	require.NoError(t, env.store.Orders().Create(ctx, &domain.Order{
		ID: "ord-ext", TransactionID: "txn-ext", BuyerID: &buyer,
		Status: domain.OrderActive, TotalQty: 5, TotalPrice: decimal.NewFromInt(25),
		Currency: "INR", Version: 1, PaymentStatus: domain.PaymentPending,
		WindowStart: &start, WindowEnd: &end,
		CreatedAt: start, UpdatedAt: start,
	}))

	require.NoError(t, env.svc.Sweep(ctx))

	o := getOrder(t, env, "ord-ext")
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentReleased, o.PaymentStatus)
	require.NotNil(t, o.ReleasedAt)
	assert.False(t, o.DiscomVerified)

	// No oracle verdict, no feedback row.
	_, err := env.store.Settlements().GetFeedback(ctx, "ord-ext")
	assert.True(t, domain.IsNotFound(err))
}

func TestExpiredHoldSettlesWithoutPayout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 2, "6")

	orderID := confirmTrade(t, env, "offer-1", 2)
	env.oracle.SetRatio(orderID, 1)

	// The 72h hold lapses before anyone verifies.
	env.clk.Advance(73 * time.Hour)
	require.NoError(t, env.svc.Sweep(ctx))

	o := getOrder(t, env, orderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentRefunded, o.PaymentStatus)
	assert.True(t, o.DiscomVerified)

	// No payout moved; the expiry reconciler owns returning the funds.
	assert.True(t, getUser(t, env, "seller-offer-1").Balance.Equal(decimal.NewFromInt(50)))
	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	assert.Empty(t, pays)

	// The delivery verdict still lands on the seller's record.
	fb, err := env.store.Settlements().GetFeedback(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFull, fb.Status)
	assert.InDelta(t, 0.72, getUser(t, env, "seller-offer-1").TrustScore, 1e-9)
}

func TestSweepSkipsLiveWindows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 2, "6")

	orderID := confirmTrade(t, env, "offer-1", 2)
	require.NoError(t, env.svc.Sweep(ctx))

	assert.Equal(t, domain.OrderActive, getOrder(t, env, orderID).Status)
	_, err := env.store.Settlements().GetFeedback(ctx, orderID)
	assert.True(t, domain.IsNotFound(err))
}

func TestVerifyOrderOnDemand(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 3, "6")

	orderID := confirmTrade(t, env, "offer-1", 3)

	// Too early: the window is still open.
	err := env.svc.VerifyOrder(ctx, orderID)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)
	assert.Equal(t, domain.OrderActive, getOrder(t, env, orderID).Status)

	env.clk.Advance(3 * time.Hour)
	require.NoError(t, env.svc.VerifyOrder(ctx, orderID))

	o := getOrder(t, env, orderID)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, domain.PaymentReleased, o.PaymentStatus)

	// A second call replays the settled row without another transfer.
	require.NoError(t, env.svc.VerifyOrder(ctx, orderID))
	pays, err := env.store.Settlements().ListPaymentRecords(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, pays, 1)
}

func TestVerifyOrderUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.VerifyOrder(context.Background(), "no-such-order")
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestSplitProceeds(t *testing.T) {
	gridRate := decimal.NewFromInt(10)
	o := &domain.Order{TotalQty: 10, TotalPrice: decimal.NewFromInt(60)}

	tests := []struct {
		name      string
		delivered int64
		grid      decimal.Decimal
		seller    string
		toGrid    string
	}{
		{name: "full delivery keeps everything", delivered: 10, grid: gridRate, seller: "60", toGrid: "0"},
		{name: "half delivery pays the grid premium", delivered: 5, grid: gridRate, seller: "10", toGrid: "40"},
		{name: "deep shortfall floors at zero", delivered: 1, grid: gridRate, seller: "0", toGrid: "42"},
		{name: "grid cheaper than seller waives the penalty", delivered: 5, grid: decimal.NewFromInt(4), seller: "30", toGrid: "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := &oracle.Outcome{
				DeliveredQty: decimal.NewFromInt(tc.delivered),
				ExpectedQty:  decimal.NewFromInt(10),
			}
			split := splitProceeds(o, out, tc.grid)
			assert.True(t, split.Seller.Equal(decimal.RequireFromString(tc.seller)),
				"seller %s", split.Seller)
			assert.True(t, split.ToGrid.Equal(decimal.RequireFromString(tc.toGrid)),
				"to grid %s", split.ToGrid)
		})
	}
}
