package coordinator

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
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/inventory"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/kv/pebblestore"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/storage/relational/sqlstore"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *sqlstore.Store
	kv      *pebblestore.Store
	clk     *clock.ManualClock
	rail    *bank.Mock
	states  *StateCache
	builder *protocol.Builder
	bpp     *BPP
	bap     *BAP
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvCfg(t, BPPConfig{})
}

func newTestEnvCfg(t *testing.T, cfg BPPConfig) *testEnv {
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
	states, err := NewStateCache(kvStore, store, CacheConfig{}, zerolog.Nop())
	require.NoError(t, err)

	bpp := NewBPP(BPPDeps{
		Store:     store,
		Locks:     locks,
		Inventory: inventory.New(store, locks, clk, ids, inventory.Config{}),
		Orders:    order.NewService(store, locks, clk, order.Config{}),
		Escrow:    escrow.New(store, rail, clk, ids, escrow.Config{}),
		Matcher:   match.New(match.Config{}),
		States:    states,
		Builder:   protocol.NewBuilder(protocol.Identity{SubscriberID: "wattex-bpp", URI: "local://bpp"}, protocol.BuilderConfig{}, clk, ids),
		Clock:     clk,
	}, cfg)

	builder := protocol.NewBuilder(protocol.Identity{SubscriberID: "wattex-bap", URI: "local://bap"}, protocol.BuilderConfig{}, clk, ids)
	bap := NewBAP(protocol.NewLocal(bpp), builder, store, states, clk, BAPConfig{})

	require.NoError(t, store.Users().Create(ctx, &domain.User{
		ID: "buyer-1", Name: "Buyer", TrustScore: 0.5, AllowedTradeLimit: 30,
		BaselineTrust: 0.5, Balance: decimal.NewFromInt(1000),
		CreatedAt: testBase, UpdatedAt: testBase,
	}))

	return &testEnv{
		store: store, kv: kvStore, clk: clk, rail: rail,
		states: states, builder: builder, bpp: bpp, bap: bap,
	}
}

// seedMarket publishes one offer with its provider, seller account, item
// and per-unit blocks. The delivery window opens an hour from testBase.
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

func criteriaFor(qty int64) domain.DiscoveryCriteria {
	return domain.DiscoveryCriteria{
		RequestedQty:    qty,
		RequestedWindow: domain.TimeWindow{Start: testBase, End: testBase.Add(3 * time.Hour)},
	}
}

// handle runs one envelope through the platform and fails the test on a
// fault response.
func handle(t *testing.T, env *testEnv, req *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	resp := handleRaw(t, env, req)
	require.False(t, resp.Faulted(), "unexpected fault: %+v", resp.Error)
	return resp
}

func handleRaw(t *testing.T, env *testEnv, req *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	resp, err := env.bpp.Handle(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func blockCounts(t *testing.T, env *testEnv, offerID string) relational.BlockCounts {
	t.Helper()
	counts, err := env.store.Blocks().CountByOffer(context.Background(), offerID)
	require.NoError(t, err)
	return counts
}

func userBalance(t *testing.T, env *testEnv, userID string) decimal.Decimal {
	t.Helper()
	u, err := env.store.Users().Get(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func TestFullTradeFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	offer := seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	require.Len(t, disc.Catalog, 1)
	assert.Equal(t, int64(10), disc.Catalog[0].Available)
	txn := disc.TransactionID
	require.NotEmpty(t, txn)

	sel, err := env.bap.Select(ctx, txn, SelectParams{OfferID: offer.ID, Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, offer.ID, sel.OfferID)
	assert.True(t, sel.Quote.Total.Equal(decimal.NewFromInt(18)), "total %s", sel.Quote.Total)

	init, err := env.bap.Init(ctx, txn, offer.ID, 3, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), init.Claimed)
	require.NotEmpty(t, init.OrderID)

	counts := blockCounts(t, env, offer.ID)
	assert.Equal(t, int64(3), counts.Reserved)
	assert.Equal(t, int64(7), counts.Available)

	conf, err := env.bap.Confirm(ctx, txn, init.OrderID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderActive, conf.Status)
	assert.Equal(t, domain.PaymentEscrowed, conf.PaymentStatus)
	// 18 principal at 0.03% fee -> 18.0054 held.
	assert.True(t, conf.TotalBlocked.Equal(decimal.RequireFromString("18.0054")), "blocked %s", conf.TotalBlocked)
	assert.True(t, userBalance(t, env, "buyer-1").Equal(decimal.RequireFromString("981.9946")))

	counts = blockCounts(t, env, offer.ID)
	assert.Equal(t, int64(3), counts.Sold)
	assert.Equal(t, int64(7), counts.Available)
	assert.Equal(t, int64(0), counts.Reserved)

	item, err := env.store.Catalog().GetItem(ctx, "item-offer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), item.AvailableQty)

	// Both legs of all four messages are in the event log.
	events, err := env.store.Events().ListByTransaction(ctx, txn)
	require.NoError(t, err)
	assert.Len(t, events, 8)

	st, err := env.bap.State(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, domain.TxnActive, st.Status)
	assert.Equal(t, init.OrderID, st.OrderID)
	assert.Equal(t, "buyer-1", st.BuyerID)
}

func TestAutoMatchPrefersCheaperOffer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-a", 10, "8")
	seedMarket(t, env, "offer-b", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(4))
	require.NoError(t, err)
	require.Len(t, disc.Catalog, 2)

	sel, err := env.bap.Select(ctx, disc.TransactionID, SelectParams{Qty: 4, AutoMatch: true})
	require.NoError(t, err)
	assert.Equal(t, "offer-b", sel.OfferID)
}

func TestPlaceTradeRunsWholeFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	out, err := env.bap.PlaceTrade(ctx, TradeParams{BuyerID: "buyer-1", Criteria: criteriaFor(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Claimed)
	assert.Equal(t, domain.OrderActive, out.Confirm.Status)
	assert.Equal(t, "offer-1", out.Quote.OfferID)

	o, err := env.store.Orders().Get(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderActive, o.Status)
	assert.Equal(t, domain.PaymentEscrowed, o.PaymentStatus)
	require.NotNil(t, o.EscrowedAt)
}

func TestConfirmReplaySameMessageID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	init, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)

	confirmReq, err := env.builder.NewRequest(protocol.ActionConfirm, txn, protocol.ConfirmBody{
		OrderID: init.OrderID, BuyerID: "buyer-1",
	})
	require.NoError(t, err)

	first := handle(t, env, confirmReq)
	balanceAfter := userBalance(t, env, "buyer-1")

	// The wire retried the exact same message. The recorded response is
	// replayed and nothing is charged twice.
	second := handle(t, env, confirmReq)
	assert.Equal(t, first.Context.MessageID, second.Context.MessageID)

	var b1, b2 protocol.OnConfirmBody
	require.NoError(t, first.Decode(&b1))
	require.NoError(t, second.Decode(&b2))
	assert.Equal(t, b1.OrderID, b2.OrderID)
	assert.Equal(t, b1.Status, b2.Status)
	assert.True(t, b1.TotalBlocked.Equal(b2.TotalBlocked))

	assert.True(t, userBalance(t, env, "buyer-1").Equal(balanceAfter))

	events, err := env.store.Events().ListByTransaction(ctx, txn)
	require.NoError(t, err)
	assert.Len(t, events, 6) // discover, init, confirm; two legs each
}

func TestConfirmFreshMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	out, err := env.bap.PlaceTrade(ctx, TradeParams{BuyerID: "buyer-1", Criteria: criteriaFor(3)})
	require.NoError(t, err)
	balanceAfter := userBalance(t, env, "buyer-1")

	// A second confirm with a new message id finds the order active and
	// answers from the durable rows.
	conf, err := env.bap.Confirm(ctx, out.TransactionID, out.OrderID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderActive, conf.Status)
	assert.True(t, conf.TotalBlocked.Equal(out.Confirm.TotalBlocked))
	assert.True(t, userBalance(t, env, "buyer-1").Equal(balanceAfter))
}

func TestConfirmInsufficientBalanceLeavesReservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")
	require.NoError(t, env.store.Users().Create(ctx, &domain.User{
		ID: "buyer-poor", Name: "Poor", TrustScore: 0.5, AllowedTradeLimit: 30,
		BaselineTrust: 0.5, Balance: decimal.NewFromInt(10),
		CreatedAt: testBase, UpdatedAt: testBase,
	}))

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	init, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-poor")
	require.NoError(t, err)

	_, err = env.bap.Confirm(ctx, txn, init.OrderID, "buyer-poor")
	require.Error(t, err)
	assert.True(t, domain.IsInsufficientBalance(err), "got %v", err)

	// The reservation survives the failed confirm: blocks stay RESERVED,
	// the order stays DRAFT, no escrow row exists.
	counts := blockCounts(t, env, "offer-1")
	assert.Equal(t, int64(3), counts.Reserved)
	assert.Equal(t, int64(0), counts.Sold)

	o, err := env.store.Orders().Get(ctx, init.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDraft, o.Status)
	assert.Equal(t, domain.PaymentPending, o.PaymentStatus)

	_, err = env.store.Escrows().Get(ctx, init.OrderID)
	assert.True(t, domain.IsNotFound(err))

	assert.True(t, userBalance(t, env, "buyer-poor").Equal(decimal.NewFromInt(10)))
}

func TestDeterministicFaultIsRecordedAndReplayed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")
	require.NoError(t, env.store.Users().Create(ctx, &domain.User{
		ID: "buyer-poor", Name: "Poor", TrustScore: 0.5, AllowedTradeLimit: 30,
		BaselineTrust: 0.5, Balance: decimal.NewFromInt(10),
		CreatedAt: testBase, UpdatedAt: testBase,
	}))

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	init, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-poor")
	require.NoError(t, err)

	confirmReq, err := env.builder.NewRequest(protocol.ActionConfirm, txn, protocol.ConfirmBody{
		OrderID: init.OrderID, BuyerID: "buyer-poor",
	})
	require.NoError(t, err)

	first := handleRaw(t, env, confirmReq)
	require.True(t, first.Faulted())
	assert.Equal(t, FaultInsufficientBalance, first.Error.Code)

	eventsBefore, err := env.store.Events().ListByTransaction(ctx, txn)
	require.NoError(t, err)

	second := handleRaw(t, env, confirmReq)
	require.True(t, second.Faulted())
	assert.Equal(t, first.Error.Code, second.Error.Code)

	// The replay served the recorded fault without re-logging anything.
	eventsAfter, err := env.store.Events().ListByTransaction(ctx, txn)
	require.NoError(t, err)
	assert.Len(t, eventsAfter, len(eventsBefore))
}

func TestInitRetrySameOfferAnswersFromClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	first, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)

	// A new message id against an already-claimed transaction answers
	// from the existing draft rather than claiming twice.
	second, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.Claimed, second.Claimed)

	counts := blockCounts(t, env, "offer-1")
	assert.Equal(t, int64(3), counts.Reserved)
	assert.Equal(t, int64(7), counts.Available)
}

func TestInitDifferentOfferOnUsedTransactionConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")
	seedMarket(t, env, "offer-2", 10, "7")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	_, err = env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)

	_, err = env.bap.Init(ctx, txn, "offer-2", 3, "buyer-1")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err), "got %v", err)
}

func TestZeroQtyInitDraftsEmptyOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(1))
	require.NoError(t, err)
	txn := disc.TransactionID

	init, err := env.bap.Init(ctx, txn, "offer-1", 0, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), init.Claimed)

	o, err := env.store.Orders().Get(ctx, init.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDraft, o.Status)
	assert.Equal(t, int64(0), o.TotalQty)

	// An empty claim cannot be confirmed, only cancelled.
	_, err = env.bap.Confirm(ctx, txn, init.OrderID, "buyer-1")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err), "got %v", err)
	assert.True(t, userBalance(t, env, "buyer-1").Equal(decimal.NewFromInt(1000)))
}

func TestCancelBeforeEscrowReleasesBlocks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	init, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)

	out, err := env.bap.Cancel(ctx, txn, init.OrderID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, out.Status)
	assert.Nil(t, out.Penalty)
	assert.Nil(t, out.Refund)

	counts := blockCounts(t, env, "offer-1")
	assert.Equal(t, int64(10), counts.Available)
	assert.Equal(t, int64(0), counts.Reserved)

	o, err := env.store.Orders().Get(ctx, init.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, o.PaymentStatus)
	require.NotNil(t, o.CancelledBy)
	assert.Equal(t, "wattex-bap", *o.CancelledBy)
	require.NotNil(t, o.CancelReason)
	assert.Equal(t, "changed my mind", *o.CancelReason)
}

func TestCancelAfterEscrowRefundsWithPenalty(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "10")

	out, err := env.bap.PlaceTrade(ctx, TradeParams{BuyerID: "buyer-1", Criteria: criteriaFor(2)})
	require.NoError(t, err)

	// 20 principal + 0.006 fee = 20.006 held; 5% penalty 1.0003.
	cancel, err := env.bap.Cancel(ctx, out.TransactionID, out.OrderID, "better price elsewhere")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancel.Status)
	require.NotNil(t, cancel.Penalty)
	require.NotNil(t, cancel.Refund)
	assert.True(t, cancel.Penalty.Equal(decimal.RequireFromString("1.0003")), "penalty %s", cancel.Penalty)
	assert.True(t, cancel.Refund.Equal(decimal.RequireFromString("19.0057")), "refund %s", cancel.Refund)

	assert.True(t, userBalance(t, env, "buyer-1").Equal(decimal.RequireFromString("998.9997")))
	assert.True(t, userBalance(t, env, "seller-offer-1").Equal(decimal.RequireFromString("51.0003")))

	o, err := env.store.Orders().Get(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, o.PaymentStatus)

	// Sold blocks stay sold; cancellation only frees live reservations.
	counts := blockCounts(t, env, "offer-1")
	assert.Equal(t, int64(2), counts.Sold)
	assert.Equal(t, int64(8), counts.Available)
}

func TestCancelReplayReturnsStoredOutcome(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "10")

	out, err := env.bap.PlaceTrade(ctx, TradeParams{BuyerID: "buyer-1", Criteria: criteriaFor(2)})
	require.NoError(t, err)

	first, err := env.bap.Cancel(ctx, out.TransactionID, out.OrderID, "mistake")
	require.NoError(t, err)
	buyerAfter := userBalance(t, env, "buyer-1")
	sellerAfter := userBalance(t, env, "seller-offer-1")

	// A fresh cancel message on a cancelled order reports the stored
	// outcome and moves no money.
	second, err := env.bap.Cancel(ctx, out.TransactionID, out.OrderID, "mistake again")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, second.Status)
	require.NotNil(t, second.Penalty)
	assert.True(t, second.Penalty.Equal(*first.Penalty))
	require.NotNil(t, second.Refund)
	assert.True(t, second.Refund.Equal(*first.Refund))

	assert.True(t, userBalance(t, env, "buyer-1").Equal(buyerAfter))
	assert.True(t, userBalance(t, env, "seller-offer-1").Equal(sellerAfter))
}

func TestBPPConfigGateClosureDefaults(t *testing.T) {
	// Zero inherits the default; negative disables the gate outright.
	assert.Equal(t, 5*time.Minute, BPPConfig{}.withDefaults().GateClosure)
	assert.Equal(t, -time.Second, BPPConfig{GateClosure: -time.Second}.withDefaults().GateClosure)
	assert.Equal(t, time.Hour, BPPConfig{GateClosure: time.Hour}.withDefaults().GateClosure)
}

func TestGateClosureLocksTrade(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvCfg(t, BPPConfig{GateClosure: 30 * time.Minute})
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	init, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)

	// The window opens at +1h; the gate closes at +30m.
	env.clk.Advance(45 * time.Minute)

	_, err = env.bap.Confirm(ctx, txn, init.OrderID, "buyer-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGateClosed)

	_, err = env.bap.Cancel(ctx, txn, init.OrderID, "too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGateClosed)
}

func TestStatusReturnsProviderView(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID
	init, err := env.bap.Init(ctx, txn, "offer-1", 3, "buyer-1")
	require.NoError(t, err)

	o, err := env.bap.Status(ctx, txn, "")
	require.NoError(t, err)
	assert.Equal(t, init.OrderID, o.ID)
	assert.Equal(t, domain.OrderDraft, o.Status)
	assert.Equal(t, int64(3), o.TotalQty)
}

func TestStateCacheRebuildsFromEventLog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	out, err := env.bap.PlaceTrade(ctx, TradeParams{BuyerID: "buyer-1", Criteria: criteriaFor(3)})
	require.NoError(t, err)
	txn := out.TransactionID

	// Wipe the KV entry and read through a cold cache: the state must
	// come back from the event log alone.
	require.NoError(t, env.kv.Delete(ctx, StateKey(txn)))
	cold, err := NewStateCache(env.kv, env.store, CacheConfig{}, zerolog.Nop())
	require.NoError(t, err)

	st, err := cold.Get(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, domain.TxnActive, st.Status)
	assert.Equal(t, out.OrderID, st.OrderID)
	assert.Equal(t, "offer-1", st.SelectedOfferID)
	assert.Equal(t, int64(3), st.SelectedQty)
	assert.Equal(t, "buyer-1", st.BuyerID)
	require.NotNil(t, st.Criteria)
	assert.Equal(t, int64(3), st.Criteria.RequestedQty)

	stats := cold.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Rebuilds)

	// The rebuild was written back; the next read is a front hit.
	_, err = cold.Get(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cold.Stats().Hits)
}

func TestStateCacheMissingTransaction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.states.Get(context.Background(), "txn-never-seen")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestUnansweredInboundIsReprocessed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID

	req, err := env.builder.NewRequest(protocol.ActionInit, txn, protocol.InitBody{
		OfferID: "offer-1", Qty: 3, BuyerID: "buyer-1",
	})
	require.NoError(t, err)

	// Simulate a crash after logging the request but before any work:
	// the inbound leg exists with no recorded response.
	ev, err := eventFor(req, domain.DirectionInbound, testBase)
	require.NoError(t, err)
	fresh, err := env.store.Events().Append(ctx, ev)
	require.NoError(t, err)
	require.True(t, fresh)

	resp := handle(t, env, req)
	var body protocol.OnInitBody
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, int64(3), body.Claimed)

	counts := blockCounts(t, env, "offer-1")
	assert.Equal(t, int64(3), counts.Reserved)
}

func TestMalformedEnvelopeFaultsValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.bpp.Handle(context.Background(), &protocol.Envelope{
		Context: protocol.Context{Action: protocol.ActionDiscover},
	})
	require.NoError(t, err)
	require.True(t, resp.Faulted())
	assert.Equal(t, FaultValidation, resp.Error.Code)
}

func TestUnknownActionFaults(t *testing.T) {
	env := newTestEnv(t)

	req, err := env.builder.NewRequest("liquidate", "txn-x", struct{}{})
	require.NoError(t, err)
	resp := handleRaw(t, env, req)
	require.True(t, resp.Faulted())
	assert.Equal(t, FaultValidation, resp.Error.Code)
}

func TestForwardedVerificationActionAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	req, err := env.builder.NewRequest(protocol.ActionVerificationStart, "txn-v", map[string]string{
		"order_id": "ord-1",
	})
	require.NoError(t, err)
	resp := handleRaw(t, env, req)
	require.False(t, resp.Faulted())

	var body struct {
		Ack    bool   `json:"ack"`
		Action string `json:"action"`
	}
	require.NoError(t, resp.Decode(&body))
	assert.True(t, body.Ack)
	assert.Equal(t, protocol.ActionVerificationStart, body.Action)
}

func TestSelectElapsedWindowExpires(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedMarket(t, env, "offer-1", 10, "6")

	disc, err := env.bap.Discover(ctx, "", criteriaFor(3))
	require.NoError(t, err)
	txn := disc.TransactionID

	// Window ends at +2h.
	env.clk.Advance(3 * time.Hour)

	_, err = env.bap.Select(ctx, txn, SelectParams{OfferID: "offer-1", Qty: 3})
	require.Error(t, err)
	assert.True(t, domain.IsExpired(err), "got %v", err)
}
