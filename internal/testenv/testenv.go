// Package testenv wires a complete in-memory exchange node for tests: SQLite
// relational store, pebble-backed KV, mock bank rail, scripted delivery
// oracle and a manual clock, with the BAP/BPP pair, the settlement verifier
// and the agent runtime assembled on top. Tests drive it the way operators
// drive the daemon, with helpers for the common market fixtures and
// assertions.
package testenv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/agent"
	"github.com/wattex/wattexd/internal/bank"
	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/feed"
	"github.com/wattex/wattexd/internal/inventory"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/oracle"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/kv"
	"github.com/wattex/wattexd/internal/storage/kv/pebblestore"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/storage/relational/sqlstore"
	"github.com/wattex/wattexd/internal/trust"
	"github.com/wattex/wattexd/internal/verifier"
)

// Base is the instant every Env starts at.
var Base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Env is a fully wired node over in-memory backends.
type Env struct {
	t *testing.T

	Store     *sqlstore.Store
	KV        kv.Store
	Clock     *clock.ManualClock
	Rail      *bank.Mock
	Locks     *lock.Manager
	Orders    *order.Service
	Escrow    *escrow.Orchestrator
	Inventory *inventory.Engine
	Oracle    *oracle.Scripted
	BPP       *coordinator.BPP
	BAP       *coordinator.BAP
	Verifier  *verifier.Service
	Agents    *agent.Runtime
	Feed      *Recorder
}

// New assembles an Env. Every component shares the same manual clock, so
// tests steer time with Advance.
func New(t *testing.T) *Env {
	t.Helper()
	ctx := context.Background()

	store := sqlstore.New(relational.Config{Driver: relational.DriverSQLite, Path: ":memory:"})
	require.NoError(t, store.Open(ctx))
	t.Cleanup(func() { _ = store.Close(ctx) })

	clk := clock.NewManualClockAt(Base)
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
	rec := &Recorder{}
	orders := order.NewService(store, locks, clk, order.Config{})
	esc := escrow.New(store, rail, clk, ids, escrow.Config{})
	inv := inventory.New(store, locks, clk, ids, inventory.Config{})
	states, err := coordinator.NewStateCache(kvStore, store, coordinator.CacheConfig{}, zerolog.Nop())
	require.NoError(t, err)

	bpp := coordinator.NewBPP(coordinator.BPPDeps{
		Store:     store,
		Locks:     locks,
		Inventory: inv,
		Orders:    orders,
		Escrow:    esc,
		Matcher:   match.New(match.Config{}),
		States:    states,
		Builder:   protocol.NewBuilder(protocol.Identity{SubscriberID: "wattex-bpp", URI: "local://bpp"}, protocol.BuilderConfig{}, clk, ids),
		Feed:      rec,
		Clock:     clk,
	}, coordinator.BPPConfig{})

	builder := protocol.NewBuilder(protocol.Identity{SubscriberID: "wattex-bap", URI: "local://bap"}, protocol.BuilderConfig{}, clk, ids)
	bap := coordinator.NewBAP(protocol.NewLocal(bpp), builder, store, states, clk, coordinator.BAPConfig{})

	scripted := oracle.NewScripted()
	ver := verifier.New(verifier.Deps{
		Store:  store,
		Locks:  locks,
		Orders: orders,
		Escrow: esc,
		Oracle: scripted,
		Trust:  trust.NewEngine(trust.Config{}),
		Feed:   rec,
		Clock:  clk,
	}, verifier.Config{Batch: 25})

	agents := agent.New(agent.Deps{
		Store:  store,
		KV:     kvStore,
		Locks:  locks,
		Trader: bap,
		Feed:   rec,
		Clock:  clk,
		IDs:    clock.NewSequenceGenerator("prop"),
	}, agent.Config{Batch: 25})

	return &Env{
		t:         t,
		Store:     store,
		KV:        kvStore,
		Clock:     clk,
		Rail:      rail,
		Locks:     locks,
		Orders:    orders,
		Escrow:    esc,
		Inventory: inv,
		Oracle:    scripted,
		BPP:       bpp,
		BAP:       bap,
		Verifier:  ver,
		Agents:    agents,
		Feed:      rec,
	}
}

// Buyer creates a funded buyer account.
func (e *Env) Buyer(id string, balance string) *domain.User {
	e.t.Helper()
	u := &domain.User{
		ID: id, Name: "Buyer " + id, TrustScore: 0.5, AllowedTradeLimit: 30,
		BaselineTrust: 0.5, Balance: decimal.RequireFromString(balance),
		CreatedAt: e.Clock.Now(), UpdatedAt: e.Clock.Now(),
	}
	require.NoError(e.t, e.Store.Users().Create(context.Background(), u))
	return u
}

// Seller creates a provider and its linked seller account.
func (e *Env) Seller(id string, trustScore float64) (*domain.User, *domain.Provider) {
	e.t.Helper()
	now := e.Clock.Now()
	p := &domain.Provider{
		ID: "prov-" + id, Name: "Provider " + id, TrustScore: trustScore,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(e.t, e.Store.Providers().Create(context.Background(), p))

	u := &domain.User{
		ID: id, Name: "Seller " + id, TrustScore: trustScore,
		AllowedTradeLimit: trust.LimitFor(trustScore),
		BaselineTrust:     trustScore, Balance: decimal.NewFromInt(50),
		ProviderID: &p.ID, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(e.t, e.Store.Users().Create(context.Background(), u))
	return u, p
}

// OfferSpec shapes PublishOffer. Zero values fall back to solar power in a
// one-hour window starting an hour from now, priced in INR.
type OfferSpec struct {
	ProviderID string
	Qty        int64
	Price      string
	Window     domain.TimeWindow
	Source     domain.SourceType
	Currency   string
}

// PublishOffer seeds an item, an offer and its per-unit blocks.
func (e *Env) PublishOffer(offerID string, spec OfferSpec) *domain.Offer {
	e.t.Helper()
	ctx := context.Background()
	now := e.Clock.Now()

	if spec.Source == "" {
		spec.Source = domain.SourceSolar
	}
	if spec.Currency == "" {
		spec.Currency = "INR"
	}
	if spec.Window.Start.IsZero() {
		spec.Window = domain.TimeWindow{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}
	}

	item := &domain.Item{
		ID: "item-" + offerID, ProviderID: spec.ProviderID, SourceType: spec.Source,
		DeliveryMode: "GRID", AvailableQty: spec.Qty, CreatedAt: now,
	}
	require.NoError(e.t, e.Store.Catalog().CreateItem(ctx, item))

	offer := &domain.Offer{
		ID: offerID, ItemID: item.ID, ProviderID: spec.ProviderID,
		PricePerUnit: decimal.RequireFromString(spec.Price), Currency: spec.Currency,
		MaxQty: spec.Qty, Window: spec.Window,
		PricingModel: "FIXED", SettlementType: "DELIVERY", CreatedAt: now,
	}
	require.NoError(e.t, e.Store.Catalog().CreateOffer(ctx, offer))

	blocks := make([]domain.Block, spec.Qty)
	for i := range blocks {
		blocks[i] = domain.Block{
			ID: offerID + "-b" + string(rune('a'+i)), OfferID: offerID, ItemID: item.ID,
			ProviderID: spec.ProviderID, Status: domain.BlockAvailable,
			Price: offer.PricePerUnit, Version: 1,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
	}
	require.NoError(e.t, e.Store.Blocks().CreateBatch(ctx, blocks))
	return offer
}

// Market seeds a seller with one published offer, the common one-call
// fixture. The seller id is "seller-<offerID>".
func (e *Env) Market(offerID string, qty int64, price string) *domain.Offer {
	e.t.Helper()
	_, p := e.Seller("seller-"+offerID, 0.7)
	return e.PublishOffer(offerID, OfferSpec{ProviderID: p.ID, Qty: qty, Price: price})
}

// PlaceTrade buys qty blocks of the offer and requires the order to come
// back ACTIVE.
func (e *Env) PlaceTrade(buyerID, offerID string, qty int64) *coordinator.TradeOutcome {
	e.t.Helper()
	now := e.Clock.Now()
	out, err := e.BAP.PlaceTrade(context.Background(), coordinator.TradeParams{
		BuyerID: buyerID,
		OfferID: offerID,
		Criteria: domain.DiscoveryCriteria{
			RequestedQty:    qty,
			RequestedWindow: domain.TimeWindow{Start: now, End: now.Add(24 * time.Hour)},
		},
	})
	require.NoError(e.t, err)
	require.NotNil(e.t, out.Confirm)
	require.Equal(e.t, domain.OrderActive, out.Confirm.Status)
	return out
}

// Advance moves the shared clock forward.
func (e *Env) Advance(d time.Duration) {
	e.Clock.Advance(d)
}

// Sweep runs one settlement pass.
func (e *Env) Sweep() {
	e.t.Helper()
	require.NoError(e.t, e.Verifier.Sweep(context.Background()))
}

// RequireBlockCounts asserts the offer's live inventory split.
func (e *Env) RequireBlockCounts(offerID string, available, reserved, sold int64) {
	e.t.Helper()
	counts, err := e.Store.Blocks().CountByOffer(context.Background(), offerID)
	require.NoError(e.t, err)
	require.Equal(e.t, available, counts.Available, "available blocks")
	require.Equal(e.t, reserved, counts.Reserved, "reserved blocks")
	require.Equal(e.t, sold, counts.Sold, "sold blocks")
}

// RequireOrderStatus asserts the order's lifecycle state.
func (e *Env) RequireOrderStatus(orderID string, status domain.OrderStatus) {
	e.t.Helper()
	o, err := e.Store.Orders().Get(context.Background(), orderID)
	require.NoError(e.t, err)
	require.Equal(e.t, status, o.Status)
}

// RequireBalance asserts a user's ledger balance.
func (e *Env) RequireBalance(userID string, want string) {
	e.t.Helper()
	u, err := e.Store.Users().Get(context.Background(), userID)
	require.NoError(e.t, err)
	require.True(e.t, u.Balance.Equal(decimal.RequireFromString(want)),
		"balance of %s: got %s want %s", userID, u.Balance, want)
}

// Recorder collects published feed events for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []feed.Event
}

// Publish implements feed.Publisher.
func (r *Recorder) Publish(_ context.Context, ev feed.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded events with the given kind, all of them when
// kind is empty.
func (r *Recorder) Events(kind string) []feed.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]feed.Event, 0, len(r.events))
	for _, ev := range r.events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var _ feed.Publisher = (*Recorder)(nil)
