package scenarios

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

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
	"github.com/wattex/wattexd/internal/verifier"
)

// base is the instant every scenario starts at. A fixed origin keeps the
// reported timestamps stable across runs.
var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// tuning carries the per-scenario knobs that differ from engine defaults.
type tuning struct {
	escrow escrow.Config
}

// stack is a complete node over throwaway backends: SQLite in memory,
// pebble in a temp directory, the mock rail and the scripted oracle, all
// on one manual clock so a scenario can jump past delivery windows.
type stack struct {
	store   *sqlstore.Store
	clk     *clock.ManualClock
	rail    *bank.Mock
	oracle  *oracle.Scripted
	orders  *order.Service
	esc     *escrow.Orchestrator
	inv     *inventory.Engine
	bpp     *coordinator.BPP
	bap     *coordinator.BAP
	ver     *verifier.Service
	builder *protocol.Builder

	cleanup []func()
}

func newStack(tune tuning) (*stack, error) {
	ctx := context.Background()
	s := &stack{}

	store := sqlstore.New(relational.Config{Driver: relational.DriverSQLite, Path: ":memory:"})
	if err := store.Open(ctx); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.cleanup = append(s.cleanup, func() { _ = store.Close(ctx) })

	clk := clock.NewManualClockAt(base)

	kvDir, err := os.MkdirTemp("", "wattexd-scenario-*")
	if err != nil {
		s.close()
		return nil, err
	}
	s.cleanup = append(s.cleanup, func() { _ = os.RemoveAll(kvDir) })

	kvStore, err := pebblestore.Open(kvDir, clk)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open kv: %w", err)
	}
	s.cleanup = append(s.cleanup, func() { _ = kvStore.Close() })

	locks := lock.NewManager(kvStore, nil, lock.Config{
		MaxAttempts: 25,
		RetryBase:   2 * time.Millisecond,
		RetryMax:    10 * time.Millisecond,
	}, zerolog.Nop())

	ids := clock.NewSequenceGenerator("scn")
	rail := bank.NewMock(clk)
	orders := order.NewService(store, locks, clk, order.Config{})
	esc := escrow.New(store, rail, clk, ids, tune.escrow)
	inv := inventory.New(store, locks, clk, ids, inventory.Config{})
	states, err := coordinator.NewStateCache(kvStore, store, coordinator.CacheConfig{}, zerolog.Nop())
	if err != nil {
		s.close()
		return nil, err
	}

	bpp := coordinator.NewBPP(coordinator.BPPDeps{
		Store:     store,
		Locks:     locks,
		Inventory: inv,
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
	ver := verifier.New(verifier.Deps{
		Store:  store,
		Locks:  locks,
		Orders: orders,
		Escrow: esc,
		Oracle: scripted,
		Trust:  trust.NewEngine(trust.Config{}),
		Clock:  clk,
	}, verifier.Config{Batch: 25})

	s.store = store
	s.clk = clk
	s.rail = rail
	s.oracle = scripted
	s.orders = orders
	s.esc = esc
	s.inv = inv
	s.bpp = bpp
	s.bap = bap
	s.ver = ver
	s.builder = builder
	return s, nil
}

func (s *stack) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

// seedBuyer funds a buyer with the standard mid-trust profile.
func (s *stack) seedBuyer(ctx context.Context, id, balance string) error {
	now := s.clk.Now()
	return s.store.Users().Create(ctx, &domain.User{
		ID: id, Name: "Buyer " + id, TrustScore: 0.5, AllowedTradeLimit: 30,
		BaselineTrust: 0.5, Balance: decimal.RequireFromString(balance),
		CreatedAt: now, UpdatedAt: now,
	})
}

// seedMarket publishes one offer with its provider, seller account, item and
// per-unit blocks. The delivery window runs an hour out for one hour.
func (s *stack) seedMarket(ctx context.Context, offerID string, qty int64, price string) error {
	now := s.clk.Now()

	p := &domain.Provider{
		ID: "prov-" + offerID, Name: "Provider " + offerID, TrustScore: 0.7,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.Providers().Create(ctx, p); err != nil {
		return err
	}

	if err := s.store.Users().Create(ctx, &domain.User{
		ID: "seller-" + offerID, Name: "Seller " + offerID, TrustScore: 0.7,
		AllowedTradeLimit: trust.LimitFor(0.7), BaselineTrust: 0.7,
		Balance: decimal.NewFromInt(50), ProviderID: &p.ID,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return err
	}

	item := &domain.Item{
		ID: "item-" + offerID, ProviderID: p.ID, SourceType: domain.SourceSolar,
		DeliveryMode: "GRID", AvailableQty: qty, CreatedAt: now,
	}
	if err := s.store.Catalog().CreateItem(ctx, item); err != nil {
		return err
	}

	offer := &domain.Offer{
		ID: offerID, ItemID: item.ID, ProviderID: p.ID,
		PricePerUnit: decimal.RequireFromString(price), Currency: "INR", MaxQty: qty,
		Window:       domain.TimeWindow{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
		PricingModel: "FIXED", SettlementType: "DELIVERY", CreatedAt: now,
	}
	if err := s.store.Catalog().CreateOffer(ctx, offer); err != nil {
		return err
	}

	blocks := make([]domain.Block, qty)
	for i := range blocks {
		blocks[i] = domain.Block{
			ID: fmt.Sprintf("%s-b%02d", offerID, i), OfferID: offerID, ItemID: item.ID,
			ProviderID: p.ID, Status: domain.BlockAvailable,
			Price: offer.PricePerUnit, Version: 1,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return s.store.Blocks().CreateBatch(ctx, blocks)
}

// criteria asks for qty units anywhere in the next day, which covers every
// window seedMarket publishes.
func (s *stack) criteria(qty int64) domain.DiscoveryCriteria {
	now := s.clk.Now()
	return domain.DiscoveryCriteria{
		RequestedQty:    qty,
		RequestedWindow: domain.TimeWindow{Start: now, End: now.Add(24 * time.Hour)},
	}
}

// placeTrade drives the whole buyer flow against the named offer and
// returns the outcome, settled or not.
func (s *stack) placeTrade(ctx context.Context, buyerID, offerID string, qty int64) (*coordinator.TradeOutcome, error) {
	return s.bap.PlaceTrade(ctx, coordinator.TradeParams{
		BuyerID:  buyerID,
		OfferID:  offerID,
		Criteria: s.criteria(qty),
	})
}

// balance reads a user's ledger balance as a string for reporting.
func (s *stack) balance(ctx context.Context, userID string) string {
	u, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return "?"
	}
	return u.Balance.String()
}

// blockCounts reads the offer's live block tallies for reporting.
func (s *stack) blockCounts(ctx context.Context, offerID string) (relational.BlockCounts, error) {
	return s.store.Blocks().CountByOffer(ctx, offerID)
}
