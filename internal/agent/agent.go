// Package agent runs user-owned autonomous traders. Each active agent is
// ticked on an interval: the runtime snapshots the live catalog, asks the
// agent's decision strategy for trade drafts, and persists every draft as a
// proposal. Auto-mode proposals that clear the agent's risk policy execute
// immediately through the buyer coordinator; everything else waits for a
// human verdict, which runs the same execution path. Daily spend is tracked
// in the KV store so the limit holds across restarts.
package agent

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/feed"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/storage/kv"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// Trader places a full buy flow. *coordinator.BAP satisfies it; tests swap
// in stubs that fail trades on demand.
type Trader interface {
	PlaceTrade(ctx context.Context, p coordinator.TradeParams) (*coordinator.TradeOutcome, error)
}

// Config tunes the agent runtime.
type Config struct {
	// TickInterval is the pause between runtime passes.
	TickInterval time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	// ProposalTTL is how long a pending proposal waits for a decision.
	ProposalTTL time.Duration `mapstructure:"proposal_ttl" json:"proposal_ttl"`
	// SnapshotWindow is how far ahead the market snapshot and placed trades
	// look for delivery windows.
	SnapshotWindow time.Duration `mapstructure:"snapshot_window" json:"snapshot_window"`
	// Batch caps list reads per tick.
	Batch int `mapstructure:"batch" json:"batch"`
	// LockTTL bounds the per-proposal lease held while deciding and executing.
	LockTTL time.Duration `mapstructure:"lock_ttl" json:"lock_ttl"`
}

// DefaultConfig returns the documented operational defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   30 * time.Second,
		ProposalTTL:    time.Hour,
		SnapshotWindow: 24 * time.Hour,
		Batch:          50,
		LockTTL:        10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = d.ProposalTTL
	}
	if c.SnapshotWindow <= 0 {
		c.SnapshotWindow = d.SnapshotWindow
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Deps wires the runtime into the rest of the node.
type Deps struct {
	Store   relational.Manager
	KV      kv.Store
	Locks   *lock.Manager
	Trader  Trader
	Decider Decider
	Feed    feed.Publisher
	Clock   clock.Clock
	IDs     clock.IDGenerator
}

// Runtime ticks agents and shepherds their proposals through decision and
// execution.
type Runtime struct {
	cfg     Config
	store   relational.Manager
	kv      kv.Store
	locks   *lock.Manager
	trader  Trader
	decider Decider
	feed    feed.Publisher
	clk     clock.Clock
	ids     clock.IDGenerator
	log     zerolog.Logger
}

// New builds the agent runtime.
func New(deps Deps, cfg Config) *Runtime {
	cfg = cfg.withDefaults()
	if deps.Feed == nil {
		deps.Feed = feed.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.SystemClock{}
	}
	if deps.IDs == nil {
		deps.IDs = clock.UUIDGenerator{}
	}
	if deps.Decider == nil {
		deps.Decider = NewRuleBased(match.New(match.Config{}), cfg.SnapshotWindow)
	}
	return &Runtime{
		cfg:     cfg,
		store:   deps.Store,
		kv:      deps.KV,
		locks:   deps.Locks,
		trader:  deps.Trader,
		decider: deps.Decider,
		feed:    deps.Feed,
		clk:     deps.Clock,
		ids:     deps.IDs,
		log:     log.With().Str("component", "agent").Logger(),
	}
}

// Run ticks on a fixed interval until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.cfg.TickInterval).Msg("agent runtime started")
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("agent runtime stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				metrics.AgentTickErrors.Inc()
				r.log.Error().Err(err).Msg("agent tick failed")
			}
		}
	}
}

// Tick runs one runtime pass: expire stale proposals, finish approved ones a
// crash interrupted, then let every active agent look at the market.
// Per-agent failures are isolated so one bad agent cannot stall the rest.
func (r *Runtime) Tick(ctx context.Context) error {
	now := r.clk.Now()

	if n, err := r.store.Agents().ExpireProposals(ctx, now); err != nil {
		r.log.Error().Err(err).Msg("proposal expiry failed")
	} else if n > 0 {
		metrics.AgentProposals.WithLabelValues(string(domain.ProposalExpired)).Add(float64(n))
		r.log.Info().Int64("count", n).Msg("pending proposals expired")
	}

	r.recoverApproved(ctx, now)

	agents, err := r.store.Agents().ListByStatus(ctx, domain.AgentActive)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	entries, err := r.store.Catalog().ListEntries(ctx, now)
	if err != nil {
		return err
	}
	snap := MarketSnapshot{AsOf: now, Entries: entries}

	for i := range agents {
		if err := r.tickAgent(ctx, &agents[i], snap); err != nil {
			metrics.AgentTickErrors.Inc()
			r.log.Warn().Err(err).Str("agent_id", agents[i].ID).Msg("agent tick failed")
		}
	}
	return nil
}

// recoverApproved retries approved proposals whose execution never finished,
// typically because the process died between the decision and the trade.
func (r *Runtime) recoverApproved(ctx context.Context, now time.Time) {
	stuck, err := r.store.Agents().ListProposalsByStatus(ctx, domain.ProposalApproved, r.cfg.Batch)
	if err != nil {
		r.log.Error().Err(err).Msg("approved-proposal scan failed")
		return
	}
	for i := range stuck {
		p := &stuck[i]
		a, err := r.store.Agents().Get(ctx, p.AgentID)
		if err != nil {
			r.log.Error().Err(err).Str("proposal_id", p.ID).Msg("agent lookup failed during recovery")
			continue
		}
		err = r.locks.WithLock(ctx, lock.ProposalKey(p.ID), r.cfg.LockTTL, func(ctx context.Context) error {
			return r.execute(ctx, a, p.ID, now)
		})
		if err != nil {
			metrics.AgentTickErrors.Inc()
			r.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("proposal recovery failed")
		}
	}
}

func (r *Runtime) tickAgent(ctx context.Context, a *domain.Agent, snap MarketSnapshot) error {
	drafts, err := r.decider.Decide(ctx, a, snap)
	if err != nil {
		return err
	}
	for _, d := range drafts {
		if err := r.raise(ctx, a, d, snap.AsOf); err != nil {
			return err
		}
	}
	return nil
}

// raise persists one draft as a proposal and, in auto mode, takes it through
// policy and execution. A draft that duplicates a live pending proposal for
// the same offer is dropped so slow human decisions do not pile up copies.
func (r *Runtime) raise(ctx context.Context, a *domain.Agent, d Draft, now time.Time) error {
	const op = "agent.raise"
	if d.Qty <= 0 {
		return domain.NewValidationError(op, "draft quantity must be positive")
	}
	if !d.PricePerUnit.IsPositive() {
		return domain.NewValidationError(op, "draft price must be positive")
	}

	pending, err := r.store.Agents().ListProposals(ctx, a.ID, domain.ProposalPending, r.cfg.Batch)
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].Action == d.Action && pending[i].OfferID != nil && *pending[i].OfferID == d.OfferID {
			r.log.Debug().Str("agent_id", a.ID).Str("offer_id", d.OfferID).Msg("duplicate draft dropped")
			return nil
		}
	}

	p := &domain.Proposal{
		ID:           r.ids.NewID(),
		AgentID:      a.ID,
		Action:       d.Action,
		Qty:          d.Qty,
		PricePerUnit: d.PricePerUnit,
		TotalPrice:   d.PricePerUnit.Mul(decimal.NewFromInt(d.Qty)),
		Reasoning:    d.Reasoning,
		Status:       domain.ProposalPending,
		ExpiresAt:    now.Add(r.cfg.ProposalTTL),
		CreatedAt:    now,
	}
	if d.OfferID != "" {
		offerID := d.OfferID
		p.OfferID = &offerID
	}
	if err := r.store.Agents().CreateProposal(ctx, p); err != nil {
		return err
	}
	metrics.AgentProposals.WithLabelValues(string(domain.ProposalPending)).Inc()
	r.feed.Publish(ctx, feed.Event{
		Kind: feed.KindProposalRaised,
		At:   now,
		Payload: feed.Encode(map[string]any{
			"proposal_id": p.ID,
			"agent_id":    a.ID,
			"action":      p.Action,
			"offer_id":    d.OfferID,
			"qty":         p.Qty,
			"total_price": p.TotalPrice,
		}),
	})
	r.log.Info().Str("agent_id", a.ID).Str("proposal_id", p.ID).
		Str("offer_id", d.OfferID).Int64("qty", p.Qty).
		Str("total", p.TotalPrice.String()).Msg("proposal raised")

	if a.ExecutionMode != domain.ExecutionAuto {
		return nil
	}
	if err := r.checkPolicy(ctx, a, p, now); err != nil {
		r.log.Info().Err(err).Str("agent_id", a.ID).Str("proposal_id", p.ID).
			Msg("proposal held for review")
		return nil
	}
	return r.locks.WithLock(ctx, lock.ProposalKey(p.ID), r.cfg.LockTTL, func(ctx context.Context) error {
		moved, err := r.store.Agents().DecideProposal(ctx, p.ID, domain.ProposalPending, domain.ProposalApproved, now)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		metrics.AgentProposals.WithLabelValues(string(domain.ProposalApproved)).Inc()
		return r.execute(ctx, a, p.ID, now)
	})
}

// checkPolicy applies the agent's risk envelope to a proposal. A failure
// keeps the proposal pending for a human verdict instead of killing it.
func (r *Runtime) checkPolicy(ctx context.Context, a *domain.Agent, p *domain.Proposal, now time.Time) error {
	const op = "agent.policy"
	if p.Action != domain.ProposalBuy {
		return domain.NewValidationError(op, "only buy proposals auto-execute")
	}
	limits := a.Config
	if limits.MaxPricePerUnit.IsPositive() && p.PricePerUnit.GreaterThan(limits.MaxPricePerUnit) {
		return domain.NewValidationError(op, "price per unit above agent cap")
	}
	if limits.MaxQty > 0 && p.Qty > limits.MaxQty {
		return domain.NewValidationError(op, "quantity above agent cap")
	}
	if limits.MinTrustScore > 0 && p.OfferID != nil {
		offer, err := r.store.Catalog().GetOffer(ctx, *p.OfferID)
		if err != nil {
			return err
		}
		prov, err := r.store.Providers().Get(ctx, offer.ProviderID)
		if err != nil {
			return err
		}
		if prov.TrustScore < limits.MinTrustScore {
			return domain.NewValidationError(op, "provider below agent trust floor")
		}
	}
	if limits.DailyLimit.IsPositive() {
		spent, err := r.spentToday(ctx, a.ID, now)
		if err != nil {
			return err
		}
		if spent.Add(p.TotalPrice).GreaterThan(limits.DailyLimit) {
			return domain.NewValidationError(op, "daily spend limit reached")
		}
	}
	return nil
}

// execute places the trade for an approved proposal. Callers hold the
// proposal lease. A proposal that already carries an execution stamp is left
// alone, which is what makes crash-recovery replays safe.
func (r *Runtime) execute(ctx context.Context, a *domain.Agent, proposalID string, now time.Time) error {
	const op = "agent.execute"
	p, err := r.store.Agents().GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.ExecutedAt != nil || p.Status == domain.ProposalExecuted {
		return nil
	}
	if p.Status != domain.ProposalApproved {
		return domain.NewConflictError(op, "proposal is not approved", nil).WithDetail("status", p.Status)
	}
	if p.Action != domain.ProposalBuy {
		return domain.NewValidationError(op, "sell proposals have no execution path")
	}
	if p.OfferID == nil {
		return domain.NewValidationError(op, "proposal names no offer")
	}

	out, err := r.trader.PlaceTrade(ctx, coordinator.TradeParams{
		BuyerID: a.OwnerID,
		OfferID: *p.OfferID,
		Criteria: domain.DiscoveryCriteria{
			RequestedQty:    p.Qty,
			RequestedWindow: domain.TimeWindow{Start: now, End: now.Add(r.cfg.SnapshotWindow)},
		},
	})
	if err != nil {
		if domain.IsNotFound(err) || domain.IsValidation(err) || domain.IsInsufficientBlocks(err) {
			// The offer is gone, the terms no longer hold or the blocks
			// are spent; retrying next tick cannot succeed.
			moved, derr := r.store.Agents().DecideProposal(ctx, p.ID, domain.ProposalApproved, domain.ProposalExpired, now)
			if derr == nil && moved {
				metrics.AgentProposals.WithLabelValues(string(domain.ProposalExpired)).Inc()
				r.publishClosed(ctx, p, string(domain.ProposalExpired), "", now)
			}
			r.log.Warn().Err(err).Str("proposal_id", p.ID).Msg("proposal dropped, trade rejected")
			return nil
		}
		return err
	}

	spend := p.TotalPrice
	if out.Quote.Total.IsPositive() {
		spend = out.Quote.Total
	}
	if _, err := r.kv.IncrByFloat(ctx, spendKey(a.ID, now), spend.InexactFloat64()); err != nil {
		r.log.Error().Err(err).Str("agent_id", a.ID).Msg("spend counter update failed")
	}

	if err := r.store.Agents().MarkExecuted(ctx, p.ID, out.OrderID, now); err != nil {
		return err
	}
	metrics.AgentProposals.WithLabelValues(string(domain.ProposalExecuted)).Inc()
	r.publishClosed(ctx, p, string(domain.ProposalExecuted), out.OrderID, now)
	r.log.Info().Str("agent_id", a.ID).Str("proposal_id", p.ID).
		Str("order_id", out.OrderID).Str("spend", spend.String()).Msg("proposal executed")
	return nil
}

// Approve is the human verdict on a pending proposal. It runs the same
// execution path auto mode uses; the policy gate is the operator's to skip.
func (r *Runtime) Approve(ctx context.Context, proposalID string) (*domain.Proposal, error) {
	const op = "agent.approve"
	now := r.clk.Now()

	p, err := r.store.Agents().GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalPending {
		return nil, domain.NewConflictError(op, "proposal already decided", nil).WithDetail("status", p.Status)
	}
	if p.ExpiresAt.Before(now) {
		moved, derr := r.store.Agents().DecideProposal(ctx, p.ID, domain.ProposalPending, domain.ProposalExpired, now)
		if derr == nil && moved {
			metrics.AgentProposals.WithLabelValues(string(domain.ProposalExpired)).Inc()
		}
		return nil, domain.NewExpiredError(op, "proposal expired before approval")
	}

	a, err := r.store.Agents().Get(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	err = r.locks.WithLock(ctx, lock.ProposalKey(p.ID), r.cfg.LockTTL, func(ctx context.Context) error {
		moved, err := r.store.Agents().DecideProposal(ctx, p.ID, domain.ProposalPending, domain.ProposalApproved, now)
		if err != nil {
			return err
		}
		if !moved {
			return domain.NewConflictError(op, "proposal already decided", nil)
		}
		metrics.AgentProposals.WithLabelValues(string(domain.ProposalApproved)).Inc()
		return r.execute(ctx, a, p.ID, now)
	})
	if err != nil {
		return nil, err
	}
	return r.store.Agents().GetProposal(ctx, proposalID)
}

// Reject closes a pending proposal without trading.
func (r *Runtime) Reject(ctx context.Context, proposalID string) (*domain.Proposal, error) {
	const op = "agent.reject"
	now := r.clk.Now()

	p, err := r.store.Agents().GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	err = r.locks.WithLock(ctx, lock.ProposalKey(p.ID), r.cfg.LockTTL, func(ctx context.Context) error {
		moved, err := r.store.Agents().DecideProposal(ctx, p.ID, domain.ProposalPending, domain.ProposalRejected, now)
		if err != nil {
			return err
		}
		if !moved {
			return domain.NewConflictError(op, "proposal already decided", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AgentProposals.WithLabelValues(string(domain.ProposalRejected)).Inc()
	r.publishClosed(ctx, p, string(domain.ProposalRejected), "", now)
	r.log.Info().Str("proposal_id", p.ID).Msg("proposal rejected")
	return r.store.Agents().GetProposal(ctx, proposalID)
}

// Register validates and persists a new agent. Status defaults to active,
// execution mode to approval so nobody trades unattended by accident.
func (r *Runtime) Register(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	const op = "agent.register"
	if a == nil || a.OwnerID == "" {
		return nil, domain.NewValidationError(op, "owner id is required")
	}
	switch a.Type {
	case domain.AgentBuyer, domain.AgentSeller:
	default:
		return nil, domain.NewValidationError(op, "agent type must be buyer or seller")
	}
	switch a.ExecutionMode {
	case domain.ExecutionAuto, domain.ExecutionApproval:
	case "":
		a.ExecutionMode = domain.ExecutionApproval
	default:
		return nil, domain.NewValidationError(op, "execution mode must be auto or approval")
	}
	switch a.Status {
	case domain.AgentActive, domain.AgentPaused, domain.AgentStopped:
	case "":
		a.Status = domain.AgentActive
	default:
		return nil, domain.NewValidationError(op, "unknown agent status")
	}
	if err := validateLimits(op, a.Config); err != nil {
		return nil, err
	}

	now := r.clk.Now()
	if a.ID == "" {
		a.ID = r.ids.NewID()
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := r.store.Agents().Create(ctx, a); err != nil {
		return nil, err
	}
	r.log.Info().Str("agent_id", a.ID).Str("owner_id", a.OwnerID).
		Str("type", string(a.Type)).Str("mode", string(a.ExecutionMode)).Msg("agent registered")
	return a, nil
}

// SetStatus pauses, resumes or stops an agent.
func (r *Runtime) SetStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error) {
	const op = "agent.set_status"
	switch status {
	case domain.AgentActive, domain.AgentPaused, domain.AgentStopped:
	default:
		return nil, domain.NewValidationError(op, "unknown agent status")
	}
	a, err := r.store.Agents().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Status = status
	a.UpdatedAt = r.clk.Now()
	if err := r.store.Agents().Update(ctx, a); err != nil {
		return nil, err
	}
	r.log.Info().Str("agent_id", id).Str("status", string(status)).Msg("agent status changed")
	return a, nil
}

// Configure replaces an agent's risk envelope.
func (r *Runtime) Configure(ctx context.Context, id string, limits domain.AgentConfig) (*domain.Agent, error) {
	const op = "agent.configure"
	if err := validateLimits(op, limits); err != nil {
		return nil, err
	}
	a, err := r.store.Agents().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Config = limits
	a.UpdatedAt = r.clk.Now()
	if err := r.store.Agents().Update(ctx, a); err != nil {
		return nil, err
	}
	r.log.Info().Str("agent_id", id).Msg("agent reconfigured")
	return a, nil
}

func validateLimits(op string, limits domain.AgentConfig) error {
	if limits.MaxQty < 0 {
		return domain.NewValidationError(op, "max quantity cannot be negative")
	}
	if limits.MinTrustScore < 0 || limits.MinTrustScore > 1 {
		return domain.NewValidationError(op, "trust floor must be within [0,1]")
	}
	if limits.MaxPricePerUnit.IsNegative() || limits.DailyLimit.IsNegative() {
		return domain.NewValidationError(op, "price and spend limits cannot be negative")
	}
	return nil
}

func (r *Runtime) publishClosed(ctx context.Context, p *domain.Proposal, status, orderID string, now time.Time) {
	r.feed.Publish(ctx, feed.Event{
		Kind:    feed.KindProposalClosed,
		OrderID: orderID,
		At:      now,
		Payload: feed.Encode(map[string]any{
			"proposal_id": p.ID,
			"agent_id":    p.AgentID,
			"status":      status,
		}),
	})
}

// spendKey scopes the spend counter to one agent and one UTC day. Keys
// supersede themselves at midnight, so the ledger needs no expiry.
func spendKey(agentID string, now time.Time) string {
	return "agent:spend:" + agentID + ":" + now.UTC().Format("2006-01-02")
}

func (r *Runtime) spentToday(ctx context.Context, agentID string, now time.Time) (decimal.Decimal, error) {
	raw, err := r.kv.Get(ctx, spendKey(agentID, now))
	if errors.Is(err, kv.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	spent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return decimal.Zero, domain.E(domain.KindInternal, "agent.spent_today", "corrupt spend counter", err)
	}
	return decimal.NewFromFloat(spent), nil
}

var _ Trader = (*coordinator.BAP)(nil)
