package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/feed"
	"github.com/wattex/wattexd/internal/inventory"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// BPPConfig tunes the provider platform side.
type BPPConfig struct {
	// TxnLockTTL is the lease serializing all messages of one transaction.
	TxnLockTTL time.Duration `mapstructure:"txn_lock_ttl" json:"txn_lock_ttl"`
	// OrderLockTTL is the lease held across confirm and cancel.
	OrderLockTTL time.Duration `mapstructure:"order_lock_ttl" json:"order_lock_ttl"`
	// GateClosure is how long before the delivery window opens that
	// confirm and cancel stop being accepted. Zero means the default;
	// negative disables the gate.
	GateClosure time.Duration `mapstructure:"gate_closure" json:"gate_closure"`
	// CancelPenaltyRate is the fraction of the escrowed total forfeited
	// to the seller on a post-escrow cancellation.
	CancelPenaltyRate decimal.Decimal `mapstructure:"cancel_penalty_rate" json:"cancel_penalty_rate"`
}

// DefaultBPPConfig returns the production trade-side defaults.
func DefaultBPPConfig() BPPConfig {
	return BPPConfig{
		TxnLockTTL:        15 * time.Second,
		OrderLockTTL:      10 * time.Second,
		GateClosure:       5 * time.Minute,
		CancelPenaltyRate: decimal.RequireFromString("0.05"),
	}
}

func (c BPPConfig) withDefaults() BPPConfig {
	d := DefaultBPPConfig()
	if c.TxnLockTTL <= 0 {
		c.TxnLockTTL = d.TxnLockTTL
	}
	if c.OrderLockTTL <= 0 {
		c.OrderLockTTL = d.OrderLockTTL
	}
	if c.GateClosure == 0 {
		c.GateClosure = d.GateClosure
	}
	if c.CancelPenaltyRate.IsZero() {
		c.CancelPenaltyRate = d.CancelPenaltyRate
	}
	return c
}

// BPPDeps carries the engines the provider platform answers with.
type BPPDeps struct {
	Store     relational.Manager
	Locks     *lock.Manager
	Inventory *inventory.Engine
	Orders    *order.Service
	Escrow    *escrow.Orchestrator
	Matcher   *match.Engine
	States    *StateCache
	Builder   *protocol.Builder
	Feed      feed.Publisher
	Clock     clock.Clock
}

// BPP is the provider platform: it answers discover, select, init, confirm,
// status and cancel against the local inventory, order and escrow engines.
// All messages of one transaction serialize on the transaction lease, and
// every message is logged before side-effects so retries replay instead of
// re-executing.
type BPP struct {
	cfg     BPPConfig
	store   relational.Manager
	locks   *lock.Manager
	inv     *inventory.Engine
	orders  *order.Service
	escrow  *escrow.Orchestrator
	matcher *match.Engine
	states  *StateCache
	builder *protocol.Builder
	feed    feed.Publisher
	clk     clock.Clock
	log     zerolog.Logger
}

// NewBPP builds the provider platform.
func NewBPP(deps BPPDeps, cfg BPPConfig) *BPP {
	if deps.Feed == nil {
		deps.Feed = feed.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.SystemClock{}
	}
	return &BPP{
		cfg:     cfg.withDefaults(),
		store:   deps.Store,
		locks:   deps.Locks,
		inv:     deps.Inventory,
		orders:  deps.Orders,
		escrow:  deps.Escrow,
		matcher: deps.Matcher,
		states:  deps.States,
		builder: deps.Builder,
		feed:    deps.Feed,
		clk:     deps.Clock,
		log:     log.With().Str("component", "bpp").Logger(),
	}
}

var _ protocol.Handler = (*BPP)(nil)

// Handle implements protocol.Handler. Malformed envelopes and deterministic
// failures come back as fault envelopes; transient failures return an error
// so the peer retries with the same message id.
func (b *BPP) Handle(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveHandler(req.Context.Action)

	if err := req.Validate(); err != nil {
		return b.builder.Fail(req, FaultValidation, faultMessage(err)), nil
	}
	metrics.RecordMessage(req.Context.Action, string(domain.DirectionInbound))

	var resp *protocol.Envelope
	err := b.locks.WithLock(ctx, lock.TxnKey(req.Context.TransactionID), b.cfg.TxnLockTTL, func(ctx context.Context) error {
		var err error
		resp, err = b.process(ctx, req)
		return err
	})
	if err != nil {
		if domain.IsLockAcquisition(err) {
			return b.builder.Fail(req, FaultInFlight, "transaction is being processed"), nil
		}
		return nil, err
	}
	metrics.RecordMessage(resp.Context.Action, string(domain.DirectionOutbound))
	return resp, nil
}

// process runs one message under the transaction lease: log it, replay a
// recorded answer if one exists, otherwise dispatch and record the outcome.
func (b *BPP) process(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	inbound, err := eventFor(req, domain.DirectionInbound, b.clk.Now())
	if err != nil {
		return nil, err
	}
	fresh, err := b.store.Events().Append(ctx, inbound)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if resp := b.recorded(ctx, req.Context.MessageID); resp != nil {
			metrics.ProtocolReplays.WithLabelValues(req.Context.Action).Inc()
			b.log.Info().Str("message_id", req.Context.MessageID).
				Str("action", req.Context.Action).Msg("duplicate message, replaying recorded response")
			return resp, nil
		}
		// Logged inbound without a recorded response: the first attempt
		// died mid-flight. We hold the transaction lease, so no live
		// processor exists and the message is safe to run again.
		b.log.Warn().Str("message_id", req.Context.MessageID).
			Str("action", req.Context.Action).Msg("unanswered inbound message, reprocessing")
	}

	resp, err := b.dispatch(ctx, req)
	if err != nil {
		if !deterministic(err) {
			// Un-log so a retry of the same message id is processed
			// rather than mistaken for a replay.
			if delErr := b.store.Events().Delete(ctx, req.Context.MessageID, domain.DirectionInbound); delErr != nil {
				b.log.Error().Err(delErr).Str("message_id", req.Context.MessageID).
					Msg("failed to un-log message after transient error")
			}
			return nil, err
		}
		b.log.Info().Err(err).Str("message_id", req.Context.MessageID).
			Str("action", req.Context.Action).Msg("request rejected")
		resp = b.builder.Fail(req, faultCode(err), faultMessage(err))
	}

	outbound, err := eventFor(resp, domain.DirectionOutbound, b.clk.Now())
	if err != nil {
		return nil, err
	}
	if _, err := b.store.Events().Append(ctx, outbound); err != nil {
		return nil, err
	}
	return resp, nil
}

// recorded returns the response previously recorded for the message id,
// nil when none exists.
func (b *BPP) recorded(ctx context.Context, messageID string) *protocol.Envelope {
	ev, err := b.store.Events().Get(ctx, messageID, domain.DirectionOutbound)
	if err != nil {
		return nil
	}
	var env protocol.Envelope
	if err := json.Unmarshal(ev.Raw, &env); err != nil {
		b.log.Error().Err(err).Str("message_id", messageID).Msg("recorded response is undecodable")
		return nil
	}
	return &env
}

func (b *BPP) dispatch(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	switch req.Context.Action {
	case protocol.ActionDiscover:
		return b.handleDiscover(ctx, req)
	case protocol.ActionSelect:
		return b.handleSelect(ctx, req)
	case protocol.ActionInit:
		return b.handleInit(ctx, req)
	case protocol.ActionConfirm:
		return b.handleConfirm(ctx, req)
	case protocol.ActionStatus:
		return b.handleStatus(ctx, req)
	case protocol.ActionCancel:
		return b.handleCancel(ctx, req)
	case protocol.ActionVerificationStart, protocol.ActionSubmitProofs,
		protocol.ActionAcceptVerification, protocol.ActionRejectVerification,
		protocol.ActionSettlementStart:
		return b.handleForwarded(ctx, req)
	default:
		return nil, domain.NewValidationError("coordinator.bpp.dispatch", "unsupported action").
			WithDetail("action", req.Context.Action)
	}
}

// handleDiscover ranks the live catalog against the buyer's criteria and
// seeds the transaction state.
func (b *BPP) handleDiscover(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	var body protocol.DiscoverBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	now := b.clk.Now()
	entries, err := b.store.Catalog().ListEntries(ctx, now)
	if err != nil {
		return nil, err
	}
	result := b.matcher.Rank(entries, body.Criteria, now)
	catalog := make([]domain.CatalogEntry, 0, len(result.Ranked))
	for _, r := range result.Ranked {
		catalog = append(catalog, r.Entry)
	}

	criteria := body.Criteria
	b.putState(ctx, req.Context.TransactionID, func(st *domain.TransactionState) {
		st.Status = domain.TxnDiscovering
		st.Criteria = &criteria
		st.Catalog = catalog
	})
	return b.builder.Reply(req, protocol.ActionOnDiscover, protocol.OnDiscoverBody{Catalog: catalog})
}

// handleSelect quotes the named offer, or the best match when the buyer
// asked for auto-matching.
func (b *BPP) handleSelect(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	const op = "coordinator.bpp.select"
	var body protocol.SelectBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.Qty < 0 {
		return nil, domain.NewValidationError(op, "quantity cannot be negative")
	}
	now := b.clk.Now()

	offerID := body.OfferID
	if offerID == "" || body.AutoMatch {
		matched, err := b.autoMatch(ctx, req.Context.TransactionID, body, now)
		if err != nil {
			return nil, err
		}
		offerID = matched
	}

	offer, err := b.store.Catalog().GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Window.EndedBefore(now) {
		return nil, domain.E(domain.KindExpired, op, "offer delivery window has elapsed", domain.ErrOfferWindowElapsed).
			WithDetail("offer_id", offer.ID)
	}

	b.putState(ctx, req.Context.TransactionID, func(st *domain.TransactionState) {
		st.Status = domain.TxnSelecting
		st.SelectedOfferID = offer.ID
		st.SelectedQty = body.Qty
	})
	return b.builder.Reply(req, protocol.ActionOnSelect, protocol.OnSelectBody{
		OfferID: offer.ID,
		Quote:   quoteFor(offer, body.Qty),
	})
}

// autoMatch picks the best live offer for the selection, preferring the
// criteria remembered from the discover phase.
func (b *BPP) autoMatch(ctx context.Context, txnID string, body protocol.SelectBody, now time.Time) (string, error) {
	const op = "coordinator.bpp.auto_match"
	criteria := domain.DiscoveryCriteria{RequestedQty: body.Qty}
	if st, err := b.states.Get(ctx, txnID); err == nil && st.Criteria != nil {
		criteria = *st.Criteria
	}
	if body.Qty > 0 {
		criteria.RequestedQty = body.Qty
	}
	if body.Window != nil {
		criteria.RequestedWindow = *body.Window
	}

	entries, err := b.store.Catalog().ListEntries(ctx, now)
	if err != nil {
		return "", err
	}
	result := b.matcher.Rank(entries, criteria, now)
	if result.Best == nil {
		return "", domain.NewNotFoundError(op, "no offer matches the selection", domain.ErrOfferNotFound)
	}
	return result.Best.Entry.Offer.ID, nil
}

// handleInit claims blocks for the offer and drafts the order. A retry
// after a mid-flight crash finds the claim already made and answers from
// it; a second init naming a different offer is a conflict.
func (b *BPP) handleInit(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	const op = "coordinator.bpp.init"
	var body protocol.InitBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.OfferID == "" {
		return nil, domain.NewValidationError(op, "offer id is required")
	}

	existing, err := b.store.Orders().GetByTransaction(ctx, req.Context.TransactionID)
	switch {
	case err == nil:
		return b.initReplay(ctx, req, existing, body)
	case !domain.IsNotFound(err):
		return nil, err
	}

	var buyer *string
	if body.BuyerID != "" {
		buyer = &body.BuyerID
	}
	claim, err := b.inv.ClaimBlocks(ctx, inventory.ClaimRequest{
		OfferID:       body.OfferID,
		TransactionID: req.Context.TransactionID,
		BuyerID:       buyer,
		Qty:           body.Qty,
	})
	if err != nil {
		return nil, err
	}

	offer, err := b.store.Catalog().GetOffer(ctx, body.OfferID)
	if err != nil {
		return nil, err
	}
	quote := quoteFor(offer, claim.Claimed)
	if raw, merr := json.Marshal(quote); merr == nil {
		if _, serr := b.orders.Stamp(ctx, claim.Order.ID, func(o *domain.Order) error {
			o.QuoteSnapshot = raw
			return nil
		}); serr != nil {
			b.log.Warn().Err(serr).Str("order_id", claim.Order.ID).Msg("quote snapshot stamp failed")
		}
	}

	b.feed.Publish(ctx, feed.Event{
		Kind:          feed.KindOrderDrafted,
		TransactionID: req.Context.TransactionID,
		OrderID:       claim.Order.ID,
		At:            b.clk.Now(),
		Payload:       feed.Encode(map[string]any{"claimed": claim.Claimed, "requested": claim.Requested}),
	})
	b.putState(ctx, req.Context.TransactionID, func(st *domain.TransactionState) {
		st.Status = domain.TxnInitializing
		st.OrderID = claim.Order.ID
		st.SelectedOfferID = body.OfferID
		st.SelectedQty = claim.Claimed
		if body.BuyerID != "" {
			st.BuyerID = body.BuyerID
		}
	})
	return b.builder.Reply(req, protocol.ActionOnInit, protocol.OnInitBody{
		OrderID: claim.Order.ID,
		Claimed: claim.Claimed,
		Quote:   quote,
	})
}

// initReplay answers an init whose transaction already carries an order.
// This happens when the first attempt crashed after committing the claim
// but before recording its response; the claim is the durable truth, so a
// matching request is answered from it.
func (b *BPP) initReplay(ctx context.Context, req *protocol.Envelope, existing *domain.Order, body protocol.InitBody) (*protocol.Envelope, error) {
	const op = "coordinator.bpp.init"
	sameOffer := existing.SelectedOfferID != nil && *existing.SelectedOfferID == body.OfferID
	if !sameOffer || existing.Status != domain.OrderDraft {
		return nil, domain.NewConflictError(op, "transaction already carries an order", nil).
			WithDetail("order_id", existing.ID).
			WithDetail("status", string(existing.Status))
	}
	offer, err := b.store.Catalog().GetOffer(ctx, body.OfferID)
	if err != nil {
		return nil, err
	}
	return b.builder.Reply(req, protocol.ActionOnInit, protocol.OnInitBody{
		OrderID: existing.ID,
		Claimed: existing.TotalQty,
		Quote:   quoteFor(offer, existing.TotalQty),
	})
}

// handleConfirm escrows the buyer's funds, sells the reserved blocks and
// activates the order, all under the order lease.
func (b *BPP) handleConfirm(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	var body protocol.ConfirmBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	o, err := b.resolveOrder(ctx, body.OrderID, req.Context.TransactionID)
	if err != nil {
		return nil, err
	}

	var resp *protocol.Envelope
	err = b.locks.WithLock(ctx, lock.OrderKey(o.ID), b.cfg.OrderLockTTL, func(ctx context.Context) error {
		var err error
		resp, err = b.confirmLocked(ctx, req, o.ID, body)
		return err
	})
	return resp, err
}

func (b *BPP) confirmLocked(ctx context.Context, req *protocol.Envelope, orderID string, body protocol.ConfirmBody) (*protocol.Envelope, error) {
	const op = "coordinator.bpp.confirm"

	o, err := b.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case domain.OrderActive:
		// Already confirmed; answer from the durable rows.
		return b.builder.Reply(req, protocol.ActionOnConfirm, b.confirmedBody(ctx, o))
	case domain.OrderCancelled:
		return nil, domain.NewConflictError(op, "order is cancelled", nil).WithDetail("order_id", o.ID)
	case domain.OrderCompleted:
		return nil, domain.NewAlreadySettledError(op, o.ID)
	}
	if err := b.gateCheck(op, o); err != nil {
		return nil, err
	}
	if o.TotalQty == 0 {
		return nil, domain.NewValidationError(op, "order claims no blocks").WithDetail("order_id", o.ID)
	}

	buyerID := body.BuyerID
	if buyerID == "" && o.BuyerID != nil {
		buyerID = *o.BuyerID
	}
	if buyerID == "" {
		return nil, domain.NewValidationError(op, "buyer id is required to confirm")
	}
	if o.ProviderID == nil {
		return nil, domain.NewValidationError(op, "order has no provider to confirm against")
	}
	seller, err := b.store.Users().GetByProvider(ctx, *o.ProviderID)
	if err != nil {
		return nil, err
	}

	place, err := b.escrow.OnTradePlaced(ctx, escrow.PlaceRequest{
		TradeID:   o.ID,
		BuyerID:   buyerID,
		SellerID:  seller.ID,
		Principal: o.TotalPrice,
	})
	if err != nil {
		return nil, err
	}
	b.feed.Publish(ctx, feed.Event{
		Kind:          feed.KindEscrowBlocked,
		TransactionID: o.TransactionID,
		OrderID:       o.ID,
		At:            b.clk.Now(),
		Payload:       feed.Encode(map[string]any{"total_blocked": place.Escrow.TotalBlocked}),
	})

	// Stamp the escrow marker before any further step so a crash from
	// here on leaves a draft the recovery sweep can finish.
	escrowedAt := place.Escrow.CreatedAt
	o, err = b.orders.Stamp(ctx, o.ID, func(x *domain.Order) error {
		x.PaymentStatus = domain.PaymentEscrowed
		x.EscrowedAt = &escrowedAt
		if x.BuyerID == nil && buyerID != "" {
			id := buyerID
			x.BuyerID = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sold, err := b.inv.MarkSold(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if sold > 0 {
		b.consumeItemQty(ctx, o, sold)
	}

	if o.Status == domain.OrderDraft {
		if o, err = b.orders.ApplyTransition(ctx, o.ID, domain.OrderPending, nil); err != nil {
			return nil, err
		}
	}
	if o.Status == domain.OrderPending {
		if o, err = b.orders.ApplyTransition(ctx, o.ID, domain.OrderActive, nil); err != nil {
			return nil, err
		}
	}

	b.feed.Publish(ctx, feed.Event{
		Kind:          feed.KindOrderConfirmed,
		TransactionID: o.TransactionID,
		OrderID:       o.ID,
		At:            b.clk.Now(),
		Payload:       feed.Encode(map[string]any{"status": o.Status, "payment_status": o.PaymentStatus}),
	})
	b.putState(ctx, req.Context.TransactionID, func(st *domain.TransactionState) {
		st.Status = domain.TxnActive
		st.OrderID = o.ID
		if buyerID != "" {
			st.BuyerID = buyerID
		}
	})
	return b.builder.Reply(req, protocol.ActionOnConfirm, b.confirmedBody(ctx, o))
}

// confirmedBody renders the confirm response from the durable order and
// escrow rows, so fresh confirms and replays serve identical payloads.
func (b *BPP) confirmedBody(ctx context.Context, o *domain.Order) protocol.OnConfirmBody {
	body := protocol.OnConfirmBody{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		EscrowCode:    escrow.CodeBlockConfirmed,
	}
	if rec, err := b.store.Escrows().Get(ctx, o.ID); err == nil {
		body.TotalBlocked = rec.TotalBlocked
	}
	return body
}

// consumeItemQty decrements the item's remaining quantity for sold blocks.
// The count is derived from block rows, so a failure here is logged and
// not fatal.
func (b *BPP) consumeItemQty(ctx context.Context, o *domain.Order, sold int64) {
	var snap struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(o.ItemsSnapshot, &snap); err != nil || snap.ItemID == "" {
		b.log.Warn().Str("order_id", o.ID).Msg("items snapshot has no item id")
		return
	}
	if err := b.store.Catalog().AdjustItemQty(ctx, snap.ItemID, -sold); err != nil {
		b.log.Warn().Err(err).Str("item_id", snap.ItemID).Msg("item quantity adjustment failed")
	}
}

// handleStatus returns the order as the provider sees it.
func (b *BPP) handleStatus(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	var body protocol.StatusBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	o, err := b.resolveOrder(ctx, body.OrderID, req.Context.TransactionID)
	if err != nil {
		return nil, err
	}
	return b.builder.Reply(req, protocol.ActionOnStatus, protocol.OnStatusBody{Order: o})
}

// handleCancel withdraws the order: reserved blocks are released, escrowed
// funds refunded minus the penalty, and the order closed.
func (b *BPP) handleCancel(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	var body protocol.CancelBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	o, err := b.resolveOrder(ctx, body.OrderID, req.Context.TransactionID)
	if err != nil {
		return nil, err
	}

	var resp *protocol.Envelope
	err = b.locks.WithLock(ctx, lock.OrderKey(o.ID), b.cfg.OrderLockTTL, func(ctx context.Context) error {
		var err error
		resp, err = b.cancelLocked(ctx, req, o.ID, body)
		return err
	})
	return resp, err
}

func (b *BPP) cancelLocked(ctx context.Context, req *protocol.Envelope, orderID string, body protocol.CancelBody) (*protocol.Envelope, error) {
	const op = "coordinator.bpp.cancel"

	o, err := b.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case domain.OrderCancelled:
		return b.builder.Reply(req, protocol.ActionOnCancel, protocol.OnCancelBody{
			OrderID: o.ID,
			Status:  o.Status,
			Penalty: o.CancelPenalty,
			Refund:  o.CancelRefund,
		})
	case domain.OrderCompleted:
		return nil, domain.NewAlreadySettledError(op, o.ID)
	}
	if err := b.gateCheck(op, o); err != nil {
		return nil, err
	}

	released, err := b.inv.ReleaseBlocks(ctx, o.TransactionID)
	if err != nil {
		return nil, err
	}

	var penalty, refund *decimal.Decimal
	paymentStatus := o.PaymentStatus
	if o.EscrowedAt != nil && o.PaymentStatus == domain.PaymentEscrowed {
		res, err := b.escrow.OnTradeCancelled(ctx, o.ID, b.cfg.CancelPenaltyRate)
		if err != nil {
			return nil, err
		}
		switch res.Code {
		case escrow.CodePaymentRefunded:
			p, r := res.Penalty, res.Refund
			penalty, refund = &p, &r
			paymentStatus = domain.PaymentRefunded
			b.feed.Publish(ctx, feed.Event{
				Kind:          feed.KindEscrowRefunded,
				TransactionID: o.TransactionID,
				OrderID:       o.ID,
				At:            b.clk.Now(),
				Payload:       feed.Encode(map[string]any{"penalty": p, "refund": r}),
			})
		case escrow.CodeErrorAlreadySettled:
			return nil, domain.NewAlreadySettledError(op, o.ID)
		case escrow.CodeErrorBlockExpired:
			// The reconciler already refunded the hold in full.
			paymentStatus = domain.PaymentRefunded
		case escrow.CodeErrorNoBlock:
			// Nothing was ever held.
		}
	}

	now := b.clk.Now()
	cancelledBy := req.Context.BapID
	final, err := b.orders.ApplyTransition(ctx, o.ID, domain.OrderCancelled, func(x *domain.Order) error {
		x.PaymentStatus = paymentStatus
		x.CancelledAt = &now
		x.CancelledBy = &cancelledBy
		if body.Reason != "" {
			reason := body.Reason
			x.CancelReason = &reason
		}
		x.CancelPenalty = penalty
		x.CancelRefund = refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Info().Str("order_id", o.ID).Int64("blocks_released", released).Msg("order cancelled")
	b.feed.Publish(ctx, feed.Event{
		Kind:          feed.KindOrderCancelled,
		TransactionID: o.TransactionID,
		OrderID:       o.ID,
		At:            now,
		Payload:       feed.Encode(map[string]any{"reason": body.Reason, "blocks_released": released}),
	})
	b.putState(ctx, req.Context.TransactionID, func(st *domain.TransactionState) {
		st.Status = domain.TxnCompleted
	})
	return b.builder.Reply(req, protocol.ActionOnCancel, protocol.OnCancelBody{
		OrderID: final.ID,
		Status:  final.Status,
		Penalty: penalty,
		Refund:  refund,
	})
}

// handleForwarded acknowledges verification and settlement messages. They
// are recorded in the event log like any other message and forwarded to the
// feed; the verifier drives the actual settlement.
func (b *BPP) handleForwarded(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	b.feed.Publish(ctx, feed.Event{
		Kind:          "protocol." + req.Context.Action,
		TransactionID: req.Context.TransactionID,
		At:            b.clk.Now(),
		Payload:       req.Message,
	})
	return b.builder.Reply(req, protocol.ResponseAction(req.Context.Action), struct {
		Ack    bool   `json:"ack"`
		Action string `json:"action"`
	}{Ack: true, Action: req.Context.Action})
}

// resolveOrder loads the order by id, falling back to the transaction's
// order when the body named none.
func (b *BPP) resolveOrder(ctx context.Context, orderID, txnID string) (*domain.Order, error) {
	if orderID != "" {
		return b.orders.Get(ctx, orderID)
	}
	return b.orders.GetByTransaction(ctx, txnID)
}

// gateCheck rejects order mutations once the gate has closed for the
// delivery window.
func (b *BPP) gateCheck(op string, o *domain.Order) error {
	if b.cfg.GateClosure <= 0 || o.WindowStart == nil {
		return nil
	}
	gate := o.WindowStart.Add(-b.cfg.GateClosure)
	if !b.clk.Now().Before(gate) {
		return domain.E(domain.KindConflict, op, "gate closure passed for delivery window", domain.ErrGateClosed).
			WithDetail("order_id", o.ID).
			WithDetail("gate", gate.Format(time.RFC3339))
	}
	return nil
}

// putState folds a mutation into the cached transaction state, best effort.
func (b *BPP) putState(ctx context.Context, txnID string, mutate func(*domain.TransactionState)) {
	st, err := b.states.Get(ctx, txnID)
	if err != nil {
		now := b.clk.Now()
		st = &domain.TransactionState{
			TransactionID: txnID,
			Status:        domain.TxnDiscovering,
			CreatedAt:     now,
		}
	}
	mutate(st)
	st.UpdatedAt = b.clk.Now()
	if err := b.states.Put(ctx, st); err != nil {
		b.log.Warn().Err(err).Str("transaction_id", txnID).Msg("transaction state write failed")
	}
}

// quoteFor prices qty units of the offer.
func quoteFor(offer *domain.Offer, qty int64) protocol.Quote {
	return protocol.Quote{
		OfferID:      offer.ID,
		Qty:          qty,
		PricePerUnit: offer.PricePerUnit,
		Total:        offer.PricePerUnit.Mul(decimal.NewFromInt(qty)),
		Currency:     offer.Currency,
		Window:       offer.Window,
	}
}

// eventFor renders the envelope as an event-log row.
func eventFor(env *protocol.Envelope, dir domain.Direction, at time.Time) (*domain.Event, error) {
	raw, err := env.Raw()
	if err != nil {
		return nil, err
	}
	return &domain.Event{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        env.Context.Action,
		Direction:     dir,
		Raw:           raw,
		CreatedAt:     at,
	}, nil
}
