package coordinator

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// BAPConfig tunes the buyer application side.
type BAPConfig struct {
	// BppURI is the peer endpoint requests are sent to. Ignored by the
	// in-process transport.
	BppURI string `mapstructure:"bpp_uri" json:"bpp_uri"`
	// LogWire records outbound requests and inbound responses in the
	// local event log. Enable it only when the provider platform is a
	// remote process; a co-located platform already logs both legs and
	// the (message_id, direction) pair is unique per store.
	LogWire bool `mapstructure:"log_wire" json:"log_wire"`
}

// BAP is the buyer application: it builds protocol requests, sends them to
// the provider platform and decodes the typed responses. Fault responses
// come back as the typed error they stand for.
type BAP struct {
	cfg       BAPConfig
	transport protocol.Transport
	builder   *protocol.Builder
	store     relational.Manager
	states    *StateCache
	clk       clock.Clock
	log       zerolog.Logger
}

// NewBAP builds the buyer application over the given transport.
func NewBAP(transport protocol.Transport, builder *protocol.Builder, store relational.Manager, states *StateCache, clk clock.Clock, cfg BAPConfig) *BAP {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &BAP{
		cfg:       cfg,
		transport: transport,
		builder:   builder,
		store:     store,
		states:    states,
		clk:       clk,
		log:       log.With().Str("component", "bap").Logger(),
	}
}

// DiscoverResult carries the catalog and the transaction the conversation
// will continue under.
type DiscoverResult struct {
	TransactionID string                `json:"transaction_id"`
	Catalog       []domain.CatalogEntry `json:"catalog"`
}

// Discover opens (or continues) a transaction and fetches the catalog
// matching the criteria. An empty txnID starts a new transaction.
func (b *BAP) Discover(ctx context.Context, txnID string, criteria domain.DiscoveryCriteria) (*DiscoverResult, error) {
	req, err := b.builder.NewRequest(protocol.ActionDiscover, txnID, protocol.DiscoverBody{Criteria: criteria})
	if err != nil {
		return nil, err
	}
	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.OnDiscoverBody
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return &DiscoverResult{TransactionID: resp.Context.TransactionID, Catalog: body.Catalog}, nil
}

// SelectParams names the offer to select, or asks for auto-matching.
type SelectParams struct {
	OfferID   string
	Qty       int64
	AutoMatch bool
	Window    *domain.TimeWindow
}

// Select asks the provider platform to quote an offer for the transaction.
func (b *BAP) Select(ctx context.Context, txnID string, p SelectParams) (*protocol.OnSelectBody, error) {
	const op = "coordinator.bap.select"
	if txnID == "" {
		return nil, domain.NewValidationError(op, "transaction id is required")
	}
	req, err := b.builder.NewRequest(protocol.ActionSelect, txnID, protocol.SelectBody{
		OfferID:   p.OfferID,
		Qty:       p.Qty,
		AutoMatch: p.AutoMatch,
		Window:    p.Window,
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.OnSelectBody
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Init asks the provider platform to reserve qty blocks of the offer and
// draft the order.
func (b *BAP) Init(ctx context.Context, txnID, offerID string, qty int64, buyerID string) (*protocol.OnInitBody, error) {
	const op = "coordinator.bap.init"
	if txnID == "" {
		return nil, domain.NewValidationError(op, "transaction id is required")
	}
	req, err := b.builder.NewRequest(protocol.ActionInit, txnID, protocol.InitBody{
		OfferID: offerID,
		Qty:     qty,
		BuyerID: buyerID,
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.OnInitBody
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Confirm finalizes the order: funds escrowed, blocks sold, order active.
// An empty orderID confirms the transaction's order.
func (b *BAP) Confirm(ctx context.Context, txnID, orderID, buyerID string) (*protocol.OnConfirmBody, error) {
	const op = "coordinator.bap.confirm"
	if txnID == "" {
		return nil, domain.NewValidationError(op, "transaction id is required")
	}
	req, err := b.builder.NewRequest(protocol.ActionConfirm, txnID, protocol.ConfirmBody{
		OrderID: orderID,
		BuyerID: buyerID,
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.OnConfirmBody
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Status pulls the order as the provider platform sees it.
func (b *BAP) Status(ctx context.Context, txnID, orderID string) (*domain.Order, error) {
	const op = "coordinator.bap.status"
	if txnID == "" {
		return nil, domain.NewValidationError(op, "transaction id is required")
	}
	req, err := b.builder.NewRequest(protocol.ActionStatus, txnID, protocol.StatusBody{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.OnStatusBody
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if body.Order == nil {
		return nil, domain.NewInternalError(op, "status response carries no order", nil)
	}
	return body.Order, nil
}

// Cancel withdraws the order before delivery.
func (b *BAP) Cancel(ctx context.Context, txnID, orderID, reason string) (*protocol.OnCancelBody, error) {
	const op = "coordinator.bap.cancel"
	if txnID == "" {
		return nil, domain.NewValidationError(op, "transaction id is required")
	}
	req, err := b.builder.NewRequest(protocol.ActionCancel, txnID, protocol.CancelBody{
		OrderID: orderID,
		Reason:  reason,
	})
	if err != nil {
		return nil, err
	}
	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.OnCancelBody
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// State returns the cached conversational state of the transaction.
func (b *BAP) State(ctx context.Context, txnID string) (*domain.TransactionState, error) {
	return b.states.Get(ctx, txnID)
}

// TradeParams drives a full buy: discover, select, init, confirm.
type TradeParams struct {
	BuyerID  string
	Criteria domain.DiscoveryCriteria
	// OfferID pins the offer; empty lets the matcher pick the best one.
	OfferID string
}

// TradeOutcome reports the completed buy.
type TradeOutcome struct {
	TransactionID string                  `json:"transaction_id"`
	OrderID       string                  `json:"order_id"`
	Claimed       int64                   `json:"claimed"`
	Quote         protocol.Quote          `json:"quote"`
	Confirm       *protocol.OnConfirmBody `json:"confirm"`
}

// PlaceTrade runs the whole protocol flow in one call. It is the path the
// CLI and the agent runtime place trades through.
func (b *BAP) PlaceTrade(ctx context.Context, p TradeParams) (*TradeOutcome, error) {
	const op = "coordinator.bap.place_trade"
	if p.BuyerID == "" {
		return nil, domain.NewValidationError(op, "buyer id is required")
	}
	if p.Criteria.RequestedQty <= 0 {
		return nil, domain.NewValidationError(op, "requested quantity must be positive")
	}

	disc, err := b.Discover(ctx, "", p.Criteria)
	if err != nil {
		return nil, err
	}
	txnID := disc.TransactionID

	sel, err := b.Select(ctx, txnID, SelectParams{
		OfferID:   p.OfferID,
		Qty:       p.Criteria.RequestedQty,
		AutoMatch: p.OfferID == "",
		Window:    &p.Criteria.RequestedWindow,
	})
	if err != nil {
		return nil, err
	}

	init, err := b.Init(ctx, txnID, sel.OfferID, p.Criteria.RequestedQty, p.BuyerID)
	if err != nil {
		return nil, err
	}

	conf, err := b.Confirm(ctx, txnID, init.OrderID, p.BuyerID)
	if err != nil {
		return nil, err
	}

	b.log.Info().Str("transaction_id", txnID).Str("order_id", init.OrderID).
		Int64("claimed", init.Claimed).Msg("trade placed")
	return &TradeOutcome{
		TransactionID: txnID,
		OrderID:       init.OrderID,
		Claimed:       init.Claimed,
		Quote:         init.Quote,
		Confirm:       conf,
	}, nil
}

// send delivers the request and unwraps fault responses into typed errors.
func (b *BAP) send(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	const op = "coordinator.bap.send"

	if b.cfg.LogWire {
		ev, err := eventFor(req, domain.DirectionOutbound, b.clk.Now())
		if err != nil {
			return nil, err
		}
		if _, err := b.store.Events().Append(ctx, ev); err != nil {
			return nil, err
		}
	}
	metrics.RecordMessage(req.Context.Action, string(domain.DirectionOutbound))

	resp, err := b.transport.Send(ctx, b.cfg.BppURI, req)
	if err != nil {
		return nil, err
	}
	metrics.RecordMessage(resp.Context.Action, string(domain.DirectionInbound))

	if b.cfg.LogWire {
		if ev, err := eventFor(resp, domain.DirectionInbound, b.clk.Now()); err == nil {
			if _, err := b.store.Events().Append(ctx, ev); err != nil {
				b.log.Warn().Err(err).Str("message_id", resp.Context.MessageID).Msg("response log append failed")
			}
		}
	}

	if resp.Faulted() {
		return nil, faultError(op+"."+req.Context.Action, resp.Error)
	}
	return resp, nil
}
