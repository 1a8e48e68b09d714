// Package protocol defines the wire envelope the buyer and seller sides
// exchange, the action vocabulary, and the transports that move envelopes
// between peers. Message bodies stay raw JSON on the envelope so unknown
// fields survive into the event log; typed views are decoded on demand.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
)

// Protocol actions. Requests pair with their on_ response.
const (
	ActionDiscover   = "discover"
	ActionOnDiscover = "on_discover"
	ActionSelect     = "select"
	ActionOnSelect   = "on_select"
	ActionInit       = "init"
	ActionOnInit     = "on_init"
	ActionConfirm    = "confirm"
	ActionOnConfirm  = "on_confirm"
	ActionStatus     = "status"
	ActionOnStatus   = "on_status"
	ActionCancel     = "cancel"
	ActionOnCancel   = "on_cancel"

	// Verification and settlement variants ride the same envelope; they
	// are recorded in the event log and forwarded to the feed.
	ActionVerificationStart  = "verification_start"
	ActionSubmitProofs       = "submit_proofs"
	ActionAcceptVerification = "accept_verification"
	ActionRejectVerification = "reject_verification"
	ActionSettlementStart    = "settlement_start"
)

// Version is the protocol revision stamped on every envelope.
const Version = "1.1.0"

// ResponseAction maps a request action to its on_ counterpart. Unknown and
// already-on_ actions map to themselves.
func ResponseAction(action string) string {
	switch action {
	case ActionDiscover:
		return ActionOnDiscover
	case ActionSelect:
		return ActionOnSelect
	case ActionInit:
		return ActionOnInit
	case ActionConfirm:
		return ActionOnConfirm
	case ActionStatus:
		return ActionOnStatus
	case ActionCancel:
		return ActionOnCancel
	default:
		return action
	}
}

// Context is the envelope header; every field rides the wire.
type Context struct {
	Version       string    `json:"version" validate:"required"`
	Action        string    `json:"action" validate:"required"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	MessageID     string    `json:"message_id" validate:"required"`
	TransactionID string    `json:"transaction_id" validate:"required"`
	BapID         string    `json:"bap_id" validate:"required"`
	BapURI        string    `json:"bap_uri" validate:"required"`
	BppID         string    `json:"bpp_id,omitempty"`
	BppURI        string    `json:"bpp_uri,omitempty"`
	TTL           string    `json:"ttl,omitempty"`
	Domain        string    `json:"domain" validate:"required"`
}

// Fault is the structured error a responder returns instead of a message.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the unit every transport carries. Exactly one of Message or
// Error is set on a response; requests always carry Message.
type Envelope struct {
	Context Context         `json:"context" validate:"required"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   *Fault          `json:"error,omitempty"`
}

var validate = validator.New()

// Validate checks the envelope header and that a payload is present.
func (e *Envelope) Validate() error {
	const op = "protocol.validate"
	if err := validate.Struct(e.Context); err != nil {
		return domain.NewValidationError(op, "malformed envelope context").WithDetail("cause", err.Error())
	}
	if len(e.Message) == 0 && e.Error == nil {
		return domain.NewValidationError(op, "envelope carries neither message nor error")
	}
	return nil
}

// Faulted reports whether the envelope is an error response.
func (e *Envelope) Faulted() bool { return e.Error != nil }

// Decode unmarshals the message body into out.
func (e *Envelope) Decode(out any) error {
	const op = "protocol.decode"
	if e.Error != nil {
		return domain.NewValidationError(op, "envelope is an error response").
			WithDetail("code", e.Error.Code)
	}
	if err := json.Unmarshal(e.Message, out); err != nil {
		return domain.NewValidationError(op, "malformed message body").WithDetail("cause", err.Error())
	}
	return nil
}

// Raw renders the whole envelope for the event log.
func (e *Envelope) Raw() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, domain.NewInternalError("protocol.raw", "encode envelope", err)
	}
	return raw, nil
}

// Quote is the priced claim a seller returns on select and init.
type Quote struct {
	OfferID      string            `json:"offer_id"`
	Qty          int64             `json:"qty"`
	PricePerUnit decimal.Decimal   `json:"price_per_unit"`
	Total        decimal.Decimal   `json:"total"`
	Currency     string            `json:"currency"`
	Window       domain.TimeWindow `json:"window"`
}

// DiscoverBody asks the seller side for its catalog.
type DiscoverBody struct {
	Criteria domain.DiscoveryCriteria `json:"criteria"`
}

// OnDiscoverBody returns the catalog matching the criteria.
type OnDiscoverBody struct {
	Catalog []domain.CatalogEntry `json:"catalog"`
}

// SelectBody picks an offer, either named or auto-matched.
type SelectBody struct {
	OfferID   string             `json:"offer_id,omitempty"`
	Qty       int64              `json:"qty"`
	AutoMatch bool               `json:"auto_match,omitempty"`
	Window    *domain.TimeWindow `json:"requested_window,omitempty"`
}

// OnSelectBody confirms the selection with a quote.
type OnSelectBody struct {
	OfferID string `json:"offer_id"`
	Quote   Quote  `json:"quote"`
}

// InitBody asks the seller to reserve blocks and draft the order.
type InitBody struct {
	OfferID string `json:"offer_id"`
	Qty     int64  `json:"qty"`
	BuyerID string `json:"buyer_id,omitempty"`
}

// OnInitBody returns the drafted order and what was actually claimed.
type OnInitBody struct {
	OrderID string `json:"order_id"`
	Claimed int64  `json:"claimed"`
	Quote   Quote  `json:"quote"`
}

// ConfirmBody finalizes the order: escrow funds, sell blocks, activate.
type ConfirmBody struct {
	OrderID string `json:"order_id"`
	BuyerID string `json:"buyer_id,omitempty"`
}

// OnConfirmBody reports the activated order and its custody code.
type OnConfirmBody struct {
	OrderID       string               `json:"order_id"`
	Status        domain.OrderStatus   `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	EscrowCode    string               `json:"escrow_code"`
	TotalBlocked  decimal.Decimal      `json:"total_blocked"`
}

// StatusBody pulls the current order state.
type StatusBody struct {
	OrderID string `json:"order_id"`
}

// OnStatusBody returns the order row as the seller sees it.
type OnStatusBody struct {
	Order *domain.Order `json:"order"`
}

// CancelBody withdraws an order before delivery.
type CancelBody struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// OnCancelBody reports the cancellation outcome and the money moved.
type OnCancelBody struct {
	OrderID string             `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
	Penalty *decimal.Decimal   `json:"penalty,omitempty"`
	Refund  *decimal.Decimal   `json:"refund,omitempty"`
}
