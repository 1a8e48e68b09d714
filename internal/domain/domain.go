// Package domain holds the entities, enumerations and error taxonomy shared
// by every engine in the exchange. Entities reference each other by id only;
// joins happen in the relational store, never through in-memory pointers.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BlockStatus is the reservation state of a single tradable block.
type BlockStatus string

const (
	BlockAvailable BlockStatus = "AVAILABLE"
	BlockReserved  BlockStatus = "RESERVED"
	BlockSold      BlockStatus = "SOLD"
)

// OrderStatus is the lifecycle state of an order row.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "DRAFT"
	OrderPending   OrderStatus = "PENDING"
	OrderActive    OrderStatus = "ACTIVE"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// PaymentStatus tracks where the buyer's money is for an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentEscrowed PaymentStatus = "ESCROWED"
	PaymentReleased PaymentStatus = "RELEASED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// EscrowStatus is the state of a funds block held at the bank rail.
type EscrowStatus string

const (
	EscrowInitiated EscrowStatus = "INITIATED"
	EscrowBlocked   EscrowStatus = "BLOCKED"
	EscrowReleased  EscrowStatus = "RELEASED"
	EscrowRefunded  EscrowStatus = "REFUNDED"
	EscrowExpired   EscrowStatus = "EXPIRED"
)

// Terminal reports whether the escrow can no longer change state.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowExpired
}

// TransferKind distinguishes the two settlement legs a trade may have.
type TransferKind string

const (
	TransferRelease TransferKind = "RELEASE"
	TransferRefund  TransferKind = "REFUND"
)

// DeliveryStatus is the oracle's verdict on a delivery window.
type DeliveryStatus string

const (
	DeliveryFull    DeliveryStatus = "FULL"
	DeliveryPartial DeliveryStatus = "PARTIAL"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// Direction marks which way a protocol message travelled relative to this node.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// SourceType is the generation source behind an item.
type SourceType string

const (
	SourceSolar   SourceType = "SOLAR"
	SourceWind    SourceType = "WIND"
	SourceHydro   SourceType = "HYDRO"
	SourceBiomass SourceType = "BIOMASS"
	SourceGrid    SourceType = "GRID"
)

// PaymentRecordType classifies an append-only money-movement record.
type PaymentRecordType string

const (
	PaymentRecordEscrow        PaymentRecordType = "ESCROW"
	PaymentRecordRelease       PaymentRecordType = "RELEASE"
	PaymentRecordCancelPenalty PaymentRecordType = "CANCEL_PENALTY"
	PaymentRecordRefund        PaymentRecordType = "REFUND"
)

// TxnStatus is the coarse stage of a protocol conversation, kept only in the
// advisory transaction-state cache.
type TxnStatus string

const (
	TxnDiscovering  TxnStatus = "DISCOVERING"
	TxnSelecting    TxnStatus = "SELECTING"
	TxnInitializing TxnStatus = "INITIALIZING"
	TxnConfirming   TxnStatus = "CONFIRMING"
	TxnActive       TxnStatus = "ACTIVE"
	TxnCompleted    TxnStatus = "COMPLETED"
)

// AgentType says which side of the book an agent trades.
type AgentType string

const (
	AgentBuyer  AgentType = "buyer"
	AgentSeller AgentType = "seller"
)

// AgentStatus is the run state of an agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentStopped AgentStatus = "stopped"
)

// ExecutionMode controls whether agent proposals execute without a human.
type ExecutionMode string

const (
	ExecutionAuto     ExecutionMode = "auto"
	ExecutionApproval ExecutionMode = "approval"
)

// ProposalAction is the trade direction an agent proposes.
type ProposalAction string

const (
	ProposalBuy  ProposalAction = "buy"
	ProposalSell ProposalAction = "sell"
)

// ProposalStatus is the decision state of an agent proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExecuted ProposalStatus = "executed"
	ProposalExpired  ProposalStatus = "expired"
)

// Terminal reports whether the proposal can no longer change state.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalRejected || s == ProposalExecuted || s == ProposalExpired
}

// Provider is a prosumer organisation selling energy through the exchange.
type Provider struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	TrustScore       float64   `json:"trust_score"`
	TotalOrders      int64     `json:"total_orders"`
	SuccessfulOrders int64     `json:"successful_orders"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// User is a trading account. Sellers carry a ProviderID; pure buyers do not.
type User struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	TrustScore        float64         `json:"trust_score"`
	AllowedTradeLimit float64         `json:"allowed_trade_limit"`
	BaselineTrust     float64         `json:"baseline_trust"`
	Balance           decimal.Decimal `json:"balance"`
	InstalledCapacity float64         `json:"installed_capacity"`
	SanctionedLoad    float64         `json:"sanctioned_load"`
	ProviderID        *string         `json:"provider_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Item is a published energy product a provider can sell offers against.
type Item struct {
	ID                string       `json:"id"`
	ProviderID        string       `json:"provider_id"`
	SourceType        SourceType   `json:"source_type"`
	DeliveryMode      string       `json:"delivery_mode"`
	AvailableQty      int64        `json:"available_qty"`
	ProductionWindows []TimeWindow `json:"production_windows"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Offer is a priced, time-windowed bundle of blocks. Blocks are created
// atomically with the offer row, one per unit of MaxQty.
type Offer struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	ProviderID     string          `json:"provider_id"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit"`
	Currency       string          `json:"currency"`
	MaxQty         int64           `json:"max_qty"`
	Window         TimeWindow      `json:"delivery_window"`
	PricingModel   string          `json:"pricing_model"`
	SettlementType string          `json:"settlement_type"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Block is the smallest reservable unit of an offer, typically one kWh.
// Version is the optimistic-concurrency counter; every status write must
// match and increment it.
type Block struct {
	ID            string          `json:"id"`
	OfferID       string          `json:"offer_id"`
	ItemID        string          `json:"item_id"`
	ProviderID    string          `json:"provider_id"`
	Status        BlockStatus     `json:"status"`
	OrderID       *string         `json:"order_id,omitempty"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	ReservedAt    *time.Time      `json:"reserved_at,omitempty"`
	SoldAt        *time.Time      `json:"sold_at,omitempty"`
}

// Order is a buyer's claim against one offer. ProviderID and SelectedOfferID
// are nullable for orders hosted by an external seller platform. The delivery
// window is denormalised from the selected offer (or the items snapshot for
// external orders) so the verifier scans one table.
type Order struct {
	ID              string           `json:"id"`
	TransactionID   string           `json:"transaction_id"`
	ProviderID      *string          `json:"provider_id,omitempty"`
	SelectedOfferID *string          `json:"selected_offer_id,omitempty"`
	BuyerID         *string          `json:"buyer_id,omitempty"`
	Status          OrderStatus      `json:"status"`
	TotalQty        int64            `json:"total_qty"`
	TotalPrice      decimal.Decimal  `json:"total_price"`
	Currency        string           `json:"currency"`
	ItemsSnapshot   json.RawMessage  `json:"items_snapshot,omitempty"`
	QuoteSnapshot   json.RawMessage  `json:"quote_snapshot,omitempty"`
	Version         int64            `json:"version"`
	PaymentStatus   PaymentStatus    `json:"payment_status"`
	WindowStart     *time.Time       `json:"window_start,omitempty"`
	WindowEnd       *time.Time       `json:"window_end,omitempty"`
	EscrowedAt      *time.Time       `json:"escrowed_at,omitempty"`
	ReleasedAt      *time.Time       `json:"released_at,omitempty"`
	DiscomVerified  bool             `json:"discom_verified"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty"`
	CancelledBy     *string          `json:"cancelled_by,omitempty"`
	CancelReason    *string          `json:"cancel_reason,omitempty"`
	CancelPenalty   *decimal.Decimal `json:"cancel_penalty,omitempty"`
	CancelRefund    *decimal.Decimal `json:"cancel_refund,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Event is one protocol message as it crossed this node. Raw preserves the
// envelope byte-for-byte, unknown fields included. (MessageID, Direction) is
// unique per receiver and is the dedup key.
type Event struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transaction_id"`
	MessageID     string    `json:"message_id"`
	Action        string    `json:"action"`
	Direction     Direction `json:"direction"`
	Raw           []byte    `json:"raw"`
	CreatedAt     time.Time `json:"created_at"`
}

// EscrowRecord tracks funds blocked at the bank rail for one trade.
// TradeID equals the order id; one row per trade.
type EscrowRecord struct {
	TradeID         string          `json:"trade_id"`
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	Principal       decimal.Decimal `json:"principal"`
	Fee             decimal.Decimal `json:"fee"`
	TotalBlocked    decimal.Decimal `json:"total_blocked"`
	Status          EscrowStatus    `json:"status"`
	ExpiresAt       time.Time       `json:"expires_at"`
	FundedReceiptID *string         `json:"funded_receipt_id,omitempty"`
	PayoutReceiptID *string         `json:"payout_receipt_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transfer is one settlement leg. (TradeID, Kind) is unique, enforcing
// at-most-one release and at-most-one refund per trade.
type Transfer struct {
	ID        string          `json:"transfer_id"`
	TradeID   string          `json:"trade_id"`
	Kind      TransferKind    `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeliveryFeedback is the oracle outcome recorded for a verified order.
// One row per order.
type DeliveryFeedback struct {
	OrderID      string          `json:"order_id"`
	SellerID     string          `json:"seller_id"`
	DeliveredQty decimal.Decimal `json:"delivered_qty"`
	ExpectedQty  decimal.Decimal `json:"expected_qty"`
	Ratio        float64         `json:"ratio"`
	Status       DeliveryStatus  `json:"status"`
	TrustImpact  float64         `json:"trust_impact"`
	VerifiedAt   time.Time       `json:"verified_at"`
}

// TrustHistoryEntry is one append-only trust mutation.
type TrustHistoryEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	PrevScore float64         `json:"prev_score"`
	NewScore  float64         `json:"new_score"`
	PrevLimit float64         `json:"prev_limit"`
	NewLimit  float64         `json:"new_limit"`
	Reason    string          `json:"reason"`
	OrderID   *string         `json:"order_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PaymentRecord is one append-only money-movement audit row.
type PaymentRecord struct {
	ID           int64             `json:"id"`
	OrderID      string            `json:"order_id"`
	BuyerID      *string           `json:"buyer_id,omitempty"`
	SellerID     *string           `json:"seller_id,omitempty"`
	Type         PaymentRecordType `json:"type"`
	TotalAmount  decimal.Decimal   `json:"total_amount"`
	BuyerRefund  *decimal.Decimal  `json:"buyer_refund,omitempty"`
	SellerAmount *decimal.Decimal  `json:"seller_amount,omitempty"`
	PlatformFee  *decimal.Decimal  `json:"platform_fee,omitempty"`
	GridAmount   *decimal.Decimal  `json:"grid_amount,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

// DiscoveryCriteria is what a buyer asked the catalog for.
type DiscoveryCriteria struct {
	RequestedQty    int64            `json:"requested_qty"`
	RequestedWindow TimeWindow       `json:"requested_window"`
	SourceTypes     []SourceType     `json:"source_types,omitempty"`
	MaxPricePerUnit *decimal.Decimal `json:"max_price_per_unit,omitempty"`
}

// CatalogEntry pairs an offer with its provider for matching and display.
// Available is the live AVAILABLE-block count at query time.
type CatalogEntry struct {
	Offer      Offer      `json:"offer"`
	Provider   Provider   `json:"provider"`
	SourceType SourceType `json:"source_type"`
	Available  int64      `json:"available"`
}

// TransactionState is the ephemeral, KV-cached record of one protocol
// conversation. It is advisory only and is rebuilt from the event log when
// the cache has expired.
type TransactionState struct {
	TransactionID   string             `json:"transaction_id"`
	Status          TxnStatus          `json:"status"`
	BuyerID         string             `json:"buyer_id,omitempty"`
	Criteria        *DiscoveryCriteria `json:"criteria,omitempty"`
	Catalog         []CatalogEntry     `json:"catalog,omitempty"`
	SelectedOfferID string             `json:"selected_offer_id,omitempty"`
	SelectedQty     int64              `json:"selected_qty,omitempty"`
	OrderID         string             `json:"order_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// AgentConfig is the risk envelope an agent trades within.
type AgentConfig struct {
	MaxPricePerUnit    decimal.Decimal `json:"max_price_per_unit"`
	MinTrustScore      float64         `json:"min_trust_score"`
	MaxQty             int64           `json:"max_qty"`
	DailyLimit         decimal.Decimal `json:"daily_limit"`
	RiskTolerance      string          `json:"risk_tolerance,omitempty"`
	PreferredSources   []SourceType    `json:"preferred_sources,omitempty"`
	CustomInstructions string          `json:"custom_instructions,omitempty"`
}

// Agent is a user-managed autonomous trader.
type Agent struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Type          AgentType     `json:"type"`
	Status        AgentStatus   `json:"status"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	Config        AgentConfig   `json:"config"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Proposal is an agent's intent to trade, pending policy or human decision.
type Proposal struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Action       ProposalAction  `json:"action"`
	OfferID      *string         `json:"offer_id,omitempty"`
	Qty          int64           `json:"qty"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Reasoning    string          `json:"reasoning"`
	Status       ProposalStatus  `json:"status"`
	OrderID      *string         `json:"order_id,omitempty"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
}
