// Package relational defines the contracts for the authoritative SQL store.
// Implementations live in subpackages (sqlstore) and are selected through
// Config.Driver, so engines and services depend on these interfaces only.
package relational

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
)

// BlockCounts summarizes the inventory of a single offer by block status.
type BlockCounts struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Sold      int64 `json:"sold"`
}

// Total returns the number of blocks the offer was partitioned into.
func (c BlockCounts) Total() int64 {
	return c.Available + c.Reserved + c.Sold
}

// Stats reports coarse row counts for operational surfaces.
type Stats struct {
	Providers int64 `json:"providers"`
	Users     int64 `json:"users"`
	Offers    int64 `json:"offers"`
	Blocks    int64 `json:"blocks"`
	Orders    int64 `json:"orders"`
	Events    int64 `json:"events"`
	Escrows   int64 `json:"escrows"`
}

// ProviderRepository persists seller identities and their delivery history.
type ProviderRepository interface {
	Create(ctx context.Context, provider *domain.Provider) error
	Get(ctx context.Context, id string) (*domain.Provider, error)
	Update(ctx context.Context, provider *domain.Provider) error
	// RecordDelivery bumps the order counters and stores the post-evaluation
	// trust score in one statement.
	RecordDelivery(ctx context.Context, id string, success bool, trustScore float64, now time.Time) error
	List(ctx context.Context) ([]domain.Provider, error)
}

// UserRepository persists trading accounts and their ledger balances.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	Get(ctx context.Context, id string) (*domain.User, error)
	GetByProvider(ctx context.Context, providerID string) (*domain.User, error)
	UpdateTrust(ctx context.Context, id string, score, limit float64, now time.Time) error
	// AdjustBalance applies delta atomically and fails with an
	// insufficient-balance error when the result would go negative.
	// It returns the balance after the adjustment.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal, now time.Time) (decimal.Decimal, error)
	List(ctx context.Context) ([]domain.User, error)
}

// CatalogRepository persists items and offers and serves discovery reads.
type CatalogRepository interface {
	CreateItem(ctx context.Context, item *domain.Item) error
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	AdjustItemQty(ctx context.Context, id string, delta int64) error
	CreateOffer(ctx context.Context, offer *domain.Offer) error
	GetOffer(ctx context.Context, id string) (*domain.Offer, error)
	// ListEntries returns offers whose window has not ended by asOf, joined
	// with their provider and the live AVAILABLE-block count.
	ListEntries(ctx context.Context, asOf time.Time) ([]domain.CatalogEntry, error)
	ListOffersByProvider(ctx context.Context, providerID string) ([]domain.Offer, error)
	// ListSpentOffers returns ids of offers whose window ended before asOf
	// and which have no AVAILABLE blocks left.
	ListSpentOffers(ctx context.Context, asOf time.Time) ([]string, error)
	DeleteOffer(ctx context.Context, id string) error
}

// BlockRepository persists the per-unit inventory shards of an offer.
type BlockRepository interface {
	CreateBatch(ctx context.Context, blocks []domain.Block) error
	Get(ctx context.Context, id string) (*domain.Block, error)
	// SelectAvailable picks up to limit AVAILABLE blocks of the offer in
	// stable (created_at, id) order. Under Postgres the rows are locked
	// with FOR UPDATE SKIP LOCKED; the caller must hold a transaction.
	SelectAvailable(ctx context.Context, offerID string, limit int64) ([]domain.Block, error)
	// Reserve flips the given blocks AVAILABLE -> RESERVED and stamps the
	// order and transaction. It returns the number of rows changed; fewer
	// than len(ids) means another writer interfered.
	Reserve(ctx context.Context, ids []string, orderID, txnID string, at time.Time) (int64, error)
	ReleaseByTransaction(ctx context.Context, txnID string) (int64, error)
	MarkSoldByOrder(ctx context.Context, orderID string, at time.Time) (int64, error)
	CountByOffer(ctx context.Context, offerID string) (BlockCounts, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Block, error)
	// UpdateVersioned writes the block guarded by its version column and
	// fails with domain.ErrVersionMismatch when the row moved on.
	UpdateVersioned(ctx context.Context, block *domain.Block) error
}

// OrderRepository persists orders and the scans the background loops run.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	GetByTransaction(ctx context.Context, txnID string) (*domain.Order, error)
	// UpdateCAS writes the full row guarded by order.Version and bumps the
	// version on success. A stale version fails with domain.ErrVersionMismatch.
	UpdateCAS(ctx context.Context, order *domain.Order) error
	// ListVerifiable returns ACTIVE, unverified, provider-backed orders
	// whose delivery window ended before asOf.
	ListVerifiable(ctx context.Context, asOf time.Time, limit int) ([]domain.Order, error)
	// ListExternalPastWindow returns ACTIVE orders without a provider row
	// whose window ended before asOf.
	ListExternalPastWindow(ctx context.Context, asOf time.Time, limit int) ([]domain.Order, error)
	// ListEscrowedDrafts returns DRAFT orders that already carry escrow
	// markers, i.e. a crash hit between funds blocking and activation.
	ListEscrowedDrafts(ctx context.Context) ([]domain.Order, error)
	CountByStatus(ctx context.Context) (map[domain.OrderStatus]int64, error)
}

// EventRepository is the append-only protocol audit log.
type EventRepository interface {
	// Append inserts the event and reports false when the
	// (message_id, direction) pair was already recorded.
	Append(ctx context.Context, event *domain.Event) (bool, error)
	Get(ctx context.Context, messageID string, dir domain.Direction) (*domain.Event, error)
	// Delete removes one logged message. Receivers use it to un-log a
	// request whose processing failed transiently, so a retry of the same
	// message_id is not mistaken for a replay.
	Delete(ctx context.Context, messageID string, dir domain.Direction) error
	ListByTransaction(ctx context.Context, txnID string) ([]domain.Event, error)
}

// EscrowRepository persists fund blocks and their settlement transfers.
type EscrowRepository interface {
	// Insert stores the record and reports false when the trade already
	// has one (placement replay).
	Insert(ctx context.Context, rec *domain.EscrowRecord) (bool, error)
	Get(ctx context.Context, tradeID string) (*domain.EscrowRecord, error)
	// TransitionStatus moves the record from -> to and reports whether a
	// row changed. receiptID, when non-nil, is stored as the payout receipt.
	TransitionStatus(ctx context.Context, tradeID string, from, to domain.EscrowStatus, receiptID *string, now time.Time) (bool, error)
	ListExpiredBlocked(ctx context.Context, asOf time.Time, limit int) ([]domain.EscrowRecord, error)
	// InsertTransfer stores the settlement leg and reports false when the
	// (trade_id, kind) pair already exists.
	InsertTransfer(ctx context.Context, transfer *domain.Transfer) (bool, error)
	Transfers(ctx context.Context, tradeID string) ([]domain.Transfer, error)
}

// SettlementRepository persists post-delivery verification artifacts.
type SettlementRepository interface {
	// InsertFeedback stores the delivery outcome and reports false when
	// the order was already settled.
	InsertFeedback(ctx context.Context, fb *domain.DeliveryFeedback) (bool, error)
	GetFeedback(ctx context.Context, orderID string) (*domain.DeliveryFeedback, error)
	InsertTrustHistory(ctx context.Context, entry *domain.TrustHistoryEntry) error
	ListTrustHistory(ctx context.Context, userID string, limit int) ([]domain.TrustHistoryEntry, error)
	InsertPaymentRecord(ctx context.Context, rec *domain.PaymentRecord) error
	ListPaymentRecords(ctx context.Context, orderID string) ([]domain.PaymentRecord, error)
}

// AgentRepository persists autonomous agents and their proposals.
type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id string) (*domain.Agent, error)
	Update(ctx context.Context, agent *domain.Agent) error
	ListByStatus(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error)
	CreateProposal(ctx context.Context, proposal *domain.Proposal) error
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)
	// DecideProposal moves a proposal from -> to and reports whether a row
	// changed, so concurrent decisions cannot double-apply.
	DecideProposal(ctx context.Context, id string, from, to domain.ProposalStatus, decidedAt time.Time) (bool, error)
	MarkExecuted(ctx context.Context, id, orderID string, at time.Time) error
	ListProposals(ctx context.Context, agentID string, status domain.ProposalStatus, limit int) ([]domain.Proposal, error)
	ListProposalsByStatus(ctx context.Context, status domain.ProposalStatus, limit int) ([]domain.Proposal, error)
	ExpireProposals(ctx context.Context, asOf time.Time) (int64, error)
}

// SystemRepository exposes health and coarse statistics.
type SystemRepository interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}

// TransactionContext exposes every repository bound to one open transaction.
// Commit and Rollback are driven by Manager.WithTransaction.
type TransactionContext interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Providers() ProviderRepository
	Users() UserRepository
	Catalog() CatalogRepository
	Blocks() BlockRepository
	Orders() OrderRepository
	Events() EventRepository
	Escrows() EscrowRepository
	Settlements() SettlementRepository
	Agents() AgentRepository
}

// Manager is the root handle over the relational store. Repository accessors
// outside WithTransaction auto-commit per statement.
type Manager interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	Providers() ProviderRepository
	Users() UserRepository
	Catalog() CatalogRepository
	Blocks() BlockRepository
	Orders() OrderRepository
	Events() EventRepository
	Escrows() EscrowRepository
	Settlements() SettlementRepository
	Agents() AgentRepository
	System() SystemRepository

	// WithTransaction runs fn inside a single transaction, rolling back on
	// error or panic and committing otherwise.
	WithTransaction(ctx context.Context, fn func(tx TransactionContext) error) error
}
