package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
)

type orderRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *orderRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

const orderColumns = `id, transaction_id, provider_id, selected_offer_id, buyer_id, status,
	total_qty, total_price, currency, items_snapshot, quote_snapshot, version, payment_status,
	window_start, window_end, escrowed_at, released_at, discom_verified,
	cancelled_at, cancelled_by, cancel_reason, cancel_penalty, cancel_refund,
	created_at, updated_at`

func (r *orderRepo) Create(ctx context.Context, o *domain.Order) error {
	const op = "sqlstore.Orders.Create"
	query := r.store.q(`INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`)
	_, err := r.exec().ExecContext(ctx, query,
		o.ID, o.TransactionID, nullStr(o.ProviderID), nullStr(o.SelectedOfferID), nullStr(o.BuyerID),
		string(o.Status), o.TotalQty, o.TotalPrice, o.Currency,
		nullRaw(o.ItemsSnapshot), nullRaw(o.QuoteSnapshot), o.Version, string(o.PaymentStatus),
		nullTS(o.WindowStart), nullTS(o.WindowEnd), nullTS(o.EscrowedAt), nullTS(o.ReleasedAt),
		boolInt(o.DiscomVerified),
		nullTS(o.CancelledAt), nullStr(o.CancelledBy), nullStr(o.CancelReason),
		nullDec(o.CancelPenalty), nullDec(o.CancelRefund),
		ts(o.CreatedAt), ts(o.UpdatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *orderRepo) Get(ctx context.Context, id string) (*domain.Order, error) {
	const op = "sqlstore.Orders.Get"
	query := r.store.q(`SELECT ` + orderColumns + ` FROM orders WHERE id = $1`)
	o, err := scanOrder(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "order", id, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return o, nil
}

func (r *orderRepo) GetByTransaction(ctx context.Context, txnID string) (*domain.Order, error) {
	const op = "sqlstore.Orders.GetByTransaction"
	query := r.store.q(`SELECT ` + orderColumns + ` FROM orders WHERE transaction_id = $1`)
	o, err := scanOrder(r.exec().QueryRowContext(ctx, query, txnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "order for transaction", txnID, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return o, nil
}

// UpdateCAS writes the full row guarded by o.Version. On success the row
// and the struct both move to version+1; a stale version fails without
// touching the row.
func (r *orderRepo) UpdateCAS(ctx context.Context, o *domain.Order) error {
	const op = "sqlstore.Orders.UpdateCAS"
	query := r.store.q(`UPDATE orders SET
		status = $1, total_qty = $2, total_price = $3, currency = $4,
		items_snapshot = $5, quote_snapshot = $6, payment_status = $7,
		window_start = $8, window_end = $9, escrowed_at = $10, released_at = $11,
		discom_verified = $12, cancelled_at = $13, cancelled_by = $14, cancel_reason = $15,
		cancel_penalty = $16, cancel_refund = $17, updated_at = $18,
		version = version + 1
		WHERE id = $19 AND version = $20`)
	res, err := r.exec().ExecContext(ctx, query,
		string(o.Status), o.TotalQty, o.TotalPrice, o.Currency,
		nullRaw(o.ItemsSnapshot), nullRaw(o.QuoteSnapshot), string(o.PaymentStatus),
		nullTS(o.WindowStart), nullTS(o.WindowEnd), nullTS(o.EscrowedAt), nullTS(o.ReleasedAt),
		boolInt(o.DiscomVerified),
		nullTS(o.CancelledAt), nullStr(o.CancelledBy), nullStr(o.CancelReason),
		nullDec(o.CancelPenalty), nullDec(o.CancelRefund), ts(o.UpdatedAt),
		o.ID, o.Version)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewOptimisticLockError(op, "order", o.ID)
	}
	o.Version++
	return nil
}

// ListVerifiable returns ACTIVE, provider-backed, unverified orders whose
// delivery window closed before asOf.
func (r *orderRepo) ListVerifiable(ctx context.Context, asOf time.Time, limit int) ([]domain.Order, error) {
	const op = "sqlstore.Orders.ListVerifiable"
	query := r.store.q(`SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND discom_verified = 0 AND provider_id IS NOT NULL
		AND window_end IS NOT NULL AND window_end < $2
		ORDER BY window_end, id`+limitClause(limit))
	return r.list(ctx, op, query, string(domain.OrderActive), ts(asOf))
}

// ListExternalPastWindow returns ACTIVE orders hosted by an external seller
// platform (no provider row of ours) whose window closed before asOf.
func (r *orderRepo) ListExternalPastWindow(ctx context.Context, asOf time.Time, limit int) ([]domain.Order, error) {
	const op = "sqlstore.Orders.ListExternalPastWindow"
	query := r.store.q(`SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND provider_id IS NULL
		AND window_end IS NOT NULL AND window_end < $2
		ORDER BY window_end, id`+limitClause(limit))
	return r.list(ctx, op, query, string(domain.OrderActive), ts(asOf))
}

// ListEscrowedDrafts returns DRAFT orders that already carry escrow
// markers. These are crash leftovers: funds were blocked but the order
// never reached ACTIVE.
func (r *orderRepo) ListEscrowedDrafts(ctx context.Context) ([]domain.Order, error) {
	const op = "sqlstore.Orders.ListEscrowedDrafts"
	query := r.store.q(`SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1 AND escrowed_at IS NOT NULL
		ORDER BY created_at, id`)
	return r.list(ctx, op, query, string(domain.OrderDraft))
}

func (r *orderRepo) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int64, error) {
	const op = "sqlstore.Orders.CountByStatus"
	query := r.store.q(`SELECT status, COUNT(*) FROM orders GROUP BY status`)
	rows, err := r.exec().QueryContext(ctx, query)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	out := make(map[domain.OrderStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, queryErr(op, err)
		}
		out[domain.OrderStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r *orderRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.exec().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o             domain.Order
		providerID    sql.NullString
		offerID       sql.NullString
		buyerID       sql.NullString
		status        string
		itemsSnap     sql.NullString
		quoteSnap     sql.NullString
		paymentStatus string
		winStart      sql.NullInt64
		winEnd        sql.NullInt64
		escrowedAt    sql.NullInt64
		releasedAt    sql.NullInt64
		verified      int64
		cancelledAt   sql.NullInt64
		cancelledBy   sql.NullString
		cancelReason  sql.NullString
		cancelPenalty decimal.NullDecimal
		cancelRefund  decimal.NullDecimal
		created       int64
		updated       int64
	)
	err := row.Scan(&o.ID, &o.TransactionID, &providerID, &offerID, &buyerID, &status,
		&o.TotalQty, &o.TotalPrice, &o.Currency, &itemsSnap, &quoteSnap, &o.Version, &paymentStatus,
		&winStart, &winEnd, &escrowedAt, &releasedAt, &verified,
		&cancelledAt, &cancelledBy, &cancelReason, &cancelPenalty, &cancelRefund,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	o.ProviderID = fromNullStr(providerID)
	o.SelectedOfferID = fromNullStr(offerID)
	o.BuyerID = fromNullStr(buyerID)
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if itemsSnap.Valid {
		o.ItemsSnapshot = []byte(itemsSnap.String)
	}
	if quoteSnap.Valid {
		o.QuoteSnapshot = []byte(quoteSnap.String)
	}
	o.WindowStart = fromNullTS(winStart)
	o.WindowEnd = fromNullTS(winEnd)
	o.EscrowedAt = fromNullTS(escrowedAt)
	o.ReleasedAt = fromNullTS(releasedAt)
	o.DiscomVerified = verified != 0
	o.CancelledAt = fromNullTS(cancelledAt)
	o.CancelledBy = fromNullStr(cancelledBy)
	o.CancelReason = fromNullStr(cancelReason)
	if cancelPenalty.Valid {
		v := cancelPenalty.Decimal
		o.CancelPenalty = &v
	}
	if cancelRefund.Valid {
		v := cancelRefund.Decimal
		o.CancelRefund = &v
	}
	o.CreatedAt = fromTS(created)
	o.UpdatedAt = fromTS(updated)
	return &o, nil
}
