package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wattex/wattexd/internal/domain"
)

type settlementRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *settlementRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

// InsertFeedback stores the oracle outcome once per order. A second
// verification pass reports false and must not re-apply side effects.
func (r *settlementRepo) InsertFeedback(ctx context.Context, fb *domain.DeliveryFeedback) (bool, error) {
	const op = "sqlstore.Settlements.InsertFeedback"
	query := r.store.q(`INSERT INTO delivery_feedback
		(order_id, seller_id, delivered_qty, expected_qty, ratio, status, trust_impact, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) DO NOTHING`)
	res, err := r.exec().ExecContext(ctx, query,
		fb.OrderID, fb.SellerID, fb.DeliveredQty, fb.ExpectedQty, fb.Ratio,
		string(fb.Status), fb.TrustImpact, ts(fb.VerifiedAt))
	if err != nil {
		return false, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *settlementRepo) GetFeedback(ctx context.Context, orderID string) (*domain.DeliveryFeedback, error) {
	const op = "sqlstore.Settlements.GetFeedback"
	query := r.store.q(`SELECT order_id, seller_id, delivered_qty, expected_qty, ratio, status,
		trust_impact, verified_at
		FROM delivery_feedback WHERE order_id = $1`)
	var (
		fb       domain.DeliveryFeedback
		status   string
		verified int64
	)
	err := r.exec().QueryRowContext(ctx, query, orderID).Scan(
		&fb.OrderID, &fb.SellerID, &fb.DeliveredQty, &fb.ExpectedQty, &fb.Ratio,
		&status, &fb.TrustImpact, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "feedback for order", orderID, nil)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	fb.Status = domain.DeliveryStatus(status)
	fb.VerifiedAt = fromTS(verified)
	return &fb, nil
}

func (r *settlementRepo) InsertTrustHistory(ctx context.Context, entry *domain.TrustHistoryEntry) error {
	const op = "sqlstore.Settlements.InsertTrustHistory"
	query := r.store.q(`INSERT INTO trust_history
		(user_id, prev_score, new_score, prev_limit, new_limit, reason, order_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	_, err := r.exec().ExecContext(ctx, query,
		entry.UserID, entry.PrevScore, entry.NewScore, entry.PrevLimit, entry.NewLimit,
		entry.Reason, nullStr(entry.OrderID), nullRaw(entry.Metadata), ts(entry.CreatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *settlementRepo) ListTrustHistory(ctx context.Context, userID string, limit int) ([]domain.TrustHistoryEntry, error) {
	const op = "sqlstore.Settlements.ListTrustHistory"
	query := r.store.q(`SELECT id, user_id, prev_score, new_score, prev_limit, new_limit,
		reason, order_id, metadata, created_at
		FROM trust_history WHERE user_id = $1
		ORDER BY id DESC` + limitClause(limit))
	rows, err := r.exec().QueryContext(ctx, query, userID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.TrustHistoryEntry
	for rows.Next() {
		var (
			entry    domain.TrustHistoryEntry
			orderID  sql.NullString
			metadata sql.NullString
			created  int64
		)
		err := rows.Scan(&entry.ID, &entry.UserID, &entry.PrevScore, &entry.NewScore,
			&entry.PrevLimit, &entry.NewLimit, &entry.Reason, &orderID, &metadata, &created)
		if err != nil {
			return nil, queryErr(op, err)
		}
		entry.OrderID = fromNullStr(orderID)
		if metadata.Valid {
			entry.Metadata = []byte(metadata.String)
		}
		entry.CreatedAt = fromTS(created)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r *settlementRepo) InsertPaymentRecord(ctx context.Context, rec *domain.PaymentRecord) error {
	const op = "sqlstore.Settlements.InsertPaymentRecord"
	query := r.store.q(`INSERT INTO payment_records
		(order_id, buyer_id, seller_id, record_type, total_amount,
		 buyer_refund, seller_amount, platform_fee, grid_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	_, err := r.exec().ExecContext(ctx, query,
		rec.OrderID, nullStr(rec.BuyerID), nullStr(rec.SellerID), string(rec.Type), rec.TotalAmount,
		nullDec(rec.BuyerRefund), nullDec(rec.SellerAmount), nullDec(rec.PlatformFee),
		nullDec(rec.GridAmount), rec.Status, ts(rec.CreatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *settlementRepo) ListPaymentRecords(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	const op = "sqlstore.Settlements.ListPaymentRecords"
	query := r.store.q(`SELECT id, order_id, buyer_id, seller_id, record_type, total_amount,
		buyer_refund, seller_amount, platform_fee, grid_amount, status, created_at
		FROM payment_records WHERE order_id = $1 ORDER BY id`)
	rows, err := r.exec().QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPaymentRecord(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanPaymentRecord(row rowScanner) (*domain.PaymentRecord, error) {
	var (
		rec        domain.PaymentRecord
		buyerID    sql.NullString
		sellerID   sql.NullString
		recordType string
		refund     nullDecimal
		seller     nullDecimal
		fee        nullDecimal
		grid       nullDecimal
		created    int64
	)
	err := row.Scan(&rec.ID, &rec.OrderID, &buyerID, &sellerID, &recordType, &rec.TotalAmount,
		&refund, &seller, &fee, &grid, &rec.Status, &created)
	if err != nil {
		return nil, err
	}
	rec.BuyerID = fromNullStr(buyerID)
	rec.SellerID = fromNullStr(sellerID)
	rec.Type = domain.PaymentRecordType(recordType)
	rec.BuyerRefund = refund.ptr()
	rec.SellerAmount = seller.ptr()
	rec.PlatformFee = fee.ptr()
	rec.GridAmount = grid.ptr()
	rec.CreatedAt = fromTS(created)
	return &rec, nil
}
