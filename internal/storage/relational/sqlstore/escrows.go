package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wattex/wattexd/internal/domain"
)

type escrowRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *escrowRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

const escrowColumns = `trade_id, buyer_id, seller_id, principal, fee, total_blocked, status,
	expires_at, funded_receipt_id, payout_receipt_id, created_at, updated_at`

// Insert stores the record once per trade. A placement replay reports false.
func (r *escrowRepo) Insert(ctx context.Context, rec *domain.EscrowRecord) (bool, error) {
	const op = "sqlstore.Escrows.Insert"
	query := r.store.q(`INSERT INTO escrows (` + escrowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trade_id) DO NOTHING`)
	res, err := r.exec().ExecContext(ctx, query,
		rec.TradeID, rec.BuyerID, rec.SellerID, rec.Principal, rec.Fee, rec.TotalBlocked,
		string(rec.Status), ts(rec.ExpiresAt), nullStr(rec.FundedReceiptID), nullStr(rec.PayoutReceiptID),
		ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if err != nil {
		return false, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *escrowRepo) Get(ctx context.Context, tradeID string) (*domain.EscrowRecord, error) {
	const op = "sqlstore.Escrows.Get"
	query := r.store.q(`SELECT ` + escrowColumns + ` FROM escrows WHERE trade_id = $1`)
	rec, err := scanEscrow(r.exec().QueryRowContext(ctx, query, tradeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "escrow for trade", tradeID, domain.ErrEscrowNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return rec, nil
}

// TransitionStatus moves the record from -> to, guarded by the current
// status so concurrent settlers cannot double-apply.
func (r *escrowRepo) TransitionStatus(ctx context.Context, tradeID string, from, to domain.EscrowStatus, receiptID *string, now time.Time) (bool, error) {
	const op = "sqlstore.Escrows.TransitionStatus"
	query := r.store.q(`UPDATE escrows
		SET status = $1, payout_receipt_id = COALESCE($2, payout_receipt_id), updated_at = $3
		WHERE trade_id = $4 AND status = $5`)
	res, err := r.exec().ExecContext(ctx, query,
		string(to), nullStr(receiptID), ts(now), tradeID, string(from))
	if err != nil {
		return false, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *escrowRepo) ListExpiredBlocked(ctx context.Context, asOf time.Time, limit int) ([]domain.EscrowRecord, error) {
	const op = "sqlstore.Escrows.ListExpiredBlocked"
	query := r.store.q(`SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at, trade_id`+limitClause(limit))
	rows, err := r.exec().QueryContext(ctx, query, string(domain.EscrowBlocked), ts(asOf))
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.EscrowRecord
	for rows.Next() {
		rec, err := scanEscrow(rows)
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

// InsertTransfer stores the settlement leg once per (trade_id, kind).
func (r *escrowRepo) InsertTransfer(ctx context.Context, t *domain.Transfer) (bool, error) {
	const op = "sqlstore.Escrows.InsertTransfer"
	query := r.store.q(`INSERT INTO transfers (id, trade_id, kind, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trade_id, kind) DO NOTHING`)
	res, err := r.exec().ExecContext(ctx, query,
		t.ID, t.TradeID, string(t.Kind), t.Amount, t.Status, ts(t.CreatedAt))
	if err != nil {
		return false, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *escrowRepo) Transfers(ctx context.Context, tradeID string) ([]domain.Transfer, error) {
	const op = "sqlstore.Escrows.Transfers"
	query := r.store.q(`SELECT id, trade_id, kind, amount, status, created_at
		FROM transfers WHERE trade_id = $1 ORDER BY created_at, id`)
	rows, err := r.exec().QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		var (
			t       domain.Transfer
			kind    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.TradeID, &kind, &t.Amount, &t.Status, &created); err != nil {
			return nil, queryErr(op, err)
		}
		t.Kind = domain.TransferKind(kind)
		t.CreatedAt = fromTS(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanEscrow(row rowScanner) (*domain.EscrowRecord, error) {
	var (
		rec     domain.EscrowRecord
		status  string
		expires int64
		funded  sql.NullString
		payout  sql.NullString
		created int64
		updated int64
	)
	err := row.Scan(&rec.TradeID, &rec.BuyerID, &rec.SellerID, &rec.Principal, &rec.Fee,
		&rec.TotalBlocked, &status, &expires, &funded, &payout, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.Status = domain.EscrowStatus(status)
	rec.ExpiresAt = fromTS(expires)
	rec.FundedReceiptID = fromNullStr(funded)
	rec.PayoutReceiptID = fromNullStr(payout)
	rec.CreatedAt = fromTS(created)
	rec.UpdatedAt = fromTS(updated)
	return &rec, nil
}
