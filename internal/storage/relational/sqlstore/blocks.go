package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/storage/relational"
)

type blockRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *blockRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

const blockColumns = `id, offer_id, item_id, provider_id, status, order_id, transaction_id,
	price, version, created_at, reserved_at, sold_at`

func (r *blockRepo) CreateBatch(ctx context.Context, blocks []domain.Block) error {
	const op = "sqlstore.Blocks.CreateBatch"
	query := r.store.q(`INSERT INTO blocks (` + blockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	for i := range blocks {
		b := &blocks[i]
		_, err := r.exec().ExecContext(ctx, query,
			b.ID, b.OfferID, b.ItemID, b.ProviderID, string(b.Status),
			nullStr(b.OrderID), nullStr(b.TransactionID),
			b.Price, b.Version, ts(b.CreatedAt), nullTS(b.ReservedAt), nullTS(b.SoldAt))
		if err != nil {
			return queryErr(op, err)
		}
	}
	return nil
}

func (r *blockRepo) Get(ctx context.Context, id string) (*domain.Block, error) {
	const op = "sqlstore.Blocks.Get"
	query := r.store.q(`SELECT ` + blockColumns + ` FROM blocks WHERE id = $1`)
	b, err := scanBlock(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "block", id, domain.ErrBlockNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return b, nil
}

// SelectAvailable returns up to limit AVAILABLE blocks in stable
// (created_at, id) order so every node claims in the same sequence. Under
// Postgres the rows come back locked; concurrent claimers skip instead of
// queueing.
func (r *blockRepo) SelectAvailable(ctx context.Context, offerID string, limit int64) ([]domain.Block, error) {
	const op = "sqlstore.Blocks.SelectAvailable"
	query := r.store.q(`SELECT `+blockColumns+` FROM blocks
		WHERE offer_id = $1 AND status = $2
		ORDER BY created_at, id
		LIMIT $3`) + r.store.lockClause()
	rows, err := r.exec().QueryContext(ctx, query, offerID, string(domain.BlockAvailable), limit)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

// Reserve flips the chosen blocks to RESERVED in one statement, guarded by
// the AVAILABLE status so a racing writer shrinks RowsAffected instead of
// double-booking.
func (r *blockRepo) Reserve(ctx context.Context, ids []string, orderID, txnID string, at time.Time) (int64, error) {
	const op = "sqlstore.Blocks.Reserve"
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(domain.BlockReserved), orderID, txnID, ts(at), string(domain.BlockAvailable)}
	query := fmt.Sprintf(`UPDATE blocks
		SET status = $1, order_id = $2, transaction_id = $3, reserved_at = $4, version = version + 1
		WHERE status = $5 AND id IN (%s)`, placeholders(len(args)+1, len(ids)))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.exec().ExecContext(ctx, r.store.q(query), args...)
	if err != nil {
		return 0, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *blockRepo) ReleaseByTransaction(ctx context.Context, txnID string) (int64, error) {
	const op = "sqlstore.Blocks.ReleaseByTransaction"
	query := r.store.q(`UPDATE blocks
		SET status = $1, order_id = NULL, transaction_id = NULL, reserved_at = NULL, version = version + 1
		WHERE transaction_id = $2 AND status = $3`)
	res, err := r.exec().ExecContext(ctx, query,
		string(domain.BlockAvailable), txnID, string(domain.BlockReserved))
	if err != nil {
		return 0, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *blockRepo) MarkSoldByOrder(ctx context.Context, orderID string, at time.Time) (int64, error) {
	const op = "sqlstore.Blocks.MarkSoldByOrder"
	query := r.store.q(`UPDATE blocks
		SET status = $1, sold_at = $2, version = version + 1
		WHERE order_id = $3 AND status = $4`)
	res, err := r.exec().ExecContext(ctx, query,
		string(domain.BlockSold), ts(at), orderID, string(domain.BlockReserved))
	if err != nil {
		return 0, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *blockRepo) CountByOffer(ctx context.Context, offerID string) (relational.BlockCounts, error) {
	const op = "sqlstore.Blocks.CountByOffer"
	query := r.store.q(`SELECT status, COUNT(*) FROM blocks WHERE offer_id = $1 GROUP BY status`)
	rows, err := r.exec().QueryContext(ctx, query, offerID)
	if err != nil {
		return relational.BlockCounts{}, queryErr(op, err)
	}
	defer rows.Close()

	var counts relational.BlockCounts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return relational.BlockCounts{}, queryErr(op, err)
		}
		switch domain.BlockStatus(status) {
		case domain.BlockAvailable:
			counts.Available = n
		case domain.BlockReserved:
			counts.Reserved = n
		case domain.BlockSold:
			counts.Sold = n
		}
	}
	if err := rows.Err(); err != nil {
		return relational.BlockCounts{}, queryErr(op, err)
	}
	return counts, nil
}

func (r *blockRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Block, error) {
	const op = "sqlstore.Blocks.ListByOrder"
	query := r.store.q(`SELECT ` + blockColumns + ` FROM blocks
		WHERE order_id = $1 ORDER BY created_at, id`)
	rows, err := r.exec().QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

// UpdateVersioned writes the row only when the stored version still matches
// block.Version, then bumps both the row and the struct.
func (r *blockRepo) UpdateVersioned(ctx context.Context, block *domain.Block) error {
	const op = "sqlstore.Blocks.UpdateVersioned"
	query := r.store.q(`UPDATE blocks
		SET status = $1, order_id = $2, transaction_id = $3, reserved_at = $4, sold_at = $5,
		    version = version + 1
		WHERE id = $6 AND version = $7`)
	res, err := r.exec().ExecContext(ctx, query,
		string(block.Status), nullStr(block.OrderID), nullStr(block.TransactionID),
		nullTS(block.ReservedAt), nullTS(block.SoldAt), block.ID, block.Version)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewOptimisticLockError(op, "block", block.ID)
	}
	block.Version++
	return nil
}

func scanBlock(row rowScanner) (*domain.Block, error) {
	var (
		b        domain.Block
		status   string
		orderID  sql.NullString
		txnID    sql.NullString
		created  int64
		reserved sql.NullInt64
		sold     sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.OfferID, &b.ItemID, &b.ProviderID, &status, &orderID, &txnID,
		&b.Price, &b.Version, &created, &reserved, &sold)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BlockStatus(status)
	b.OrderID = fromNullStr(orderID)
	b.TransactionID = fromNullStr(txnID)
	b.CreatedAt = fromTS(created)
	b.ReservedAt = fromNullTS(reserved)
	b.SoldAt = fromNullTS(sold)
	return &b, nil
}

// placeholders renders "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
