package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/wattex/wattexd/internal/domain"
)

type catalogRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *catalogRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

func (r *catalogRepo) CreateItem(ctx context.Context, item *domain.Item) error {
	const op = "sqlstore.Catalog.CreateItem"
	windows, err := json.Marshal(item.ProductionWindows)
	if err != nil {
		return domain.NewInternalError(op, "encode production windows", err)
	}
	query := r.store.q(`INSERT INTO items
		(id, provider_id, source_type, delivery_mode, available_qty, production_windows, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	_, err = r.exec().ExecContext(ctx, query,
		item.ID, item.ProviderID, string(item.SourceType), item.DeliveryMode,
		item.AvailableQty, string(windows), ts(item.CreatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *catalogRepo) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	const op = "sqlstore.Catalog.GetItem"
	query := r.store.q(`SELECT id, provider_id, source_type, delivery_mode, available_qty,
		production_windows, created_at
		FROM items WHERE id = $1`)
	var (
		item    domain.Item
		source  string
		windows sql.NullString
		created int64
	)
	err := r.exec().QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.ProviderID, &source, &item.DeliveryMode, &item.AvailableQty, &windows, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "item", id, domain.ErrItemNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	item.SourceType = domain.SourceType(source)
	item.CreatedAt = fromTS(created)
	if windows.Valid && windows.String != "" {
		if err := json.Unmarshal([]byte(windows.String), &item.ProductionWindows); err != nil {
			return nil, domain.NewInternalError(op, "decode production windows", err)
		}
	}
	return &item, nil
}

func (r *catalogRepo) AdjustItemQty(ctx context.Context, id string, delta int64) error {
	const op = "sqlstore.Catalog.AdjustItemQty"
	query := r.store.q(`UPDATE items
		SET available_qty = available_qty + $1
		WHERE id = $2 AND available_qty + $3 >= 0`)
	res, err := r.exec().ExecContext(ctx, query, delta, id, delta)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewConflictError(op, "item quantity would go negative", domain.ErrItemNotFound).
			WithDetail("item_id", id).
			WithDetail("delta", delta)
	}
	return nil
}

func (r *catalogRepo) CreateOffer(ctx context.Context, offer *domain.Offer) error {
	const op = "sqlstore.Catalog.CreateOffer"
	query := r.store.q(`INSERT INTO offers
		(id, item_id, provider_id, price_per_unit, currency, max_qty,
		 window_start, window_end, pricing_model, settlement_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	_, err := r.exec().ExecContext(ctx, query,
		offer.ID, offer.ItemID, offer.ProviderID, offer.PricePerUnit, offer.Currency, offer.MaxQty,
		ts(offer.Window.Start), ts(offer.Window.End), offer.PricingModel, offer.SettlementType,
		ts(offer.CreatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

const offerColumns = `id, item_id, provider_id, price_per_unit, currency, max_qty,
	window_start, window_end, pricing_model, settlement_type, created_at`

func (r *catalogRepo) GetOffer(ctx context.Context, id string) (*domain.Offer, error) {
	const op = "sqlstore.Catalog.GetOffer"
	query := r.store.q(`SELECT ` + offerColumns + ` FROM offers WHERE id = $1`)
	offer, err := scanOffer(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "offer", id, domain.ErrOfferNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return offer, nil
}

// ListEntries serves discovery: offers still inside their window, joined
// with their provider and the live AVAILABLE count. Sold-out offers are
// kept so the matcher can report near-misses; callers filter on Available.
func (r *catalogRepo) ListEntries(ctx context.Context, asOf time.Time) ([]domain.CatalogEntry, error) {
	const op = "sqlstore.Catalog.ListEntries"
	query := r.store.q(`SELECT
		o.id, o.item_id, o.provider_id, o.price_per_unit, o.currency, o.max_qty,
		o.window_start, o.window_end, o.pricing_model, o.settlement_type, o.created_at,
		p.id, p.name, p.trust_score, p.total_orders, p.successful_orders, p.created_at, p.updated_at,
		i.source_type,
		(SELECT COUNT(*) FROM blocks b WHERE b.offer_id = o.id AND b.status = 'AVAILABLE')
		FROM offers o
		JOIN providers p ON p.id = o.provider_id
		JOIN items i ON i.id = o.item_id
		WHERE o.window_end > $1
		ORDER BY o.created_at, o.id`)
	rows, err := r.exec().QueryContext(ctx, query, ts(asOf))
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.CatalogEntry
	for rows.Next() {
		var (
			entry       domain.CatalogEntry
			winStart    int64
			winEnd      int64
			offCreated  int64
			provCreated int64
			provUpdated int64
			source      string
		)
		err := rows.Scan(
			&entry.Offer.ID, &entry.Offer.ItemID, &entry.Offer.ProviderID,
			&entry.Offer.PricePerUnit, &entry.Offer.Currency, &entry.Offer.MaxQty,
			&winStart, &winEnd, &entry.Offer.PricingModel, &entry.Offer.SettlementType, &offCreated,
			&entry.Provider.ID, &entry.Provider.Name, &entry.Provider.TrustScore,
			&entry.Provider.TotalOrders, &entry.Provider.SuccessfulOrders, &provCreated, &provUpdated,
			&source, &entry.Available)
		if err != nil {
			return nil, queryErr(op, err)
		}
		entry.Offer.Window = domain.TimeWindow{Start: fromTS(winStart), End: fromTS(winEnd)}
		entry.Offer.CreatedAt = fromTS(offCreated)
		entry.Provider.CreatedAt = fromTS(provCreated)
		entry.Provider.UpdatedAt = fromTS(provUpdated)
		entry.SourceType = domain.SourceType(source)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r *catalogRepo) ListOffersByProvider(ctx context.Context, providerID string) ([]domain.Offer, error) {
	const op = "sqlstore.Catalog.ListOffersByProvider"
	query := r.store.q(`SELECT ` + offerColumns + ` FROM offers
		WHERE provider_id = $1 ORDER BY created_at, id`)
	rows, err := r.exec().QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *offer)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r *catalogRepo) ListSpentOffers(ctx context.Context, asOf time.Time) ([]string, error) {
	const op = "sqlstore.Catalog.ListSpentOffers"
	query := r.store.q(`SELECT o.id FROM offers o
		WHERE o.window_end <= $1
		AND NOT EXISTS (SELECT 1 FROM blocks b WHERE b.offer_id = o.id AND b.status = 'AVAILABLE')
		ORDER BY o.created_at, o.id`)
	rows, err := r.exec().QueryContext(ctx, query, ts(asOf))
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, queryErr(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return ids, nil
}

// DeleteOffer retires the offer: unsold stock goes with it, but RESERVED
// and SOLD block rows stay as the per-unit sale record. Blocks go first so
// a failure between the statements leaves the offer for the next sweep.
func (r *catalogRepo) DeleteOffer(ctx context.Context, id string) error {
	const op = "sqlstore.Catalog.DeleteOffer"
	blocks := r.store.q(`DELETE FROM blocks WHERE offer_id = $1 AND status = $2`)
	if _, err := r.exec().ExecContext(ctx, blocks, id, string(domain.BlockAvailable)); err != nil {
		return queryErr(op, err)
	}
	query := r.store.q(`DELETE FROM offers WHERE id = $1`)
	if _, err := r.exec().ExecContext(ctx, query, id); err != nil {
		return queryErr(op, err)
	}
	return nil
}

func scanOffer(row rowScanner) (*domain.Offer, error) {
	var (
		o        domain.Offer
		winStart int64
		winEnd   int64
		created  int64
	)
	err := row.Scan(&o.ID, &o.ItemID, &o.ProviderID, &o.PricePerUnit, &o.Currency, &o.MaxQty,
		&winStart, &winEnd, &o.PricingModel, &o.SettlementType, &created)
	if err != nil {
		return nil, err
	}
	o.Window = domain.TimeWindow{Start: fromTS(winStart), End: fromTS(winEnd)}
	o.CreatedAt = fromTS(created)
	return &o, nil
}
