package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wattex/wattexd/internal/domain"
)

type providerRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *providerRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

const providerColumns = `id, name, trust_score, total_orders, successful_orders, created_at, updated_at`

func (r *providerRepo) Create(ctx context.Context, p *domain.Provider) error {
	const op = "sqlstore.Providers.Create"
	query := r.store.q(`INSERT INTO providers (` + providerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	_, err := r.exec().ExecContext(ctx, query,
		p.ID, p.Name, p.TrustScore, p.TotalOrders, p.SuccessfulOrders, ts(p.CreatedAt), ts(p.UpdatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *providerRepo) Get(ctx context.Context, id string) (*domain.Provider, error) {
	const op = "sqlstore.Providers.Get"
	query := r.store.q(`SELECT ` + providerColumns + ` FROM providers WHERE id = $1`)
	p, err := scanProvider(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "provider", id, domain.ErrProviderNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return p, nil
}

func (r *providerRepo) Update(ctx context.Context, p *domain.Provider) error {
	const op = "sqlstore.Providers.Update"
	query := r.store.q(`UPDATE providers
		SET name = $1, trust_score = $2, total_orders = $3, successful_orders = $4, updated_at = $5
		WHERE id = $6`)
	res, err := r.exec().ExecContext(ctx, query,
		p.Name, p.TrustScore, p.TotalOrders, p.SuccessfulOrders, ts(p.UpdatedAt), p.ID)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "provider", p.ID, domain.ErrProviderNotFound)
	}
	return nil
}

func (r *providerRepo) RecordDelivery(ctx context.Context, id string, success bool, trustScore float64, now time.Time) error {
	const op = "sqlstore.Providers.RecordDelivery"
	inc := int64(0)
	if success {
		inc = 1
	}
	query := r.store.q(`UPDATE providers
		SET total_orders = total_orders + 1,
		    successful_orders = successful_orders + $1,
		    trust_score = $2,
		    updated_at = $3
		WHERE id = $4`)
	res, err := r.exec().ExecContext(ctx, query, inc, trustScore, ts(now), id)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "provider", id, domain.ErrProviderNotFound)
	}
	return nil
}

func (r *providerRepo) List(ctx context.Context) ([]domain.Provider, error) {
	const op = "sqlstore.Providers.List"
	query := r.store.q(`SELECT ` + providerColumns + ` FROM providers ORDER BY created_at, id`)
	rows, err := r.exec().QueryContext(ctx, query)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

// rowScanner lets one scan helper serve *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*domain.Provider, error) {
	var (
		p       domain.Provider
		created int64
		updated int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.TrustScore, &p.TotalOrders, &p.SuccessfulOrders, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromTS(created)
	p.UpdatedAt = fromTS(updated)
	return &p, nil
}
