package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattex/wattexd/internal/domain"
)

type userRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *userRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

const userColumns = `id, name, trust_score, allowed_trade_limit, baseline_trust, balance,
	installed_capacity, sanctioned_load, provider_id, created_at, updated_at`

func (r *userRepo) Create(ctx context.Context, u *domain.User) error {
	const op = "sqlstore.Users.Create"
	query := r.store.q(`INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	_, err := r.exec().ExecContext(ctx, query,
		u.ID, u.Name, u.TrustScore, u.AllowedTradeLimit, u.BaselineTrust, u.Balance,
		u.InstalledCapacity, u.SanctionedLoad, nullStr(u.ProviderID), ts(u.CreatedAt), ts(u.UpdatedAt))
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *userRepo) Get(ctx context.Context, id string) (*domain.User, error) {
	const op = "sqlstore.Users.Get"
	query := r.store.q(`SELECT ` + userColumns + ` FROM users WHERE id = $1`)
	u, err := scanUser(r.exec().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "user", id, domain.ErrUserNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return u, nil
}

func (r *userRepo) GetByProvider(ctx context.Context, providerID string) (*domain.User, error) {
	const op = "sqlstore.Users.GetByProvider"
	query := r.store.q(`SELECT ` + userColumns + ` FROM users WHERE provider_id = $1`)
	u, err := scanUser(r.exec().QueryRowContext(ctx, query, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "user for provider", providerID, domain.ErrUserNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return u, nil
}

func (r *userRepo) UpdateTrust(ctx context.Context, id string, score, limit float64, now time.Time) error {
	const op = "sqlstore.Users.UpdateTrust"
	query := r.store.q(`UPDATE users
		SET trust_score = $1, allowed_trade_limit = $2, updated_at = $3
		WHERE id = $4`)
	res, err := r.exec().ExecContext(ctx, query, score, limit, ts(now), id)
	if err != nil {
		return queryErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "user", id, domain.ErrUserNotFound)
	}
	return nil
}

// balanceRetries bounds the read-add-CAS loop in AdjustBalance. Callers
// serialize balance mutations on the payment lease or a transaction, so a
// lost CAS is rare and one re-read normally settles it.
const balanceRetries = 5

// AdjustBalance applies delta as a read-add-CAS cycle: the sum is computed
// in Go with decimal and written back guarded by the value read, so the
// database never does the money arithmetic (SQLite's NUMERIC affinity
// stores REAL, and in-database addition would drift) and two concurrent
// debits cannot overdraw the account.
func (r *userRepo) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	const op = "sqlstore.Users.AdjustBalance"
	selectQ := r.store.q(`SELECT balance FROM users WHERE id = $1`)
	updateQ := r.store.q(`UPDATE users
		SET balance = $1, updated_at = $2
		WHERE id = $3 AND balance = $4`)

	for attempt := 0; attempt < balanceRetries; attempt++ {
		var current decimal.Decimal
		if err := r.exec().QueryRowContext(ctx, selectQ, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return decimal.Zero, notFound(op, "user", id, domain.ErrUserNotFound)
			}
			return decimal.Zero, queryErr(op, err)
		}

		next := current.Add(delta)
		if next.IsNegative() {
			return decimal.Zero, domain.NewInsufficientBalanceError(op, id).
				WithDetail("delta", delta.String())
		}

		res, err := r.exec().ExecContext(ctx, updateQ, next, ts(now), id, current)
		if err != nil {
			return decimal.Zero, queryErr(op, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return next, nil
		}
		// Lost the CAS to a concurrent adjuster; re-read and retry.
	}
	return decimal.Zero, domain.NewOptimisticLockError(op, "user balance", id)
}

func (r *userRepo) List(ctx context.Context) ([]domain.User, error) {
	const op = "sqlstore.Users.List"
	query := r.store.q(`SELECT ` + userColumns + ` FROM users ORDER BY created_at, id`)
	rows, err := r.exec().QueryContext(ctx, query)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u        domain.User
		provider sql.NullString
		created  int64
		updated  int64
	)
	err := row.Scan(&u.ID, &u.Name, &u.TrustScore, &u.AllowedTradeLimit, &u.BaselineTrust, &u.Balance,
		&u.InstalledCapacity, &u.SanctionedLoad, &provider, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.ProviderID = fromNullStr(provider)
	u.CreatedAt = fromTS(created)
	u.UpdatedAt = fromTS(updated)
	return &u, nil
}
