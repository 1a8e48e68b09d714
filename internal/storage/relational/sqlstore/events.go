package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wattex/wattexd/internal/domain"
)

type eventRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *eventRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

// Append records the message once per (message_id, direction). A replayed
// message leaves the log untouched and reports false.
func (r *eventRepo) Append(ctx context.Context, e *domain.Event) (bool, error) {
	const op = "sqlstore.Events.Append"
	query := r.store.q(`INSERT INTO events
		(transaction_id, message_id, action, direction, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, direction) DO NOTHING`)
	res, err := r.exec().ExecContext(ctx, query,
		e.TransactionID, e.MessageID, e.Action, string(e.Direction), string(e.Raw), ts(e.CreatedAt))
	if err != nil {
		return false, queryErr(op, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *eventRepo) Get(ctx context.Context, messageID string, dir domain.Direction) (*domain.Event, error) {
	const op = "sqlstore.Events.Get"
	query := r.store.q(`SELECT id, transaction_id, message_id, action, direction, raw, created_at
		FROM events WHERE message_id = $1 AND direction = $2`)
	e, err := scanEvent(r.exec().QueryRowContext(ctx, query, messageID, string(dir)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "event", messageID, nil)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return e, nil
}

// Delete removes a logged message so a retried exchange can reprocess it.
func (r *eventRepo) Delete(ctx context.Context, messageID string, dir domain.Direction) error {
	const op = "sqlstore.Events.Delete"
	query := r.store.q(`DELETE FROM events WHERE message_id = $1 AND direction = $2`)
	if _, err := r.exec().ExecContext(ctx, query, messageID, string(dir)); err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r *eventRepo) ListByTransaction(ctx context.Context, txnID string) ([]domain.Event, error) {
	const op = "sqlstore.Events.ListByTransaction"
	query := r.store.q(`SELECT id, transaction_id, message_id, action, direction, raw, created_at
		FROM events WHERE transaction_id = $1 ORDER BY id`)
	rows, err := r.exec().QueryContext(ctx, query, txnID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e         domain.Event
		direction string
		raw       string
		created   int64
	)
	if err := row.Scan(&e.ID, &e.TransactionID, &e.MessageID, &e.Action, &direction, &raw, &created); err != nil {
		return nil, err
	}
	e.Direction = domain.Direction(direction)
	e.Raw = []byte(raw)
	e.CreatedAt = fromTS(created)
	return &e, nil
}
