package sqlstore

import (
	"context"
	"database/sql"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/storage/relational"
)

type systemRepo struct {
	store *Store
	tx    *sql.Tx
}

func (r *systemRepo) exec() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.store.db
}

func (r *systemRepo) Ping(ctx context.Context) error {
	if r.store.db == nil {
		return domain.NewInternalError("sqlstore.System.Ping", "store not open", nil)
	}
	if err := r.store.db.PingContext(ctx); err != nil {
		return domain.E(domain.KindTransport, "sqlstore.System.Ping", "database unreachable", err)
	}
	return nil
}

func (r *systemRepo) Stats(ctx context.Context) (relational.Stats, error) {
	const op = "sqlstore.System.Stats"
	var stats relational.Stats
	counts := []struct {
		table string
		dest  *int64
	}{
		{"providers", &stats.Providers},
		{"users", &stats.Users},
		{"offers", &stats.Offers},
		{"blocks", &stats.Blocks},
		{"orders", &stats.Orders},
		{"events", &stats.Events},
		{"escrows", &stats.Escrows},
	}
	for _, c := range counts {
		row := r.exec().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table)
		if err := row.Scan(c.dest); err != nil {
			return relational.Stats{}, queryErr(op, err)
		}
	}
	return stats, nil
}
