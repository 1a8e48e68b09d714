// Package sqlstore implements the relational contracts over database/sql.
// One codebase serves both engines: queries are written with Postgres
// placeholders and rewritten for SQLite, and the two points where the
// engines genuinely differ (row locking, float casts) go through the
// dialect switch below.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// executor abstracts *sql.DB and *sql.Tx so each repository runs against
// whichever the caller bound it to.
type executor interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the sqlstore root. It satisfies relational.Manager.
type Store struct {
	cfg relational.Config
	db  *sql.DB
	log zerolog.Logger
}

var _ relational.Manager = (*Store)(nil)

// New builds a Store from cfg. Open must be called before use.
func New(cfg relational.Config) *Store {
	cfg = cfg.WithDefaults()
	return &Store{
		cfg: cfg,
		log: log.With().Str("component", "sqlstore").Str("driver", cfg.Driver).Logger(),
	}
}

// Open connects the pool, verifies connectivity and initializes the schema.
func (s *Store) Open(ctx context.Context) error {
	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return domain.NewValidationError("sqlstore.Open", err.Error())
	}

	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return domain.NewInternalError("sqlstore.Open", "open database handle", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return domain.E(domain.KindTransport, "sqlstore.Open", "database unreachable", err)
	}
	s.db = db

	if cfg.Driver == relational.DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return domain.NewInternalError("sqlstore.Open", "enable foreign keys", err)
		}
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return err
	}
	s.log.Info().Str("dsn", cfg.Driver).Msg("relational store opened")
	return nil
}

// Close releases the pool.
func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return domain.NewInternalError("sqlstore.Close", "close database", err)
	}
	s.db = nil
	return nil
}

func (s *Store) Providers() relational.ProviderRepository {
	return &providerRepo{store: s}
}

func (s *Store) Users() relational.UserRepository {
	return &userRepo{store: s}
}

func (s *Store) Catalog() relational.CatalogRepository {
	return &catalogRepo{store: s}
}

func (s *Store) Blocks() relational.BlockRepository {
	return &blockRepo{store: s}
}

func (s *Store) Orders() relational.OrderRepository {
	return &orderRepo{store: s}
}

func (s *Store) Events() relational.EventRepository {
	return &eventRepo{store: s}
}

func (s *Store) Escrows() relational.EscrowRepository {
	return &escrowRepo{store: s}
}

func (s *Store) Settlements() relational.SettlementRepository {
	return &settlementRepo{store: s}
}

func (s *Store) Agents() relational.AgentRepository {
	return &agentRepo{store: s}
}

func (s *Store) System() relational.SystemRepository {
	return &systemRepo{store: s}
}

// txContext binds every repository to one *sql.Tx.
type txContext struct {
	store *Store
	tx    *sql.Tx
	done  bool
}

var _ relational.TransactionContext = (*txContext)(nil)

func (t *txContext) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return domain.NewInternalError("sqlstore.Commit", "commit transaction", err)
	}
	return nil
}

func (t *txContext) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return domain.NewInternalError("sqlstore.Rollback", "roll back transaction", err)
	}
	return nil
}

func (t *txContext) Providers() relational.ProviderRepository {
	return &providerRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Users() relational.UserRepository {
	return &userRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Catalog() relational.CatalogRepository {
	return &catalogRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Blocks() relational.BlockRepository {
	return &blockRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Orders() relational.OrderRepository {
	return &orderRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Events() relational.EventRepository {
	return &eventRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Escrows() relational.EscrowRepository {
	return &escrowRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Settlements() relational.SettlementRepository {
	return &settlementRepo{store: t.store, tx: t.tx}
}

func (t *txContext) Agents() relational.AgentRepository {
	return &agentRepo{store: t.store, tx: t.tx}
}

// Begin opens a transaction for callers that manage commit themselves.
func (s *Store) Begin(ctx context.Context) (relational.TransactionContext, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.NewInternalError("sqlstore.Begin", "begin transaction", err)
	}
	return &txContext{store: s, tx: tx}, nil
}

// WithTransaction runs fn in one transaction. A panic rolls back and is
// re-raised; an error rolls back; otherwise the transaction commits.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx relational.TransactionContext) error) error {
	txCtx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = txCtx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := txCtx.Rollback(ctx); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return txCtx.Commit(ctx)
}

// q rewrites $N placeholders to ? for SQLite. Queries must therefore use
// each placeholder exactly once, in argument order.
func (s *Store) q(query string) string {
	if s.cfg.Driver != relational.DriverSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

// lockClause returns the row-lock suffix for claim scans. SQLite is a
// single-writer engine, so the clause is empty there.
func (s *Store) lockClause() string {
	if s.cfg.Driver == relational.DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// ts encodes a time as unix nanoseconds for BIGINT columns.
func ts(t time.Time) int64 {
	return t.UnixNano()
}

func fromTS(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullTS encodes an optional time for nullable BIGINT columns.
func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullRaw stores JSON snapshots as TEXT, nil when absent.
func nullRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// nullDec encodes an optional decimal for nullable NUMERIC columns.
func nullDec(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

// boolInt encodes bools as 0/1 for INTEGER columns, which both engines read
// back the same way.
func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// nullDecimal scans nullable NUMERIC columns into an optional decimal.
type nullDecimal struct {
	decimal.NullDecimal
}

func (n nullDecimal) ptr() *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}

func fromNullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// notFound builds the taxonomy error for a missing entity, carrying the
// matching sentinel as cause so errors.Is checks keep working.
func notFound(op, entity, id string, sentinel error) error {
	return domain.NewNotFoundError(op, fmt.Sprintf("%s %s not found", entity, id), sentinel)
}

// queryErr wraps a driver failure into the internal kind.
func queryErr(op string, err error) error {
	return domain.NewInternalError(op, "query failed", err)
}

// limitClause appends LIMIT n when n > 0.
func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(n)
}
