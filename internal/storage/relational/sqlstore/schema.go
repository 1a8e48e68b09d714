package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// Timestamps are stored as unix nanoseconds in BIGINT columns and money in
// NUMERIC(18,6), which both engines accept unchanged. The only per-engine
// substitution is the auto-increment type of the append-only tables.
// blocks.offer_id carries no foreign key: sold and reserved block rows are
// the per-unit sale record and must survive offer retirement.
var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trust_score DOUBLE PRECISION NOT NULL,
		total_orders BIGINT NOT NULL DEFAULT 0,
		successful_orders BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trust_score DOUBLE PRECISION NOT NULL,
		allowed_trade_limit DOUBLE PRECISION NOT NULL,
		baseline_trust DOUBLE PRECISION NOT NULL,
		balance NUMERIC(18,6) NOT NULL,
		installed_capacity DOUBLE PRECISION NOT NULL DEFAULT 0,
		sanctioned_load DOUBLE PRECISION NOT NULL DEFAULT 0,
		provider_id TEXT REFERENCES providers(id),
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES providers(id),
		source_type TEXT NOT NULL,
		delivery_mode TEXT NOT NULL,
		available_qty BIGINT NOT NULL,
		production_windows TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES items(id),
		provider_id TEXT NOT NULL REFERENCES providers(id),
		price_per_unit NUMERIC(18,6) NOT NULL,
		currency TEXT NOT NULL,
		max_qty BIGINT NOT NULL,
		window_start BIGINT NOT NULL,
		window_end BIGINT NOT NULL,
		pricing_model TEXT NOT NULL DEFAULT 'FIXED',
		settlement_type TEXT NOT NULL DEFAULT 'DELIVERY',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT,
		transaction_id TEXT,
		price NUMERIC(18,6) NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		reserved_at BIGINT,
		sold_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		provider_id TEXT,
		selected_offer_id TEXT,
		buyer_id TEXT,
		status TEXT NOT NULL,
		total_qty BIGINT NOT NULL,
		total_price NUMERIC(18,6) NOT NULL,
		currency TEXT NOT NULL DEFAULT 'INR',
		items_snapshot TEXT,
		quote_snapshot TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		payment_status TEXT NOT NULL,
		window_start BIGINT,
		window_end BIGINT,
		escrowed_at BIGINT,
		released_at BIGINT,
		discom_verified INTEGER NOT NULL DEFAULT 0,
		cancelled_at BIGINT,
		cancelled_by TEXT,
		cancel_reason TEXT,
		cancel_penalty NUMERIC(18,6),
		cancel_refund NUMERIC(18,6),
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id %[1]s PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		action TEXT NOT NULL,
		direction TEXT NOT NULL,
		raw TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escrows (
		trade_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		principal NUMERIC(18,6) NOT NULL,
		fee NUMERIC(18,6) NOT NULL,
		total_blocked NUMERIC(18,6) NOT NULL,
		status TEXT NOT NULL,
		funded_receipt_id TEXT,
		payout_receipt_id TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL REFERENCES escrows(trade_id),
		kind TEXT NOT NULL,
		amount NUMERIC(18,6) NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_feedback (
		order_id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		delivered_qty NUMERIC(18,6) NOT NULL,
		expected_qty NUMERIC(18,6) NOT NULL,
		ratio DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		trust_impact DOUBLE PRECISION NOT NULL,
		verified_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trust_history (
		id %[1]s PRIMARY KEY,
		user_id TEXT NOT NULL,
		prev_score DOUBLE PRECISION NOT NULL,
		new_score DOUBLE PRECISION NOT NULL,
		prev_limit DOUBLE PRECISION NOT NULL,
		new_limit DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		order_id TEXT,
		metadata TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_records (
		id %[1]s PRIMARY KEY,
		order_id TEXT NOT NULL,
		buyer_id TEXT,
		seller_id TEXT,
		record_type TEXT NOT NULL,
		total_amount NUMERIC(18,6) NOT NULL,
		buyer_refund NUMERIC(18,6),
		seller_amount NUMERIC(18,6),
		platform_fee NUMERIC(18,6),
		grid_amount NUMERIC(18,6),
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		config TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		action TEXT NOT NULL,
		offer_id TEXT,
		qty BIGINT NOT NULL,
		price_per_unit NUMERIC(18,6) NOT NULL,
		total_price NUMERIC(18,6) NOT NULL,
		reasoning TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT,
		decided_at BIGINT,
		executed_at BIGINT,
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

var schemaIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_message_dir ON events(message_id, direction)`,
	`CREATE INDEX IF NOT EXISTS idx_events_txn ON events(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_offer_status ON blocks(offer_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_txn ON blocks(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_order ON blocks(order_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_txn ON orders(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_window ON orders(status, window_end)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_trade_kind ON transfers(trade_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_status_expiry ON escrows(status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_trust_history_user ON trust_history(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_records_order ON payment_records(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_agent ON proposals(agent_id)`,
}

// initSchema creates missing tables, applies additive column upgrades and
// then creates the indexes. Columns that arrived after the first release
// (escrows.expires_at) go through ensureColumn so databases written by
// older builds upgrade in place.
func (s *Store) initSchema(ctx context.Context) error {
	serial := "BIGSERIAL"
	if s.cfg.Driver == relational.DriverSQLite {
		serial = "INTEGER"
	}
	for _, tmpl := range schemaTables {
		stmt := tmpl
		if strings.Contains(tmpl, "%[1]s") {
			stmt = fmt.Sprintf(tmpl, serial)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return domain.NewInternalError("sqlstore.initSchema", "apply schema statement", err)
		}
	}

	if err := s.ensureColumn(ctx, "escrows", "expires_at", "BIGINT NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	for _, stmt := range schemaIndexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return domain.NewInternalError("sqlstore.initSchema", "apply schema statement", err)
		}
	}
	return nil
}

// ensureColumn probes for the column and adds it when the probe fails.
func (s *Store) ensureColumn(ctx context.Context, table, column, definition string) error {
	probe := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", column, table)
	rows, err := s.db.QueryContext(ctx, probe)
	if err == nil {
		rows.Close()
		return nil
	}

	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := s.db.ExecContext(ctx, alter); err != nil {
		return domain.NewInternalError("sqlstore.ensureColumn", "add column", err)
	}
	s.log.Info().Str("table", table).Str("column", column).Msg("schema upgraded")
	return nil
}
