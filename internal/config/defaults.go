package config

import "github.com/spf13/viper"

// setDefaults registers every tunable with its compiled default. The values
// mirror the engines' own DefaultConfig functions, so a node started without
// a file behaves exactly like one started with an empty file.
func setDefaults(v *viper.Viper) {
	// HTTP API
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Relational store
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "wattexd.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "wattex")
	v.SetDefault("database.dbname", "wattex")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "0s")

	// Key-value store
	v.SetDefault("kv.backend", KVBackendPebble)
	v.SetDefault("kv.path", "wattexd-kv")
	v.SetDefault("kv.addr", "localhost:6379")
	v.SetDefault("kv.db", 0)

	// Distributed locks
	v.SetDefault("locks.max_attempts", 5)
	v.SetDefault("locks.retry_base", "50ms")
	v.SetDefault("locks.retry_max", "1s")
	v.SetDefault("locks.extend_margin", "500ms")

	// Idempotency cache
	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.sentinel_ttl", "30s")

	// Trade protocol
	v.SetDefault("protocol.mode", ProtocolModeLocal)
	v.SetDefault("protocol.bap_id", "wattex-bap")
	v.SetDefault("protocol.bap_uri", "local://bap")
	v.SetDefault("protocol.bpp_id", "wattex-bpp")
	v.SetDefault("protocol.bpp_uri", "local://bpp")
	v.SetDefault("protocol.domain", "energy:trade")
	v.SetDefault("protocol.ttl", "PT30S")
	v.SetDefault("protocol.bap.log_wire", false)
	v.SetDefault("protocol.bpp.txn_lock_ttl", "15s")
	v.SetDefault("protocol.bpp.order_lock_ttl", "10s")
	v.SetDefault("protocol.bpp.gate_closure", "5m")
	v.SetDefault("protocol.bpp.cancel_penalty_rate", "0.05")
	v.SetDefault("protocol.cache.ttl", "24h")
	v.SetDefault("protocol.cache.size", 1024)

	// Escrow
	v.SetDefault("escrow.fee_rate", "0.0003")
	v.SetDefault("escrow.fee_cap", "20")
	v.SetDefault("escrow.block_duration", "72h")
	v.SetDefault("escrow.reconcile_batch", 100)

	// Delivery verification
	v.SetDefault("verifier.check_interval", "60s")
	v.SetDefault("verifier.batch", 50)
	v.SetDefault("verifier.grid_rate", "10")
	v.SetDefault("verifier.lock_ttl", "10s")

	// Delivery oracle
	v.SetDefault("oracle.simulated.full_probability", 0.85)
	v.SetDefault("oracle.simulated.partial_min", 0.2)
	v.SetDefault("oracle.simulated.partial_max", 0.8)
	v.SetDefault("oracle.simulated.failure_probability", 0.3)
	v.SetDefault("oracle.seed", 0)

	// Matching
	v.SetDefault("matching.price_weight", 0.35)
	v.SetDefault("matching.trust_weight", 0.35)
	v.SetDefault("matching.time_fit_weight", 0.20)
	v.SetDefault("matching.latency_weight", 0.10)
	v.SetDefault("matching.reference_price", "10")
	v.SetDefault("matching.horizon", "24h")

	// Trust scoring
	v.SetDefault("trust.full_bonus", 0.02)
	v.SetDefault("trust.penalty_scale", 0.10)
	v.SetDefault("trust.failure_penalty", 0.15)
	v.SetDefault("trust.buyer_full_bonus", 0.01)
	v.SetDefault("trust.buyer_partial_bonus", 0.005)

	// Agent runtime
	v.SetDefault("agents.enabled", false)
	v.SetDefault("agents.runtime.tick_interval", "30s")
	v.SetDefault("agents.runtime.proposal_ttl", "1h")
	v.SetDefault("agents.runtime.snapshot_window", "24h")
	v.SetDefault("agents.runtime.batch", 50)
	v.SetDefault("agents.runtime.lock_ttl", "10s")

	// Orders
	v.SetDefault("orders.order_lock_ttl", "10s")
	v.SetDefault("orders.cas_retries", 3)

	// Inventory
	v.SetDefault("inventory.offer_lock_ttl", "10s")

	// Event feed
	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.channel", "wattex:events")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}
