// Package config loads and validates the node configuration. Values stack in
// priority order: compiled defaults, then the TOML file, then WATTEXD_*
// environment variables. Engine sections reuse the engines' own Config
// structs, so a tunable exists in exactly one place.
package config

import (
	"github.com/wattex/wattexd/internal/agent"
	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/idempotency"
	"github.com/wattex/wattexd/internal/inventory"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/oracle"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/server"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/trust"
	"github.com/wattex/wattexd/internal/verifier"
)

// Config is the complete wattexd configuration.
type Config struct {
	Server      server.Config      `toml:"server" mapstructure:"server"`
	Database    relational.Config  `toml:"database" mapstructure:"database"`
	KV          KVConfig           `toml:"kv" mapstructure:"kv"`
	Locks       lock.Config        `toml:"locks" mapstructure:"locks"`
	Idempotency idempotency.Config `toml:"idempotency" mapstructure:"idempotency"`
	Protocol    ProtocolConfig     `toml:"protocol" mapstructure:"protocol"`
	Escrow      escrow.Config      `toml:"escrow" mapstructure:"escrow"`
	Verifier    verifier.Config    `toml:"verifier" mapstructure:"verifier"`
	Oracle      OracleConfig       `toml:"oracle" mapstructure:"oracle"`
	Matching    match.Config       `toml:"matching" mapstructure:"matching"`
	Trust       trust.Config       `toml:"trust" mapstructure:"trust"`
	Agents      AgentsConfig       `toml:"agents" mapstructure:"agents"`
	Orders      order.Config       `toml:"orders" mapstructure:"orders"`
	Inventory   inventory.Config   `toml:"inventory" mapstructure:"inventory"`
	Feed        FeedConfig         `toml:"feed" mapstructure:"feed"`
	Log         LogConfig          `toml:"log" mapstructure:"log"`
	Metrics     MetricsConfig      `toml:"metrics" mapstructure:"metrics"`

	// configPath remembers where the file came from, for diagnostics.
	configPath string
}

// Path returns the config file the values were loaded from, empty when the
// node runs on defaults and environment only.
func (c *Config) Path() string { return c.configPath }

// KVConfig selects the key-value backend behind locks, idempotency and the
// transaction-state cache.
type KVConfig struct {
	// Backend is "pebble" (embedded) or "redis".
	Backend string `toml:"backend" mapstructure:"backend" validate:"oneof=pebble redis"`
	// Path is the pebble data directory.
	Path string `toml:"path" mapstructure:"path"`
	// Redis connection settings.
	Addr     string `toml:"addr" mapstructure:"addr"`
	Password string `toml:"password" mapstructure:"password"`
	DB       int    `toml:"db" mapstructure:"db" validate:"min=0,max=15"`
}

// Supported KV backends.
const (
	KVBackendPebble = "pebble"
	KVBackendRedis  = "redis"
)

// ProtocolConfig names both trade-protocol parties and tunes their engines.
// In "local" mode the BAP talks to the in-process BPP; in "http" mode it
// posts envelopes to the BPP URI.
type ProtocolConfig struct {
	Mode   string `toml:"mode" mapstructure:"mode" validate:"oneof=local http"`
	BapID  string `toml:"bap_id" mapstructure:"bap_id" validate:"required"`
	BapURI string `toml:"bap_uri" mapstructure:"bap_uri" validate:"required"`
	BppID  string `toml:"bpp_id" mapstructure:"bpp_id" validate:"required"`
	BppURI string `toml:"bpp_uri" mapstructure:"bpp_uri" validate:"required"`
	// Domain and TTL are stamped on every envelope context.
	Domain string `toml:"domain" mapstructure:"domain" validate:"required"`
	TTL    string `toml:"ttl" mapstructure:"ttl" validate:"required"`

	Bap   coordinator.BAPConfig   `toml:"bap" mapstructure:"bap"`
	Bpp   coordinator.BPPConfig   `toml:"bpp" mapstructure:"bpp"`
	Cache coordinator.CacheConfig `toml:"cache" mapstructure:"cache"`
}

// Protocol transport modes.
const (
	ProtocolModeLocal = "local"
	ProtocolModeHTTP  = "http"
)

// OracleConfig tunes the delivery oracle. The simulated oracle draws
// outcomes from the configured distribution until a real utility feed
// replaces it behind the same interface.
type OracleConfig struct {
	Simulated oracle.Config `toml:"simulated" mapstructure:"simulated"`
	// Seed fixes the outcome sequence for reproducible runs; zero seeds
	// from the clock.
	Seed int64 `toml:"seed" mapstructure:"seed"`
}

// AgentsConfig tunes the agent runtime.
type AgentsConfig struct {
	// Enabled starts the runtime with the daemon.
	Enabled bool         `toml:"enabled" mapstructure:"enabled"`
	Runtime agent.Config `toml:"runtime" mapstructure:"runtime"`
}

// FeedConfig tunes the live event feed. The WebSocket hub rides the API
// server; the Redis channel is the out-of-process sink and requires the
// redis KV backend.
type FeedConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Channel string `toml:"channel" mapstructure:"channel" validate:"required_if=Enabled true"`
}

// LogConfig tunes zerolog.
type LogConfig struct {
	// Level is trace|debug|info|warn|error.
	Level string `toml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	// Format is "json" or "console".
	Format string `toml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// MetricsConfig tunes the Prometheus endpoint, served on its own listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Addr    string `toml:"addr" mapstructure:"addr" validate:"required_if=Enabled true"`
}
