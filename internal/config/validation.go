package config

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate performs comprehensive validation on the complete configuration.
// Struct tags cover required fields and enums on the config-owned sections;
// the per-section checks below cover the engine sections and everything a
// tag cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if err := validateServer(cfg); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database config validation failed: %w", err)
	}
	if err := validateKV(&cfg.KV); err != nil {
		return fmt.Errorf("kv config validation failed: %w", err)
	}
	if err := validateLocks(cfg); err != nil {
		return fmt.Errorf("locks config validation failed: %w", err)
	}
	if err := validateIdempotency(cfg); err != nil {
		return fmt.Errorf("idempotency config validation failed: %w", err)
	}
	if err := validateProtocol(&cfg.Protocol); err != nil {
		return fmt.Errorf("protocol config validation failed: %w", err)
	}
	if err := validateEscrow(cfg); err != nil {
		return fmt.Errorf("escrow config validation failed: %w", err)
	}
	if err := validateVerifier(cfg); err != nil {
		return fmt.Errorf("verifier config validation failed: %w", err)
	}
	if err := validateOracle(cfg); err != nil {
		return fmt.Errorf("oracle config validation failed: %w", err)
	}
	if err := validateMatching(cfg); err != nil {
		return fmt.Errorf("matching config validation failed: %w", err)
	}
	if err := validateTrust(cfg); err != nil {
		return fmt.Errorf("trust config validation failed: %w", err)
	}
	if err := validateAgents(&cfg.Agents); err != nil {
		return fmt.Errorf("agents config validation failed: %w", err)
	}
	if err := validateOrders(cfg); err != nil {
		return fmt.Errorf("orders config validation failed: %w", err)
	}
	if err := validateInventory(cfg); err != nil {
		return fmt.Errorf("inventory config validation failed: %w", err)
	}

	return nil
}

func validateServer(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if cfg.Server.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout must not be negative")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	return nil
}

// validateKV checks the backend-specific settings the oneof tag cannot.
func validateKV(kv *KVConfig) error {
	switch kv.Backend {
	case KVBackendPebble:
		if kv.Path == "" {
			return fmt.Errorf("kv.path is required for the pebble backend")
		}
	case KVBackendRedis:
		if kv.Addr == "" {
			return fmt.Errorf("kv.addr is required for the redis backend")
		}
	}
	return nil
}

func validateLocks(cfg *Config) error {
	l := cfg.Locks
	if l.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", l.MaxAttempts)
	}
	if l.RetryBase < 0 {
		return fmt.Errorf("retry_base must not be negative, got %s", l.RetryBase)
	}
	if l.RetryMax < 0 {
		return fmt.Errorf("retry_max must not be negative, got %s", l.RetryMax)
	}
	if l.RetryBase > 0 && l.RetryMax > 0 && l.RetryMax < l.RetryBase {
		return fmt.Errorf("retry_max (%s) must not be below retry_base (%s)", l.RetryMax, l.RetryBase)
	}
	if l.ExtendMargin < 0 {
		return fmt.Errorf("extend_margin must not be negative, got %s", l.ExtendMargin)
	}
	return nil
}

func validateIdempotency(cfg *Config) error {
	i := cfg.Idempotency
	if i.TTL < 0 {
		return fmt.Errorf("ttl must not be negative, got %s", i.TTL)
	}
	if i.SentinelTTL < 0 {
		return fmt.Errorf("sentinel_ttl must not be negative, got %s", i.SentinelTTL)
	}
	return nil
}

// validateProtocol checks the transport-mode constraints. Local mode accepts
// free-form URIs; http mode posts envelopes, so both URIs must be http(s).
func validateProtocol(p *ProtocolConfig) error {
	if p.Mode == ProtocolModeHTTP {
		for name, uri := range map[string]string{"bap_uri": p.BapURI, "bpp_uri": p.BppURI} {
			u, err := url.Parse(uri)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("%s must be an http(s) URL in http mode, got %q", name, uri)
			}
		}
	}
	if p.Bpp.TxnLockTTL < 0 {
		return fmt.Errorf("bpp.txn_lock_ttl must not be negative, got %s", p.Bpp.TxnLockTTL)
	}
	if p.Bpp.OrderLockTTL < 0 {
		return fmt.Errorf("bpp.order_lock_ttl must not be negative, got %s", p.Bpp.OrderLockTTL)
	}
	// Negative gate_closure is legal: it disables the gate outright.
	if p.Bpp.CancelPenaltyRate.IsNegative() {
		return fmt.Errorf("bpp.cancel_penalty_rate must not be negative, got %s", p.Bpp.CancelPenaltyRate)
	}
	if p.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", p.Cache.TTL)
	}
	if p.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative, got %d", p.Cache.Size)
	}
	return nil
}

func validateEscrow(cfg *Config) error {
	e := cfg.Escrow
	if e.FeeRate.IsNegative() {
		return fmt.Errorf("fee_rate must not be negative, got %s", e.FeeRate)
	}
	if e.FeeCap.IsNegative() {
		return fmt.Errorf("fee_cap must not be negative, got %s", e.FeeCap)
	}
	if e.BlockDuration < 0 {
		return fmt.Errorf("block_duration must not be negative, got %s", e.BlockDuration)
	}
	if e.ReconcileBatch < 0 {
		return fmt.Errorf("reconcile_batch must not be negative, got %d", e.ReconcileBatch)
	}
	return nil
}

func validateVerifier(cfg *Config) error {
	v := cfg.Verifier
	if v.CheckInterval < 0 {
		return fmt.Errorf("check_interval must not be negative, got %s", v.CheckInterval)
	}
	if v.Batch < 0 {
		return fmt.Errorf("batch must not be negative, got %d", v.Batch)
	}
	if v.GridRate.IsNegative() {
		return fmt.Errorf("grid_rate must not be negative, got %s", v.GridRate)
	}
	if v.LockTTL < 0 {
		return fmt.Errorf("lock_ttl must not be negative, got %s", v.LockTTL)
	}
	return nil
}

func validateOracle(cfg *Config) error {
	s := cfg.Oracle.Simulated
	for name, p := range map[string]float64{
		"full_probability":    s.FullProbability,
		"partial_min":         s.PartialMin,
		"partial_max":         s.PartialMax,
		"failure_probability": s.FailureProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, p)
		}
	}
	if s.PartialMin > s.PartialMax {
		return fmt.Errorf("partial_min (%v) must not exceed partial_max (%v)", s.PartialMin, s.PartialMax)
	}
	return nil
}

func validateMatching(cfg *Config) error {
	m := cfg.Matching
	for name, w := range map[string]float64{
		"price_weight":    m.PriceWeight,
		"trust_weight":    m.TrustWeight,
		"time_fit_weight": m.TimeFitWeight,
		"latency_weight":  m.LatencyWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, w)
		}
	}
	if m.ReferencePrice.IsNegative() {
		return fmt.Errorf("reference_price must not be negative, got %s", m.ReferencePrice)
	}
	if m.Horizon < 0 {
		return fmt.Errorf("horizon must not be negative, got %s", m.Horizon)
	}
	return nil
}

func validateTrust(cfg *Config) error {
	t := cfg.Trust
	for name, rate := range map[string]float64{
		"full_bonus":          t.FullBonus,
		"penalty_scale":       t.PenaltyScale,
		"failure_penalty":     t.FailurePenalty,
		"buyer_full_bonus":    t.BuyerFullBonus,
		"buyer_partial_bonus": t.BuyerPartialBonus,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, rate)
		}
	}
	return nil
}

func validateAgents(a *AgentsConfig) error {
	r := a.Runtime
	if r.TickInterval < 0 {
		return fmt.Errorf("runtime.tick_interval must not be negative, got %s", r.TickInterval)
	}
	if r.ProposalTTL < 0 {
		return fmt.Errorf("runtime.proposal_ttl must not be negative, got %s", r.ProposalTTL)
	}
	if r.SnapshotWindow < 0 {
		return fmt.Errorf("runtime.snapshot_window must not be negative, got %s", r.SnapshotWindow)
	}
	if r.Batch < 0 {
		return fmt.Errorf("runtime.batch must not be negative, got %d", r.Batch)
	}
	if r.LockTTL < 0 {
		return fmt.Errorf("runtime.lock_ttl must not be negative, got %s", r.LockTTL)
	}
	return nil
}

func validateOrders(cfg *Config) error {
	o := cfg.Orders
	if o.OrderLockTTL < 0 {
		return fmt.Errorf("order_lock_ttl must not be negative, got %s", o.OrderLockTTL)
	}
	if o.CASRetries < 0 {
		return fmt.Errorf("cas_retries must not be negative, got %d", o.CASRetries)
	}
	return nil
}

func validateInventory(cfg *Config) error {
	if cfg.Inventory.OfferLockTTL < 0 {
		return fmt.Errorf("offer_lock_ttl must not be negative, got %s", cfg.Inventory.OfferLockTTL)
	}
	return nil
}
