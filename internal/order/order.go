// Package order enforces the order lifecycle. Every status move in the
// system funnels through here so the legal edges live in exactly one table.
package order

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/metrics"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// transitions is the lifecycle DAG. Absent entries are illegal edges.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderDraft:   {domain.OrderPending, domain.OrderCancelled},
	domain.OrderPending: {domain.OrderActive, domain.OrderCancelled},
	domain.OrderActive:  {domain.OrderCompleted, domain.OrderCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a conflict error for illegal edges.
func ValidateTransition(op string, from, to domain.OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return domain.NewConflictError(op, "illegal order transition", nil).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// Config bounds the service's lease TTL and compare-and-swap retries.
type Config struct {
	OrderLockTTL time.Duration `mapstructure:"order_lock_ttl" json:"order_lock_ttl"`
	CASRetries   int           `mapstructure:"cas_retries" json:"cas_retries"`
}

// DefaultConfig returns the documented operational defaults.
func DefaultConfig() Config {
	return Config{OrderLockTTL: 10 * time.Second, CASRetries: 3}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OrderLockTTL <= 0 {
		c.OrderLockTTL = d.OrderLockTTL
	}
	if c.CASRetries <= 0 {
		c.CASRetries = d.CASRetries
	}
	return c
}

// Service moves orders along the lifecycle with versioned writes.
type Service struct {
	store relational.Manager
	locks *lock.Manager
	clk   clock.Clock
	cfg   Config
	log   zerolog.Logger
}

// NewService builds the lifecycle service.
func NewService(store relational.Manager, locks *lock.Manager, clk clock.Clock, cfg Config) *Service {
	return &Service{
		store: store,
		locks: locks,
		clk:   clk,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "order").Logger(),
	}
}

// Mutate adjusts order fields under the same versioned write as the status
// move. It must not touch Status, Version or UpdatedAt.
type Mutate func(*domain.Order) error

// Transition moves the order to the target status under its lease. Use
// ApplyTransition when the caller already holds the order lease.
func (s *Service) Transition(ctx context.Context, orderID string, to domain.OrderStatus, mutate Mutate) (*domain.Order, error) {
	var out *domain.Order
	err := s.locks.WithLock(ctx, lock.OrderKey(orderID), s.cfg.OrderLockTTL, func(ctx context.Context) error {
		var err error
		out, err = s.ApplyTransition(ctx, orderID, to, mutate)
		return err
	})
	return out, err
}

// ApplyTransition validates the edge against the freshly read row, applies
// the mutation and writes with a version check, retrying a bounded number
// of times when an unlocked writer raced in between.
func (s *Service) ApplyTransition(ctx context.Context, orderID string, to domain.OrderStatus, mutate Mutate) (*domain.Order, error) {
	const op = "order.transition"

	var lastErr error
	for attempt := 0; attempt < s.cfg.CASRetries; attempt++ {
		o, err := s.store.Orders().Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := ValidateTransition(op, o.Status, to); err != nil {
			return nil, err
		}
		if mutate != nil {
			if err := mutate(o); err != nil {
				return nil, err
			}
		}
		from := o.Status
		o.Status = to
		o.UpdatedAt = s.clk.Now()

		if err := s.store.Orders().UpdateCAS(ctx, o); err != nil {
			if domain.IsOptimisticLock(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
		s.log.Info().Str("order_id", orderID).
			Str("from", string(from)).Str("to", string(to)).
			Msg("order transitioned")
		return o, nil
	}
	return nil, lastErr
}

// Stamp updates order fields without a status move, under the same
// versioned-write discipline. The caller holds the order lease.
func (s *Service) Stamp(ctx context.Context, orderID string, mutate Mutate) (*domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.CASRetries; attempt++ {
		o, err := s.store.Orders().Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := mutate(o); err != nil {
			return nil, err
		}
		o.UpdatedAt = s.clk.Now()

		if err := s.store.Orders().UpdateCAS(ctx, o); err != nil {
			if domain.IsOptimisticLock(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return o, nil
	}
	return nil, lastErr
}

// Promote force-activates a draft whose funds were escrowed before the
// process died between escrow and activation. It bypasses the DAG on
// purpose; the precondition (DRAFT with an escrow stamp) is re-checked
// under the lease so a live confirmation cannot be trampled.
func (s *Service) Promote(ctx context.Context, orderID string) (*domain.Order, error) {
	const op = "order.promote"

	var out *domain.Order
	err := s.locks.WithLock(ctx, lock.OrderKey(orderID), s.cfg.OrderLockTTL, func(ctx context.Context) error {
		o, err := s.store.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderDraft || o.EscrowedAt == nil {
			return domain.NewConflictError(op, "order is not a stuck escrowed draft", nil).
				WithDetail("status", string(o.Status))
		}

		o.Status = domain.OrderActive
		o.PaymentStatus = domain.PaymentEscrowed
		o.UpdatedAt = s.clk.Now()
		if err := s.store.Orders().UpdateCAS(ctx, o); err != nil {
			return err
		}

		metrics.OrderTransitions.WithLabelValues(string(domain.OrderActive)).Inc()
		s.log.Warn().Str("order_id", orderID).Msg("stuck draft promoted to active")
		out = o
		return nil
	})
	return out, err
}

// Get reads one order.
func (s *Service) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.store.Orders().Get(ctx, orderID)
}

// GetByTransaction reads the order created under a protocol transaction.
func (s *Service) GetByTransaction(ctx context.Context, txnID string) (*domain.Order, error) {
	return s.store.Orders().GetByTransaction(ctx, txnID)
}
