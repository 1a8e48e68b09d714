// Package metrics exposes Prometheus collectors for the exchange core and a
// small HTTP server publishing them. Telemetry is write-only: nothing in the
// engines reads these values back.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Protocol metrics
	ProtocolMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_protocol_messages_total",
			Help: "Protocol messages processed, by action and direction",
		},
		[]string{"action", "direction"},
	)

	ProtocolReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_protocol_replays_total",
			Help: "Inbound messages answered from the event log",
		},
		[]string{"action"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wattex_handler_duration_seconds",
			Help:    "Coordinator handler latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"action"},
	)

	// Inventory metrics
	BlocksClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_blocks_claimed_total",
			Help: "Blocks moved AVAILABLE to RESERVED",
		},
	)

	BlocksReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_blocks_released_total",
			Help: "Blocks moved RESERVED back to AVAILABLE",
		},
	)

	BlocksSold = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_blocks_sold_total",
			Help: "Blocks moved RESERVED to SOLD",
		},
	)

	// Order metrics
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_order_transitions_total",
			Help: "Order status transitions, by target status",
		},
		[]string{"to"},
	)

	// Escrow metrics
	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_escrow_operations_total",
			Help: "Escrow orchestrator operations, by operation and result",
		},
		[]string{"operation", "result"},
	)

	EscrowExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_escrow_expired_total",
			Help: "Escrow rows transitioned BLOCKED to EXPIRED by the reconciler",
		},
	)

	// Verifier metrics
	VerifierRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_verifier_runs_total",
			Help: "Delivery verifier loop iterations",
		},
	)

	VerifierOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_verifier_outcomes_total",
			Help: "Verified deliveries, by oracle outcome",
		},
		[]string{"outcome"},
	)

	VerifierErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_verifier_errors_total",
			Help: "Per-order verification failures isolated by the loop",
		},
	)

	// Lock metrics
	LockAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_lock_acquired_total",
			Help: "Successful lease acquisitions, by resource class",
		},
		[]string{"resource"},
	)

	LockRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_lock_retries_total",
			Help: "Lease acquisition retries, by resource class",
		},
		[]string{"resource"},
	)

	LockFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_lock_failures_total",
			Help: "Lease acquisitions abandoned after bounded retry",
		},
		[]string{"resource"},
	)

	// Idempotency metrics
	IdempotencyReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_idempotency_replays_total",
			Help: "Requests answered from the idempotency cache",
		},
	)

	IdempotencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_idempotency_conflicts_total",
			Help: "Requests rejected while an identical request was in flight",
		},
	)

	// Matching metrics
	MatchingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wattex_matching_duration_seconds",
			Help:    "Time to rank a catalog for one selection",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	// Agent metrics
	AgentProposals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattex_agent_proposals_total",
			Help: "Agent proposals, by resulting status",
		},
		[]string{"status"},
	)

	AgentTickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wattex_agent_tick_errors_total",
			Help: "Agent runtime tick failures",
		},
	)
)

// Timer measures one operation for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveHandler records elapsed time for a coordinator action.
func (t *Timer) ObserveHandler(action string) {
	HandlerDuration.WithLabelValues(action).Observe(time.Since(t.start).Seconds())
}

// ObserveMatching records elapsed time for one matcher run.
func (t *Timer) ObserveMatching() {
	MatchingDuration.Observe(time.Since(t.start).Seconds())
}

// RecordMessage counts a processed protocol message.
func RecordMessage(action, direction string) {
	ProtocolMessages.WithLabelValues(action, direction).Inc()
}

// RecordEscrowOp counts one orchestrator operation result.
func RecordEscrowOp(operation, result string) {
	EscrowOperations.WithLabelValues(operation, result).Inc()
}

// Server publishes /metrics and /health.
type Server struct {
	addr   string
	log    zerolog.Logger
	server *http.Server
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		log:  log,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("starting metrics server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
