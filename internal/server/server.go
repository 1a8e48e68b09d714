// Package server binds the trade engines to a thin HTTP/JSON surface.
// Handlers decode, delegate and encode; every business rule lives in the
// engine the handler calls. Optional collaborators (provider platform,
// agent runtime, event feed) register their routes only when present, so
// a disabled feature answers 404 rather than a half-wired handler.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/agent"
	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/feed"
	"github.com/wattex/wattexd/internal/idempotency"
	"github.com/wattex/wattexd/internal/storage/kv"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// Config tunes the HTTP listener.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string `mapstructure:"addr" json:"addr"`
	// ReadTimeout bounds reading one request, header through body.
	ReadTimeout time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	// ShutdownTimeout bounds the drain after the run context is cancelled.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns the production listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Deps carries the engines the surface binds. BAP and Store are required;
// the rest are optional and gate their routes.
type Deps struct {
	BAP    *coordinator.BAP
	BPP    *coordinator.BPP // nil when the provider platform is a remote peer
	Agents *agent.Runtime   // nil when the agent runtime is disabled
	Store  relational.Manager
	KV     kv.Store           // health probe
	Idem   *idempotency.Cache // nil disables idempotency replay
	Hub    *feed.Hub          // nil disables /ws
	Clock  clock.Clock
}

// Server is the HTTP API of one node.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
	log  zerolog.Logger
}

// New assembles the routes and the listener. It does not bind the port;
// Run does.
func New(deps Deps, cfg Config, log zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.SystemClock{}
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "server").Logger(),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the assembled routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// routes assembles the mux. State-changing routes pass through the
// idempotency middleware; reads bypass it.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Buyer-side protocol surface.
	mux.Handle("POST /trade/discover", s.idem(s.handleDiscover))
	mux.Handle("POST /trade/select", s.idem(s.handleSelect))
	mux.Handle("POST /trade/init", s.idem(s.handleInit))
	mux.Handle("POST /trade/confirm", s.idem(s.handleConfirm))
	mux.Handle("POST /trade/cancel", s.idem(s.handleCancel))
	mux.Handle("POST /trade/place", s.idem(s.handlePlace))
	mux.HandleFunc("GET /trade/{txn}/status", s.handleStatus)
	mux.HandleFunc("GET /trade/{txn}/state", s.handleState)

	// Provider-side callback for remote buyer apps.
	if s.deps.BPP != nil {
		mux.HandleFunc("POST /protocol/messages", s.handleProtocolMessage)
	}

	// Agent runtime.
	if s.deps.Agents != nil {
		mux.Handle("POST /agents", s.idem(s.handleRegisterAgent))
		mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
		mux.HandleFunc("POST /agents/{id}/status", s.handleAgentStatus)
		mux.HandleFunc("POST /agents/{id}/config", s.handleAgentConfig)
		mux.HandleFunc("GET /agents/{id}/proposals", s.handleListProposals)
		mux.Handle("POST /proposals/{id}/approve", s.idem(s.handleApproveProposal))
		mux.Handle("POST /proposals/{id}/reject", s.idem(s.handleRejectProposal))
	}

	// Queries and operations.
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /offers", s.handleListOffers)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.deps.Hub != nil {
		mux.Handle("GET /ws", s.deps.Hub)
	}

	return mux
}

// idem wraps a mutating handler with the idempotency cache when one is
// configured. Requests without an Idempotency-Key pass straight through.
func (s *Server) idem(h http.HandlerFunc) http.Handler {
	if s.deps.Idem == nil {
		return h
	}
	return s.deps.Idem.Middleware(h)
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("http api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("http api stopped")
	return nil
}
