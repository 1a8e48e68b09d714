package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/domain"
)

// Handler processes an inbound envelope and returns the response envelope.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) (*Envelope, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Envelope) (*Envelope, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) (*Envelope, error) {
	return f(ctx, env)
}

// Transport delivers an envelope to a peer endpoint and returns its reply.
type Transport interface {
	Send(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error)
}

// Signer produces the signed-envelope header pair for outbound requests.
// The actual scheme is owned by the deployment, not by this package.
type Signer interface {
	Sign(payload []byte) (authorization, gatewayAuthorization string, err error)
}

// Local delivers envelopes to an in-process handler. It is the transport
// used when both trade roles run inside one daemon, and by the scenario
// runner.
type Local struct {
	h Handler
}

// NewLocal returns a Transport that short-circuits to h.
func NewLocal(h Handler) *Local {
	return &Local{h: h}
}

// Send implements Transport. The endpoint is ignored.
func (l *Local) Send(ctx context.Context, _ string, env *Envelope) (*Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return l.h.Handle(ctx, env)
}

// HTTPConfig tunes the HTTP transport.
type HTTPConfig struct {
	// Timeout bounds a full request/response exchange.
	Timeout time.Duration
}

// DefaultHTTPConfig returns the production transport defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Timeout: 10 * time.Second}
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultHTTPConfig().Timeout
	}
	return c
}

// HTTP posts envelopes as JSON to peer endpoints.
type HTTP struct {
	client *http.Client
	signer Signer
	log    zerolog.Logger
}

// NewHTTP returns an HTTP transport. signer may be nil when the deployment
// runs without envelope signing.
func NewHTTP(cfg HTTPConfig, signer Signer, log zerolog.Logger) *HTTP {
	cfg = cfg.withDefaults()
	return &HTTP{
		client: &http.Client{Timeout: cfg.Timeout},
		signer: signer,
		log:    log.With().Str("component", "protocol.http").Logger(),
	}
}

// Send implements Transport.
func (t *HTTP) Send(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error) {
	const op = "protocol.http_send"
	if err := env.Validate(); err != nil {
		return nil, err
	}
	raw, err := env.Raw()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewTransportError(op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.signer != nil {
		auth, gateway, err := t.signer.Sign(raw)
		if err != nil {
			return nil, domain.NewTransportError(op, "sign envelope", err)
		}
		req.Header.Set("Authorization", auth)
		if gateway != "" {
			req.Header.Set("X-Gateway-Authorization", gateway)
		}
	}

	t.log.Debug().
		Str("action", env.Context.Action).
		Str("message_id", env.Context.MessageID).
		Str("endpoint", endpoint).
		Msg("sending envelope")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, domain.NewTransportError(op, fmt.Sprintf("send %s", env.Context.Action), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransportError(op, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewTransportError(op, fmt.Sprintf("peer returned HTTP %d", resp.StatusCode), nil).
			WithDetail("endpoint", endpoint).
			WithDetail("body", string(body))
	}

	var out Envelope
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, domain.NewTransportError(op, "malformed response envelope", err)
	}
	return &out, nil
}
