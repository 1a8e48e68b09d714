package protocol

import (
	"encoding/json"

	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/domain"
)

// Identity names one side of the exchange on the wire.
type Identity struct {
	SubscriberID string
	URI          string
}

// BuilderConfig sets the static context fields stamped on every envelope.
type BuilderConfig struct {
	Domain string
	TTL    string
}

// DefaultBuilderConfig returns the production context defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Domain: "energy:trade",
		TTL:    "PT30S",
	}
}

func (c BuilderConfig) withDefaults() BuilderConfig {
	def := DefaultBuilderConfig()
	if c.Domain == "" {
		c.Domain = def.Domain
	}
	if c.TTL == "" {
		c.TTL = def.TTL
	}
	return c
}

// Builder assembles envelopes for one participant. The same builder serves
// both roles: NewRequest stamps the participant as the buyer app, Reply
// stamps it as the provider platform answering a request.
type Builder struct {
	self Identity
	cfg  BuilderConfig
	clk  clock.Clock
	ids  clock.IDGenerator
}

// NewBuilder returns a Builder for the given identity.
func NewBuilder(self Identity, cfg BuilderConfig, clk clock.Clock, ids clock.IDGenerator) *Builder {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	return &Builder{self: self, cfg: cfg.withDefaults(), clk: clk, ids: ids}
}

// NewRequest builds a request envelope with a fresh message id. An empty
// txnID starts a new transaction.
func (b *Builder) NewRequest(action, txnID string, body any) (*Envelope, error) {
	const op = "protocol.new_request"
	if txnID == "" {
		txnID = b.ids.NewID()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewInternalError(op, "encode request body", err)
	}
	return &Envelope{
		Context: Context{
			Version:       Version,
			Action:        action,
			Timestamp:     b.clk.Now().UTC(),
			MessageID:     b.ids.NewID(),
			TransactionID: txnID,
			BapID:         b.self.SubscriberID,
			BapURI:        b.self.URI,
			TTL:           b.cfg.TTL,
			Domain:        b.cfg.Domain,
		},
		Message: raw,
	}, nil
}

// Reply builds the response to req. The request's message and transaction
// ids are kept so callers can pair responses with the request that caused
// them; only the action, timestamp and responder identity change.
func (b *Builder) Reply(req *Envelope, action string, body any) (*Envelope, error) {
	const op = "protocol.reply"
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewInternalError(op, "encode response body", err)
	}
	ctx := req.Context
	ctx.Action = action
	ctx.Timestamp = b.clk.Now().UTC()
	ctx.BppID = b.self.SubscriberID
	ctx.BppURI = b.self.URI
	return &Envelope{Context: ctx, Message: raw}, nil
}

// Fail builds an error response to req carrying a machine-readable code.
func (b *Builder) Fail(req *Envelope, code, message string) *Envelope {
	ctx := req.Context
	ctx.Action = ResponseAction(req.Context.Action)
	ctx.Timestamp = b.clk.Now().UTC()
	ctx.BppID = b.self.SubscriberID
	ctx.BppURI = b.self.URI
	return &Envelope{
		Context: ctx,
		Error:   &Fault{Code: code, Message: message},
	}
}
