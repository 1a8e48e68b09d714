// Package feed pushes trade lifecycle events to live subscribers. The feed
// is advisory: publishing never blocks a trade path and failures are logged,
// not returned. Sinks are a WebSocket hub for direct UI clients and an
// optional Redis channel for out-of-process consumers.
package feed

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds pushed to subscribers.
const (
	KindOrderDrafted   = "order.drafted"
	KindOrderConfirmed = "order.confirmed"
	KindOrderCancelled = "order.cancelled"
	KindOrderCompleted = "order.completed"
	KindEscrowBlocked  = "escrow.blocked"
	KindEscrowReleased = "escrow.released"
	KindEscrowRefunded = "escrow.refunded"
	KindEscrowExpired  = "escrow.expired"
	KindProposalRaised = "proposal.raised"
	KindProposalClosed = "proposal.closed"
)

// Event is one feed item. Payload carries kind-specific detail and is
// forwarded verbatim.
type Event struct {
	Kind          string          `json:"kind"`
	TransactionID string          `json:"transaction_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	At            time.Time       `json:"at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Publisher delivers events to subscribers, best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop is the publisher used when the feed is disabled.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Fanout publishes to every sink in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}

var (
	_ Publisher = Nop{}
	_ Publisher = Fanout{}
)

// Encode marshals a payload value for Event.Payload, swallowing errors so
// callers can build events inline.
func Encode(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
