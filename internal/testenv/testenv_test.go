package testenv

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/feed"
)

func TestEnvTradeRoundTrip(t *testing.T) {
	env := New(t)
	env.Buyer("buyer-1", "1000")
	env.Market("offer-1", 5, "6")

	out := env.PlaceTrade("buyer-1", "offer-1", 3)
	env.RequireOrderStatus(out.OrderID, domain.OrderActive)
	env.RequireBlockCounts("offer-1", 2, 0, 3)
	// Principal 18 at 0.03% fee -> 18.0054 held.
	env.RequireBalance("buyer-1", "981.9946")

	env.Oracle.SetRatio(out.OrderID, 1)
	env.Advance(3 * time.Hour)
	env.Sweep()

	env.RequireOrderStatus(out.OrderID, domain.OrderCompleted)
	env.RequireBalance("seller-offer-1", "68")

	completed := env.Feed.Events(feed.KindOrderCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, out.OrderID, completed[0].OrderID)
}

func TestEnvAgentRoundTrip(t *testing.T) {
	env := New(t)
	env.Buyer("buyer-1", "1000")
	env.Market("offer-1", 5, "6")

	a, err := env.Agents.Register(context.Background(), &domain.Agent{
		OwnerID:       "buyer-1",
		Type:          domain.AgentBuyer,
		ExecutionMode: domain.ExecutionAuto,
		Config:        domain.AgentConfig{MaxQty: 2, DailyLimit: decimal.NewFromInt(100)},
	})
	require.NoError(t, err)

	require.NoError(t, env.Agents.Tick(context.Background()))

	props, err := env.Store.Agents().ListProposals(context.Background(), a.ID, domain.ProposalExecuted, 10)
	require.NoError(t, err)
	require.Len(t, props, 1)
	require.NotNil(t, props[0].OrderID)
	env.RequireOrderStatus(*props[0].OrderID, domain.OrderActive)
	env.RequireBlockCounts("offer-1", 3, 0, 2)
}
