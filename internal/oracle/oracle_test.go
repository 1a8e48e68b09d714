package oracle

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/domain"
)

func TestSimulatedDistribution(t *testing.T) {
	ctx := context.Background()
	oracle := NewSimulated(DefaultConfig(), 42)

	var full, partial, failed int
	for i := 0; i < 1000; i++ {
		out, err := oracle.Verify(ctx, "order", "seller", 10)
		require.NoError(t, err)
		switch out.Status {
		case domain.DeliveryFull:
			full++
			assert.Equal(t, 1.0, out.Ratio)
			assert.True(t, out.DeliveredQty.Equal(out.ExpectedQty))
		case domain.DeliveryPartial:
			partial++
			assert.GreaterOrEqual(t, out.Ratio, 0.2)
			assert.LessOrEqual(t, out.Ratio, 0.8)
			assert.True(t, out.DeliveredQty.LessThan(out.ExpectedQty))
		case domain.DeliveryFailed:
			failed++
			assert.True(t, out.DeliveredQty.IsZero())
		}
	}

	// Seeded draws hover around the configured 85 percent.
	assert.Greater(t, full, 800)
	assert.Less(t, full, 900)
	assert.Greater(t, partial, 0)
	assert.Greater(t, failed, 0)
}

func TestSimulatedAlwaysFull(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.FullProbability = 1
	oracle := NewSimulated(cfg, 1)

	for i := 0; i < 50; i++ {
		out, err := oracle.Verify(ctx, "order", "seller", 5)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryFull, out.Status)
	}
}

func TestScriptedRatios(t *testing.T) {
	ctx := context.Background()
	oracle := NewScripted()
	oracle.SetRatio("half", 0.5)
	oracle.SetRatio("none", 0)

	full, err := oracle.Verify(ctx, "unscripted", "seller", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFull, full.Status)

	half, err := oracle.Verify(ctx, "half", "seller", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPartial, half.Status)
	assert.True(t, half.DeliveredQty.Equal(decimal.NewFromInt(5)))

	none, err := oracle.Verify(ctx, "none", "seller", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, none.Status)

	_, err = oracle.Verify(ctx, "bad", "seller", 0)
	assert.True(t, domain.IsValidation(err))
}
