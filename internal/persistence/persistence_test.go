package persistence_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestSaveTradeAndGetRecentTradesReturnsNewestFirst(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveTrade(ctx, types.Trade{StrategyID: "momentum_5m", Quantity: decimal.NewFromInt(1)}))
	require.NoError(t, store.SaveTrade(ctx, types.Trade{StrategyID: "momentum_5m", Quantity: decimal.NewFromInt(2)}))
	require.NoError(t, store.SaveTrade(ctx, types.Trade{StrategyID: "momentum_5m", Quantity: decimal.NewFromInt(3)}))

	trades, err := store.GetRecentTrades(ctx, "momentum_5m", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, trades[1].Quantity.Equal(decimal.NewFromInt(2)))
}

func TestGetRecentTradesForUnknownStrategyReturnsEmpty(t *testing.T) {
	store := persistence.NewMemoryStore()
	trades, err := store.GetRecentTrades(context.Background(), "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSaveRiskEventAccumulatesForInspection(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveRiskEvent(ctx, types.RiskEvent{EventType: types.EventStopLossTriggered, Severity: types.SeverityHigh}))
	require.NoError(t, store.SaveRiskEvent(ctx, types.RiskEvent{EventType: types.EventTakeProfitReached, Severity: types.SeverityLow}))

	events := store.RiskEvents()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventStopLossTriggered, events[0].EventType)
}

func TestSaveCapitalAllocationAccumulatesForInspection(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveCapitalAllocation(ctx, types.CapitalAllocation{StrategyID: "momentum_5m", Weight: decimal.NewFromFloat(0.3)}))

	allocations := store.Allocations()
	require.Len(t, allocations, 1)
	assert.Equal(t, "momentum_5m", allocations[0].StrategyID)
}
