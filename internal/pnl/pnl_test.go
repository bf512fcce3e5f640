package pnl_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/pnl"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func winningTrade(strategyID string, pnlUSD float64) types.Trade {
	return types.Trade{
		StrategyID:     strategyID,
		Quantity:       decimal.NewFromInt(10),
		Price:          decimal.NewFromInt(100),
		RealizedPnLUSD: decimal.NewFromFloat(pnlUSD),
	}
}

func TestRecordTradeAccumulatesBasicMetrics(t *testing.T) {
	a := pnl.NewAttributor(zap.NewNop(), pnl.DefaultThresholds())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.RecordTrade(winningTrade("strat-1", 50), decimal.NewFromInt(10), now)
	a.RecordTrade(winningTrade("strat-1", -20), decimal.NewFromInt(10), now)

	perf, ok := a.Performance("strat-1")
	require.True(t, ok)
	assert.Equal(t, 2, perf.Trades)
	assert.Equal(t, 1, perf.Wins)
	assert.Equal(t, 1, perf.Losses)
	assert.True(t, perf.RealizedPnLUSD.Equal(decimal.NewFromInt(30)))
}

func TestAdvancedMetricsComputeAfterTenTrades(t *testing.T) {
	a := pnl.NewAttributor(zap.NewNop(), pnl.DefaultThresholds())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		a.RecordTrade(winningTrade("strat-1", 10), decimal.NewFromInt(5), now)
	}
	pre, _ := a.Performance("strat-1")
	assert.True(t, pre.Sharpe.IsZero())

	// A differing tenth return gives the series a non-zero stddev.
	a.RecordTrade(winningTrade("strat-1", 20), decimal.NewFromInt(5), now)
	post, _ := a.Performance("strat-1")
	assert.False(t, post.Sharpe.IsZero())
}

func TestDrawdownExcessAlertFiresWhenThresholdBreached(t *testing.T) {
	thresholds := pnl.DefaultThresholds()
	thresholds.MaxDrawdownPct = decimal.NewFromFloat(5)
	a := pnl.NewAttributor(zap.NewNop(), thresholds)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.RecordTrade(winningTrade("strat-1", 1000), decimal.NewFromInt(5), now)
	alerts := a.RecordTrade(winningTrade("strat-1", -900), decimal.NewFromInt(5), now)

	var found bool
	for _, alert := range alerts {
		if alert.Type == pnl.AlertDrawdownExcess {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSnapshotTrimsRingToMaxSize(t *testing.T) {
	a := pnl.NewAttributor(zap.NewNop(), pnl.DefaultThresholds())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 400; i++ {
		a.Snapshot("strat-1", base.Add(time.Duration(i)*24*time.Hour))
	}
	// No direct accessor for ring length; this exercises the trim path
	// without panicking on overflow, and confirms Performance still
	// reports cleanly afterward.
	perf, ok := a.Performance("strat-1")
	require.True(t, ok)
	assert.Equal(t, "strat-1", perf.StrategyID)
}
