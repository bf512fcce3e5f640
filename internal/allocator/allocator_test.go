package allocator_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/allocator"
	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func sumWeights(allocations []types.StrategyAllocation) decimal.Decimal {
	var sum decimal.Decimal
	for _, a := range allocations {
		sum = sum.Add(a.Weight)
	}
	return sum
}

func TestRebalanceNormalizesWeightsToOne(t *testing.T) {
	eventBus := bus.New(zap.NewNop(), time.Second)
	a := allocator.NewAllocator(zap.NewNop(), eventBus, types.DefaultAllocatorConfig(), nil)

	a.Ingest(types.BacktestSummary{StrategyID: "momentum_5m", SharpeRatio: decimal.NewFromFloat(2.0)})
	a.Ingest(types.BacktestSummary{StrategyID: "mean_revert_1h", SharpeRatio: decimal.NewFromFloat(1.0)})
	a.Ingest(types.BacktestSummary{StrategyID: "bridge_inflow", SharpeRatio: decimal.NewFromFloat(1.0)})

	allocations, err := a.Rebalance(context.Background())
	require.NoError(t, err)
	require.Len(t, allocations, 3)

	sum := sumWeights(allocations)
	assert.True(t, sum.Sub(decimal.NewFromInt(1)).Abs().LessThan(decimal.NewFromFloat(0.0001)))
}

func TestRebalanceFallsBackToEqualWeightWhenAllSharpeNonPositive(t *testing.T) {
	eventBus := bus.New(zap.NewNop(), time.Second)
	a := allocator.NewAllocator(zap.NewNop(), eventBus, types.DefaultAllocatorConfig(), nil)

	a.Ingest(types.BacktestSummary{StrategyID: "a", SharpeRatio: decimal.NewFromFloat(-0.5)})
	a.Ingest(types.BacktestSummary{StrategyID: "b", SharpeRatio: decimal.NewFromFloat(-1.0)})

	allocations, err := a.Rebalance(context.Background())
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	for _, alloc := range allocations {
		assert.True(t, alloc.Weight.Equal(decimal.NewFromFloat(0.5)))
	}
}

func TestIngestReplacesPriorSharpeForSameStrategy(t *testing.T) {
	eventBus := bus.New(zap.NewNop(), time.Second)
	a := allocator.NewAllocator(zap.NewNop(), eventBus, types.DefaultAllocatorConfig(), nil)

	a.Ingest(types.BacktestSummary{StrategyID: "a", SharpeRatio: decimal.NewFromFloat(1.0)})
	a.Ingest(types.BacktestSummary{StrategyID: "a", SharpeRatio: decimal.NewFromFloat(3.0)})
	a.Ingest(types.BacktestSummary{StrategyID: "b", SharpeRatio: decimal.NewFromFloat(1.0)})

	allocations, err := a.Rebalance(context.Background())
	require.NoError(t, err)

	byID := make(map[string]types.StrategyAllocation)
	for _, alloc := range allocations {
		byID[alloc.StrategyID] = alloc
	}
	assert.True(t, byID["a"].Weight.GreaterThan(byID["b"].Weight))
}

type stubCorrelation struct{ multiplier decimal.Decimal }

func (s stubCorrelation) SizeMultiplier(strategyID string) decimal.Decimal { return s.multiplier }

func TestRegimeAwareRebalanceClampsToConfiguredBounds(t *testing.T) {
	eventBus := bus.New(zap.NewNop(), time.Second)
	cfg := types.DefaultAllocatorConfig()
	cfg.UseRegimeAware = true
	// With two strategies the bounds must admit a set that sums to 1.
	cfg.MinSingleAllocation = decimal.NewFromFloat(0.1)
	cfg.MaxSingleAllocation = decimal.NewFromFloat(0.9)
	a := allocator.NewAllocator(zap.NewNop(), eventBus, cfg, stubCorrelation{multiplier: decimal.NewFromFloat(1.0)})
	a.SetRegime(allocator.RegimeTrending)

	a.Ingest(types.BacktestSummary{StrategyID: "momentum_5m", SharpeRatio: decimal.NewFromFloat(5.0)})
	a.Ingest(types.BacktestSummary{StrategyID: "bridge_inflow", SharpeRatio: decimal.NewFromFloat(0.01)})

	allocations, err := a.Rebalance(context.Background())
	require.NoError(t, err)

	for _, alloc := range allocations {
		assert.True(t, alloc.Weight.LessThanOrEqual(cfg.MaxSingleAllocation.Add(decimal.NewFromFloat(0.0001))))
		assert.True(t, alloc.Weight.GreaterThanOrEqual(cfg.MinSingleAllocation.Sub(decimal.NewFromFloat(0.0001))))
	}
}
