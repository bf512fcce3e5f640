package correlation_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/correlation"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func recordLockstepReturns(m *correlation.Manager, strategyID string, base time.Time, values []float64) {
	for i, v := range values {
		m.RecordReturn(strategyID, decimal.NewFromFloat(v), base.Add(time.Duration(i)*time.Hour))
	}
}

func TestRecalculateFindsHighCorrelationBetweenLockstepStrategies(t *testing.T) {
	cfg := types.DefaultCorrelationConfig()
	m := correlation.NewManager(cfg, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	values := []float64{1, 2, 3, 4, 5, 4, 3, 2, 1, 2, 3}
	recordLockstepReturns(m, "a", base, values)
	recordLockstepReturns(m, "b", base, values)

	alerts := m.Recalculate(base.Add(24 * time.Hour))
	require.NotEmpty(t, alerts)
	assert.Equal(t, types.AlertHighCorrelation, alerts[0].AlertType)

	corr, ok := m.Correlation("a", "b")
	require.True(t, ok)
	assert.True(t, corr.GreaterThan(decimal.NewFromFloat(0.9)))
}

func TestRecalculateSkipsStrategiesBelowMinimumSampleSize(t *testing.T) {
	cfg := types.DefaultCorrelationConfig()
	m := correlation.NewManager(cfg, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	recordLockstepReturns(m, "a", base, []float64{1, 2, 3})
	recordLockstepReturns(m, "b", base, []float64{1, 2, 3})

	alerts := m.Recalculate(base.Add(time.Hour))
	assert.Empty(t, alerts)
	_, ok := m.Correlation("a", "b")
	assert.False(t, ok)
}

func TestUpdateClusterAllocationsClassifiesRiskLevelAndAlerts(t *testing.T) {
	cfg := types.DefaultCorrelationConfig()
	m := correlation.NewManager(cfg, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	values := []float64{1, 2, 3, 4, 5, 4, 3, 2, 1, 2, 3}
	recordLockstepReturns(m, "a", base, values)
	recordLockstepReturns(m, "b", base, values)
	m.Recalculate(base.Add(24 * time.Hour))

	weights := map[string]decimal.Decimal{
		"a": decimal.NewFromFloat(0.3),
		"b": decimal.NewFromFloat(0.25),
	}
	alerts := m.UpdateClusterAllocations(weights, base.Add(25*time.Hour))
	require.NotEmpty(t, alerts)
	assert.Equal(t, types.AlertClusterOverallocated, alerts[0].AlertType)

	clusters := m.Clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, types.ClusterRiskCritical, clusters[0].RiskLevel)

	assert.True(t, m.SizeMultiplier("a").Equal(decimal.NewFromFloat(0.5)))
}

func TestSizeMultiplierDefaultsToOneForUnknownStrategy(t *testing.T) {
	m := correlation.NewManager(types.DefaultCorrelationConfig(), zap.NewNop())
	assert.True(t, m.SizeMultiplier("unknown").Equal(decimal.NewFromFloat(1.0)))
}

func TestShouldRecalculateRespectsCadence(t *testing.T) {
	cfg := types.DefaultCorrelationConfig()
	cfg.CalculationFrequency = time.Hour
	m := correlation.NewManager(cfg, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, m.ShouldRecalculate(now))
	m.Recalculate(now)
	assert.False(t, m.ShouldRecalculate(now.Add(30*time.Minute)))
	assert.True(t, m.ShouldRecalculate(now.Add(90*time.Minute)))
}
