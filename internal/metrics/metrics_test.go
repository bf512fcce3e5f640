package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/internal/metrics"
)

func TestNewRegistryRegistersEveryMetricWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)
	require.NotNil(t, m)

	m.BusAppendTotal.WithLabelValues("events:price").Inc()
	m.RiskApprovals.WithLabelValues("momentum_5m").Inc()
	m.BreakerState.WithLabelValues("daily_loss").Set(1)
	m.PortfolioUSD.Set(12345.67)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestExecutionLatencyHistogramObservesSamples(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)

	m.ExecutionLatency.WithLabelValues("commit").Observe(0.2)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "trading_execution_latency_seconds" {
			found = f
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	require.EqualValues(t, 1, found.Metric[0].GetHistogram().GetSampleCount())
}
