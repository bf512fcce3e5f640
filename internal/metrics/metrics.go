// Package metrics collects the prometheus gauges and counters the
// supervisor and its components publish through. It is wired to
// ServerConfig's EnableMetrics/MetricsPath and exposed via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the control plane updates. A single
// instance is constructed at startup and threaded into the components
// that report through it.
type Registry struct {
	BusAppendTotal     *prometheus.CounterVec
	BusPullTotal       *prometheus.CounterVec
	BusPendingGauge    *prometheus.GaugeVec
	StrategyDispatched *prometheus.CounterVec
	StrategyPaused     *prometheus.GaugeVec
	StrategyBudgetMiss *prometheus.CounterVec

	RiskRejections  *prometheus.CounterVec
	RiskApprovals   *prometheus.CounterVec
	PortfolioUSD    prometheus.Gauge
	DailyDrawdown   prometheus.Gauge

	BreakerState    *prometheus.GaugeVec
	BreakerTrips    *prometheus.CounterVec

	ExecutionSubmitted *prometheus.CounterVec
	ExecutionFailed    *prometheus.CounterVec
	ExecutionLatency   *prometheus.HistogramVec

	PositionNet     *prometheus.GaugeVec
	CloseSignals    *prometheus.CounterVec

	AllocationWeight *prometheus.GaugeVec

	StrategyPnL     *prometheus.GaugeVec
	StrategySharpe  *prometheus.GaugeVec
}

// NewRegistry constructs and registers every metric against reg.
// Passing prometheus.NewRegistry() keeps tests isolated from the
// global default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		BusAppendTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "bus", Name: "append_total",
			Help: "Records appended per stream.",
		}, []string{"stream"}),
		BusPullTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "bus", Name: "pull_total",
			Help: "Records pulled per stream and group.",
		}, []string{"stream", "group"}),
		BusPendingGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "bus", Name: "pending",
			Help: "Unacked records pending per stream and group.",
		}, []string{"stream", "group"}),
		StrategyDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "strategy", Name: "dispatched_total",
			Help: "Events dispatched to strategies, by outcome.",
		}, []string{"strategy_id", "outcome"}),
		StrategyPaused: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "strategy", Name: "paused",
			Help: "1 if the strategy is currently paused for budget violations.",
		}, []string{"strategy_id"}),
		StrategyBudgetMiss: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "strategy", Name: "budget_violations_total",
			Help: "Times a strategy exceeded its per-event time budget.",
		}, []string{"strategy_id"}),

		RiskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "risk", Name: "rejections_total",
			Help: "Trade proposals rejected by the risk manager, by reason.",
		}, []string{"reason"}),
		RiskApprovals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "risk", Name: "approvals_total",
			Help: "Trade proposals approved by the risk manager.",
		}, []string{"strategy_id"}),
		PortfolioUSD: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "risk", Name: "portfolio_usd",
			Help: "Current gross portfolio exposure in USD.",
		}),
		DailyDrawdown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "risk", Name: "daily_drawdown_usd",
			Help: "Realized drawdown since the current daily reset.",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "breaker", Name: "tripped",
			Help: "1 if the named circuit breaker is currently tripped.",
		}, []string{"breaker"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "breaker", Name: "trips_total",
			Help: "Times a circuit breaker has fired.",
		}, []string{"breaker"}),

		ExecutionSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "execution", Name: "submitted_total",
			Help: "Orders submitted, by protection level.",
		}, []string{"protection_level"}),
		ExecutionFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "execution", Name: "failed_total",
			Help: "Orders that failed, by stage.",
		}, []string{"stage"}),
		ExecutionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading", Subsystem: "execution", Name: "latency_seconds",
			Help:    "End-to-end pipeline latency from candidate to commit.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),

		PositionNet: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "position", Name: "net_exposure",
			Help: "Net signed exposure per symbol.",
		}, []string{"symbol"}),
		CloseSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Subsystem: "position", Name: "close_signals_total",
			Help: "Stop-loss/take-profit close signals emitted, by reason.",
		}, []string{"reason"}),

		AllocationWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "allocator", Name: "weight",
			Help: "Current normalized capital weight per strategy.",
		}, []string{"strategy_id"}),

		StrategyPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "pnl", Name: "total_usd",
			Help: "Total PnL per strategy.",
		}, []string{"strategy_id"}),
		StrategySharpe: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Subsystem: "pnl", Name: "sharpe",
			Help: "Annualized sharpe per strategy.",
		}, []string{"strategy_id"}),
	}
}
