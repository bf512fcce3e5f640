// Package types provides configuration types for the trading control plane.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AppConfig is the fully validated configuration for the supervisor
// binary, loaded once at startup and passed by handle to every component.
type AppConfig struct {
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	Risk        RiskLimitsConfig  `json:"risk" mapstructure:"risk"`
	Breaker     BreakerConfig     `json:"breaker" mapstructure:"breaker"`
	Correlation CorrelationConfig `json:"correlation" mapstructure:"correlation"`
	Allocator   AllocatorConfig   `json:"allocator" mapstructure:"allocator"`
	Execution   ExecutionConfig   `json:"execution" mapstructure:"execution"`
	Bus         BusConfig         `json:"bus" mapstructure:"bus"`
	Strategies  []StrategySpec    `json:"strategies" mapstructure:"strategies"`
}

// ServerConfig configures the operator-facing HTTP/WS surface.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	MaxConnections int           `json:"maxConnections" mapstructure:"max_connections"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	MetricsPath    string        `json:"metricsPath" mapstructure:"metrics_path"`
}

// RiskLimitsConfig mirrors the original executor's RiskLimits::from_config:
// a set of dollar/percentage limits derived from initial capital, with an
// env-var override path for the strategy allocation cap.
type RiskLimitsConfig struct {
	InitialCapitalUSD       decimal.Decimal `json:"initialCapitalUsd" mapstructure:"initial_capital_usd"`
	MaxPositionUSD          decimal.Decimal `json:"maxPositionUsd" mapstructure:"max_position_usd"`
	MaxDailyLossUSD         decimal.Decimal `json:"maxDailyLossUsd" mapstructure:"max_daily_loss_usd"`
	MaxPortfolioUSD         decimal.Decimal `json:"maxPortfolioUsd" mapstructure:"max_portfolio_usd"`
	MaxStrategyAllocPct     decimal.Decimal `json:"maxStrategyAllocationPct" mapstructure:"max_strategy_allocation_pct"`
}

// DefaultRiskLimitsConfig mirrors shinertx's executor Default impl and
// the spec's end-to-end scenario 1 (capital=200, position=50, daily
// loss=20, portfolio=100, strategy cap=10%).
func DefaultRiskLimitsConfig() RiskLimitsConfig {
	return RiskLimitsConfig{
		InitialCapitalUSD:   decimal.NewFromInt(200),
		MaxPositionUSD:      decimal.NewFromInt(50),
		MaxDailyLossUSD:     decimal.NewFromInt(20),
		MaxPortfolioUSD:     decimal.NewFromInt(100),
		MaxStrategyAllocPct: decimal.NewFromInt(10),
	}
}

// BreakerConfig configures the circuit breaker's adaptive thresholds,
// grounded on circuit_breaker.rs's AdaptiveThresholds.
type BreakerConfig struct {
	PortfolioDrawdownWarningPct  decimal.Decimal `json:"portfolioDrawdownWarningPct" mapstructure:"portfolio_drawdown_warning_pct"`
	PortfolioDrawdownHaltPct     decimal.Decimal `json:"portfolioDrawdownHaltPct" mapstructure:"portfolio_drawdown_halt_pct"`
	PortfolioDrawdownEmergencyPct decimal.Decimal `json:"portfolioDrawdownEmergencyPct" mapstructure:"portfolio_drawdown_emergency_pct"`
	DailyLossWarningPct          decimal.Decimal `json:"dailyLossWarningPct" mapstructure:"daily_loss_warning_pct"`
	DailyLossHaltPct             decimal.Decimal `json:"dailyLossHaltPct" mapstructure:"daily_loss_halt_pct"`
	StrategyDrawdownLimitPct     decimal.Decimal `json:"strategyDrawdownLimitPct" mapstructure:"strategy_drawdown_limit_pct"`
	ExecutionLatencyMs           int64           `json:"executionLatencyMs" mapstructure:"execution_latency_ms"`
	SlippageThresholdBps         decimal.Decimal `json:"slippageThresholdBps" mapstructure:"slippage_threshold_bps"`
	ErrorRateThreshold           decimal.Decimal `json:"errorRateThreshold" mapstructure:"error_rate_threshold"`
	LiquidityDegradationThreshold decimal.Decimal `json:"liquidityDegradationThreshold" mapstructure:"liquidity_degradation_threshold"`
	CorrelationConcentrationLimit decimal.Decimal `json:"correlationConcentrationLimit" mapstructure:"correlation_concentration_limit"`
	HealthCheckInterval          time.Duration   `json:"healthCheckInterval" mapstructure:"health_check_interval"`
}

// DefaultBreakerConfig mirrors circuit_breaker.rs's AdaptiveThresholds
// defaults exactly.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		PortfolioDrawdownWarningPct:   decimal.NewFromFloat(0.03),
		PortfolioDrawdownHaltPct:      decimal.NewFromFloat(0.05),
		PortfolioDrawdownEmergencyPct: decimal.NewFromFloat(0.10),
		DailyLossWarningPct:           decimal.NewFromFloat(0.02),
		DailyLossHaltPct:              decimal.NewFromFloat(0.03),
		StrategyDrawdownLimitPct:      decimal.NewFromFloat(0.08),
		ExecutionLatencyMs:            1000,
		SlippageThresholdBps:          decimal.NewFromInt(100),
		ErrorRateThreshold:            decimal.NewFromFloat(0.05),
		LiquidityDegradationThreshold: decimal.NewFromFloat(0.5),
		CorrelationConcentrationLimit: decimal.NewFromFloat(0.6),
		HealthCheckInterval:           10 * time.Second,
	}
}

// CorrelationConfig configures the 4-hourly correlation recompute.
type CorrelationConfig struct {
	CalculationFrequency   time.Duration   `json:"calculationFrequency" mapstructure:"calculation_frequency"`
	HighCorrelationThresh  decimal.Decimal `json:"highCorrelationThreshold" mapstructure:"high_correlation_threshold"`
	MaxClusterAllocation   decimal.Decimal `json:"maxClusterAllocation" mapstructure:"max_cluster_allocation"`
	LookbackDays           int             `json:"lookbackDays" mapstructure:"lookback_days"`
}

// DefaultCorrelationConfig mirrors correlation_manager.rs defaults.
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		CalculationFrequency:  4 * time.Hour,
		HighCorrelationThresh: decimal.NewFromFloat(0.7),
		MaxClusterAllocation:  decimal.NewFromFloat(0.4),
		LookbackDays:          30,
	}
}

// AllocatorConfig configures the portfolio allocator's rebalance cadence
// and per-strategy allocation bounds.
type AllocatorConfig struct {
	RebalanceFrequency  time.Duration   `json:"rebalanceFrequency" mapstructure:"rebalance_frequency"`
	MaxSingleAllocation decimal.Decimal `json:"maxSingleAllocation" mapstructure:"max_single_allocation"`
	MinSingleAllocation decimal.Decimal `json:"minSingleAllocation" mapstructure:"min_single_allocation"`
	UseRegimeAware      bool            `json:"useRegimeAware" mapstructure:"use_regime_aware"`
}

// DefaultAllocatorConfig mirrors portfolio_allocator.rs defaults.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		RebalanceFrequency:  6 * time.Hour,
		MaxSingleAllocation: decimal.NewFromFloat(0.15),
		MinSingleAllocation: decimal.NewFromFloat(0.03),
		UseRegimeAware:      false,
	}
}

// ExecutionConfig configures the execution pipeline's MEV protection and
// submission retry behavior.
type ExecutionConfig struct {
	JupiterBaseURL    string        `json:"jupiterBaseUrl" mapstructure:"jupiter_base_url"`
	JitoBlockEngine   string        `json:"jitoBlockEngineUrl" mapstructure:"jito_block_engine_url"`
	BaseTipLamports   uint64        `json:"baseTipLamports" mapstructure:"base_tip_lamports"`
	DefaultSlippageBps int          `json:"defaultSlippageBps" mapstructure:"default_slippage_bps"`
	SubmitTimeout     time.Duration `json:"submitTimeout" mapstructure:"submit_timeout"`
	MaxRetries        int           `json:"maxRetries" mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `json:"retryBaseDelay" mapstructure:"retry_base_delay"`
}

// DefaultExecutionConfig provides sane Jupiter/Jito defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		JupiterBaseURL:     "https://quote-api.jup.ag/v6",
		JitoBlockEngine:    "https://mainnet.block-engine.jito.wtf",
		BaseTipLamports:    10000,
		DefaultSlippageBps: 50,
		SubmitTimeout:      10 * time.Second,
		MaxRetries:         3,
		RetryBaseDelay:     200 * time.Millisecond,
	}
}

// BusConfig configures the event bus's worker pool and backpressure
// limits.
type BusConfig struct {
	WorkerCount       int           `json:"workerCount" mapstructure:"worker_count"`
	QueueDepth        int           `json:"queueDepth" mapstructure:"queue_depth"`
	ConsumerGroup     string        `json:"consumerGroup" mapstructure:"consumer_group"`
	RedeliveryTimeout time.Duration `json:"redeliveryTimeout" mapstructure:"redelivery_timeout"`
	StreamKeys        []string      `json:"streamKeys" mapstructure:"stream_keys"`
}

// DefaultStreamKeys mirrors event_loop.rs's stream key list exactly.
func DefaultStreamKeys() []string {
	return []string{
		"events:price", "events:social", "events:depth", "events:bridge",
		"events:funding", "events:onchain", "events:solprice", "events:twitter",
		"events:farcaster", "events:whale", "events:liquidation", "events:volume",
		"events:airdrop",
	}
}

// DefaultBusConfig provides sane worker/queue defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		WorkerCount:       8,
		QueueDepth:        1024,
		ConsumerGroup:     "executor_group",
		RedeliveryTimeout: 30 * time.Second,
		StreamKeys:        DefaultStreamKeys(),
	}
}

// StrategySpec is a configured strategy instance: which implementation to
// instantiate and its tunable parameters.
type StrategySpec struct {
	ID     string         `json:"id" mapstructure:"id"`
	Family string         `json:"family" mapstructure:"family"`
	Params map[string]any `json:"params" mapstructure:"params"`
}

// DefaultStrategySpecs mirrors portfolio_allocator.rs's initial strategy
// roster with equal starting weights (not encoded here; the allocator
// assigns weights at runtime).
func DefaultStrategySpecs() []StrategySpec {
	names := []string{
		"momentum_5m", "mean_revert_1h", "bridge_inflow", "social_buzz",
		"rug_pull_sniffer", "korean_time_burst", "airdrop_rotation",
		"dev_wallet_drain", "liquidity_migration", "perp_basis_arb",
	}
	specs := make([]StrategySpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, StrategySpec{ID: n, Family: n, Params: map[string]any{}})
	}
	return specs
}
