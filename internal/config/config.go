// Package config loads and validates the supervisor's configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const envPrefix = "TRADING"

// Load reads config from a YAML file (defaults applied where absent),
// with TRADING_* environment variables overlaid on top.
func Load(path string) (*types.AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &types.AppConfig{
		Server:      types.ServerConfig{},
		Risk:        types.DefaultRiskLimitsConfig(),
		Breaker:     types.DefaultBreakerConfig(),
		Correlation: types.DefaultCorrelationConfig(),
		Allocator:   types.DefaultAllocatorConfig(),
		Execution:   types.DefaultExecutionConfig(),
		Bus:         types.DefaultBusConfig(),
		Strategies:  types.DefaultStrategySpecs(),
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyRiskEnvOverrides(&cfg.Risk)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.max_connections", 256)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.metrics_path", "/metrics")
}

// applyRiskEnvOverrides mirrors risk_manager.rs's RiskLimits::from_config
// env fallback: an env var wins only when the config-derived value is the
// zero value (absent), never overriding an explicit config setting.
func applyRiskEnvOverrides(r *types.RiskLimitsConfig) {
	if r.MaxStrategyAllocPct.IsZero() {
		if v, ok := decimalFromEnv("MAX_STRATEGY_ALLOCATION_PCT"); ok {
			r.MaxStrategyAllocPct = v
		}
	}
	if r.MaxPositionUSD.IsZero() {
		if v, ok := decimalFromEnv("RISK_MAX_POSITION_USD"); ok {
			r.MaxPositionUSD = v
		}
	}
	if r.MaxDailyLossUSD.IsZero() {
		if v, ok := decimalFromEnv("RISK_MAX_DAILY_LOSS_USD"); ok {
			r.MaxDailyLossUSD = v
		}
	}
	if r.MaxPortfolioUSD.IsZero() {
		if v, ok := decimalFromEnv("RISK_MAX_PORTFOLIO_USD"); ok {
			r.MaxPortfolioUSD = v
		}
	}
}

func decimalFromEnv(key string) (decimal.Decimal, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Validate checks required fields and value ranges before the supervisor
// wires any component against this config.
func Validate(c *types.AppConfig) error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Risk.InitialCapitalUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.initial_capital_usd must be > 0")
	}
	if c.Risk.MaxPositionUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_position_usd must be > 0")
	}
	if c.Risk.MaxDailyLossUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_daily_loss_usd must be > 0")
	}
	if c.Risk.MaxPortfolioUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_portfolio_usd must be > 0")
	}
	if c.Risk.MaxStrategyAllocPct.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk.max_strategy_allocation_pct must be > 0")
	}
	if c.Correlation.HighCorrelationThresh.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("correlation.high_correlation_threshold must be > 0")
	}
	if c.Bus.WorkerCount <= 0 {
		return fmt.Errorf("bus.worker_count must be > 0")
	}
	if c.Bus.QueueDepth <= 0 {
		return fmt.Errorf("bus.queue_depth must be > 0")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy must be configured")
	}
	return nil
}
