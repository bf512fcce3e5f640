// Package pnl maintains per-strategy P&L and attribution metrics: a
// ring of daily snapshots, trade-return-series risk statistics once a
// strategy has enough history, and the alerts that follow from them.
package pnl

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	minTradesForAdvancedMetrics = 10
	maxDailySnapshots           = 365
	annualizationDays           = 365.0
)

// AlertType enumerates the side-effect-only alerts the attributor emits.
type AlertType string

const (
	AlertAlphaDecay        AlertType = "AlphaDecay"
	AlertDrawdownExcess    AlertType = "DrawdownExcess"
	AlertWinRateDrop       AlertType = "WinRateDrop"
	AlertSlippageIncrease  AlertType = "SlippageIncrease"
)

// Alert is a single emitted attribution alert.
type Alert struct {
	Type       AlertType
	StrategyID string
	Detail     string
	Timestamp  time.Time
}

// Thresholds configures when alerts fire, grounded on pnl_tracker.rs's
// drawdown/win-rate/slippage gauges.
type Thresholds struct {
	MaxDrawdownPct       decimal.Decimal
	MinWinRatePct        decimal.Decimal
	MaxAvgSlippageBps    decimal.Decimal
	AlphaDecaySharpeDrop decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDrawdownPct:       decimal.NewFromFloat(20),
		MinWinRatePct:        decimal.NewFromFloat(35),
		MaxAvgSlippageBps:    decimal.NewFromFloat(150),
		AlphaDecaySharpeDrop: decimal.NewFromFloat(0.5),
	}
}

// dailySnapshot is one ring entry: cumulative realized PnL as of that
// day's close.
type dailySnapshot struct {
	timestamp time.Time
	pnl       decimal.Decimal
}

// strategyState is the per-strategy bookkeeping behind StrategyPerformance.
type strategyState struct {
	perf             types.StrategyPerformance
	cumulativeRealized decimal.Decimal
	highWaterMark    decimal.Decimal
	tradeReturns     []float64 // fractional return per trade, chronological
	slippageSamples  []float64
	snapshots        []dailySnapshot
	lastSharpe       decimal.Decimal
}

// Attributor owns per-strategy metrics and the daily snapshot ring.
type Attributor struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	thresholds Thresholds
	strategies map[string]*strategyState
}

func NewAttributor(logger *zap.Logger, thresholds Thresholds) *Attributor {
	return &Attributor{
		logger:     logger.Named("pnl"),
		thresholds: thresholds,
		strategies: make(map[string]*strategyState),
	}
}

func (a *Attributor) stateFor(strategyID string) *strategyState {
	s, ok := a.strategies[strategyID]
	if !ok {
		s = &strategyState{perf: types.StrategyPerformance{StrategyID: strategyID}}
		a.strategies[strategyID] = s
	}
	return s
}

// RecordTrade folds a completed trade's realized PnL, slippage, and win
// flag into the strategy's running metrics.
func (a *Attributor) RecordTrade(trade types.Trade, slippageBps decimal.Decimal, now time.Time) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stateFor(trade.StrategyID)
	s.perf.Trades++
	s.perf.RealizedPnLUSD = s.perf.RealizedPnLUSD.Add(trade.RealizedPnLUSD)
	s.perf.TotalPnLUSD = s.perf.RealizedPnLUSD.Add(s.perf.UnrealizedPnLUSD)
	s.cumulativeRealized = s.cumulativeRealized.Add(trade.RealizedPnLUSD)

	if trade.RealizedPnLUSD.IsPositive() {
		s.perf.Wins++
	} else if trade.RealizedPnLUSD.IsNegative() {
		s.perf.Losses++
	}

	notional := trade.Quantity.Mul(trade.Price)
	if notional.IsPositive() {
		s.tradeReturns = append(s.tradeReturns, mustFloat(trade.RealizedPnLUSD.Div(notional)))
	}
	s.slippageSamples = append(s.slippageSamples, mustFloat(slippageBps))
	s.perf.AvgSlippageBps = decimal.NewFromFloat(mean(s.slippageSamples))

	if s.cumulativeRealized.GreaterThan(s.highWaterMark) {
		s.highWaterMark = s.cumulativeRealized
	}
	s.perf.CurrentDrawdown = currentDrawdownPct(s.highWaterMark, s.cumulativeRealized)
	if s.perf.CurrentDrawdown.GreaterThan(s.perf.MaxDrawdownPct) {
		s.perf.MaxDrawdownPct = s.perf.CurrentDrawdown
	}

	if s.perf.Trades >= minTradesForAdvancedMetrics {
		a.recomputeAdvanced(s)
	}
	s.perf.LastUpdated = now

	return a.checkAlerts(s, now)
}

// Snapshot appends the strategy's current cumulative realized PnL to its
// daily ring, trimming to maxDailySnapshots.
func (a *Attributor) Snapshot(strategyID string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stateFor(strategyID)
	s.snapshots = append(s.snapshots, dailySnapshot{timestamp: now, pnl: s.cumulativeRealized})
	if len(s.snapshots) > maxDailySnapshots {
		s.snapshots = s.snapshots[len(s.snapshots)-maxDailySnapshots:]
	}
}

// Performance returns a copy of the strategy's current metrics.
func (a *Attributor) Performance(strategyID string) (types.StrategyPerformance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.strategies[strategyID]
	if !ok {
		return types.StrategyPerformance{}, false
	}
	return s.perf, true
}

// recomputeAdvanced recalculates sharpe/sortino/calmar once the
// strategy has enough trade history, mirroring pnl_tracker.rs's
// calculate_sharpe_ratio / calculate_sortino_ratio_from_returns /
// calmar_ratio derivation but driven by per-trade fractional returns
// rather than daily portfolio snapshots.
func (a *Attributor) recomputeAdvanced(s *strategyState) {
	prevSharpe := s.perf.Sharpe

	returns := s.tradeReturns
	meanReturn := stat.Mean(returns, nil)
	stdDev := stat.StdDev(returns, nil)

	if stdDev > 0 {
		s.perf.Sharpe = decimal.NewFromFloat(meanReturn / stdDev * sqrtAnnualization())
	} else {
		s.perf.Sharpe = decimal.Zero
	}
	s.lastSharpe = prevSharpe

	s.perf.Sortino = decimal.NewFromFloat(sortino(returns, meanReturn))

	if s.perf.MaxDrawdownPct.IsPositive() {
		s.perf.Calmar = s.perf.TotalPnLUSD.Div(s.perf.MaxDrawdownPct)
	} else {
		s.perf.Calmar = decimal.Zero
	}

	s.perf.RiskScore = s.perf.MaxDrawdownPct.Mul(decimal.NewFromFloat(0.5)).
		Add(s.perf.AvgSlippageBps.Mul(decimal.NewFromFloat(0.01)))
	s.perf.AlphaScore = s.perf.Sharpe.Sub(s.perf.RiskScore.Div(decimal.NewFromInt(100)))
}

func sortino(returns []float64, meanReturn float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	downsideVariance := stat.Variance(downside, nil)
	if downsideVariance <= 0 {
		return 0
	}
	return meanReturn / math.Sqrt(downsideVariance) * sqrtAnnualization()
}

func sqrtAnnualization() float64 { return math.Sqrt(annualizationDays) }

// checkAlerts evaluates the strategy's just-updated metrics against
// thresholds and returns any newly fired alerts. Alerts are a side
// effect only; they are never fed back into C3/C5.
func (a *Attributor) checkAlerts(s *strategyState, now time.Time) []Alert {
	var alerts []Alert

	if s.perf.CurrentDrawdown.GreaterThan(a.thresholds.MaxDrawdownPct) {
		alerts = append(alerts, Alert{Type: AlertDrawdownExcess, StrategyID: s.perf.StrategyID, Timestamp: now,
			Detail: "current drawdown " + s.perf.CurrentDrawdown.String() + "% exceeds threshold"})
	}

	if s.perf.Trades >= minTradesForAdvancedMetrics {
		winRate := decimal.NewFromInt(int64(s.perf.Wins)).Div(decimal.NewFromInt(int64(s.perf.Trades))).Mul(decimal.NewFromInt(100))
		if winRate.LessThan(a.thresholds.MinWinRatePct) {
			alerts = append(alerts, Alert{Type: AlertWinRateDrop, StrategyID: s.perf.StrategyID, Timestamp: now,
				Detail: "win rate " + winRate.String() + "% below threshold"})
		}
		if s.perf.AvgSlippageBps.GreaterThan(a.thresholds.MaxAvgSlippageBps) {
			alerts = append(alerts, Alert{Type: AlertSlippageIncrease, StrategyID: s.perf.StrategyID, Timestamp: now,
				Detail: "avg slippage " + s.perf.AvgSlippageBps.String() + "bps exceeds threshold"})
		}
		if s.lastSharpe.Sub(s.perf.Sharpe).GreaterThan(a.thresholds.AlphaDecaySharpeDrop) {
			alerts = append(alerts, Alert{Type: AlertAlphaDecay, StrategyID: s.perf.StrategyID, Timestamp: now,
				Detail: "sharpe dropped below alpha-decay threshold"})
		}
	}
	return alerts
}

func currentDrawdownPct(highWaterMark, current decimal.Decimal) decimal.Decimal {
	if !highWaterMark.IsPositive() {
		return decimal.Zero
	}
	dd := highWaterMark.Sub(current).Div(highWaterMark).Mul(decimal.NewFromInt(100))
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

