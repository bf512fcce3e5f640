// Package risk implements the per-trade risk gate: a single synchronous
// check that every candidate trade must clear before it reaches execution,
// and the position/exposure bookkeeping that check depends on.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Decision is the outcome of evaluating a candidate trade.
type Decision struct {
	Allowed bool
	Event   types.RiskEvent
}

func allow() Decision { return Decision{Allowed: true} }

func reject(eventType types.RiskEventType, severity types.RiskSeverity, strategyID, description string) Decision {
	return Decision{
		Event: types.RiskEvent{
			EventType:   eventType,
			Severity:    severity,
			Description: description,
			StrategyID:  strategyID,
		},
	}
}

// Manager is the single gate a candidate Trade passes through before
// submission, and the sole owner of position/strategy exposure counters
// used by that gate. The Position Book remains the authoritative record
// of open positions; Manager's position_sizes map is a risk-facing mirror
// kept in sync by UpdatePosition, not a second source of truth.
type Manager struct {
	mu     sync.RWMutex
	logger *zap.Logger
	limits types.RiskLimitsConfig

	dailyPnL          decimal.Decimal
	positionSizes     map[string]decimal.Decimal // symbol -> signed USD exposure
	strategyExposure  map[string]decimal.Decimal // strategy_id -> signed USD exposure
	rejectionCounters map[string]map[string]int  // strategy_id -> reason -> count
}

func NewManager(limits types.RiskLimitsConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger:            logger,
		limits:            limits,
		positionSizes:     make(map[string]decimal.Decimal),
		strategyExposure:  make(map[string]decimal.Decimal),
		rejectionCounters: make(map[string]map[string]int),
	}
}

// maxStrategyExposureUSD mirrors the original's max_strategy_exposure_usd:
// the portfolio cap scaled by the per-strategy allocation percentage.
func (m *Manager) maxStrategyExposureUSD() decimal.Decimal {
	limit := m.limits.MaxPortfolioUSD.Mul(m.limits.MaxStrategyAllocPct).Div(decimal.NewFromInt(100))
	if limit.IsNegative() {
		return decimal.Zero
	}
	return limit
}

// EvaluateTrade runs the four ordered checks against a candidate trade and
// returns the first failing one, or Allow if all pass. It does not change
// positions, exposure or daily PnL (a rejection only increments the
// per-strategy rejection counters); callers must call UpdatePosition
// separately after the trade's side effect (submission) has actually
// succeeded.
func (m *Manager) EvaluateTrade(trade types.Trade) Decision {
	m.mu.RLock()
	dailyPnL := m.dailyPnL
	existingPosition := m.positionSizes[trade.Symbol]
	var currentTotalAbs decimal.Decimal
	for symbol, exposure := range m.positionSizes {
		if symbol == trade.Symbol {
			continue
		}
		currentTotalAbs = currentTotalAbs.Add(exposure.Abs())
	}
	strategyCurrent := m.strategyExposure[trade.StrategyID]
	m.mu.RUnlock()

	if dailyPnL.LessThanOrEqual(m.limits.MaxDailyLossUSD.Neg()) {
		description := fmt.Sprintf("Daily loss limit breached: %s <= -%s", dailyPnL.StringFixed(2), m.limits.MaxDailyLossUSD.StringFixed(2))
		m.recordRejection(trade.StrategyID, types.EventDailyLossLimit, description)
		return reject(types.EventDailyLossLimit, types.SeverityHigh, trade.StrategyID, description)
	}

	signedNotional := trade.SignedNotional()

	proposedPosition := existingPosition.Add(signedNotional)
	if proposedPosition.Abs().GreaterThan(m.limits.MaxPositionUSD) {
		description := fmt.Sprintf("Proposed position %s USD exceeds per-position limit %s", proposedPosition.StringFixed(2), m.limits.MaxPositionUSD.StringFixed(2))
		m.recordRejection(trade.StrategyID, types.EventPositionSizeExceeded, description)
		return reject(types.EventPositionSizeExceeded, types.SeverityHigh, trade.StrategyID, description)
	}

	proposedTotalAbs := currentTotalAbs.Add(proposedPosition.Abs())
	if proposedTotalAbs.GreaterThan(m.limits.MaxPortfolioUSD) {
		description := fmt.Sprintf("Portfolio exposure %s USD would exceed cap %s", proposedTotalAbs.StringFixed(2), m.limits.MaxPortfolioUSD.StringFixed(2))
		m.recordRejection(trade.StrategyID, types.EventPortfolioExposure, description)
		return reject(types.EventPortfolioExposure, types.SeverityMedium, trade.StrategyID, description)
	}

	proposedStrategyExposure := strategyCurrent.Add(signedNotional).Abs()
	strategyCap := m.maxStrategyExposureUSD()
	if strategyCap.IsPositive() && proposedStrategyExposure.GreaterThan(strategyCap) {
		description := fmt.Sprintf("Strategy %s exposure %s USD exceeds %s cap", trade.StrategyID, proposedStrategyExposure.StringFixed(2), strategyCap.StringFixed(2))
		// Event type tracks the original executor's own RiskEvent labeling for
		// this check (it reuses PortfolioExposure rather than a distinct
		// allocation-specific type); kept for behavioral parity.
		m.recordRejection(trade.StrategyID, types.EventPortfolioExposure, description)
		return reject(types.EventPortfolioExposure, types.SeverityMedium, trade.StrategyID, description)
	}

	utilization := decimal.Zero
	if m.limits.MaxPortfolioUSD.IsPositive() {
		utilization = proposedTotalAbs.Div(m.limits.MaxPortfolioUSD)
	}
	if utilization.GreaterThan(decimal.NewFromFloat(0.9)) {
		m.logger.Warn("portfolio utilization above 90% pre-trade",
			zap.String("strategy", trade.StrategyID),
			zap.String("symbol", trade.Symbol),
			zap.String("utilization_pct", utilization.Mul(decimal.NewFromInt(100)).StringFixed(2)),
		)
	}

	return allow()
}

// UpdatePosition commits a trade's effect on the risk-facing position and
// strategy exposure mirrors. It must be called only after the trade's
// submission has actually succeeded, so that a subsequent EvaluateTrade
// reflects exclusively committed state (the two-phase commit pattern).
func (m *Manager) UpdatePosition(trade types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	signedNotional := trade.SignedNotional()

	entry := m.positionSizes[trade.Symbol].Add(signedNotional)
	if entry.Abs().LessThan(types.PositionEpsilon) {
		delete(m.positionSizes, trade.Symbol)
	} else {
		m.positionSizes[trade.Symbol] = entry
	}

	strategyEntry := m.strategyExposure[trade.StrategyID].Add(signedNotional)
	if strategyEntry.Abs().LessThan(types.PositionEpsilon) {
		delete(m.strategyExposure, trade.StrategyID)
	} else {
		m.strategyExposure[trade.StrategyID] = strategyEntry
	}

	m.logger.Debug("position book updated",
		zap.String("strategy", trade.StrategyID),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.String("notional_usd", trade.Value().StringFixed(2)),
	)
}

// UpdateDailyPnL adjusts the running daily PnL counter and logs a warning
// at 80% and 100% of the daily loss limit.
func (m *Manager) UpdateDailyPnL(change decimal.Decimal) {
	m.mu.Lock()
	m.dailyPnL = m.dailyPnL.Add(change)
	current := m.dailyPnL
	m.mu.Unlock()

	maxLoss := m.limits.MaxDailyLossUSD
	warningThreshold := maxLoss.Neg().Mul(decimal.NewFromFloat(0.8))

	switch {
	case current.LessThanOrEqual(maxLoss.Neg()):
		m.logger.Warn("daily loss limit breached",
			zap.String("current_daily", current.StringFixed(2)),
			zap.String("max_loss", maxLoss.Neg().StringFixed(2)),
		)
	case current.LessThanOrEqual(warningThreshold):
		m.logger.Warn("daily loss limit approaching",
			zap.String("current_daily", current.StringFixed(2)),
			zap.String("max_loss", maxLoss.Neg().StringFixed(2)),
		)
	}
}

// ResetDailyMetrics zeroes the daily PnL counter. Called by the supervisor's
// daily-roll cron job at UTC midnight.
func (m *Manager) ResetDailyMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = decimal.Zero
}

func (m *Manager) recordRejection(strategyID string, eventType types.RiskEventType, description string) {
	reason := string(eventType)

	m.mu.Lock()
	strategyEntry, ok := m.rejectionCounters[strategyID]
	if !ok {
		strategyEntry = make(map[string]int)
		m.rejectionCounters[strategyID] = strategyEntry
	}
	strategyEntry[reason]++
	m.mu.Unlock()

	m.logger.Warn("trade rejected",
		zap.String("strategy", strategyID),
		zap.String("event", reason),
		zap.String("description", description),
	)
}

// PositionSnapshot returns a copy of the risk-facing position mirror.
func (m *Manager) PositionSnapshot() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(m.positionSizes))
	for k, v := range m.positionSizes {
		out[k] = v
	}
	return out
}

// StrategyExposureSnapshot returns a copy of the per-strategy exposure map.
func (m *Manager) StrategyExposureSnapshot() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(m.strategyExposure))
	for k, v := range m.strategyExposure {
		out[k] = v
	}
	return out
}

// RejectionSnapshot returns a copy of the per-(strategy,reason) rejection
// counters.
func (m *Manager) RejectionSnapshot() map[string]map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]int, len(m.rejectionCounters))
	for strategyID, reasons := range m.rejectionCounters {
		inner := make(map[string]int, len(reasons))
		for reason, count := range reasons {
			inner[reason] = count
		}
		out[strategyID] = inner
	}
	return out
}

// DailyPnL returns the current running daily PnL.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL
}

// Limits returns the configured risk limits.
func (m *Manager) Limits() types.RiskLimitsConfig {
	return m.limits
}
