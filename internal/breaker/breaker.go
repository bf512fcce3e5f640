// Package breaker implements the circuit breaker layer: a set of named,
// independently armed thresholds over portfolio and strategy health
// metrics, with cascading actions and a global emergency stop consulted
// by the execution pipeline before every submission.
package breaker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Type classifies the metric a BreakerSpec watches.
type Type string

const (
	TypePortfolio           Type = "Portfolio"
	TypeDrawdown            Type = "Drawdown"
	TypeVolatility          Type = "Volatility"
	TypeVaR                 Type = "VaR"
	TypeCorrelation         Type = "Correlation"
	TypeStrategy            Type = "Strategy"
	TypeEmergencyLiquidation Type = "EmergencyLiquidation"
)

// Severity ranks a breaker's response tier.
type Severity string

const (
	SeverityWarning   Severity = "Warning"
	SeverityThrottle  Severity = "Throttle"
	SeverityPause     Severity = "Pause"
	SeverityStop      Severity = "Stop"
	SeverityEmergency Severity = "Emergency"
)

// State is a breaker's position in the Armed/Triggered/Recovery/Disabled
// state machine.
type State string

const (
	StateArmed     State = "Armed"
	StateTriggered State = "Triggered"
	StateRecovery  State = "Recovery"
	StateDisabled  State = "Disabled"
)

// Named cascade actions a breaker can target instead of another breaker.
const (
	ActionEmergencyLiquidation  = "emergency_liquidation"
	ActionAllStrategiesPause    = "all_strategies_pause"
	ActionReducePositionSizes   = "reduce_position_sizes"
	ActionDiversificationNeeded = "diversification_required"
)

var namedActions = map[string]bool{
	ActionEmergencyLiquidation:  true,
	ActionAllStrategiesPause:    true,
	ActionReducePositionSizes:   true,
	ActionDiversificationNeeded: true,
}

const (
	defaultCascadeDelay    = 5 * time.Second
	maxCascadeDepth        = 1
	maxTriggerHistory      = 100
)

// Spec defines one BreakerInstance's configuration.
type Spec struct {
	Name               string
	Type               Type
	Threshold          decimal.Decimal
	Severity           Severity
	Lookback           time.Duration
	RecoveryTime       time.Duration
	MaxTriggersPerHour int
	AutoRecovery       bool
	CascadeTargets     []string
	// StrategyID is required for Type == TypeStrategy; it selects which
	// entry of Metrics.StrategyPnL the breaker reads.
	StrategyID string
}

// Metrics is the observation vector pushed to Update.
type Metrics struct {
	PortfolioValue decimal.Decimal
	DrawdownPct    decimal.Decimal
	VaR95          decimal.Decimal
	Volatility     decimal.Decimal
	Correlation    decimal.Decimal
	StrategyPnL    map[string]decimal.Decimal
}

// Trigger records a single breaker firing.
type Trigger struct {
	BreakerName string
	Type        Type
	Severity    Severity
	Value       decimal.Decimal
	Threshold   decimal.Decimal
	FiredAt     time.Time
}

// Action is a cascade-fired named action the supervisor must carry out
// (pausing strategies, liquidating, etc).
type Action struct {
	Name        string
	FromBreaker string
	FiredAt     time.Time
}

type instance struct {
	spec          Spec
	state         State
	triggerTimes  []time.Time
	history       []Trigger
	recoveryStart time.Time
}

type pendingCascade struct {
	target      string
	fromBreaker string
	executeAt   time.Time
	depth       int
}

// Manager owns every BreakerInstance and the global emergency stop flag.
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	breakers map[string]*instance

	cascadeDelay   time.Duration
	pending        []pendingCascade
	firedActions   []Action
	emergencyStop  bool
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:       logger,
		breakers:     make(map[string]*instance),
		cascadeDelay: defaultCascadeDelay,
	}
}

// Register adds a breaker instance, armed by default. Re-registering an
// existing name replaces its spec but preserves its current state.
func (m *Manager) Register(spec Spec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.breakers[spec.Name]
	state := StateArmed
	if ok {
		state = existing.state
	}
	m.breakers[spec.Name] = &instance{spec: spec, state: state}
}

// DefaultBreakers builds the standard portfolio-drawdown/daily-loss/
// correlation breaker set from a BreakerConfig, grounded on circuit_breaker.rs's
// AdaptiveThresholds tiers.
func DefaultBreakers(cfg types.BreakerConfig) []Spec {
	return []Spec{
		{
			Name: "portfolio_drawdown_warning", Type: TypeDrawdown,
			Threshold: cfg.PortfolioDrawdownWarningPct, Severity: SeverityWarning,
			RecoveryTime: time.Hour, MaxTriggersPerHour: 6, AutoRecovery: true,
		},
		{
			Name: "portfolio_drawdown_halt", Type: TypeDrawdown,
			Threshold: cfg.PortfolioDrawdownHaltPct, Severity: SeverityStop,
			RecoveryTime: 4 * time.Hour, MaxTriggersPerHour: 3, AutoRecovery: true,
			CascadeTargets: []string{ActionAllStrategiesPause},
		},
		{
			Name: "portfolio_drawdown_emergency", Type: TypeDrawdown,
			Threshold: cfg.PortfolioDrawdownEmergencyPct, Severity: SeverityEmergency,
			RecoveryTime: 24 * time.Hour, MaxTriggersPerHour: 1, AutoRecovery: false,
			CascadeTargets: []string{ActionEmergencyLiquidation},
		},
		{
			Name: "daily_loss_warning", Type: TypePortfolio,
			Threshold: cfg.DailyLossWarningPct, Severity: SeverityWarning,
			RecoveryTime: time.Hour, MaxTriggersPerHour: 6, AutoRecovery: true,
		},
		{
			Name: "daily_loss_halt", Type: TypePortfolio,
			Threshold: cfg.DailyLossHaltPct, Severity: SeverityStop,
			RecoveryTime: 4 * time.Hour, MaxTriggersPerHour: 3, AutoRecovery: true,
			CascadeTargets: []string{ActionAllStrategiesPause},
		},
		{
			Name: "correlation_concentration", Type: TypeCorrelation,
			Threshold: cfg.CorrelationConcentrationLimit, Severity: SeverityThrottle,
			RecoveryTime: 2 * time.Hour, MaxTriggersPerHour: 4, AutoRecovery: true,
			CascadeTargets: []string{ActionDiversificationNeeded},
		},
	}
}

// Update pushes the latest metrics through every armed, non-recovering
// breaker and returns the set of newly fired triggers. It also advances
// any breaker currently in Recovery and executes any cascades whose
// delay has elapsed.
func (m *Manager) Update(metrics Metrics, now time.Time) []Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []Trigger
	for name, inst := range m.breakers {
		m.advanceRecoveryLocked(inst, now)
		if trig, ok := m.evaluateLocked(name, inst, metrics, now); ok {
			fired = append(fired, trig)
		}
	}

	m.runDueCascadesLocked(now)
	return fired
}

func (m *Manager) advanceRecoveryLocked(inst *instance, now time.Time) {
	if inst.state != StateRecovery {
		return
	}
	if now.Sub(inst.recoveryStart) >= inst.spec.RecoveryTime {
		inst.state = StateArmed
	}
}

func (m *Manager) evaluateLocked(name string, inst *instance, metrics Metrics, now time.Time) (Trigger, bool) {
	if inst.state != StateArmed {
		return Trigger{}, false
	}
	if m.hourlyTriggerCount(inst, now) >= inst.spec.MaxTriggersPerHour && inst.spec.MaxTriggersPerHour > 0 {
		return Trigger{}, false
	}

	value, ok := metricFor(inst.spec, metrics)
	if !ok || value.LessThan(inst.spec.Threshold) {
		return Trigger{}, false
	}

	trig := Trigger{
		BreakerName: name,
		Type:        inst.spec.Type,
		Severity:    inst.spec.Severity,
		Value:       value,
		Threshold:   inst.spec.Threshold,
		FiredAt:     now,
	}

	inst.state = StateTriggered
	inst.triggerTimes = append(inst.triggerTimes, now)
	inst.history = append(inst.history, trig)
	if len(inst.history) > maxTriggerHistory {
		inst.history = inst.history[len(inst.history)-maxTriggerHistory:]
	}

	if inst.spec.AutoRecovery {
		inst.state = StateRecovery
		inst.recoveryStart = now
	}

	if trig.Severity == SeverityEmergency {
		m.emergencyStop = true
	}

	for _, target := range inst.spec.CascadeTargets {
		m.pending = append(m.pending, pendingCascade{target: target, fromBreaker: name, executeAt: now.Add(m.cascadeDelay), depth: 0})
	}

	m.logger.Warn("circuit breaker fired",
		zap.String("breaker", name),
		zap.String("severity", string(trig.Severity)),
		zap.String("value", value.StringFixed(4)),
		zap.String("threshold", inst.spec.Threshold.StringFixed(4)),
	)
	return trig, true
}

func (m *Manager) hourlyTriggerCount(inst *instance, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, t := range inst.triggerTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func metricFor(spec Spec, metrics Metrics) (decimal.Decimal, bool) {
	switch spec.Type {
	case TypePortfolio:
		return metrics.DrawdownPct, true
	case TypeDrawdown:
		return metrics.DrawdownPct, true
	case TypeVolatility:
		return metrics.Volatility, true
	case TypeVaR:
		return metrics.VaR95.Abs(), true
	case TypeCorrelation:
		return metrics.Correlation, true
	case TypeStrategy:
		pnl, ok := metrics.StrategyPnL[spec.StrategyID]
		if !ok {
			return decimal.Zero, false
		}
		return pnl.Abs(), true
	default:
		return decimal.Zero, false
	}
}

// runDueCascadesLocked executes every pending cascade whose delay has
// elapsed: a named action is recorded for the supervisor to drain, a
// breaker target is evaluated directly (forced fire) one recursion level
// deep only.
func (m *Manager) runDueCascadesLocked(now time.Time) {
	var remaining []pendingCascade
	for _, c := range m.pending {
		if now.Before(c.executeAt) {
			remaining = append(remaining, c)
			continue
		}
		m.executeCascadeLocked(c, now)
	}
	m.pending = remaining
}

func (m *Manager) executeCascadeLocked(c pendingCascade, now time.Time) {
	if namedActions[c.target] {
		m.firedActions = append(m.firedActions, Action{Name: c.target, FromBreaker: c.fromBreaker, FiredAt: now})
		if c.target == ActionEmergencyLiquidation {
			m.emergencyStop = true
		}
		return
	}

	target, ok := m.breakers[c.target]
	if !ok || c.depth >= maxCascadeDepth {
		return
	}
	if target.state != StateArmed {
		return
	}

	target.state = StateTriggered
	target.triggerTimes = append(target.triggerTimes, now)
	trig := Trigger{BreakerName: c.target, Type: target.spec.Type, Severity: target.spec.Severity, FiredAt: now}
	target.history = append(target.history, trig)
	if target.spec.AutoRecovery {
		target.state = StateRecovery
		target.recoveryStart = now
	}
	if target.spec.Severity == SeverityEmergency {
		m.emergencyStop = true
	}
	for _, next := range target.spec.CascadeTargets {
		m.pending = append(m.pending, pendingCascade{target: next, fromBreaker: c.target, executeAt: now.Add(m.cascadeDelay), depth: c.depth + 1})
	}
}

// DrainActions returns and clears the cascade actions fired since the
// last call, for the supervisor to act on.
func (m *Manager) DrainActions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := m.firedActions
	m.firedActions = nil
	return actions
}

// IsTradingAllowed is the read-only view every other component consults
// before submission: false once the global emergency stop is set, or any
// breaker with Severity Stop or Emergency is currently Triggered.
func (m *Manager) IsTradingAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emergencyStop {
		return false
	}
	for _, inst := range m.breakers {
		if inst.state == StateTriggered && (inst.spec.Severity == SeverityStop || inst.spec.Severity == SeverityEmergency) {
			return false
		}
	}
	return true
}

// EmergencyStop reports the global emergency flag directly.
func (m *Manager) EmergencyStop() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop
}

// ClearEmergencyStop resets the global flag; only an operator command
// should call this.
func (m *Manager) ClearEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = false
}

// TriggerEmergencyStop sets the global flag directly, for the operator
// manual kill switch rather than an evaluated breaker cascade.
func (m *Manager) TriggerEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = true
}

// Disable forces a breaker into Disabled state (operator only).
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.breakers[name]; ok {
		inst.state = StateDisabled
	}
}

// Enable re-arms a Disabled breaker (operator only).
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.breakers[name]; ok && inst.state == StateDisabled {
		inst.state = StateArmed
	}
}

// StatusEntry summarizes one breaker for the operator API.
type StatusEntry struct {
	Name     string
	Type     Type
	Severity Severity
	State    State
	History  []Trigger
}

// Status returns a snapshot of every registered breaker.
func (m *Manager) Status() []StatusEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatusEntry, 0, len(m.breakers))
	for name, inst := range m.breakers {
		history := make([]Trigger, len(inst.history))
		copy(history, inst.history)
		out = append(out, StatusEntry{Name: name, Type: inst.spec.Type, Severity: inst.spec.Severity, State: inst.state, History: history})
	}
	return out
}
