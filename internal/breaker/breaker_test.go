package breaker_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/breaker"
)

func TestBreakerFiresAndEntersRecoveryWhenAutoRecoveryEnabled(t *testing.T) {
	m := breaker.NewManager(zap.NewNop())
	m.Register(breaker.Spec{
		Name: "portfolio_drawdown_halt", Type: breaker.TypeDrawdown,
		Threshold: decimal.NewFromFloat(0.05), Severity: breaker.SeverityStop,
		RecoveryTime: time.Minute, MaxTriggersPerHour: 3, AutoRecovery: true,
	})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fired := m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.02)}, now)
	assert.Empty(t, fired)

	fired = m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.06)}, now)
	require.Len(t, fired, 1)
	assert.Equal(t, breaker.SeverityStop, fired[0].Severity)

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, breaker.StateRecovery, status[0].State)

	// A second breach while in Recovery does not fire again.
	fired = m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.07)}, now.Add(10*time.Second))
	assert.Empty(t, fired)

	// After recovery_time elapses the breaker re-arms.
	m.Update(breaker.Metrics{DrawdownPct: decimal.Zero}, now.Add(2*time.Minute))
	status = m.Status()
	assert.Equal(t, breaker.StateArmed, status[0].State)
}

func TestCascadeToAllStrategiesPauseFiresAfterDelay(t *testing.T) {
	m := breaker.NewManager(zap.NewNop())
	m.Register(breaker.Spec{
		Name: "portfolio_loss_25pct", Type: breaker.TypeDrawdown,
		Threshold: decimal.NewFromFloat(0.25), Severity: breaker.SeverityStop,
		RecoveryTime: time.Hour, MaxTriggersPerHour: 3, AutoRecovery: true,
		CascadeTargets: []string{breaker.ActionAllStrategiesPause},
	})
	m.Register(breaker.Spec{
		Name: "portfolio_loss_40pct", Type: breaker.TypeDrawdown,
		Threshold: decimal.NewFromFloat(0.40), Severity: breaker.SeverityEmergency,
		RecoveryTime: 24 * time.Hour, MaxTriggersPerHour: 1, AutoRecovery: false,
	})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fired := m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.30)}, now)
	require.Len(t, fired, 1)
	assert.Equal(t, breaker.SeverityStop, fired[0].Severity)
	assert.False(t, m.EmergencyStop())
	assert.Empty(t, m.DrainActions()) // cascade not due yet

	m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.30)}, now.Add(6*time.Second))
	actions := m.DrainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, breaker.ActionAllStrategiesPause, actions[0].Name)

	fired = m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.45)}, now.Add(7*time.Second))
	require.Len(t, fired, 1)
	assert.Equal(t, breaker.SeverityEmergency, fired[0].Severity)
	assert.True(t, m.EmergencyStop())
	assert.False(t, m.IsTradingAllowed())
}

func TestMaxTriggersPerHourSuppressesRepeatedFires(t *testing.T) {
	m := breaker.NewManager(zap.NewNop())
	m.Register(breaker.Spec{
		Name: "daily_loss_warning", Type: breaker.TypePortfolio,
		Threshold: decimal.NewFromFloat(0.02), Severity: breaker.SeverityWarning,
		RecoveryTime: 0, MaxTriggersPerHour: 1, AutoRecovery: true,
	})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fired := m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.03)}, now)
	require.Len(t, fired, 1)

	// RecoveryTime 0 re-arms the breaker on the next Update, so only the
	// hourly cap keeps it from firing again.
	fired = m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.03)}, now.Add(time.Minute))
	assert.Empty(t, fired)
}

func TestDisableAndEnableOverrideArmedState(t *testing.T) {
	m := breaker.NewManager(zap.NewNop())
	m.Register(breaker.Spec{
		Name: "portfolio_drawdown_warning", Type: breaker.TypeDrawdown,
		Threshold: decimal.NewFromFloat(0.03), Severity: breaker.SeverityWarning,
	})

	m.Disable("portfolio_drawdown_warning")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fired := m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.10)}, now)
	assert.Empty(t, fired)

	m.Enable("portfolio_drawdown_warning")
	fired = m.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.10)}, now)
	assert.Len(t, fired, 1)
}
