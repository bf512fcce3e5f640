// Package persistence defines the narrow storage boundary the control
// plane writes through: trades, risk events, strategy performance
// snapshots, and capital allocations. spec.md scopes the actual store
// out of the core; this package is the interface plus an in-memory
// mock suitable for tests and for running without a database.
package persistence

import (
	"context"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Store is the narrow persistence boundary. A SQL-backed implementation
// satisfies the same interface; nothing upstream depends on the
// storage technology.
type Store interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
	SaveRiskEvent(ctx context.Context, event types.RiskEvent) error
	SaveStrategyPerformance(ctx context.Context, perf types.StrategyPerformance) error
	SaveCapitalAllocation(ctx context.Context, allocation types.CapitalAllocation) error
	GetRecentTrades(ctx context.Context, strategyID string, limit int) ([]types.Trade, error)
}

// MemoryStore is an in-memory Store, the default when no database is
// configured. Trades are kept per strategy, newest last.
type MemoryStore struct {
	mu           sync.RWMutex
	trades       map[string][]types.Trade
	riskEvents   []types.RiskEvent
	performance  map[string]types.StrategyPerformance
	allocations  []types.CapitalAllocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:      make(map[string][]types.Trade),
		performance: make(map[string]types.StrategyPerformance),
	}
}

func (m *MemoryStore) SaveTrade(_ context.Context, trade types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.StrategyID] = append(m.trades[trade.StrategyID], trade)
	return nil
}

func (m *MemoryStore) SaveRiskEvent(_ context.Context, event types.RiskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskEvents = append(m.riskEvents, event)
	return nil
}

func (m *MemoryStore) SaveStrategyPerformance(_ context.Context, perf types.StrategyPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance[perf.StrategyID] = perf
	return nil
}

func (m *MemoryStore) SaveCapitalAllocation(_ context.Context, allocation types.CapitalAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = append(m.allocations, allocation)
	return nil
}

// GetRecentTrades returns up to limit trades for strategyID, most
// recent first.
func (m *MemoryStore) GetRecentTrades(_ context.Context, strategyID string, limit int) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.trades[strategyID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]types.Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out, nil
}

// RiskEvents returns a copy of every risk event recorded so far, for
// operator inspection (not part of the narrow Store contract).
func (m *MemoryStore) RiskEvents() []types.RiskEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RiskEvent, len(m.riskEvents))
	copy(out, m.riskEvents)
	return out
}

// Allocations returns a copy of every capital allocation recorded so
// far, for operator inspection.
func (m *MemoryStore) Allocations() []types.CapitalAllocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.CapitalAllocation, len(m.allocations))
	copy(out, m.allocations)
	return out
}
