// Package correlation tracks pairwise return correlation between
// strategies and derives the size multipliers C10 applies before a
// candidate trade reaches the risk gate.
package correlation

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// sizeMultiplier maps a cluster's risk level to the factor C10 applies to
// a member strategy's order size before it reaches the risk gate.
var sizeMultiplier = map[types.ClusterRiskLevel]decimal.Decimal{
	types.ClusterRiskLow:      decimal.NewFromFloat(1.0),
	types.ClusterRiskMedium:   decimal.NewFromFloat(0.9),
	types.ClusterRiskHigh:     decimal.NewFromFloat(0.7),
	types.ClusterRiskCritical: decimal.NewFromFloat(0.5),
}

const highCorrelationFanoutMultiplier = 0.8

// strategyReturn is one completed trade's return, attributed to the
// strategy that produced it.
type strategyReturn struct {
	timestamp time.Time
	returnPct float64
}

// Manager maintains a rolling window of per-strategy returns, the
// pairwise Pearson correlation matrix derived from them, and the
// resulting clusters and size multipliers.
type Manager struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config types.CorrelationConfig

	returns     map[string][]strategyReturn
	matrix      map[[2]string]float64
	clusters    []types.CorrelationCluster
	adjustments map[string]decimal.Decimal

	lastCalculation time.Time
}

func NewManager(config types.CorrelationConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger,
		config:      config,
		returns:     make(map[string][]strategyReturn),
		matrix:      make(map[[2]string]float64),
		adjustments: make(map[string]decimal.Decimal),
	}
}

// RecordReturn appends a strategy's latest trade return and trims the
// window to the configured lookback.
func (m *Manager) RecordReturn(strategyID string, returnPct decimal.Decimal, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := append(m.returns[strategyID], strategyReturn{timestamp: at, returnPct: returnPct.InexactFloat64()})
	cutoff := at.AddDate(0, 0, -m.config.LookbackDays)
	trimmed := series[:0]
	for _, r := range series {
		if r.timestamp.After(cutoff) {
			trimmed = append(trimmed, r)
		}
	}
	m.returns[strategyID] = trimmed
}

// ShouldRecalculate reports whether the configured recompute cadence has
// elapsed since the last Recalculate call.
func (m *Manager) ShouldRecalculate(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return now.Sub(m.lastCalculation) >= m.config.CalculationFrequency
}

// Recalculate recomputes the pairwise correlation matrix, re-derives
// clusters, and returns any CorrelationAlerts raised by the pass. It is
// the Go equivalent of the original's calculate_correlations.
func (m *Manager) Recalculate(now time.Time) []types.CorrelationAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var alerts []types.CorrelationAlert
	m.matrix = make(map[[2]string]float64)

	ids := make([]string, 0, len(m.returns))
	for id := range m.returns {
		ids = append(ids, id)
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			corr, ok := m.pairwiseCorrelation(ids[i], ids[j])
			if !ok {
				continue
			}
			m.matrix[[2]string{ids[i], ids[j]}] = corr
			m.matrix[[2]string{ids[j], ids[i]}] = corr

			threshold := m.config.HighCorrelationThresh.InexactFloat64()
			if absF(corr) > threshold {
				alerts = append(alerts, m.highCorrelationAlert(ids[i], ids[j], corr, now))
			}
		}
	}

	m.identifyClusters()
	m.lastCalculation = now
	m.logger.Info("recalculated strategy correlations",
		zap.Int("pairs", len(m.matrix)/2),
		zap.Int("clusters", len(m.clusters)),
		zap.Int("alerts", len(alerts)),
	)
	return alerts
}

// pairwiseCorrelation requires at least 10 returns per strategy and at
// least 5 aligned samples, mirroring the original's data sufficiency
// gate, then delegates to gonum's Pearson implementation.
func (m *Manager) pairwiseCorrelation(a, b string) (float64, bool) {
	ra, rb := m.returns[a], m.returns[b]
	if len(ra) < 10 || len(rb) < 10 {
		return 0, false
	}

	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < 5 {
		return 0, false
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = ra[len(ra)-n+i].returnPct
		ys[i] = rb[len(rb)-n+i].returnPct
	}

	return stat.Correlation(xs, ys, nil), true
}

func (m *Manager) highCorrelationAlert(a, b string, corr float64, now time.Time) types.CorrelationAlert {
	severity := types.SeverityLow
	switch {
	case absF(corr) > 0.9:
		severity = types.SeverityCritical
	case absF(corr) > 0.8:
		severity = types.SeverityHigh
	}
	return types.CorrelationAlert{
		AlertType:   types.AlertHighCorrelation,
		StrategyIDs: []string{a, b},
		Correlation: decimal.NewFromFloat(corr),
		Severity:    severity,
		Timestamp:   now,
	}
}

// identifyClusters groups strategies whose pairwise |correlation| exceeds
// the configured threshold, using the same single-pass greedy assignment
// as the original (a strategy belongs to at most one cluster).
func (m *Manager) identifyClusters() {
	ids := make([]string, 0, len(m.returns))
	for id := range m.returns {
		ids = append(ids, id)
	}

	assigned := make(map[string]bool, len(ids))
	var clusters []types.CorrelationCluster
	clusterNum := 1
	threshold := m.config.HighCorrelationThresh.InexactFloat64()

	for i, id := range ids {
		if assigned[id] {
			continue
		}
		members := []string{id}
		assigned[id] = true

		for j := i + 1; j < len(ids); j++ {
			other := ids[j]
			if assigned[other] {
				continue
			}
			if corr, ok := m.matrix[[2]string{id, other}]; ok && absF(corr) > threshold {
				members = append(members, other)
				assigned[other] = true
			}
		}

		if len(members) > 1 {
			clusters = append(clusters, types.CorrelationCluster{
				ClusterID:      fmt.Sprintf("cluster_%d", clusterNum),
				StrategyIDs:    members,
				AvgCorrelation: decimal.NewFromFloat(m.clusterAvgCorrelation(members)),
				RiskLevel:      types.ClusterRiskLow,
			})
			clusterNum++
		}
	}
	m.clusters = clusters
}

func (m *Manager) clusterAvgCorrelation(members []string) float64 {
	var total float64
	var pairs int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if corr, ok := m.matrix[[2]string{members[i], members[j]}]; ok {
				total += absF(corr)
				pairs++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// UpdateClusterAllocations folds in the latest per-strategy weights
// published by the allocator, classifies each cluster's risk level by
// total allocation share, and returns any ClusterOverallocation alerts.
func (m *Manager) UpdateClusterAllocations(weights map[string]decimal.Decimal, now time.Time) []types.CorrelationAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var alerts []types.CorrelationAlert
	for i := range m.clusters {
		cluster := &m.clusters[i]
		total := decimal.Zero
		for _, id := range cluster.StrategyIDs {
			total = total.Add(weights[id])
		}
		cluster.TotalAllocation = total
		cluster.RiskLevel = classifyRiskLevel(total, m.config.MaxClusterAllocation)

		if cluster.RiskLevel == types.ClusterRiskHigh || cluster.RiskLevel == types.ClusterRiskCritical {
			severity := types.SeverityHigh
			if cluster.RiskLevel == types.ClusterRiskCritical {
				severity = types.SeverityCritical
			}
			alerts = append(alerts, types.CorrelationAlert{
				AlertType:   types.AlertClusterOverallocated,
				StrategyIDs: cluster.StrategyIDs,
				Correlation: cluster.AvgCorrelation,
				Severity:    severity,
				Timestamp:   now,
			})
		}
	}

	m.recalculateAdjustments()
	return alerts
}

func classifyRiskLevel(totalAllocation, maxClusterAllocation decimal.Decimal) types.ClusterRiskLevel {
	switch {
	case totalAllocation.GreaterThan(decimal.NewFromFloat(0.5)):
		return types.ClusterRiskCritical
	case totalAllocation.GreaterThan(maxClusterAllocation):
		return types.ClusterRiskHigh
	case totalAllocation.GreaterThan(decimal.NewFromFloat(0.3)):
		return types.ClusterRiskMedium
	default:
		return types.ClusterRiskLow
	}
}

// recalculateAdjustments derives the per-strategy size multiplier: the
// member cluster's risk-level multiplier, further reduced by 0.8x if the
// strategy has more than 2 pairwise correlations above threshold.
func (m *Manager) recalculateAdjustments() {
	m.adjustments = make(map[string]decimal.Decimal)
	threshold := m.config.HighCorrelationThresh.InexactFloat64()

	for strategyID := range m.returns {
		factor := decimal.NewFromFloat(1.0)
		for _, cluster := range m.clusters {
			if containsString(cluster.StrategyIDs, strategyID) {
				factor = sizeMultiplier[cluster.RiskLevel]
				break
			}
		}

		highCorrCount := 0
		for pair, corr := range m.matrix {
			if pair[0] == strategyID && absF(corr) > threshold {
				highCorrCount++
			}
		}
		if highCorrCount > 2 {
			factor = factor.Mul(decimal.NewFromFloat(highCorrelationFanoutMultiplier))
		}

		m.adjustments[strategyID] = factor
	}
}

// SizeMultiplier returns the current size multiplier for a strategy,
// defaulting to 1.0 when no adjustment has been computed for it.
func (m *Manager) SizeMultiplier(strategyID string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if adj, ok := m.adjustments[strategyID]; ok {
		return adj
	}
	return decimal.NewFromFloat(1.0)
}

// Correlation returns the last computed correlation between two
// strategies, if any.
func (m *Manager) Correlation(a, b string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	corr, ok := m.matrix[[2]string{a, b}]
	return decimal.NewFromFloat(corr), ok
}

// Clusters returns a copy of the current correlation clusters.
func (m *Manager) Clusters() []types.CorrelationCluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.CorrelationCluster, len(m.clusters))
	copy(out, m.clusters)
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
