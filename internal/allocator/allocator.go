// Package allocator implements the portfolio allocator: it turns a
// stream of per-strategy backtest summaries into normalized capital
// weights, optionally boosted by detected market regime and penalized
// by correlation exposure.
package allocator

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Regime is the detected market regime, used only when UseRegimeAware
// is enabled.
type Regime string

const (
	RegimeTrending  Regime = "Trending"
	RegimeRanging   Regime = "Ranging"
	RegimeVolatile  Regime = "Volatile"
	RegimeDiscovery Regime = "Discovery"
)

// regimeBonus mirrors portfolio_allocator.rs's calculate_regime_bonus
// table: momentum-style strategies get a boost while trending, mean
// reversion while ranging.
var regimeBonus = map[Regime]map[string]decimal.Decimal{
	RegimeTrending: {"momentum_5m": decimal.NewFromFloat(0.25), "perp_basis_arb": decimal.NewFromFloat(0.1)},
	RegimeRanging:  {"mean_revert_1h": decimal.NewFromFloat(0.25)},
}

// Regime classification window and thresholds. A token's regime is read
// off the rolling mean and stddev of its recent price returns: a
// consistently one-sided mean signals a trend (the kind of move
// momentum strategies are built for), a wide spread with no consistent
// sign signals turbulence best left to strategies sized for it, and
// anything quieter than that is range-bound chop. Below
// regimeMinSamples there isn't enough history to trust either moment,
// so new or newly-resumed tokens start in Discovery.
const (
	regimeWindow         = 50
	regimeMinSamples     = 10
	regimeTrendThreshold = 0.004
	regimeVolThreshold   = 0.03
)

// RegimeClassifier buckets a rolling window of per-token price returns
// into one of the four allocator regimes. It replaces a dedicated
// detector package with the minimum statistic the allocator actually
// consumes: mean and stddev of recent returns, not a full hidden-state
// model, since nothing downstream of SetRegime needs more than the
// bucket.
type RegimeClassifier struct {
	mu      sync.Mutex
	returns []float64
}

// NewRegimeClassifier returns a classifier with an empty return window.
func NewRegimeClassifier() *RegimeClassifier {
	return &RegimeClassifier{returns: make([]float64, 0, regimeWindow)}
}

// AddReturn records one fractional price return (e.g. 0.02 for +2%),
// evicting the oldest sample once the window fills.
func (c *RegimeClassifier) AddReturn(ret float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returns = append(c.returns, ret)
	if len(c.returns) > regimeWindow {
		c.returns = c.returns[len(c.returns)-regimeWindow:]
	}
}

// Classify returns the regime implied by the current return window.
func (c *RegimeClassifier) Classify() Regime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.returns) < regimeMinSamples {
		return RegimeDiscovery
	}
	mean := meanReturn(c.returns)
	vol := stddevReturn(c.returns, mean)
	switch {
	case vol > regimeVolThreshold:
		return RegimeVolatile
	case mean > regimeTrendThreshold || mean < -regimeTrendThreshold:
		return RegimeTrending
	default:
		return RegimeRanging
	}
}

func meanReturn(returns []float64) float64 {
	var sum float64
	for _, r := range returns {
		sum += r
	}
	return sum / float64(len(returns))
}

func stddevReturn(returns []float64, mean float64) float64 {
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(returns)))
}

// CorrelationPenalizer supplies C4's per-strategy size multiplier,
// reused here as a correlation penalty on allocation weight.
type CorrelationPenalizer interface {
	SizeMultiplier(strategyID string) decimal.Decimal
}

// EventPublisher persists a RiskEvent as a side effect.
type EventPublisher interface {
	PublishRiskEvent(event types.RiskEvent)
}

// Allocator consumes BacktestSummary records and republishes normalized
// StrategyAllocation weights.
type Allocator struct {
	logger      *zap.Logger
	bus         *bus.Bus
	config      types.AllocatorConfig
	correlation CorrelationPenalizer

	sharpe map[string]decimal.Decimal
	regime Regime
}

func NewAllocator(logger *zap.Logger, eventBus *bus.Bus, config types.AllocatorConfig, correlation CorrelationPenalizer) *Allocator {
	return &Allocator{
		logger:      logger.Named("allocator"),
		bus:         eventBus,
		config:      config,
		correlation: correlation,
		sharpe:      make(map[string]decimal.Decimal),
		regime:      RegimeDiscovery,
	}
}

// Ingest records the latest sharpe for strategy_id, replacing any prior
// value, per spec.md's rolling-weight rule.
func (a *Allocator) Ingest(summary types.BacktestSummary) {
	sharpe := summary.SharpeRatio
	if sharpe.IsNegative() {
		sharpe = decimal.Zero
	}
	a.sharpe[summary.StrategyID] = sharpe
}

// SetRegime updates the detected market regime consulted by Rebalance
// when UseRegimeAware is set.
func (a *Allocator) SetRegime(regime Regime) {
	a.regime = regime
}

// Rebalance recomputes weights from the current sharpe map, applies
// regime bonuses and correlation penalties when enabled, normalizes to
// sum to 1 (or equal weight if the raw sum is ~0), clamps to
// [MinSingleAllocation, MaxSingleAllocation], renormalizes after
// clamping, and publishes exactly one StrategyAllocation batch to the
// allocations stream.
func (a *Allocator) Rebalance(ctx context.Context) ([]types.StrategyAllocation, error) {
	if len(a.sharpe) == 0 {
		return nil, nil
	}

	raw := make(map[string]decimal.Decimal, len(a.sharpe))
	var sum decimal.Decimal
	for strategyID, sharpe := range a.sharpe {
		weight := sharpe
		if a.config.UseRegimeAware {
			if bonus, ok := regimeBonus[a.regime][strategyID]; ok {
				weight = weight.Mul(decimal.NewFromInt(1).Add(bonus))
			}
			if a.correlation != nil {
				weight = weight.Mul(a.correlation.SizeMultiplier(strategyID))
			}
		}
		raw[strategyID] = weight
		sum = sum.Add(weight)
	}

	weights := normalize(raw, sum)
	if a.config.UseRegimeAware {
		weights = clampAndRenormalize(weights, a.config.MinSingleAllocation, a.config.MaxSingleAllocation)
	}

	allocations := make([]types.StrategyAllocation, 0, len(weights))
	for strategyID, weight := range weights {
		allocations = append(allocations, types.StrategyAllocation{
			StrategyID: strategyID,
			Weight:     weight,
			Sharpe:     a.sharpe[strategyID],
			Mode:       types.ModeLive,
		})
	}

	if err := a.publish(ctx, allocations); err != nil {
		return nil, err
	}
	return allocations, nil
}

// normalize divides every weight by sum, falling back to equal weight
// across all known strategies when sum is approximately zero.
func normalize(raw map[string]decimal.Decimal, sum decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(raw))
	epsilon := decimal.NewFromFloat(1e-9)
	if sum.Abs().LessThan(epsilon) {
		equal := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(raw))))
		for strategyID := range raw {
			out[strategyID] = equal
		}
		return out
	}
	for strategyID, weight := range raw {
		out[strategyID] = weight.Div(sum)
	}
	return out
}

// clampAndRenormalize enforces per-strategy min/max bounds and scales
// the remainder proportionally so weights still sum to 1.
func clampAndRenormalize(weights map[string]decimal.Decimal, min, max decimal.Decimal) map[string]decimal.Decimal {
	clamped := make(map[string]decimal.Decimal, len(weights))
	var total decimal.Decimal
	for strategyID, weight := range weights {
		w := weight
		if w.LessThan(min) {
			w = min
		}
		if w.GreaterThan(max) {
			w = max
		}
		clamped[strategyID] = w
		total = total.Add(w)
	}
	if total.IsZero() {
		return clamped
	}
	out := make(map[string]decimal.Decimal, len(clamped))
	for strategyID, weight := range clamped {
		out[strategyID] = weight.Div(total)
	}
	return out
}

func (a *Allocator) publish(ctx context.Context, allocations []types.StrategyAllocation) error {
	data, err := json.Marshal(allocations)
	if err != nil {
		return err
	}
	_, err = a.bus.Append(ctx, "allocations_channel", "strategy_allocation_batch", data)
	return err
}

// ShouldRebalance reports whether RebalanceFrequency has elapsed since
// the given last rebalance time.
func (a *Allocator) ShouldRebalance(lastRebalance, now time.Time) bool {
	return now.Sub(lastRebalance) >= a.config.RebalanceFrequency
}
