package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type liquidityMigrationParams struct {
	ImbalanceSpikeThreshold decimal.Decimal `json:"imbalance_spike_threshold"`
	CooldownMinutes         int             `json:"cooldown_minutes"`
}

// LiquidityMigration watches order-book imbalance for the signature of a
// liquidity pool migrating to a new venue (a sudden, sustained imbalance
// shift confirmed by an on-chain pool event) and reduces exposure ahead of
// the resulting slippage spike.
type LiquidityMigration struct {
	params liquidityMigrationParams

	lastImbalance map[string]decimal.Decimal
	pendingOnChain map[string]time.Time
	lastSignal     map[string]time.Time
}

func NewLiquidityMigration() Strategy {
	return &LiquidityMigration{
		lastImbalance:  make(map[string]decimal.Decimal),
		pendingOnChain: make(map[string]time.Time),
		lastSignal:     make(map[string]time.Time),
	}
}

func (s *LiquidityMigration) ID() string { return "liquidity_migration" }

func (s *LiquidityMigration) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{
		types.EventTypeDepth:   {},
		types.EventTypeOnChain: {},
	}
}

func (s *LiquidityMigration) Init(params json.RawMessage) error {
	p := liquidityMigrationParams{
		ImbalanceSpikeThreshold: decimal.NewFromFloat(0.5),
		CooldownMinutes:         45,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("liquidity_migration: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *LiquidityMigration) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	switch event.Type {
	case types.EventTypeOnChain:
		if event.OnChain == nil {
			return types.Hold(), nil
		}
		if event.OnChain.EventType == "pool_migration" || event.OnChain.EventType == "liquidity_removed" {
			s.pendingOnChain[event.Token] = event.OnChain.Timestamp
		}
		return types.Hold(), nil

	case types.EventTypeDepth:
		if event.Depth == nil {
			return types.Hold(), nil
		}
		return s.evaluateImbalance(event.Token, event.Depth), nil

	default:
		return types.Hold(), nil
	}
}

func (s *LiquidityMigration) evaluateImbalance(token string, depth *types.DepthEvent) types.StrategyAction {
	prev, known := s.lastImbalance[token]
	s.lastImbalance[token] = depth.ImbalanceRatio
	if !known {
		return types.Hold()
	}

	shift := depth.ImbalanceRatio.Sub(prev).Abs()
	pendingAt, hasPending := s.pendingOnChain[token]
	confirmedByOnChain := hasPending && depth.Timestamp.Sub(pendingAt) < 30*time.Minute

	if shift.LessThan(s.params.ImbalanceSpikeThreshold) || !confirmedByOnChain {
		return types.Hold()
	}
	if !cooldownPassed(s.lastSignal[token], depth.Timestamp, time.Duration(s.params.CooldownMinutes)*time.Minute) {
		return types.Hold()
	}

	s.lastSignal[token] = depth.Timestamp
	delete(s.pendingOnChain, token)
	confidence := decimal.Min(shift.Div(s.params.ImbalanceSpikeThreshold).Mul(decimal.NewFromFloat(0.35)), decimal.NewFromFloat(0.7))

	return types.StrategyAction{
		Kind:           types.ActionReducePosition,
		ReduceFraction: confidence, // larger confirmed shift -> larger protective reduction
	}
}

func (s *LiquidityMigration) SnapshotState() map[string]any {
	return map[string]any{
		"tracked_tokens":   len(s.lastImbalance),
		"pending_onchain":  len(s.pendingOnChain),
		"imbalance_thresh": s.params.ImbalanceSpikeThreshold,
	}
}
