package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type bridgeInflowParams struct {
	MinInflowUSD      decimal.Decimal `json:"min_inflow_usd"`
	VelocityThreshold decimal.Decimal `json:"velocity_threshold"`
	CooldownMinutes   int             `json:"cooldown_minutes"`
}

type bridgeFlow struct {
	at     time.Time
	amount decimal.Decimal
}

// BridgeInflow buys tokens seeing a cross-chain bridge inflow surge,
// on the thesis that large transfers into Solana precede memecoin
// purchasing pressure by 10-60 minutes.
type BridgeInflow struct {
	params bridgeInflowParams

	flows      map[string][]bridgeFlow
	lastSignal map[string]time.Time
}

// NewBridgeInflow constructs an uninitialized BridgeInflow strategy.
func NewBridgeInflow() Strategy {
	return &BridgeInflow{
		flows:      make(map[string][]bridgeFlow),
		lastSignal: make(map[string]time.Time),
	}
}

func (s *BridgeInflow) ID() string { return "bridge_inflow" }

func (s *BridgeInflow) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{
		types.EventTypeBridge:  {},
		types.EventTypeOnChain: {},
	}
}

func (s *BridgeInflow) Init(params json.RawMessage) error {
	p := bridgeInflowParams{
		MinInflowUSD:      decimal.NewFromInt(100000),
		VelocityThreshold: decimal.NewFromFloat(2.0),
		CooldownMinutes:   30,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("bridge_inflow: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *BridgeInflow) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	switch event.Type {
	case types.EventTypeBridge:
		if event.Bridge == nil {
			return types.Hold(), nil
		}
		return s.onBridgeFlow(event.Token, event.Bridge), nil
	case types.EventTypeOnChain:
		// Follow-up on-chain activity after a bridge flow is observational
		// only for now; no independent signal is generated from it.
		return types.Hold(), nil
	default:
		return types.Hold(), nil
	}
}

func (s *BridgeInflow) onBridgeFlow(token string, flow *types.BridgeEvent) types.StrategyAction {
	hist := append(s.flows[token], bridgeFlow{at: flow.Timestamp, amount: flow.VolumeUSD})
	cutoff := flow.Timestamp.Add(-2 * time.Hour)
	trimmed := hist[:0]
	for _, f := range hist {
		if !f.at.Before(cutoff) {
			trimmed = append(trimmed, f)
		}
	}
	s.flows[token] = trimmed

	if !cooldownPassed(s.lastSignal[token], flow.Timestamp, time.Duration(s.params.CooldownMinutes)*time.Minute) {
		return types.Hold()
	}

	if len(trimmed) < 2 {
		return types.Hold()
	}
	prior := trimmed[len(trimmed)-2].amount
	velocity := decimal.NewFromInt(1)
	if !prior.IsZero() {
		velocity = flow.VolumeUSD.Div(prior)
	}

	if flow.VolumeUSD.LessThan(s.params.MinInflowUSD) || velocity.LessThan(s.params.VelocityThreshold) {
		return types.Hold()
	}

	s.lastSignal[token] = flow.Timestamp
	confidence := decimal.Min(velocity.Div(s.params.VelocityThreshold).Mul(decimal.NewFromFloat(0.4)), decimal.NewFromFloat(0.85))

	order := types.OrderDetails{
		TokenAddress:     token,
		Symbol:           symbolFor(token),
		Side:             types.SideLong,
		SuggestedSizeUSD: decimal.NewFromInt(60),
		Confidence:       confidence,
		StrategyMetadata: map[string]any{
			"inflow_usd":  flow.VolumeUSD,
			"velocity":    velocity,
			"source_chain": flow.SourceChain,
		},
		RiskMetrics: types.RiskMetrics{
			PositionSizePct:  decimal.NewFromFloat(0.015),
			MaxSlippageBps:   60,
			TimeLimitSeconds: int64ptr(7200),
		},
	}
	return types.Execute(order)
}

func (s *BridgeInflow) SnapshotState() map[string]any {
	return map[string]any{
		"min_inflow_usd":     s.params.MinInflowUSD,
		"velocity_threshold": s.params.VelocityThreshold,
		"tracked_flows":      len(s.flows),
	}
}
