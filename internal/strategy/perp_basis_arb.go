package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type perpBasisArbParams struct {
	FundingRateThresholdPct decimal.Decimal `json:"funding_rate_threshold_pct"`
	CooldownMinutes         int             `json:"cooldown_minutes"`
}

// PerpBasisArb fades extreme perpetual funding rates: a deeply positive
// funding rate means longs are crowded and paying shorts, so it takes the
// short side betting on mean reversion of the basis (and vice versa).
type PerpBasisArb struct {
	params perpBasisArbParams

	lastSignal map[string]time.Time
}

func NewPerpBasisArb() Strategy {
	return &PerpBasisArb{lastSignal: make(map[string]time.Time)}
}

func (s *PerpBasisArb) ID() string { return "perp_basis_arb" }

func (s *PerpBasisArb) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{types.EventTypeFunding: {}}
}

func (s *PerpBasisArb) Init(params json.RawMessage) error {
	p := perpBasisArbParams{
		FundingRateThresholdPct: decimal.NewFromFloat(0.05),
		CooldownMinutes:         120,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("perp_basis_arb: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *PerpBasisArb) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypeFunding || event.Funding == nil {
		return types.Hold(), nil
	}
	f := event.Funding

	if f.FundingRatePct.Abs().LessThanOrEqual(s.params.FundingRateThresholdPct) {
		return types.Hold(), nil
	}
	if !cooldownPassed(s.lastSignal[event.Token], f.Timestamp, time.Duration(s.params.CooldownMinutes)*time.Minute) {
		return types.Hold(), nil
	}
	if f.OpenInterestUSD.LessThan(decimal.NewFromInt(10000)) {
		return types.Hold(), nil
	}

	side := types.SideShort
	if f.FundingRatePct.IsNegative() {
		side = types.SideLong
	}

	s.lastSignal[event.Token] = f.Timestamp
	confidence := decimal.Min(f.FundingRatePct.Abs().Div(s.params.FundingRateThresholdPct).Mul(decimal.NewFromFloat(0.3)), decimal.NewFromFloat(0.7))

	order := types.OrderDetails{
		TokenAddress:     event.Token,
		Symbol:           symbolFor(event.Token),
		Side:             side,
		SuggestedSizeUSD: decimal.NewFromInt(35),
		Confidence:       confidence,
		StrategyMetadata: map[string]any{
			"funding_rate_pct": f.FundingRatePct,
			"open_interest_usd": f.OpenInterestUSD,
		},
		RiskMetrics: types.RiskMetrics{
			PositionSizePct:  decimal.NewFromFloat(0.015),
			MaxSlippageBps:   40,
			TimeLimitSeconds: int64ptr(3600),
		},
	}
	return types.Execute(order), nil
}

func (s *PerpBasisArb) SnapshotState() map[string]any {
	return map[string]any{
		"funding_threshold_pct": s.params.FundingRateThresholdPct,
		"recent_signals":        len(s.lastSignal),
	}
}
