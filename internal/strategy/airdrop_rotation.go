package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type airdropRotationParams struct {
	MinRecipients     int             `json:"min_recipients"`
	MinTotalAmountUSD decimal.Decimal `json:"min_total_amount_usd"`
	CooldownMinutes   int             `json:"cooldown_minutes"`
}

// AirdropRotation buys into tokens immediately after a large, wide airdrop
// distribution, on the thesis that recipients rotate a portion of the
// airdrop into follow-on buying of the distributing project's token.
type AirdropRotation struct {
	params airdropRotationParams

	lastSignal map[string]time.Time
}

func NewAirdropRotation() Strategy {
	return &AirdropRotation{lastSignal: make(map[string]time.Time)}
}

func (s *AirdropRotation) ID() string { return "airdrop_rotation" }

func (s *AirdropRotation) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{types.EventTypeAirdrop: {}}
}

func (s *AirdropRotation) Init(params json.RawMessage) error {
	p := airdropRotationParams{
		MinRecipients:     500,
		MinTotalAmountUSD: decimal.NewFromInt(200000),
		CooldownMinutes:   180,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("airdrop_rotation: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *AirdropRotation) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypeAirdrop || event.Airdrop == nil {
		return types.Hold(), nil
	}
	drop := event.Airdrop

	if !cooldownPassed(s.lastSignal[event.Token], drop.Timestamp, time.Duration(s.params.CooldownMinutes)*time.Minute) {
		return types.Hold(), nil
	}
	if drop.RecipientsCount < s.params.MinRecipients || drop.TotalAmountUSD.LessThan(s.params.MinTotalAmountUSD) {
		return types.Hold(), nil
	}

	s.lastSignal[event.Token] = drop.Timestamp
	sizeScore := decimal.NewFromInt(int64(drop.RecipientsCount)).Div(decimal.NewFromInt(int64(s.params.MinRecipients)))
	confidence := decimal.Min(sizeScore.Mul(decimal.NewFromFloat(0.3)).Add(decimal.NewFromFloat(0.3)), decimal.NewFromFloat(0.75))

	order := types.OrderDetails{
		TokenAddress:     event.Token,
		Symbol:           symbolFor(event.Token),
		Side:             types.SideLong,
		SuggestedSizeUSD: decimal.NewFromInt(25),
		Confidence:       confidence,
		StrategyMetadata: map[string]any{
			"recipients":       drop.RecipientsCount,
			"total_amount_usd": drop.TotalAmountUSD,
			"avg_per_wallet":   drop.AvgPerWallet,
		},
		RiskMetrics: types.RiskMetrics{
			PositionSizePct:  decimal.NewFromFloat(0.01),
			MaxSlippageBps:   80,
			TimeLimitSeconds: int64ptr(3600),
		},
	}
	return types.Execute(order), nil
}

func (s *AirdropRotation) SnapshotState() map[string]any {
	return map[string]any{
		"min_recipients":       s.params.MinRecipients,
		"min_total_amount_usd": s.params.MinTotalAmountUSD,
		"recent_signals":       len(s.lastSignal),
	}
}
