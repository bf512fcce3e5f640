package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type koreanTimeBurstParams struct {
	StartHourKST         int             `json:"start_hour_kst"`
	EndHourKST           int             `json:"end_hour_kst"`
	PriceChangeThreshold decimal.Decimal `json:"price_change_threshold"`
}

var kst = time.FixedZone("KST", 9*60*60)

// KoreanTimeBurst trades short momentum bursts that recur during Korean
// retail trading hours, a well-documented memecoin volume pattern.
type KoreanTimeBurst struct {
	params koreanTimeBurstParams

	lastPrice  map[string]decimal.Decimal
	lastSignal map[string]time.Time
}

func NewKoreanTimeBurst() Strategy {
	return &KoreanTimeBurst{
		lastPrice:  make(map[string]decimal.Decimal),
		lastSignal: make(map[string]time.Time),
	}
}

func (s *KoreanTimeBurst) ID() string { return "korean_time_burst" }

func (s *KoreanTimeBurst) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{types.EventTypePrice: {}}
}

func (s *KoreanTimeBurst) Init(params json.RawMessage) error {
	p := koreanTimeBurstParams{
		StartHourKST:         21,
		EndHourKST:           24,
		PriceChangeThreshold: decimal.NewFromFloat(0.04),
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("korean_time_burst: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *KoreanTimeBurst) inWindow(t time.Time) bool {
	hour := t.In(kst).Hour()
	if s.params.EndHourKST > 24 {
		return hour >= s.params.StartHourKST || hour < s.params.EndHourKST-24
	}
	return hour >= s.params.StartHourKST && hour < s.params.EndHourKST
}

func (s *KoreanTimeBurst) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypePrice || event.Price == nil {
		return types.Hold(), nil
	}
	tick := event.Price

	if !s.inWindow(tick.Timestamp) {
		s.lastPrice[event.Token] = tick.PriceUSD
		return types.Hold(), nil
	}

	prev, known := s.lastPrice[event.Token]
	s.lastPrice[event.Token] = tick.PriceUSD
	if !known || prev.IsZero() {
		return types.Hold(), nil
	}

	change := tick.PriceUSD.Sub(prev).Div(prev)
	if !cooldownPassed(s.lastSignal[event.Token], tick.Timestamp, 20*time.Minute) {
		return types.Hold(), nil
	}

	if change.GreaterThan(s.params.PriceChangeThreshold) && tick.VolumeUSD1m.GreaterThan(decimal.NewFromInt(5000)) {
		s.lastSignal[event.Token] = tick.Timestamp
		confidence := decimal.Min(change.Div(s.params.PriceChangeThreshold).Mul(decimal.NewFromFloat(0.5)), decimal.NewFromFloat(0.8))

		order := types.OrderDetails{
			TokenAddress:     event.Token,
			Symbol:           symbolFor(event.Token),
			Side:             types.SideLong,
			SuggestedSizeUSD: decimal.NewFromInt(30),
			Confidence:       confidence,
			StrategyMetadata: map[string]any{
				"price_change_1m": change,
				"kst_hour":        tick.Timestamp.In(kst).Hour(),
			},
			RiskMetrics: types.RiskMetrics{
				PositionSizePct:  decimal.NewFromFloat(0.012),
				StopLossPrice:    dptr(tick.PriceUSD.Mul(decimal.NewFromFloat(0.94))),
				TakeProfitPrice:  dptr(tick.PriceUSD.Mul(decimal.NewFromFloat(1.08))),
				MaxSlippageBps:   70,
				TimeLimitSeconds: int64ptr(900),
			},
		}
		return types.Execute(order), nil
	}

	return types.Hold(), nil
}

func (s *KoreanTimeBurst) SnapshotState() map[string]any {
	return map[string]any{
		"start_hour_kst": s.params.StartHourKST,
		"end_hour_kst":   s.params.EndHourKST,
		"tracked_tokens": len(s.lastPrice),
	}
}
