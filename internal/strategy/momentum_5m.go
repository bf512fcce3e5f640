package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// pricePoint is one (time, price, volume) sample in a momentum window.
type pricePoint struct {
	at     time.Time
	price  decimal.Decimal
	volume decimal.Decimal
}

// momentum5mParams configures Momentum5m.
type momentum5mParams struct {
	Lookback             int             `json:"lookback"`
	VolMultiplier        decimal.Decimal `json:"vol_multiplier"`
	PriceChangeThreshold decimal.Decimal `json:"price_change_threshold"`
}

// Momentum5m buys tokens showing a short-window price surge confirmed by a
// volume spike, with a 15-minute per-token cooldown.
type Momentum5m struct {
	params momentum5mParams

	history    map[string][]pricePoint
	lastSignal map[string]time.Time
}

// NewMomentum5m constructs an uninitialized Momentum5m strategy.
func NewMomentum5m() Strategy {
	return &Momentum5m{
		history:    make(map[string][]pricePoint),
		lastSignal: make(map[string]time.Time),
	}
}

func (s *Momentum5m) ID() string { return "momentum_5m" }

func (s *Momentum5m) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{
		types.EventTypePrice:  {},
		types.EventTypeVolume: {},
	}
}

func (s *Momentum5m) Init(params json.RawMessage) error {
	p := momentum5mParams{
		Lookback:             12,
		VolMultiplier:        decimal.NewFromFloat(1.8),
		PriceChangeThreshold: decimal.NewFromFloat(0.05),
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("momentum_5m: invalid params: %w", err)
		}
	}
	if p.Lookback <= 0 {
		return fmt.Errorf("momentum_5m: lookback must be positive")
	}
	s.params = p
	return nil
}

func (s *Momentum5m) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypePrice || event.Price == nil {
		return types.Hold(), nil
	}
	tick := event.Price

	hist := append(s.history[event.Token], pricePoint{at: tick.Timestamp, price: tick.PriceUSD, volume: tick.VolumeUSD5m})
	if len(hist) > s.params.Lookback {
		hist = hist[len(hist)-s.params.Lookback:]
	}
	s.history[event.Token] = hist

	if len(hist) < s.params.Lookback {
		return types.Hold(), nil
	}

	if !cooldownPassed(s.lastSignal[event.Token], tick.Timestamp, 15*time.Minute) {
		return types.Hold(), nil
	}

	oldest, newest := hist[0], hist[len(hist)-1]
	if oldest.price.IsZero() {
		return types.Hold(), nil
	}
	priceChange := newest.price.Sub(oldest.price).Div(oldest.price)

	avgVolume := decimal.Zero
	for _, p := range hist {
		avgVolume = avgVolume.Add(p.volume)
	}
	avgVolume = avgVolume.Div(decimal.NewFromInt(int64(len(hist))))
	if avgVolume.IsZero() {
		return types.Hold(), nil
	}
	volRatio := newest.volume.Div(avgVolume)

	minLiquidity := decimal.NewFromInt(50000)
	if priceChange.GreaterThan(s.params.PriceChangeThreshold) &&
		volRatio.GreaterThan(s.params.VolMultiplier) &&
		tick.LiquidityUSD.GreaterThan(minLiquidity) {

		s.lastSignal[event.Token] = tick.Timestamp

		confidence := decimal.NewFromFloat(0.5).
			Add(priceChange.Div(s.params.PriceChangeThreshold).Mul(decimal.NewFromFloat(0.25))).
			Add(volRatio.Div(s.params.VolMultiplier).Mul(decimal.NewFromFloat(0.25)))
		confidence = decimal.Min(confidence, decimal.NewFromFloat(0.95))

		order := types.OrderDetails{
			TokenAddress:     event.Token,
			Symbol:           symbolFor(event.Token),
			Side:             types.SideLong,
			SuggestedSizeUSD: decimal.NewFromInt(50),
			Confidence:       confidence,
			StrategyMetadata: map[string]any{
				"price_change": priceChange,
				"volume_ratio": volRatio,
				"liquidity":    tick.LiquidityUSD,
			},
			RiskMetrics: types.RiskMetrics{
				PositionSizePct:  decimal.NewFromFloat(0.02),
				StopLossPrice:    dptr(tick.PriceUSD.Mul(decimal.NewFromFloat(0.95))),
				TakeProfitPrice:  dptr(tick.PriceUSD.Mul(decimal.NewFromFloat(1.10))),
				MaxSlippageBps:   50,
				TimeLimitSeconds: int64ptr(300),
			},
		}
		return types.Execute(order), nil
	}

	return types.Hold(), nil
}

func (s *Momentum5m) SnapshotState() map[string]any {
	return map[string]any{
		"lookback":              s.params.Lookback,
		"vol_multiplier":        s.params.VolMultiplier,
		"price_change_threshold": s.params.PriceChangeThreshold,
		"tracked_tokens":        len(s.history),
		"active_signals":        len(s.lastSignal),
	}
}

func int64ptr(v int64) *int64 { return &v }
