package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type meanRevert1hParams struct {
	PeriodHours     int             `json:"period_hours"`
	ZScoreThreshold decimal.Decimal `json:"z_score_threshold"`
}

type meanRevertPosition struct {
	entryPrice decimal.Decimal
	entryTime  time.Time
	zScore     decimal.Decimal
}

// MeanRevert1h trades reversion to the hourly mean once price deviates
// beyond a z-score threshold, exiting on zero-crossing or a 4-hour timeout.
type MeanRevert1h struct {
	params meanRevert1hParams

	history   map[string][]pricePoint
	positions map[string]meanRevertPosition
}

// NewMeanRevert1h constructs an uninitialized MeanRevert1h strategy.
func NewMeanRevert1h() Strategy {
	return &MeanRevert1h{
		history:   make(map[string][]pricePoint),
		positions: make(map[string]meanRevertPosition),
	}
}

func (s *MeanRevert1h) ID() string { return "mean_revert_1h" }

func (s *MeanRevert1h) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{types.EventTypePrice: {}}
}

func (s *MeanRevert1h) Init(params json.RawMessage) error {
	p := meanRevert1hParams{PeriodHours: 1, ZScoreThreshold: decimal.NewFromFloat(2.0)}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("mean_revert_1h: invalid params: %w", err)
		}
	}
	if p.PeriodHours <= 0 {
		return fmt.Errorf("mean_revert_1h: period_hours must be positive")
	}
	s.params = p
	return nil
}

func (s *MeanRevert1h) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypePrice || event.Price == nil {
		return types.Hold(), nil
	}
	tick := event.Price

	hist := append(s.history[event.Token], pricePoint{at: tick.Timestamp, price: tick.PriceUSD})
	cutoff := tick.Timestamp.Add(-time.Duration(s.params.PeriodHours) * time.Hour)
	trimmed := hist[:0]
	for _, p := range hist {
		if !p.at.Before(cutoff) {
			trimmed = append(trimmed, p)
		}
	}
	s.history[event.Token] = trimmed

	if len(trimmed) < 20 {
		return types.Hold(), nil
	}

	prices := make([]decimal.Decimal, len(trimmed))
	for i, p := range trimmed {
		prices[i] = p.price
	}
	mean, stdDev := meanStdDev(prices)
	if stdDev.IsZero() {
		return types.Hold(), nil
	}
	zScore := tick.PriceUSD.Sub(mean).Div(stdDev)

	if pos, open := s.positions[event.Token]; open {
		exitOnCross := (pos.zScore.IsPositive() && !zScore.IsPositive()) ||
			(pos.zScore.IsNegative() && !zScore.IsNegative())
		exitOnTimeout := tick.Timestamp.Sub(pos.entryTime) > 4*time.Hour
		if exitOnCross || exitOnTimeout {
			delete(s.positions, event.Token)
			return types.ClosePosition(), nil
		}
		return types.Hold(), nil
	}

	minLiquidity := decimal.NewFromInt(20000)
	if zScore.Abs().GreaterThan(s.params.ZScoreThreshold) && tick.LiquidityUSD.GreaterThan(minLiquidity) {
		side := types.SideLong
		if zScore.IsPositive() {
			side = types.SideShort
		}

		s.positions[event.Token] = meanRevertPosition{entryPrice: tick.PriceUSD, entryTime: tick.Timestamp, zScore: zScore}

		confidence := decimal.Min(zScore.Abs().Div(s.params.ZScoreThreshold).Mul(decimal.NewFromFloat(0.5)), decimal.NewFromFloat(0.9))

		stop := tick.PriceUSD.Mul(decimal.NewFromFloat(1.07))
		if side == types.SideLong {
			stop = tick.PriceUSD.Mul(decimal.NewFromFloat(0.93))
		}

		order := types.OrderDetails{
			TokenAddress:     event.Token,
			Symbol:           symbolFor(event.Token),
			Side:             side,
			SuggestedSizeUSD: decimal.NewFromInt(40),
			Confidence:       confidence,
			StrategyMetadata: map[string]any{"z_score": zScore, "mean_price": mean, "std_dev": stdDev},
			RiskMetrics: types.RiskMetrics{
				PositionSizePct:  decimal.NewFromFloat(0.015),
				StopLossPrice:    dptr(stop),
				TakeProfitPrice:  dptr(mean),
				MaxSlippageBps:   30,
				TimeLimitSeconds: int64ptr(600),
			},
		}
		return types.Execute(order), nil
	}

	return types.Hold(), nil
}

func (s *MeanRevert1h) SnapshotState() map[string]any {
	return map[string]any{
		"period_hours":      s.params.PeriodHours,
		"z_score_threshold": s.params.ZScoreThreshold,
		"tracked_tokens":    len(s.history),
		"open_positions":    len(s.positions),
	}
}
