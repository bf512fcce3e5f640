package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type socialBuzzParams struct {
	LookbackMinutes    int             `json:"lookback_minutes"`
	BuzzRatioThreshold decimal.Decimal `json:"buzz_ratio_threshold"`
	MinEngagementScore decimal.Decimal `json:"min_engagement_score"`
}

type mentionSample struct {
	at         time.Time
	mentions1h int
	sentiment  decimal.Decimal
	engagement decimal.Decimal
}

// SocialBuzz buys tokens whose recent social mention volume spikes well
// above its own trailing average, gated by sentiment and engagement.
type SocialBuzz struct {
	params socialBuzzParams

	history    map[string][]mentionSample
	lastSignal map[string]time.Time
}

// NewSocialBuzz constructs an uninitialized SocialBuzz strategy.
func NewSocialBuzz() Strategy {
	return &SocialBuzz{
		history:    make(map[string][]mentionSample),
		lastSignal: make(map[string]time.Time),
	}
}

func (s *SocialBuzz) ID() string { return "social_buzz" }

func (s *SocialBuzz) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{
		types.EventTypeSocial:       {},
		types.EventTypeTwitterRaw:   {},
		types.EventTypeFarcasterRaw: {},
	}
}

func (s *SocialBuzz) Init(params json.RawMessage) error {
	p := socialBuzzParams{
		LookbackMinutes:    60,
		BuzzRatioThreshold: decimal.NewFromFloat(2.0),
		MinEngagementScore: decimal.NewFromFloat(0.4),
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("social_buzz: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

// OnEvent only acts on aggregated Social mentions; raw Twitter/Farcaster
// events are ingestion-layer concerns (address extraction, sentiment
// scoring) upstream of this strategy and are held here.
func (s *SocialBuzz) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypeSocial || event.Social == nil {
		return types.Hold(), nil
	}
	mention := event.Social

	hist := append(s.history[event.Token], mentionSample{
		at: mention.Timestamp, mentions1h: mention.Mentions1h,
		sentiment: mention.Sentiment, engagement: mention.EngagementScore,
	})
	cutoff := mention.Timestamp.Add(-time.Duration(s.params.LookbackMinutes) * time.Minute)
	trimmed := hist[:0]
	for _, m := range hist {
		if !m.at.Before(cutoff) {
			trimmed = append(trimmed, m)
		}
	}
	s.history[event.Token] = trimmed

	if len(trimmed) < 5 {
		return types.Hold(), nil
	}
	if !cooldownPassed(s.lastSignal[event.Token], mention.Timestamp, time.Hour) {
		return types.Hold(), nil
	}

	recentCount := 3
	if recentCount > len(trimmed) {
		recentCount = len(trimmed)
	}
	recent := trimmed[len(trimmed)-recentCount:]
	historical := trimmed[:len(trimmed)-recentCount]
	if len(historical) == 0 {
		return types.Hold(), nil
	}

	recentAvg := avgMentions(recent)
	historicalAvg := avgMentions(historical)
	if historicalAvg.IsZero() {
		return types.Hold(), nil
	}
	buzzRatio := recentAvg.Div(historicalAvg)

	latest := trimmed[len(trimmed)-1]
	if buzzRatio.GreaterThan(s.params.BuzzRatioThreshold) &&
		latest.engagement.GreaterThan(s.params.MinEngagementScore) &&
		latest.sentiment.GreaterThan(decimal.NewFromFloat(0.5)) {

		s.lastSignal[event.Token] = mention.Timestamp
		buzzScore := buzzRatio.Mul(latest.sentiment).Mul(latest.engagement)
		confidence := decimal.Min(buzzScore.Div(decimal.NewFromInt(10)).Mul(decimal.NewFromFloat(0.8)), decimal.NewFromFloat(0.9))

		order := types.OrderDetails{
			TokenAddress:     event.Token,
			Symbol:           symbolFor(event.Token),
			Side:             types.SideLong,
			SuggestedSizeUSD: decimal.NewFromInt(45),
			Confidence:       confidence,
			StrategyMetadata: map[string]any{
				"buzz_ratio": buzzRatio,
				"sentiment":  latest.sentiment,
				"engagement": latest.engagement,
			},
			RiskMetrics: types.RiskMetrics{
				PositionSizePct:  decimal.NewFromFloat(0.018),
				MaxSlippageBps:   40,
				TimeLimitSeconds: int64ptr(180),
			},
		}
		return types.Execute(order), nil
	}

	return types.Hold(), nil
}

func avgMentions(samples []mentionSample) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(decimal.NewFromInt(int64(s.mentions1h)))
	}
	return sum.Div(decimal.NewFromInt(int64(len(samples))))
}

func (s *SocialBuzz) SnapshotState() map[string]any {
	return map[string]any{
		"lookback_minutes": s.params.LookbackMinutes,
		"tracked_tokens":   len(s.history),
		"recent_signals":   len(s.lastSignal),
	}
}
