package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type rugPullSnifferParams struct {
	DumpFractionThreshold decimal.Decimal `json:"dump_fraction_threshold"` // wallet sell / liquidity
	LiquidityDropPct      decimal.Decimal `json:"liquidity_drop_pct"`
	CooldownMinutes       int             `json:"cooldown_minutes"`
}

type liquiditySample struct {
	at    time.Time
	total decimal.Decimal
}

// RugPullSniffer watches for the classic rug-pull pattern — a large wallet
// dump concurrent with a sharp order-book liquidity drop — and shorts
// ahead of the expected collapse.
type RugPullSniffer struct {
	params rugPullSnifferParams

	liquidity  map[string][]liquiditySample
	lastSignal map[string]time.Time
}

func NewRugPullSniffer() Strategy {
	return &RugPullSniffer{
		liquidity:  make(map[string][]liquiditySample),
		lastSignal: make(map[string]time.Time),
	}
}

func (s *RugPullSniffer) ID() string { return "rug_pull_sniffer" }

func (s *RugPullSniffer) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{
		types.EventTypeWhale: {},
		types.EventTypeDepth: {},
	}
}

func (s *RugPullSniffer) Init(params json.RawMessage) error {
	p := rugPullSnifferParams{
		DumpFractionThreshold: decimal.NewFromFloat(0.15),
		LiquidityDropPct:      decimal.NewFromFloat(0.3),
		CooldownMinutes:       60,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("rug_pull_sniffer: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *RugPullSniffer) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	switch event.Type {
	case types.EventTypeDepth:
		if event.Depth == nil {
			return types.Hold(), nil
		}
		total := event.Depth.BidSizeUSD.Add(event.Depth.AskSizeUSD)
		hist := append(s.liquidity[event.Token], liquiditySample{at: event.Depth.Timestamp, total: total})
		if len(hist) > 20 {
			hist = hist[len(hist)-20:]
		}
		s.liquidity[event.Token] = hist
		return types.Hold(), nil

	case types.EventTypeWhale:
		if event.Whale == nil || event.Whale.Action != "sell" {
			return types.Hold(), nil
		}
		return s.evaluateDump(event.Token, event.Whale), nil

	default:
		return types.Hold(), nil
	}
}

func (s *RugPullSniffer) evaluateDump(token string, whale *types.WhaleEvent) types.StrategyAction {
	hist := s.liquidity[token]
	if len(hist) < 2 {
		return types.Hold()
	}
	baseline := hist[0].total
	latest := hist[len(hist)-1].total
	if baseline.IsZero() {
		return types.Hold()
	}
	liquidityDrop := baseline.Sub(latest).Div(baseline)
	dumpFraction := decimal.Zero
	if !baseline.IsZero() {
		dumpFraction = whale.AmountUSD.Div(baseline)
	}

	if !cooldownPassed(s.lastSignal[token], whale.Timestamp, time.Duration(s.params.CooldownMinutes)*time.Minute) {
		return types.Hold()
	}

	if dumpFraction.GreaterThan(s.params.DumpFractionThreshold) && liquidityDrop.GreaterThan(s.params.LiquidityDropPct) {
		s.lastSignal[token] = whale.Timestamp
		confidence := decimal.Min(dumpFraction.Div(s.params.DumpFractionThreshold).Mul(decimal.NewFromFloat(0.45)), decimal.NewFromFloat(0.9))

		order := types.OrderDetails{
			TokenAddress:     token,
			Symbol:           symbolFor(token),
			Side:             types.SideShort,
			SuggestedSizeUSD: decimal.NewFromInt(35),
			Confidence:       confidence,
			StrategyMetadata: map[string]any{
				"dump_fraction":  dumpFraction,
				"liquidity_drop": liquidityDrop,
				"wallet":         whale.WalletAddress,
			},
			RiskMetrics: types.RiskMetrics{
				PositionSizePct:  decimal.NewFromFloat(0.01),
				MaxSlippageBps:   150,
				TimeLimitSeconds: int64ptr(120),
			},
		}
		return types.Execute(order)
	}
	return types.Hold()
}

func (s *RugPullSniffer) SnapshotState() map[string]any {
	return map[string]any{
		"tracked_tokens":  len(s.liquidity),
		"dump_threshold":  s.params.DumpFractionThreshold,
		"liquidity_drop":  s.params.LiquidityDropPct,
	}
}
