package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type devWalletDrainParams struct {
	MinWalletBalanceUSD decimal.Decimal `json:"min_wallet_balance_usd"`
	DrainFractionTrigger decimal.Decimal `json:"drain_fraction_trigger"`
	CooldownMinutes      int             `json:"cooldown_minutes"`
}

// DevWalletDrain tracks large wallets (likely dev/insider allocations) and
// shorts once one has sold down a significant fraction of its tracked
// peak balance, anticipating continued insider distribution.
type DevWalletDrain struct {
	params devWalletDrainParams

	peakBalance map[string]map[string]decimal.Decimal // token -> wallet -> peak balance
	lastSignal  map[string]time.Time
}

func NewDevWalletDrain() Strategy {
	return &DevWalletDrain{
		peakBalance: make(map[string]map[string]decimal.Decimal),
		lastSignal:  make(map[string]time.Time),
	}
}

func (s *DevWalletDrain) ID() string { return "dev_wallet_drain" }

func (s *DevWalletDrain) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{types.EventTypeWhale: {}}
}

func (s *DevWalletDrain) Init(params json.RawMessage) error {
	p := devWalletDrainParams{
		MinWalletBalanceUSD:  decimal.NewFromInt(100000),
		DrainFractionTrigger: decimal.NewFromFloat(0.25),
		CooldownMinutes:      60,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("dev_wallet_drain: invalid params: %w", err)
		}
	}
	s.params = p
	return nil
}

func (s *DevWalletDrain) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Type != types.EventTypeWhale || event.Whale == nil {
		return types.Hold(), nil
	}
	whale := event.Whale

	wallets, ok := s.peakBalance[event.Token]
	if !ok {
		wallets = make(map[string]decimal.Decimal)
		s.peakBalance[event.Token] = wallets
	}
	peak := wallets[whale.WalletAddress]
	if whale.WalletBalance.GreaterThan(peak) {
		wallets[whale.WalletAddress] = whale.WalletBalance
		return types.Hold(), nil
	}
	if peak.LessThan(s.params.MinWalletBalanceUSD) {
		return types.Hold(), nil
	}

	if whale.Action != "sell" {
		return types.Hold(), nil
	}
	if !cooldownPassed(s.lastSignal[event.Token], whale.Timestamp, time.Duration(s.params.CooldownMinutes)*time.Minute) {
		return types.Hold(), nil
	}

	drained := peak.Sub(whale.WalletBalance).Div(peak)
	if drained.LessThan(s.params.DrainFractionTrigger) {
		return types.Hold(), nil
	}

	s.lastSignal[event.Token] = whale.Timestamp
	confidence := decimal.Min(drained.Div(s.params.DrainFractionTrigger).Mul(decimal.NewFromFloat(0.4)), decimal.NewFromFloat(0.85))

	order := types.OrderDetails{
		TokenAddress:     event.Token,
		Symbol:           symbolFor(event.Token),
		Side:             types.SideShort,
		SuggestedSizeUSD: decimal.NewFromInt(30),
		Confidence:       confidence,
		StrategyMetadata: map[string]any{
			"wallet":          whale.WalletAddress,
			"peak_balance":    peak,
			"drained_fraction": drained,
		},
		RiskMetrics: types.RiskMetrics{
			PositionSizePct:  decimal.NewFromFloat(0.012),
			MaxSlippageBps:   100,
			TimeLimitSeconds: int64ptr(1800),
		},
	}
	return types.Execute(order), nil
}

func (s *DevWalletDrain) SnapshotState() map[string]any {
	tracked := 0
	for _, wallets := range s.peakBalance {
		tracked += len(wallets)
	}
	return map[string]any{
		"tracked_tokens":  len(s.peakBalance),
		"tracked_wallets": tracked,
		"drain_trigger":   s.params.DrainFractionTrigger,
	}
}
