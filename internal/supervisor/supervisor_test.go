package supervisor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/allocator"
	"github.com/atlas-desktop/trading-backend/internal/breaker"
	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/internal/correlation"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/pnl"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/internal/supervisor"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// alwaysExecute is a minimal strategy that, on the first price tick for a
// token, emits a fixed-size buy with a stop-loss 10% below entry.
type alwaysExecute struct {
	fired map[string]bool
}

func (s *alwaysExecute) ID() string { return "always_execute" }
func (s *alwaysExecute) Subscriptions() map[types.EventType]struct{} {
	return map[types.EventType]struct{}{types.EventTypePrice: {}}
}
func (s *alwaysExecute) Init(json.RawMessage) error { s.fired = make(map[string]bool); return nil }
func (s *alwaysExecute) SnapshotState() map[string]any { return nil }
func (s *alwaysExecute) OnEvent(event types.MarketEvent) (types.StrategyAction, error) {
	if event.Price == nil || s.fired[event.Token] {
		return types.Hold(), nil
	}
	s.fired[event.Token] = true
	stop := event.Price.PriceUSD.Mul(decimal.NewFromFloat(0.9))
	return types.Execute(types.OrderDetails{
		TokenAddress:     event.Token,
		Symbol:           event.Token,
		Side:             types.SideLong,
		SuggestedSizeUSD: decimal.NewFromInt(10),
		Confidence:       decimal.NewFromFloat(0.9),
		StrategyMetadata: map[string]any{},
		RiskMetrics: types.RiskMetrics{
			MaxSlippageBps: 50,
			StopLossPrice:  &stop,
		},
	}), nil
}

func buildTestSupervisor(t *testing.T) (*supervisor.Supervisor, *persistence.MemoryStore, *bus.Bus) {
	t.Helper()
	logger := zap.NewNop()

	eventBus := bus.New(logger, time.Second)
	registry := strategy.NewRegistry(logger)
	require.NoError(t, registry.Register("always_execute", func() strategy.Strategy { return &alwaysExecute{} }, nil, types.ModeLive))

	riskMgr := risk.NewManager(types.DefaultRiskLimitsConfig(), logger)
	correlationMgr := correlation.NewManager(types.DefaultCorrelationConfig(), logger)
	breakerMgr := breaker.NewManager(logger)
	book := position.NewBook()
	store := persistence.NewMemoryStore()
	attributor := pnl.NewAttributor(logger, pnl.DefaultThresholds())
	alloc := allocator.NewAllocator(logger, eventBus, types.DefaultAllocatorConfig(), correlationMgr)
	regimeClassifier := allocator.NewRegimeClassifier()

	cfg := &types.AppConfig{
		Risk:        types.DefaultRiskLimitsConfig(),
		Breaker:     types.DefaultBreakerConfig(),
		Correlation: types.DefaultCorrelationConfig(),
		Allocator:   types.DefaultAllocatorConfig(),
		Execution:   types.DefaultExecutionConfig(),
	}

	pipeline := execution.NewPipeline(cfg.Execution, nil, nil, nil, nil, riskMgr, breakerMgr, book, nil, logger, execution.WithPaperTrading(true))

	sup := supervisor.New(logger, cfg, supervisor.Deps{
		Bus: eventBus, Registry: registry, Risk: riskMgr, Correlation: correlationMgr,
		Breaker: breakerMgr, Pipeline: pipeline, Book: book, Allocator: alloc,
		Attributor: attributor, Store: store, RegimeClassifier: regimeClassifier,
	})
	sup.SetWatcher(position.NewWatcher(logger, eventBus, sup, sup, time.Hour))
	return sup, store, eventBus
}

func TestRegisterStrategiesFailsForUnknownFamily(t *testing.T) {
	logger := zap.NewNop()
	cfg := &types.AppConfig{Strategies: []types.StrategySpec{{ID: "x", Family: "not_a_real_family"}}}
	sup := supervisor.New(logger, cfg, supervisor.Deps{
		Bus: bus.New(logger, time.Second), Registry: strategy.NewRegistry(logger),
		Risk: risk.NewManager(types.DefaultRiskLimitsConfig(), logger),
		Correlation: correlation.NewManager(types.DefaultCorrelationConfig(), logger),
		Breaker: breaker.NewManager(logger), Book: position.NewBook(),
		Store: persistence.NewMemoryStore(), Attributor: pnl.NewAttributor(logger, pnl.DefaultThresholds()),
	})
	err := sup.RegisterStrategies(types.ModeLive)
	assert.Error(t, err)
}

func TestRunDispatchesPriceEventThroughToPersistedTrade(t *testing.T) {
	sup, store, eventBus := buildTestSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	tick := types.PriceTick{TokenAddress: "TOKEN1", PriceUSD: decimal.NewFromInt(2), Timestamp: time.Now()}
	event := types.MarketEvent{Type: types.EventTypePrice, Token: "TOKEN1", Timestamp: time.Now(), Price: &tick}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, appendErr := eventBus.Append(context.Background(), "events:price", "price_tick", data)
		return appendErr == nil
	}, time.Second, 10*time.Millisecond)

	<-done

	trades, err := store.GetRecentTrades(context.Background(), "always_execute", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "TOKEN1", trades[0].TokenAddress)
}

func TestRunFeedsPriceReturnsToRegimeClassifierWithoutPanicking(t *testing.T) {
	sup, _, eventBus := buildTestSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	prices := []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromFloat(2.2), decimal.NewFromFloat(2.1)}
	for _, p := range prices {
		tick := types.PriceTick{TokenAddress: "TOKEN1", PriceUSD: p, Timestamp: time.Now()}
		event := types.MarketEvent{Type: types.EventTypePrice, Token: "TOKEN1", Timestamp: time.Now(), Price: &tick}
		data, err := json.Marshal(event)
		require.NoError(t, err)
		_, err = eventBus.Append(context.Background(), "events:price", "price_tick", data)
		require.NoError(t, err)
	}

	<-done
}

func TestPublishRiskEventPersistsThroughStore(t *testing.T) {
	sup, store, _ := buildTestSupervisor(t)

	sup.PublishRiskEvent(types.RiskEvent{EventType: types.EventBackpressureStall, Severity: types.SeverityHigh, Description: "stream saturated"})

	events := store.RiskEvents()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventBackpressureStall, events[0].EventType)
}
