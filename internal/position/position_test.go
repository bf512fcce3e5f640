package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func tradeAt(symbol string, side types.Side, qty float64) types.Trade {
	return types.Trade{Symbol: symbol, Side: side, Quantity: decimal.NewFromFloat(qty)}
}

func TestApplyFillAccumulatesNetExposure(t *testing.T) {
	book := position.NewBook()
	book.ApplyFill(tradeAt("SOL/USDC", types.SideLong, 10))
	book.ApplyFill(tradeAt("SOL/USDC", types.SideLong, 5))

	snap := book.Snapshot()
	assert.True(t, snap["SOL/USDC"].Equal(decimal.NewFromInt(15)))
}

func TestApplyFillRemovesEntryBelowEpsilon(t *testing.T) {
	book := position.NewBook()
	book.ApplyFill(tradeAt("SOL/USDC", types.SideLong, 1))
	book.ApplyFill(tradeAt("SOL/USDC", types.SideShort, 0.995))

	snap := book.Snapshot()
	_, present := snap["SOL/USDC"]
	assert.False(t, present)
}

func TestReduceScalesAndDropsCollapsedEntries(t *testing.T) {
	book := position.NewBook()
	book.ApplyFill(tradeAt("SOL/USDC", types.SideLong, 10))
	book.ApplyFill(tradeAt("BONK/USDC", types.SideLong, 0.015))

	reduced := book.Reduce(decimal.NewFromFloat(0.5))
	assert.Equal(t, 2, reduced)

	snap := book.Snapshot()
	assert.True(t, snap["SOL/USDC"].Equal(decimal.NewFromInt(5)))
	_, present := snap["BONK/USDC"]
	assert.False(t, present, "0.015 * 0.5 = 0.0075 collapses below epsilon")
}

func TestCloseAllDropsEverything(t *testing.T) {
	book := position.NewBook()
	book.ApplyFill(tradeAt("SOL/USDC", types.SideLong, 10))
	book.ApplyFill(tradeAt("BONK/USDC", types.SideShort, 100))

	closed := book.CloseAll()
	assert.Equal(t, 2, closed)
	assert.Empty(t, book.Snapshot())
}

type stubTradeSource struct {
	open   []position.OpenTrade
	prices map[string]decimal.Decimal
}

func (s *stubTradeSource) OpenTrades(ctx context.Context) ([]position.OpenTrade, error) {
	return s.open, nil
}

func (s *stubTradeSource) LatestPrice(ctx context.Context, tokenAddress string) (decimal.Decimal, bool) {
	p, ok := s.prices[tokenAddress]
	return p, ok
}

type stubEvents struct {
	published []types.RiskEvent
}

func (e *stubEvents) PublishRiskEvent(event types.RiskEvent) { e.published = append(e.published, event) }

func TestWatcherEmitsStopLossCloseSignalForLongPosition(t *testing.T) {
	stop := decimal.NewFromInt(90)
	source := &stubTradeSource{
		open: []position.OpenTrade{{
			TradeUUID: "t1", StrategyID: "strat-1", TokenAddress: "mint1",
			Symbol: "SOL/USDC", Side: types.SideLong, StopLossPrice: &stop,
		}},
		prices: map[string]decimal.Decimal{"mint1": decimal.NewFromInt(85)},
	}
	events := &stubEvents{}
	eventBus := bus.New(zap.NewNop(), time.Second)
	watcher := position.NewWatcher(zap.NewNop(), eventBus, source, events, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go watcher.Run(ctx)
	<-ctx.Done()

	require.NotEmpty(t, events.published)
	assert.Equal(t, types.EventStopLossTriggered, events.published[0].EventType)
	assert.Equal(t, types.SeverityHigh, events.published[0].Severity)
}

func TestWatcherSkipsTradeWithNoLatestPrice(t *testing.T) {
	stop := decimal.NewFromInt(90)
	source := &stubTradeSource{
		open:   []position.OpenTrade{{TradeUUID: "t1", Symbol: "SOL/USDC", Side: types.SideLong, StopLossPrice: &stop}},
		prices: map[string]decimal.Decimal{},
	}
	events := &stubEvents{}
	eventBus := bus.New(zap.NewNop(), time.Second)
	watcher := position.NewWatcher(zap.NewNop(), eventBus, source, events, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	go watcher.Run(ctx)
	<-ctx.Done()

	assert.Empty(t, events.published)
}
