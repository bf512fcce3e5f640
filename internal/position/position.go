// Package position implements the authoritative position book (net
// signed exposure per symbol) and the stop-loss/take-profit watcher that
// scans open trades for trigger conditions.
package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Book is the authoritative mapping of symbol to net signed quantity
// (base units). A positive net is a long, negative a short.
type Book struct {
	mu  sync.RWMutex
	net map[string]decimal.Decimal
}

func NewBook() *Book {
	return &Book{net: make(map[string]decimal.Decimal)}
}

// signedQuantity returns quantity with sign applied for side (long
// positive, short negative).
func signedQuantity(trade types.Trade) decimal.Decimal {
	if trade.Side == types.SideShort {
		return trade.Quantity.Neg()
	}
	return trade.Quantity
}

// ApplyFill updates net exposure for the trade's symbol, dropping the
// entry once |net| falls below types.PositionEpsilon.
func (b *Book) ApplyFill(trade types.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	updated := b.net[trade.Symbol].Add(signedQuantity(trade))
	if updated.Abs().LessThan(types.PositionEpsilon) {
		delete(b.net, trade.Symbol)
		return
	}
	b.net[trade.Symbol] = updated
}

// Snapshot returns a read-only, consistent copy of the book.
func (b *Book) Snapshot() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(b.net))
	for symbol, net := range b.net {
		out[symbol] = net
	}
	return out
}

// Reduce scales every open position by fraction (expected in [0,1]),
// removing any entry that collapses below epsilon.
func (b *Book) Reduce(fraction decimal.Decimal) (reduced int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for symbol, net := range b.net {
		scaled := net.Mul(decimal.NewFromInt(1).Sub(fraction))
		if scaled.Abs().LessThan(types.PositionEpsilon) {
			delete(b.net, symbol)
		} else {
			b.net[symbol] = scaled
		}
		reduced++
	}
	return reduced
}

// CloseAll drops every open position and reports how many were closed.
func (b *Book) CloseAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := len(b.net)
	b.net = make(map[string]decimal.Decimal)
	return closed
}

// OpenTrade is the watcher's view of a still-open trade: enough to
// evaluate its stop/take thresholds against a live price.
type OpenTrade struct {
	TradeUUID       string
	StrategyID      string
	TokenAddress    string
	Symbol          string
	Side            types.Side
	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
}

// TradeSource supplies the watcher's view of currently open trades and
// their latest known price, grounded on persistence rather than the
// book (which only tracks net exposure, not per-trade thresholds).
type TradeSource interface {
	OpenTrades(ctx context.Context) ([]OpenTrade, error)
	LatestPrice(ctx context.Context, tokenAddress string) (decimal.Decimal, bool)
}

// EventPublisher persists a RiskEvent as a side effect.
type EventPublisher interface {
	PublishRiskEvent(event types.RiskEvent)
}

// Watcher scans open trades on a fixed interval for stop-loss/take-profit
// triggers and emits close-signal records plus RiskEvents.
type Watcher struct {
	logger   *zap.Logger
	bus      *bus.Bus
	trades   TradeSource
	events   EventPublisher
	interval time.Duration
}

func NewWatcher(logger *zap.Logger, eventBus *bus.Bus, trades TradeSource, events EventPublisher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{logger: logger.Named("position-watcher"), bus: eventBus, trades: trades, events: events, interval: interval}
}

// Run blocks, scanning at the configured interval until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

func (w *Watcher) scanOnce(ctx context.Context) {
	open, err := w.trades.OpenTrades(ctx)
	if err != nil {
		w.logger.Warn("failed to list open trades", zap.Error(err))
		return
	}

	for _, trade := range open {
		price, ok := w.trades.LatestPrice(ctx, trade.TokenAddress)
		if !ok {
			continue
		}
		if reason, threshold, triggered := evaluateTriggers(trade, price); triggered {
			w.emitClose(ctx, trade, reason, threshold, price)
		}
	}
}

// evaluateTriggers mirrors position_manager's long/short stop/take
// comparisons exactly.
func evaluateTriggers(trade OpenTrade, price decimal.Decimal) (types.CloseSignalReason, decimal.Decimal, bool) {
	isLong := trade.Side == types.SideLong

	if trade.StopLossPrice != nil {
		stop := *trade.StopLossPrice
		hit := (isLong && price.LessThanOrEqual(stop)) || (!isLong && price.GreaterThanOrEqual(stop))
		if hit {
			return types.ReasonStopLossTriggered, stop, true
		}
	}
	if trade.TakeProfitPrice != nil {
		take := *trade.TakeProfitPrice
		hit := (isLong && price.GreaterThanOrEqual(take)) || (!isLong && price.LessThanOrEqual(take))
		if hit {
			return types.ReasonTakeProfitReached, take, true
		}
	}
	return "", decimal.Zero, false
}

func (w *Watcher) emitClose(ctx context.Context, trade OpenTrade, reason types.CloseSignalReason, threshold, price decimal.Decimal) {
	signal := types.CloseSignal{
		Type:         reason,
		TradeUUID:    trade.TradeUUID,
		StrategyID:   trade.StrategyID,
		TokenAddress: trade.TokenAddress,
		Symbol:       trade.Symbol,
		Side:         trade.Side,
		Threshold:    threshold,
		TriggerPrice: price,
		TimestampMs:  time.Now().UnixMilli(),
	}

	data, err := json.Marshal(signal)
	if err != nil {
		w.logger.Error("failed to marshal close signal", zap.Error(err))
		return
	}
	if _, err := w.bus.Append(ctx, "trading_signals", string(reason), data); err != nil {
		w.logger.Error("failed to publish close signal", zap.Error(err))
	}

	severity := types.SeverityLow
	eventType := types.EventTakeProfitReached
	if reason == types.ReasonStopLossTriggered {
		severity = types.SeverityHigh
		eventType = types.EventStopLossTriggered
	}
	w.events.PublishRiskEvent(types.RiskEvent{
		EventType:   eventType,
		Severity:    severity,
		Description: fmt.Sprintf("%s %s at %s (threshold %s)", trade.Symbol, reason, price.String(), threshold.String()),
		Timestamp:   time.Now(),
		StrategyID:  trade.StrategyID,
		Metadata:    map[string]any{"trade_uuid": trade.TradeUUID, "threshold": threshold},
	})
}
