// Package supervisor binds the event bus's consumer groups to the
// strategy registry and the risk/execution/position pipeline, schedules
// the periodic control loops (watcher, correlation recompute, portfolio
// rebalance, breaker health), and owns graceful shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/allocator"
	"github.com/atlas-desktop/trading-backend/internal/breaker"
	"github.com/atlas-desktop/trading-backend/internal/bus"
	"github.com/atlas-desktop/trading-backend/internal/correlation"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/pnl"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	consumerGroup      = "supervisor"
	channelCapacity    = 1024
	backpressureStall  = 30 * time.Second
	backpressureResume = 0.25 // channel must drain below 25% before clearing a stall
	pullBlockTimeout   = 1 * time.Second
	drainGrace         = 10 * time.Second
)

// consumedStreams is the full set of market-event streams the
// supervisor binds a consumer group to, plus backtest_results for the
// allocator's input side.
func consumedStreams() []string {
	return append(append([]string{}, types.DefaultStreamKeys()...), "backtest_results")
}

// Supervisor wires C1-C9 together into the cooperative event loop
// described by the per-record dispatch flow: parse, dispatch to
// strategies, risk-gate and execute, apply reductions, acknowledge.
type Supervisor struct {
	logger *zap.Logger
	cfg    *types.AppConfig

	bus         *bus.Bus
	registry    *strategy.Registry
	riskMgr     *risk.Manager
	correlation *correlation.Manager
	breakerMgr  *breaker.Manager
	pipeline    *execution.Pipeline
	book        *position.Book
	watcher     *position.Watcher
	alloc       *allocator.Allocator
	attributor  *pnl.Attributor
	store       persistence.Store
	metrics     *metrics.Registry
	dashboard   Dashboard
	regimeClassifier *allocator.RegimeClassifier

	mu           sync.Mutex
	latestPrices map[string]decimal.Decimal
	openTrades   map[string]position.OpenTrade
	stalled      map[string]bool

	cron *cron.Cron
}

// Dashboard is the narrow push-feed interface the operator API server
// satisfies; nil-safe so the supervisor runs headless in tests.
type Dashboard interface {
	BroadcastTrade(types.Trade)
	BroadcastRiskEvent(types.RiskEvent)
}

// Deps bundles the already-constructed components the supervisor
// drives. All fields are required except Dashboard and RegimeClassifier.
type Deps struct {
	Bus              *bus.Bus
	Registry         *strategy.Registry
	Risk             *risk.Manager
	Correlation      *correlation.Manager
	Breaker          *breaker.Manager
	Pipeline         *execution.Pipeline
	Book             *position.Book
	Watcher          *position.Watcher
	Allocator        *allocator.Allocator
	Attributor       *pnl.Attributor
	Store            persistence.Store
	Metrics          *metrics.Registry
	Dashboard        Dashboard
	RegimeClassifier *allocator.RegimeClassifier
}

func New(logger *zap.Logger, cfg *types.AppConfig, d Deps) *Supervisor {
	return &Supervisor{
		logger:       logger.Named("supervisor"),
		cfg:          cfg,
		bus:          d.Bus,
		registry:     d.Registry,
		riskMgr:      d.Risk,
		correlation:  d.Correlation,
		breakerMgr:   d.Breaker,
		pipeline:     d.Pipeline,
		book:         d.Book,
		watcher:      d.Watcher,
		alloc:        d.Allocator,
		attributor:   d.Attributor,
		store:        d.Store,
		metrics:      d.Metrics,
		dashboard:    d.Dashboard,
		regimeClassifier: d.RegimeClassifier,
		latestPrices: make(map[string]decimal.Decimal),
		openTrades:   make(map[string]position.OpenTrade),
		stalled:      make(map[string]bool),
		cron:         cron.New(),
	}
}

// SetWatcher wires the position watcher in after construction, breaking
// the cycle where the watcher's TradeSource/EventPublisher is the
// supervisor itself.
func (s *Supervisor) SetWatcher(w *position.Watcher) {
	s.watcher = w
}

// RegisterStrategies installs every configured StrategySpec into the
// registry, looking up its implementation by Family.
func (s *Supervisor) RegisterStrategies(mode types.TradeMode) error {
	for _, spec := range s.cfg.Strategies {
		factory, ok := strategyFactories[spec.Family]
		if !ok {
			return fmt.Errorf("no strategy implementation registered for family %q", spec.Family)
		}
		params, err := json.Marshal(spec.Params)
		if err != nil {
			return fmt.Errorf("marshal params for %q: %w", spec.ID, err)
		}
		if err := s.registry.Register(spec.ID, factory, params, mode); err != nil {
			return fmt.Errorf("register strategy %q: %w", spec.ID, err)
		}
	}
	return nil
}

// Run binds consumer groups to every stream, starts the cooperative
// pull/process tasks, schedules the periodic control loops, and blocks
// until ctx is canceled, at which point it drains in-flight work up to
// drainGrace before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	streams := consumedStreams()
	for _, stream := range streams {
		s.bus.EnsureGroup(stream, consumerGroup)
	}

	var wg sync.WaitGroup
	for _, stream := range streams {
		ch := make(chan bus.Record, channelCapacity)
		wg.Add(2)
		go func(stream string) {
			defer wg.Done()
			s.pullLoop(ctx, stream, ch)
		}(stream)
		go func(stream string) {
			defer wg.Done()
			s.processLoop(ctx, stream, ch)
		}(stream)
	}

	s.scheduleCron(ctx)
	s.cron.Start()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("position watcher stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown requested, draining in-flight work", zap.Duration("grace", drainGrace))

	drainCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-drainCtx.Done():
		s.logger.Warn("drain grace period elapsed with tasks still running")
	}

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// scheduleCron wires the periodic control loops: correlation recompute
// on its configured cadence, portfolio rebalance on its cadence, a
// breaker health push driven by the latest risk/correlation snapshot,
// and the daily risk-metrics reset at UTC midnight.
func (s *Supervisor) scheduleCron(ctx context.Context) {
	correlationSpec := fmt.Sprintf("@every %s", s.cfg.Correlation.CalculationFrequency)
	if _, err := s.cron.AddFunc(correlationSpec, func() { s.runCorrelationRecalc(ctx) }); err != nil {
		s.logger.Error("failed to schedule correlation recompute", zap.Error(err))
	}

	rebalanceSpec := fmt.Sprintf("@every %s", s.cfg.Allocator.RebalanceFrequency)
	if _, err := s.cron.AddFunc(rebalanceSpec, func() { s.runRebalance(ctx) }); err != nil {
		s.logger.Error("failed to schedule portfolio rebalance", zap.Error(err))
	}

	healthSpec := fmt.Sprintf("@every %s", s.cfg.Breaker.HealthCheckInterval)
	if _, err := s.cron.AddFunc(healthSpec, func() { s.runBreakerHealthCheck() }); err != nil {
		s.logger.Error("failed to schedule breaker health check", zap.Error(err))
	}

	if _, err := s.cron.AddFunc("CRON_TZ=UTC 0 0 * * *", s.riskMgr.ResetDailyMetrics); err != nil {
		s.logger.Error("failed to schedule daily risk reset", zap.Error(err))
	}
}

func (s *Supervisor) runCorrelationRecalc(ctx context.Context) {
	now := time.Now()
	if !s.correlation.ShouldRecalculate(now) {
		return
	}
	for _, alert := range s.correlation.Recalculate(now) {
		s.PublishRiskEvent(correlationRiskEvent(alert))
	}
	_ = ctx
}

func (s *Supervisor) runRebalance(ctx context.Context) {
	s.runRegimeUpdate()
	allocations, err := s.alloc.Rebalance(ctx)
	if err != nil {
		s.logger.Error("rebalance failed", zap.Error(err))
		return
	}
	weights := make(map[string]decimal.Decimal, len(allocations))
	for _, a := range allocations {
		weights[a.StrategyID] = a.Weight
		if s.metrics != nil {
			s.metrics.AllocationWeight.WithLabelValues(a.StrategyID).Set(mustFloat(a.Weight))
		}
		if err := s.store.SaveCapitalAllocation(ctx, types.CapitalAllocation{
			StrategyID: a.StrategyID, Weight: a.Weight, Timestamp: time.Now(),
		}); err != nil {
			s.logger.Error("failed to persist capital allocation", zap.Error(err))
		}
	}
	for _, alert := range s.correlation.UpdateClusterAllocations(weights, time.Now()) {
		s.PublishRiskEvent(correlationRiskEvent(alert))
	}
}

// correlationRiskEvent translates a correlation-manager alert into the
// RiskEvent shape the persistence layer expects.
func correlationRiskEvent(alert types.CorrelationAlert) types.RiskEvent {
	return types.RiskEvent{
		EventType:   types.EventStrategyAllocationExceed,
		Severity:    alert.Severity,
		Description: fmt.Sprintf("%s: strategies %v, correlation %s", alert.AlertType, alert.StrategyIDs, alert.Correlation.String()),
		Timestamp:   alert.Timestamp,
	}
}

func (s *Supervisor) runBreakerHealthCheck() {
	snapshot := s.book.Snapshot()
	var portfolioValue decimal.Decimal
	for _, net := range snapshot {
		portfolioValue = portfolioValue.Add(net.Abs())
	}

	strategyPnL := make(map[string]decimal.Decimal)
	for _, id := range s.registry.List() {
		if perf, ok := s.attributor.Performance(id); ok {
			strategyPnL[id] = perf.TotalPnLUSD
			if s.metrics != nil {
				s.metrics.StrategyPnL.WithLabelValues(id).Set(mustFloat(perf.TotalPnLUSD))
				s.metrics.StrategySharpe.WithLabelValues(id).Set(mustFloat(perf.Sharpe))
			}
		}
	}

	limits := s.riskMgr.Limits()
	dailyPnL := s.riskMgr.DailyPnL()
	var drawdownPct decimal.Decimal
	if dailyPnL.IsNegative() && limits.InitialCapitalUSD.IsPositive() {
		drawdownPct = dailyPnL.Neg().Div(limits.InitialCapitalUSD)
	}

	triggers := s.breakerMgr.Update(breaker.Metrics{
		PortfolioValue: portfolioValue,
		DrawdownPct:    drawdownPct,
		StrategyPnL:    strategyPnL,
	}, time.Now())

	for _, trigger := range triggers {
		if s.metrics != nil {
			s.metrics.BreakerTrips.WithLabelValues(trigger.BreakerName).Inc()
			s.metrics.BreakerState.WithLabelValues(trigger.BreakerName).Set(1)
		}
		s.PublishRiskEvent(types.RiskEvent{
			EventType:   types.EventPortfolioExposure,
			Severity:    severityFromBreaker(trigger.Severity),
			Description: fmt.Sprintf("breaker %q fired at %s (threshold %s)", trigger.BreakerName, trigger.Value.String(), trigger.Threshold.String()),
			Timestamp:   trigger.FiredAt,
		})
	}
	for _, action := range s.breakerMgr.DrainActions() {
		s.logger.Warn("breaker cascade action", zap.String("action", action.Name))
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// severityFromBreaker maps a breaker response tier to the RiskEvent
// severity scale; Warning/Throttle are Medium, Pause/Stop are High, and
// Emergency is Critical.
func severityFromBreaker(sev breaker.Severity) types.RiskSeverity {
	switch sev {
	case breaker.SeverityEmergency:
		return types.SeverityCritical
	case breaker.SeverityPause, breaker.SeverityStop:
		return types.SeverityHigh
	case breaker.SeverityThrottle:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// pullLoop is the producer task for one stream: it pulls delivered
// records from the bus and hands them to the bounded channel, blocking
// (and thereby slowing further pulls) when the channel is full.
func (s *Supervisor) pullLoop(ctx context.Context, streamName string, ch chan<- bus.Record) {
	defer close(ch)
	consumerName := "supervisor-" + streamName

	for {
		if ctx.Err() != nil {
			return
		}
		records, err := s.bus.Pull(ctx, streamName, consumerGroup, consumerName, 32, pullBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("pull failed", zap.String("stream", streamName), zap.Error(err))
			continue
		}
		for _, rec := range records {
			if !s.sendWithBackpressureWatch(ctx, streamName, ch, rec) {
				return
			}
		}
	}
}

// sendWithBackpressureWatch sends rec to ch, and if the send blocks for
// longer than backpressureStall, emits a BackpressureStall RiskEvent
// once per stall episode.
func (s *Supervisor) sendWithBackpressureWatch(ctx context.Context, streamName string, ch chan<- bus.Record, rec bus.Record) bool {
	timer := time.NewTimer(backpressureStall)
	defer timer.Stop()

	select {
	case ch <- rec:
		s.clearStall(streamName, ch)
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		s.markStall(streamName)
	}

	select {
	case ch <- rec:
		s.clearStall(streamName, ch)
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) markStall(streamName string) {
	s.mu.Lock()
	already := s.stalled[streamName]
	s.stalled[streamName] = true
	s.mu.Unlock()

	if !already {
		s.logger.Warn("consumer channel saturated", zap.String("stream", streamName))
		s.PublishRiskEvent(types.RiskEvent{
			EventType:   types.EventBackpressureStall,
			Severity:    types.SeverityHigh,
			Description: fmt.Sprintf("stream %q saturated for over %s", streamName, backpressureStall),
			Timestamp:   time.Now(),
		})
	}
}

func (s *Supervisor) clearStall(streamName string, ch chan<- bus.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stalled[streamName] {
		return
	}
	if float64(len(ch)) < backpressureResume*float64(channelCapacity) {
		s.stalled[streamName] = false
	}
}

// processLoop is the consumer task for one stream: it reads queued
// records, runs the per-record dispatch flow, and acknowledges only
// once the record's side effects have committed.
func (s *Supervisor) processLoop(ctx context.Context, streamName string, ch <-chan bus.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			s.handleRecord(ctx, streamName, rec)
		}
	}
}

func (s *Supervisor) handleRecord(ctx context.Context, streamName string, rec bus.Record) {
	if streamName == "backtest_results" {
		s.handleBacktestResult(rec)
		if err := s.bus.Ack(streamName, consumerGroup, rec.ID); err != nil {
			s.logger.Error("ack failed", zap.String("stream", streamName), zap.Error(err))
		}
		return
	}

	var event types.MarketEvent
	if err := json.Unmarshal(rec.Data, &event); err != nil {
		s.logger.Warn("skipping unparseable record", zap.String("stream", streamName), zap.Error(err))
		if err := s.bus.Ack(streamName, consumerGroup, rec.ID); err != nil {
			s.logger.Error("ack failed", zap.String("stream", streamName), zap.Error(err))
		}
		return
	}
	s.trackLatestPrice(event)

	actions := s.registry.Dispatch(event)
	for _, action := range actions {
		switch action.Action.Kind {
		case types.ActionExecute:
			s.handleExecute(ctx, action.StrategyID, event, *action.Action.Order)
		case types.ActionReducePosition:
			reduced := s.book.Reduce(action.Action.ReduceFraction)
			s.logger.Info("reduced open positions", zap.String("strategy", action.StrategyID), zap.Int("count", reduced))
		case types.ActionClosePosition:
			closed := s.book.CloseAll()
			s.logger.Info("closed open positions", zap.String("strategy", action.StrategyID), zap.Int("count", closed))
			s.clearOpenTradesForStrategy(action.StrategyID)
		}
	}

	if err := s.bus.Ack(streamName, consumerGroup, rec.ID); err != nil {
		s.logger.Error("ack failed", zap.String("stream", streamName), zap.Error(err))
	}
}

func (s *Supervisor) trackLatestPrice(event types.MarketEvent) {
	var price decimal.Decimal
	switch {
	case event.Price != nil:
		price = event.Price.PriceUSD
	case event.Depth != nil:
		price = event.Depth.Mid()
	default:
		return
	}
	if !price.IsPositive() {
		return
	}
	s.mu.Lock()
	prev, hadPrev := s.latestPrices[event.Token]
	s.latestPrices[event.Token] = price
	s.mu.Unlock()

	if s.regimeClassifier != nil && hadPrev && prev.IsPositive() {
		ret, _ := price.Sub(prev).Div(prev).Float64()
		s.regimeClassifier.AddReturn(ret)
	}
}

// runRegimeUpdate reads the classifier's current bucket and, when
// regime-aware allocation is enabled, feeds it to the allocator so the
// next rebalance tilts toward the family weights for that regime.
func (s *Supervisor) runRegimeUpdate() {
	if s.regimeClassifier == nil || !s.cfg.Allocator.UseRegimeAware {
		return
	}
	s.alloc.SetRegime(s.regimeClassifier.Classify())
}

func (s *Supervisor) handleExecute(ctx context.Context, strategyID string, event types.MarketEvent, order types.OrderDetails) {
	sizeMultiplier := s.correlation.SizeMultiplier(strategyID)
	_, isArbitrage := order.StrategyMetadata["arbitrage"]
	volatility := decimal.Zero
	if v, ok := order.StrategyMetadata["volatility"].(float64); ok {
		volatility = decimal.NewFromFloat(v)
	}

	result := s.pipeline.Run(ctx, execution.Candidate{
		StrategyID:     strategyID,
		Order:          order,
		Event:          event,
		SizeMultiplier: sizeMultiplier,
		IsArbitrage:    isArbitrage,
		Volatility:     volatility,
	})

	if result.Rejected {
		if s.metrics != nil {
			s.metrics.RiskRejections.WithLabelValues(string(result.Event.EventType)).Inc()
		}
		if err := s.store.SaveRiskEvent(ctx, result.Event); err != nil {
			s.logger.Error("failed to persist risk event", zap.Error(err))
		}
		if s.dashboard != nil {
			s.dashboard.BroadcastRiskEvent(result.Event)
		}
		return
	}
	if result.Trade == nil {
		return
	}

	trade := *result.Trade
	if err := s.store.SaveTrade(ctx, trade); err != nil {
		s.logger.Error("failed to persist trade", zap.Error(err))
	}
	if s.dashboard != nil {
		s.dashboard.BroadcastTrade(trade)
	}
	if s.metrics != nil {
		s.metrics.RiskApprovals.WithLabelValues(strategyID).Inc()
		s.metrics.PositionNet.WithLabelValues(trade.Symbol).Set(mustFloat(s.book.Snapshot()[trade.Symbol]))
	}

	alerts := s.attributor.RecordTrade(trade, decimal.NewFromInt(int64(order.RiskMetrics.MaxSlippageBps)), time.Now())
	for _, alert := range alerts {
		s.logger.Warn("attribution alert", zap.String("strategy", strategyID), zap.String("type", string(alert.Type)), zap.String("detail", alert.Detail))
	}
	if perf, ok := s.attributor.Performance(strategyID); ok {
		if err := s.store.SaveStrategyPerformance(ctx, perf); err != nil {
			s.logger.Error("failed to persist strategy performance", zap.Error(err))
		}
	}

	s.recordOpenTrade(trade, order)
}

func (s *Supervisor) recordOpenTrade(trade types.Trade, order types.OrderDetails) {
	if order.RiskMetrics.StopLossPrice == nil && order.RiskMetrics.TakeProfitPrice == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openTrades[trade.ID] = position.OpenTrade{
		TradeUUID:       trade.ID,
		StrategyID:      trade.StrategyID,
		TokenAddress:    trade.TokenAddress,
		Symbol:          trade.Symbol,
		Side:            trade.Side,
		StopLossPrice:   order.RiskMetrics.StopLossPrice,
		TakeProfitPrice: order.RiskMetrics.TakeProfitPrice,
	}
}

func (s *Supervisor) clearOpenTradesForStrategy(strategyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, trade := range s.openTrades {
		if trade.StrategyID == strategyID {
			delete(s.openTrades, id)
		}
	}
}

func (s *Supervisor) handleBacktestResult(rec bus.Record) {
	var envelope struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(rec.Data, &envelope); err != nil {
		s.logger.Warn("skipping unparseable backtest_results record", zap.Error(err))
		return
	}
	var summary types.BacktestSummary
	if err := json.Unmarshal([]byte(envelope.Result), &summary); err != nil {
		s.logger.Warn("skipping malformed BacktestSummary", zap.Error(err))
		return
	}
	s.alloc.Ingest(summary)
}

// OpenTrades implements position.TradeSource.
func (s *Supervisor) OpenTrades(_ context.Context) ([]position.OpenTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]position.OpenTrade, 0, len(s.openTrades))
	for _, t := range s.openTrades {
		out = append(out, t)
	}
	return out, nil
}

// LatestPrice implements position.TradeSource.
func (s *Supervisor) LatestPrice(_ context.Context, tokenAddress string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.latestPrices[tokenAddress]
	return price, ok
}

// PublishRiskEvent implements the narrow EventPublisher interface shared
// by execution, position, and allocator, persisting through the Store
// and updating the breaker gauge when applicable.
func (s *Supervisor) PublishRiskEvent(event types.RiskEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := s.store.SaveRiskEvent(context.Background(), event); err != nil {
		s.logger.Error("failed to persist risk event", zap.Error(err))
	}
	if s.dashboard != nil {
		s.dashboard.BroadcastRiskEvent(event)
	}
}
