// Package execution implements the candidate-order state machine: price
// resolution, quoting, signing, MEV protection level selection,
// submission (bundle relay with RPC fallback), and the final commit that
// updates the position book and risk counters.
package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	terrors "github.com/atlas-desktop/trading-backend/internal/errors"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Stage names the pipeline step an order is currently in or failed at.
type Stage string

const (
	StagePriceResolution       Stage = "PriceResolution"
	StageQuote                 Stage = "Quote"
	StageSign                  Stage = "Sign"
	StageProtectionLevelSelect Stage = "ProtectionLevelSelect"
	StageSubmit                Stage = "Submit"
	StageCommit                Stage = "Commit"
)

// ProtectionLevel is the MEV-protection tier selected for a submission.
type ProtectionLevel string

const (
	ProtectionNone       ProtectionLevel = "None"
	ProtectionBasic      ProtectionLevel = "Basic"
	ProtectionAggressive ProtectionLevel = "Aggressive"
	ProtectionMax        ProtectionLevel = "Max"
)

// tipMultiplier mirrors mev_protection.rs's MevProtectionLevel::get_tip_multiplier.
var tipMultiplier = map[ProtectionLevel]uint64{
	ProtectionNone:       0,
	ProtectionBasic:      1,
	ProtectionAggressive: 2,
	ProtectionMax:        5,
}

// selectProtectionLevel mirrors spec.md's protection-level rule: size and
// arbitrage dominate, then size/volatility combinations, then bare size.
func selectProtectionLevel(sizeUSD decimal.Decimal, isArbitrage bool, volatility decimal.Decimal) ProtectionLevel {
	switch {
	case sizeUSD.GreaterThan(decimal.NewFromInt(1000)) || isArbitrage:
		return ProtectionMax
	case sizeUSD.GreaterThan(decimal.NewFromInt(500)) || volatility.GreaterThan(decimal.NewFromFloat(0.1)):
		return ProtectionAggressive
	case sizeUSD.GreaterThan(decimal.NewFromInt(100)):
		return ProtectionBasic
	default:
		return ProtectionNone
	}
}

// QuoteRequest is the input/output pair and sizing the quote backend needs.
type QuoteRequest struct {
	InputMint       string
	OutputMint      string
	AmountBaseUnits uint64
	SlippageBps     int
}

// QuoteResult is the backend's reply: the output amount in base units and
// whether it found a viable route.
type QuoteResult struct {
	OutAmountBaseUnits uint64
	RouteEmpty         bool
	UnsignedTxBase64   string
}

// QuoteBackend requests a swap quote and the unsigned transaction for it.
type QuoteBackend interface {
	Quote(ctx context.Context, req QuoteRequest) (QuoteResult, error)
}

// Signer turns an unsigned transaction into a signed, submittable one.
type Signer interface {
	Sign(ctx context.Context, unsignedTxBase64 string) (signedTxBase64 string, err error)
}

// BundleRelay submits a signed transaction as a tipped bundle.
type BundleRelay interface {
	SubmitBundle(ctx context.Context, signedTxBase64 string, tipLamports uint64) (reference string, err error)
}

// RPCSubmitter submits a signed transaction directly to an RPC node.
type RPCSubmitter interface {
	SendTransaction(ctx context.Context, signedTxBase64 string, skipPreflight bool, maxRetries int) (signature string, err error)
}

// RiskGate is the subset of the risk manager the pipeline depends on.
type RiskGate interface {
	EvaluateTrade(trade types.Trade) risk.Decision
	UpdatePosition(trade types.Trade)
}

// BreakerGate is the subset of the breaker manager the pipeline depends on.
type BreakerGate interface {
	IsTradingAllowed() bool
}

// PositionApplier is C7's fill-application entry point.
type PositionApplier interface {
	ApplyFill(trade types.Trade)
}

// EventPublisher persists a RiskEvent as a side effect (e.g. via the
// event bus or a direct persistence call).
type EventPublisher interface {
	PublishRiskEvent(event types.RiskEvent)
}

// PipelineError carries the stage at which a candidate order failed.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *PipelineError) Unwrap() error { return e.Err }

// Candidate is one strategy-produced order plus the context the pipeline
// needs to resolve a reference price and size it.
type Candidate struct {
	StrategyID       string
	Order            types.OrderDetails
	Event            types.MarketEvent
	SizeMultiplier   decimal.Decimal // from correlation size adjustment
	IsArbitrage      bool
	Volatility       decimal.Decimal
}

// Result is what Run returns for a single candidate: either a committed
// Trade, or the stage and reason it was rejected/failed at.
type Result struct {
	Trade     *types.Trade
	Reference string
	Rejected  bool
	FailedAt  Stage
	Event     types.RiskEvent
}

// Pipeline wires together every stage and enforces the concurrency and
// per-symbol serialization rules.
type Pipeline struct {
	logger *zap.Logger
	config types.ExecutionConfig

	quote   QuoteBackend
	signer  Signer
	relay   BundleRelay
	rpc     RPCSubmitter
	risk    RiskGate
	breaker BreakerGate
	book    PositionApplier
	events  EventPublisher

	paperTrading bool

	sem          chan struct{}
	symbolLock   sync.Map // symbol -> *sync.Mutex
	retryLimiter *rate.Limiter
}

type Option func(*Pipeline)

func WithPaperTrading(enabled bool) Option {
	return func(p *Pipeline) { p.paperTrading = enabled }
}

func WithConcurrencyLimit(n int) Option {
	return func(p *Pipeline) {
		if n <= 0 {
			n = 8
		}
		p.sem = make(chan struct{}, n)
	}
}

func NewPipeline(config types.ExecutionConfig, quote QuoteBackend, signer Signer, relay BundleRelay, rpc RPCSubmitter, risk RiskGate, breaker BreakerGate, book PositionApplier, events EventPublisher, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger: logger, config: config,
		quote: quote, signer: signer, relay: relay, rpc: rpc,
		risk: risk, breaker: breaker, book: book, events: events,
		sem: make(chan struct{}, 8),
		// Shared across every in-flight candidate so a burst of retries
		// from several symbols at once can't hammer the quote/sign
		// backends faster than one retry per base delay, independent of
		// each candidate's own per-attempt exponential backoff.
		retryLimiter: rate.NewLimiter(rate.Every(config.RetryBaseDelay), config.MaxRetries+1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) symbolMutex(symbol string) *sync.Mutex {
	v, _ := p.symbolLock.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Run executes the full state machine for one candidate order. It
// acquires the pipeline's concurrency slot and the candidate symbol's
// serialization lock for its duration.
func (p *Pipeline) Run(ctx context.Context, c Candidate) Result {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	mu := p.symbolMutex(c.Order.Symbol)
	mu.Lock()
	defer mu.Unlock()

	if !p.breaker.IsTradingAllowed() {
		return Result{Rejected: true, FailedAt: StageSubmit, Event: types.RiskEvent{
			EventType: types.EventSubmissionFailed, Severity: types.SeverityHigh,
			Description: "trading halted: global emergency stop or active breaker",
			StrategyID:  c.StrategyID,
		}}
	}

	price, err := resolvePrice(c.Event, c.Order)
	if err != nil {
		return p.fail(StagePriceResolution, c, err)
	}

	sizeUSD := c.Order.SuggestedSizeUSD.Mul(c.SizeMultiplier)
	quantity := sizeUSD.Div(price)

	trade := types.Trade{
		ID:         fmt.Sprintf("%s-%d", c.StrategyID, time.Now().UnixNano()),
		StrategyID: c.StrategyID,
		Symbol:     c.Order.Symbol,
		TokenAddress: c.Order.TokenAddress,
		Side:       c.Order.Side,
		Quantity:   quantity,
		Price:      price,
		Timestamp:  c.Event.Timestamp,
	}

	decision := p.risk.EvaluateTrade(trade)
	if !decision.Allowed {
		if p.events != nil {
			p.events.PublishRiskEvent(decision.Event)
		}
		return Result{Rejected: true, FailedAt: StageSubmit, Event: decision.Event}
	}

	var reference string
	if p.paperTrading {
		reference = fmt.Sprintf("paper-%s", trade.ID)
	} else {
		reference, err = p.executeOnChain(ctx, c, sizeUSD, quantity)
		if err != nil {
			return p.fail(StageSubmit, c, err)
		}
	}

	p.risk.UpdatePosition(trade)
	p.book.ApplyFill(trade)

	return Result{Trade: &trade, Reference: reference}
}

func (p *Pipeline) executeOnChain(ctx context.Context, c Candidate, sizeUSD, quantity decimal.Decimal) (string, error) {
	slippage := c.Order.RiskMetrics.MaxSlippageBps
	if slippage < p.config.DefaultSlippageBps {
		slippage = p.config.DefaultSlippageBps
	}

	quoteResult, err := p.quoteWithRetry(ctx, QuoteRequest{
		InputMint:       c.Order.TokenAddress,
		OutputMint:      c.Order.TokenAddress,
		AmountBaseUnits: quantity.Mul(decimal.NewFromInt(1e9)).BigInt().Uint64(),
		SlippageBps:     slippage,
	})
	if err != nil {
		return "", err
	}
	if quoteResult.RouteEmpty {
		return "", fmt.Errorf("empty route")
	}

	signedTx, err := p.sign(ctx, quoteResult.UnsignedTxBase64)
	if err != nil {
		return "", err
	}

	level := selectProtectionLevel(sizeUSD, c.IsArbitrage, c.Volatility)
	return p.submit(ctx, signedTx, level)
}

// quoteWithRetry retries the quote request up to MaxRetries times with
// exponential backoff capped at 2s.
func (p *Pipeline) quoteWithRetry(ctx context.Context, req QuoteRequest) (QuoteResult, error) {
	var lastErr error
	delay := p.config.RetryBaseDelay
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := p.retryLimiter.Wait(ctx); err != nil {
			return QuoteResult{}, err
		}
		result, err := p.quote.Quote(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == p.config.MaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return QuoteResult{}, ctx.Err()
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(2*time.Second)))
	}
	return QuoteResult{}, terrors.Transient(terrors.KindExecution, "quote", lastErr)
}

// sign posts to the signer, allowing 2 retries on non-2xx per spec.md.
func (p *Pipeline) sign(ctx context.Context, unsignedTx string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		if err := p.retryLimiter.Wait(ctx); err != nil {
			return "", err
		}
		signed, err := p.signer.Sign(ctx, unsignedTx)
		if err == nil {
			return signed, nil
		}
		lastErr = err
	}
	return "", terrors.New(terrors.KindExecution, "sign", lastErr)
}

// submit tries the bundle relay first (when protection is enabled),
// falling back to direct RPC submission on failure or timeout.
func (p *Pipeline) submit(ctx context.Context, signedTx string, level ProtectionLevel) (string, error) {
	if level != ProtectionNone {
		relayCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		tip := p.config.BaseTipLamports * tipMultiplier[level]
		ref, err := p.relay.SubmitBundle(relayCtx, signedTx, tip)
		cancel()
		if err == nil {
			return ref, nil
		}
		p.logger.Warn("bundle relay failed, falling back to RPC", zap.Error(err))
	}

	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		sig, err := p.rpc.SendTransaction(ctx, signedTx, false, 2)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if !terrors.IsTransient(err) {
			break
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", terrors.New(terrors.KindExecution, "submit", lastErr)
}

func (p *Pipeline) fail(stage Stage, c Candidate, err error) Result {
	p.logger.Warn("pipeline stage failed",
		zap.String("stage", string(stage)),
		zap.String("strategy", c.StrategyID),
		zap.Error(err),
	)
	return Result{Rejected: true, FailedAt: stage, Event: types.RiskEvent{
		EventType:   types.EventSubmissionFailed,
		Severity:    types.SeverityMedium,
		Description: fmt.Sprintf("%s: %v", stage, err),
		StrategyID:  c.StrategyID,
	}}
}

// resolvePrice derives a reference price from event context per spec.md
// §4.6: price ticks use last price, depth uses mid, otherwise a
// strategy-supplied reference_price.
func resolvePrice(event types.MarketEvent, order types.OrderDetails) (decimal.Decimal, error) {
	var price decimal.Decimal
	switch {
	case event.Price != nil:
		price = event.Price.PriceUSD
	case event.Depth != nil:
		price = event.Depth.Mid()
	default:
		if ref, ok := order.StrategyMetadata["reference_price"]; ok {
			switch v := ref.(type) {
			case decimal.Decimal:
				price = v
			case float64:
				price = decimal.NewFromFloat(v)
			}
		}
	}

	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid reference price: %s", price.String())
	}
	return price, nil
}
