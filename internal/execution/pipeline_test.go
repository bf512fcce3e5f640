package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/breaker"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type stubQuote struct {
	called bool
	result execution.QuoteResult
	err    error
}

func (s *stubQuote) Quote(ctx context.Context, req execution.QuoteRequest) (execution.QuoteResult, error) {
	s.called = true
	return s.result, s.err
}

type stubSigner struct{ called bool }

func (s *stubSigner) Sign(ctx context.Context, unsignedTxBase64 string) (string, error) {
	s.called = true
	return "signed-" + unsignedTxBase64, nil
}

type stubRelay struct{ called bool }

func (s *stubRelay) SubmitBundle(ctx context.Context, signedTxBase64 string, tipLamports uint64) (string, error) {
	s.called = true
	return "bundle-1", nil
}

type stubRPC struct{ called bool }

func (s *stubRPC) SendTransaction(ctx context.Context, signedTxBase64 string, skipPreflight bool, maxRetries int) (string, error) {
	s.called = true
	return "sig-1", nil
}

type stubBook struct {
	fills []types.Trade
}

func (b *stubBook) ApplyFill(trade types.Trade) { b.fills = append(b.fills, trade) }

type stubEvents struct {
	published []types.RiskEvent
}

func (e *stubEvents) PublishRiskEvent(event types.RiskEvent) { e.published = append(e.published, event) }

func sampleCandidate() execution.Candidate {
	return execution.Candidate{
		StrategyID: "strat-1",
		Order: types.OrderDetails{
			TokenAddress:     "TokenMintAddress111111111111111111111111",
			Symbol:           "SOL/USDC",
			Side:             types.SideLong,
			SuggestedSizeUSD: decimal.NewFromInt(200),
			RiskMetrics:      types.RiskMetrics{MaxSlippageBps: 50},
		},
		Event: types.MarketEvent{
			Type:      types.EventTypePrice,
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Price: &types.PriceTick{
				PriceUSD: decimal.NewFromInt(100),
			},
		},
		SizeMultiplier: decimal.NewFromFloat(1.0),
	}
}

func newTestPipeline(paperTrading bool, quote execution.QuoteBackend, signer execution.Signer, relay execution.BundleRelay, rpc execution.RPCSubmitter, book execution.PositionApplier, events execution.EventPublisher) *execution.Pipeline {
	// The test candidates ($200 and $2000 notional) exceed the default $50
	// per-position cap, so the limits are raised to let them reach the
	// stages under test.
	limits := types.DefaultRiskLimitsConfig()
	limits.MaxPositionUSD = decimal.NewFromInt(10000)
	limits.MaxPortfolioUSD = decimal.NewFromInt(10000)
	limits.MaxStrategyAllocPct = decimal.NewFromInt(100)
	riskMgr := risk.NewManager(limits, zap.NewNop())
	breakerMgr := breaker.NewManager(zap.NewNop())
	return execution.NewPipeline(types.DefaultExecutionConfig(), quote, signer, relay, rpc, riskMgr, breakerMgr, book, events, zap.NewNop(), execution.WithPaperTrading(paperTrading))
}

func TestPaperTradingSkipsQuoteSignAndSubmitStages(t *testing.T) {
	quote := &stubQuote{}
	signer := &stubSigner{}
	relay := &stubRelay{}
	rpc := &stubRPC{}
	book := &stubBook{}
	events := &stubEvents{}

	p := newTestPipeline(true, quote, signer, relay, rpc, book, events)
	result := p.Run(context.Background(), sampleCandidate())

	require.False(t, result.Rejected)
	require.NotNil(t, result.Trade)
	assert.False(t, quote.called)
	assert.False(t, signer.called)
	assert.False(t, relay.called)
	assert.False(t, rpc.called)
	require.Len(t, book.fills, 1)
	assert.Equal(t, "strat-1", book.fills[0].StrategyID)
}

func TestLiveModeQuotesSignsAndSubmitsViaBundleRelay(t *testing.T) {
	quote := &stubQuote{result: execution.QuoteResult{
		OutAmountBaseUnits: 1_000_000,
		UnsignedTxBase64:   "dW5zaWduZWQ=",
	}}
	signer := &stubSigner{}
	relay := &stubRelay{}
	rpc := &stubRPC{}
	book := &stubBook{}
	events := &stubEvents{}

	candidate := sampleCandidate()
	candidate.Order.SuggestedSizeUSD = decimal.NewFromInt(2000) // forces Max protection, non-zero tip
	p := newTestPipeline(false, quote, signer, relay, rpc, book, events)

	result := p.Run(context.Background(), candidate)

	require.False(t, result.Rejected)
	assert.True(t, quote.called)
	assert.True(t, signer.called)
	assert.True(t, relay.called)
	assert.False(t, rpc.called, "relay succeeded, RPC fallback should not run")
	require.Len(t, book.fills, 1)
}

func TestSubmissionFallsBackToRPCWhenRelayFails(t *testing.T) {
	quote := &stubQuote{result: execution.QuoteResult{OutAmountBaseUnits: 1, UnsignedTxBase64: "dW5zaWduZWQ="}}
	signer := &stubSigner{}
	relay := &failingRelay{}
	rpc := &stubRPC{}
	book := &stubBook{}
	events := &stubEvents{}

	p := newTestPipeline(false, quote, signer, relay, rpc, book, events)
	result := p.Run(context.Background(), sampleCandidate())

	require.False(t, result.Rejected)
	assert.True(t, rpc.called)
	assert.Equal(t, "sig-1", result.Reference)
}

type failingRelay struct{}

func (f *failingRelay) SubmitBundle(ctx context.Context, signedTxBase64 string, tipLamports uint64) (string, error) {
	return "", assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "relay unavailable" }

func TestEmptyRouteFailsAtSubmitStage(t *testing.T) {
	quote := &stubQuote{result: execution.QuoteResult{RouteEmpty: true, UnsignedTxBase64: "dW5zaWduZWQ="}}
	signer := &stubSigner{}
	relay := &stubRelay{}
	rpc := &stubRPC{}
	book := &stubBook{}
	events := &stubEvents{}

	p := newTestPipeline(false, quote, signer, relay, rpc, book, events)
	result := p.Run(context.Background(), sampleCandidate())

	assert.True(t, result.Rejected)
	assert.Empty(t, book.fills)
}

func TestTradingHaltedByBreakerRejectsBeforeQuoting(t *testing.T) {
	quote := &stubQuote{}
	signer := &stubSigner{}
	relay := &stubRelay{}
	rpc := &stubRPC{}
	book := &stubBook{}
	events := &stubEvents{}

	riskMgr := risk.NewManager(types.DefaultRiskLimitsConfig(), zap.NewNop())
	breakerMgr := breaker.NewManager(zap.NewNop())
	breakerMgr.Register(breaker.Spec{
		Name: "portfolio_loss_40pct", Type: breaker.TypeDrawdown,
		Threshold: decimal.NewFromFloat(0.40), Severity: breaker.SeverityEmergency,
		AutoRecovery: false, MaxTriggersPerHour: 1,
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	breakerMgr.Update(breaker.Metrics{DrawdownPct: decimal.NewFromFloat(0.5)}, now)
	require.False(t, breakerMgr.IsTradingAllowed())

	p := execution.NewPipeline(types.DefaultExecutionConfig(), quote, signer, relay, rpc, riskMgr, breakerMgr, book, events, zap.NewNop())
	result := p.Run(context.Background(), sampleCandidate())

	assert.True(t, result.Rejected)
	assert.False(t, quote.called)
	assert.Empty(t, book.fills)
}
