// Package types provides shared type definitions for the trading control plane.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the variant carried by a MarketEvent.
type EventType string

const (
	EventTypePrice        EventType = "price"
	EventTypeDepth        EventType = "depth"
	EventTypeSocial       EventType = "social"
	EventTypeBridge       EventType = "bridge"
	EventTypeFunding      EventType = "funding"
	EventTypeOnChain      EventType = "onchain"
	EventTypeSolPrice     EventType = "sol_price"
	EventTypeWhale        EventType = "whale"
	EventTypeLiquidation  EventType = "liquidation"
	EventTypeAirdrop      EventType = "airdrop"
	EventTypeVolume       EventType = "volume"
	EventTypeTwitterRaw   EventType = "twitter_raw"
	EventTypeFarcasterRaw EventType = "farcaster_raw"
)

// MarketEvent is the tagged variant consumed by strategies. Exactly one of
// the payload fields is non-nil, matching Type.
type MarketEvent struct {
	Type      EventType `json:"type"`
	Token     string    `json:"token_address"`
	Timestamp time.Time `json:"timestamp"`

	Price       *PriceTick        `json:"price,omitempty"`
	Depth       *DepthEvent       `json:"depth,omitempty"`
	Social      *SocialMention    `json:"social,omitempty"`
	Bridge      *BridgeEvent      `json:"bridge,omitempty"`
	Funding     *FundingEvent     `json:"funding,omitempty"`
	OnChain     *OnChainEvent     `json:"onchain,omitempty"`
	SolPrice    *SolPriceEvent    `json:"sol_price,omitempty"`
	Whale       *WhaleEvent       `json:"whale,omitempty"`
	Liquidation *LiquidationEvent `json:"liquidation,omitempty"`
	Airdrop     *AirdropEvent     `json:"airdrop,omitempty"`
	Volume      *VolumeEvent      `json:"volume,omitempty"`
	TwitterRaw  *TwitterRawEvent  `json:"twitter_raw,omitempty"`
	Farcaster   *FarcasterEvent   `json:"farcaster_raw,omitempty"`
}

// PriceTick carries a venue price update for a token.
type PriceTick struct {
	TokenAddress  string          `json:"token_address"`
	PriceUSD      decimal.Decimal `json:"price_usd"`
	VolumeUSD1m   decimal.Decimal `json:"volume_usd_1m"`
	VolumeUSD5m   decimal.Decimal `json:"volume_usd_5m"`
	VolumeUSD15m  decimal.Decimal `json:"volume_usd_15m"`
	PriceChange1m decimal.Decimal `json:"price_change_1m"`
	PriceChange5m decimal.Decimal `json:"price_change_5m"`
	LiquidityUSD  decimal.Decimal `json:"liquidity_usd"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DepthEvent carries an order-book depth snapshot.
type DepthEvent struct {
	TokenAddress   string          `json:"token_address"`
	BidPrice       decimal.Decimal `json:"bid_price"`
	AskPrice       decimal.Decimal `json:"ask_price"`
	BidSizeUSD     decimal.Decimal `json:"bid_size_usd"`
	AskSizeUSD     decimal.Decimal `json:"ask_size_usd"`
	SpreadBps      decimal.Decimal `json:"spread_bps"`
	ImbalanceRatio decimal.Decimal `json:"imbalance_ratio"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Mid returns (bid + ask) / 2.
func (d DepthEvent) Mid() decimal.Decimal {
	return d.BidPrice.Add(d.AskPrice).Div(decimal.NewFromInt(2))
}

// SocialMention carries an aggregated social sentiment reading.
type SocialMention struct {
	TokenAddress    string          `json:"token_address"`
	Source          string          `json:"source"`
	Sentiment       decimal.Decimal `json:"sentiment"`
	EngagementScore decimal.Decimal `json:"engagement_score"`
	InfluencerScore decimal.Decimal `json:"influencer_score"`
	Mentions1h      int             `json:"mentions_1h"`
	Timestamp       time.Time       `json:"timestamp"`
}

// BridgeEvent carries cross-chain bridge inflow/outflow volume.
type BridgeEvent struct {
	TokenAddress     string          `json:"token_address"`
	SourceChain      string          `json:"source_chain"`
	DestinationChain string          `json:"destination_chain"`
	VolumeUSD        decimal.Decimal `json:"volume_usd"`
	UniqueUsers      int             `json:"unique_users"`
	AvgTransferUSD   decimal.Decimal `json:"avg_transfer_size"`
	Timestamp        time.Time       `json:"timestamp"`
}

// FundingEvent carries perpetual funding-rate data.
type FundingEvent struct {
	TokenAddress    string          `json:"token_address"`
	FundingRatePct  decimal.Decimal `json:"funding_rate_pct"`
	OpenInterestUSD decimal.Decimal `json:"open_interest_usd"`
	Timestamp       time.Time       `json:"timestamp"`
}

// OnChainEvent carries an opaque on-chain program event.
type OnChainEvent struct {
	TokenAddress string         `json:"token_address"`
	EventType    string         `json:"event_type"`
	Details      map[string]any `json:"details"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SolPriceEvent carries the SOL/USD reference price.
type SolPriceEvent struct {
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Timestamp time.Time       `json:"timestamp"`
}

// TwitterRawEvent carries an unprocessed tweet for social strategies.
type TwitterRawEvent struct {
	TweetID         string          `json:"tweet_id"`
	Text            string          `json:"text"`
	AuthorID        string          `json:"author_id"`
	AuthorFollowers int             `json:"author_followers"`
	EngagementRate  decimal.Decimal `json:"engagement_rate"`
	TimestampUnix   int64           `json:"timestamp"`
}

// FarcasterEvent carries an unprocessed Farcaster cast.
type FarcasterEvent struct {
	CastHash        string `json:"cast_hash"`
	Text            string `json:"text"`
	AuthorFID       string `json:"author_fid"`
	AuthorFollowers int    `json:"author_followers"`
	TimestampUnix   int64  `json:"timestamp"`
}

// WhaleEvent carries a large wallet action.
type WhaleEvent struct {
	TokenAddress  string          `json:"token_address"`
	WalletAddress string          `json:"wallet_address"`
	Action        string          `json:"action"` // "buy", "sell", "transfer"
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	AmountTokens  decimal.Decimal `json:"amount_tokens"`
	WalletBalance decimal.Decimal `json:"wallet_balance_usd"`
	Timestamp     time.Time       `json:"timestamp"`
}

// LiquidationEvent carries a leveraged-position liquidation.
type LiquidationEvent struct {
	TokenAddress     string          `json:"token_address"`
	LiquidatedAmount decimal.Decimal `json:"liquidated_amount_usd"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Platform         string          `json:"platform"`
	Timestamp        time.Time       `json:"timestamp"`
}

// AirdropEvent carries a token airdrop distribution.
type AirdropEvent struct {
	TokenAddress    string          `json:"token_address"`
	RecipientsCount int             `json:"recipients_count"`
	TotalAmountUSD  decimal.Decimal `json:"total_amount_usd"`
	AvgPerWallet    decimal.Decimal `json:"avg_per_wallet"`
	Timestamp       time.Time       `json:"timestamp"`
}

// VolumeEvent carries a detected volume-spike reading.
type VolumeEvent struct {
	TokenAddress     string          `json:"token_address"`
	VolumeSpikeRatio decimal.Decimal `json:"volume_spike_ratio"`
	BuyVolumeUSD     decimal.Decimal `json:"buy_volume_usd"`
	SellVolumeUSD    decimal.Decimal `json:"sell_volume_usd"`
	UniqueTraders    int             `json:"unique_traders"`
	LargeTradesCount int             `json:"large_trades_count"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Side is the direction of a trade or position.
type Side string

const (
	SideLong  Side = "Long"
	SideShort Side = "Short"
)

// Opposite returns the closing side for this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign returns +1 for Long and -1 for Short.
func (s Side) Sign() decimal.Decimal {
	if s == SideLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// TradeMode describes how seriously a strategy's orders are executed.
type TradeMode string

const (
	ModeSimulating TradeMode = "Simulating"
	ModePaper      TradeMode = "Paper"
	ModeLive       TradeMode = "Live"
)

// RiskMetrics carries the per-order risk parameters a strategy attaches to
// a candidate order.
type RiskMetrics struct {
	PositionSizePct  decimal.Decimal  `json:"position_size_pct"`
	StopLossPrice    *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice  *decimal.Decimal `json:"take_profit_price,omitempty"`
	MaxSlippageBps   int              `json:"max_slippage_bps"`
	TimeLimitSeconds *int64           `json:"time_limit_seconds,omitempty"`
}

// OrderDetails describes a candidate order emitted by a strategy.
type OrderDetails struct {
	TokenAddress     string          `json:"token_address"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	SuggestedSizeUSD decimal.Decimal `json:"suggested_size_usd"`
	Confidence       decimal.Decimal `json:"confidence"`
	StrategyMetadata map[string]any  `json:"strategy_metadata"`
	RiskMetrics      RiskMetrics     `json:"risk_metrics"`
}

// ActionKind discriminates a StrategyAction's variant.
type ActionKind string

const (
	ActionHold           ActionKind = "hold"
	ActionExecute        ActionKind = "execute"
	ActionReducePosition ActionKind = "reduce_position"
	ActionClosePosition  ActionKind = "close_position"
)

// StrategyAction is the tagged result of a strategy's on_event call.
type StrategyAction struct {
	Kind           ActionKind      `json:"kind"`
	Order          *OrderDetails   `json:"order,omitempty"`
	ReduceFraction decimal.Decimal `json:"reduce_fraction,omitempty"`
}

// Hold is the zero-effect action.
func Hold() StrategyAction { return StrategyAction{Kind: ActionHold} }

// Execute wraps a candidate order as an action.
func Execute(order OrderDetails) StrategyAction {
	return StrategyAction{Kind: ActionExecute, Order: &order}
}

// ReducePosition scales down the open position by fraction in [0,1].
func ReducePosition(fraction decimal.Decimal) StrategyAction {
	return StrategyAction{Kind: ActionReducePosition, ReduceFraction: fraction}
}

// ClosePosition fully unwinds the open position.
func ClosePosition() StrategyAction { return StrategyAction{Kind: ActionClosePosition} }

// Trade is an immutable record of a completed fill.
type Trade struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	TokenAddress   string          `json:"token_address"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Timestamp      time.Time       `json:"timestamp"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
}

// Value returns quantity * price, the trade's notional.
func (t Trade) Value() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// SignedNotional returns Value() signed by side (+ for Long, - for Short).
func (t Trade) SignedNotional() decimal.Decimal {
	return t.Value().Mul(t.Side.Sign())
}

// Position is the net exposure to a symbol, owned exclusively by the
// position book.
type Position struct {
	Symbol       string           `json:"symbol"`
	TokenAddress string           `json:"token_address"`
	StrategyID   string           `json:"strategy_id"`
	Side         Side             `json:"side"`
	NetQuoteUSD  decimal.Decimal  `json:"net_quote_usd"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	OpenedAt     time.Time        `json:"opened_at"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
}

// PositionEpsilon is the minimum |net| below which a position is
// considered closed.
var PositionEpsilon = decimal.NewFromFloat(0.01)

// RiskSeverity ranks the severity of a RiskEvent.
type RiskSeverity string

const (
	SeverityLow      RiskSeverity = "Low"
	SeverityMedium   RiskSeverity = "Medium"
	SeverityHigh     RiskSeverity = "High"
	SeverityCritical RiskSeverity = "Critical"
)

// RiskEventType enumerates the reasons a RiskEvent was recorded.
type RiskEventType string

const (
	EventDailyLossLimit           RiskEventType = "DailyLossLimit"
	EventPositionSizeExceeded     RiskEventType = "PositionSizeExceeded"
	EventPortfolioExposure        RiskEventType = "PortfolioExposure"
	EventStrategyAllocationExceed RiskEventType = "StrategyAllocationExceeded"
	EventBackpressureStall        RiskEventType = "BackpressureStall"
	EventStopLossTriggered        RiskEventType = "StopLossTriggered"
	EventTakeProfitReached        RiskEventType = "TakeProfitReached"
	EventSubmissionFailed         RiskEventType = "SubmissionFailed"
	EventPersistenceFailure       RiskEventType = "PersistenceFailure"
)

// RiskEvent is a persisted record of a risk-relevant occurrence.
type RiskEvent struct {
	EventType   RiskEventType  `json:"event_type"`
	Severity    RiskSeverity   `json:"severity"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	StrategyID  string         `json:"strategy_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StrategyAllocation carries a weight and live-trading parameters for one
// strategy, published by the portfolio allocator.
type StrategyAllocation struct {
	StrategyID     string          `json:"strategy_id"`
	Weight         decimal.Decimal `json:"weight"`
	Sharpe         decimal.Decimal `json:"sharpe"`
	Mode           TradeMode       `json:"mode"`
	Params         map[string]any  `json:"params"`
	MaxPositionUSD decimal.Decimal `json:"max_position_usd"`
}

// CorrelationCluster groups strategies whose pairwise |correlation|
// exceeds the configured threshold.
type CorrelationCluster struct {
	ClusterID       string           `json:"cluster_id"`
	StrategyIDs     []string         `json:"strategy_ids"`
	AvgCorrelation  decimal.Decimal  `json:"avg_correlation"`
	TotalAllocation decimal.Decimal  `json:"total_allocation"`
	RiskLevel       ClusterRiskLevel `json:"risk_level"`
}

// ClusterRiskLevel classifies a correlation cluster by allocation share.
type ClusterRiskLevel string

const (
	ClusterRiskLow      ClusterRiskLevel = "Low"
	ClusterRiskMedium   ClusterRiskLevel = "Medium"
	ClusterRiskHigh     ClusterRiskLevel = "High"
	ClusterRiskCritical ClusterRiskLevel = "Critical"
)

// CorrelationAlertType enumerates why a correlation alert fired.
type CorrelationAlertType string

const (
	AlertHighCorrelation      CorrelationAlertType = "HighCorrelation"
	AlertClusterOverallocated CorrelationAlertType = "ClusterOverallocation"
	AlertRegimeShift          CorrelationAlertType = "RegimeShift"
	AlertConcentrationRisk    CorrelationAlertType = "ConcentrationRisk"
)

// CorrelationAlert is an observability record emitted by the correlation
// manager alongside its size-multiplier adjustments.
type CorrelationAlert struct {
	AlertType   CorrelationAlertType `json:"alert_type"`
	StrategyIDs []string             `json:"strategy_ids"`
	Correlation decimal.Decimal      `json:"correlation"`
	Severity    RiskSeverity         `json:"severity"`
	Timestamp   time.Time            `json:"timestamp"`
}

// BacktestSummary is the narrow record the portfolio allocator consumes
// from the (external) backtest engine.
type BacktestSummary struct {
	StrategyID     string          `json:"strategy_id"`
	SharpeRatio    decimal.Decimal `json:"sharpe_ratio"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
}

// StrategyPerformance is the per-strategy accounting record persisted by
// the P&L / attribution component.
type StrategyPerformance struct {
	StrategyID       string          `json:"strategy_id"`
	TotalPnLUSD      decimal.Decimal `json:"total_pnl_usd"`
	RealizedPnLUSD   decimal.Decimal `json:"realized_pnl_usd"`
	UnrealizedPnLUSD decimal.Decimal `json:"unrealized_pnl_usd"`
	Trades           int             `json:"trades"`
	Wins             int             `json:"wins"`
	Losses           int             `json:"losses"`
	Sharpe           decimal.Decimal `json:"sharpe"`
	Sortino          decimal.Decimal `json:"sortino"`
	Calmar           decimal.Decimal `json:"calmar"`
	MaxDrawdownPct   decimal.Decimal `json:"max_drawdown_pct"`
	CurrentDrawdown  decimal.Decimal `json:"current_drawdown_pct"`
	AvgSlippageBps   decimal.Decimal `json:"avg_slippage_bps"`
	RiskScore        decimal.Decimal `json:"risk_score"`
	AlphaScore       decimal.Decimal `json:"alpha_score"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// CapitalAllocation is the persisted record of an allocation change.
type CapitalAllocation struct {
	StrategyID     string          `json:"strategy_id"`
	Weight         decimal.Decimal `json:"weight"`
	MaxPositionUSD decimal.Decimal `json:"max_position_usd"`
	Timestamp      time.Time       `json:"timestamp"`
}

// CloseSignalReason enumerates why the position watcher emitted a close.
type CloseSignalReason string

const (
	ReasonStopLossTriggered CloseSignalReason = "stop_loss_triggered"
	ReasonTakeProfitReached CloseSignalReason = "take_profit_reached"
	ReasonClosePosition     CloseSignalReason = "close_position"
)

// CloseSignal is a trading_signals stream record emitted by the position
// watcher or by strategies requesting an unwind.
type CloseSignal struct {
	Type         CloseSignalReason `json:"type"`
	TradeUUID    string            `json:"trade_uuid"`
	StrategyID   string            `json:"strategy_id"`
	TokenAddress string            `json:"token_address"`
	Symbol       string            `json:"symbol"`
	Side         Side              `json:"side"`
	Threshold    decimal.Decimal   `json:"threshold"`
	TriggerPrice decimal.Decimal   `json:"trigger_price"`
	TimestampMs  int64             `json:"timestamp_ms"`
}
