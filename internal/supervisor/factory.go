package supervisor

import "github.com/atlas-desktop/trading-backend/internal/strategy"

// strategyFactories maps a StrategySpec.Family to the constructor for
// that strategy implementation. Every family in
// types.DefaultStrategySpecs must have an entry here.
var strategyFactories = map[string]strategy.Factory{
	"momentum_5m":         strategy.NewMomentum5m,
	"mean_revert_1h":      strategy.NewMeanRevert1h,
	"bridge_inflow":       strategy.NewBridgeInflow,
	"social_buzz":         strategy.NewSocialBuzz,
	"rug_pull_sniffer":    strategy.NewRugPullSniffer,
	"korean_time_burst":   strategy.NewKoreanTimeBurst,
	"airdrop_rotation":    strategy.NewAirdropRotation,
	"dev_wallet_drain":    strategy.NewDevWalletDrain,
	"liquidity_migration": strategy.NewLiquidityMigration,
	"perp_basis_arb":      strategy.NewPerpBasisArb,
}
