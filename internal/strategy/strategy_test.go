package strategy_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// fakeStrategy is a minimal, test-controlled Strategy implementation.
type fakeStrategy struct {
	id      string
	subs    map[types.EventType]struct{}
	initErr error
	sleep   time.Duration
	action  types.StrategyAction
	onErr   error
	calls   int
}

func (f *fakeStrategy) ID() string                                   { return f.id }
func (f *fakeStrategy) Subscriptions() map[types.EventType]struct{}   { return f.subs }
func (f *fakeStrategy) Init(json.RawMessage) error                   { return f.initErr }
func (f *fakeStrategy) SnapshotState() map[string]any                { return map[string]any{"calls": f.calls} }
func (f *fakeStrategy) OnEvent(types.MarketEvent) (types.StrategyAction, error) {
	f.calls++
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	if f.onErr != nil {
		return types.StrategyAction{}, f.onErr
	}
	return f.action, nil
}

func priceEvent(token string) types.MarketEvent {
	return types.MarketEvent{
		Type:      types.EventTypePrice,
		Token:     token,
		Timestamp: time.Now(),
		Price:     &types.PriceTick{TokenAddress: token, PriceUSD: decimal.NewFromInt(1)},
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	calls := 0
	factory := func() strategy.Strategy {
		calls++
		return &fakeStrategy{id: "s1", subs: map[types.EventType]struct{}{types.EventTypePrice: {}}}
	}

	require.NoError(t, r.Register("s1", factory, nil, types.ModeLive))
	require.NoError(t, r.Register("s1", factory, nil, types.ModeLive))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"s1"}, r.List())
}

func TestDispatchRoutesOnlySubscribedStrategies(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	order := types.Execute(types.OrderDetails{TokenAddress: "tok", Side: types.SideLong})

	require.NoError(t, r.Register("price-sub", func() strategy.Strategy {
		return &fakeStrategy{id: "price-sub", subs: map[types.EventType]struct{}{types.EventTypePrice: {}}, action: order}
	}, nil, types.ModeLive))

	require.NoError(t, r.Register("social-sub", func() strategy.Strategy {
		return &fakeStrategy{id: "social-sub", subs: map[types.EventType]struct{}{types.EventTypeSocial: {}}, action: order}
	}, nil, types.ModeLive))

	actions := r.Dispatch(priceEvent("tok"))
	require.Len(t, actions, 1)
	assert.Equal(t, "price-sub", actions[0].StrategyID)
}

func TestDispatchExcludesHoldActions(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	require.NoError(t, r.Register("holder", func() strategy.Strategy {
		return &fakeStrategy{id: "holder", subs: map[types.EventType]struct{}{types.EventTypePrice: {}}, action: types.Hold()}
	}, nil, types.ModeLive))

	actions := r.Dispatch(priceEvent("tok"))
	assert.Empty(t, actions)
}

func TestOnEventErrorIsTreatedAsHoldAndNotEvicted(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	require.NoError(t, r.Register("erroring", func() strategy.Strategy {
		return &fakeStrategy{id: "erroring", subs: map[types.EventType]struct{}{types.EventTypePrice: {}}, onErr: errors.New("boom")}
	}, nil, types.ModeLive))

	actions := r.Dispatch(priceEvent("tok"))
	assert.Empty(t, actions)
	assert.Contains(t, r.List(), "erroring")
}

func TestInitErrorEvictsInLiveModeButSurvivesInPaperMode(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	factory := func() strategy.Strategy {
		return &fakeStrategy{id: "bad-init", subs: map[types.EventType]struct{}{}, initErr: errors.New("invalid config")}
	}

	err := r.Register("bad-init", factory, nil, types.ModeLive)
	require.Error(t, err)
	assert.NotContains(t, r.List(), "bad-init")

	rp := strategy.NewRegistry(zap.NewNop())
	err = rp.Register("bad-init", factory, nil, types.ModePaper)
	require.NoError(t, err)
	assert.Contains(t, rp.List(), "bad-init")
}

func TestSlowStrategyIsPausedAfterRepeatedViolations(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	require.NoError(t, r.Register("slow", func() strategy.Strategy {
		return &fakeStrategy{id: "slow", subs: map[types.EventType]struct{}{types.EventTypePrice: {}}, sleep: 200 * time.Millisecond}
	}, nil, types.ModeLive))

	for i := 0; i < 3; i++ {
		r.Dispatch(priceEvent("tok"))
	}

	status := r.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Paused)

	// A paused strategy no longer appears in dispatch output even though it
	// remains registered.
	actions := r.Dispatch(priceEvent("tok"))
	assert.Empty(t, actions)

	require.NoError(t, r.Resume("slow"))
	assert.False(t, r.Status()[0].Paused)
}
