package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

type fakeStore struct {
	bidAsk       map[string]core.BidAsk
	atrPct       map[string]decimal.Decimal
	signals      map[string]core.Action
	orders       map[string]core.OrderData
	brackets     map[string]core.BracketOrder
	positions    []core.Position
	exitTracking []core.ExitDecision
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bidAsk:   map[string]core.BidAsk{},
		atrPct:   map[string]decimal.Decimal{},
		signals:  map[string]core.Action{},
		orders:   map[string]core.OrderData{},
		brackets: map[string]core.BracketOrder{},
	}
}

func (s *fakeStore) PutBar(string, core.AnnotatedBar)           {}
func (s *fakeStore) LatestBar(string) (core.AnnotatedBar, bool) { return core.AnnotatedBar{}, false }
func (s *fakeStore) RecentBars(string, int) []core.AnnotatedBar { return nil }

func (s *fakeStore) PutBidAsk(symbol string, ba core.BidAsk) { s.bidAsk[symbol] = ba }
func (s *fakeStore) GetBidAsk(symbol string) (core.BidAsk, bool) {
	ba, ok := s.bidAsk[symbol]
	return ba, ok
}

func (s *fakeStore) PutATRPct(symbol string, v decimal.Decimal) { s.atrPct[symbol] = v }
func (s *fakeStore) GetATRPct(symbol string) (decimal.Decimal, bool) {
	v, ok := s.atrPct[symbol]
	return v, ok
}

func (s *fakeStore) PutLatestSignal(symbol string, a core.Action) { s.signals[symbol] = a }
func (s *fakeStore) GetLatestSignal(symbol string) (core.Action, bool) {
	a, ok := s.signals[symbol]
	return a, ok
}

func (s *fakeStore) PutOpenOrder(o core.OrderData) { s.orders[o.ClientOrderID] = o }
func (s *fakeStore) GetOpenOrder(id string) (core.OrderData, bool) {
	o, ok := s.orders[id]
	return o, ok
}
func (s *fakeStore) RemoveOpenOrder(id string) { delete(s.orders, id) }
func (s *fakeStore) OpenOrdersForSymbol(symbol string) []core.OrderData {
	var out []core.OrderData
	for _, o := range s.orders {
		if o.ProductID == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (s *fakeStore) PutPosition(p core.Position) { s.positions = append(s.positions, p) }
func (s *fakeStore) GetPosition(string) (core.Position, bool) { return core.Position{}, false }
func (s *fakeStore) OpenPositions() []core.Position            { return s.positions }

func (s *fakeStore) PutBracket(b core.BracketOrder) { s.brackets[b.ProductID] = b }
func (s *fakeStore) GetBracket(productID string) (core.BracketOrder, bool) {
	b, ok := s.brackets[productID]
	return b, ok
}

func (s *fakeStore) AppendExitTracking(_ string, d core.ExitDecision) {
	s.exitTracking = append(s.exitTracking, d)
}

var _ core.ISharedStateStore = (*fakeStore)(nil)

func testConfig() Config {
	return Config{
		HardStopPct:            0.05,
		MaxLossPct:             0.025,
		MinProfitPct:           0.035,
		TrailingEnabled:        false,
		TrailingATRMult:        2.0,
		TrailingActivationPct:  0.035,
		TrailingMaxDistPct:     0.02,
		TrailingMinDistPct:     0.01,
		SignalExitEnabled:      true,
		SignalExitMinProfitPct: 0.0,
		BracketMatchTolerance:  0.005,
		CheckInterval:          30 * time.Second,
		HodlSet:                map[string]struct{}{},
	}
}

func newPos(symbol string, entry, balance, mid decimal.Decimal) core.Position {
	unrealized := mid.Sub(entry).Mul(balance)
	return core.Position{Symbol: symbol, TotalBalance: balance, AvailableBalance: balance, UnrealizedPnL: unrealized}
}

func TestEvaluateHardStopAlwaysOverridesBracket(t *testing.T) {
	store := newFakeStore()
	m := New(testConfig(), store, nil, nil, nil, nil, nil)

	mid := decimal.NewFromInt(90)
	pos := newPos("BTC-USD", decimal.NewFromInt(100), decimal.NewFromFloat(1), mid) // -10% P&L
	bracket := core.BracketOrder{ProductID: "BTC-USD", Status: core.BracketStatusActive, StopPrice: decimal.NewFromInt(95)}

	d, err := m.Evaluate(context.Background(), "BTC-USD", mid, pos, bracket)
	require.NoError(t, err)
	assert.Equal(t, core.ExitEmergency, d.Kind)
	assert.True(t, d.UseMarketOrder)
	assert.True(t, d.OverridesBracket)
}

func TestEvaluateSoftStopOverridesBracketAtToleranceBoundary(t *testing.T) {
	store := newFakeStore()
	m := New(testConfig(), store, nil, nil, nil, nil, nil)

	mid := decimal.NewFromInt(97) // -3% P&L relative to entry 100, past max_loss_pct (-2.5%) but not hard_stop_pct (-5%)
	pos := newPos("ETH-USD", decimal.NewFromInt(100), decimal.NewFromFloat(1), mid)
	bracket := core.BracketOrder{ProductID: "ETH-USD", Status: core.BracketStatusActive, StopPrice: decimal.NewFromInt(97)} // -3%: exactly 0.5% from the monitor's -2.5% target

	d, err := m.Evaluate(context.Background(), "ETH-USD", mid, pos, bracket)
	require.NoError(t, err)
	// A 0.5% gap is not strictly within the 0.5% tolerance, so this is a
	// SOFT_STOP overriding the mismatched bracket.
	assert.Equal(t, core.ExitSoftStop, d.Kind)
	assert.True(t, d.OverridesBracket)
}

func TestEvaluateTakeProfitNoBracket(t *testing.T) {
	store := newFakeStore()
	m := New(testConfig(), store, nil, nil, nil, nil, nil)

	mid := decimal.NewFromInt(104) // +4% P&L >= min_profit_pct 3.5%
	pos := newPos("SOL-USD", decimal.NewFromInt(100), decimal.NewFromFloat(1), mid)

	d, err := m.Evaluate(context.Background(), "SOL-USD", mid, pos, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitTakeProfit, d.Kind)
	assert.False(t, d.OverridesBracket)
}

func TestEvaluateHodlSymbolNeverExits(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.HodlSet = map[string]struct{}{"BTC": {}}
	m := New(cfg, store, nil, nil, nil, nil, nil)

	mid := decimal.NewFromInt(50) // -50%, would otherwise be an emergency stop
	pos := newPos("BTC-USD", decimal.NewFromInt(100), decimal.NewFromFloat(1), mid)

	d, err := m.Evaluate(context.Background(), "BTC-USD", mid, pos, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitNone, d.Kind)
	assert.Equal(t, "hodl", d.Reason)
}

func TestEvaluatePendingSellOrderSkips(t *testing.T) {
	store := newFakeStore()
	store.PutOpenOrder(core.OrderData{ClientOrderID: "x", ProductID: "BTC-USD", Side: core.OrderSideSell})
	m := New(testConfig(), store, nil, nil, nil, nil, nil)

	mid := decimal.NewFromInt(90)
	pos := newPos("BTC-USD", decimal.NewFromInt(100), decimal.NewFromFloat(1), mid)

	d, err := m.Evaluate(context.Background(), "BTC-USD", mid, pos, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitNone, d.Kind)
	assert.Equal(t, "pending_sell_order", d.Reason)
}

func TestTrailingStopActivatesThenRaisesThenTriggers(t *testing.T) {
	store := newFakeStore()
	store.PutATRPct("BTC-USD", decimal.NewFromFloat(0.01)) // 1% ATR
	cfg := testConfig()
	cfg.TrailingEnabled = true
	m := New(cfg, store, nil, nil, nil, nil, nil)

	entry := decimal.NewFromInt(100)
	// +4% P&L activates trailing (threshold 3.5%)
	mid := decimal.NewFromInt(104)
	pos := newPos("BTC-USD", entry, decimal.NewFromFloat(1), mid)
	d, err := m.Evaluate(context.Background(), "BTC-USD", mid, pos, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrailingActivate, d.Kind)

	// Price keeps rising; trailing stays active, no trigger yet.
	mid2 := decimal.NewFromInt(110)
	pos2 := newPos("BTC-USD", entry, decimal.NewFromFloat(1), mid2)
	d2, err := m.Evaluate(context.Background(), "BTC-USD", mid2, pos2, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitNone, d2.Kind)

	// Price falls through the trailing stop: 110 high, 2*1%*110 = 2.2 distance -> stop ~107.8,
	// constrained to [110*0.98, 110*0.99] = [107.8, 108.9] -> stop 107.8. Falling to 107 triggers.
	mid3 := decimal.NewFromInt(107)
	pos3 := newPos("BTC-USD", entry, decimal.NewFromFloat(1), mid3)
	d3, err := m.Evaluate(context.Background(), "BTC-USD", mid3, pos3, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrailingStop, d3.Kind)
}

// TestTrailingStopHasRealStopPriceOnActivationCall covers the activation
// instant itself: a stop price must be computed and usable immediately, not
// deferred to the next evaluation, so a sharp drop right after activation
// can still trigger an exit.
func TestTrailingStopHasRealStopPriceOnActivationCall(t *testing.T) {
	store := newFakeStore()
	store.PutATRPct("BTC-USD", decimal.NewFromFloat(0.01)) // 1% ATR
	cfg := testConfig()
	cfg.TrailingEnabled = true
	m := New(cfg, store, nil, nil, nil, nil, nil)

	entry := decimal.NewFromInt(100)
	mid := decimal.NewFromInt(104) // +4% P&L activates trailing (threshold 3.5%)
	pos := newPos("BTC-USD", entry, decimal.NewFromFloat(1), mid)

	d, err := m.Evaluate(context.Background(), "BTC-USD", mid, pos, core.BracketOrder{})
	require.NoError(t, err)
	require.Equal(t, core.ExitTrailingActivate, d.Kind)

	st := m.trailingStateFor("BTC-USD")
	require.True(t, st.HasStopPrice, "activation call must compute a stop price immediately")
	// high=104, distance=104*0.01*2=2.08 -> 101.92, clamped to [104*0.98, 104*0.99] = [101.92, 102.96]
	assert.True(t, st.StopPrice.Equal(decimal.NewFromFloat(101.92)), "got %s", st.StopPrice)

	// A sharp drop on the very next evaluation must be able to trigger.
	midDrop := decimal.NewFromFloat(101.5)
	posDrop := newPos("BTC-USD", entry, decimal.NewFromFloat(1), midDrop)
	d2, err := m.Evaluate(context.Background(), "BTC-USD", midDrop, posDrop, core.BracketOrder{})
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrailingStop, d2.Kind)
}
