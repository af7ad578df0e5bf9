package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// fakeStore is a minimal core.ISharedStateStore covering only what the
// order manager touches: bid/ask lookups and the open-order tracker.
type fakeStore struct {
	bidAsk map[string]core.BidAsk
	orders map[string]core.OrderData
}

func newFakeStore() *fakeStore {
	return &fakeStore{bidAsk: map[string]core.BidAsk{}, orders: map[string]core.OrderData{}}
}

func (s *fakeStore) PutBar(string, core.AnnotatedBar)           {}
func (s *fakeStore) LatestBar(string) (core.AnnotatedBar, bool) { return core.AnnotatedBar{}, false }
func (s *fakeStore) RecentBars(string, int) []core.AnnotatedBar { return nil }

func (s *fakeStore) PutBidAsk(symbol string, ba core.BidAsk) { s.bidAsk[symbol] = ba }
func (s *fakeStore) GetBidAsk(symbol string) (core.BidAsk, bool) {
	ba, ok := s.bidAsk[symbol]
	return ba, ok
}

func (s *fakeStore) PutATRPct(string, decimal.Decimal)            {}
func (s *fakeStore) GetATRPct(string) (decimal.Decimal, bool)     { return decimal.Zero, false }
func (s *fakeStore) PutLatestSignal(string, core.Action)          {}
func (s *fakeStore) GetLatestSignal(string) (core.Action, bool)   { return "", false }

func (s *fakeStore) PutOpenOrder(o core.OrderData) { s.orders[o.ClientOrderID] = o }
func (s *fakeStore) GetOpenOrder(clientOrderID string) (core.OrderData, bool) {
	o, ok := s.orders[clientOrderID]
	return o, ok
}
func (s *fakeStore) RemoveOpenOrder(clientOrderID string) { delete(s.orders, clientOrderID) }
func (s *fakeStore) OpenOrdersForSymbol(string) []core.OrderData { return nil }

func (s *fakeStore) PutPosition(core.Position)            {}
func (s *fakeStore) GetPosition(string) (core.Position, bool) { return core.Position{}, false }
func (s *fakeStore) OpenPositions() []core.Position           { return nil }

func (s *fakeStore) PutBracket(core.BracketOrder)                {}
func (s *fakeStore) GetBracket(string) (core.BracketOrder, bool) { return core.BracketOrder{}, false }

func (s *fakeStore) AppendExitTracking(string, core.ExitDecision) {}

var _ core.ISharedStateStore = (*fakeStore)(nil)

// fakeExchange is a minimal core.IExchangeClient that only records the last
// order it was asked to place.
type fakeExchange struct {
	placed   []*core.OrderData
	ackToRet core.OrderAck
	errToRet error
}

func (f *fakeExchange) PlaceOrder(_ context.Context, o *core.OrderData) (core.OrderAck, error) {
	f.placed = append(f.placed, o)
	if f.errToRet != nil {
		return core.OrderAck{}, f.errToRet
	}
	ack := f.ackToRet
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = o.ClientOrderID
	}
	return ack, nil
}
func (f *fakeExchange) CancelOrder(context.Context, string) error { return nil }
func (f *fakeExchange) GetOpenOrders(context.Context, string) ([]core.OrderAck, error) {
	return nil, nil
}
func (f *fakeExchange) GetAccountBalances(context.Context) ([]core.AccountBalance, error) {
	return nil, nil
}
func (f *fakeExchange) GetProductInfo(context.Context, string) (core.ProductInfo, error) {
	return core.ProductInfo{}, nil
}
func (f *fakeExchange) SubscribeMarketData(context.Context, []string, func(core.Bar)) error {
	return nil
}
func (f *fakeExchange) SubscribeUserEvents(context.Context, func(core.TradeRecord), func(core.OrderAck)) error {
	return nil
}
func (f *fakeExchange) Close() error { return nil }

var _ core.IExchangeClient = (*fakeExchange)(nil)

func testProduct() core.ProductInfo {
	return core.ProductInfo{
		ProductID:      "BTC-USD",
		BaseCurrency:   "BTC",
		QuoteCurrency:  "USD",
		PriceIncrement: decimal.NewFromFloat(0.01),
		SizeIncrement:  decimal.NewFromFloat(0.0001),
	}
}

func TestBuildOrderDataBuySizesFromCushionedAskPrice(t *testing.T) {
	store := newFakeStore()
	store.PutBidAsk("BTC-USD", core.BidAsk{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)})
	m := New(&fakeExchange{}, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))

	signal := core.SignalResult{Symbol: "BTC-USD", Action: core.ActionBuy, BarIndex: 5, Timestamp: time.Now()}
	o, err := m.BuildOrderData(signal, core.StrategySnapshot{SnapshotID: "snap1"}, nil, testProduct())
	require.NoError(t, err)

	assert.Equal(t, core.OrderSideBuy, o.Side)
	assert.True(t, o.RequestedFiat.Equal(decimal.NewFromInt(1000)))
	// 1000 / (1 - 0.006) / 100 ~= 10.0603...
	expected := decimal.NewFromInt(1000).Div(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.006))).Div(decimal.NewFromInt(100))
	assert.True(t, o.RequestedBase.Equal(expected))
	assert.NotEmpty(t, o.ClientOrderID)
	assert.Equal(t, "snap1", o.SnapshotID)
}

func TestBuildOrderDataSellUsesAvailableBaseBalance(t *testing.T) {
	store := newFakeStore()
	store.PutBidAsk("BTC-USD", core.BidAsk{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101)})
	m := New(&fakeExchange{}, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))

	balances := []core.AccountBalance{{Currency: "BTC", Available: decimal.NewFromFloat(0.25)}}
	signal := core.SignalResult{Symbol: "BTC-USD", Action: core.ActionSell, BarIndex: 5, Timestamp: time.Now()}
	o, err := m.BuildOrderData(signal, core.StrategySnapshot{}, balances, testProduct())
	require.NoError(t, err)

	assert.Equal(t, core.OrderSideSell, o.Side)
	assert.True(t, o.RequestedBase.Equal(decimal.NewFromFloat(0.25)))
	assert.True(t, o.AvailableBaseBal.Equal(decimal.NewFromFloat(0.25)))
}

func TestBuildOrderDataRejectsHoldAction(t *testing.T) {
	store := newFakeStore()
	m := New(&fakeExchange{}, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))
	_, err := m.BuildOrderData(core.SignalResult{Action: core.ActionHold}, core.StrategySnapshot{}, nil, testProduct())
	assert.Error(t, err)
}

func TestAdjustPriceAndSizeOffsetsAndQuantizes(t *testing.T) {
	store := newFakeStore()
	store.PutBidAsk("BTC-USD", core.BidAsk{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(110)})
	m := New(&fakeExchange{}, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))

	o := &core.OrderData{ProductID: "BTC-USD", Side: core.OrderSideBuy, RequestedBase: decimal.NewFromFloat(1.23456)}
	price, size, err := m.AdjustPriceAndSize(o, testProduct())
	require.NoError(t, err)

	// spread = 10, 0.5% of spread = 0.05, one tick = 0.01 -> offset = 0.05
	assert.True(t, price.Equal(decimal.NewFromFloat(100.05)))
	assert.True(t, size.Equal(decimal.NewFromFloat(1.2345)))
	assert.True(t, o.AdjustedPrice.Equal(price))
	assert.True(t, o.AdjustedSize.Equal(size))
}

func TestAdjustPriceAndSizeSellPricesBelowAsk(t *testing.T) {
	store := newFakeStore()
	store.PutBidAsk("BTC-USD", core.BidAsk{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(110)})
	m := New(&fakeExchange{}, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))

	o := &core.OrderData{ProductID: "BTC-USD", Side: core.OrderSideSell, RequestedBase: decimal.NewFromFloat(1)}
	price, _, err := m.AdjustPriceAndSize(o, testProduct())
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(109.95)))
}

func TestPlaceOrderSubmitsAndTracksNewOrder(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExchange{ackToRet: core.OrderAck{Accepted: true, Status: "open"}}
	m := New(ex, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))

	o := &core.OrderData{ClientOrderID: "order-1", ProductID: "BTC-USD"}
	ack, err := m.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Len(t, ex.placed, 1)
	assert.True(t, o.Placed())

	tracked, ok := store.GetOpenOrder("order-1")
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", tracked.ProductID)
}

func TestPlaceOrderIsIdempotentForTrackedClientOrderID(t *testing.T) {
	store := newFakeStore()
	store.PutOpenOrder(core.OrderData{ClientOrderID: "order-1", ProductID: "BTC-USD"})
	ex := &fakeExchange{}
	m := New(ex, store, nil, decimal.NewFromInt(1000), decimal.NewFromFloat(0.006))

	o := &core.OrderData{ClientOrderID: "order-1", ProductID: "BTC-USD"}
	ack, err := m.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "order-1", ack.ClientOrderID)
	assert.Empty(t, ex.placed, "idempotent replay must not re-submit to the exchange")
}
