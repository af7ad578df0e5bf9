package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...core.Field)             {}
func (noopLogger) Info(string, ...core.Field)              {}
func (noopLogger) Warn(string, ...core.Field)              {}
func (noopLogger) Error(string, ...core.Field)             {}
func (noopLogger) Fatal(string, ...core.Field)             {}
func (l noopLogger) WithField(string, any) core.ILogger    { return l }
func (l noopLogger) WithFields(...core.Field) core.ILogger { return l }

var _ core.ILogger = noopLogger{}

// fakeBarCache records every bar handed to Put without touching disk.
type fakeBarCache struct {
	mu   sync.Mutex
	put  []core.Bar
	fail bool
}

func (c *fakeBarCache) Put(_ context.Context, bar core.Bar) error {
	if c.fail {
		return assert.AnError
	}
	c.mu.Lock()
	c.put = append(c.put, bar)
	c.mu.Unlock()
	return nil
}

// fakeExchange drives onBar/onFill/onOrderUpdate synchronously from
// scripted calls rather than a real socket, and blocks SubscribeMarketData/
// SubscribeUserEvents until ctx is cancelled (mirroring how the real
// streams only return on shutdown or exhausted reconnects).
type fakeExchange struct {
	mu             sync.Mutex
	placedOrders   []*core.OrderData
	balances       []core.AccountBalance
	product        core.ProductInfo
	onBarFn        func(core.Bar)
	onFillFn       func(core.TradeRecord)
	onOrderUpdateFn func(core.OrderAck)
}

func (f *fakeExchange) PlaceOrder(_ context.Context, o *core.OrderData) (core.OrderAck, error) {
	f.mu.Lock()
	f.placedOrders = append(f.placedOrders, o)
	f.mu.Unlock()
	return core.OrderAck{ClientOrderID: o.ClientOrderID, ExchangeOrderID: "ex-1", Accepted: true, Status: "OPEN"}, nil
}
func (f *fakeExchange) CancelOrder(context.Context, string) error { return nil }
func (f *fakeExchange) GetOpenOrders(context.Context, string) ([]core.OrderAck, error) {
	return nil, nil
}
func (f *fakeExchange) GetAccountBalances(context.Context) ([]core.AccountBalance, error) {
	return f.balances, nil
}
func (f *fakeExchange) GetProductInfo(context.Context, string) (core.ProductInfo, error) {
	return f.product, nil
}
func (f *fakeExchange) SubscribeMarketData(ctx context.Context, _ []string, onBar func(core.Bar)) error {
	f.mu.Lock()
	f.onBarFn = onBar
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeExchange) SubscribeUserEvents(ctx context.Context, onFill func(core.TradeRecord), onOrderUpdate func(core.OrderAck)) error {
	f.mu.Lock()
	f.onFillFn = onFill
	f.onOrderUpdateFn = onOrderUpdate
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeExchange) Close() error { return nil }

var _ core.IExchangeClient = (*fakeExchange)(nil)

func (f *fakeExchange) waitForSubscriptions(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ready := f.onBarFn != nil && f.onFillFn != nil && f.onOrderUpdateFn != nil
		f.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("exchange subscriptions never registered")
}

type fakeStore struct {
	mu      sync.Mutex
	bars    map[string]core.AnnotatedBar
	bidAsk  map[string]core.BidAsk
	signals map[string]core.Action
	orders  map[string]core.OrderData
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bars: map[string]core.AnnotatedBar{}, bidAsk: map[string]core.BidAsk{},
		signals: map[string]core.Action{}, orders: map[string]core.OrderData{},
	}
}

func (s *fakeStore) PutBar(symbol string, ab core.AnnotatedBar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = ab
}
func (s *fakeStore) LatestBar(symbol string) (core.AnnotatedBar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ab, ok := s.bars[symbol]
	return ab, ok
}
func (s *fakeStore) RecentBars(string, int) []core.AnnotatedBar { return nil }

func (s *fakeStore) PutBidAsk(symbol string, ba core.BidAsk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bidAsk[symbol] = ba
}
func (s *fakeStore) GetBidAsk(symbol string) (core.BidAsk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ba, ok := s.bidAsk[symbol]
	return ba, ok
}

func (s *fakeStore) PutATRPct(string, decimal.Decimal)        {}
func (s *fakeStore) GetATRPct(string) (decimal.Decimal, bool) { return decimal.Zero, false }

func (s *fakeStore) PutLatestSignal(symbol string, a core.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[symbol] = a
}
func (s *fakeStore) GetLatestSignal(symbol string) (core.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.signals[symbol]
	return a, ok
}

func (s *fakeStore) PutOpenOrder(o core.OrderData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ClientOrderID] = o
}
func (s *fakeStore) GetOpenOrder(clientOrderID string) (core.OrderData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	return o, ok
}
func (s *fakeStore) RemoveOpenOrder(clientOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, clientOrderID)
}
func (s *fakeStore) OpenOrdersForSymbol(string) []core.OrderData { return nil }

func (s *fakeStore) PutPosition(core.Position)                 {}
func (s *fakeStore) GetPosition(string) (core.Position, bool)  { return core.Position{}, false }
func (s *fakeStore) OpenPositions() []core.Position            { return nil }
func (s *fakeStore) PutBracket(core.BracketOrder)               {}
func (s *fakeStore) GetBracket(string) (core.BracketOrder, bool) { return core.BracketOrder{}, false }
func (s *fakeStore) AppendExitTracking(string, core.ExitDecision) {}

var _ core.ISharedStateStore = (*fakeStore)(nil)

type fakeIndicatorPipeline struct {
	action core.Action
	n      int
}

func (p *fakeIndicatorPipeline) Ingest(symbol string, bar core.Bar) (core.AnnotatedBar, error) {
	p.n++
	return core.AnnotatedBar{Bar: bar, Index: p.n}, nil
}
func (p *fakeIndicatorPipeline) MinRequiredRows() int { return 1 }

var _ core.IIndicatorPipeline = (*fakeIndicatorPipeline)(nil)

type fakeSignalEngine struct{ action core.Action }

func (e *fakeSignalEngine) Evaluate(symbol string, ab core.AnnotatedBar, snapshot core.StrategySnapshot) (core.SignalResult, error) {
	return core.SignalResult{Symbol: symbol, Timestamp: ab.Timestamp, BarIndex: ab.Index, Price: ab.Close, Action: e.action, Trigger: "test"}, nil
}

var _ core.ISignalEngine = (*fakeSignalEngine)(nil)

type fakeOrderManager struct {
	built  []*core.OrderData
	placed []*core.OrderData
}

func (m *fakeOrderManager) BuildOrderData(signal core.SignalResult, snapshot core.StrategySnapshot, balances []core.AccountBalance, product core.ProductInfo) (*core.OrderData, error) {
	o := &core.OrderData{
		ClientOrderID: core.NewClientOrderID(signal.Symbol, signal.BarIndex),
		ProductID:     signal.Symbol,
		Side:          core.OrderSideBuy,
		RequestedBase: decimal.NewFromInt(1),
	}
	if signal.Action == core.ActionSell {
		o.Side = core.OrderSideSell
	}
	m.built = append(m.built, o)
	return o, nil
}

func (m *fakeOrderManager) AdjustPriceAndSize(o *core.OrderData, product core.ProductInfo) (decimal.Decimal, decimal.Decimal, error) {
	o.AdjustedPrice = decimal.NewFromInt(100)
	o.AdjustedSize = o.RequestedBase
	return o.AdjustedPrice, o.AdjustedSize, nil
}

func (m *fakeOrderManager) PlaceOrder(ctx context.Context, o *core.OrderData) (core.OrderAck, error) {
	m.placed = append(m.placed, o)
	o.MarkPlaced()
	return core.OrderAck{ClientOrderID: o.ClientOrderID, Accepted: true, Status: "OPEN"}, nil
}

var _ core.IOrderManager = (*fakeOrderManager)(nil)

type fakeRecorder struct {
	mu      sync.Mutex
	enqueued []core.TradeRecord
}

func (r *fakeRecorder) Enqueue(fill core.TradeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, fill)
}
func (r *fakeRecorder) Close(context.Context) error { return nil }

var _ core.ITradeRecorder = (*fakeRecorder)(nil)

type fakeSnapshotService struct{ snap core.StrategySnapshot }

func (s *fakeSnapshotService) Current() core.StrategySnapshot { return s.snap }
func (s *fakeSnapshotService) Rotate(context.Context, core.StrategySnapshot) error { return nil }

var _ core.IStrategySnapshotService = (*fakeSnapshotService)(nil)

func TestProcessBarPlacesOrderOnBuySignal(t *testing.T) {
	store := newFakeStore()
	orders := &fakeOrderManager{}
	recorder := &fakeRecorder{}
	o := New(Config{Symbols: []string{"BTC-USD"}}, &fakeExchange{product: core.ProductInfo{BaseCurrency: "BTC"}}, store,
		&fakeIndicatorPipeline{}, &fakeSignalEngine{action: core.ActionBuy}, orders, recorder,
		&fakeSnapshotService{}, nil, noopLogger{}, nil)

	bar := core.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), Close: decimal.NewFromInt(100)}
	require.NoError(t, o.processBar(context.Background(), "BTC-USD", bar))

	assert.Len(t, orders.built, 1)
	assert.Len(t, orders.placed, 1)
	signal, ok := store.GetLatestSignal("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, core.ActionBuy, signal)
}

func TestProcessBarPersistsBarToCacheWhenConfigured(t *testing.T) {
	store := newFakeStore()
	cache := &fakeBarCache{}
	o := New(Config{Symbols: []string{"BTC-USD"}}, &fakeExchange{}, store,
		&fakeIndicatorPipeline{}, &fakeSignalEngine{action: core.ActionHold}, &fakeOrderManager{}, &fakeRecorder{},
		&fakeSnapshotService{}, cache, noopLogger{}, nil)

	bar := core.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), Close: decimal.NewFromInt(100)}
	require.NoError(t, o.processBar(context.Background(), "BTC-USD", bar))

	require.Len(t, cache.put, 1)
	assert.Equal(t, bar.Close, cache.put[0].Close)
}

func TestProcessBarToleratesCacheWriteFailure(t *testing.T) {
	store := newFakeStore()
	cache := &fakeBarCache{fail: true}
	o := New(Config{Symbols: []string{"BTC-USD"}}, &fakeExchange{}, store,
		&fakeIndicatorPipeline{}, &fakeSignalEngine{action: core.ActionHold}, &fakeOrderManager{}, &fakeRecorder{},
		&fakeSnapshotService{}, cache, noopLogger{}, nil)

	bar := core.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), Close: decimal.NewFromInt(100)}
	assert.NoError(t, o.processBar(context.Background(), "BTC-USD", bar))
}

func TestProcessBarSkipsOrderPlacementOnHold(t *testing.T) {
	store := newFakeStore()
	orders := &fakeOrderManager{}
	o := New(Config{Symbols: []string{"BTC-USD"}}, &fakeExchange{}, store,
		&fakeIndicatorPipeline{}, &fakeSignalEngine{action: core.ActionHold}, orders, &fakeRecorder{},
		&fakeSnapshotService{}, nil, noopLogger{}, nil)

	bar := core.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), Close: decimal.NewFromInt(100)}
	require.NoError(t, o.processBar(context.Background(), "BTC-USD", bar))

	assert.Empty(t, orders.built)
	assert.Empty(t, orders.placed)
}

func TestOnFillForwardsToRecorderWithWebsocketSource(t *testing.T) {
	recorder := &fakeRecorder{}
	o := New(Config{}, &fakeExchange{}, newFakeStore(), &fakeIndicatorPipeline{}, &fakeSignalEngine{},
		&fakeOrderManager{}, recorder, &fakeSnapshotService{}, nil, noopLogger{}, nil)

	o.onFill(core.TradeRecord{OrderID: "t1", Symbol: "BTC-USD"})

	require.Len(t, recorder.enqueued, 1)
	assert.Equal(t, core.SourceWebsocket, recorder.enqueued[0].Source)
}

func TestOnOrderUpdateRemovesFilledOrderFromStore(t *testing.T) {
	store := newFakeStore()
	store.PutOpenOrder(core.OrderData{ClientOrderID: "c1"})
	o := New(Config{}, &fakeExchange{}, store, &fakeIndicatorPipeline{}, &fakeSignalEngine{},
		&fakeOrderManager{}, &fakeRecorder{}, &fakeSnapshotService{}, nil, noopLogger{}, nil)

	o.onOrderUpdate(core.OrderAck{ClientOrderID: "c1", Status: "FILLED"})

	_, ok := store.GetOpenOrder("c1")
	assert.False(t, ok)
}

func TestOnOrderUpdateKeepsTrackingOpenStatus(t *testing.T) {
	store := newFakeStore()
	store.PutOpenOrder(core.OrderData{ClientOrderID: "c1"})
	o := New(Config{}, &fakeExchange{}, store, &fakeIndicatorPipeline{}, &fakeSignalEngine{},
		&fakeOrderManager{}, &fakeRecorder{}, &fakeSnapshotService{}, nil, noopLogger{}, nil)

	o.onOrderUpdate(core.OrderAck{ClientOrderID: "c1", ExchangeOrderID: "ex1", Status: "OPEN"})

	stored, ok := store.GetOpenOrder("c1")
	require.True(t, ok)
	assert.Equal(t, "ex1", stored.ExchangeOrderID)
}

func TestRunRoutesBarsThroughExchangeCallbackUntilCancelled(t *testing.T) {
	exch := &fakeExchange{product: core.ProductInfo{BaseCurrency: "BTC"}}
	store := newFakeStore()
	o := New(Config{Symbols: []string{"BTC-USD"}}, exch, store, &fakeIndicatorPipeline{},
		&fakeSignalEngine{action: core.ActionHold}, &fakeOrderManager{}, &fakeRecorder{},
		&fakeSnapshotService{}, nil, noopLogger{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	exch.waitForSubscriptions(t)
	exch.onBarFn(core.Bar{Symbol: "BTC-USD", Timestamp: time.Now(), Close: decimal.NewFromInt(50)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.LatestBar("BTC-USD"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_, ok := store.LatestBar("BTC-USD")
	assert.True(t, ok, "bar routed to symbol worker must reach the shared store")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}
