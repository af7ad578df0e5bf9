package ledger

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

type fakeRepo struct {
	mu          sync.Mutex
	trades      map[string]core.TradeRecord
	allocations map[string][]core.FifoAllocation
	manualQueue []core.FifoAllocation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{trades: map[string]core.TradeRecord{}, allocations: map[string][]core.FifoAllocation{}}
}

func (r *fakeRepo) UpsertTrade(_ context.Context, trade core.TradeRecord, exclude map[string]struct{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.trades[trade.OrderID]
	if !ok {
		r.trades[trade.OrderID] = trade
		return nil
	}
	merged := existing
	if _, skip := exclude["source"]; !skip {
		merged.Source = trade.Source
	}
	if _, skip := exclude["remaining_size"]; !skip {
		merged.RemainingSize = trade.RemainingSize
	}
	if _, skip := exclude["parent_id"]; !skip {
		merged.ParentID = trade.ParentID
	}
	if _, skip := exclude["parent_ids"]; !skip {
		merged.ParentIDs = trade.ParentIDs
	}
	merged.Price = trade.Price
	merged.Size = trade.Size
	merged.Status = trade.Status
	r.trades[trade.OrderID] = merged
	return nil
}

func (r *fakeRepo) GetTrade(_ context.Context, orderID string) (core.TradeRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[orderID]
	return t, ok, nil
}

func (r *fakeRepo) FilledBuys(_ context.Context, symbol string) ([]core.TradeRecord, error) {
	return r.filtered(symbol, core.OrderSideBuy), nil
}

func (r *fakeRepo) FilledSells(_ context.Context, symbol string) ([]core.TradeRecord, error) {
	return r.filtered(symbol, core.OrderSideSell), nil
}

func (r *fakeRepo) filtered(symbol string, side core.OrderSide) []core.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.TradeRecord
	for _, t := range r.trades {
		if t.Symbol == symbol && t.Side == side {
			out = append(out, t)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].OrderTime.Before(out[i].OrderTime) ||
				(out[j].OrderTime.Equal(out[i].OrderTime) && out[j].OrderID < out[i].OrderID) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func (r *fakeRepo) UpdateRemainingSize(_ context.Context, orderID string, remaining decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trades[orderID]
	t.RemainingSize = remaining
	r.trades[orderID] = t
	return nil
}

func (r *fakeRepo) FinalizeSell(_ context.Context, orderID string, costBasisUSD, saleProceedsUSD, netSaleProceedsUSD, pnlUSD decimal.Decimal, parentID string, parentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trades[orderID]
	t.CostBasisUSD = &costBasisUSD
	t.SaleProceedsUSD = &saleProceedsUSD
	t.NetSaleProceedsUSD = &netSaleProceedsUSD
	t.PnLUSD = &pnlUSD
	if parentID != "" {
		t.ParentID = &parentID
	}
	t.ParentIDs = parentIDs
	r.trades[orderID] = t
	return nil
}

func (r *fakeRepo) ClearSellFifoFields(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trades[orderID]
	t.ParentID = nil
	t.ParentIDs = nil
	t.CostBasisUSD = nil
	t.SaleProceedsUSD = nil
	t.NetSaleProceedsUSD = nil
	t.PnLUSD = nil
	r.trades[orderID] = t
	return nil
}

func (r *fakeRepo) SaveAllocations(_ context.Context, sellOrderID string, allocations []core.FifoAllocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations[sellOrderID] = allocations
	return nil
}

func (r *fakeRepo) QueueManualReview(_ context.Context, alloc core.FifoAllocation, _ decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualQueue = append(r.manualQueue, alloc)
	return nil
}

var _ core.ITradeRepository = (*fakeRepo)(nil)

type noopLogger struct{}

func (noopLogger) Debug(string, ...core.Field)       {}
func (noopLogger) Info(string, ...core.Field)        {}
func (noopLogger) Warn(string, ...core.Field)        {}
func (noopLogger) Error(string, ...core.Field)       {}
func (noopLogger) Fatal(string, ...core.Field)       {}
func (l noopLogger) WithField(string, any) core.ILogger    { return l }
func (l noopLogger) WithFields(...core.Field) core.ILogger { return l }

var _ core.ILogger = noopLogger{}

func mkBuy(id, symbol string, t time.Time, price, size, fees decimal.Decimal) core.TradeRecord {
	return core.TradeRecord{
		OrderID: id, Symbol: symbol, Side: core.OrderSideBuy, OrderTime: t,
		Price: price, Size: size, TotalFeesUSD: fees, RemainingSize: size,
		Status: core.TradeStatusFilled, Source: core.SourceWebhook,
	}
}

func mkSell(id, symbol string, t time.Time, price, size, fees decimal.Decimal) core.TradeRecord {
	return core.TradeRecord{
		OrderID: id, Symbol: symbol, Side: core.OrderSideSell, OrderTime: t,
		Price: price, Size: size, TotalFeesUSD: fees,
		Status: core.TradeStatusFilled, Source: core.SourceWebhook,
	}
}

func TestAllocateOneFullyCoversFromSingleBuy(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buy := mkBuy("b1", "BTC-USD", t0, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.NewFromInt(1))
	sell := mkSell("s1", "BTC-USD", t0.Add(time.Hour), decimal.NewFromInt(110), decimal.NewFromInt(4), decimal.NewFromFloat(0.5))

	result := allocateOne([]core.TradeRecord{buy}, sell)

	require.Len(t, result.allocations, 1)
	assert.True(t, result.need.IsZero())
	assert.True(t, result.allocations[0].AllocatedSize.Equal(decimal.NewFromInt(4)))
	// cost basis = (100*10+1) * (4/10) = 1001 * 0.4 = 400.4
	assert.True(t, result.costBasisUSD.Equal(decimal.NewFromFloat(400.4)), result.costBasisUSD.String())
	// gross = 110*4 = 440, net = 440-0.5 = 439.5, pnl = 439.5-400.4=39.1
	assert.True(t, result.saleProceedsUSD.Equal(decimal.NewFromInt(440)))
	assert.True(t, result.netSaleProceedsUSD.Equal(decimal.NewFromFloat(439.5)))
	assert.True(t, result.pnlUSD.Equal(decimal.NewFromFloat(39.1)), result.pnlUSD.String())
	assert.Equal(t, "b1", result.parentID)
	assert.True(t, result.buyRemaining["b1"].Equal(decimal.NewFromInt(6)))
}

func TestAllocateOneSpansMultipleBuysInFIFOOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buy1 := mkBuy("b1", "ETH-USD", t0, decimal.NewFromInt(100), decimal.NewFromInt(3), decimal.Zero)
	buy2 := mkBuy("b2", "ETH-USD", t0.Add(time.Minute), decimal.NewFromInt(200), decimal.NewFromInt(5), decimal.Zero)
	sell := mkSell("s1", "ETH-USD", t0.Add(time.Hour), decimal.NewFromInt(250), decimal.NewFromInt(5), decimal.Zero)

	result := allocateOne([]core.TradeRecord{buy1, buy2}, sell)

	require.Len(t, result.allocations, 2)
	assert.True(t, result.need.IsZero())
	assert.True(t, result.allocations[0].AllocatedSize.Equal(decimal.NewFromInt(3)))
	assert.True(t, result.allocations[1].AllocatedSize.Equal(decimal.NewFromInt(2)))
	assert.True(t, result.buyRemaining["b1"].IsZero())
	assert.True(t, result.buyRemaining["b2"].Equal(decimal.NewFromInt(3)))
	// cost = 3*100 + 2*200 = 700; gross = 5*250 = 1250; pnl = 1250-700 = 550
	assert.True(t, result.costBasisUSD.Equal(decimal.NewFromInt(700)))
	assert.True(t, result.pnlUSD.Equal(decimal.NewFromInt(550)))
}

func TestAllocateOnePartialLeavesResidualAndNoFinalization(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buy := mkBuy("b1", "SOL-USD", t0, decimal.NewFromInt(20), decimal.NewFromInt(2), decimal.Zero)
	sell := mkSell("s1", "SOL-USD", t0.Add(time.Hour), decimal.NewFromInt(25), decimal.NewFromInt(5), decimal.Zero)

	result := allocateOne([]core.TradeRecord{buy}, sell)

	require.Len(t, result.allocations, 1)
	assert.True(t, result.need.Equal(decimal.NewFromInt(3)), "3 of 5 remain uncovered")
	assert.True(t, result.costBasisUSD.IsZero(), "aggregate totals must not be set for a partial sell")
	assert.Equal(t, "s1", result.placeholder.SellOrderID)
	assert.Nil(t, result.placeholder.BuyOrderID)
}

func TestFifoEngineReplayIsDeterministic(t *testing.T) {
	repo := newFakeRepo()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertTrade(context.Background(), mkBuy("b1", "BTC-USD", t0, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero), nil))
	require.NoError(t, repo.UpsertTrade(context.Background(), mkSell("s1", "BTC-USD", t0.Add(time.Hour), decimal.NewFromInt(120), decimal.NewFromInt(4), decimal.Zero), nil))

	engine := NewFifoEngine(FifoConfig{}, repo, noopLogger{}, nil)

	require.NoError(t, engine.Replay(context.Background(), "BTC-USD"))
	first := append([]core.FifoAllocation(nil), repo.allocations["s1"]...)
	firstTrade, _, _ := repo.GetTrade(context.Background(), "s1")

	require.NoError(t, engine.Replay(context.Background(), "BTC-USD"))
	second := repo.allocations["s1"]
	secondTrade, _, _ := repo.GetTrade(context.Background(), "s1")

	require.Len(t, second, len(first))
	assert.True(t, first[0].AllocatedSize.Equal(second[0].AllocatedSize))
	assert.True(t, firstTrade.PnLUSD.Equal(*secondTrade.PnLUSD))
}
