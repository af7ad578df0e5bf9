package ledger

import (
	"context"
	"fmt"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
)

// FifoConfig tunes the FIFO engine's per-symbol replay dispatch pool.
type FifoConfig struct {
	ReplayWorkers int // concurrent symbols a Replay fan-out may process at once
}

// FifoEngine implements core.IFifoEngine: a deterministic, replayable
// cost-basis/PnL allocator kept entirely separate from fill ingestion.
type FifoEngine struct {
	repo    core.ITradeRepository
	logger  core.ILogger
	pool    *pond.WorkerPool
	metrics *telemetry.Metrics // optional; nil disables instrument recording
}

// NewFifoEngine builds a FifoEngine backed by repo. metrics may be nil.
func NewFifoEngine(cfg FifoConfig, repo core.ITradeRepository, logger core.ILogger, metrics *telemetry.Metrics) *FifoEngine {
	workers := cfg.ReplayWorkers
	if workers <= 0 {
		workers = 4
	}
	pool := pond.New(workers, workers*4, pond.MinWorkers(1))
	return &FifoEngine{repo: repo, logger: logger.WithField("component", "fifo_engine"), pool: pool, metrics: metrics}
}

var _ core.IFifoEngine = (*FifoEngine)(nil)

// Allocate greedily matches one sell against symbol's buys in FIFO order,
// using the buys' currently persisted remaining_size. It is the
// incremental path invoked as new sells settle.
func (e *FifoEngine) Allocate(ctx context.Context, sell core.TradeRecord) ([]core.FifoAllocation, error) {
	buys, err := e.repo.FilledBuys(ctx, sell.Symbol)
	if err != nil {
		return nil, fmt.Errorf("ledger: fifo: load buys for %s: %w", sell.Symbol, err)
	}

	result := allocateOne(buys, sell)

	for orderID, remaining := range result.buyRemaining {
		if err := e.repo.UpdateRemainingSize(ctx, orderID, remaining); err != nil {
			return nil, fmt.Errorf("ledger: fifo: update remaining for %s: %w", orderID, err)
		}
	}

	if len(result.allocations) > 0 {
		if err := e.repo.SaveAllocations(ctx, sell.OrderID, result.allocations); err != nil {
			return nil, fmt.Errorf("ledger: fifo: save allocations for %s: %w", sell.OrderID, err)
		}
		if e.metrics != nil {
			e.metrics.FifoAllocations.Add(ctx, int64(len(result.allocations)))
		}
	}

	if result.need.GreaterThan(decimal.Zero) {
		e.logger.Warn("sell not fully covered by available buys",
			core.F("order_id", sell.OrderID), core.F("symbol", sell.Symbol), core.F("residual", result.need.String()))
		if err := e.repo.QueueManualReview(ctx, result.placeholder, result.need); err != nil {
			return nil, fmt.Errorf("ledger: fifo: queue manual review for %s: %w", sell.OrderID, err)
		}
		return result.allocations, nil
	}

	if err := e.repo.FinalizeSell(ctx, sell.OrderID, result.costBasisUSD, result.saleProceedsUSD, result.netSaleProceedsUSD, result.pnlUSD, result.parentID, result.parentIDs); err != nil {
		return nil, fmt.Errorf("ledger: fifo: finalize %s: %w", sell.OrderID, err)
	}
	return result.allocations, nil
}

// Replay recomputes every allocation for symbol from scratch: it reloads
// all filled buys and sells, clears prior sell linkage, and re-runs the
// greedy FIFO match in (order_time, order_id) order. Running it twice on
// the same input produces the same allocations.
func (e *FifoEngine) Replay(ctx context.Context, symbol string) error {
	buys, err := e.repo.FilledBuys(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ledger: fifo: replay load buys for %s: %w", symbol, err)
	}
	sells, err := e.repo.FilledSells(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ledger: fifo: replay load sells for %s: %w", symbol, err)
	}

	remaining := make(map[string]decimal.Decimal, len(buys))
	buySize := make(map[string]decimal.Decimal, len(buys))
	for _, b := range buys {
		remaining[b.OrderID] = b.Size
		buySize[b.OrderID] = b.Size
	}

	for _, sell := range sells {
		if err := e.repo.ClearSellFifoFields(ctx, sell.OrderID); err != nil {
			return fmt.Errorf("ledger: fifo: clear %s: %w", sell.OrderID, err)
		}

		view := make([]core.TradeRecord, len(buys))
		for i, b := range buys {
			b.RemainingSize = remaining[b.OrderID]
			view[i] = b
		}

		result := allocateOne(view, sell)
		for orderID, rem := range result.buyRemaining {
			remaining[orderID] = rem
		}

		if len(result.allocations) > 0 {
			if err := e.repo.SaveAllocations(ctx, sell.OrderID, result.allocations); err != nil {
				return fmt.Errorf("ledger: fifo: save allocations for %s: %w", sell.OrderID, err)
			}
			if e.metrics != nil {
				e.metrics.FifoAllocations.Add(ctx, int64(len(result.allocations)))
			}
		}

		if result.need.GreaterThan(decimal.Zero) {
			e.logger.Warn("sell not fully covered during replay",
				core.F("order_id", sell.OrderID), core.F("symbol", symbol), core.F("residual", result.need.String()))
			if err := e.repo.QueueManualReview(ctx, result.placeholder, result.need); err != nil {
				return fmt.Errorf("ledger: fifo: queue manual review for %s: %w", sell.OrderID, err)
			}
			continue
		}

		if err := e.repo.FinalizeSell(ctx, sell.OrderID, result.costBasisUSD, result.saleProceedsUSD, result.netSaleProceedsUSD, result.pnlUSD, result.parentID, result.parentIDs); err != nil {
			return fmt.Errorf("ledger: fifo: finalize %s: %w", sell.OrderID, err)
		}
	}

	for orderID, rem := range remaining {
		if err := e.repo.UpdateRemainingSize(ctx, orderID, rem); err != nil {
			return fmt.Errorf("ledger: fifo: persist remaining for %s: %w", orderID, err)
		}
	}
	return nil
}

// ReplayAll dispatches Replay across symbols concurrently, bounded by the
// engine's replay worker pool.
func (e *FifoEngine) ReplayAll(ctx context.Context, symbols []string) error {
	errs := make([]error, len(symbols))
	done := make(chan struct{}, len(symbols))
	for i, symbol := range symbols {
		i, symbol := i, symbol
		e.pool.Submit(func() {
			errs[i] = e.Replay(ctx, symbol)
			done <- struct{}{}
		})
	}
	for range symbols {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// allocationResult is the outcome of matching one sell against a FIFO
// buy ledger.
type allocationResult struct {
	allocations        []core.FifoAllocation
	buyRemaining       map[string]decimal.Decimal
	need               decimal.Decimal
	costBasisUSD       decimal.Decimal
	saleProceedsUSD    decimal.Decimal
	netSaleProceedsUSD decimal.Decimal
	pnlUSD             decimal.Decimal
	parentID           string
	parentIDs          []string
	placeholder        core.FifoAllocation
}

// allocateOne greedily allocates sell against buys (already ordered FIFO,
// each carrying its current RemainingSize). It never mutates its inputs.
func allocateOne(buys []core.TradeRecord, sell core.TradeRecord) allocationResult {
	need := sell.Size
	gross := sell.Price.Mul(sell.Size)
	sellFees := sell.TotalFeesUSD

	var allocations []core.FifoAllocation
	buyRemaining := map[string]decimal.Decimal{}
	var parentIDs []string
	totalCostBasis := decimal.Zero

	for _, buy := range buys {
		if need.LessThanOrEqual(decimal.Zero) {
			break
		}
		rem := buy.RemainingSize
		if rem.LessThanOrEqual(decimal.Zero) {
			continue
		}

		take := decimal.Min(rem, need)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}

		buyTotalCost := buy.Price.Mul(buy.Size).Add(buy.TotalFeesUSD)
		ratio := decimal.Zero
		if buy.Size.GreaterThan(decimal.Zero) {
			ratio = take.Div(buy.Size)
		}
		costAlloc := buyTotalCost.Mul(ratio)

		sellRatio := decimal.Zero
		if sell.Size.GreaterThan(decimal.Zero) {
			sellRatio = take.Div(sell.Size)
		}
		proceedsAlloc := gross.Mul(sellRatio)
		feeAlloc := sellFees.Mul(sellRatio)

		allocations = append(allocations, core.FifoAllocation{
			SellOrderID:            sell.OrderID,
			BuyOrderID:             strPtr(buy.OrderID),
			Symbol:                 sell.Symbol,
			AllocatedSize:          take,
			AllocationCostBasisUSD: costAlloc,
			AllocationProceedsUSD:  proceedsAlloc,
			PnLUSD:                 proceedsAlloc.Sub(feeAlloc).Sub(costAlloc),
			SellTime:               sell.OrderTime,
			SellPrice:              sell.Price,
		})

		totalCostBasis = totalCostBasis.Add(costAlloc)
		parentIDs = append(parentIDs, buy.OrderID)
		buyRemaining[buy.OrderID] = rem.Sub(take)
		need = need.Sub(take)
	}

	result := allocationResult{
		allocations:  allocations,
		buyRemaining: buyRemaining,
		need:         need,
	}

	if need.GreaterThan(decimal.Zero) {
		// Partial: the covered slice's allocations stand, but the sell's
		// aggregate totals are left unfinalized and the residual is
		// queued for manual review.
		result.placeholder = core.FifoAllocation{
			SellOrderID: sell.OrderID,
			BuyOrderID:  nil,
			Symbol:      sell.Symbol,
			SellTime:    sell.OrderTime,
			SellPrice:   sell.Price,
			Notes:       "uncovered residual after exhausting eligible buys",
		}
		return result
	}

	netProceeds := gross.Sub(sellFees)
	result.costBasisUSD = totalCostBasis
	result.saleProceedsUSD = gross
	result.netSaleProceedsUSD = netProceeds
	result.pnlUSD = netProceeds.Sub(totalCostBasis)
	if len(parentIDs) > 0 {
		result.parentID = parentIDs[0]
	}
	result.parentIDs = parentIDs
	return result
}

func strPtr(s string) *string { return &s }
