// Package ledger implements durable fill ingestion with
// source-of-intent bookkeeping, and a separate, replayable
// cost-basis/PnL allocation engine.
package ledger

import (
	"context"
	"fmt"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
)

// RecorderConfig tunes the Trade Recorder's fill-ingestion worker pool.
type RecorderConfig struct {
	QueueCapacity int // bounds the in-process Enqueue backlog
}

// Recorder implements core.ITradeRecorder. A single pond worker drains the
// queue in submission order; using more than one worker would let two
// fills for the same order race each other through the upsert.
type Recorder struct {
	repo     core.ITradeRepository
	exchange core.IExchangeClient
	logger   core.ILogger
	pool     *pond.WorkerPool
	metrics  *telemetry.Metrics // optional; nil disables instrument recording
}

// NewRecorder builds a Recorder backed by repo. exchange supplies
// per-product price/size increments for quantization. metrics may be nil.
func NewRecorder(cfg RecorderConfig, repo core.ITradeRepository, exchange core.IExchangeClient, logger core.ILogger, metrics *telemetry.Metrics) *Recorder {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	pool := pond.New(1, capacity, pond.MinWorkers(1))
	return &Recorder{
		repo:     repo,
		exchange: exchange,
		logger:   logger.WithField("component", "trade_recorder"),
		pool:     pool,
		metrics:  metrics,
	}
}

var _ core.ITradeRecorder = (*Recorder)(nil)

// Enqueue places fill on the bounded FIFO queue; the worker picks it up
// and calls record asynchronously. Never blocks the caller on DB I/O.
func (r *Recorder) Enqueue(fill core.TradeRecord) {
	r.pool.Submit(func() {
		ctx := context.Background()
		if err := r.record(ctx, fill); err != nil {
			r.logger.Error("failed to record trade",
				core.F("order_id", fill.OrderID), core.F("error", err.Error()))
			return
		}
		if r.metrics != nil {
			r.metrics.FillsRecorded.Add(ctx, 1)
		}
	})
}

// Close stops accepting new work and waits for the queue to drain, or
// returns early if ctx is cancelled first.
func (r *Recorder) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unknownishColumnsOnBuyUpdate are the FIFO-owned/linkage fields a buy-row
// re-ingestion must never touch.
var unknownishColumnsOnBuyUpdate = map[string]struct{}{
	"remaining_size":  {},
	"realized_profit": {},
	"pnl_usd":         {},
	"parent_id":       {},
	"parent_ids":      {},
}

// record executes the ingestion half of the Trade Recorder for one fill:
// precision normalization, source-of-intent resolution, and an upsert that
// protects the immutable Source column and FIFO-owned fields.
func (r *Recorder) record(ctx context.Context, fill core.TradeRecord) error {
	trade := fill
	trade.OrderTime = trade.OrderTime.UTC()

	if r.exchange != nil {
		if product, err := r.exchange.GetProductInfo(ctx, trade.Symbol); err == nil {
			trade.Price = quantize(trade.Price, product.PriceIncrement)
			trade.Size = quantize(trade.Size, product.SizeIncrement)
		}
	}

	exclude := map[string]struct{}{}

	switch trade.Side {
	case core.OrderSideBuy:
		trade.ParentIDs = []string{trade.OrderID}
		trade.ParentID = nil
		trade.RemainingSize = trade.Size
		for col := range unknownishColumnsOnBuyUpdate {
			exclude[col] = struct{}{}
		}

	case core.OrderSideSell:
		// FIFO fields are left null; the separate engine populates them.
		trade.ParentID = nil
		trade.ParentIDs = nil
		trade.CostBasisUSD = nil
		trade.SaleProceedsUSD = nil
		trade.NetSaleProceedsUSD = nil
		trade.PnLUSD = nil
		trade.RemainingSize = decimal.Zero

		if trade.Source.IsUnknownish() {
			if parentSource := r.resolveParentSource(ctx, trade); parentSource != core.SourceEmpty {
				trade.Source = parentSource
			}
		}
	}

	existing, found, err := r.repo.GetTrade(ctx, trade.OrderID)
	if err != nil {
		return fmt.Errorf("ledger: lookup %s: %w", trade.OrderID, err)
	}
	if found {
		// Source is immutable once set to a real value; only allow the
		// unknownish -> real upgrade.
		if !(existing.Source.IsUnknownish() && !trade.Source.IsUnknownish()) {
			exclude["source"] = struct{}{}
		}
	}

	if err := r.repo.UpsertTrade(ctx, trade, exclude); err != nil {
		return fmt.Errorf("ledger: upsert %s: %w", trade.OrderID, err)
	}

	r.logger.Debug("trade recorded",
		core.F("order_id", trade.OrderID), core.F("symbol", trade.Symbol), core.F("side", string(trade.Side)))
	return nil
}

// resolveParentSource looks up trade's FIFO parent buy and returns its
// source if that source is a real (non-unknownish) value, so an
// unknownish sell can inherit it. Returns
// core.SourceEmpty if no usable parent is found.
func (r *Recorder) resolveParentSource(ctx context.Context, trade core.TradeRecord) core.OrderSource {
	buys, err := r.repo.FilledBuys(ctx, trade.Symbol)
	if err != nil || len(buys) == 0 {
		return core.SourceEmpty
	}
	// Earliest filled buy with remaining liquidity as of this sell's time,
	// mirroring the FIFO engine's own allocation order.
	for _, b := range buys {
		if !b.OrderTime.After(trade.OrderTime) && b.RemainingSize.GreaterThan(decimal.Zero) && !b.Source.IsUnknownish() {
			return b.Source
		}
	}
	return core.SourceEmpty
}

// quantize rounds v down to the nearest multiple of increment.
func quantize(v, increment decimal.Decimal) decimal.Decimal {
	if increment.IsZero() {
		return v
	}
	return v.Div(increment).Floor().Mul(increment)
}
