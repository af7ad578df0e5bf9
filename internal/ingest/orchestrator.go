// Package ingest drives the exchange client's two streaming subscriptions
// and fans inbound bars and user events out to the rest of the pipeline —
// the OHLCV cache/indicator pipeline, the signal engine, the trade order
// manager, and the trade recorder.
//
// internal/exchange already owns the wire-level mechanics for each
// stream (JWT minting, subscribe framing, the reconnect-with-backoff
// loop, the per-connection liveness watchdog); this package only
// consumes IExchangeClient's callback-based contract and applies the
// per-symbol serialization and shared-state wiring the pipeline needs.
package ingest

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
)

// Config holds the orchestrator's tunables.
type Config struct {
	Symbols      []string // configured USD pairs to subscribe to
	BarQueueSize int      // per-symbol bar channel capacity, default 64
}

// BarCache is the narrow persistence surface the orchestrator writes every
// closed bar through. Implemented by ohlcvcache.Cache; left nil when no
// on-disk cache is configured.
type BarCache interface {
	Put(ctx context.Context, bar core.Bar) error
}

// Orchestrator wires the exchange client's market/user streams into the
// rest of the pipeline.
type Orchestrator struct {
	cfg Config

	exchange  core.IExchangeClient
	store     core.ISharedStateStore
	indicator core.IIndicatorPipeline
	signal    core.ISignalEngine
	orders    core.IOrderManager
	recorder  core.ITradeRecorder
	snapshots core.IStrategySnapshotService
	cache     BarCache
	logger    core.ILogger
	metrics   *telemetry.Metrics // optional; nil disables instrument recording

	barQueues map[string]chan core.Bar
}

// New builds an Orchestrator. Every dependency is a narrow core interface
// so the orchestrator can be exercised against fakes without a real
// exchange connection. metrics and cache may both be nil.
func New(cfg Config, exchange core.IExchangeClient, store core.ISharedStateStore, indicator core.IIndicatorPipeline, signal core.ISignalEngine, orders core.IOrderManager, recorder core.ITradeRecorder, snapshots core.IStrategySnapshotService, cache BarCache, logger core.ILogger, metrics *telemetry.Metrics) *Orchestrator {
	if cfg.BarQueueSize <= 0 {
		cfg.BarQueueSize = 64
	}
	return &Orchestrator{
		cfg: cfg, exchange: exchange, store: store, indicator: indicator,
		signal: signal, orders: orders, recorder: recorder, snapshots: snapshots,
		cache:     cache,
		logger:    logger.WithField("component", "ingest"),
		metrics:   metrics,
		barQueues: make(map[string]chan core.Bar, len(cfg.Symbols)),
	}
}

// Run starts one serialized worker goroutine per configured symbol: within
// one symbol, bars are processed in the order they arrive and signal
// evaluation for that symbol never overlaps with itself, while different
// symbols may be evaluated concurrently. It then opens both exchange
// streams. It blocks until ctx is cancelled or a stream exits for good
// (exceeded reconnect attempts), at which point every symbol worker is
// torn down too.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, symbol := range o.cfg.Symbols {
		queue := make(chan core.Bar, o.cfg.BarQueueSize)
		o.barQueues[symbol] = queue
		g.Go(func() error {
			o.runSymbolWorker(ctx, symbol, queue)
			return nil
		})
	}

	g.Go(func() error {
		return o.exchange.SubscribeMarketData(ctx, o.cfg.Symbols, o.routeBar)
	})
	g.Go(func() error {
		return o.exchange.SubscribeUserEvents(ctx, o.onFill, o.onOrderUpdate)
	})

	return g.Wait()
}

// routeBar hands an inbound bar off to its symbol's dedicated worker,
// dropping it (with a warning) if that worker is falling behind rather
// than blocking the shared stream reader.
func (o *Orchestrator) routeBar(bar core.Bar) {
	queue, ok := o.barQueues[bar.Symbol]
	if !ok {
		return
	}
	select {
	case queue <- bar:
	default:
		o.logger.Warn("ingest: bar queue full, dropping bar", core.F("symbol", bar.Symbol))
	}
}

// runSymbolWorker drains one symbol's bar queue strictly in arrival order
// until ctx is cancelled.
func (o *Orchestrator) runSymbolWorker(ctx context.Context, symbol string, queue chan core.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar := <-queue:
			if err := o.processBar(ctx, symbol, bar); err != nil {
				o.logger.Error("ingest: process bar failed", core.F("symbol", symbol), core.F("error", err.Error()))
			}
		}
	}
}

// processBar runs one bar through the indicator pipeline, the signal
// engine, and — for a non-hold action — order construction and
// placement.
func (o *Orchestrator) processBar(ctx context.Context, symbol string, bar core.Bar) error {
	ab, err := o.indicator.Ingest(symbol, bar)
	if err != nil {
		return fmt.Errorf("indicator ingest: %w", err)
	}
	o.store.PutBar(symbol, ab)
	if o.cache != nil {
		if err := o.cache.Put(ctx, bar); err != nil {
			o.logger.Warn("ingest: bar cache write failed", core.F("symbol", symbol), core.F("error", err.Error()))
		}
	}

	// internal/exchange's ticker_batch decoding does not carry a separate
	// bid/ask spread (the wire channel gives only last-trade
	// price/volume/high/low); approximate the spread as
	// the last price until a level-2/best-bid-ask channel is wired in.
	o.store.PutBidAsk(symbol, core.BidAsk{Bid: bar.Close, Ask: bar.Close})

	snapshot := o.snapshots.Current()
	result, err := o.signal.Evaluate(symbol, ab, snapshot)
	if err != nil {
		return fmt.Errorf("signal evaluate: %w", err)
	}
	o.store.PutLatestSignal(symbol, result.Action)
	if o.metrics != nil {
		o.metrics.RecordSignal(ctx, result.BuyScore, result.SellScore)
	}

	if result.Action != core.ActionBuy && result.Action != core.ActionSell {
		return nil
	}

	balances, err := o.exchange.GetAccountBalances(ctx)
	if err != nil {
		return fmt.Errorf("get account balances: %w", err)
	}
	product, err := o.exchange.GetProductInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("get product info: %w", err)
	}

	return o.placeFromSignal(ctx, result, snapshot, balances, product)
}

func (o *Orchestrator) placeFromSignal(ctx context.Context, result core.SignalResult, snapshot core.StrategySnapshot, balances []core.AccountBalance, product core.ProductInfo) error {
	order, err := o.orders.BuildOrderData(result, snapshot, balances, product)
	if err != nil {
		return fmt.Errorf("build order: %w", err)
	}
	order.Source = core.SourceWebsocket
	if _, _, err := o.orders.AdjustPriceAndSize(order, product); err != nil {
		return fmt.Errorf("adjust price/size: %w", err)
	}
	if order.AdjustedSize.Cmp(decimal.Zero) <= 0 {
		o.logger.Warn("ingest: adjusted size is zero, skipping placement", core.F("symbol", order.ProductID))
		if o.metrics != nil {
			o.metrics.OrdersRejected.Add(ctx, 1)
		}
		return nil
	}

	ack, err := o.orders.PlaceOrder(ctx, order)
	if err != nil {
		if o.metrics != nil {
			o.metrics.OrdersRejected.Add(ctx, 1)
		}
		return fmt.Errorf("place order: %w", err)
	}
	if o.metrics != nil {
		o.metrics.OrdersPlaced.Add(ctx, 1)
	}
	o.logger.Info("ingest: order placed",
		core.F("symbol", order.ProductID), core.F("side", string(order.Side)),
		core.F("client_order_id", order.ClientOrderID), core.F("status", ack.Status))
	return nil
}

// onFill hands a completed fill off to the trade recorder's async queue,
// the same path every other user-channel event forwards through.
func (o *Orchestrator) onFill(fill core.TradeRecord) {
	fill.Source = core.SourceWebsocket
	o.recorder.Enqueue(fill)
}

// onOrderUpdate reflects an order-status push into the shared state
// store's open-order tracker.
func (o *Orchestrator) onOrderUpdate(ack core.OrderAck) {
	existing, ok := o.store.GetOpenOrder(ack.ClientOrderID)
	if !ok {
		return
	}
	existing.ExchangeOrderID = ack.ExchangeOrderID
	switch ack.Status {
	case "FILLED", "CANCELLED", "EXPIRED", "FAILED":
		o.store.RemoveOpenOrder(ack.ClientOrderID)
	default:
		o.store.PutOpenOrder(existing)
	}
}
