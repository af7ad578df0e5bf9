// Package order implements BuildOrderData sizing, precision adjustment,
// and idempotent placement linked to the active strategy snapshot.
package order

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Manager implements core.IOrderManager.
type Manager struct {
	exchange     core.IExchangeClient
	store        core.ISharedStateStore
	logger       core.ILogger
	orderSizeUSD decimal.Decimal
	takerFee     decimal.Decimal

	dbosCtx   dbos.DBOSContext
	workflows *PlacementWorkflows
}

// New builds a Manager. orderSizeUSD and takerFee come from
// config.TradingConfig (OrderSize, TakerFee).
func New(exchange core.IExchangeClient, store core.ISharedStateStore, logger core.ILogger, orderSizeUSD, takerFee decimal.Decimal) *Manager {
	return &Manager{exchange: exchange, store: store, logger: logger, orderSizeUSD: orderSizeUSD, takerFee: takerFee}
}

// WithDurability enables durable, crash-safe order placement: PlaceOrder
// runs through dbosCtx as a two-step workflow (submit, then record) instead
// of calling the exchange directly, so a crash between acceptance and
// store-write resumes at the store-write on restart rather than
// re-submitting. Optional; a Manager built by New alone places orders
// directly.
func (m *Manager) WithDurability(dbosCtx dbos.DBOSContext) *Manager {
	m.dbosCtx = dbosCtx
	m.workflows = NewPlacementWorkflows(m)
	return m
}

var _ core.IOrderManager = (*Manager)(nil)

// BuildOrderData sizes and stamps a new order intent from a signal
// result. For buys, size is configured fiat order size divided by the
// best-ask-adjusted price with a taker-fee cushion; for sells, size
// defaults to the full available base balance.
func (m *Manager) BuildOrderData(signal core.SignalResult, snapshot core.StrategySnapshot, balances []core.AccountBalance, product core.ProductInfo) (*core.OrderData, error) {
	if signal.Action != core.ActionBuy && signal.Action != core.ActionSell {
		return nil, fmt.Errorf("order: cannot build order data for action %q", signal.Action)
	}

	bidAsk, ok := m.store.GetBidAsk(signal.Symbol)
	if !ok {
		return nil, fmt.Errorf("order: no bid/ask cached for %s", signal.Symbol)
	}

	o := &core.OrderData{
		ClientOrderID: core.NewClientOrderID(signal.Symbol, signal.BarIndex),
		ProductID:     signal.Symbol,
		BaseCurrency:  product.BaseCurrency,
		QuoteCurrency: product.QuoteCurrency,
		Trigger:       core.Trigger{Name: signal.Trigger},
		Type:          core.OrderTypeLimit,
		Time:          signal.Timestamp,
		SnapshotID:    snapshot.SnapshotID,
	}

	switch signal.Action {
	case core.ActionBuy:
		o.Side = core.OrderSideBuy
		o.RequestedFiat = m.orderSizeUSD
		cushioned := m.orderSizeUSD.Div(decimal.NewFromInt(1).Sub(m.takerFee))
		if bidAsk.Ask.IsZero() {
			return nil, fmt.Errorf("order: zero ask price for %s", signal.Symbol)
		}
		o.RequestedBase = cushioned.Div(bidAsk.Ask)
	case core.ActionSell:
		o.Side = core.OrderSideSell
		base := availableBalance(balances, product.BaseCurrency)
		o.RequestedBase = base
		o.AvailableBaseBal = base
	}

	return o, nil
}

func availableBalance(balances []core.AccountBalance, currency string) decimal.Decimal {
	for _, b := range balances {
		if b.Currency == currency {
			return b.Available
		}
	}
	return decimal.Zero
}

// AdjustPriceAndSize quantizes o's price/size to the exchange's increments
// and sets the offset price: buy slightly above best bid, sell slightly
// below best ask. The offset is the maximum of 0.5% of the bid/ask spread
// and one price tick.
func (m *Manager) AdjustPriceAndSize(o *core.OrderData, product core.ProductInfo) (decimal.Decimal, decimal.Decimal, error) {
	bidAsk, ok := m.store.GetBidAsk(o.ProductID)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("order: no bid/ask cached for %s", o.ProductID)
	}

	spread := bidAsk.Ask.Sub(bidAsk.Bid)
	offset := decimal.Max(spread.Mul(decimal.NewFromFloat(0.005)), product.PriceIncrement)

	var price decimal.Decimal
	switch o.Side {
	case core.OrderSideBuy:
		price = bidAsk.Bid.Add(offset)
	case core.OrderSideSell:
		price = bidAsk.Ask.Sub(offset)
	}

	price = quantize(price, product.PriceIncrement)
	size := quantize(o.RequestedBase, product.SizeIncrement)

	o.AdjustedPrice = price
	o.AdjustedSize = size
	return price, size, nil
}

// quantize rounds v down to the nearest multiple of increment.
func quantize(v, increment decimal.Decimal) decimal.Decimal {
	if increment.IsZero() {
		return v
	}
	steps := v.Div(increment).Floor()
	return steps.Mul(increment)
}

// PlaceOrder submits o via the exchange client. Idempotent: if
// o.ClientOrderID already appears in the shared state store's open-order
// tracker, it returns the tracked ack without re-submitting. Successful
// placement freezes o.Source/o.SnapshotID and records
// the intent in the store.
func (m *Manager) PlaceOrder(ctx context.Context, o *core.OrderData) (core.OrderAck, error) {
	if existing, ok := m.store.GetOpenOrder(o.ClientOrderID); ok {
		if m.logger != nil {
			m.logger.Info("order: idempotent replay, order already tracked", core.F("client_order_id", o.ClientOrderID))
		}
		return core.OrderAck{ClientOrderID: existing.ClientOrderID, Accepted: true, Status: "tracked"}, nil
	}

	if m.dbosCtx != nil {
		handle, err := m.dbosCtx.RunWorkflow(m.dbosCtx, m.workflows.Place, o)
		if err != nil {
			return core.OrderAck{}, fmt.Errorf("order: durable place: %w", err)
		}
		result, err := handle.GetResult()
		if err != nil {
			return core.OrderAck{}, fmt.Errorf("order: durable place: %w", err)
		}
		return result.(core.OrderAck), nil
	}

	ack, err := m.exchange.PlaceOrder(ctx, o)
	if err != nil {
		return core.OrderAck{}, fmt.Errorf("order: place: %w", err)
	}

	o.ExchangeOrderID = ack.ExchangeOrderID
	o.MarkPlaced()
	m.store.PutOpenOrder(*o)
	return ack, nil
}
