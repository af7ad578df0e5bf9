package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the narrow logging interface every component depends on.
// Never depend on *zap.Logger directly; depend on this.
type ILogger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithField(key string, value any) ILogger
	WithFields(fields ...Field) ILogger
}

// Field is a structured logging key/value pair.
type Field struct {
	Key   string
	Value any
}

// F builds a Field inline, e.g. logger.Info("placed order", core.F("id", id)).
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// OrderAck is what the exchange returns synchronously from a place-order call.
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          string
	Accepted        bool
}

// AccountBalance is one currency's balance on the exchange.
type AccountBalance struct {
	Currency  string
	Available decimal.Decimal
	Hold      decimal.Decimal
}

// IExchangeClient is the exchange client interface.
// Implementations own the REST resilience pipeline, websocket streams and
// JWT lifecycle; everything else in the system depends on this, not on the
// concrete exchange SDK.
type IExchangeClient interface {
	PlaceOrder(ctx context.Context, o *OrderData) (OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOpenOrders(ctx context.Context, productID string) ([]OrderAck, error)
	GetAccountBalances(ctx context.Context) ([]AccountBalance, error)
	GetProductInfo(ctx context.Context, productID string) (ProductInfo, error)

	SubscribeMarketData(ctx context.Context, productIDs []string, onBar func(Bar)) error
	SubscribeUserEvents(ctx context.Context, onFill func(TradeRecord), onOrderUpdate func(OrderAck)) error

	Close() error
}

// ProductInfo carries exchange-side trading rules for one product.
type ProductInfo struct {
	ProductID     string
	BaseCurrency  string
	QuoteCurrency string
	PriceIncrement decimal.Decimal
	SizeIncrement  decimal.Decimal
	MinMarketFunds decimal.Decimal
}

// ISharedStateStore is the shared state store interface.
// Implementations hold market_data and order_management maps behind
// per-top-level-map locks and expose a bounded-concurrency DB flush path.
type ISharedStateStore interface {
	PutBar(symbol string, bar AnnotatedBar)
	LatestBar(symbol string) (AnnotatedBar, bool)
	RecentBars(symbol string, n int) []AnnotatedBar

	PutBidAsk(symbol string, ba BidAsk)
	GetBidAsk(symbol string) (BidAsk, bool)

	PutATRPct(symbol string, atrPct decimal.Decimal)
	GetATRPct(symbol string) (decimal.Decimal, bool)

	PutLatestSignal(symbol string, action Action)
	GetLatestSignal(symbol string) (Action, bool)

	PutOpenOrder(o OrderData)
	GetOpenOrder(clientOrderID string) (OrderData, bool)
	RemoveOpenOrder(clientOrderID string)
	OpenOrdersForSymbol(symbol string) []OrderData

	PutPosition(p Position)
	GetPosition(symbol string) (Position, bool)
	OpenPositions() []Position

	PutBracket(b BracketOrder)
	GetBracket(productID string) (BracketOrder, bool)

	AppendExitTracking(symbol string, d ExitDecision)
}

// IIndicatorPipeline is the OHLCV cache and indicator pipeline interface.
type IIndicatorPipeline interface {
	// Ingest appends a new closed bar for symbol and returns the annotated
	// form, computed against the rolling window held internally.
	Ingest(symbol string, bar Bar) (AnnotatedBar, error)
	MinRequiredRows() int
}

// ISignalEngine is the signal engine interface.
type ISignalEngine interface {
	Evaluate(symbol string, ab AnnotatedBar, snapshot StrategySnapshot) (SignalResult, error)
}

// IOrderManager is the trade order manager interface.
type IOrderManager interface {
	BuildOrderData(signal SignalResult, snapshot StrategySnapshot, balances []AccountBalance, product ProductInfo) (*OrderData, error)
	// AdjustPriceAndSize quantizes o's requested price/size to product's
	// exchange increments and stamps o.AdjustedPrice/o.AdjustedSize.
	AdjustPriceAndSize(o *OrderData, product ProductInfo) (decimal.Decimal, decimal.Decimal, error)
	PlaceOrder(ctx context.Context, o *OrderData) (OrderAck, error)
}

// IPositionMonitor is the position monitor interface.
type IPositionMonitor interface {
	Evaluate(ctx context.Context, symbol string, mid decimal.Decimal, pos Position, bracket BracketOrder) (ExitDecision, error)
}

// ITradeRecorder is the trade recorder's ingestion-half interface. Fills
// are handed off asynchronously; Enqueue must not block the caller on
// DB I/O.
type ITradeRecorder interface {
	Enqueue(fill TradeRecord)
	Close(ctx context.Context) error
}

// IFifoEngine is the FIFO engine's allocation-half interface.
type IFifoEngine interface {
	Allocate(ctx context.Context, sell TradeRecord) ([]FifoAllocation, error)
	Replay(ctx context.Context, symbol string) error
}

// ITradeRepository is the persistence boundary the ledger package writes
// through; internal/db provides the concrete Postgres-backed implementation.
type ITradeRepository interface {
	// UpsertTrade inserts or updates trade by OrderID. excludeFromUpdate names
	// the struct fields (by the JSON-ish snake_case column name) that must be
	// left untouched when the row already exists; callers use this to make
	// Source immutable once set (unless upgrading from an unknownish value)
	// and to keep FIFO-owned fields untouched on buy-row re-ingestion.
	UpsertTrade(ctx context.Context, trade TradeRecord, excludeFromUpdate map[string]struct{}) error
	GetTrade(ctx context.Context, orderID string) (TradeRecord, bool, error)

	// FilledBuys/FilledSells return rows for symbol ordered by
	// (order_time asc, order_id asc), the FIFO engine's replay order.
	FilledBuys(ctx context.Context, symbol string) ([]TradeRecord, error)
	FilledSells(ctx context.Context, symbol string) ([]TradeRecord, error)

	// UpdateRemainingSize sets one buy row's remaining_size.
	UpdateRemainingSize(ctx context.Context, orderID string, remaining decimal.Decimal) error

	// FinalizeSell writes the aggregate FIFO results onto a fully-covered
	// sell row.
	FinalizeSell(ctx context.Context, orderID string, costBasisUSD, saleProceedsUSD, netSaleProceedsUSD, pnlUSD decimal.Decimal, parentID string, parentIDs []string) error

	// ClearSellFifoFields resets a sell row's linkage/PnL fields before a
	// fresh replay recomputes them.
	ClearSellFifoFields(ctx context.Context, orderID string) error

	// SaveAllocations persists one sell's computed allocation rows,
	// replacing any prior allocations for that SellOrderID.
	SaveAllocations(ctx context.Context, sellOrderID string, allocations []FifoAllocation) error

	// QueueManualReview records an uncovered sell residual for operator
	// follow-up; it does not mutate the sell's totals.
	QueueManualReview(ctx context.Context, alloc FifoAllocation, residual decimal.Decimal) error
}

// IStrategySnapshotService is the strategy snapshot service interface.
type IStrategySnapshotService interface {
	Current() StrategySnapshot
	Rotate(ctx context.Context, next StrategySnapshot) error
}

// ISnapshotRepository is the persistence boundary for strategy snapshots;
// internal/db provides the concrete implementation.
type ISnapshotRepository interface {
	// ActiveSnapshot returns the row with active_until IS NULL, if any.
	ActiveSnapshot(ctx context.Context) (StrategySnapshot, bool, error)
	// ArchiveActive sets active_until = at on whichever row currently has
	// active_until IS NULL. A no-op if none does.
	ArchiveActive(ctx context.Context, at time.Time) error
	InsertSnapshot(ctx context.Context, snap StrategySnapshot) error
}

// ICircuitBreaker is the narrow circuit-breaker contract used by the
// reconciliation and risk paths. Distinct from the failsafe-go transport
// circuit breaker: this one trips on business-logic divergence, not on
// HTTP failure ratios.
type ICircuitBreaker interface {
	Trip(reason string)
	IsTripped() bool
	Reset()
}

// Clock abstracts time.Now so tests can control bar timestamps and cooldown
// windows deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
