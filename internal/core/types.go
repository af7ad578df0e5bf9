// Package core defines the domain types and interfaces shared across the
// ingestion, signal, order, position and ledger subsystems.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewClientOrderID mints a unique client-supplied order id, scoped to
// symbol and bar index for readability in logs and the strategy-link
// table. The uuid suffix is what makes placement idempotent under retry:
// a caller that generates the id once and retries the same OrderData
// reuses the same id, so the order manager's tracked-order check
// recognizes the replay.
func NewClientOrderID(symbol string, barIndex int) string {
	return fmt.Sprintf("%s-%d-%s", symbol, barIndex, uuid.NewString())
}

// Bar is one OHLCV sample for one symbol at one time. Immutable once produced.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// IndicatorName enumerates the fixed set of named indicators the pipeline
// computes. Modeled as an enum rather than a map so the scoring function
// iterates a closed, statically known set of cases.
type IndicatorName int

const (
	IndicatorBollingerRatio IndicatorName = iota
	IndicatorBollingerTouch
	IndicatorRSI
	IndicatorROC
	IndicatorMACD
	IndicatorSwing
	IndicatorWBottomMTop
	indicatorCount
)

func (n IndicatorName) String() string {
	switch n {
	case IndicatorBollingerRatio:
		return "bollinger_ratio"
	case IndicatorBollingerTouch:
		return "bollinger_touch"
	case IndicatorRSI:
		return "rsi"
	case IndicatorROC:
		return "roc"
	case IndicatorMACD:
		return "macd"
	case IndicatorSwing:
		return "swing"
	case IndicatorWBottomMTop:
		return "w_bottom_m_top"
	default:
		return "unknown"
	}
}

// AllIndicators lists every enabled variant, in weight-table order.
func AllIndicators() []IndicatorName {
	out := make([]IndicatorName, indicatorCount)
	for i := range out {
		out[i] = IndicatorName(i)
	}
	return out
}

// Side distinguishes a buy-side from a sell-side indicator/score evaluation.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// IndicatorTuple is one (fired, observed, threshold) annotation for one
// indicator on one side of one bar.
type IndicatorTuple struct {
	Fired     bool
	Observed  decimal.Decimal
	Threshold decimal.Decimal
	// HasValue is false when the pipeline could not compute a value (e.g.
	// insufficient data or a computation failure); Observed/Threshold are
	// then meaningless and must not be scored.
	HasValue bool
}

// RawScalars are the raw indicator values carried alongside an AnnotatedBar,
// used verbatim in the score JSONL "raw" object (spec §6).
type RawScalars struct {
	ROC        decimal.Decimal
	RSI        decimal.Decimal
	MACDHist   decimal.Decimal
	UpperBand  decimal.Decimal
	LowerBand  decimal.Decimal
	ROC24h     decimal.Decimal
	HasROC24h  bool
	// ATRPct is the average true range over the pipeline's configured ATR
	// window, expressed as a fraction of the latest close. Feeds the
	// position monitor's trailing-stop distance calculation.
	ATRPct decimal.Decimal
}

// AnnotatedBar is a Bar with per-indicator (fired, observed, threshold)
// tuples attached for both sides, plus the raw scalar snapshot.
type AnnotatedBar struct {
	Bar
	Index   int // count of bars ingested for the symbol before this one, monotonically increasing per symbol
	Buy     map[IndicatorName]IndicatorTuple
	Sell    map[IndicatorName]IndicatorTuple
	Raw     RawScalars
	Degraded bool // true if indicator computation failed and all tuples are zeroed
}

// Action is the outcome of one signal evaluation.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// IndicatorContribution is one line item in a SignalResult's component list.
type IndicatorContribution struct {
	Indicator    IndicatorName
	Side         Side
	Decision     int // 0 or 1
	Value        decimal.Decimal
	Threshold    decimal.Decimal
	Weight       float64
	Contribution float64
}

// SignalResult is the per-evaluation record emitted by the signal engine.
type SignalResult struct {
	Symbol        string
	Timestamp     time.Time
	BarIndex      int
	Price         decimal.Decimal
	BuyScore      float64
	SellScore     float64
	TargetBuy     float64
	TargetSell    float64
	Contributions []IndicatorContribution
	Action        Action
	Trigger       string
	LastSide      string
	CooldownUntil int
	Raw           RawScalars
}

// OrderSource enumerates where an order intent originated.
type OrderSource string

const (
	SourceWebhook         OrderSource = "webhook"
	SourceWebsocket       OrderSource = "websocket"
	SourcePositionMonitor OrderSource = "position_monitor"
	SourcePassive         OrderSource = "passive"
	SourceManual          OrderSource = "manual"
	SourceUnknown         OrderSource = "unknown"
	SourceReconciled      OrderSource = "reconciled"
	SourceEmpty           OrderSource = ""
)

// IsUnknownish reports whether a source is a placeholder subject to
// upgrade once a real source becomes known.
func (s OrderSource) IsUnknownish() bool {
	switch s {
	case SourceEmpty, SourceUnknown, SourceReconciled:
		return true
	default:
		return false
	}
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderSide is the trading side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Trigger names the reason an order or exit was generated.
type Trigger struct {
	Name    string
	Details map[string]string
}

// OrderData is an intent to place one order. Once placed successfully,
// Source and SnapshotID must not change.
type OrderData struct {
	ClientOrderID    string
	ExchangeOrderID  string
	Source           OrderSource
	Trigger          Trigger
	ProductID        string
	BaseCurrency     string
	QuoteCurrency    string
	Side             OrderSide
	Type             OrderType
	RequestedFiat    decimal.Decimal
	RequestedBase    decimal.Decimal
	AdjustedPrice    decimal.Decimal
	AdjustedSize     decimal.Decimal
	Time             time.Time
	SnapshotID       string
	AvailableBaseBal decimal.Decimal
	AvailableQuoteBal decimal.Decimal

	placed bool
}

// Placed reports whether this intent has already been submitted once,
// making Source/SnapshotID immutable.
func (o *OrderData) Placed() bool { return o.placed }

// MarkPlaced freezes Source/SnapshotID.
func (o *OrderData) MarkPlaced() { o.placed = true }

// TradeStatus mirrors the exchange-reported lifecycle of a trade record.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// TradeRecord is one settled fill row (primary key = OrderID).
type TradeRecord struct {
	OrderID              string
	ParentID             *string
	ParentIDs             []string
	Symbol               string
	Side                 OrderSide
	OrderTime            time.Time // UTC
	Price                decimal.Decimal
	Size                 decimal.Decimal
	TotalFeesUSD         decimal.Decimal
	Trigger              Trigger
	OrderType            OrderType
	Status               TradeStatus
	Source               OrderSource
	CostBasisUSD         *decimal.Decimal
	SaleProceedsUSD      *decimal.Decimal
	NetSaleProceedsUSD   *decimal.Decimal
	PnLUSD               *decimal.Decimal // sells only, set once fully covered by the FIFO engine
	RemainingSize        decimal.Decimal // buys only; 0 <= remaining_size <= size
	RealizedProfit       *decimal.Decimal // legacy, deprecated (see DESIGN.md open question)
	IngestVia            string
	LastReconciledAt     *time.Time
	LastReconciledVia    string
}

// FifoAllocation links one sell-fill slice to one buy fill.
type FifoAllocation struct {
	AllocationVersion     int
	SellOrderID           string
	BuyOrderID            *string // nil for an uncovered/placeholder allocation
	Symbol                string
	AllocatedSize         decimal.Decimal
	AllocationCostBasisUSD decimal.Decimal
	AllocationProceedsUSD decimal.Decimal
	PnLUSD                decimal.Decimal
	SellTime              time.Time
	SellPrice             decimal.Decimal
	Notes                 string
}

// BidAsk is one symbol's best-bid/best-ask top-of-book snapshot.
type BidAsk struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Mid returns (bid+ask)/2.
func (b BidAsk) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// Position is a derived, open base-currency holding.
type Position struct {
	Symbol             string
	TotalBalance       decimal.Decimal
	AvailableBalance   decimal.Decimal
	AverageEntry       decimal.Decimal
	UnrealizedPnL      decimal.Decimal
}

// IsOpen reports whether the position balance exceeds the dust threshold.
func (p Position) IsOpen(dustThreshold decimal.Decimal) bool {
	return p.TotalBalance.GreaterThan(dustThreshold)
}

// BracketStatus enumerates the lifecycle of an exchange-side bracket order.
type BracketStatus string

const (
	BracketStatusActive    BracketStatus = "active"
	BracketStatusTriggered BracketStatus = "triggered"
	BracketStatusCancelled BracketStatus = "cancelled"
)

// BracketOrder is the exchange-side {entry, stop, take-profit} tuple,
// indexed by trading pair. Position Monitor reads and coordinates with
// these; it never creates them.
type BracketOrder struct {
	ProductID   string
	EntryOrderID string
	StopOrderID  string
	TPOrderID    string
	EntryPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	TPPrice      decimal.Decimal
	Status       BracketStatus
}

// StrategySnapshot is an immutable configuration fingerprint.
type StrategySnapshot struct {
	SnapshotID       string
	ActiveFrom       time.Time
	ActiveUntil      *time.Time // nil == current
	ScoreBuyTarget   float64
	ScoreSellTarget  float64
	IndicatorWeights map[string]float64
	RSIBuyThreshold  float64
	RSISellThreshold float64
	ROCBuyThreshold  float64
	ROCSellThreshold float64
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
	TakeProfitPct    float64
	StopLossPct      float64
	CooldownBars     int
	FlipHysteresisPct float64
	MinIndicatorsRequired int
	ExcludedSymbols  []string
	ConfigHash       string // sha256 of the canonical-JSON form
}

// TrailingStopState is per-symbol trailing-stop bookkeeping.
type TrailingStopState struct {
	LastHigh       decimal.Decimal
	StopPrice      decimal.Decimal
	HasStopPrice   bool
	LastATRPct     decimal.Decimal
	TrailingActive bool
}

// ExitKind enumerates the position-monitor exit-decision outcomes.
type ExitKind string

const (
	ExitNone          ExitKind = "none"
	ExitEmergency     ExitKind = "emergency"
	ExitDeferToBracketSL ExitKind = "defer_bracket_sl"
	ExitSoftStop      ExitKind = "soft_stop"
	ExitTrailingStop  ExitKind = "trailing_stop"
	ExitTrailingActivate ExitKind = "trailing_activate"
	ExitSignalExit    ExitKind = "signal_exit"
	ExitDeferToBracketTP ExitKind = "defer_bracket_tp"
	ExitTakeProfit    ExitKind = "take_profit"
)

// ExitDecision is the result of evaluating the exit state machine (§4.F)
// for one open position.
type ExitDecision struct {
	Symbol          string
	Kind            ExitKind
	UseMarketOrder  bool
	OverridesBracket bool
	PnLPct          decimal.Decimal
	Mid             decimal.Decimal
	Entry           decimal.Decimal
	Reason          string
}
