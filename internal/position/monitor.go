// Package position implements the Position Monitor: a sweep-cycle exit
// evaluator that reads open positions and live bracket orders, runs the
// priority exit-decision state machine, and places coordinated exit orders.
package position

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
)

const (
	// severeLossMarketThresholdPct is the P&L level below which a
	// SOFT_STOP exit switches from an aggressive limit to a market order
	// to guarantee the fill.
	severeLossMarketThresholdPct = -0.03

	// aggressiveExitBelowBid and regularExitBelowBid set how far below
	// the best bid an exit's limit price is placed, so it clears the book
	// immediately instead of chasing price down.
	aggressiveExitBelowBid = 0.005  // emergency: 0.5% below bid
	regularExitBelowBid    = 0.0005 // normal: 0.05% below bid
)

// Config holds the position monitor's risk thresholds, sourced from
// config.TradingConfig.
type Config struct {
	HardStopPct            float64
	MaxLossPct             float64
	MinProfitPct           float64
	TrailingEnabled        bool
	TrailingATRMult        float64
	TrailingActivationPct  float64
	TrailingMaxDistPct     float64
	TrailingMinDistPct     float64
	SignalExitEnabled      bool
	SignalExitMinProfitPct float64
	BracketMatchTolerance  float64
	CheckInterval          time.Duration
	HodlSet                map[string]struct{}
}

// Monitor implements core.IPositionMonitor and drives the periodic sweep.
type Monitor struct {
	cfg       Config
	store     core.ISharedStateStore
	orders    core.IOrderManager
	exchange  core.IExchangeClient
	snapshots core.IStrategySnapshotService
	logger    core.ILogger
	metrics   *telemetry.Metrics // optional; nil disables instrument recording

	mu            sync.Mutex
	trailingState map[string]*core.TrailingStopState
	lastSweep     time.Time
}

// New builds a Monitor. metrics may be nil.
func New(cfg Config, store core.ISharedStateStore, orders core.IOrderManager, exchange core.IExchangeClient, snapshots core.IStrategySnapshotService, logger core.ILogger, metrics *telemetry.Metrics) *Monitor {
	return &Monitor{
		cfg:           cfg,
		store:         store,
		orders:        orders,
		exchange:      exchange,
		snapshots:     snapshots,
		logger:        logger,
		metrics:       metrics,
		trailingState: make(map[string]*core.TrailingStopState),
	}
}

var _ core.IPositionMonitor = (*Monitor)(nil)

// Evaluate runs the exit-decision state machine for one open position and
// returns the resulting decision without executing it. Pure with respect to
// the monitor's own trailing-stop state, which is read and may be advanced
// as a side effect (mirrors the trailing algorithm needing memory of the
// running high across calls).
func (m *Monitor) Evaluate(ctx context.Context, symbol string, mid decimal.Decimal, pos core.Position, bracket core.BracketOrder) (core.ExitDecision, error) {
	productID := symbol
	if _, hodl := m.cfg.HodlSet[symbolBase(symbol)]; hodl {
		return core.ExitDecision{Symbol: symbol, Kind: core.ExitNone, Reason: "hodl"}, nil
	}

	entry := decimal.Zero
	if mid.GreaterThan(decimal.Zero) && pos.TotalBalance.GreaterThan(decimal.Zero) {
		entry = mid.Sub(pos.UnrealizedPnL.Div(pos.TotalBalance))
	}
	if mid.LessThanOrEqual(decimal.Zero) || entry.LessThanOrEqual(decimal.Zero) {
		return core.ExitDecision{Symbol: symbol, Kind: core.ExitNone, Reason: "invalid_prices"}, nil
	}

	pnlPct, _ := mid.Sub(entry).Div(entry).Float64()

	for _, o := range m.store.OpenOrdersForSymbol(productID) {
		if o.Side == core.OrderSideSell {
			return core.ExitDecision{Symbol: symbol, Kind: core.ExitNone, Reason: "pending_sell_order", Mid: mid, Entry: entry, PnLPct: decimal.NewFromFloat(pnlPct)}, nil
		}
	}

	hasBracket := bracket.Status == core.BracketStatusActive

	d := core.ExitDecision{Symbol: symbol, Mid: mid, Entry: entry, PnLPct: decimal.NewFromFloat(pnlPct)}

	switch {
	case pnlPct <= -m.cfg.HardStopPct:
		d.Kind = core.ExitEmergency
		d.UseMarketOrder = true
		d.OverridesBracket = true
		d.Reason = "hard_stop"

	case pnlPct <= -m.cfg.MaxLossPct:
		if hasBracket && withinTolerance(bracket.StopPrice, entry, -m.cfg.MaxLossPct, m.cfg.BracketMatchTolerance) {
			d.Kind = core.ExitDeferToBracketSL
			d.Reason = "soft_stop_matches_bracket"
		} else {
			d.Kind = core.ExitSoftStop
			d.UseMarketOrder = pnlPct <= severeLossMarketThresholdPct
			d.OverridesBracket = hasBracket
			d.Reason = "soft_stop"
		}

	case m.cfg.TrailingEnabled:
		st := m.trailingStateFor(symbol)
		if st.TrailingActive {
			if m.updateTrailingStop(symbol, st, mid) {
				d.Kind = core.ExitTrailingStop
				d.Reason = "trailing_stop"
			} else {
				d.Kind = core.ExitNone
				d.Reason = "trailing_monitoring"
			}
		} else if pnlPct >= m.cfg.TrailingActivationPct {
			m.updateTrailingStop(symbol, st, mid)
			st.TrailingActive = true
			d.Kind = core.ExitTrailingActivate
			d.Reason = "trailing_activated"
		} else if m.cfg.SignalExitEnabled {
			if sig, ok := m.store.GetLatestSignal(symbol); ok && sig == core.ActionSell && pnlPct >= m.cfg.SignalExitMinProfitPct {
				d.Kind = core.ExitSignalExit
				d.Reason = "signal_exit"
			} else {
				d.Kind = core.ExitNone
				d.Reason = "no_exit"
			}
		} else {
			d.Kind = core.ExitNone
			d.Reason = "no_exit"
		}

	case pnlPct >= m.cfg.MinProfitPct:
		if hasBracket && withinTolerance(bracket.TPPrice, entry, m.cfg.MinProfitPct, m.cfg.BracketMatchTolerance) {
			d.Kind = core.ExitDeferToBracketTP
			d.Reason = "take_profit_matches_bracket"
		} else {
			d.Kind = core.ExitTakeProfit
			d.OverridesBracket = hasBracket
			d.Reason = "take_profit"
		}

	default:
		d.Kind = core.ExitNone
		d.Reason = "no_exit"
	}

	return d, nil
}

// withinTolerance reports whether bracketPrice implies the same percentage
// offset from entry as targetPct, within tolerance. The comparison is done
// in decimal and is strict: a gap of exactly tolerance does not match.
func withinTolerance(bracketPrice, entry decimal.Decimal, targetPct, tolerance float64) bool {
	if bracketPrice.IsZero() || entry.IsZero() {
		return false
	}
	bracketPct := bracketPrice.Sub(entry).Div(entry)
	diff := bracketPct.Sub(decimal.NewFromFloat(targetPct)).Abs()
	return diff.LessThan(decimal.NewFromFloat(tolerance))
}

func (m *Monitor) trailingStateFor(symbol string) *core.TrailingStopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.trailingState[symbol]
	if !ok {
		st = &core.TrailingStopState{}
		m.trailingState[symbol] = st
	}
	return st
}

// updateTrailingStop implements the trailing-stop algorithm: raise-only
// stop, band-clamped to [mid*(1-maxDist), mid*(1-minDist)], distance
// 2*ATR below the running high. Returns true if the stop is hit.
func (m *Monitor) updateTrailingStop(symbol string, st *core.TrailingStopState, mid decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	atrPct, ok := m.store.GetATRPct(symbol)
	if !ok {
		return false
	}

	if st.LastHigh.IsZero() {
		st.LastHigh = mid
		st.LastATRPct = atrPct
	} else if mid.GreaterThan(st.LastHigh) {
		st.LastHigh = mid
		st.LastATRPct = atrPct
	}

	distance := st.LastHigh.Mul(atrPct).Mul(decimal.NewFromFloat(m.cfg.TrailingATRMult))
	candidate := st.LastHigh.Sub(distance)

	minStop := mid.Mul(decimal.NewFromFloat(1 - m.cfg.TrailingMaxDistPct))
	maxStop := mid.Mul(decimal.NewFromFloat(1 - m.cfg.TrailingMinDistPct))
	if candidate.LessThan(minStop) {
		candidate = minStop
	}
	if candidate.GreaterThan(maxStop) {
		candidate = maxStop
	}

	if !st.HasStopPrice || candidate.GreaterThan(st.StopPrice) {
		st.StopPrice = candidate
		st.HasStopPrice = true
	}

	return st.HasStopPrice && mid.LessThanOrEqual(st.StopPrice)
}

// symbolBase strips a "-USD" quote suffix for HODL-set lookups, which are
// keyed by asset only (e.g. "BTC", not "BTC-USD").
func symbolBase(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			return strings.ToUpper(symbol[:i])
		}
	}
	return strings.ToUpper(symbol)
}

// executingKinds are the exit decisions that place a real sell order.
// ExitDeferToBracketSL, ExitDeferToBracketTP, ExitTrailingActivate and
// ExitNone are all informational-only: the bracket or a later sweep
// handles the exit.
func executes(kind core.ExitKind) bool {
	switch kind {
	case core.ExitEmergency, core.ExitSoftStop, core.ExitTrailingStop, core.ExitSignalExit, core.ExitTakeProfit:
		return true
	default:
		return false
	}
}

// Run drives the sweep cycle on a fixed wall-clock ticker (default every 3s),
// gating the actual per-position evaluation to cfg.CheckInterval.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepIfDue(ctx)
		}
	}
}

func (m *Monitor) sweepIfDue(ctx context.Context) {
	m.mu.Lock()
	elapsed := time.Since(m.lastSweep)
	due := m.lastSweep.IsZero() || elapsed >= m.cfg.CheckInterval
	if due {
		m.lastSweep = time.Now()
	}
	m.mu.Unlock()
	if !due {
		return
	}

	for _, pos := range m.store.OpenPositions() {
		if !pos.IsOpen(decimal.Zero) {
			continue
		}
		m.sweepOne(ctx, pos)
	}
}

func (m *Monitor) sweepOne(ctx context.Context, pos core.Position) {
	productID := pos.Symbol
	bidAsk, ok := m.store.GetBidAsk(productID)
	if !ok {
		return
	}
	bracket, _ := m.store.GetBracket(productID)

	decision, err := m.Evaluate(ctx, pos.Symbol, bidAsk.Mid(), pos, bracket)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("position: evaluate failed", core.F("symbol", pos.Symbol), core.F("error", err.Error()))
		}
		return
	}

	m.store.AppendExitTracking(pos.Symbol, decision)

	if !executes(decision.Kind) {
		return
	}

	if err := m.executeExit(ctx, pos, decision, bidAsk); err != nil && m.logger != nil {
		m.logger.Error("position: exit execution failed", core.F("symbol", pos.Symbol), core.F("reason", decision.Reason), core.F("error", err.Error()))
	}
}

// executeExit cancels any resting orders for the product (to free locked
// balance), then builds and places the exit sell at an aggressive or
// regular offset below the bid depending on urgency.
func (m *Monitor) executeExit(ctx context.Context, pos core.Position, decision core.ExitDecision, bidAsk core.BidAsk) error {
	productID := pos.Symbol

	for _, o := range m.store.OpenOrdersForSymbol(productID) {
		if o.ExchangeOrderID != "" {
			if err := m.exchange.CancelOrder(ctx, o.ExchangeOrderID); err != nil && m.logger != nil {
				m.logger.Warn("position: cancel before exit failed", core.F("symbol", productID), core.F("order_id", o.ExchangeOrderID), core.F("error", err.Error()))
			}
		}
		m.store.RemoveOpenOrder(o.ClientOrderID)
	}

	product, err := m.exchange.GetProductInfo(ctx, productID)
	if err != nil {
		return err
	}
	balances, err := m.exchange.GetAccountBalances(ctx)
	if err != nil {
		return err
	}

	snapshot := m.snapshots.Current()
	signal := core.SignalResult{
		Symbol:    pos.Symbol,
		Action:    core.ActionSell,
		Trigger:   string(decision.Kind),
		Timestamp: time.Now().UTC(),
	}

	order, err := m.orders.BuildOrderData(signal, snapshot, balances, product)
	if err != nil {
		return err
	}

	offsetPct := regularExitBelowBid
	if decision.UseMarketOrder {
		offsetPct = aggressiveExitBelowBid
	}
	exitPrice := bidAsk.Bid.Mul(decimal.NewFromFloat(1 - offsetPct))
	order.AdjustedPrice = quantizePrice(exitPrice, product.PriceIncrement)
	order.AdjustedSize = quantizePrice(order.RequestedBase, product.SizeIncrement)

	if _, err = m.orders.PlaceOrder(ctx, order); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ExitOrdersPlaced.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(decision.Kind))))
	}
	return nil
}

func quantizePrice(v, increment decimal.Decimal) decimal.Decimal {
	if increment.IsZero() {
		return v
	}
	return v.Div(increment).Floor().Mul(increment)
}
