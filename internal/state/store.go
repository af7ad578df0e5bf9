// Package state implements a process-wide, in-memory container for
// market data and order-management
// state. It also provides DBLimiter, a bounded concurrency limiter for
// database calls; the Store itself performs no database access.
//
// LOCK ORDERING HIERARCHY:
// each top-level map (market data, order tracker, brackets, positions) has
// its own RWMutex. No method acquires more than one of these locks at a
// time, and no method calls out to another component while holding a lock.
// Readers take RLock; writers take Lock for the duration of a single map
// mutation only.
package state

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Store is the process-wide state container described here. Its writers
// are the ingestion orchestrator (bars, bid/ask, latest signals, and
// open-order updates on user-stream acks), the order manager (on
// placement) and the position monitor (removing the orders it cancels
// before an exit, and appending exit-tracking records). The trade recorder
// does not write to it; every other component only reads.
type Store struct {
	barsMu sync.RWMutex
	bars   map[string][]core.AnnotatedBar // symbol -> ring buffer, newest last
	maxBars int

	bidAskMu sync.RWMutex
	bidAsk   map[string]core.BidAsk

	usdPairsMu sync.RWMutex
	usdPairs   map[string]struct{}

	roc24hMu sync.RWMutex
	roc24h   map[string]decimal.Decimal

	atrPctMu sync.RWMutex
	atrPct   map[string]decimal.Decimal

	signalsMu sync.RWMutex
	signals   map[string]core.Action

	positionsMu sync.RWMutex
	positions   map[string]core.Position

	ordersMu sync.RWMutex
	orders   map[string]core.OrderData // keyed by ClientOrderID

	bracketsMu sync.RWMutex
	brackets   map[string]core.BracketOrder // keyed by ProductID

	exitsMu sync.Mutex
	exits   []ExitTrackingEntry
}

// ExitTrackingEntry is one append-only exit-tracking record
// (order_management.exit_tracking).
type ExitTrackingEntry struct {
	Symbol   string
	Decision core.ExitDecision
}

// New builds an empty Store. maxBars bounds the rolling OHLCV window kept
// per symbol (a bounded rolling sequence of bars).
func New(maxBars int) *Store {
	return &Store{
		bars:      make(map[string][]core.AnnotatedBar),
		maxBars:   maxBars,
		bidAsk:    make(map[string]core.BidAsk),
		usdPairs:  make(map[string]struct{}),
		roc24h:    make(map[string]decimal.Decimal),
		atrPct:    make(map[string]decimal.Decimal),
		signals:   make(map[string]core.Action),
		positions: make(map[string]core.Position),
		orders:    make(map[string]core.OrderData),
		brackets:  make(map[string]core.BracketOrder),
	}
}

// PutBar appends bar to the symbol's rolling window, trimming the oldest
// entry if the window is full. Implements core.ISharedStateStore.
func (s *Store) PutBar(symbol string, bar core.AnnotatedBar) {
	s.barsMu.Lock()
	defer s.barsMu.Unlock()

	w := s.bars[symbol]
	w = append(w, bar)
	if len(w) > s.maxBars {
		w = w[len(w)-s.maxBars:]
	}
	s.bars[symbol] = w
}

// LatestBar returns the most recently stored bar for symbol.
func (s *Store) LatestBar(symbol string) (core.AnnotatedBar, bool) {
	s.barsMu.RLock()
	defer s.barsMu.RUnlock()

	w := s.bars[symbol]
	if len(w) == 0 {
		return core.AnnotatedBar{}, false
	}
	return w[len(w)-1], true
}

// RecentBars returns up to the last n bars for symbol, oldest first.
func (s *Store) RecentBars(symbol string, n int) []core.AnnotatedBar {
	s.barsMu.RLock()
	defer s.barsMu.RUnlock()

	w := s.bars[symbol]
	if n <= 0 || n > len(w) {
		n = len(w)
	}
	out := make([]core.AnnotatedBar, n)
	copy(out, w[len(w)-n:])
	return out
}

// PutBidAsk records the latest top-of-book for symbol.
func (s *Store) PutBidAsk(symbol string, ba core.BidAsk) {
	s.bidAskMu.Lock()
	defer s.bidAskMu.Unlock()
	s.bidAsk[symbol] = ba
}

// GetBidAsk returns the latest top-of-book for symbol.
func (s *Store) GetBidAsk(symbol string) (core.BidAsk, bool) {
	s.bidAskMu.RLock()
	defer s.bidAskMu.RUnlock()
	ba, ok := s.bidAsk[symbol]
	return ba, ok
}

// SetUSDPairs replaces the tracked set of USD-quoted trading pairs.
func (s *Store) SetUSDPairs(pairs []string) {
	s.usdPairsMu.Lock()
	defer s.usdPairsMu.Unlock()
	s.usdPairs = make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		s.usdPairs[p] = struct{}{}
	}
}

// USDPairs returns a sorted snapshot of the tracked USD pairs, used by the
// ingestion orchestrator to build subscribe frames.
func (s *Store) USDPairs() []string {
	s.usdPairsMu.RLock()
	defer s.usdPairsMu.RUnlock()
	out := make([]string, 0, len(s.usdPairs))
	for p := range s.usdPairs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PutROC24h records the latest 24h price-change percentage for symbol, read
// by the signal engine's momentum override path.
func (s *Store) PutROC24h(symbol string, roc decimal.Decimal) {
	s.roc24hMu.Lock()
	defer s.roc24hMu.Unlock()
	s.roc24h[symbol] = roc
}

// GetROC24h returns the latest stored 24h ROC for symbol.
func (s *Store) GetROC24h(symbol string) (decimal.Decimal, bool) {
	s.roc24hMu.RLock()
	defer s.roc24hMu.RUnlock()
	v, ok := s.roc24h[symbol]
	return v, ok
}

// PutATRPct records the latest ATR-as-fraction-of-close for symbol, read by
// the position monitor's trailing-stop distance calculation.
func (s *Store) PutATRPct(symbol string, atrPct decimal.Decimal) {
	s.atrPctMu.Lock()
	defer s.atrPctMu.Unlock()
	s.atrPct[symbol] = atrPct
}

// GetATRPct returns the latest stored ATR percentage for symbol.
func (s *Store) GetATRPct(symbol string) (decimal.Decimal, bool) {
	s.atrPctMu.RLock()
	defer s.atrPctMu.RUnlock()
	v, ok := s.atrPct[symbol]
	return v, ok
}

// PutLatestSignal records the most recent signal-engine action for symbol,
// read by the position monitor's signal-exit path.
func (s *Store) PutLatestSignal(symbol string, action core.Action) {
	s.signalsMu.Lock()
	defer s.signalsMu.Unlock()
	s.signals[symbol] = action
}

// GetLatestSignal returns the most recent signal-engine action for symbol.
func (s *Store) GetLatestSignal(symbol string) (core.Action, bool) {
	s.signalsMu.RLock()
	defer s.signalsMu.RUnlock()
	a, ok := s.signals[symbol]
	return a, ok
}

// PutPosition implements core.ISharedStateStore.
func (s *Store) PutPosition(p core.Position) {
	s.positionsMu.Lock()
	defer s.positionsMu.Unlock()
	s.positions[p.Symbol] = p
}

// GetPosition implements core.ISharedStateStore.
func (s *Store) GetPosition(symbol string) (core.Position, bool) {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// OpenPositions returns a snapshot of every position currently tracked,
// used by the position monitor's sweep cycle.
func (s *Store) OpenPositions() []core.Position {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	out := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PutOpenOrder implements core.ISharedStateStore.
func (s *Store) PutOpenOrder(o core.OrderData) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	s.orders[o.ClientOrderID] = o
}

// GetOpenOrder implements core.ISharedStateStore.
func (s *Store) GetOpenOrder(clientOrderID string) (core.OrderData, bool) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[clientOrderID]
	return o, ok
}

// RemoveOpenOrder implements core.ISharedStateStore.
func (s *Store) RemoveOpenOrder(clientOrderID string) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	delete(s.orders, clientOrderID)
}

// OpenOrdersForSymbol implements core.ISharedStateStore.
func (s *Store) OpenOrdersForSymbol(symbol string) []core.OrderData {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	var out []core.OrderData
	for _, o := range s.orders {
		if o.ProductID == symbol {
			out = append(out, o)
		}
	}
	return out
}

// PutBracket implements core.ISharedStateStore.
func (s *Store) PutBracket(b core.BracketOrder) {
	s.bracketsMu.Lock()
	defer s.bracketsMu.Unlock()
	s.brackets[b.ProductID] = b
}

// GetBracket implements core.ISharedStateStore.
func (s *Store) GetBracket(productID string) (core.BracketOrder, bool) {
	s.bracketsMu.RLock()
	defer s.bracketsMu.RUnlock()
	b, ok := s.brackets[productID]
	return b, ok
}

// RemoveBracket drops a bracket once triggered or cancelled.
func (s *Store) RemoveBracket(productID string) {
	s.bracketsMu.Lock()
	defer s.bracketsMu.Unlock()
	delete(s.brackets, productID)
}

// AppendExitTracking records one exit decision to the append-only log.
func (s *Store) AppendExitTracking(symbol string, d core.ExitDecision) {
	s.exitsMu.Lock()
	defer s.exitsMu.Unlock()
	s.exits = append(s.exits, ExitTrackingEntry{Symbol: symbol, Decision: d})
}

// ExitTracking returns a copy of the exit-tracking log.
func (s *Store) ExitTracking() []ExitTrackingEntry {
	s.exitsMu.Lock()
	defer s.exitsMu.Unlock()
	out := make([]ExitTrackingEntry, len(s.exits))
	copy(out, s.exits)
	return out
}

var _ core.ISharedStateStore = (*Store)(nil)
