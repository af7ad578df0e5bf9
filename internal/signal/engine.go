// Package signal implements weighted multi-indicator scoring with a
// momentum override path, minimum-indicator confirmation, hysteresis,
// cooldown, conflict resolution, and per-call score-log emission.
package signal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

const (
	triggerMomentum = "roc_momo_24h"
	triggerScore    = "score"
)

type symbolState struct {
	lastSide      core.Action // ActionBuy ("long"), ActionSell ("short"), or ActionHold (flat)
	cooldownUntil int
}

// ScoreLogger persists one SignalResult per evaluation; failures must never
// propagate to the caller. Implemented by signal.JSONLScoreLog.
type ScoreLogger interface {
	Log(result core.SignalResult)
}

// Engine implements core.ISignalEngine.
type Engine struct {
	mu      sync.Mutex
	states  map[string]*symbolState
	logger  core.ILogger
	scoreLog ScoreLogger
}

// New builds an Engine. scoreLog may be nil, in which case score records
// are simply not persisted (still computed and returned).
func New(logger core.ILogger, scoreLog ScoreLogger) *Engine {
	return &Engine{states: make(map[string]*symbolState), logger: logger, scoreLog: scoreLog}
}

var _ core.ISignalEngine = (*Engine)(nil)

// Evaluate runs the full scoring algorithm for one symbol against its most
// recent annotated bar. Evaluation for a single symbol must never overlap
// with itself; callers are expected to invoke this serially
// per symbol, e.g. from a single per-symbol goroutine or under a
// per-symbol lock — the engine's own per-symbol state map is guarded here
// only to make concurrent calls for *different* symbols safe.
func (e *Engine) Evaluate(symbol string, ab core.AnnotatedBar, snapshot core.StrategySnapshot) (core.SignalResult, error) {
	e.mu.Lock()
	st, ok := e.states[symbol]
	if !ok {
		st = &symbolState{lastSide: core.ActionHold}
		e.states[symbol] = st
	}
	e.mu.Unlock()

	result := core.SignalResult{
		Symbol:    symbol,
		Timestamp: ab.Timestamp,
		BarIndex:  ab.Index,
		Price:     ab.Close,
		Raw:       ab.Raw,
	}

	defer func() {
		if e.scoreLog != nil {
			func() {
				defer func() { recover() }() // logging failures must never propagate
				e.scoreLog.Log(result)
			}()
		}
	}()

	if ab.Degraded || ab.Buy == nil || ab.Sell == nil {
		result.Action = core.ActionHold
		result.Trigger = "degraded_annotated_bar"
		return result, nil
	}

	// 1. Momentum override path.
	if ab.Raw.HasROC24h {
		rsi, _ := ab.Raw.RSI.Float64()
		roc24h, _ := ab.Raw.ROC24h.Float64()
		if roc24h > 10.0 && rsi >= 45 && rsi <= 55 {
			result.Action = core.ActionBuy
			result.Trigger = triggerMomentum
			e.updateState(st, symbol, ab.Index, core.ActionBuy, snapshot.CooldownBars)
			return result, nil
		}
		if roc24h < -5.0 && rsi >= 45 && rsi <= 55 {
			result.Action = core.ActionSell
			result.Trigger = triggerMomentum
			e.updateState(st, symbol, ab.Index, core.ActionSell, snapshot.CooldownBars)
			return result, nil
		}
	}

	// 2. Weighted scoring.
	buyScore, buyFired, buyContribs := score(ab.Buy, core.SideBuy, snapshot.IndicatorWeights)
	sellScore, sellFired, sellContribs := score(ab.Sell, core.SideSell, snapshot.IndicatorWeights)
	result.BuyScore = buyScore
	result.SellScore = sellScore
	result.TargetBuy = snapshot.ScoreBuyTarget
	result.TargetSell = snapshot.ScoreSellTarget
	result.Contributions = append(buyContribs, sellContribs...)

	buyPasses := buyScore >= snapshot.ScoreBuyTarget
	sellPasses := sellScore >= snapshot.ScoreSellTarget

	// 3. Minimum-indicator confirmation.
	total := len(core.AllIndicators())
	if buyPasses && buyFired < snapshot.MinIndicatorsRequired {
		buyPasses = false
		result.Trigger = fmt.Sprintf("buy_suppressed_insufficient_indicators_%d_of_%d", buyFired, total)
	}
	if sellPasses && sellFired < snapshot.MinIndicatorsRequired {
		sellPasses = false
		if result.Trigger == "" {
			result.Trigger = fmt.Sprintf("sell_suppressed_insufficient_indicators_%d_of_%d", sellFired, total)
		}
	}

	// 4. Hysteresis.
	if sellPasses && st.lastSide == core.ActionBuy {
		required := snapshot.ScoreSellTarget * (1 + snapshot.FlipHysteresisPct)
		if sellScore < required {
			sellPasses = false
			result.Trigger = "sell_suppressed_by_hysteresis"
		}
	}
	if buyPasses && st.lastSide == core.ActionSell {
		required := snapshot.ScoreBuyTarget * (1 + snapshot.FlipHysteresisPct)
		if buyScore < required {
			buyPasses = false
			result.Trigger = "buy_suppressed_by_hysteresis"
		}
	}

	// 5. Cooldown.
	if ab.Index < st.cooldownUntil {
		if sellPasses && st.lastSide == core.ActionBuy {
			sellPasses = false
			result.Trigger = "sell_suppressed_by_cooldown"
		}
		if buyPasses && st.lastSide == core.ActionSell {
			buyPasses = false
			result.Trigger = "buy_suppressed_by_cooldown"
		}
	}
	result.CooldownUntil = st.cooldownUntil
	result.LastSide = string(st.lastSide)

	// 6. Conflict resolution.
	switch {
	case buyPasses && sellPasses:
		if buyScore >= sellScore {
			result.Action = core.ActionBuy
		} else {
			result.Action = core.ActionSell
		}
		if result.Trigger == "" {
			result.Trigger = triggerScore
		}
	case buyPasses:
		result.Action = core.ActionBuy
		if result.Trigger == "" {
			result.Trigger = triggerScore
		}
	case sellPasses:
		result.Action = core.ActionSell
		if result.Trigger == "" {
			result.Trigger = triggerScore
		}
	default:
		result.Action = core.ActionHold
		if result.Trigger == "" {
			result.Trigger = "hold"
		}
	}

	// 7. State update.
	if result.Action != core.ActionHold && result.Action != st.lastSide {
		e.updateState(st, symbol, ab.Index, result.Action, snapshot.CooldownBars)
		result.LastSide = string(st.lastSide)
		result.CooldownUntil = st.cooldownUntil
	}

	return result, nil
}

func (e *Engine) updateState(st *symbolState, symbol string, barIndex int, action core.Action, cooldownBars int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.lastSide = action
	st.cooldownUntil = barIndex + cooldownBars
}

// score computes Σ(decision_i × weight_i) over every indicator tuple on
// side, and returns the score, the count of fired indicators, and the
// per-indicator contribution rows.
func score(tuples map[core.IndicatorName]core.IndicatorTuple, side core.Side, weights map[string]float64) (float64, int, []core.IndicatorContribution) {
	names := core.AllIndicators()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var total float64
	var fired int
	contribs := make([]core.IndicatorContribution, 0, len(names))
	for _, name := range names {
		t, ok := tuples[name]
		if !ok || !t.HasValue {
			continue
		}
		w := weights[name.String()]
		decision := 0
		if t.Fired {
			decision = 1
			fired++
		}
		contribution := float64(decision) * w
		total += contribution
		contribs = append(contribs, core.IndicatorContribution{
			Indicator:    name,
			Side:         side,
			Decision:     decision,
			Value:        t.Observed,
			Threshold:    t.Threshold,
			Weight:       w,
			Contribution: contribution,
		})
	}
	return total, fired, contribs
}
