// Package indicator implements the OHLCV cache and indicator pipeline:
// per-symbol rolling bar windows, Bollinger/RSI/ROC/MACD/swing/
// W-bottom-M-top computation, and AnnotatedBar emission.
//
// Stored observed values use decimal-preserving arithmetic; intermediate
// rolling statistics (EMA, standard deviation, quantiles) use float64.
// Grounded on
// original_source/sighook/indicators.py for exact window/threshold
// semantics (Bollinger basis/std/upper/lower, EMA-span MACD, SMA-based RSI
// gain/loss, dynamic buy/sell ratio via rolling 90th/10th percentile
// clipped to configured bounds, and the W-bottom/M-top three-point pivot
// detection with ATR-derived minimum price change and volume confirmation).
package indicator

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Config parametrizes every indicator window and threshold
// (RSI_WINDOW/ATR_WINDOW/MACD_*/BB_*/RSI_OVERSOLD/RSI_OVERBOUGHT and their
// equivalents).
type Config struct {
	MinRequiredRows int

	BBWindow    int
	BBStd       float64
	BBLowerBand float64 // clip bound for dynamic_buy_ratio / dynamic_sell_ratio
	BBUpperBand float64
	SellRatioFactor float64 // sell bound = [lower*factor, upper*factor]

	RSIWindow     int
	RSIBuy        float64 // rsi_buy_threshold
	RSISell       float64 // rsi_sell_threshold

	ROCLookback int // bars for the short-window ROC indicator (distinct from the 24h momentum override)
	ROCBuyMin      float64
	ROCBuyDiffMin  float64
	ROCSellMax     float64
	ROCSellDiffMax float64

	MACDFast   int
	MACDSlow   int
	MACDSignal int

	SMAFast       int // 50
	SMASlow       int // 200
	SMAVolatility int

	ATRWindow int

	QuantileWindow int // rolling window for dynamic buy/sell ratio quantiles, default min(50, len)
}

// DefaultConfig mirrors indicators.py's defaults.
func DefaultConfig() Config {
	return Config{
		MinRequiredRows: 50,
		BBWindow:        20,
		BBStd:           2,
		BBLowerBand:     1.0,
		BBUpperBand:     1.05,
		SellRatioFactor: 0.98,
		RSIWindow:       14,
		RSIBuy:          30,
		RSISell:         70,
		ROCLookback:     3,
		ROCBuyMin:       5,
		ROCBuyDiffMin:   0.3,
		ROCSellMax:      -2.5,
		ROCSellDiffMax:  -0.2,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		SMAFast:         50,
		SMASlow:         200,
		SMAVolatility:   20,
		ATRWindow:       14,
		QuantileWindow:  50,
	}
}

type symbolState struct {
	bars []core.Bar

	ingested int // bars ever ingested for this symbol; drives AnnotatedBar.Index

	bandRatioHistory []float64 // for the rolling quantile window

	lastWBottomIdx int
	lastMTopIdx    int
	lastWBottomLow float64
	lastMTopHigh   float64
	haveLastW      bool
	haveLastM      bool
}

// Pipeline implements core.IIndicatorPipeline.
type Pipeline struct {
	cfg     Config
	logger  core.ILogger
	symbols map[string]*symbolState
}

// New builds a Pipeline. The number of bars retained per symbol is
// maxWindow(), which is never below SMASlow, so the 200-SMA can compute.
func New(cfg Config, logger core.ILogger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger, symbols: make(map[string]*symbolState)}
}

// MinRequiredRows implements core.IIndicatorPipeline.
func (p *Pipeline) MinRequiredRows() int { return p.cfg.MinRequiredRows }

func (p *Pipeline) maxWindow() int {
	w := p.cfg.SMASlow
	if p.cfg.ATRWindow+7 > w {
		w = p.cfg.ATRWindow + 7
	}
	if p.cfg.QuantileWindow > w {
		w = p.cfg.QuantileWindow
	}
	return w + 3 // small cushion for the 3-point pivot lookback
}

// Ingest appends bar to symbol's rolling window and recomputes every
// indicator over the window. On insufficient data it returns the bar
// unannotated; on a computation panic/error it returns a degraded
// annotated bar with every tuple zeroed, never propagating the
// failure — indicator failures always stay local to the symbol.
func (p *Pipeline) Ingest(symbol string, bar core.Bar) (ab core.AnnotatedBar, err error) {
	st, ok := p.symbols[symbol]
	if !ok {
		st = &symbolState{}
		p.symbols[symbol] = st
	}

	st.bars = append(st.bars, bar)
	if max := p.maxWindow(); len(st.bars) > max {
		st.bars = st.bars[len(st.bars)-max:]
	}
	st.ingested++

	defer func() {
		if r := recover(); r != nil {
			if p.logger != nil {
				p.logger.Error("indicator computation panic", core.F("symbol", symbol), core.F("panic", fmt.Sprintf("%v", r)))
			}
			ab = degradedBar(bar)
			ab.Index = st.ingested - 1
			err = nil
		}
	}()

	if len(st.bars) < p.cfg.MinRequiredRows {
		return core.AnnotatedBar{Bar: bar, Index: st.ingested - 1, Degraded: false}, nil
	}

	return p.compute(st, bar), nil
}

func degradedBar(bar core.Bar) core.AnnotatedBar {
	zero := core.IndicatorTuple{}
	buy := make(map[core.IndicatorName]core.IndicatorTuple, len(core.AllIndicators()))
	sell := make(map[core.IndicatorName]core.IndicatorTuple, len(core.AllIndicators()))
	for _, n := range core.AllIndicators() {
		buy[n] = zero
		sell[n] = zero
	}
	return core.AnnotatedBar{Bar: bar, Buy: buy, Sell: sell, Degraded: true}
}

func closes(bars []core.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		out[i] = f
	}
	return out
}

func (p *Pipeline) compute(st *symbolState, latest core.Bar) core.AnnotatedBar {
	bars := st.bars
	n := len(bars)
	cl := closes(bars)

	basis, std := smaStd(cl, p.cfg.BBWindow)
	upper := basis + p.cfg.BBStd*std
	lower := basis - p.cfg.BBStd*std
	if lower == 0 {
		lower = 1
	}
	bandRatio := upper / lower

	st.bandRatioHistory = append(st.bandRatioHistory, bandRatio)
	if qw := p.cfg.QuantileWindow; len(st.bandRatioHistory) > qw {
		st.bandRatioHistory = st.bandRatioHistory[len(st.bandRatioHistory)-qw:]
	}
	dynBuyRatio := clip(quantile(st.bandRatioHistory, 0.9), p.cfg.BBLowerBand, p.cfg.BBUpperBand)
	dynSellRatio := clip(quantile(st.bandRatioHistory, 0.1), p.cfg.BBLowerBand*p.cfg.SellRatioFactor, p.cfg.BBUpperBand*p.cfg.SellRatioFactor)

	rsi := rsiSMA(cl, p.cfg.RSIWindow)

	rocLookback := p.cfg.ROCLookback
	if rocLookback > n-1 {
		rocLookback = n - 1
	}
	roc := pctChange(cl, rocLookback)
	var rocDiff float64
	if n > rocLookback+1 {
		prevROC := pctChange(cl[:n-1], rocLookback)
		rocDiff = roc - prevROC
	}

	emaFast := ema(cl, p.cfg.MACDFast)
	emaSlow := ema(cl, p.cfg.MACDSlow)
	macdLine := pointwiseSub(emaFast, emaSlow)
	signalLine := ema(macdLine, p.cfg.MACDSignal)
	macdHist := macdLine[len(macdLine)-1] - signalLine[len(signalLine)-1]

	sma50 := smaLast(cl, p.cfg.SMAFast)
	sma200 := smaLast(cl, p.cfg.SMASlow)
	_, volStd := smaStd(cl, p.cfg.SMAVolatility)
	volHistory := make([]float64, 0, n)
	for w := p.cfg.SMAVolatility; w <= n; w++ {
		_, s := smaStd(cl[:w], p.cfg.SMAVolatility)
		volHistory = append(volHistory, s)
	}
	volMean := mean(volHistory)

	atrWindow := p.cfg.ATRWindow
	if atrWindow > n {
		atrWindow = n
	}
	var atrRanges []float64
	for i := n - atrWindow; i < n; i++ {
		h, _ := bars[i].High.Float64()
		l, _ := bars[i].Low.Float64()
		atrRanges = append(atrRanges, h-l)
	}
	atrPct := 0.0
	if closeLast := cl[n-1]; closeLast != 0 {
		atrPct = mean(atrRanges) / closeLast
	}

	buy := make(map[core.IndicatorName]core.IndicatorTuple, len(core.AllIndicators()))
	sell := make(map[core.IndicatorName]core.IndicatorTuple, len(core.AllIndicators()))

	buy[core.IndicatorBollingerRatio] = tuple(bandRatio > dynBuyRatio, bandRatio, dynBuyRatio)
	sell[core.IndicatorBollingerRatio] = tuple(bandRatio < dynSellRatio, bandRatio, dynSellRatio)

	closeF := cl[n-1]
	buy[core.IndicatorBollingerTouch] = tuple(closeF < lower, closeF, lower)
	sell[core.IndicatorBollingerTouch] = tuple(closeF > upper, closeF, upper)

	buy[core.IndicatorRSI] = tuple(rsi < p.cfg.RSIBuy+7, rsi, p.cfg.RSIBuy)
	sell[core.IndicatorRSI] = tuple(rsi > p.cfg.RSISell-7, rsi, p.cfg.RSISell)

	buy[core.IndicatorROC] = tuple(roc > p.cfg.ROCBuyMin && rocDiff > p.cfg.ROCBuyDiffMin && rsi <= p.cfg.RSIBuy, roc, p.cfg.ROCBuyMin)
	sell[core.IndicatorROC] = tuple(roc < p.cfg.ROCSellMax && rocDiff < p.cfg.ROCSellDiffMax && rsi >= p.cfg.RSISell, roc, p.cfg.ROCSellMax)

	buy[core.IndicatorMACD] = tuple(macdHist > 0, macdHist, 0)
	sell[core.IndicatorMACD] = tuple(macdHist < 0, macdHist, 0)

	swingBuy := closeF > sma50 && rsi >= 30 && rsi <= 70 && macdLine[len(macdLine)-1] > signalLine[len(signalLine)-1] &&
		closeF > sma200 && volStd > volMean*0.8
	swingSell := closeF < sma50 && rsi >= 30 && rsi <= 70 && macdLine[len(macdLine)-1] < signalLine[len(signalLine)-1] &&
		closeF < sma200 && volStd < volMean*1.2
	buy[core.IndicatorSwing] = tuple(swingBuy, closeF, 0)
	sell[core.IndicatorSwing] = tuple(swingSell, closeF, 0)

	wBottom, mTop := p.detectPivots(st)
	buy[core.IndicatorWBottomMTop] = wBottom
	sell[core.IndicatorWBottomMTop] = mTop

	return core.AnnotatedBar{
		Bar:   latest,
		Index: st.ingested - 1,
		Buy:   buy,
		Sell:  sell,
		Raw: core.RawScalars{
			ROC:       decimal.NewFromFloat(roc),
			RSI:       decimal.NewFromFloat(rsi),
			MACDHist:  decimal.NewFromFloat(macdHist),
			UpperBand: decimal.NewFromFloat(upper),
			LowerBand: decimal.NewFromFloat(lower),
			ATRPct:    decimal.NewFromFloat(atrPct),
		},
	}
}

func tuple(fired bool, observed, threshold float64) core.IndicatorTuple {
	return core.IndicatorTuple{
		Fired:     fired,
		Observed:  decimal.NewFromFloat(observed),
		Threshold: decimal.NewFromFloat(threshold),
		HasValue:  true,
	}
}

// detectPivots implements the three-point W-bottom/M-top check from
// original_source/sighook/indicators.py: prev below/above the band, curr a
// local extremum inside it, next closing back past the basis with
// above-average volume. Runs over the full retained window each call (the
// window is small, bounded by maxWindow) and returns whether the
// second-to-last bar (the earliest position for which a "next" bar
// exists) is a detected pivot.
func (p *Pipeline) detectPivots(st *symbolState) (core.IndicatorTuple, core.IndicatorTuple) {
	bars := st.bars
	n := len(bars)
	if n < 3 {
		return core.IndicatorTuple{}, core.IndicatorTuple{}
	}
	cl := closes(bars)

	basis := make([]float64, n)
	upper := make([]float64, n)
	lower := make([]float64, n)
	for i := range bars {
		end := i + 1
		start := end - p.cfg.BBWindow
		if start < 0 {
			start = 0
		}
		b, s := smaStd(cl[start:end], end-start)
		basis[i] = b
		upper[i] = b + p.cfg.BBStd*s
		lower[i] = b - p.cfg.BBStd*s
	}

	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		h, _ := b.High.Float64()
		l, _ := b.Low.Float64()
		v, _ := b.Volume.Float64()
		highs[i], lows[i], volumes[i] = h, l, v
	}

	volWindow := p.cfg.ATRWindow + 7
	if volWindow > n {
		volWindow = n
	}
	volMean := mean(volumes[maxInt(0, n-volWindow):])

	atrWindow := p.cfg.ATRWindow
	if atrWindow > n {
		atrWindow = n
	}
	var atrSamples []float64
	for i := atrWindow - 1; i < n; i++ {
		hi := maxSlice(highs[i-atrWindow+1 : i+1])
		lo := minSlice(lows[i-atrWindow+1 : i+1])
		atrSamples = append(atrSamples, hi-lo)
	}
	minPriceChange := median(atrSamples) * 0.1

	minTimeBetween := maxInt(3, int(float64(n)*0.005))

	i := n - 2 // curr index; next = i+1, prev = i-1
	prevLow, currLow, nextLow := lows[i-1], lows[i], lows[i+1]
	prevHigh, currHigh, nextHigh := highs[i-1], highs[i], highs[i+1]

	wBottom := core.IndicatorTuple{}
	if prevLow < lower[i-1] && lower[i] < currLow && currLow < nextLow &&
		cl[i+1] > basis[i+1] && volumes[i+1] > volMean {
		timeOK := !st.haveLastW || (i-st.lastWBottomIdx) >= minTimeBetween
		priceOK := !st.haveLastW || st.lastWBottomLow == 0 ||
			absFloat(currLow-st.lastWBottomLow)/st.lastWBottomLow > minPriceChange
		if timeOK && priceOK {
			st.lastWBottomIdx = i
			st.lastWBottomLow = currLow
			st.haveLastW = true
			wBottom = tuple(true, currLow, minPriceChange)
		}
	}

	mTop := core.IndicatorTuple{}
	if prevHigh > upper[i-1] && upper[i] > currHigh && currHigh > nextHigh &&
		cl[i+1] < basis[i+1] && volumes[i+1] > volMean {
		timeOK := !st.haveLastM || (i-st.lastMTopIdx) >= minTimeBetween
		priceOK := !st.haveLastM || st.lastMTopHigh == 0 ||
			absFloat(currHigh-st.lastMTopHigh)/st.lastMTopHigh > minPriceChange
		if timeOK && priceOK {
			st.lastMTopIdx = i
			st.lastMTopHigh = currHigh
			st.haveLastM = true
			mTop = tuple(true, currHigh, minPriceChange)
		}
	}

	if !wBottom.HasValue {
		wBottom = tuple(false, currLow, minPriceChange)
	}
	if !mTop.HasValue {
		mTop = tuple(false, currHigh, minPriceChange)
	}
	return wBottom, mTop
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxSlice(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minSlice(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 0 {
		return (cp[mid-1] + cp[mid]) / 2
	}
	return cp[mid]
}
