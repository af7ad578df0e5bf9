package indicator

import (
	"math"
	"sort"
)

// smaStd returns the simple moving average and sample standard deviation of
// the last window samples of xs (or all of xs if shorter), matching
// pandas' rolling(window).mean()/.std() pair in indicators.py.
func smaStd(xs []float64, window int) (mean, std float64) {
	if window <= 0 || window > len(xs) {
		window = len(xs)
	}
	if window == 0 {
		return 0, 0
	}
	sample := xs[len(xs)-window:]
	mean = avg(sample)
	if len(sample) < 2 {
		return mean, 0
	}
	var sumSq float64
	for _, x := range sample {
		d := x - mean
		sumSq += d * d
	}
	std = math.Sqrt(sumSq / float64(len(sample)-1))
	return mean, std
}

func smaLast(xs []float64, window int) float64 {
	m, _ := smaStd(xs, window)
	return m
}

func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func mean(xs []float64) float64 { return avg(xs) }

// ema computes the exponential moving average series with the pandas
// ewm(span=..., adjust=False) recurrence: alpha = 2/(span+1),
// ema[0] = xs[0], ema[i] = alpha*xs[i] + (1-alpha)*ema[i-1].
func ema(xs []float64, span int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

func pointwiseSub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

// pctChange returns 100 * (xs[last] - xs[last-lookback]) / xs[last-lookback].
func pctChange(xs []float64, lookback int) float64 {
	n := len(xs)
	if lookback <= 0 || lookback >= n {
		return 0
	}
	prev := xs[n-1-lookback]
	if prev == 0 {
		return 0
	}
	return 100 * (xs[n-1] - prev) / prev
}

// rsiSMA implements indicators.py's RSI: simple rolling mean of gains and
// losses over window (not Wilder's smoothed average), clipped to [0,100],
// returning 50 when the window has neither gains nor losses (rs undefined)
// and 100 when it has gains but no losses.
func rsiSMA(xs []float64, window int) float64 {
	n := len(xs)
	if n < 2 {
		return 50
	}
	if window > n-1 {
		window = n - 1
	}
	gains := make([]float64, 0, window)
	losses := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if i <= 0 {
			continue
		}
		delta := xs[i] - xs[i-1]
		if delta > 0 {
			gains = append(gains, delta)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -delta)
		}
	}
	avgGain := avg(gains)
	avgLoss := avg(losses)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	rsi := 100 - (100 / (1 + rs))
	return clip(rsi, 0, 100)
}

// quantile returns the p-th quantile (0..1) of xs using linear
// interpolation, matching pandas' default quantile method.
func quantile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	if len(cp) == 1 {
		return cp[0]
	}
	pos := p * float64(len(cp)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return cp[lo]
	}
	frac := pos - float64(lo)
	return cp[lo] + (cp[hi]-cp[lo])*frac
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
