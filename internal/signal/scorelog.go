package signal

import (
	"encoding/json"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// scoreLogLine is one line per signal evaluation in the JSONL score log,
// written independent of whatever action resulted.
type scoreLogLine struct {
	TS                string                 `json:"ts"`
	Symbol            string                 `json:"symbol"`
	BarIdx            int                    `json:"bar_idx"`
	Price             string                 `json:"price"`
	Action            core.Action            `json:"action"`
	Trigger           string                 `json:"trigger"`
	BuyScore          float64                `json:"buy_score"`
	SellScore         float64                `json:"sell_score"`
	TargetBuy         float64                `json:"target_buy"`
	TargetSell        float64                `json:"target_sell"`
	LastSide          string                 `json:"last_side"`
	CooldownUntil     int                    `json:"cooldown_until"`
	TopBuyComponents  []contributionLine     `json:"top_buy_components"`
	TopSellComponents []contributionLine     `json:"top_sell_components"`
	Raw               rawLine                `json:"raw"`
}

type contributionLine struct {
	Indicator    string  `json:"indicator"`
	Value        string  `json:"value"`
	Threshold    string  `json:"threshold"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

type rawLine struct {
	ROC       string `json:"ROC"`
	RSI       string `json:"RSI"`
	MACDHist  string `json:"MACD_Hist"`
	Upper     string `json:"upper"`
	Lower     string `json:"lower"`
}

// JSONLScoreLog appends one JSON object per line to a lumberjack-managed
// file (see NewJSONLScoreLog for rotation), in the append-only JSONL event log idiom;
// writes are serialized by a mutex rather than a
// channel since callers already invoke Log from a single per-symbol
// evaluation path. Rotation by size+age with bounded backups is exactly
// what lumberjack provides and what the pack's own service manifests
// (e.g. ridopark-JonBuhTrader, rizrmd-aibot) pull in for the same purpose.
type JSONLScoreLog struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger core.ILogger
}

// NewJSONLScoreLog opens path for append, creating it if necessary. The
// file rotates when it reaches lumberjack's default maximum size; there is
// no rotation at day boundaries. At most maxBackups rotated files are kept
// (the daemon passes 7), and rotated files older than one day are removed.
func NewJSONLScoreLog(path string, maxBackups int, logger core.ILogger) (*JSONLScoreLog, error) {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxAge:     1, // days; rotated files older than this are removed
		MaxBackups: maxBackups,
		Compress:   false,
	}
	return &JSONLScoreLog{out: lj, logger: logger}, nil
}

func topN(contribs []core.IndicatorContribution, side core.Side, n int) []contributionLine {
	best := make([]core.IndicatorContribution, 0, len(contribs))
	for _, c := range contribs {
		if c.Side == side {
			best = append(best, c)
		}
	}
	// simple selection: contributions are already bounded (7 indicators),
	// an O(n^2) partial sort is plenty.
	out := make([]contributionLine, 0, n)
	used := make([]bool, len(best))
	for len(out) < n {
		bestIdx := -1
		for i, c := range best {
			if used[i] {
				continue
			}
			if bestIdx == -1 || c.Contribution > best[bestIdx].Contribution {
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		used[bestIdx] = true
		c := best[bestIdx]
		out = append(out, contributionLine{
			Indicator:    c.Indicator.String(),
			Value:        c.Value.String(),
			Threshold:    c.Threshold.String(),
			Weight:       c.Weight,
			Contribution: c.Contribution,
		})
	}
	return out
}

// Log writes one line for result. Errors are logged, never returned or
// panicked, matching the engine's "logging never blocks trading" policy.
func (l *JSONLScoreLog) Log(result core.SignalResult) {
	line := scoreLogLine{
		TS:                result.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		Symbol:            result.Symbol,
		BarIdx:            result.BarIndex,
		Price:             result.Price.String(),
		Action:            result.Action,
		Trigger:           result.Trigger,
		BuyScore:          result.BuyScore,
		SellScore:         result.SellScore,
		TargetBuy:         result.TargetBuy,
		TargetSell:        result.TargetSell,
		LastSide:          result.LastSide,
		CooldownUntil:     result.CooldownUntil,
		TopBuyComponents:  topN(result.Contributions, core.SideBuy, 5),
		TopSellComponents: topN(result.Contributions, core.SideSell, 5),
		Raw: rawLine{
			ROC:      result.Raw.ROC.String(),
			RSI:      result.Raw.RSI.String(),
			MACDHist: result.Raw.MACDHist.String(),
			Upper:    result.Raw.UpperBand.String(),
			Lower:    result.Raw.LowerBand.String(),
		},
	}

	b, err := json.Marshal(line)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("signal: score log marshal failed", core.F("error", err.Error()))
		}
		return
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(b); err != nil && l.logger != nil {
		l.logger.Warn("signal: score log write failed", core.F("error", err.Error()))
	}
}

// Close flushes and closes the underlying file.
func (l *JSONLScoreLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
