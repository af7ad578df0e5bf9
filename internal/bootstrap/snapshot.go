package bootstrap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/config"
	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/ohlcvcache"
)

// decimalFromFloat converts a config float into the decimal.Decimal the
// rest of the system trades in.
func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// snapshotFromConfig builds the StrategySnapshot candidate fed into
// snapshot.Service.Load on startup. Its SnapshotID/ActiveFrom/ConfigHash
// are filled in by the snapshot service itself (Load/Rotate) the first
// time the active config is actually persisted.
func snapshotFromConfig(cfg *config.Config) core.StrategySnapshot {
	return core.StrategySnapshot{
		ScoreBuyTarget:        cfg.Trading.ScoreBuyTarget,
		ScoreSellTarget:       cfg.Trading.ScoreSellTarget,
		IndicatorWeights:      cfg.Trading.IndicatorWeights,
		RSIBuyThreshold:       cfg.Trading.RSIOversold,
		RSISellThreshold:      cfg.Trading.RSIOverbought,
		ROCBuyThreshold:       cfg.Trading.ROC5MinBuyThreshold,
		ROCSellThreshold:      cfg.Trading.ROC5MinSellThreshold,
		MACDFast:              cfg.Trading.MACDFast,
		MACDSlow:              cfg.Trading.MACDSlow,
		MACDSignal:            cfg.Trading.MACDSignal,
		TakeProfitPct:         cfg.Trading.TakeProfit,
		StopLossPct:           cfg.Trading.StopLoss,
		CooldownBars:          cfg.Trading.CooldownBars,
		FlipHysteresisPct:     cfg.Trading.FlipHysteresisPct,
		MinIndicatorsRequired: cfg.Trading.MinIndicatorsRequired,
		ExcludedSymbols:       cfg.Trading.HODL,
	}
}

// warmIndicatorPipeline replays each symbol's cached bars, oldest first,
// back through the indicator pipeline so its rolling windows are already
// populated by the time the exchange streams resume — avoiding a
// min-required-rows wait after every restart.
func warmIndicatorPipeline(ctx context.Context, pipeline core.IIndicatorPipeline, cache *ohlcvcache.Cache, symbols []string) error {
	for _, symbol := range symbols {
		bars, err := cache.Load(ctx, symbol, pipeline.MinRequiredRows()*4)
		if err != nil {
			return fmt.Errorf("load cached bars for %s: %w", symbol, err)
		}
		for _, bar := range bars {
			if _, err := pipeline.Ingest(symbol, bar); err != nil {
				return fmt.Errorf("replay cached bar for %s: %w", symbol, err)
			}
		}
	}
	return nil
}
