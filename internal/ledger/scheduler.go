package ledger

import (
	"context"
	"time"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// ReplaySchedulerConfig tunes the periodic FIFO replay sweep.
type ReplaySchedulerConfig struct {
	Symbols  []string
	Interval time.Duration // default 15s
}

// ReplayScheduler runs the FIFO engine as its own periodic cooperative
// task, alongside the signal engine and position monitor, sweeping every
// configured symbol through core.IFifoEngine.Replay on a fixed interval.
// It is deliberately independent of the Recorder's fill-ingestion queue:
// Record() only upserts a sell row with its FIFO fields left null: this
// scheduler is what later fills those fields in, and running it twice on
// the same input is a no-op.
type ReplayScheduler struct {
	cfg    ReplaySchedulerConfig
	engine core.IFifoEngine
	logger core.ILogger
}

// NewReplayScheduler builds a ReplayScheduler.
func NewReplayScheduler(cfg ReplaySchedulerConfig, engine core.IFifoEngine, logger core.ILogger) *ReplayScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &ReplayScheduler{cfg: cfg, engine: engine, logger: logger.WithField("component", "fifo_scheduler")}
}

// Run sweeps every configured symbol once per tick until ctx is cancelled,
// matching position.Monitor's fixed-ticker Run shape.
func (s *ReplayScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *ReplayScheduler) sweep(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		if err := s.engine.Replay(ctx, symbol); err != nil {
			s.logger.Error("ledger: fifo replay failed", core.F("symbol", symbol), core.F("error", err.Error()))
		}
	}
}
