package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestReplaySchedulerSweepsEveryConfiguredSymbol(t *testing.T) {
	repo := newFakeRepo()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertTrade(context.Background(), mkBuy("b1", "BTC-USD", t0, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero), nil))
	require.NoError(t, repo.UpsertTrade(context.Background(), mkSell("s1", "BTC-USD", t0.Add(time.Hour), decimal.NewFromInt(120), decimal.NewFromInt(4), decimal.Zero), nil))
	require.NoError(t, repo.UpsertTrade(context.Background(), mkBuy("b2", "ETH-USD", t0, decimal.NewFromInt(2000), decimal.NewFromInt(1), decimal.Zero), nil))
	require.NoError(t, repo.UpsertTrade(context.Background(), mkSell("s2", "ETH-USD", t0.Add(time.Hour), decimal.NewFromInt(2100), decimal.NewFromInt(1), decimal.Zero), nil))

	engine := NewFifoEngine(FifoConfig{}, repo, noopLogger{}, nil)
	sched := NewReplayScheduler(ReplaySchedulerConfig{Symbols: []string{"BTC-USD", "ETH-USD"}, Interval: 5 * time.Millisecond}, engine, noopLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sched.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NotEmpty(t, repo.allocations["s1"])
	require.NotEmpty(t, repo.allocations["s2"])
}

func TestReplaySchedulerDefaultsIntervalWhenUnset(t *testing.T) {
	sched := NewReplayScheduler(ReplaySchedulerConfig{Symbols: []string{"BTC-USD"}}, NewFifoEngine(FifoConfig{}, newFakeRepo(), noopLogger{}, nil), noopLogger{})
	require.Equal(t, 15*time.Second, sched.cfg.Interval)
}
