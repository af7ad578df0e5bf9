package ohlcvcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

func TestPutLoadRoundTripAndPrune(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ohlcv.db")

	c, err := Open(path, 3)
	require.NoError(t, err)
	defer c.Close()

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		bar := core.Bar{
			Symbol:    "BTC-USD",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(101 + i)),
			Low:       decimal.NewFromInt(int64(99 + i)),
			Close:     decimal.NewFromInt(int64(100 + i)),
			Volume:    decimal.NewFromInt(10),
		}
		require.NoError(t, c.Put(ctx, bar))
	}

	bars, err := c.Load(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, bars, 3, "retention window should prune to 3")
	assert.True(t, bars[0].Timestamp.Before(bars[2].Timestamp))
	assert.Equal(t, decimal.NewFromInt(104), bars[2].Close)
}
