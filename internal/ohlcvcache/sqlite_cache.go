// Package ohlcvcache persists recent OHLCV bars to a local SQLite file so
// the indicator pipeline does not need min_required_rows bars replayed
// from the exchange after every reconnect: database/sql over
// mattn/go-sqlite3, WAL mode for crash recovery, explicit transactions.
package ohlcvcache

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Cache is a local, disk-backed ring of recent bars per symbol.
type Cache struct {
	db       *sql.DB
	retain   int
}

// Open creates or attaches to the SQLite file at path, enabling WAL mode,
// and ensures the schema exists. retain bounds how many of the most recent
// bars are kept per symbol (Prune trims beyond this).
func Open(path string, retain int) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ohlcvcache: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ohlcvcache: ping: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("ohlcvcache: wal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ohlcvcache: schema: %w", err)
	}
	return &Cache{db: db, retain: retain}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ohlcv_bars (
	symbol     TEXT    NOT NULL,
	ts_unix    INTEGER NOT NULL,
	open       TEXT    NOT NULL,
	high       TEXT    NOT NULL,
	low        TEXT    NOT NULL,
	close      TEXT    NOT NULL,
	volume     TEXT    NOT NULL,
	PRIMARY KEY (symbol, ts_unix)
);
CREATE INDEX IF NOT EXISTS idx_ohlcv_bars_symbol_ts ON ohlcv_bars(symbol, ts_unix);
`

// Put appends bar for symbol inside a single transaction and prunes bars
// older than the retention window.
func (c *Cache) Put(ctx context.Context, bar core.Bar) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ohlcvcache: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO ohlcv_bars
		(symbol, ts_unix, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bar.Symbol, bar.Timestamp.Unix(),
		bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(), bar.Volume.String())
	if err != nil {
		return fmt.Errorf("ohlcvcache: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM ohlcv_bars WHERE symbol = ? AND ts_unix NOT IN (
		SELECT ts_unix FROM ohlcv_bars WHERE symbol = ? ORDER BY ts_unix DESC LIMIT ?)`,
		bar.Symbol, bar.Symbol, c.retain)
	if err != nil {
		return fmt.Errorf("ohlcvcache: prune: %w", err)
	}

	return tx.Commit()
}

// Load returns up to the most recent n bars for symbol, oldest first, used
// to warm the indicator pipeline's rolling window after a restart.
func (c *Cache) Load(ctx context.Context, symbol string, n int) ([]core.Bar, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT ts_unix, open, high, low, close, volume
		FROM ohlcv_bars WHERE symbol = ? ORDER BY ts_unix DESC LIMIT ?`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("ohlcvcache: query: %w", err)
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		var tsUnix int64
		var open, high, low, close, volume string
		if err := rows.Scan(&tsUnix, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("ohlcvcache: scan: %w", err)
		}
		bar := core.Bar{Symbol: symbol}
		bar.Timestamp = unixToTime(tsUnix)
		bar.Open = mustDecimal(open)
		bar.High = mustDecimal(high)
		bar.Low = mustDecimal(low)
		bar.Close = mustDecimal(close)
		bar.Volume = mustDecimal(volume)
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }
