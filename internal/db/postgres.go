// Package db implements the Postgres-backed persistence boundary:
// core.ITradeRepository (trade_records, fifo_allocations, a manual-review
// queue) and core.ISnapshotRepository (strategy_snapshots). Every method
// here is a thin wrapper around a pgx query — the domain logic that
// decides what to write lives in internal/ledger and internal/snapshot,
// never here.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// DB owns the connection pool and implements both persistence-boundary
// interfaces the rest of the system depends on.
type DB struct {
	pool   *pgxpool.Pool
	logger core.ILogger
}

// Config is the bounded-pool tuning: the database pool is bounded,
// default 5 connections + 5 overflow.
type Config struct {
	DSN             string
	MaxConns        int32 // default 10 (5 base + 5 overflow)
	MinConns        int32 // default 5
	ConnMaxLifetime time.Duration
}

// Open establishes the pool and runs Migrate.
func Open(ctx context.Context, cfg Config, logger core.ILogger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 5
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: new pool: %w", err)
	}

	d := &DB{pool: pool, logger: logger.WithField("component", "db")}
	if err := d.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the pool, the last step of shutdown after every other
// task is drained.
func (d *DB) Close() { d.pool.Close() }

// Ping round-trips a connection acquire against the pool, used by the
// health-check registry to report the database component's status.
func (d *DB) Ping(ctx context.Context) error { return d.pool.Ping(ctx) }

// Migrate creates every table this package owns if it doesn't already
// exist. There is no down-migration; schema changes are additive.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trade_records (
	order_id              TEXT PRIMARY KEY,
	parent_id             TEXT,
	parent_ids            TEXT[],
	symbol                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	order_time            TIMESTAMPTZ NOT NULL,
	price                 NUMERIC NOT NULL,
	size                  NUMERIC NOT NULL,
	pnl_usd               NUMERIC,
	total_fees_usd        NUMERIC,
	trigger               JSONB,
	order_type            TEXT,
	status                TEXT,
	source                TEXT,
	cost_basis_usd        NUMERIC,
	sale_proceeds_usd     NUMERIC,
	net_sale_proceeds_usd NUMERIC,
	remaining_size        NUMERIC,
	realized_profit       NUMERIC,
	ingest_via            TEXT,
	last_reconciled_at    TIMESTAMPTZ,
	last_reconciled_via   TEXT
);
CREATE INDEX IF NOT EXISTS idx_trade_records_symbol_order_time ON trade_records (symbol, order_time);

CREATE TABLE IF NOT EXISTS fifo_allocations (
	id                        BIGSERIAL PRIMARY KEY,
	allocation_version        INTEGER NOT NULL,
	sell_order_id             TEXT NOT NULL,
	buy_order_id              TEXT,
	symbol                    TEXT NOT NULL,
	allocated_size            NUMERIC NOT NULL,
	allocation_cost_basis_usd NUMERIC NOT NULL,
	allocation_proceeds_usd   NUMERIC NOT NULL,
	pnl_usd                   NUMERIC NOT NULL,
	sell_time                 TIMESTAMPTZ NOT NULL,
	sell_price                NUMERIC NOT NULL,
	notes                     TEXT
);
CREATE INDEX IF NOT EXISTS idx_fifo_allocations_sell ON fifo_allocations (sell_order_id);

CREATE TABLE IF NOT EXISTS fifo_manual_review (
	id             BIGSERIAL PRIMARY KEY,
	sell_order_id  TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	residual_size  NUMERIC NOT NULL,
	queued_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS strategy_snapshots (
	snapshot_id             TEXT PRIMARY KEY,
	active_from             TIMESTAMPTZ NOT NULL,
	active_until            TIMESTAMPTZ,
	score_buy_target        NUMERIC,
	score_sell_target       NUMERIC,
	indicator_weights       JSONB NOT NULL,
	rsi_buy_threshold       NUMERIC,
	rsi_sell_threshold      NUMERIC,
	roc_buy_threshold       NUMERIC,
	roc_sell_threshold      NUMERIC,
	macd_fast               INTEGER,
	macd_slow               INTEGER,
	macd_signal             INTEGER,
	take_profit_pct         NUMERIC,
	stop_loss_pct           NUMERIC,
	cooldown_bars           INTEGER,
	flip_hysteresis_pct     NUMERIC,
	min_indicators_required INTEGER,
	excluded_symbols        TEXT[],
	config_hash             TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_strategy_snapshots_active ON strategy_snapshots (active_from, active_until);
`

// --- core.ITradeRepository -------------------------------------------------

// column-to-struct-field assignments used by both the insert and the
// conditional-update branches of UpsertTrade.
type updatable struct {
	col   string
	value any
}

// UpsertTrade inserts trade, or updates every column not named in
// excludeFromUpdate if the row already exists (ledger.Recorder uses this
// to make Source immutable and protect FIFO-owned columns on buy
// re-ingestion; see internal/ledger/recorder.go).
func (d *DB) UpsertTrade(ctx context.Context, t core.TradeRecord, excludeFromUpdate map[string]struct{}) error {
	triggerJSON, err := marshalTrigger(t.Trigger)
	if err != nil {
		return fmt.Errorf("db: marshal trigger: %w", err)
	}

	all := []updatable{
		{"parent_id", t.ParentID},
		{"parent_ids", t.ParentIDs},
		{"symbol", t.Symbol},
		{"side", string(t.Side)},
		{"order_time", t.OrderTime},
		{"price", t.Price},
		{"size", t.Size},
		{"pnl_usd", toNullDecimalPtr(t.PnLUSD)},
		{"total_fees_usd", t.TotalFeesUSD},
		{"trigger", triggerJSON},
		{"order_type", string(t.OrderType)},
		{"status", string(t.Status)},
		{"source", string(t.Source)},
		{"cost_basis_usd", toNullDecimalPtr(t.CostBasisUSD)},
		{"sale_proceeds_usd", toNullDecimalPtr(t.SaleProceedsUSD)},
		{"net_sale_proceeds_usd", toNullDecimalPtr(t.NetSaleProceedsUSD)},
		{"remaining_size", t.RemainingSize},
		{"realized_profit", toNullDecimalPtr(t.RealizedProfit)},
		{"ingest_via", t.IngestVia},
		{"last_reconciled_at", t.LastReconciledAt},
		{"last_reconciled_via", t.LastReconciledVia},
	}

	cols := []string{"order_id"}
	args := []any{t.OrderID}
	var setClauses []string
	for _, u := range all {
		cols = append(cols, u.col)
		args = append(args, u.value)
		if _, skip := excludeFromUpdate[u.col]; !skip {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", u.col, u.col))
		}
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		`INSERT INTO trade_records (%s) VALUES (%s)
		 ON CONFLICT (order_id) DO UPDATE SET %s`,
		joinCols(cols), joinCols(placeholders), joinCols(setClauses),
	)
	if len(setClauses) == 0 {
		// Every column is protected; degrade to a no-op update so the
		// statement stays valid SQL (a buy whose one real column is
		// order_id itself never happens in practice, but stay defensive).
		query = `INSERT INTO trade_records (order_id) VALUES ($1) ON CONFLICT (order_id) DO NOTHING`
		args = []any{t.OrderID}
	}

	if _, err := d.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("db: upsert trade %s: %w", t.OrderID, err)
	}
	return nil
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

const tradeRecordColumns = `order_id, parent_id, parent_ids, symbol, side, order_time, price, size,
	pnl_usd, total_fees_usd, trigger, order_type, status, source, cost_basis_usd,
	sale_proceeds_usd, net_sale_proceeds_usd, remaining_size, realized_profit,
	ingest_via, last_reconciled_at, last_reconciled_via`

func (d *DB) GetTrade(ctx context.Context, orderID string) (core.TradeRecord, bool, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+tradeRecordColumns+` FROM trade_records WHERE order_id = $1`, orderID)
	t, err := scanTradeRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return core.TradeRecord{}, false, nil
		}
		return core.TradeRecord{}, false, fmt.Errorf("db: get trade %s: %w", orderID, err)
	}
	return t, true, nil
}

func (d *DB) FilledBuys(ctx context.Context, symbol string) ([]core.TradeRecord, error) {
	return d.filledBySide(ctx, symbol, core.OrderSideBuy)
}

func (d *DB) FilledSells(ctx context.Context, symbol string) ([]core.TradeRecord, error) {
	return d.filledBySide(ctx, symbol, core.OrderSideSell)
}

// filledBySide returns rows in (order_time, order_id) order, the FIFO
// engine's replay order.
func (d *DB) filledBySide(ctx context.Context, symbol string, side core.OrderSide) ([]core.TradeRecord, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+tradeRecordColumns+` FROM trade_records
		 WHERE symbol = $1 AND side = $2 AND status = $3
		 ORDER BY order_time ASC, order_id ASC`,
		symbol, string(side), string(core.TradeStatusFilled))
	if err != nil {
		return nil, fmt.Errorf("db: filled %s %s: %w", side, symbol, err)
	}
	defer rows.Close()

	var out []core.TradeRecord
	for rows.Next() {
		t, err := scanTradeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("db: scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) UpdateRemainingSize(ctx context.Context, orderID string, remaining decimal.Decimal) error {
	_, err := d.pool.Exec(ctx, `UPDATE trade_records SET remaining_size = $1 WHERE order_id = $2`, remaining, orderID)
	if err != nil {
		return fmt.Errorf("db: update remaining size %s: %w", orderID, err)
	}
	return nil
}

func (d *DB) FinalizeSell(ctx context.Context, orderID string, costBasisUSD, saleProceedsUSD, netSaleProceedsUSD, pnlUSD decimal.Decimal, parentID string, parentIDs []string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE trade_records
		 SET cost_basis_usd = $1, sale_proceeds_usd = $2, net_sale_proceeds_usd = $3,
		     pnl_usd = $4, parent_id = $5, parent_ids = $6
		 WHERE order_id = $7`,
		costBasisUSD, saleProceedsUSD, netSaleProceedsUSD, pnlUSD, parentID, parentIDs, orderID)
	if err != nil {
		return fmt.Errorf("db: finalize sell %s: %w", orderID, err)
	}
	return nil
}

func (d *DB) ClearSellFifoFields(ctx context.Context, orderID string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE trade_records
		 SET cost_basis_usd = NULL, sale_proceeds_usd = NULL, net_sale_proceeds_usd = NULL,
		     pnl_usd = NULL, parent_id = NULL, parent_ids = NULL
		 WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("db: clear sell fifo fields %s: %w", orderID, err)
	}
	return nil
}

// SaveAllocations replaces sellOrderID's prior allocation rows with
// allocations inside one transaction — a replay must never leave a mix
// of old and new allocation rows visible to a concurrent reader.
func (d *DB) SaveAllocations(ctx context.Context, sellOrderID string, allocations []core.FifoAllocation) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: save allocations begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM fifo_allocations WHERE sell_order_id = $1`, sellOrderID); err != nil {
		return fmt.Errorf("db: save allocations delete: %w", err)
	}
	for _, a := range allocations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fifo_allocations
			 (allocation_version, sell_order_id, buy_order_id, symbol, allocated_size,
			  allocation_cost_basis_usd, allocation_proceeds_usd, pnl_usd, sell_time, sell_price, notes)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			a.AllocationVersion, a.SellOrderID, a.BuyOrderID, a.Symbol, a.AllocatedSize,
			a.AllocationCostBasisUSD, a.AllocationProceedsUSD, a.PnLUSD, a.SellTime, a.SellPrice, a.Notes,
		); err != nil {
			return fmt.Errorf("db: save allocations insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: save allocations commit: %w", err)
	}
	return nil
}

func (d *DB) QueueManualReview(ctx context.Context, alloc core.FifoAllocation, residual decimal.Decimal) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO fifo_manual_review (sell_order_id, symbol, residual_size) VALUES ($1, $2, $3)`,
		alloc.SellOrderID, alloc.Symbol, residual)
	if err != nil {
		return fmt.Errorf("db: queue manual review %s: %w", alloc.SellOrderID, err)
	}
	return nil
}

var _ core.ITradeRepository = (*DB)(nil)

// rowScanner abstracts pgx.Row vs pgx.Rows for scanTradeRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTradeRecord(row rowScanner) (core.TradeRecord, error) {
	var (
		t                                                              core.TradeRecord
		side, orderType, status, source                                string
		triggerJSON                                                    []byte
		pnlUSD, costBasis, saleProceeds, netSaleProceeds, realizedProfit decimal.NullDecimal
	)
	err := row.Scan(
		&t.OrderID, &t.ParentID, &t.ParentIDs, &t.Symbol, &side, &t.OrderTime, &t.Price, &t.Size,
		&pnlUSD, &t.TotalFeesUSD, &triggerJSON, &orderType, &status, &source, &costBasis,
		&saleProceeds, &netSaleProceeds, &t.RemainingSize, &realizedProfit,
		&t.IngestVia, &t.LastReconciledAt, &t.LastReconciledVia,
	)
	if err != nil {
		return core.TradeRecord{}, err
	}
	t.Side = core.OrderSide(side)
	t.OrderType = core.OrderType(orderType)
	t.Status = core.TradeStatus(status)
	t.Source = core.OrderSource(source)
	t.PnLUSD = fromNullDecimal(pnlUSD)
	t.CostBasisUSD = fromNullDecimal(costBasis)
	t.SaleProceedsUSD = fromNullDecimal(saleProceeds)
	t.NetSaleProceedsUSD = fromNullDecimal(netSaleProceeds)
	t.RealizedProfit = fromNullDecimal(realizedProfit)
	t.Trigger = unmarshalTrigger(triggerJSON)
	return t, nil
}

func toNullDecimalPtr(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

func fromNullDecimal(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}

// --- core.ISnapshotRepository ----------------------------------------------

const snapshotColumns = `snapshot_id, active_from, active_until, score_buy_target, score_sell_target,
	indicator_weights, rsi_buy_threshold, rsi_sell_threshold, roc_buy_threshold, roc_sell_threshold,
	macd_fast, macd_slow, macd_signal, take_profit_pct, stop_loss_pct, cooldown_bars,
	flip_hysteresis_pct, min_indicators_required, excluded_symbols, config_hash`

func (d *DB) ActiveSnapshot(ctx context.Context) (core.StrategySnapshot, bool, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM strategy_snapshots WHERE active_until IS NULL`)
	snap, err := scanSnapshot(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return core.StrategySnapshot{}, false, nil
		}
		return core.StrategySnapshot{}, false, fmt.Errorf("db: active snapshot: %w", err)
	}
	return snap, true, nil
}

func (d *DB) ArchiveActive(ctx context.Context, at time.Time) error {
	_, err := d.pool.Exec(ctx, `UPDATE strategy_snapshots SET active_until = $1 WHERE active_until IS NULL`, at)
	if err != nil {
		return fmt.Errorf("db: archive active snapshot: %w", err)
	}
	return nil
}

func (d *DB) InsertSnapshot(ctx context.Context, s core.StrategySnapshot) error {
	weightsJSON, err := marshalWeights(s.IndicatorWeights)
	if err != nil {
		return fmt.Errorf("db: marshal indicator weights: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO strategy_snapshots (`+snapshotColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		s.SnapshotID, s.ActiveFrom, s.ActiveUntil, s.ScoreBuyTarget, s.ScoreSellTarget,
		weightsJSON, s.RSIBuyThreshold, s.RSISellThreshold, s.ROCBuyThreshold, s.ROCSellThreshold,
		s.MACDFast, s.MACDSlow, s.MACDSignal, s.TakeProfitPct, s.StopLossPct, s.CooldownBars,
		s.FlipHysteresisPct, s.MinIndicatorsRequired, s.ExcludedSymbols, s.ConfigHash,
	)
	if err != nil {
		return fmt.Errorf("db: insert snapshot %s: %w", s.SnapshotID, err)
	}
	return nil
}

var _ core.ISnapshotRepository = (*DB)(nil)

func scanSnapshot(row rowScanner) (core.StrategySnapshot, error) {
	var (
		s           core.StrategySnapshot
		weightsJSON []byte
	)
	err := row.Scan(
		&s.SnapshotID, &s.ActiveFrom, &s.ActiveUntil, &s.ScoreBuyTarget, &s.ScoreSellTarget,
		&weightsJSON, &s.RSIBuyThreshold, &s.RSISellThreshold, &s.ROCBuyThreshold, &s.ROCSellThreshold,
		&s.MACDFast, &s.MACDSlow, &s.MACDSignal, &s.TakeProfitPct, &s.StopLossPct, &s.CooldownBars,
		&s.FlipHysteresisPct, &s.MinIndicatorsRequired, &s.ExcludedSymbols, &s.ConfigHash,
	)
	if err != nil {
		return core.StrategySnapshot{}, err
	}
	s.IndicatorWeights = unmarshalWeights(weightsJSON)
	return s, nil
}
