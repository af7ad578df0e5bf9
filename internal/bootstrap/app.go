// Package bootstrap wires every already-built subsystem together behind
// one process lifecycle: a Config load, a Logger, then every other
// dependency, run under one errgroup and torn down on a process-wide
// shutdown signal.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"golang.org/x/sync/errgroup"

	"github.com/MrDenfish/BotTrader-sub001/internal/config"
	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/db"
	"github.com/MrDenfish/BotTrader-sub001/internal/exchange"
	"github.com/MrDenfish/BotTrader-sub001/internal/health"
	"github.com/MrDenfish/BotTrader-sub001/internal/indicator"
	"github.com/MrDenfish/BotTrader-sub001/internal/ingest"
	"github.com/MrDenfish/BotTrader-sub001/internal/ledger"
	"github.com/MrDenfish/BotTrader-sub001/internal/logging"
	"github.com/MrDenfish/BotTrader-sub001/internal/ohlcvcache"
	"github.com/MrDenfish/BotTrader-sub001/internal/order"
	"github.com/MrDenfish/BotTrader-sub001/internal/position"
	signalengine "github.com/MrDenfish/BotTrader-sub001/internal/signal"
	"github.com/MrDenfish/BotTrader-sub001/internal/snapshot"
	"github.com/MrDenfish/BotTrader-sub001/internal/state"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
	"github.com/MrDenfish/BotTrader-sub001/internal/webhook"
)

// Runner is anything whose Run blocks until ctx is cancelled or it fails
// for good.
type Runner interface {
	Run(ctx context.Context) error
}

// App owns every long-lived dependency the daemon needs and the list of
// Runners that make up its concurrency model.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	telemetry  *telemetry.Telemetry
	metrics    *telemetry.Metrics
	database   *db.DB
	exchange   *exchange.Client
	recorder   *ledger.Recorder
	health     *health.Manager
	healthSrv  *health.Server
	webhookSrv webhookServer
	barCache   *ohlcvcache.Cache
	dbosCtx    dbos.DBOSContext

	runners []Runner
}

// webhookServer is the minimal surface App needs from the webhook HTTP
// listener; kept as an interface field so NewApp can leave it nil when the
// webhook intake is disabled.
type webhookServer interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NewApp loads configuration, builds the logger/telemetry, and wires every
// subsystem into its narrow core interface dependency, in order: config,
// then logger, then every other dependency.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Telemetry.LogLevel,
		JSON:        cfg.Telemetry.JSONLogs,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: logger: %w", err)
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: metrics: %w", err)
	}

	database, err := db.Open(ctx, db.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns + cfg.Database.MaxConnsOverflow,
		MinConns: cfg.Database.MaxConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database: %w", err)
	}

	exch, err := exchange.New(exchange.Config{
		APIKeyName:           cfg.Exchange.APIKey.Reveal(),
		APISecretPEM:         cfg.Exchange.APISecret.Reveal(),
		RESTBaseURL:          cfg.Exchange.RESTBaseURL,
		WebsocketURL:         cfg.Exchange.WebsocketURL,
		UserWebsocketURL:     cfg.Exchange.UserWebsocketURL,
		RequestsPerSecond:    cfg.Exchange.RequestsPerSecond,
		RequestTimeout:       cfg.Exchange.RequestTimeout,
		WatchdogTimeout:      cfg.Exchange.WatchdogTimeout,
		ReconnectMaxAttempts: cfg.Exchange.ReconnectMaxAttempts,
		ReconnectMaxBackoff:  cfg.Exchange.ReconnectMaxBackoff,
	}, logger)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("bootstrap: exchange client: %w", err)
	}

	store := state.New(cfg.Trading.MinRequiredRows * 4)

	indicatorCfg := indicator.DefaultConfig()
	indicatorCfg.MinRequiredRows = cfg.Trading.MinRequiredRows
	indicatorCfg.BBWindow = cfg.Trading.BBWindow
	indicatorCfg.BBStd = cfg.Trading.BBStd
	indicatorCfg.RSIWindow = cfg.Trading.RSIWindow
	indicatorCfg.RSIBuy = cfg.Trading.RSIOversold
	indicatorCfg.RSISell = cfg.Trading.RSIOverbought
	indicatorCfg.ROCBuyMin = cfg.Trading.ROC5MinBuyThreshold
	indicatorCfg.ROCSellMax = cfg.Trading.ROC5MinSellThreshold
	indicatorCfg.MACDFast = cfg.Trading.MACDFast
	indicatorCfg.MACDSlow = cfg.Trading.MACDSlow
	indicatorCfg.MACDSignal = cfg.Trading.MACDSignal
	indicatorCfg.ATRWindow = cfg.Trading.ATRWindow
	pipeline := indicator.New(indicatorCfg, logger)

	var barCache *ohlcvcache.Cache
	if cfg.Paths.CacheDir != "" {
		barCache, err = ohlcvcache.Open(filepath.Join(cfg.Paths.CacheDir, "ohlcv_cache.db"), cfg.Trading.MinRequiredRows*4)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("bootstrap: ohlcv cache: %w", err)
		}
		if err := warmIndicatorPipeline(ctx, pipeline, barCache, cfg.Symbols); err != nil {
			database.Close()
			return nil, fmt.Errorf("bootstrap: warm indicator pipeline: %w", err)
		}
	}

	var scoreLog signalengine.ScoreLogger
	if cfg.Paths.ScoreJSONLPath != "" {
		jsonlLog, err := signalengine.NewJSONLScoreLog(cfg.Paths.ScoreJSONLPath, 7, logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: score log: %w", err)
		}
		scoreLog = jsonlLog
	}
	signalEngine := signalengine.New(logger, scoreLog)

	orderMgr := order.New(exch, store, logger,
		decimalFromFloat(cfg.Trading.OrderSize), decimalFromFloat(cfg.Trading.TakerFee))

	var dbosCtx dbos.DBOSContext
	if cfg.Durability.Enabled {
		dbosCtx, err = dbos.NewDBOSContext(dbos.Config{
			DatabaseURL: cfg.Database.DSN(),
			AppName:     cfg.Telemetry.ServiceName,
		})
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("bootstrap: dbos context: %w", err)
		}
		orderMgr = orderMgr.WithDurability(dbosCtx)
		if err := dbosCtx.Launch(); err != nil {
			database.Close()
			return nil, fmt.Errorf("bootstrap: dbos launch: %w", err)
		}
	}

	snapshots := snapshot.New(database, core.RealClock, logger)
	initial := snapshotFromConfig(cfg)
	if err := snapshots.Load(ctx, initial); err != nil {
		database.Close()
		return nil, fmt.Errorf("bootstrap: load strategy snapshot: %w", err)
	}

	posMonitor := position.New(position.Config{
		HardStopPct:            cfg.Trading.HardStopPct,
		MaxLossPct:             cfg.Trading.MaxLossPct,
		MinProfitPct:           cfg.Trading.MinProfitPct,
		TrailingEnabled:        cfg.Trading.TrailingStopEnabled,
		TrailingATRMult:        cfg.Trading.TrailingStopATRMult,
		TrailingActivationPct:  cfg.Trading.TrailingActivationPct,
		TrailingMaxDistPct:     cfg.Trading.TrailingMaxDistPct,
		TrailingMinDistPct:     cfg.Trading.TrailingMinDistPct,
		SignalExitEnabled:      cfg.Trading.SignalExitEnabled,
		SignalExitMinProfitPct: cfg.Trading.SignalExitMinProfitPct,
		BracketMatchTolerance:  cfg.Trading.BracketMatchTolerance,
		CheckInterval:          cfg.Trading.PositionCheckInterval,
		HodlSet:                cfg.HodlSet(),
	}, store, orderMgr, exch, snapshots, logger, metrics)

	recorder := ledger.NewRecorder(ledger.RecorderConfig{
		QueueCapacity: cfg.Concurrency.RecorderMaxCapacity,
	}, database, exch, logger, metrics)

	fifoEngine := ledger.NewFifoEngine(ledger.FifoConfig{}, database, logger, metrics)
	replayScheduler := ledger.NewReplayScheduler(ledger.ReplaySchedulerConfig{
		Symbols:  cfg.Symbols,
		Interval: cfg.Trading.FifoReplayInterval,
	}, fifoEngine, logger)

	var cache ingest.BarCache
	if barCache != nil {
		cache = barCache
	}
	orchestrator := ingest.New(ingest.Config{Symbols: cfg.Symbols}, exch, store, pipeline,
		signalEngine, orderMgr, recorder, snapshots, cache, logger, metrics)

	healthMgr := health.New(logger, 5*time.Second)
	healthMgr.Register("database", func(ctx context.Context) error { return database.Ping(ctx) })
	healthMgr.Register("exchange", func(ctx context.Context) error {
		_, err := exch.GetAccountBalances(ctx)
		return err
	})
	healthSrv := health.NewServer(healthPort(cfg.Telemetry.MetricsAddr), healthMgr, logger)

	app := &App{
		Cfg: cfg, Logger: logger,
		telemetry: tel, metrics: metrics, database: database, exchange: exch,
		recorder: recorder, health: healthMgr, healthSrv: healthSrv, barCache: barCache, dbosCtx: dbosCtx,
		runners: []Runner{orchestrator, posMonitor, replayScheduler},
	}

	if cfg.Webhook.Enabled {
		handler := webhook.New(cfg.Webhook.SharedSecret.Reveal(), exch, orderMgr, snapshots, logger)
		srv := newWebhookHTTPServer(cfg.Webhook.ListenAddr, handler)
		app.webhookSrv = srv
		app.runners = append(app.runners, srv)
	}

	return app, nil
}

// Runners returns the App's configured Runner set; callers pass this
// straight into Run.
func (a *App) Runners() []Runner { return a.runners }

// Run starts the health server, then every Runner under one errgroup,
// blocking until a process-wide shutdown signal arrives or a Runner fails
// for good.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.healthSrv.Start()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	a.Logger.Info("spotbot started")
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		a.Logger.Error("spotbot stopped with error", core.F("error", err.Error()))
	} else {
		a.Logger.Info("spotbot shutting down")
	}

	a.Shutdown(10 * time.Second)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown follows a fixed teardown order: the orchestrator and other
// runners have already stopped (their ctx was cancelled in Run before this
// is called); drain the trade-recorder queue up to timeout, then flush
// telemetry and close the database pool.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.recorder.Close(ctx); err != nil {
		a.Logger.Warn("bootstrap: trade recorder queue did not drain in time", core.F("error", err.Error()))
	}
	if err := a.healthSrv.Stop(ctx); err != nil {
		a.Logger.Warn("bootstrap: health server shutdown error", core.F("error", err.Error()))
	}
	if a.webhookSrv != nil {
		if err := a.webhookSrv.Stop(ctx); err != nil {
			a.Logger.Warn("bootstrap: webhook server shutdown error", core.F("error", err.Error()))
		}
	}
	if err := a.exchange.Close(); err != nil {
		a.Logger.Warn("bootstrap: exchange client shutdown error", core.F("error", err.Error()))
	}
	if a.barCache != nil {
		if err := a.barCache.Close(); err != nil {
			a.Logger.Warn("bootstrap: bar cache close error", core.F("error", err.Error()))
		}
	}
	if a.dbosCtx != nil {
		a.dbosCtx.Shutdown(timeout)
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("bootstrap: telemetry shutdown error", core.F("error", err.Error()))
	}
	a.database.Close()
}
