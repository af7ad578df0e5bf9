// Package config loads and validates the daemon's YAML configuration: a
// single struct tree with yaml tags, `${VAR}` environment expansion before
// unmarshal, and a hand-written Validate() rather than a struct-tag-driven
// validator.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig configures the Postgres ledger connection.
type DatabaseConfig struct {
	URL      Secret `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password Secret `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxConns         int32         `yaml:"max_conns"`
	MaxConnsOverflow int32         `yaml:"max_conns_overflow"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// DSN builds a libpq connection string from the discrete fields when URL is
// not set directly, falling back to a DATABASE_URL-or-discrete-fields
// scheme.
func (d DatabaseConfig) DSN() string {
	if !d.URL.Empty() {
		return d.URL.Reveal()
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password.Reveal(), d.Host, d.Port, d.Name, d.SSLMode)
}

// ExchangeConfig configures the exchange REST/WS client.
type ExchangeConfig struct {
	APIKey             Secret        `yaml:"api_key"`
	APISecret          Secret        `yaml:"api_secret"`
	Passphrase         Secret        `yaml:"passphrase"`
	WebsocketURL       string        `yaml:"websocket_api_url"`
	UserWebsocketURL   string        `yaml:"user_websocket_api_url"`
	RESTBaseURL        string        `yaml:"rest_base_url"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	JWTRefreshMargin   time.Duration `yaml:"jwt_refresh_margin"`
	ReconnectMaxAttempts int         `yaml:"reconnect_max_attempts"`
	ReconnectMaxBackoff  time.Duration `yaml:"reconnect_max_backoff"`
	WatchdogTimeout      time.Duration `yaml:"watchdog_timeout"`
}

// TradingConfig holds the trading/risk thresholds.
type TradingConfig struct {
	TakeProfit             float64       `yaml:"take_profit"`
	StopLoss               float64       `yaml:"stop_loss"`
	MaxLossPct             float64       `yaml:"max_loss_pct"`
	MinProfitPct           float64       `yaml:"min_profit_pct"`
	HardStopPct            float64       `yaml:"hard_stop_pct"`
	TrailingStopEnabled    bool          `yaml:"trailing_stop_enabled"`
	TrailingStopATRMult    float64       `yaml:"trailing_stop_atr_mult"`
	TrailingActivationPct  float64       `yaml:"trailing_activation_pct"`
	TrailingMaxDistPct     float64       `yaml:"trailing_max_dist_pct"`
	TrailingMinDistPct     float64       `yaml:"trailing_min_dist_pct"`
	SignalExitEnabled      bool          `yaml:"signal_exit_enabled"`
	SignalExitMinProfitPct float64       `yaml:"signal_exit_min_profit_pct"`
	PositionCheckInterval  time.Duration `yaml:"position_check_interval"`
	PositionSweepInterval  time.Duration `yaml:"position_sweep_interval"`
	FifoReplayInterval     time.Duration `yaml:"fifo_replay_interval"`
	HODL                   []string      `yaml:"hodl"`
	OrderSize              float64       `yaml:"order_size"`
	TakerFee               float64       `yaml:"taker_fee"`
	MakerFee               float64       `yaml:"maker_fee"`
	BracketMatchTolerance  float64       `yaml:"bracket_match_tolerance"`
	DustThreshold          float64       `yaml:"dust_threshold"`

	RSIWindow  int `yaml:"rsi_window"`
	ATRWindow  int `yaml:"atr_window"`
	MACDFast   int `yaml:"macd_fast"`
	MACDSlow   int `yaml:"macd_slow"`
	MACDSignal int `yaml:"macd_signal"`
	BBWindow   int `yaml:"bb_window"`
	BBStd      float64 `yaml:"bb_std"`

	RSIOversold          float64 `yaml:"rsi_oversold"`
	RSIOverbought        float64 `yaml:"rsi_overbought"`
	ROC5MinBuyThreshold  float64 `yaml:"roc_5min_buy_threshold"`
	ROC5MinSellThreshold float64 `yaml:"roc_5min_sell_threshold"`
	ROC24hMomoBuy        float64 `yaml:"roc_24h_momo_buy_threshold"`
	ROC24hMomoSell       float64 `yaml:"roc_24h_momo_sell_threshold"`
	MomoRSILow           float64 `yaml:"momo_rsi_low"`
	MomoRSIHigh          float64 `yaml:"momo_rsi_high"`

	ScoreBuyTarget        float64 `yaml:"score_buy_target"`
	ScoreSellTarget       float64 `yaml:"score_sell_target"`
	CooldownBars          int     `yaml:"cooldown_bars"`
	FlipHysteresisPct     float64 `yaml:"flip_hysteresis_pct"`
	MinIndicatorsRequired int     `yaml:"min_indicators_required"`
	MinRequiredRows       int     `yaml:"min_required_rows"`

	IndicatorWeights map[string]float64 `yaml:"indicator_weights"`
}

// ConcurrencyConfig bounds database and worker-pool parallelism.
type ConcurrencyConfig struct {
	DBPoolCapacity      int `yaml:"db_pool_capacity"`
	RecorderMaxWorkers  int `yaml:"recorder_max_workers"`
	RecorderMaxCapacity int `yaml:"recorder_max_capacity"`
}

// PathsConfig holds filesystem locations for local data/cache/log output.
type PathsConfig struct {
	DataDir       string `yaml:"data_dir"`
	CacheDir      string `yaml:"cache_dir"`
	LogDir        string `yaml:"log_dir"`
	ScoreJSONLPath string `yaml:"score_jsonl_path"`
	TPSLLogPath    string `yaml:"tp_sl_log_path"`
}

// TelemetryConfig configures OTel/Prometheus exposure.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	MetricsAddr    string `yaml:"metrics_addr"`
	LogLevel       string `yaml:"log_level"`
	JSONLogs       bool   `yaml:"json_logs"`
}

// WebhookConfig configures the supplemented manual-order intake surface.
type WebhookConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddr   string `yaml:"listen_addr"`
	SharedSecret Secret `yaml:"shared_secret"`
}

// SystemConfig carries runtime/environment flags.
type SystemConfig struct {
	InDocker bool `yaml:"in_docker"`
}

// DurabilityConfig controls whether order placement runs as a DBOS durable
// workflow (crash-safe resumption between exchange submission and the
// local open-order record) or places directly.
type DurabilityConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root configuration document.
type Config struct {
	Symbols     []string          `yaml:"symbols"` // configured USD pairs (the active_symbols cache)
	Database    DatabaseConfig    `yaml:"database"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Trading     TradingConfig     `yaml:"trading"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Paths       PathsConfig       `yaml:"paths"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Durability  DurabilityConfig  `yaml:"durability"`
	System      SystemConfig      `yaml:"system"`
}

// Default returns a Config populated with sane defaults
// (min_required_rows=50, trailing_atr_mult=2.0,
// watchdog timeout=60s, position check interval=30s, sweep=3s, reconnect
// backoff cap=60s/10 attempts, db pool=5+5 overflow, JWT refresh margin=60s).
func Default() *Config {
	return &Config{
		Symbols: []string{"BTC-USD", "ETH-USD"},
		Database: DatabaseConfig{
			Port:             5432,
			SSLMode:          "disable",
			MaxConns:         5,
			MaxConnsOverflow: 5,
			ConnectTimeout:   10 * time.Second,
		},
		Exchange: ExchangeConfig{
			RequestsPerSecond:    10,
			RequestTimeout:       10 * time.Second,
			JWTRefreshMargin:     60 * time.Second,
			ReconnectMaxAttempts: 10,
			ReconnectMaxBackoff:  60 * time.Second,
			WatchdogTimeout:      60 * time.Second,
		},
		Trading: TradingConfig{
			TakeProfit:             0.02,
			StopLoss:               0.02,
			MaxLossPct:             0.02,
			MinProfitPct:           0.015,
			HardStopPct:            0.05,
			TrailingStopEnabled:    true,
			TrailingStopATRMult:    2.0,
			TrailingActivationPct:  0.02,
			TrailingMaxDistPct:     0.02,
			TrailingMinDistPct:     0.01,
			SignalExitEnabled:      true,
			SignalExitMinProfitPct: 0.01,
			PositionCheckInterval:  30 * time.Second,
			PositionSweepInterval:  3 * time.Second,
			FifoReplayInterval:     15 * time.Second,
			OrderSize:              25,
			TakerFee:               0.006,
			MakerFee:               0.004,
			BracketMatchTolerance:  0.005,
			DustThreshold:          0.0001,
			RSIWindow:              14,
			ATRWindow:              14,
			MACDFast:               12,
			MACDSlow:               26,
			MACDSignal:             9,
			BBWindow:               20,
			BBStd:                  2,
			RSIOversold:            30,
			RSIOverbought:          70,
			ROC5MinBuyThreshold:    5,
			ROC5MinSellThreshold:   -2.5,
			ROC24hMomoBuy:          10.0,
			ROC24hMomoSell:         -5.0,
			MomoRSILow:             45,
			MomoRSIHigh:            55,
			ScoreBuyTarget:         3,
			ScoreSellTarget:        3,
			CooldownBars:           7,
			FlipHysteresisPct:      0.10,
			MinIndicatorsRequired:  2,
			MinRequiredRows:        50,
			IndicatorWeights: map[string]float64{
				"bollinger_ratio": 1,
				"bollinger_touch": 1,
				"rsi":             1,
				"roc":             1,
				"macd":            1,
				"swing":           1,
				"w_bottom_m_top":  1,
			},
		},
		Concurrency: ConcurrencyConfig{
			DBPoolCapacity:      10,
			RecorderMaxWorkers:  1,
			RecorderMaxCapacity: 4096,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "spotbot",
			MetricsAddr: ":9090",
			LogLevel:    "info",
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR occurrences with the environment
// value, leaving the reference untouched (not blanked) when unset. A
// reference left in a string field stays as literal text; only a field
// whose YAML type cannot hold it (a number, a duration) fails to parse.
func expandEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := strings.Trim(string(match), "${}$")
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads filename, expands environment variables, unmarshals into a
// Config seeded with Default(), and validates the result.
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg := Default()
	expanded := expandEnvVars(raw)
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if os.Getenv("IN_DOCKER") == "true" {
		cfg.System.InDocker = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate hand-checks required fields and sane ranges. It aggregates every
// violation into one error rather than failing on the first, so a bad
// config file reports everything wrong with it at once.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Symbols) == 0 {
		errs = append(errs, "symbols: at least one trading pair is required")
	}

	if c.Database.URL.Empty() && (c.Database.Host == "" || c.Database.Port == 0 || c.Database.Name == "" || c.Database.User == "") {
		errs = append(errs, "database: URL or host/port/name/user must be set")
	}
	if c.Exchange.APIKey.Empty() {
		errs = append(errs, "exchange: api_key is required")
	}
	if c.Exchange.APISecret.Empty() {
		errs = append(errs, "exchange: api_secret is required")
	}
	if c.Exchange.WebsocketURL == "" {
		errs = append(errs, "exchange: websocket_api_url is required")
	}
	if c.Exchange.UserWebsocketURL == "" {
		errs = append(errs, "exchange: user_websocket_api_url is required")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, "exchange: requests_per_second must be > 0")
	}

	if c.Trading.HardStopPct <= c.Trading.MaxLossPct {
		errs = append(errs, "trading: hard_stop_pct must exceed max_loss_pct")
	}
	if c.Trading.MinRequiredRows <= 0 {
		errs = append(errs, "trading: min_required_rows must be > 0")
	}
	if c.Trading.MACDFast >= c.Trading.MACDSlow {
		errs = append(errs, "trading: macd_fast must be less than macd_slow")
	}
	if c.Trading.CooldownBars < 0 {
		errs = append(errs, "trading: cooldown_bars must be >= 0")
	}
	if c.Trading.MinIndicatorsRequired < 0 {
		errs = append(errs, "trading: min_indicators_required must be >= 0")
	}
	if c.Trading.TrailingMinDistPct > c.Trading.TrailingMaxDistPct {
		errs = append(errs, "trading: trailing_min_dist_pct must be <= trailing_max_dist_pct")
	}

	if c.Concurrency.DBPoolCapacity <= 0 {
		errs = append(errs, "concurrency: db_pool_capacity must be > 0")
	}

	if c.Webhook.Enabled && c.Webhook.SharedSecret.Empty() {
		errs = append(errs, "webhook: shared_secret is required when webhook.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// HodlSet returns the configured HODL list as a lookup set.
func (c *Config) HodlSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Trading.HODL))
	for _, a := range c.Trading.HODL {
		set[strings.ToUpper(a)] = struct{}{}
	}
	return set
}
