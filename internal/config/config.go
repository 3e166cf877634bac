package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig          `yaml:"log"`
	State     StateConfig            `yaml:"state"`
	Strategy  StrategyConfig         `yaml:"strategy"`
	Rates     RatesConfig            `yaml:"rates"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Gas       GasConfig              `yaml:"gas"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Timescale TimescaleConfig        `yaml:"timescale"`
	Telegram  TelegramConfig         `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MarketPairConfig struct {
	MakerVenue string `yaml:"maker_venue"`
	MakerPair  string `yaml:"maker_pair"`
	TakerVenue string `yaml:"taker_venue"`
	TakerPair  string `yaml:"taker_pair"`
}

const (
	RefreshModeActive  = "active"
	RefreshModePassive = "passive"
)

type StrategyConfig struct {
	MarketPairs                  []MarketPairConfig `yaml:"market_pairs"`
	OrderAmount                  float64            `yaml:"order_amount"`
	OrderSizePortfolioRatioLimit float64            `yaml:"order_size_portfolio_ratio_limit"`
	MinProfitability             float64            `yaml:"min_profitability"`
	SlippageBuffer               float64            `yaml:"slippage_buffer"`
	OrderSizeTakerBalanceFactor  float64            `yaml:"order_size_taker_balance_factor"`
	AntiHysteresisDuration       time.Duration      `yaml:"anti_hysteresis_duration"`
	TopDepthTolerance            float64            `yaml:"top_depth_tolerance"`
	AdjustOrderEnabled           *bool              `yaml:"adjust_order_enabled"`
	OrderRefreshMode             string             `yaml:"order_refresh_mode"`
	CancelOrderThreshold         float64            `yaml:"cancel_order_threshold"`
	LimitOrderMinExpiration      time.Duration      `yaml:"limit_order_min_expiration"`
	TickInterval                 time.Duration      `yaml:"tick_interval"`
	StatusReportInterval         time.Duration      `yaml:"status_report_interval"`
	HedgeRetryInterval           time.Duration      `yaml:"hedge_retry_interval"`
	TakerCancelInterval          time.Duration      `yaml:"taker_cancel_interval"`
}

func (s StrategyConfig) AdjustOrderEnabledValue() bool {
	if s.AdjustOrderEnabled == nil {
		return true
	}
	return *s.AdjustOrderEnabled
}

const (
	RatesModeFixed = "fixed"
	RatesModeHTTP  = "http"
)

type RatesConfig struct {
	Mode            string             `yaml:"mode"`
	Prices          map[string]float64 `yaml:"prices"`
	URL             string             `yaml:"url"`
	Path            string             `yaml:"path"`
	Timeout         time.Duration      `yaml:"timeout"`
	RefreshInterval time.Duration      `yaml:"refresh_interval"`
}

// VenueConfig describes one paper venue.
type VenueConfig struct {
	Balances        map[string]float64 `yaml:"balances"`
	PriceDigits     int32              `yaml:"price_digits"`
	PriceStep       float64            `yaml:"price_step"`
	SizeDecimals    int32              `yaml:"size_decimals"`
	MatchMarketable bool               `yaml:"match_marketable"`
	GasPriced       bool               `yaml:"gas_priced"`
	FeedURL         string             `yaml:"feed_url"`
	ReconnectDelay  time.Duration      `yaml:"reconnect_delay"`
	PingInterval    time.Duration      `yaml:"ping_interval"`
	// Books seeds static depth per trading pair, for dry runs without a
	// feed. Levels are [price, amount] strings.
	Books map[string]BookConfig `yaml:"books"`
}

type BookConfig struct {
	Bids [][2]string `yaml:"bids"`
	Asks [][2]string `yaml:"asks"`
}

type GasConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	Asset           string        `yaml:"asset"`
	GasLimit        uint64        `yaml:"gas_limit"`
	MaxGasPriceGwei int64         `yaml:"max_gas_price_gwei"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Token                string        `yaml:"token"`
	ChatID               string        `yaml:"chat_id"`
	OperatorEnabled      bool          `yaml:"operator_enabled"`
	OperatorPollInterval time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedIDs   []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnv(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
	if rpc := strings.TrimSpace(os.Getenv("GAS_RPC_URL")); rpc != "" {
		cfg.Gas.RPCURL = rpc
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/xemm-bot.db"
	}

	s := &cfg.Strategy
	if s.SlippageBuffer == 0 {
		s.SlippageBuffer = 0.05
	}
	if s.OrderSizeTakerBalanceFactor == 0 {
		s.OrderSizeTakerBalanceFactor = 0.995
	}
	if s.AntiHysteresisDuration == 0 {
		s.AntiHysteresisDuration = 60 * time.Second
	}
	s.OrderRefreshMode = strings.ToLower(strings.TrimSpace(s.OrderRefreshMode))
	if s.OrderRefreshMode == "" {
		s.OrderRefreshMode = RefreshModeActive
	}
	if s.LimitOrderMinExpiration == 0 {
		s.LimitOrderMinExpiration = 130 * time.Second
	}
	if s.TickInterval == 0 {
		s.TickInterval = time.Second
	}
	if s.StatusReportInterval == 0 {
		s.StatusReportInterval = 900 * time.Second
	}
	if s.HedgeRetryInterval == 0 {
		s.HedgeRetryInterval = 5 * time.Second
	}
	if s.TakerCancelInterval == 0 {
		s.TakerCancelInterval = 5 * time.Minute
	}

	cfg.Rates.Mode = strings.ToLower(strings.TrimSpace(cfg.Rates.Mode))
	if cfg.Rates.Mode == "" {
		cfg.Rates.Mode = RatesModeFixed
	}
	if cfg.Rates.Path == "" {
		cfg.Rates.Path = "/prices"
	}
	if cfg.Rates.Timeout == 0 {
		cfg.Rates.Timeout = 10 * time.Second
	}
	if cfg.Rates.RefreshInterval == 0 {
		cfg.Rates.RefreshInterval = 30 * time.Second
	}

	for name, v := range cfg.Venues {
		if v.ReconnectDelay == 0 {
			v.ReconnectDelay = 3 * time.Second
		}
		if v.PingInterval == 0 {
			v.PingInterval = 50 * time.Second
		}
		cfg.Venues[name] = v
	}

	if cfg.Gas.GasLimit == 0 {
		cfg.Gas.GasLimit = 200_000
	}
	if cfg.Gas.CacheTTL == 0 {
		cfg.Gas.CacheTTL = 15 * time.Second
	}
	if cfg.Gas.Asset == "" {
		cfg.Gas.Asset = "ETH"
	}

	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}

	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if len(s.MarketPairs) == 0 {
		return errors.New("strategy.market_pairs is required")
	}
	for i, p := range s.MarketPairs {
		if p.MakerVenue == "" || p.MakerPair == "" || p.TakerVenue == "" || p.TakerPair == "" {
			return fmt.Errorf("strategy.market_pairs[%d]: maker_venue, maker_pair, taker_venue and taker_pair are required", i)
		}
		if p.MakerVenue == p.TakerVenue {
			return fmt.Errorf("strategy.market_pairs[%d]: maker and taker venue must differ", i)
		}
		for _, name := range []string{p.MakerVenue, p.TakerVenue} {
			if _, ok := cfg.Venues[name]; !ok {
				return fmt.Errorf("strategy.market_pairs[%d]: venue %q is not configured", i, name)
			}
		}
	}
	if s.OrderAmount < 0 {
		return errors.New("strategy.order_amount must be >= 0")
	}
	if s.OrderAmount == 0 && s.OrderSizePortfolioRatioLimit <= 0 {
		return errors.New("strategy.order_amount or strategy.order_size_portfolio_ratio_limit is required")
	}
	if s.OrderSizePortfolioRatioLimit < 0 || s.OrderSizePortfolioRatioLimit > 1 {
		return errors.New("strategy.order_size_portfolio_ratio_limit must be within [0, 1]")
	}
	if s.MinProfitability < 0 {
		return errors.New("strategy.min_profitability must be >= 0")
	}
	if s.SlippageBuffer < 0 {
		return errors.New("strategy.slippage_buffer must be >= 0")
	}
	if s.OrderSizeTakerBalanceFactor <= 0 || s.OrderSizeTakerBalanceFactor > 1 {
		return errors.New("strategy.order_size_taker_balance_factor must be within (0, 1]")
	}
	if s.TopDepthTolerance < 0 {
		return errors.New("strategy.top_depth_tolerance must be >= 0")
	}
	if s.OrderRefreshMode != RefreshModeActive && s.OrderRefreshMode != RefreshModePassive {
		return fmt.Errorf("strategy.order_refresh_mode must be %q or %q", RefreshModeActive, RefreshModePassive)
	}
	if s.AntiHysteresisDuration < 0 || s.LimitOrderMinExpiration < 0 || s.TickInterval < 0 ||
		s.StatusReportInterval < 0 || s.HedgeRetryInterval < 0 || s.TakerCancelInterval < 0 {
		return errors.New("strategy durations must be >= 0")
	}

	switch cfg.Rates.Mode {
	case RatesModeFixed:
	case RatesModeHTTP:
		if cfg.Rates.URL == "" {
			return errors.New("rates.url is required when rates.mode is http")
		}
	default:
		return fmt.Errorf("rates.mode must be %q or %q", RatesModeFixed, RatesModeHTTP)
	}
	for asset, price := range cfg.Rates.Prices {
		if price <= 0 {
			return fmt.Errorf("rates.prices.%s must be > 0", asset)
		}
	}

	for name, v := range cfg.Venues {
		if v.PriceDigits < 0 || v.SizeDecimals < 0 {
			return fmt.Errorf("venues.%s: price_digits and size_decimals must be >= 0", name)
		}
		if v.PriceDigits == 0 && v.PriceStep <= 0 {
			return fmt.Errorf("venues.%s: price_digits or price_step is required", name)
		}
		for asset, bal := range v.Balances {
			if bal < 0 {
				return fmt.Errorf("venues.%s.balances.%s must be >= 0", name, asset)
			}
		}
		if v.FeedURL != "" && len(v.Books) > 0 {
			return fmt.Errorf("venues.%s: feed_url and books are exclusive", name)
		}
	}

	for name, v := range cfg.Venues {
		if v.GasPriced && cfg.Gas.RPCURL == "" {
			return fmt.Errorf("venues.%s: gas.rpc_url is required for gas priced venues", name)
		}
	}

	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
