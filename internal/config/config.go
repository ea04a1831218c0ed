package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	Exchange    Exchange    `mapstructure:"exchange"`
	Database    Database    `mapstructure:"database"`
	Log         Log         `mapstructure:"log"`
	Grid        Grid        `mapstructure:"grid"`
	Trailer     Trailer     `mapstructure:"trailer"`
	Exit        Exit        `mapstructure:"exit"`
	Resilience  Resilience  `mapstructure:"resilience"`
	Reconcile   Reconcile   `mapstructure:"reconcile"`
	Ingress     Ingress     `mapstructure:"ingress"`
	PartialFill PartialFill `mapstructure:"partial_fill"`
	Batch       Batch       `mapstructure:"batch"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Report      Report      `mapstructure:"report"`
}

// Exchange holds the exchange API configuration. The key and secret are
// expected in the environment (BINANCE_API_KEY / BINANCE_SECRET_KEY), not in
// the config file.
type Exchange struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	BaseURL        string  `mapstructure:"base_url"`
	WSBaseURL      string  `mapstructure:"ws_base_url"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Database holds the ledger DSN and the directory for the runtime state store.
type Database struct {
	DSN      string `mapstructure:"dsn"`
	StateDir string `mapstructure:"state_dir"`
}

// Log holds the logger configuration.
type Log struct {
	Level      string `mapstructure:"level"`
	Output     string `mapstructure:"output"` // "console", "file", "both"
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Grid holds the core grid strategy parameters.
type Grid struct {
	RebalanceThreshold   float64       `mapstructure:"rebalance_threshold"`
	MinRebalanceInterval time.Duration `mapstructure:"min_rebalance_interval"`
	MaxDailyRebalances   int           `mapstructure:"max_daily_rebalances"`
	BaseSpacing          float64       `mapstructure:"base_spacing"` // fraction of price
	ActiveOrdersPerSide  int           `mapstructure:"active_orders_per_side"`
	MinSpacingFactor     float64       `mapstructure:"min_spacing_factor"`
	MaxSpacingFactor     float64       `mapstructure:"max_spacing_factor"`
}

// Trailer holds the proactive-trail and emergency-recovery parameters.
type Trailer struct {
	ThresholdPercent   float64       `mapstructure:"threshold_percent"` // distance to boundary, fraction of range
	Cooldown           time.Duration `mapstructure:"cooldown"`
	TrendSampleCount   int           `mapstructure:"trend_sample_count"`
	TrendBias          float64       `mapstructure:"trend_bias"`
	MinRangePercent    float64       `mapstructure:"min_range_percent"`    // of original range
	MaxRangeMultiplier float64       `mapstructure:"max_range_multiplier"` // of original range
	MinEscapePercent   float64       `mapstructure:"min_escape_percent"`   // of range size
	EmergencyCooldown  time.Duration `mapstructure:"emergency_cooldown"`
}

// Exit holds the trailing-stop configuration.
type Exit struct {
	Strategy            string        `mapstructure:"strategy"` // percentage, atr_based, step_based, chandelier
	ActivationPercent   float64       `mapstructure:"activation_percent"`
	TrailingPercent     float64       `mapstructure:"trailing_percent"`
	AtrPeriod           int           `mapstructure:"atr_period"`
	AtrMultiplier       float64       `mapstructure:"atr_multiplier"`
	AtrRefreshInterval  time.Duration `mapstructure:"atr_refresh_interval"`
	MinTrailingDistance float64       `mapstructure:"min_trailing_distance"`
	MaxTrailingDistance float64       `mapstructure:"max_trailing_distance"`
	ProfitLadder        []float64     `mapstructure:"profit_ladder"`
}

// Resilience holds retry and circuit breaker settings.
type Resilience struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// Reconcile holds the reconciliation engine timing.
type Reconcile struct {
	Interval      time.Duration `mapstructure:"interval"`
	PostFillDelay time.Duration `mapstructure:"post_fill_delay"`
	HistoryWindow time.Duration `mapstructure:"history_window"`
}

// Ingress holds the market data feed settings.
type Ingress struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMultiplier  float64       `mapstructure:"reconnect_multiplier"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ListenKeyInterval    time.Duration `mapstructure:"listen_key_interval"`
}

// PartialFill holds the partial-fill sweep gating parameters.
type PartialFill struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MinFillPercentage float64       `mapstructure:"min_fill_percentage"`
	MaxFillPercentage float64       `mapstructure:"max_fill_percentage"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
}

// Batch holds the execution batching parameters.
type Batch struct {
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	BatchDelay     time.Duration `mapstructure:"batch_delay"`
	MinCallSpacing time.Duration `mapstructure:"min_call_spacing"`
}

// Metrics holds the prometheus endpoint address.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Report holds the status report interval.
type Report struct {
	Interval time.Duration `mapstructure:"interval"`
}

// BotSpec describes one bot to run, loaded from the bots section.
type BotSpec struct {
	Name       string  `mapstructure:"name"`
	Symbol     string  `mapstructure:"symbol"`
	LowerPrice float64 `mapstructure:"lower_price"`
	UpperPrice float64 `mapstructure:"upper_price"`
	GridCount  int     `mapstructure:"grid_count"`
	OrderSize  float64 `mapstructure:"order_size"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, bots []BotSpec, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err = viper.ReadInConfig(); err != nil {
		return
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}
	if err = viper.UnmarshalKey("bots", &bots); err != nil {
		return
	}

	for _, b := range bots {
		if b.LowerPrice <= 0 || b.LowerPrice >= b.UpperPrice {
			err = fmt.Errorf("bot %s: invalid range [%f, %f]", b.Name, b.LowerPrice, b.UpperPrice)
			return
		}
	}
	return
}

func setDefaults() {
	viper.SetDefault("exchange.base_url", "https://fapi.binance.com")
	viper.SetDefault("exchange.ws_base_url", "wss://fstream.binance.com")
	viper.SetDefault("exchange.rate_limit", 20) // requests per second
	viper.SetDefault("exchange.rate_limit_burst", 5)

	viper.SetDefault("database.dsn", "grid_trader.db")
	viper.SetDefault("database.state_dir", "state")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.output", "console")

	viper.SetDefault("grid.rebalance_threshold", 0.07)
	viper.SetDefault("grid.min_rebalance_interval", 30*time.Minute)
	viper.SetDefault("grid.max_daily_rebalances", 6)
	viper.SetDefault("grid.base_spacing", 0.005)
	viper.SetDefault("grid.active_orders_per_side", 3)
	viper.SetDefault("grid.min_spacing_factor", 0.3)
	viper.SetDefault("grid.max_spacing_factor", 3.0)

	viper.SetDefault("trailer.threshold_percent", 0.1)
	viper.SetDefault("trailer.cooldown", 15*time.Minute)
	viper.SetDefault("trailer.trend_sample_count", 20)
	viper.SetDefault("trailer.trend_bias", 0.1)
	viper.SetDefault("trailer.min_range_percent", 0.5)
	viper.SetDefault("trailer.max_range_multiplier", 2.0)
	viper.SetDefault("trailer.min_escape_percent", 0.05)
	viper.SetDefault("trailer.emergency_cooldown", 5*time.Minute)

	viper.SetDefault("exit.strategy", "percentage")
	viper.SetDefault("exit.activation_percent", 0.03)
	viper.SetDefault("exit.trailing_percent", 0.05)
	viper.SetDefault("exit.atr_period", 14)
	viper.SetDefault("exit.atr_multiplier", 2.0)
	viper.SetDefault("exit.atr_refresh_interval", 15*time.Minute)
	viper.SetDefault("exit.min_trailing_distance", 0.02)
	viper.SetDefault("exit.max_trailing_distance", 0.10)
	viper.SetDefault("exit.profit_ladder", []float64{0.02, 0.05, 0.10, 0.20})

	viper.SetDefault("resilience.max_attempts", 4)
	viper.SetDefault("resilience.initial_delay", time.Second)
	viper.SetDefault("resilience.max_delay", 30*time.Second)
	viper.SetDefault("resilience.multiplier", 2.0)
	viper.SetDefault("resilience.failure_threshold", 5)
	viper.SetDefault("resilience.reset_timeout", 60*time.Second)
	viper.SetDefault("resilience.half_open_max_calls", 1)

	viper.SetDefault("reconcile.interval", 5*time.Minute)
	viper.SetDefault("reconcile.post_fill_delay", 10*time.Second)
	viper.SetDefault("reconcile.history_window", 24*time.Hour)

	viper.SetDefault("ingress.poll_interval", 5*time.Second)
	viper.SetDefault("ingress.stale_after", 30*time.Second)
	viper.SetDefault("ingress.health_check_interval", 2*time.Minute)
	viper.SetDefault("ingress.reconnect_base_delay", time.Second)
	viper.SetDefault("ingress.reconnect_max_delay", time.Minute)
	viper.SetDefault("ingress.reconnect_multiplier", 2.0)
	viper.SetDefault("ingress.max_reconnect_attempts", 10)
	viper.SetDefault("ingress.listen_key_interval", 30*time.Minute)

	viper.SetDefault("partial_fill.sweep_interval", 10*time.Minute)
	viper.SetDefault("partial_fill.min_fill_percentage", 5.0)
	viper.SetDefault("partial_fill.max_fill_percentage", 95.0)
	viper.SetDefault("partial_fill.stale_threshold", 30*time.Minute)

	viper.SetDefault("batch.max_batch_size", 5)
	viper.SetDefault("batch.batch_delay", 200*time.Millisecond)
	viper.SetDefault("batch.min_call_spacing", 100*time.Millisecond)

	viper.SetDefault("metrics.addr", ":9090")
	viper.SetDefault("report.interval", 30*time.Second)
}
