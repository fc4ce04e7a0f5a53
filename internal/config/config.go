// Package config defines the top-level configuration for the rebalancer and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by REBAL_* environment variables.
type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Execution ExecutionConfig `toml:"execution"`
	Risk      RiskConfig      `toml:"risk"`
	Repeg     RepegConfig     `toml:"repeg"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// BrokerConfig holds brokerage API endpoints and credentials.
type BrokerConfig struct {
	BaseURL   string `toml:"base_url"`
	DataURL   string `toml:"data_url"`
	StreamURL string `toml:"stream_url"`
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
	Paper     bool   `toml:"paper"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for result archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExecutionConfig holds the workflow and order-placement tunables.
type ExecutionConfig struct {
	OrderTimeout       duration `toml:"order_timeout"`
	UseLimitOrders     bool     `toml:"use_limit_orders"`
	MinOrderNotional   float64  `toml:"min_order_notional"`
	StaleOrderMaxAge   duration `toml:"stale_order_max_age"`
	VerifyBuyingPower  bool     `toml:"verify_buying_power"`
	SettleStreamWait   duration `toml:"settle_stream_wait"`
	SettlePollInterval duration `toml:"settle_poll_interval"`
	SettleMaxPolls     int      `toml:"settle_max_polls"`
	RateLimitPerMin    int      `toml:"rate_limit_per_min"`
}

// RiskConfig holds the pre-trade validation limits.
type RiskConfig struct {
	BuyingPowerReservePct float64 `toml:"buying_power_reserve_pct"`
	MaxPositionPct        float64 `toml:"max_position_pct"`
	MaxOrderNotional      float64 `toml:"max_order_notional"`
	MaxSpreadBps          float64 `toml:"max_spread_bps"`
	WarnSpreadBps         float64 `toml:"warn_spread_bps"`
	MaxLimitDeviationPct  float64 `toml:"max_limit_deviation_pct"`
	NotionalHaircutPct    float64 `toml:"notional_haircut_pct"`
}

// RepegConfig holds the re-peg policy parameters.
type RepegConfig struct {
	Enabled          bool     `toml:"enabled"`
	Strategy         string   `toml:"strategy"`
	Interval         duration `toml:"interval"`
	MaxRepegs        int      `toml:"max_repegs"`
	AbandonSpreadBps float64  `toml:"abandon_spread_bps"`
	FallbackToMarket bool     `toml:"fallback_to_market"`
	FallbackAfter    int      `toml:"fallback_after"`
	BaseIncrement    float64  `toml:"base_increment"`
	IncrementFactor  float64  `toml:"increment_factor"`
	MaxIncrement     float64  `toml:"max_increment"`
	MaxDeviationPct  float64  `toml:"max_deviation_pct"`
	TightSpreadBps   float64  `toml:"tight_spread_bps"`
	WideSpreadBps    float64  `toml:"wide_spread_bps"`
}

// MetricsConfig holds the Prometheus exposition parameters.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:   "https://paper-api.alpaca.markets",
			DataURL:   "https://data.alpaca.markets",
			StreamURL: "wss://paper-api.alpaca.markets/stream",
			Paper:     true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "rebalancer",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "rebalancer-archives",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Execution: ExecutionConfig{
			OrderTimeout:       duration{3 * time.Minute},
			UseLimitOrders:     true,
			MinOrderNotional:   1.0,
			StaleOrderMaxAge:   duration{15 * time.Minute},
			VerifyBuyingPower:  true,
			SettleStreamWait:   duration{2 * time.Minute},
			SettlePollInterval: duration{5 * time.Second},
			SettleMaxPolls:     12,
			RateLimitPerMin:    150,
		},
		Risk: RiskConfig{
			BuyingPowerReservePct: 0.05,
			MaxPositionPct:        0.25,
			MaxOrderNotional:      50_000,
			MaxSpreadBps:          100,
			WarnSpreadBps:         60,
			MaxLimitDeviationPct:  2.0,
			NotionalHaircutPct:    1.0,
		},
		Repeg: RepegConfig{
			Enabled:          true,
			Strategy:         "adaptive",
			Interval:         duration{30 * time.Second},
			MaxRepegs:        5,
			AbandonSpreadBps: 150,
			FallbackToMarket: true,
			FallbackAfter:    3,
			BaseIncrement:    0.02,
			IncrementFactor:  1.5,
			MaxIncrement:     0.25,
			MaxDeviationPct:  1.0,
			TightSpreadBps:   10,
			WideSpreadBps:    50,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
		Notify: NotifyConfig{
			Events: []string{"rebalance_completed", "rebalance_failed", "inconsistent_fill"},
		},
		Mode:     "rebalance",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"rebalance": true,
	"validate":  true,
	"monitor":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validRepegStrategies enumerates the accepted values for Repeg.Strategy.
var validRepegStrategies = map[string]bool{
	"conservative": true,
	"aggressive":   true,
	"adaptive":     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: rebalance, validate, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker
	if c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty")
	}
	bk := c.Broker.ApiKey != ""
	bs := c.Broker.ApiSecret != ""
	if bk != bs {
		errs = append(errs, "broker: api_key and api_secret must be set together")
	}
	if c.Mode == "rebalance" && !bk {
		errs = append(errs, "broker: api_key and api_secret are required for mode rebalance")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Execution
	if c.Execution.OrderTimeout.Duration <= 0 {
		errs = append(errs, "execution: order_timeout must be positive")
	}
	if c.Execution.SettleStreamWait.Duration <= 0 {
		errs = append(errs, "execution: settle_stream_wait must be positive")
	}
	if c.Execution.SettlePollInterval.Duration <= 0 {
		errs = append(errs, "execution: settle_poll_interval must be positive")
	}
	if c.Execution.SettleMaxPolls < 1 {
		errs = append(errs, "execution: settle_max_polls must be >= 1")
	}
	if c.Execution.MinOrderNotional < 0 {
		errs = append(errs, "execution: min_order_notional must be >= 0")
	}

	// Risk
	if c.Risk.BuyingPowerReservePct < 0 || c.Risk.BuyingPowerReservePct >= 1 {
		errs = append(errs, "risk: buying_power_reserve_pct must be in [0, 1)")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		errs = append(errs, "risk: max_position_pct must be in (0, 1]")
	}
	if c.Risk.MaxOrderNotional <= 0 {
		errs = append(errs, "risk: max_order_notional must be > 0")
	}
	if c.Risk.WarnSpreadBps > c.Risk.MaxSpreadBps {
		errs = append(errs, "risk: warn_spread_bps must not exceed max_spread_bps")
	}

	// Repeg
	if c.Repeg.Enabled {
		if !validRepegStrategies[strings.ToLower(c.Repeg.Strategy)] {
			errs = append(errs, fmt.Sprintf("repeg: unknown strategy %q (valid: conservative, aggressive, adaptive)", c.Repeg.Strategy))
		}
		if c.Repeg.Interval.Duration <= 0 {
			errs = append(errs, "repeg: interval must be positive when enabled")
		}
		if c.Repeg.MaxRepegs < 1 {
			errs = append(errs, "repeg: max_repegs must be >= 1 when enabled")
		}
		if c.Repeg.BaseIncrement <= 0 {
			errs = append(errs, "repeg: base_increment must be > 0 when enabled")
		}
		if c.Repeg.FallbackToMarket && c.Repeg.FallbackAfter > c.Repeg.MaxRepegs {
			errs = append(errs, "repeg: fallback_after must not exceed max_repegs")
		}
		if c.Repeg.TightSpreadBps > c.Repeg.WideSpreadBps {
			errs = append(errs, "repeg: tight_spread_bps must not exceed wide_spread_bps")
		}
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
