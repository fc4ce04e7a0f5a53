package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies REBAL_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known REBAL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "REBAL_BROKER_BASE_URL")
	setStr(&cfg.Broker.DataURL, "REBAL_BROKER_DATA_URL")
	setStr(&cfg.Broker.StreamURL, "REBAL_BROKER_STREAM_URL")
	setStr(&cfg.Broker.ApiKey, "REBAL_BROKER_API_KEY")
	setStr(&cfg.Broker.ApiSecret, "REBAL_BROKER_API_SECRET")
	setBool(&cfg.Broker.Paper, "REBAL_BROKER_PAPER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "REBAL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "REBAL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "REBAL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "REBAL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "REBAL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "REBAL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "REBAL_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "REBAL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "REBAL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "REBAL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REBAL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REBAL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REBAL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REBAL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REBAL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REBAL_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "REBAL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "REBAL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "REBAL_S3_REGION")
	setStr(&cfg.S3.Bucket, "REBAL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "REBAL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "REBAL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "REBAL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "REBAL_S3_FORCE_PATH_STYLE")

	// ── Execution ──
	setDuration(&cfg.Execution.OrderTimeout, "REBAL_EXECUTION_ORDER_TIMEOUT")
	setBool(&cfg.Execution.UseLimitOrders, "REBAL_EXECUTION_USE_LIMIT_ORDERS")
	setFloat64(&cfg.Execution.MinOrderNotional, "REBAL_EXECUTION_MIN_ORDER_NOTIONAL")
	setDuration(&cfg.Execution.StaleOrderMaxAge, "REBAL_EXECUTION_STALE_ORDER_MAX_AGE")
	setBool(&cfg.Execution.VerifyBuyingPower, "REBAL_EXECUTION_VERIFY_BUYING_POWER")
	setDuration(&cfg.Execution.SettleStreamWait, "REBAL_EXECUTION_SETTLE_STREAM_WAIT")
	setDuration(&cfg.Execution.SettlePollInterval, "REBAL_EXECUTION_SETTLE_POLL_INTERVAL")
	setInt(&cfg.Execution.SettleMaxPolls, "REBAL_EXECUTION_SETTLE_MAX_POLLS")
	setInt(&cfg.Execution.RateLimitPerMin, "REBAL_EXECUTION_RATE_LIMIT_PER_MIN")

	// ── Risk ──
	setFloat64(&cfg.Risk.BuyingPowerReservePct, "REBAL_RISK_BUYING_POWER_RESERVE_PCT")
	setFloat64(&cfg.Risk.MaxPositionPct, "REBAL_RISK_MAX_POSITION_PCT")
	setFloat64(&cfg.Risk.MaxOrderNotional, "REBAL_RISK_MAX_ORDER_NOTIONAL")
	setFloat64(&cfg.Risk.MaxSpreadBps, "REBAL_RISK_MAX_SPREAD_BPS")
	setFloat64(&cfg.Risk.WarnSpreadBps, "REBAL_RISK_WARN_SPREAD_BPS")
	setFloat64(&cfg.Risk.MaxLimitDeviationPct, "REBAL_RISK_MAX_LIMIT_DEVIATION_PCT")
	setFloat64(&cfg.Risk.NotionalHaircutPct, "REBAL_RISK_NOTIONAL_HAIRCUT_PCT")

	// ── Repeg ──
	setBool(&cfg.Repeg.Enabled, "REBAL_REPEG_ENABLED")
	setStr(&cfg.Repeg.Strategy, "REBAL_REPEG_STRATEGY")
	setDuration(&cfg.Repeg.Interval, "REBAL_REPEG_INTERVAL")
	setInt(&cfg.Repeg.MaxRepegs, "REBAL_REPEG_MAX_REPEGS")
	setFloat64(&cfg.Repeg.AbandonSpreadBps, "REBAL_REPEG_ABANDON_SPREAD_BPS")
	setBool(&cfg.Repeg.FallbackToMarket, "REBAL_REPEG_FALLBACK_TO_MARKET")
	setInt(&cfg.Repeg.FallbackAfter, "REBAL_REPEG_FALLBACK_AFTER")
	setFloat64(&cfg.Repeg.BaseIncrement, "REBAL_REPEG_BASE_INCREMENT")
	setFloat64(&cfg.Repeg.IncrementFactor, "REBAL_REPEG_INCREMENT_FACTOR")
	setFloat64(&cfg.Repeg.MaxIncrement, "REBAL_REPEG_MAX_INCREMENT")
	setFloat64(&cfg.Repeg.MaxDeviationPct, "REBAL_REPEG_MAX_DEVIATION_PCT")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "REBAL_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "REBAL_METRICS_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "REBAL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "REBAL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "REBAL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "REBAL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "REBAL_MODE")
	setStr(&cfg.LogLevel, "REBAL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
