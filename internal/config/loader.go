package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTENGINE_* environment variable overrides, and
// returns the final Config. An empty path skips the file so a deployment can
// be configured from the environment alone. The returned Config has NOT been
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPTENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are normally injected this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "OPTENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "OPTENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "OPTENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "OPTENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "OPTENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "OPTENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "OPTENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "OPTENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "OPTENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "OPTENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "OPTENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPTENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPTENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPTENGINE_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.TickStreamLen, "OPTENGINE_REDIS_TICK_STREAM_LEN")
	setInt64(&cfg.Redis.HistoryLen, "OPTENGINE_REDIS_HISTORY_LEN")

	// ── Polygon ──
	setStr(&cfg.Polygon.APIKey, "OPTENGINE_POLYGON_API_KEY")
	setStr(&cfg.Polygon.WSURL, "OPTENGINE_POLYGON_WS_URL")
	setStr(&cfg.Polygon.RESTURL, "OPTENGINE_POLYGON_REST_URL")
	setStr(&cfg.Polygon.Subscription, "OPTENGINE_POLYGON_SUBSCRIPTION")
	setDuration(&cfg.Polygon.BackoffMin, "OPTENGINE_POLYGON_BACKOFF_MIN")
	setDuration(&cfg.Polygon.BackoffMax, "OPTENGINE_POLYGON_BACKOFF_MAX")

	// ── Gateway ──
	setStr(&cfg.Gateway.JWTSecret, "OPTENGINE_GATEWAY_JWT_SECRET")
	setInt(&cfg.Gateway.HistoryLimit, "OPTENGINE_GATEWAY_HISTORY_LIMIT")
	setDuration(&cfg.Gateway.JanitorInterval, "OPTENGINE_GATEWAY_JANITOR_INTERVAL")
	setDuration(&cfg.Gateway.GroupIdleTimeout, "OPTENGINE_GATEWAY_GROUP_IDLE_TIMEOUT")

	// ── Placement ──
	setFloat64(&cfg.Placement.MinStake, "OPTENGINE_PLACEMENT_MIN_STAKE")
	setFloat64(&cfg.Placement.MaxStake, "OPTENGINE_PLACEMENT_MAX_STAKE")
	setDuration(&cfg.Placement.MaxHorizon, "OPTENGINE_PLACEMENT_MAX_HORIZON")
	setInt(&cfg.Placement.RateLimit, "OPTENGINE_PLACEMENT_RATE_LIMIT")
	setDuration(&cfg.Placement.RateWindow, "OPTENGINE_PLACEMENT_RATE_WINDOW")
	setFloat64(&cfg.Placement.DemoBalance, "OPTENGINE_PLACEMENT_DEMO_BALANCE")

	// ── Settlement ──
	setFloat64(&cfg.Settlement.GainRate, "OPTENGINE_SETTLEMENT_GAIN_RATE")
	setDuration(&cfg.Settlement.PriceWindow, "OPTENGINE_SETTLEMENT_PRICE_WINDOW")

	// ── Scheduler ──
	setInt(&cfg.Scheduler.Workers, "OPTENGINE_SCHEDULER_WORKERS")
	setInt(&cfg.Scheduler.BatchSize, "OPTENGINE_SCHEDULER_BATCH_SIZE")
	setDuration(&cfg.Scheduler.PollInterval, "OPTENGINE_SCHEDULER_POLL_INTERVAL")
	setDuration(&cfg.Scheduler.Lease, "OPTENGINE_SCHEDULER_LEASE")
	setInt(&cfg.Scheduler.TeardownRetries, "OPTENGINE_SCHEDULER_TEARDOWN_RETRIES")
	setDuration(&cfg.Scheduler.TeardownBaseDelay, "OPTENGINE_SCHEDULER_TEARDOWN_BASE_DELAY")
	setBool(&cfg.Scheduler.RecoverOnStart, "OPTENGINE_SCHEDULER_RECOVER_ON_START")
	setDuration(&cfg.Scheduler.RecoverInterval, "OPTENGINE_SCHEDULER_RECOVER_INTERVAL")

	// ── Archive / S3 ──
	setBool(&cfg.Archive.Enabled, "OPTENGINE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "OPTENGINE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "OPTENGINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.S3.Endpoint, "OPTENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPTENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPTENGINE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "OPTENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "OPTENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "OPTENGINE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "OPTENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "OPTENGINE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPTENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPTENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPTENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OPTENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTENGINE_MODE")
	setStr(&cfg.LogLevel, "OPTENGINE_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
