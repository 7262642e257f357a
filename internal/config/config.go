// Package config defines the top-level configuration for the options engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OPTENGINE_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Polygon    PolygonConfig    `toml:"polygon"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Placement  PlacementConfig  `toml:"placement"`
	Settlement SettlementConfig `toml:"settlement"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Archive    ArchiveConfig    `toml:"archive"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
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

// RedisConfig holds Redis connection parameters and stream caps.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	PoolSize      int    `toml:"pool_size"`
	MaxRetries    int    `toml:"max_retries"`
	TLSEnabled    bool   `toml:"tls_enabled"`
	TickStreamLen int64  `toml:"tick_stream_len"`
	HistoryLen    int64  `toml:"history_len"`
}

// PolygonConfig holds the upstream market-data endpoints and credentials.
type PolygonConfig struct {
	APIKey           string   `toml:"api_key"`
	WSURL            string   `toml:"ws_url"`
	RESTURL          string   `toml:"rest_url"`
	Subscription     string   `toml:"subscription"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	BackoffMin       duration `toml:"backoff_min"`
	BackoffMax       duration `toml:"backoff_max"`
}

// GatewayConfig holds client gateway parameters.
type GatewayConfig struct {
	JWTSecret        string   `toml:"jwt_secret"`
	HistoryLimit     int      `toml:"history_limit"`
	ReadBlock        duration `toml:"read_block"`
	JanitorInterval  duration `toml:"janitor_interval"`
	GroupIdleTimeout duration `toml:"group_idle_timeout"`
}

// PlacementConfig holds contract placement limits.
type PlacementConfig struct {
	MinStake    float64  `toml:"min_stake"`
	MaxStake    float64  `toml:"max_stake"`
	MaxHorizon  duration `toml:"max_horizon"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	DemoBalance float64  `toml:"demo_balance"`
}

// SettlementConfig holds scoring parameters.
type SettlementConfig struct {
	GainRate    float64  `toml:"gain_rate"`
	PriceWindow duration `toml:"price_window"`
}

// SchedulerConfig holds delayed-job queue and worker parameters.
type SchedulerConfig struct {
	Workers           int      `toml:"workers"`
	BatchSize         int      `toml:"batch_size"`
	PollInterval      duration `toml:"poll_interval"`
	Lease             duration `toml:"lease"`
	TeardownRetries   int      `toml:"teardown_retries"`
	TeardownBaseDelay duration `toml:"teardown_base_delay"`
	RecoverOnStart    bool     `toml:"recover_on_start"`
	RecoverInterval   duration `toml:"recover_interval"`
}

// ArchiveConfig controls exporting evaluated contracts to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	BatchSize     int      `toml:"batch_size"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"` // requests per client IP per window; 0 disables
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "optionsengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      50,
			MaxRetries:    3,
			TickStreamLen: 10_000,
			HistoryLen:    500,
		},
		Polygon: PolygonConfig{
			WSURL:            "wss://socket.polygon.io/crypto",
			RESTURL:          "https://api.polygon.io",
			Subscription:     "XA.*",
			HandshakeTimeout: duration{15 * time.Second},
			BackoffMin:       duration{250 * time.Millisecond},
			BackoffMax:       duration{30 * time.Second},
		},
		Gateway: GatewayConfig{
			HistoryLimit:     100,
			ReadBlock:        duration{2 * time.Second},
			JanitorInterval:  duration{5 * time.Minute},
			GroupIdleTimeout: duration{10 * time.Minute},
		},
		Placement: PlacementConfig{
			MinStake:    1,
			MaxStake:    10_000,
			MaxHorizon:  duration{24 * time.Hour},
			RateLimit:   10,
			RateWindow:  duration{time.Second},
			DemoBalance: 10_000,
		},
		Settlement: SettlementConfig{
			GainRate:    0.9,
			PriceWindow: duration{5 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Workers:           8,
			BatchSize:         32,
			PollInterval:      duration{time.Second},
			Lease:             duration{30 * time.Second},
			TeardownRetries:   5,
			TeardownBaseDelay: duration{100 * time.Millisecond},
			RecoverOnStart:    true,
			RecoverInterval:   duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{6 * time.Hour},
			RetentionDays: 30,
			BatchSize:     1000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "optionsengine-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   100,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"feed_auth_failed", "schedule_failed", "teardown_abandoned", "settlement_error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"gateway": true,
	"worker":  true,
	"ingest":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, gateway, worker, ingest)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
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
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.TickStreamLen < 1 || c.Redis.HistoryLen < 1 {
		errs = append(errs, "redis: tick_stream_len and history_len must be >= 1")
	}

	// Polygon. The ingestor needs the key, every mode needs REST for prices.
	if (mode == "full" || mode == "ingest") && c.Polygon.APIKey == "" {
		errs = append(errs, "polygon: api_key is required for mode "+c.Mode)
	}
	if c.Polygon.WSURL == "" || c.Polygon.RESTURL == "" {
		errs = append(errs, "polygon: ws_url and rest_url must not be empty")
	}
	if c.Polygon.BackoffMin.Duration <= 0 || c.Polygon.BackoffMax.Duration < c.Polygon.BackoffMin.Duration {
		errs = append(errs, "polygon: backoff_min must be > 0 and <= backoff_max")
	}

	// Gateway
	if (mode == "full" || mode == "gateway") && len(c.Gateway.JWTSecret) < 16 {
		errs = append(errs, "gateway: jwt_secret must be at least 16 characters")
	}
	if c.Gateway.HistoryLimit < 0 {
		errs = append(errs, "gateway: history_limit must be >= 0")
	}

	// Placement
	if c.Placement.MinStake <= 0 || c.Placement.MaxStake < c.Placement.MinStake {
		errs = append(errs, "placement: min_stake must be > 0 and <= max_stake")
	}
	if c.Placement.MaxHorizon.Duration <= 0 {
		errs = append(errs, "placement: max_horizon must be > 0")
	}
	if c.Placement.RateLimit < 1 || c.Placement.RateWindow.Duration <= 0 {
		errs = append(errs, "placement: rate_limit and rate_window must be positive")
	}

	// Settlement
	if c.Settlement.GainRate <= 0 {
		errs = append(errs, "settlement: gain_rate must be > 0")
	}
	if c.Settlement.PriceWindow.Duration <= 0 {
		errs = append(errs, "settlement: price_window must be > 0")
	}

	// Scheduler
	if c.Scheduler.Workers < 1 || c.Scheduler.BatchSize < 1 {
		errs = append(errs, "scheduler: workers and batch_size must be >= 1")
	}
	if c.Scheduler.PollInterval.Duration <= 0 || c.Scheduler.Lease.Duration <= 0 {
		errs = append(errs, "scheduler: poll_interval and lease must be > 0")
	}
	if c.Scheduler.RecoverInterval.Duration <= 0 {
		errs = append(errs, "scheduler: recover_interval must be > 0")
	}
	if c.Scheduler.TeardownRetries < 1 {
		errs = append(errs, "scheduler: teardown_retries must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 || c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: retention_days and interval must be positive")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
