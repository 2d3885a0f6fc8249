// Package config defines auctionbot's configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by AUCTIONBOT_* environment variables.
type Config struct {
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	AuctionSite AuctionSiteConfig `toml:"auction_site"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Retry       RetryConfig       `toml:"retry"`
	State       StateConfig       `toml:"state"`
	Security    SecurityConfig    `toml:"security"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Feed        FeedConfig        `toml:"feed"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
}

// AuctionSiteConfig points at the auction site's REST and push APIs.
type AuctionSiteConfig struct {
	BaseURL        string   `toml:"base_url"`
	WSURL          string   `toml:"ws_url"`
	SessionCookie  string   `toml:"session_cookie"`
	RequestTimeout duration `toml:"request_timeout"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
}

// MonitorConfig tunes polling and failure handling.
type MonitorConfig struct {
	PollingInterval        duration `toml:"polling_interval"`
	RapidPollingInterval   duration `toml:"rapid_polling_interval"`
	RapidPollingThreshold  duration `toml:"rapid_polling_threshold"`
	MaxConcurrentCalls     int      `toml:"max_concurrent_calls"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	HaltStatus             string   `toml:"halt_status"`
	CallTimeout            duration `toml:"call_timeout"`
	ShutdownGrace          duration `toml:"shutdown_grace"`
	StateTTL               duration `toml:"state_ttl"`
	BidLockTTL             duration `toml:"bid_lock_ttl"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int      `toml:"failure_threshold"`
	Window            duration `toml:"window"`
	CoolDown          duration `toml:"cool_down"`
	MaxCoolDown       duration `toml:"max_cool_down"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
}

// RetryConfig tunes retries of transient upstream failures.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
}

// StateConfig selects the durable state backend.
type StateConfig struct {
	Backend           string   `toml:"backend"`
	ReconcileInterval duration `toml:"reconcile_interval"`
}

// SecurityConfig holds the secrets guarding credentials and the API.
type SecurityConfig struct {
	CredentialSecret     string `toml:"credential_secret"`
	CredentialIterations int    `toml:"credential_iterations"`
	WebhookSecret        string `toml:"webhook_secret"`
	APIKey               string `toml:"api_key"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	KeyPrefix      string `toml:"key_prefix"`
}

// ArchiveConfig schedules the history archive job.
type ArchiveConfig struct {
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// FeedConfig enables the early-poll feeds.
type FeedConfig struct {
	PushEnabled bool     `toml:"push_enabled"`
	BusEnabled  bool     `toml:"bus_enabled"`
	DedupWindow duration `toml:"dedup_window"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     duration `toml:"rate_window"`
	WSBufferSize   int      `toml:"ws_buffer_size"`
	RequestTimeout duration `toml:"request_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when a value is not set.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		AuctionSite: AuctionSiteConfig{
			SessionCookie:  "session",
			RequestTimeout: duration{15 * time.Second},
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Monitor: MonitorConfig{
			PollingInterval:        duration{30 * time.Second},
			RapidPollingInterval:   duration{2 * time.Second},
			RapidPollingThreshold:  duration{300 * time.Second},
			MaxConcurrentCalls:     10,
			MaxConsecutiveFailures: 5,
			HaltStatus:             "error",
			CallTimeout:            duration{15 * time.Second},
			ShutdownGrace:          duration{10 * time.Second},
			StateTTL:               duration{7 * 24 * time.Hour},
			BidLockTTL:             duration{30 * time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			Window:            duration{time.Minute},
			CoolDown:          duration{60 * time.Second},
			MaxCoolDown:       duration{5 * time.Minute},
			BackoffMultiplier: 2,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   duration{200 * time.Millisecond},
			MaxDelay:    duration{2 * time.Second},
		},
		State: StateConfig{
			Backend:           "memory",
			ReconcileInterval: duration{5 * time.Second},
		},
		Security: SecurityConfig{
			CredentialIterations: 480000,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "auctionbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "auctionbot:",
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:          "0 4 * * *",
			RetentionDays: 90,
		},
		Feed: FeedConfig{
			BusEnabled:  true,
			DedupWindow: duration{time.Second},
		},
		Server: ServerConfig{
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RateLimit:      120,
			RateWindow:     duration{time.Minute},
			WSBufferSize:   256,
			RequestTimeout: duration{30 * time.Second},
		},
	}
}

var validModes = map[string]bool{
	"full":     true,
	"headless": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"redis":    true,
	"postgres": true,
}

// Validate reports every invalid or missing value in one error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, headless)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Auction site
	if c.AuctionSite.BaseURL == "" {
		errs = append(errs, "auction_site: base_url must not be empty")
	}
	if c.Feed.PushEnabled && c.AuctionSite.WSURL == "" {
		errs = append(errs, "auction_site: ws_url is required when feed.push_enabled is set")
	}
	if c.AuctionSite.RateLimitRPS < 0 {
		errs = append(errs, "auction_site: rate_limit_rps must be >= 0")
	}

	// Monitor
	m := c.Monitor
	if m.PollingInterval.Duration <= 0 || m.RapidPollingInterval.Duration <= 0 {
		errs = append(errs, "monitor: polling intervals must be > 0")
	}
	if m.RapidPollingInterval.Duration > m.PollingInterval.Duration {
		errs = append(errs, "monitor: rapid_polling_interval must not exceed polling_interval")
	}
	if m.MaxConcurrentCalls < 1 {
		errs = append(errs, "monitor: max_concurrent_calls must be >= 1")
	}
	if m.MaxConsecutiveFailures < 1 {
		errs = append(errs, "monitor: max_consecutive_failures must be >= 1")
	}
	if m.HaltStatus != "error" && m.HaltStatus != "paused" {
		errs = append(errs, fmt.Sprintf("monitor: halt_status must be error or paused, got %q", m.HaltStatus))
	}

	// Breaker and retry
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.BackoffMultiplier < 1 {
		errs = append(errs, "breaker: backoff_multiplier must be >= 1")
	}
	if c.Breaker.MaxCoolDown.Duration < c.Breaker.CoolDown.Duration {
		errs = append(errs, "breaker: max_cool_down must be >= cool_down")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}

	// State
	backend := strings.ToLower(c.State.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("state: unknown backend %q (valid: memory, redis, postgres)", c.State.Backend))
	}
	if backend == "redis" && !c.Redis.Enabled {
		errs = append(errs, "state: backend redis requires redis.enabled")
	}
	if backend == "postgres" && !c.Database.Enabled {
		errs = append(errs, "state: backend postgres requires database.enabled")
	}

	if backend != "memory" && c.Security.CredentialSecret == "" {
		errs = append(errs, "security: credential_secret is required with a durable state backend")
	}

	// Database
	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.S3.Enabled && c.Database.Enabled && c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}

	// Server
	if strings.ToLower(c.Mode) == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
