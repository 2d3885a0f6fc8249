package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUCTIONBOT_"

// Load decodes the TOML file at path over Defaults and applies
// AUCTIONBOT_* overrides. A missing file is not an error, so a deployment
// can be configured from the environment alone. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose variable is set and non-empty.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	// ── Auction site ──
	setStr(&cfg.AuctionSite.BaseURL, "AUCTION_SITE_BASE_URL")
	setStr(&cfg.AuctionSite.WSURL, "AUCTION_SITE_WS_URL")
	setStr(&cfg.AuctionSite.SessionCookie, "AUCTION_SITE_SESSION_COOKIE")
	setDuration(&cfg.AuctionSite.RequestTimeout, "AUCTION_SITE_REQUEST_TIMEOUT")
	setFloat64(&cfg.AuctionSite.RateLimitRPS, "AUCTION_SITE_RATE_LIMIT_RPS")
	setInt(&cfg.AuctionSite.RateLimitBurst, "AUCTION_SITE_RATE_LIMIT_BURST")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollingInterval, "MONITOR_POLLING_INTERVAL")
	setDuration(&cfg.Monitor.RapidPollingInterval, "MONITOR_RAPID_POLLING_INTERVAL")
	setDuration(&cfg.Monitor.RapidPollingThreshold, "MONITOR_RAPID_POLLING_THRESHOLD")
	setInt(&cfg.Monitor.MaxConcurrentCalls, "MONITOR_MAX_CONCURRENT_CALLS")
	setInt(&cfg.Monitor.MaxConsecutiveFailures, "MONITOR_MAX_CONSECUTIVE_FAILURES")
	setStr(&cfg.Monitor.HaltStatus, "MONITOR_HALT_STATUS")
	setDuration(&cfg.Monitor.CallTimeout, "MONITOR_CALL_TIMEOUT")
	setDuration(&cfg.Monitor.ShutdownGrace, "MONITOR_SHUTDOWN_GRACE")
	setDuration(&cfg.Monitor.StateTTL, "MONITOR_STATE_TTL")
	setDuration(&cfg.Monitor.BidLockTTL, "MONITOR_BID_LOCK_TTL")

	// ── Breaker / retry ──
	setInt(&cfg.Breaker.FailureThreshold, "BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.Window, "BREAKER_WINDOW")
	setDuration(&cfg.Breaker.CoolDown, "BREAKER_COOL_DOWN")
	setDuration(&cfg.Breaker.MaxCoolDown, "BREAKER_MAX_COOL_DOWN")
	setFloat64(&cfg.Breaker.BackoffMultiplier, "BREAKER_BACKOFF_MULTIPLIER")
	setInt(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "RETRY_MAX_DELAY")

	// ── State / security ──
	setStr(&cfg.State.Backend, "STATE_BACKEND")
	setDuration(&cfg.State.ReconcileInterval, "STATE_RECONCILE_INTERVAL")
	setStr(&cfg.Security.CredentialSecret, "SECURITY_CREDENTIAL_SECRET")
	setInt(&cfg.Security.CredentialIterations, "SECURITY_CREDENTIAL_ITERATIONS")
	setStr(&cfg.Security.WebhookSecret, "SECURITY_WEBHOOK_SECRET")
	setStr(&cfg.Security.APIKey, "SECURITY_API_KEY")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "DATABASE_HOST")
	setInt(&cfg.Database.Port, "DATABASE_PORT")
	setStr(&cfg.Database.Database, "DATABASE_DATABASE")
	setStr(&cfg.Database.User, "DATABASE_USER")
	setStr(&cfg.Database.Password, "DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 / archive ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.KeyPrefix, "S3_KEY_PREFIX")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")

	// ── Feed ──
	setBool(&cfg.Feed.PushEnabled, "FEED_PUSH_ENABLED")
	setBool(&cfg.Feed.BusEnabled, "FEED_BUS_ENABLED")
	setDuration(&cfg.Feed.DedupWindow, "FEED_DEDUP_WINDOW")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")
	setInt(&cfg.Server.WSBufferSize, "SERVER_WS_BUFFER_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env helpers. key is given without EnvPrefix; malformed values are
// ignored.
// ---------------------------------------------------------------------------

func env(key string) string { return os.Getenv(EnvPrefix + key) }

func setStr(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := env(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := env(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := env(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := env(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
