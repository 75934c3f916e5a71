package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETDESK_* environment variable overrides, and
// returns the final Config. A missing file is not an error; the desk can run
// from defaults and environment alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETDESK_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "MARKETDESK_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "MARKETDESK_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "MARKETDESK_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "MARKETDESK_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "MARKETDESK_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "MARKETDESK_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "MARKETDESK_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "MARKETDESK_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "MARKETDESK_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "MARKETDESK_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "MARKETDESK_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETDESK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETDESK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETDESK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETDESK_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.MarketCacheTTL, "MARKETDESK_REDIS_MARKET_CACHE_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKETDESK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETDESK_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "MARKETDESK_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitEvery, "MARKETDESK_SERVER_RATE_LIMIT_WINDOW")
	setStringSlice(&cfg.Server.TrustedProxies, "MARKETDESK_SERVER_TRUSTED_PROXIES")

	// ── Auth ──
	setDuration(&cfg.Auth.SessionTTL, "MARKETDESK_AUTH_SESSION_TTL")
	setStr(&cfg.Auth.SignInPath, "MARKETDESK_AUTH_SIGN_IN_PATH")
	setStr(&cfg.Auth.ListPath, "MARKETDESK_AUTH_LIST_PATH")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETDESK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETDESK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETDESK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETDESK_NOTIFY_EVENTS")

	// ── Views ──
	setBool(&cfg.Views.NotifyListErrors, "MARKETDESK_VIEWS_NOTIFY_LIST_ERRORS")
	setBool(&cfg.Views.DiscardStaleFetches, "MARKETDESK_VIEWS_DISCARD_STALE_FETCHES")

	// ── Trading ──
	setInt(&cfg.Trading.MaxTradesPerWindow, "MARKETDESK_TRADING_MAX_TRADES_PER_WINDOW")
	setDuration(&cfg.Trading.Window, "MARKETDESK_TRADING_WINDOW")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "MARKETDESK_FEED_SOURCE")
	setStr(&cfg.Feed.Channel, "MARKETDESK_FEED_CHANNEL")
	setStr(&cfg.Feed.RedisChannel, "MARKETDESK_FEED_REDIS_CHANNEL")
	setDuration(&cfg.Feed.LeaderTTL, "MARKETDESK_FEED_LEADER_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MARKETDESK_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "MARKETDESK_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "MARKETDESK_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "MARKETDESK_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "MARKETDESK_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "MARKETDESK_ARCHIVE_SECRET_KEY")
	setDuration(&cfg.Archive.Interval, "MARKETDESK_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "MARKETDESK_ARCHIVE_RETENTION")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETDESK_MODE")
	setStr(&cfg.LogLevel, "MARKETDESK_LOG_LEVEL")
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
