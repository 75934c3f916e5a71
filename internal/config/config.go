// Package config defines the top-level configuration for the market desk and
// provides validation helpers.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETDESK_* environment variables.
type Config struct {
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Notify   NotifyConfig   `toml:"notify"`
	Views    ViewsConfig    `toml:"views"`
	Trading  TradingConfig  `toml:"trading"`
	Feed     FeedConfig     `toml:"feed"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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
	// MarketCacheTTL bounds how long a detail snapshot may be served from
	// Redis when no change event invalidates it first.
	MarketCacheTTL duration `toml:"market_cache_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimit      int      `toml:"rate_limit"`
	RateLimitEvery duration `toml:"rate_limit_window"`
	// TrustedProxies lists reverse proxy CIDRs or addresses. Only requests
	// arriving from them have X-Forwarded-For honoured.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// AuthConfig controls how bearer tokens map to users.
type AuthConfig struct {
	SessionTTL duration `toml:"session_ttl"`
	SignInPath string   `toml:"sign_in_path"`
	ListPath   string   `toml:"list_path"`
}

// NotifyConfig holds operator notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ViewsConfig holds the behaviour switches of the list and detail views.
type ViewsConfig struct {
	// NotifyListErrors surfaces list fetch failures to the user instead of
	// only logging them.
	NotifyListErrors bool `toml:"notify_list_errors"`
	// DiscardStaleFetches drops list responses older than the latest issued
	// fetch.
	DiscardStaleFetches bool `toml:"discard_stale_fetches"`
}

// TradingConfig holds trade submission limits.
type TradingConfig struct {
	MaxTradesPerWindow int      `toml:"max_trades_per_window"`
	Window             duration `toml:"window"`
}

// FeedConfig controls where the views get change events from.
type FeedConfig struct {
	// Source is "postgres" (LISTEN directly) or "redis" (relayed pub/sub).
	Source  string `toml:"source"`
	Channel string `toml:"channel"`
	// RedisChannel is the pub/sub channel the relay republishes onto.
	RedisChannel string   `toml:"redis_channel"`
	LeaderTTL    duration `toml:"leader_ttl"`
}

// ArchiveConfig holds the S3-compatible cold storage that old trade and audit
// rows are exported to. Any S3-compatible provider works via Endpoint.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Interval       duration `toml:"interval"`
	// Retention is how old a row must be before it is exported.
	Retention duration `toml:"retention"`
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

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			MarketCacheTTL: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:      120,
			RateLimitEvery: duration{time.Minute},
		},
		Auth: AuthConfig{
			SessionTTL: duration{24 * time.Hour},
			SignInPath: "/login",
			ListPath:   "/games",
		},
		Notify: NotifyConfig{
			Events: []string{"trade_placed", "trade_failed"},
		},
		Views: ViewsConfig{
			NotifyListErrors:    false,
			DiscardStaleFetches: true,
		},
		Trading: TradingConfig{
			MaxTradesPerWindow: 10,
			Window:             duration{time.Minute},
		},
		Feed: FeedConfig{
			Source:       "redis",
			Channel:      "markets_changes",
			RedisChannel: "ch:markets",
			LeaderTTL:    duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
			Interval:       duration{24 * time.Hour},
			Retention:      duration{30 * 24 * time.Hour},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"relay":  true,
	"full":   true,
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

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, relay, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 {
		errs = append(errs, "supabase: pool_min_conns must be >= 0")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.MarketCacheTTL.Duration < 0 {
		errs = append(errs, "redis: market_cache_ttl must not be negative")
	}

	// Server
	if c.Mode != "relay" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitEvery.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
		for _, p := range c.Server.TrustedProxies {
			if !validProxy(p) {
				errs = append(errs, fmt.Sprintf("server: trusted_proxies entry %q is not a CIDR or IP address", p))
			}
		}
	}

	// Auth
	if c.Auth.SessionTTL.Duration <= 0 {
		errs = append(errs, "auth: session_ttl must be > 0")
	}
	if !strings.HasPrefix(c.Auth.SignInPath, "/") {
		errs = append(errs, "auth: sign_in_path must start with /")
	}
	if !strings.HasPrefix(c.Auth.ListPath, "/") {
		errs = append(errs, "auth: list_path must start with /")
	}

	// Notify: telegram needs both halves.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Trading
	if c.Trading.MaxTradesPerWindow < 0 {
		errs = append(errs, "trading: max_trades_per_window must be >= 0")
	}
	if c.Trading.MaxTradesPerWindow > 0 && c.Trading.Window.Duration <= 0 {
		errs = append(errs, "trading: window must be > 0 when max_trades_per_window is set")
	}

	// Feed
	switch c.Feed.Source {
	case "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: postgres, redis)", c.Feed.Source))
	}
	if c.Feed.Channel == "" {
		errs = append(errs, "feed: channel must not be empty")
	}
	if c.Feed.Source == "redis" || c.Mode != "server" {
		if c.Feed.RedisChannel == "" {
			errs = append(errs, "feed: redis_channel must not be empty")
		}
	}
	if c.Feed.LeaderTTL.Duration <= 0 {
		errs = append(errs, "feed: leader_ttl must be > 0")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.Region == "" {
			errs = append(errs, "archive: region must not be empty when enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validProxy(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
