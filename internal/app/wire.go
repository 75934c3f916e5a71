package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/marketdesk/internal/blob/s3"
	"github.com/alanyoungcy/marketdesk/internal/cache/redis"
	"github.com/alanyoungcy/marketdesk/internal/config"
	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/notify"
	"github.com/alanyoungcy/marketdesk/internal/store/postgres"
)

// migrationLockKey serialises schema migrations across instances.
const migrationLockKey = "migrations"

// Dependencies bundles every backend the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client

	// Stores
	MarketStore domain.MarketStore
	TradeStore  domain.TradeStore
	AuditStore  domain.AuditStore
	// DBFeed listens for market changes directly on the database.
	DBFeed domain.ChangeFeed

	// Caches
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Sessions    domain.SessionStore

	// Cold storage; both nil unless archiving is enabled.
	Blob    *s3blob.Client
	Archive domain.Archiver

	// Notifications; nil when no operator channel is configured.
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketCacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Sessions = redis.NewSessionStore(redisClient)

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient

	if cfg.Supabase.RunMigrations {
		if err := migrate(ctx, pgClient, deps.LockManager, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	pool := pgClient.Pool()
	bets := postgres.NewBetStore(pool)
	audit := postgres.NewAuditStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.TradeStore = bets
	deps.AuditStore = audit
	deps.DBFeed = postgres.NewChangeFeed(pool, cfg.Feed.Channel, logger)

	// --- Archive ---
	if cfg.Archive.Enabled {
		blob, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archive: %w", err)
		}
		deps.Blob = blob
		deps.Archive = s3blob.NewArchive(s3blob.NewWriter(blob), s3blob.NewReader(blob), bets, audit, audit)
	}

	// --- Notifications ---
	deps.Notifier = newNotifier(cfg.Notify, logger)

	return deps, cleanup, nil
}

// migrate runs the embedded migrations while holding the migration lock. An
// instance that finds the lock taken skips them; the holder applies them.
func migrate(ctx context.Context, pg *postgres.Client, locks domain.LockManager, logger *slog.Logger) error {
	unlock, err := locks.Acquire(ctx, migrationLockKey, 2*time.Minute)
	if errors.Is(err, domain.ErrLockHeld) {
		logger.InfoContext(ctx, "migrations running on another instance, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("wire: migration lock: %w", err)
	}
	defer unlock()

	if err := pg.RunMigrations(ctx); err != nil {
		return fmt.Errorf("wire: postgres migrations: %w", err)
	}
	return nil
}

// newNotifier builds the operator notifier from whichever channels are
// configured. It returns nil when none are.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		return nil
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}
