package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketdesk/internal/cache/redis"
	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/feed"
	"github.com/alanyoungcy/marketdesk/internal/pipeline"
	"github.com/alanyoungcy/marketdesk/internal/server"
	"github.com/alanyoungcy/marketdesk/internal/server/handler"
	"github.com/alanyoungcy/marketdesk/internal/server/middleware"
	"github.com/alanyoungcy/marketdesk/internal/server/ws"
	"github.com/alanyoungcy/marketdesk/internal/service"
	"github.com/alanyoungcy/marketdesk/internal/view"
)

// ServerMode serves the REST API and websocket sessions.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "server mode: starting",
		slog.String("feed_source", a.cfg.Feed.Source),
	)
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// RelayMode forwards database change notifications onto the Redis bus and
// runs the archiver when it is enabled.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "relay mode: starting",
		slog.String("pg_channel", a.cfg.Feed.Channel),
		slog.String("redis_channel", a.cfg.Feed.RedisChannel),
	)
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the relay and the server in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "full mode: starting")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	relay := feed.NewRelay(deps.DBFeed, deps.SignalBus, deps.MarketCache, deps.LockManager, feed.RelayConfig{
		Channel:   a.cfg.Feed.RedisChannel,
		LeaderTTL: a.cfg.Feed.LeaderTTL.Duration,
	}, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archive == nil {
		return
	}
	archiver := pipeline.NewArchiver(deps.Archive, deps.LockManager, pipeline.ArchiverConfig{
		Retention: a.cfg.Archive.Retention.Duration,
		Interval:  a.cfg.Archive.Interval.Duration,
	}, a.logger)
	g.Go(func() error {
		return archiver.RunEvery(ctx)
	})
}

// viewFeed picks the change feed list views subscribe to.
func (a *App) viewFeed(deps *Dependencies) domain.ChangeFeed {
	if a.cfg.Feed.Source == "postgres" {
		return deps.DBFeed
	}
	return redis.NewChangeFeed(deps.SignalBus, a.cfg.Feed.RedisChannel, a.logger)
}

// marketCache returns the detail cache, or nil when no relay can invalidate
// it: a server reading the database feed directly runs without one.
func (a *App) marketCache(deps *Dependencies) domain.MarketCache {
	if a.cfg.Feed.Source == "postgres" && a.cfg.Mode == "server" {
		a.logger.Info("market cache disabled: no relay invalidates it in server mode with the postgres feed")
		return nil
	}
	return deps.MarketCache
}

// startHTTPServer adds the HTTP server and the websocket hub to the errgroup.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	markets := service.NewMarketService(deps.MarketStore, a.marketCache(deps), a.logger)

	// A nil *Notifier must not become a non-nil interface.
	var alerts service.OperatorAlerts
	if deps.Notifier != nil {
		alerts = deps.Notifier
	}
	trades := service.NewTradeService(
		deps.TradeStore, deps.AuditStore, deps.SignalBus, deps.RateLimiter, alerts,
		service.TradeLimits{
			Max:    a.cfg.Trading.MaxTradesPerWindow,
			Window: a.cfg.Trading.Window.Duration,
		},
		a.logger,
	)

	identity := middleware.ContextIdentity{}
	paths := handler.Paths{List: a.cfg.Auth.ListPath, SignIn: a.cfg.Auth.SignInPath}

	hub := ws.NewHub(ws.Deps{
		Markets:  markets,
		Trades:   trades,
		Feed:     a.viewFeed(deps),
		Identity: identity,
		List: view.ListOptions{
			NotifyErrors: a.cfg.Views.NotifyListErrors,
			DiscardStale: a.cfg.Views.DiscardStaleFetches,
		},
		ListPath:       a.cfg.Auth.ListPath,
		SignInPath:     a.cfg.Auth.SignInPath,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(healthChecks(deps), a.logger),
		Markets: handler.NewMarketHandler(markets, paths, a.logger),
		Trades:  handler.NewTradeHandler(markets, trades, identity, paths, a.logger),
		Audit:   handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitEvery.Duration,
		TrustedProxies:  a.cfg.Server.TrustedProxies,
	}, handlers, server.Middleware{
		Sessions: deps.Sessions,
		Limiter:  deps.RateLimiter,
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// healthChecks lists the backends /api/health pings.
func healthChecks(deps *Dependencies) map[string]handler.Pinger {
	checks := map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
	}
	if deps.Blob != nil {
		checks["archive"] = deps.Blob
	}
	return checks
}
