// Package server exposes the market desk over HTTP: a REST API and the
// websocket endpoint that hosts live view sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/server/handler"
	"github.com/alanyoungcy/marketdesk/internal/server/middleware"
	"github.com/alanyoungcy/marketdesk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	RateLimit       int // requests per window per client; 0 disables
	RateLimitWindow time.Duration
	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For is used
	// for the per-IP limit.
	TrustedProxies []string
}

// Handlers aggregates the HTTP handlers the server registers. Audit is
// optional.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Trades  *handler.TradeHandler
	Audit   *handler.AuditHandler
}

// Middleware holds the backends the middleware chain needs. Both may be nil.
type Middleware struct {
	Sessions domain.SessionStore
	Limiter  domain.RateLimiter
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, mw Middleware, hub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, handlers, mw, hub, logger),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler with the middleware chain applied:
// CORS, session resolution, access logging, then rate limiting.
func NewHandler(cfg Config, handlers Handlers, mw Middleware, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Markets.GetQuote)
	mux.HandleFunc("POST /api/markets/{id}/trades", handlers.Trades.PlaceTrade)

	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", middleware.RequireUser(http.HandlerFunc(handlers.Audit.ListRecent)))
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Error("ignoring trusted proxies", slog.String("error", err.Error()))
		proxies = nil
	}

	var h http.Handler = mux
	h = middleware.RateLimit(mw.Limiter, cfg.RateLimit, cfg.RateLimitWindow, proxies, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Session(mw.Sessions, logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
