// Package ws hosts browser sessions over websocket. Each connection gets a
// market list view and at most one open market detail view; view state is
// pushed to the browser as JSON messages and the browser drives the views
// with small command messages.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/view"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per session.
	sendBufferSize = 256
)

// Markets is the read side a session needs for both of its views.
type Markets interface {
	view.MarketLister
	view.MarketReader
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Markets  Markets
	Trades   view.TradeSubmitter
	Feed     domain.ChangeFeed
	Identity view.Identity
	List     view.ListOptions
	// ListPath and SignInPath are sent in redirect messages.
	ListPath   string
	SignInPath string
	// AllowedOrigins restricts the upgrade's Origin header. Empty allows all.
	AllowedOrigins []string
}

// Hub accepts websocket connections and tracks the live sessions.
type Hub struct {
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// NewHub creates a Hub.
func NewHub(deps Deps, logger *slog.Logger) *Hub {
	h := &Hub{
		deps:     deps,
		logger:   logger.With(slog.String("component", "ws_hub")),
		sessions: make(map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.deps.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.deps.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Run blocks until ctx is cancelled and then closes every session.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	h.logger.Info("ws: hub stopped", slog.Int("closed_sessions", len(sessions)))
	return nil
}

// HandleWS upgrades the request and serves the session until the connection
// ends. The request context carries the signed-in user.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := newSession(h, conn, r.Context())
	if !h.register(s) {
		conn.Close()
		return
	}
	defer h.unregister(s)

	s.serve()
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	h.logger.Info("ws: session opened",
		slog.String("session_id", s.id),
		slog.Int("total_sessions", len(h.sessions)),
	)
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("ws: session closed",
		slog.String("session_id", s.id),
		slog.Int("total_sessions", n),
	)
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
