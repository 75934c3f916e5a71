package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/view"
)

// Client commands.
const (
	cmdSearch      = "search"
	cmdOpenMarket  = "open_market"
	cmdCloseMarket = "close_market"
	cmdSelectSide  = "select_side"
	cmdSetAmount   = "set_amount"
	cmdPlaceTrade  = "place_trade"
)

// Server messages.
const (
	msgSession  = "session"
	msgMarkets  = "markets"
	msgMarket   = "market"
	msgQuote    = "quote"
	msgToast    = "toast"
	msgRedirect = "redirect"
)

// clientMessage is a command sent by the browser. Only the fields of the
// given type are read.
type clientMessage struct {
	Type     string `json:"type"`
	Term     string `json:"term,omitempty"`
	MarketID string `json:"market_id,omitempty"`
	Side     string `json:"side,omitempty"`
	Amount   string `json:"amount,omitempty"`
}

// serverMessage is the envelope of everything pushed to the browser.
type serverMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type sessionInfo struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	SignedIn bool   `json:"signed_in"`
}

type redirectPayload struct {
	Path string `json:"path"`
}

// anonymous is the identity used when the hub has none configured.
type anonymous struct{}

func (anonymous) CurrentUser(context.Context) (string, bool) { return "", false }

// session is one browser connection. The read loop owns the views; view
// callbacks only enqueue outgoing messages.
type session struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	identity view.Identity
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	list   *view.ListView
	detail *view.DetailView

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	tasks sync.WaitGroup
}

func newSession(h *Hub, conn *websocket.Conn, parent context.Context) *session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	identity := h.deps.Identity
	if identity == nil {
		identity = anonymous{}
	}
	return &session{
		id:       id,
		hub:      h,
		conn:     conn,
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		logger:   h.logger.With(slog.String("session_id", id)),
		send:     make(chan []byte, sendBufferSize),
	}
}

// serve runs the session until the connection ends.
func (s *session) serve() {
	go s.writePump()

	userID, signedIn := s.identity.CurrentUser(s.ctx)
	s.push(msgSession, sessionInfo{ID: s.id, UserID: userID, SignedIn: signedIn})

	deps := s.hub.deps
	s.list = view.NewListView(deps.Markets, deps.Feed, s, deps.List, s.logger)
	s.list.OnChange(func(markets []domain.Market) {
		s.push(msgMarkets, markets)
	})
	if err := s.list.Start(s.ctx); err != nil {
		s.logger.Warn("ws: live market updates unavailable", slog.String("error", err.Error()))
	}

	s.readPump()
	s.shutdown()
}

func (s *session) shutdown() {
	s.list.Close()
	s.closeMarket()
	s.cancel()
	s.tasks.Wait()

	s.sendMu.Lock()
	s.sendClosed = true
	close(s.send)
	s.sendMu.Unlock()
}

// readPump reads commands until the connection fails or closes.
func (s *session) readPump() {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ws: malformed command", slog.String("error", err.Error()))
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg clientMessage) {
	var err error
	switch msg.Type {
	case cmdSearch:
		s.list.SetSearch(msg.Term)
	case cmdOpenMarket:
		s.openMarket(msg.MarketID)
	case cmdCloseMarket:
		s.closeMarket()
	case cmdSelectSide:
		var side domain.Side
		if side, err = domain.ParseSide(msg.Side); err == nil && s.detail != nil {
			err = s.detail.SelectSide(side)
		}
	case cmdSetAmount:
		if s.detail != nil {
			err = s.detail.SetAmount(msg.Amount)
		}
	case cmdPlaceTrade:
		s.placeTrade()
	default:
		s.logger.Debug("ws: unknown command", slog.String("type", msg.Type))
	}
	if err != nil && !errors.Is(err, view.ErrNotReady) {
		s.logger.Debug("ws: command rejected",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}

// openMarket replaces the open detail view with one for id and loads it in
// the background.
func (s *session) openMarket(id string) {
	if id == "" {
		return
	}
	s.closeMarket()

	deps := s.hub.deps
	v := view.NewDetailView(id, view.DetailDeps{
		Markets:   deps.Markets,
		Trades:    deps.Trades,
		Identity:  s.identity,
		Navigator: s,
		Notifier:  s,
	}, s.logger)

	// The callback runs under the view's lock, which also guards last.
	var last view.DetailState
	v.OnChange(func(snap view.DetailSnapshot) {
		if snap.State == last && snap.Market != nil {
			s.push(msgQuote, snap.Quote)
		} else {
			s.push(msgMarket, snap)
		}
		last = snap.State
	})
	s.detail = v

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if err := v.Load(s.ctx); err != nil {
			s.logger.Debug("ws: market load failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *session) closeMarket() {
	if s.detail != nil {
		s.detail.Close()
		s.detail = nil
	}
}

// placeTrade submits in the background so the session keeps reading; the
// view rejects a second submit while one is in flight.
func (s *session) placeTrade() {
	v := s.detail
	if v == nil {
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if _, err := v.PlaceTrade(s.ctx); err != nil {
			s.logger.Debug("ws: trade not placed",
				slog.String("market_id", v.MarketID()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// ToList implements view.Navigator.
func (s *session) ToList() {
	s.push(msgRedirect, redirectPayload{Path: s.hub.deps.ListPath})
}

// ToSignIn implements view.Navigator.
func (s *session) ToSignIn() {
	s.push(msgRedirect, redirectPayload{Path: s.hub.deps.SignInPath})
}

// Notify implements view.Notifier.
func (s *session) Notify(n domain.Notice) {
	s.push(msgToast, n)
}

// push enqueues a message without blocking. Messages for a slow client are
// dropped.
func (s *session) push(kind string, payload any) {
	data, err := json.Marshal(serverMessage{Type: kind, Payload: payload})
	if err != nil {
		s.logger.Error("ws: encode message failed",
			slog.String("type", kind),
			slog.String("error", err.Error()),
		)
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("ws: dropping message for slow client", slog.String("type", kind))
	}
}

// writePump writes queued messages and keepalive pings until the send queue
// is closed.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
