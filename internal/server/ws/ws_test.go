package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/view"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memMarkets struct {
	mu      sync.Mutex
	markets []domain.Market
}

func (s *memMarkets) set(ms []domain.Market) {
	s.mu.Lock()
	s.markets = ms
	s.mu.Unlock()
}

func (s *memMarkets) List(context.Context) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Market(nil), s.markets...), nil
}

func (s *memMarkets) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

// memTrades stores submitted trades. With a gate, Submit signals entered and
// blocks until the gate closes or its context ends.
type memTrades struct {
	mu      sync.Mutex
	recs    []domain.TradeRecord
	gate    chan struct{}
	entered chan struct{}
}

func (s *memTrades) Submit(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.TradeRecord{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = "t-1"
	s.recs = append(s.recs, rec)
	return rec, nil
}

func (s *memTrades) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type chanSub struct {
	events chan domain.ChangeEvent
	once   sync.Once
	closed atomic.Bool
}

func (s *chanSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *chanSub) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
}

type chanFeed struct {
	mu   sync.Mutex
	subs []*chanSub
}

func (f *chanFeed) Subscribe(context.Context) (domain.Subscription, error) {
	s := &chanSub{events: make(chan domain.ChangeEvent, 4)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s, nil
}

func (f *chanFeed) publish(ev domain.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.events <- ev
	}
}

// released reports whether every subscription has been closed.
func (f *chanFeed) released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return false
	}
	for _, s := range f.subs {
		if !s.closed.Load() {
			return false
		}
	}
	return true
}

type staticIdentity string

func (s staticIdentity) CurrentUser(context.Context) (string, bool) {
	return string(s), s != ""
}

type fixture struct {
	markets *memMarkets
	trades  *memTrades
	feed    *chanFeed
	hub     *Hub
	srv     *httptest.Server
}

func newFixture(t *testing.T, user string) *fixture {
	t.Helper()
	f := &fixture{
		markets: &memMarkets{markets: []domain.Market{
			{ID: "m-1", Title: "Bitcoin above 100k", Probability: 0.65},
			{ID: "m-2", Title: "Rain in London", Probability: 0.2},
		}},
		trades: &memTrades{},
		feed:   &chanFeed{},
	}
	var identity view.Identity
	if user != "" {
		identity = staticIdentity(user)
	}
	f.hub = NewHub(Deps{
		Markets:    f.markets,
		Trades:     f.trades,
		Feed:       f.feed,
		Identity:   identity,
		List:       view.ListOptions{DiscardStale: true},
		ListPath:   "/games",
		SignInPath: "/login",
	}, quietLogger())
	f.srv = httptest.NewServer(http.HandlerFunc(f.hub.HandleWS))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// next reads messages until one of type kind arrives.
func next(t *testing.T, conn *websocket.Conn, kind string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg received
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", kind, err)
		}
		if msg.Type == kind {
			return msg.Payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("send %s: %v", msg.Type, err)
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestSessionListSearchAndRefetch(t *testing.T) {
	f := newFixture(t, "")
	conn := f.dial(t)

	info := decode[sessionInfo](t, next(t, conn, msgSession))
	if info.ID == "" || info.SignedIn {
		t.Errorf("session = %+v", info)
	}
	if ms := decode[[]domain.Market](t, next(t, conn, msgMarkets)); len(ms) != 2 {
		t.Fatalf("initial markets = %d", len(ms))
	}

	send(t, conn, clientMessage{Type: cmdSearch, Term: "rain"})
	if ms := decode[[]domain.Market](t, next(t, conn, msgMarkets)); len(ms) != 1 || ms[0].ID != "m-2" {
		t.Errorf("searched = %+v", ms)
	}

	f.markets.set([]domain.Market{
		{ID: "m-1", Title: "Bitcoin above 100k", Probability: 0.65},
		{ID: "m-2", Title: "Rain in London", Probability: 0.2},
		{ID: "m-3", Title: "More rain in Paris", Probability: 0.5},
	})
	f.feed.publish(domain.ChangeEvent{Table: "markets", Op: domain.ChangeInsert, ID: "m-3"})
	if ms := decode[[]domain.Market](t, next(t, conn, msgMarkets)); len(ms) != 2 {
		t.Errorf("after insert, search kept = %+v", ms)
	}
}

func TestSessionTradeFlow(t *testing.T) {
	f := newFixture(t, "u-1")
	conn := f.dial(t)
	next(t, conn, msgMarkets)

	send(t, conn, clientMessage{Type: cmdOpenMarket, MarketID: "m-1"})
	snap := decode[view.DetailSnapshot](t, next(t, conn, msgMarket))
	if snap.State != view.DetailReady || snap.Market == nil || snap.Market.ID != "m-1" {
		t.Fatalf("opened = %+v", snap)
	}

	send(t, conn, clientMessage{Type: cmdSelectSide, Side: "yes"})
	q := decode[map[string]any](t, next(t, conn, msgQuote))
	if q["ready"] != false || q["price_display"] != "0.65" {
		t.Errorf("side only quote = %v", q)
	}

	send(t, conn, clientMessage{Type: cmdSetAmount, Amount: "100"})
	q = decode[map[string]any](t, next(t, conn, msgQuote))
	if q["ready"] != true || q["shares_display"] != "153.85" {
		t.Errorf("full quote = %v", q)
	}

	send(t, conn, clientMessage{Type: cmdPlaceTrade})
	toast := decode[domain.Notice](t, next(t, conn, msgToast))
	if toast.Level != domain.NoticeSuccess || toast.Message != "Trade placed: YES $100" {
		t.Errorf("toast = %+v", toast)
	}
	if f.trades.count() != 1 {
		t.Errorf("stored %d trades", f.trades.count())
	}
}

func TestSessionDisconnectDuringSubmitKeepsTrade(t *testing.T) {
	f := newFixture(t, "u-1")
	f.trades.gate = make(chan struct{})
	f.trades.entered = make(chan struct{}, 1)
	conn := f.dial(t)
	next(t, conn, msgMarkets)

	send(t, conn, clientMessage{Type: cmdOpenMarket, MarketID: "m-1"})
	next(t, conn, msgMarket)
	send(t, conn, clientMessage{Type: cmdSelectSide, Side: "yes"})
	send(t, conn, clientMessage{Type: cmdSetAmount, Amount: "20"})
	send(t, conn, clientMessage{Type: cmdPlaceTrade})

	select {
	case <-f.trades.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("trade never reached the store")
	}
	conn.Close()

	// Wait for the session to tear down its list subscription; the session
	// context is cancelled right after.
	deadline := time.Now().Add(2 * time.Second)
	for !f.feed.released() {
		if time.Now().After(deadline) {
			t.Fatal("session did not shut down")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.trades.gate)

	deadline = time.Now().Add(2 * time.Second)
	for f.hub.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.trades.count(); n != 1 {
		t.Errorf("stored %d trades after disconnect, want 1", n)
	}
}

func TestSessionAnonymousTradeRedirects(t *testing.T) {
	f := newFixture(t, "")
	conn := f.dial(t)

	send(t, conn, clientMessage{Type: cmdOpenMarket, MarketID: "m-1"})
	next(t, conn, msgMarket)
	send(t, conn, clientMessage{Type: cmdSelectSide, Side: "no"})
	send(t, conn, clientMessage{Type: cmdSetAmount, Amount: "10"})
	send(t, conn, clientMessage{Type: cmdPlaceTrade})

	r := decode[redirectPayload](t, next(t, conn, msgRedirect))
	if r.Path != "/login" {
		t.Errorf("redirect = %q", r.Path)
	}
	if f.trades.count() != 0 {
		t.Error("anonymous trade reached the store")
	}
}

func TestSessionMissingMarket(t *testing.T) {
	f := newFixture(t, "u-1")
	conn := f.dial(t)

	send(t, conn, clientMessage{Type: cmdOpenMarket, MarketID: "missing-1"})
	toast := decode[domain.Notice](t, next(t, conn, msgToast))
	if toast.Message != "Market not found" {
		t.Errorf("toast = %+v", toast)
	}
	if r := decode[redirectPayload](t, next(t, conn, msgRedirect)); r.Path != "/games" {
		t.Errorf("redirect = %q", r.Path)
	}
	snap := decode[view.DetailSnapshot](t, next(t, conn, msgMarket))
	if snap.State != view.DetailNotFound || snap.Market != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHubRunClosesSessions(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.hub.Run(ctx) }()

	conn := f.dial(t)
	next(t, conn, msgSession)
	if n := f.hub.SessionCount(); n != 1 {
		t.Fatalf("sessions = %d", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still registered after hub stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.feed.mu.Lock()
	defer f.feed.mu.Unlock()
	select {
	case _, open := <-f.feed.subs[0].events:
		if open {
			t.Error("unexpected event on released subscription")
		}
	default:
		t.Error("list subscription not released")
	}
}
