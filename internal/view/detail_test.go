package view

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

var rainMarket = domain.Market{
	ID:          "m-1",
	Title:       "Will it rain in London tomorrow?",
	Volume:      12500,
	Liquidity:   3000,
	Traders:     42,
	EndDate:     time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	Probability: 0.65,
}

type detailFixture struct {
	view     *DetailView
	reader   *fakeReader
	trades   *fakeTrades
	nav      *recNavigator
	notifier *recNotifier
}

func newDetailFixture(t *testing.T, marketID, user string, markets ...domain.Market) *detailFixture {
	t.Helper()
	f := &detailFixture{
		reader:   &fakeReader{markets: map[string]domain.Market{}},
		trades:   &fakeTrades{},
		nav:      &recNavigator{},
		notifier: &recNotifier{},
	}
	for _, m := range markets {
		f.reader.markets[m.ID] = m
	}
	f.view = NewDetailView(marketID, DetailDeps{
		Markets:   f.reader,
		Trades:    f.trades,
		Identity:  fakeIdentity{user: user},
		Navigator: f.nav,
		Notifier:  f.notifier,
	}, testLogger())
	return f
}

func (f *detailFixture) load(t *testing.T) {
	t.Helper()
	if err := f.view.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestDetailLoadReady(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	f.load(t)

	snap := f.view.Snapshot()
	if snap.State != DetailReady {
		t.Fatalf("state = %s", snap.State)
	}
	if snap.Market == nil || snap.Market.ID != "m-1" {
		t.Fatalf("market = %+v", snap.Market)
	}
	if snap.Quote.Side != "" || snap.Quote.Amount != "" || snap.Quote.EstimatedShares != 0 {
		t.Errorf("intent not empty: %+v", snap.Quote)
	}
	if len(f.notifier.all()) != 0 || f.nav.toList != 0 {
		t.Error("successful load should not notify or navigate")
	}
}

func TestDetailLoadNotFound(t *testing.T) {
	f := newDetailFixture(t, "missing-1", "u-1", rainMarket)

	err := f.view.Load(context.Background())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	snap := f.view.Snapshot()
	if snap.State != DetailNotFound {
		t.Errorf("state = %s", snap.State)
	}
	if snap.Market != nil {
		t.Error("trade UI should not be rendered for a missing market")
	}
	if f.nav.toList != 1 {
		t.Errorf("toList = %d, want 1", f.nav.toList)
	}
	notices := f.notifier.all()
	if len(notices) != 1 || notices[0] != (domain.Notice{Level: domain.NoticeError, Message: "Market not found"}) {
		t.Errorf("notices = %+v", notices)
	}
	if err := f.view.SelectSide(domain.SideYes); !errors.Is(err, ErrNotReady) {
		t.Errorf("SelectSide after not found: %v", err)
	}
}

func TestDetailLoadStoreFailureIsNotFound(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	f.reader.err = &domain.StoreError{Op: "get market m-1", Err: errors.New("connection refused")}

	if err := f.view.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := f.view.Snapshot().State; got != DetailNotFound {
		t.Errorf("state = %s", got)
	}
	if f.nav.toList != 1 {
		t.Error("expected redirect to list")
	}
}

func TestDetailEstimate(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	f.load(t)

	if err := f.view.SetAmount("100"); err != nil {
		t.Fatal(err)
	}
	if got := f.view.Snapshot().Quote.EstimatedShares; got != 0 {
		t.Errorf("estimate without side = %v, want 0", got)
	}

	if err := f.view.SelectSide(domain.SideYes); err != nil {
		t.Fatal(err)
	}
	first := f.view.Snapshot().Quote
	if math.Abs(first.EstimatedShares-100/0.65) > 1e-9 {
		t.Errorf("estimate = %v", first.EstimatedShares)
	}
	if !first.Ready || first.SharesDisplay != "153.85" {
		t.Errorf("quote = %+v", first)
	}

	if err := f.view.SelectSide(domain.SideYes); err != nil {
		t.Fatal(err)
	}
	if again := f.view.Snapshot().Quote.EstimatedShares; again != first.EstimatedShares {
		t.Errorf("same side twice changed estimate: %v -> %v", first.EstimatedShares, again)
	}

	if err := f.view.SelectSide(domain.SideNo); err != nil {
		t.Fatal(err)
	}
	if got := f.view.Snapshot().Quote.EstimatedShares; math.Abs(got-100/0.35) > 1e-9 {
		t.Errorf("no-side estimate = %v", got)
	}

	for _, amount := range []string{"", "abc", "1e308"} {
		if err := f.view.SetAmount(amount); err != nil {
			t.Fatal(err)
		}
		q := f.view.Snapshot().Quote
		if q.EstimatedShares != 0 || q.SharesDisplay != "0.00" {
			t.Errorf("quote for %q = %+v, want 0 shares", amount, q)
		}
	}

	if err := f.view.SelectSide("maybe"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown side err = %v", err)
	}
}

func TestDetailIntentBeforeLoad(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	if err := f.view.SetAmount("10"); !errors.Is(err, ErrNotReady) {
		t.Errorf("SetAmount before load: %v", err)
	}
	if _, err := f.view.PlaceTrade(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("PlaceTrade before load: %v", err)
	}
}

func TestPlaceTradeRoundTrip(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	f.load(t)
	_ = f.view.SelectSide(domain.SideYes)
	_ = f.view.SetAmount("100")

	saved, err := f.view.PlaceTrade(context.Background())
	if err != nil {
		t.Fatalf("PlaceTrade: %v", err)
	}
	if saved.ID != "t-1" {
		t.Errorf("saved id = %q", saved.ID)
	}
	if f.trades.calls() != 1 {
		t.Fatalf("store calls = %d", f.trades.calls())
	}

	rec := f.trades.records[0]
	want := domain.TradeRecord{
		UserID:   "u-1",
		MarketID: "m-1",
		Side:     domain.SideYes,
		Amount:   100,
		Shares:   153.8462,
		Price:    0.65,
		Status:   domain.TradeStatusPending,
	}
	if rec != want {
		t.Errorf("record = %+v\nwant      %+v", rec, want)
	}

	notices := f.notifier.all()
	if len(notices) != 1 || notices[0] != (domain.Notice{Level: domain.NoticeSuccess, Message: "Trade placed: YES $100"}) {
		t.Errorf("notices = %+v", notices)
	}

	snap := f.view.Snapshot()
	if snap.State != DetailReady || snap.Quote.Side != "" || snap.Quote.Amount != "" || snap.Quote.EstimatedShares != 0 {
		t.Errorf("intent not reset: %+v", snap)
	}
}

func TestPlaceTradeUnauthenticated(t *testing.T) {
	f := newDetailFixture(t, "m-1", "", rainMarket)
	f.load(t)
	_ = f.view.SelectSide(domain.SideNo)
	_ = f.view.SetAmount("25")
	before := f.view.Snapshot()

	_, err := f.view.PlaceTrade(context.Background())
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if f.nav.toSignIn != 1 {
		t.Errorf("toSignIn = %d", f.nav.toSignIn)
	}
	if len(f.notifier.all()) != 0 {
		t.Error("sign-in redirect should not notify")
	}
	if f.trades.calls() != 0 {
		t.Error("store must not be called")
	}
	after := f.view.Snapshot()
	if after.State != before.State || after.Quote != before.Quote {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestPlaceTradeValidation(t *testing.T) {
	tests := []struct {
		name    string
		market  domain.Market
		side    domain.Side
		amount  string
		message string
	}{
		{"no side", rainMarket, "", "50", "Please select a side and enter an amount"},
		{"no amount", rainMarket, domain.SideYes, "", "Please select a side and enter an amount"},
		{"unparsable amount", rainMarket, domain.SideYes, "abc", "Please enter a valid amount"},
		{"negative amount", rainMarket, domain.SideYes, "-5", "Please enter a valid amount"},
		{"zero amount", rainMarket, domain.SideNo, "0", "Please enter a valid amount"},
		{"certain market no side", domain.Market{ID: "m-1", Probability: 1}, domain.SideNo, "10", "This side cannot be traded at the current price"},
		{"overflowing amount", rainMarket, domain.SideYes, "1.7e308", "Please enter a valid amount"},
		{"subnormal price", domain.Market{ID: "m-1", Probability: 1e-320}, domain.SideYes, "10", "Please enter a valid amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDetailFixture(t, "m-1", "u-1", tt.market)
			f.load(t)
			if tt.side != "" {
				_ = f.view.SelectSide(tt.side)
			}
			_ = f.view.SetAmount(tt.amount)

			_, err := f.view.PlaceTrade(context.Background())
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if f.trades.calls() != 0 {
				t.Error("store must not be called")
			}
			notices := f.notifier.all()
			if len(notices) != 1 || notices[0] != (domain.Notice{Level: domain.NoticeValidation, Message: tt.message}) {
				t.Errorf("notices = %+v", notices)
			}
			snap := f.view.Snapshot()
			if snap.State != DetailReady || snap.Quote.Amount != tt.amount {
				t.Errorf("state not preserved: %+v", snap)
			}
		})
	}
}

func TestPlaceTradeFailureKeepsIntent(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "backend message",
			err:     &domain.StoreError{Op: "insert trade", Message: "insufficient balance", Err: errors.New("P0001")},
			message: "Failed to place trade: insufficient balance",
		},
		{
			name:    "transport failure",
			err:     &domain.StoreError{Op: "insert trade", Err: errors.New("connection reset")},
			message: "Failed to place trade",
		},
		{
			name:    "rate limited",
			err:     domain.ErrRateLimited,
			message: "Failed to place trade: too many trades, please wait a moment",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDetailFixture(t, "m-1", "u-1", rainMarket)
			f.trades.err = tt.err
			f.load(t)
			_ = f.view.SelectSide(domain.SideNo)
			_ = f.view.SetAmount("40")

			_, err := f.view.PlaceTrade(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v", err)
			}
			notices := f.notifier.all()
			if len(notices) != 1 || notices[0] != (domain.Notice{Level: domain.NoticeError, Message: tt.message}) {
				t.Errorf("notices = %+v", notices)
			}
			snap := f.view.Snapshot()
			if snap.State != DetailReady || snap.Quote.Side != domain.SideNo || snap.Quote.Amount != "40" {
				t.Errorf("intent lost: %+v", snap)
			}
		})
	}
}

func TestPlaceTradeWhileSubmitting(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	f.trades.gate = make(chan struct{})
	f.trades.entered = make(chan struct{}, 1)
	f.load(t)
	_ = f.view.SelectSide(domain.SideYes)
	_ = f.view.SetAmount("10")

	done := make(chan error, 1)
	go func() {
		_, err := f.view.PlaceTrade(context.Background())
		done <- err
	}()
	<-f.trades.entered

	if got := f.view.Snapshot().State; got != DetailSubmitting {
		t.Errorf("state = %s, want submitting", got)
	}
	if _, err := f.view.PlaceTrade(context.Background()); !errors.Is(err, ErrTradeInFlight) {
		t.Errorf("second submit err = %v", err)
	}
	if err := f.view.SelectSide(domain.SideNo); !errors.Is(err, ErrTradeInFlight) {
		t.Errorf("SelectSide while submitting err = %v", err)
	}
	if err := f.view.SetAmount("999"); !errors.Is(err, ErrTradeInFlight) {
		t.Errorf("SetAmount while submitting err = %v", err)
	}
	if q := f.view.Snapshot().Quote; q.Side != domain.SideYes || q.Amount != "10" {
		t.Errorf("intent changed while submitting: %+v", q)
	}

	close(f.trades.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if f.trades.calls() != 1 {
		t.Errorf("store calls = %d", f.trades.calls())
	}
}

func TestPlaceTradeOutlivesCallerCancel(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	f.trades.gate = make(chan struct{})
	f.trades.entered = make(chan struct{}, 1)
	f.load(t)
	_ = f.view.SelectSide(domain.SideNo)
	_ = f.view.SetAmount("15")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.view.PlaceTrade(ctx)
		done <- err
	}()
	<-f.trades.entered
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(f.trades.gate)

	if err := <-done; err != nil {
		t.Fatalf("PlaceTrade after cancel: %v", err)
	}
	if f.trades.calls() != 1 {
		t.Errorf("store calls = %d, want 1", f.trades.calls())
	}
}

func TestDetailClosedDropsLateResults(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		f := newDetailFixture(t, "m-1", "u-1", rainMarket)
		f.reader.gate = make(chan struct{})
		done := make(chan error, 1)
		go func() { done <- f.view.Load(context.Background()) }()

		f.view.Close()
		close(f.reader.gate)

		if err := <-done; !errors.Is(err, domain.ErrViewClosed) {
			t.Errorf("err = %v", err)
		}
		if got := f.view.Snapshot().State; got != DetailLoading {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("trade", func(t *testing.T) {
		f := newDetailFixture(t, "m-1", "u-1", rainMarket)
		f.trades.gate = make(chan struct{})
		f.trades.entered = make(chan struct{}, 1)
		f.load(t)
		_ = f.view.SelectSide(domain.SideYes)
		_ = f.view.SetAmount("10")

		done := make(chan error, 1)
		go func() {
			_, err := f.view.PlaceTrade(context.Background())
			done <- err
		}()
		<-f.trades.entered
		f.view.Close()
		close(f.trades.gate)

		if err := <-done; err != nil {
			t.Fatal(err)
		}
		if len(f.notifier.all()) != 0 {
			t.Error("closed view should not notify")
		}
	})
}

func TestDetailOnChange(t *testing.T) {
	f := newDetailFixture(t, "m-1", "u-1", rainMarket)
	var states []DetailState
	f.view.OnChange(func(s DetailSnapshot) { states = append(states, s.State) })

	f.load(t)
	_ = f.view.SelectSide(domain.SideYes)
	_ = f.view.SetAmount("5")
	if _, err := f.view.PlaceTrade(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []DetailState{DetailReady, DetailReady, DetailReady, DetailSubmitting, DetailReady}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}
