package view

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeReader struct {
	markets map[string]domain.Market
	err     error
	gate    chan struct{}
}

func (r *fakeReader) GetByID(_ context.Context, id string) (domain.Market, error) {
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return domain.Market{}, r.err
	}
	m, ok := r.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

type fakeTrades struct {
	mu      sync.Mutex
	records []domain.TradeRecord
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeTrades) Submit(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.TradeRecord{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	if f.err != nil {
		return domain.TradeRecord{}, f.err
	}
	rec.ID = "t-1"
	return rec, nil
}

func (f *fakeTrades) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeIdentity struct{ user string }

func (f fakeIdentity) CurrentUser(context.Context) (string, bool) {
	return f.user, f.user != ""
}

type recNavigator struct {
	mu       sync.Mutex
	toList   int
	toSignIn int
}

func (n *recNavigator) ToList() {
	n.mu.Lock()
	n.toList++
	n.mu.Unlock()
}

func (n *recNavigator) ToSignIn() {
	n.mu.Lock()
	n.toSignIn++
	n.mu.Unlock()
}

type recNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *recNotifier) Notify(notice domain.Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recNotifier) all() []domain.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notice(nil), n.notices...)
}

// listResponse is one scripted answer of scriptedLister. A non-nil gate
// holds the answer until it is closed.
type listResponse struct {
	markets []domain.Market
	err     error
	gate    chan struct{}
}

type scriptedLister struct {
	mu        sync.Mutex
	responses []listResponse
	calls     int
	started   chan int
}

func newScriptedLister(responses ...listResponse) *scriptedLister {
	return &scriptedLister{responses: responses, started: make(chan int, 64)}
}

func (l *scriptedLister) List(context.Context) ([]domain.Market, error) {
	l.mu.Lock()
	i := l.calls
	l.calls++
	r := l.responses[min(i, len(l.responses)-1)]
	l.mu.Unlock()

	l.started <- i
	if r.gate != nil {
		<-r.gate
	}
	return r.markets, r.err
}

func (l *scriptedLister) waitCall(t *testing.T, want int) {
	t.Helper()
	for {
		select {
		case i := <-l.started:
			if i == want {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("list call %d never started", want)
		}
	}
}

type fakeSub struct {
	events chan domain.ChangeEvent
	mu     sync.Mutex
	unsubs int
	once   sync.Once
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	s.unsubs++
	s.mu.Unlock()
	s.once.Do(func() { close(s.events) })
}

func (s *fakeSub) unsubscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs
}

// drop ends the subscription from the feed side, as a lost connection does.
func (s *fakeSub) drop() {
	s.once.Do(func() { close(s.events) })
}

// fakeFeed hands out sub on the first Subscribe and a fresh subscription on
// every later one. failNext makes that many later calls fail first.
type fakeFeed struct {
	sub *fakeSub
	err error

	mu       sync.Mutex
	calls    int
	failNext int
	later    []*fakeSub
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{sub: newFakeSub()}
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan domain.ChangeEvent, 8)}
}

func (f *fakeFeed) Subscribe(context.Context) (domain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return f.sub, nil
	}
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("feed unavailable")
	}
	sub := newFakeSub()
	f.later = append(f.later, sub)
	return sub, nil
}

// latest returns the most recent subscription handed out.
func (f *fakeFeed) latest() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.later) == 0 {
		return f.sub
	}
	return f.later[len(f.later)-1]
}

func (f *fakeFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
