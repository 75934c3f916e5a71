package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memMarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
	order   []domain.Market
	gets    int
	err     error
	// during runs inside GetByID after the row was read.
	during func()
}

func (s *memMarketStore) List(context.Context) ([]domain.Market, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.order, nil
}

func (s *memMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	if s.err != nil {
		return domain.Market{}, s.err
	}
	m, ok := s.markets[id]
	if s.during != nil {
		s.during()
	}
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]domain.Market
	gens    map[string]int64
	getErr  error
	genErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]domain.Market{}, gens: map[string]int64{}}
}

func (c *memCache) Generation(_ context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genErr != nil {
		return 0, c.genErr
	}
	return c.gens[id], nil
}

func (c *memCache) Set(_ context.Context, m domain.Market, gen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[m.ID] != gen {
		return nil
	}
	c.entries[m.ID] = m
	return nil
}

func (c *memCache) cached(id string) (domain.Market, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[id]
	return m, ok
}

func (c *memCache) Get(_ context.Context, id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.Market{}, c.getErr
	}
	m, ok := c.entries[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	delete(c.entries, id)
	return nil
}

func TestMarketServiceReadThrough(t *testing.T) {
	store := &memMarketStore{markets: map[string]domain.Market{
		"m-1": {ID: "m-1", Title: "Rain", Probability: 0.4},
	}}
	cache := newMemCache()
	svc := NewMarketService(store, cache, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m, err := svc.GetByID(ctx, "m-1")
		if err != nil {
			t.Fatal(err)
		}
		if m.Title != "Rain" {
			t.Errorf("title = %q", m.Title)
		}
	}
	if store.gets != 1 {
		t.Errorf("store reads = %d, want 1", store.gets)
	}

	store.markets["m-1"] = domain.Market{ID: "m-1", Title: "Rain (edited)", Probability: 0.5}
	if err := svc.Invalidate(ctx, "m-1"); err != nil {
		t.Fatal(err)
	}
	m, err := svc.GetByID(ctx, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Title != "Rain (edited)" || store.gets != 2 {
		t.Errorf("after invalidate: %q, reads=%d", m.Title, store.gets)
	}
}

func TestMarketServiceInvalidationDuringReadWins(t *testing.T) {
	store := &memMarketStore{markets: map[string]domain.Market{
		"m-1": {ID: "m-1", Title: "Rain", Probability: 0.4},
	}}
	cache := newMemCache()
	svc := NewMarketService(store, cache, quietLogger())
	ctx := context.Background()

	// The row changes and the relay invalidates while the old row is in
	// flight back from the store.
	store.during = func() {
		store.markets["m-1"] = domain.Market{ID: "m-1", Title: "Rain (edited)", Probability: 0.5}
		if err := svc.Invalidate(ctx, "m-1"); err != nil {
			t.Error(err)
		}
	}
	m, err := svc.GetByID(ctx, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Title != "Rain" {
		t.Errorf("first read = %q", m.Title)
	}
	if _, ok := cache.cached("m-1"); ok {
		t.Fatal("stale snapshot written back after invalidation")
	}

	store.during = nil
	m, err = svc.GetByID(ctx, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Title != "Rain (edited)" {
		t.Errorf("second read = %q", m.Title)
	}
	if c, ok := cache.cached("m-1"); !ok || c.Title != "Rain (edited)" {
		t.Errorf("cache = %+v, %v", c, ok)
	}
}

func TestMarketServiceGenerationOutageSkipsCache(t *testing.T) {
	store := &memMarketStore{markets: map[string]domain.Market{"m-1": {ID: "m-1"}}}
	cache := newMemCache()
	cache.genErr = errors.New("redis down")
	svc := NewMarketService(store, cache, quietLogger())

	if _, err := svc.GetByID(context.Background(), "m-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.cached("m-1"); ok {
		t.Error("snapshot cached without a generation")
	}
}

func TestMarketServiceNotFound(t *testing.T) {
	svc := NewMarketService(&memMarketStore{markets: map[string]domain.Market{}}, newMemCache(), quietLogger())
	_, err := svc.GetByID(context.Background(), "missing-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMarketServiceCacheOutageFallsBack(t *testing.T) {
	store := &memMarketStore{markets: map[string]domain.Market{"m-1": {ID: "m-1"}}}
	cache := newMemCache()
	cache.getErr = errors.New("redis down")
	svc := NewMarketService(store, cache, quietLogger())

	if _, err := svc.GetByID(context.Background(), "m-1"); err != nil {
		t.Fatalf("cache outage should fall back to the store: %v", err)
	}
}

func TestMarketServiceListWrapsStoreError(t *testing.T) {
	storeErr := &domain.StoreError{Op: "list markets", Message: "permission denied"}
	svc := NewMarketService(&memMarketStore{err: storeErr}, nil, quietLogger())

	_, err := svc.List(context.Background())
	if domain.BackendMessage(err) != "permission denied" {
		t.Errorf("err = %v", err)
	}
}

type memTradeStore struct {
	mu   sync.Mutex
	recs []domain.TradeRecord
	err  error
}

func (s *memTradeStore) Insert(_ context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
	detail []map[string]any
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *memAudit) List(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

type memBus struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

type countingLimiter struct {
	mu    sync.Mutex
	seen  map[string]int
	limit int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]int{}
	}
	if l.seen[key] >= limit {
		return false, nil
	}
	l.seen[key]++
	return true, nil
}

type recAlerts struct {
	placed chan domain.TradeRecord
	failed chan error
}

func newRecAlerts() *recAlerts {
	return &recAlerts{placed: make(chan domain.TradeRecord, 4), failed: make(chan error, 4)}
}

func (a *recAlerts) TradePlaced(_ context.Context, rec domain.TradeRecord) error {
	a.placed <- rec
	return nil
}

func (a *recAlerts) TradeFailed(_ context.Context, _ domain.TradeRecord, cause error) error {
	a.failed <- cause
	return nil
}

func sampleRecord() domain.TradeRecord {
	return domain.TradeRecord{
		UserID:   "u-1",
		MarketID: "m-1",
		Side:     domain.SideYes,
		Amount:   100,
		Shares:   153.8462,
		Price:    0.65,
	}
}

func TestTradeServiceSubmit(t *testing.T) {
	store := &memTradeStore{}
	audit := &memAudit{}
	bus := &memBus{}
	alerts := newRecAlerts()
	svc := NewTradeService(store, audit, bus, nil, alerts, TradeLimits{}, quietLogger())
	fixed := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	saved, err := svc.Submit(context.Background(), sampleRecord())
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" {
		t.Error("id not assigned")
	}
	if saved.Status != domain.TradeStatusPending || !saved.CreatedAt.Equal(fixed) {
		t.Errorf("saved = %+v", saved)
	}
	if len(store.recs) != 1 || store.recs[0] != saved {
		t.Errorf("stored = %+v", store.recs)
	}

	if len(audit.events) != 1 || audit.events[0] != "trade_placed" || audit.detail[0]["trade_id"] != saved.ID {
		t.Errorf("audit = %v %v", audit.events, audit.detail)
	}

	if len(bus.channels) != 1 || bus.channels[0] != TradesChannel {
		t.Fatalf("bus = %v", bus.channels)
	}
	var published domain.TradeRecord
	if err := json.Unmarshal(bus.payloads[0], &published); err != nil {
		t.Fatal(err)
	}
	if published.ID != saved.ID {
		t.Errorf("published id = %q", published.ID)
	}

	select {
	case rec := <-alerts.placed:
		if rec.ID != saved.ID {
			t.Errorf("alerted id = %q", rec.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("operator alert not sent")
	}
}

func TestTradeServiceKeepsClientID(t *testing.T) {
	store := &memTradeStore{}
	svc := NewTradeService(store, nil, nil, nil, nil, TradeLimits{}, quietLogger())
	rec := sampleRecord()
	rec.ID = "0b5e1cfa-52cc-4bd8-9c5c-7f0e3f4b9a11"

	saved, err := svc.Submit(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != rec.ID {
		t.Errorf("id = %q", saved.ID)
	}
}

func TestTradeServiceInsertFailure(t *testing.T) {
	storeErr := &domain.StoreError{Op: "insert trade", Message: "market closed"}
	audit := &memAudit{}
	bus := &memBus{}
	alerts := newRecAlerts()
	svc := NewTradeService(&memTradeStore{err: storeErr}, audit, bus, nil, alerts, TradeLimits{}, quietLogger())

	_, err := svc.Submit(context.Background(), sampleRecord())
	if !errors.Is(err, storeErr) || domain.BackendMessage(err) != "market closed" {
		t.Fatalf("err = %v", err)
	}
	if len(audit.events) != 1 || audit.events[0] != "trade_failed" || audit.detail[0]["error"] == nil {
		t.Errorf("audit = %v %v", audit.events, audit.detail)
	}
	if len(bus.channels) != 0 {
		t.Error("failed trade must not be published")
	}
	select {
	case cause := <-alerts.failed:
		if !errors.Is(cause, storeErr) {
			t.Errorf("alert cause = %v", cause)
		}
	case <-time.After(2 * time.Second):
		t.Error("failure alert not sent")
	}
}

func TestTradeServiceRateLimit(t *testing.T) {
	store := &memTradeStore{}
	limiter := &countingLimiter{}
	svc := NewTradeService(store, nil, nil, limiter, nil, TradeLimits{Max: 2, Window: time.Minute}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Submit(ctx, sampleRecord()); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := svc.Submit(ctx, sampleRecord()); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("third submit err = %v", err)
	}
	if len(store.recs) != 2 {
		t.Errorf("stored %d, want 2", len(store.recs))
	}

	other := sampleRecord()
	other.UserID = "u-2"
	if _, err := svc.Submit(ctx, other); err != nil {
		t.Errorf("limit must be per user: %v", err)
	}
}

func TestTradeServiceLimiterOutageFailsOpen(t *testing.T) {
	store := &memTradeStore{}
	limiter := &countingLimiter{err: errors.New("redis down")}
	svc := NewTradeService(store, nil, nil, limiter, nil, TradeLimits{Max: 1, Window: time.Minute}, quietLogger())

	if _, err := svc.Submit(context.Background(), sampleRecord()); err != nil {
		t.Fatal(err)
	}
	if len(store.recs) != 1 {
		t.Error("trade not stored")
	}
}
