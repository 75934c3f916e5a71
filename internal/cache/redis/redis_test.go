package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// memBus is an in-process SignalBus.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
	err  error
}

func newMemBus() *memBus { return &memBus{subs: map[string][]chan []byte{}} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-ch:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChangeFeedDeliversAndUnsubscribes(t *testing.T) {
	bus := newMemBus()
	feed := NewChangeFeed(bus, "ch:markets", discardLogger())

	sub, err := feed.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := EncodeChange(domain.ChangeEvent{Table: "markets", Op: domain.ChangeInsert, ID: "m-9"})
	if err := bus.Publish(context.Background(), "ch:markets", payload); err != nil {
		t.Fatal(err)
	}
	_ = bus.Publish(context.Background(), "ch:markets", []byte("{oops"))

	want := []domain.ChangeEvent{
		{Table: "markets", Op: domain.ChangeInsert, ID: "m-9"},
		{Table: "markets", Op: domain.ChangeUpdate},
	}
	for i, w := range want {
		select {
		case got := <-sub.Events():
			if got != w {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	if _, ok := <-sub.Events(); ok {
		t.Error("events channel should be closed after Unsubscribe")
	}
}

func TestChangeFeedSubscribeError(t *testing.T) {
	bus := newMemBus()
	bus.err = errors.New("redis down")
	feed := NewChangeFeed(bus, "ch:markets", discardLogger())

	if _, err := feed.Subscribe(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
}

func TestDecodeChangeDefaults(t *testing.T) {
	ev, err := DecodeChange([]byte(`{"id":"m-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Table != "markets" || ev.Op != domain.ChangeUpdate || ev.ID != "m-1" {
		t.Errorf("got %+v", ev)
	}
}

func TestKeys(t *testing.T) {
	tests := []struct{ got, want string }{
		{marketKey("m-1"), "market:m-1"},
		{generationKey("m-1"), "market:gen:m-1"},
		{sessionKey("tok"), "session:tok"},
		{lockKey("relay"), "lock:relay"},
		{rateLimitKey("trade:u-1"), "ratelimit:trade:u-1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestHasPattern(t *testing.T) {
	if hasPattern("ch:markets") {
		t.Error("plain channel reported as pattern")
	}
	if !hasPattern("ch:*") {
		t.Error("glob channel not detected")
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	if !strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE") {
		t.Error("sliding window script not embedded")
	}
}

func TestSetIfGenerationScriptEmbedded(t *testing.T) {
	for _, want := range []string{"KEYS[2]", "ARGV[1]", "'PX'"} {
		if !strings.Contains(setIfGenerationLua, want) {
			t.Errorf("set script missing %s", want)
		}
	}
}

func TestOptionsTLS(t *testing.T) {
	opts := options(ClientConfig{Addr: "localhost:6379", TLSEnabled: true})
	if opts.TLSConfig == nil {
		t.Fatal("TLS config not set")
	}
	if opts := options(ClientConfig{Addr: "localhost:6379"}); opts.TLSConfig != nil {
		t.Error("TLS config set without TLSEnabled")
	}
}
