package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// ChangeFeed implements domain.ChangeFeed on top of a SignalBus channel that
// the feed relay republishes database notifications onto. Any number of desk
// instances can subscribe without holding a database connection each.
type ChangeFeed struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
}

// NewChangeFeed creates a ChangeFeed reading from channel on bus.
func NewChangeFeed(bus domain.SignalBus, channel string, logger *slog.Logger) *ChangeFeed {
	return &ChangeFeed{
		bus:     bus,
		channel: channel,
		logger:  logger.With(slog.String("component", "redis_change_feed")),
	}
}

// Subscribe opens a bus subscription. The returned subscription is live
// once Subscribe returns.
func (f *ChangeFeed) Subscribe(ctx context.Context) (domain.Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	raw, err := f.bus.Subscribe(subCtx, f.channel)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &busSub{
		events: make(chan domain.ChangeEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run(subCtx, raw, sub)
	return sub, nil
}

func (f *ChangeFeed) run(ctx context.Context, raw <-chan []byte, sub *busSub) {
	defer close(sub.done)
	defer close(sub.events)

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-raw:
			if !ok {
				return
			}
			ev, err := DecodeChange(payload)
			if err != nil {
				f.logger.Warn("malformed change message",
					slog.String("channel", f.channel),
					slog.String("error", err.Error()),
				)
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

type busSub struct {
	events chan domain.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *busSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *busSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// EncodeChange serialises a change event for the bus.
func EncodeChange(ev domain.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeChange parses a bus message. A malformed message still yields a
// markets event together with the decode error.
func DecodeChange(payload []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.ChangeEvent{Table: "markets", Op: domain.ChangeUpdate}, err
	}
	if ev.Table == "" {
		ev.Table = "markets"
	}
	if ev.Op == "" {
		ev.Op = domain.ChangeUpdate
	}
	return ev, nil
}

// Compile-time interface check.
var _ domain.ChangeFeed = (*ChangeFeed)(nil)
