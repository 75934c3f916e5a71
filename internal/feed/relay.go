// Package feed moves market change notifications from the database onto the
// Redis bus that desk instances subscribe to.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

const relayLockKey = "feed:relay"

var errSourceClosed = errors.New("feed: source subscription closed")

// Invalidator drops cached market snapshots.
type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}

// RelayConfig holds the relay's tunables.
type RelayConfig struct {
	// Channel is the bus channel events are republished onto.
	Channel string
	// LeaderTTL is the lease lifetime. The lease is extended every third of
	// it while this instance relays.
	LeaderTTL time.Duration
	// Retry is the pause before competing for leadership again.
	Retry time.Duration
}

// Relay republishes every change event from the source feed onto the bus and
// invalidates the cached snapshot of the changed market first. Only the
// instance holding the relay lease forwards events, so each change reaches
// the bus once.
type Relay struct {
	source domain.ChangeFeed
	bus    domain.SignalBus
	cache  Invalidator
	locks  domain.LockManager
	cfg    RelayConfig
	logger *slog.Logger
}

// NewRelay creates a Relay. cache and locks may be nil; without locks the
// relay always forwards.
func NewRelay(source domain.ChangeFeed, bus domain.SignalBus, cache Invalidator, locks domain.LockManager, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = cfg.LeaderTTL / 2
	}
	return &Relay{
		source: source,
		bus:    bus,
		cache:  cache,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "feed_relay")),
	}
}

// Run competes for the relay lease and forwards events while holding it. It
// returns nil when ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", slog.String("channel", r.cfg.Channel))
	defer r.logger.Info("relay stopped")

	for {
		err := r.lead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			r.logger.Debug("relay lease held elsewhere")
		case err != nil:
			r.logger.Warn("relay interrupted", slog.String("error", err.Error()))
		}

		timer := time.NewTimer(r.cfg.Retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *Relay) lead(ctx context.Context) error {
	if r.locks == nil {
		return r.forward(ctx)
	}

	lease, err := r.locks.AcquireLease(ctx, relayLockKey, r.cfg.LeaderTTL)
	if err != nil {
		return err
	}
	defer lease.Release()

	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.keepAlive(leadCtx, cancel, lease)

	r.logger.Info("relay lease acquired")
	err = r.forward(leadCtx)
	if leadCtx.Err() != nil && ctx.Err() == nil {
		return errors.New("feed: relay lease lost")
	}
	return err
}

// keepAlive extends the lease until ctx ends and cancels the relay as soon
// as an extension fails.
func (r *Relay) keepAlive(ctx context.Context, cancel context.CancelFunc, lease domain.Lease) {
	ticker := time.NewTicker(r.cfg.LeaderTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx, r.cfg.LeaderTTL); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("relay lease extension failed", slog.String("error", err.Error()))
				}
				cancel()
				return
			}
		}
	}
}

func (r *Relay) forward(ctx context.Context) error {
	sub, err := r.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return errSourceClosed
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev domain.ChangeEvent) {
	if r.cache != nil && ev.ID != "" {
		if err := r.cache.Invalidate(ctx, ev.ID); err != nil {
			r.logger.Warn("cache invalidate failed",
				slog.String("market_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encode change event failed", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Publish(ctx, r.cfg.Channel, payload); err != nil {
		r.logger.Error("publish change event failed",
			slog.String("market_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("change relayed",
		slog.String("op", string(ev.Op)),
		slog.String("market_id", ev.ID),
	)
}
