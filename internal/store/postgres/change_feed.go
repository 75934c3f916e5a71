package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// ChangeFeed implements domain.ChangeFeed with LISTEN/NOTIFY. The
// markets_change_notify trigger publishes one notification per row change.
//
// All subscriptions of a process share one pool connection: the first
// Subscribe issues LISTEN and every notification is fanned out to each
// subscriber. The connection goes back to the pool with the last
// Unsubscribe. If it fails, every subscription is ended and the next
// Subscribe listens again.
type ChangeFeed struct {
	channel string
	connect func(ctx context.Context) (listenConn, error)
	logger  *slog.Logger

	mu       sync.Mutex
	subs     map[*listenSub]struct{}
	listener *listener
}

// listenConn is a connection that has issued LISTEN.
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

// listener is the running receive loop of the shared connection.
type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChangeFeed creates a ChangeFeed listening on channel.
func NewChangeFeed(pool *pgxpool.Pool, channel string, logger *slog.Logger) *ChangeFeed {
	f := &ChangeFeed{
		channel: channel,
		logger:  logger.With(slog.String("component", "pg_change_feed")),
		subs:    make(map[*listenSub]struct{}),
	}
	f.connect = func(ctx context.Context) (listenConn, error) {
		return acquireListen(ctx, pool, channel, f.logger)
	}
	return f
}

// Subscribe registers a subscriber, issuing LISTEN first if no other
// subscription is active. The subscription is live once Subscribe returns.
func (f *ChangeFeed) Subscribe(ctx context.Context) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listener == nil {
		conn, err := f.connect(ctx)
		if err != nil {
			return nil, err
		}
		lctx, cancel := context.WithCancel(context.Background())
		l := &listener{cancel: cancel, done: make(chan struct{})}
		f.listener = l
		go f.run(lctx, conn, l)
	}

	sub := &listenSub{feed: f, events: make(chan domain.ChangeEvent, 16)}
	f.subs[sub] = struct{}{}
	return sub, nil
}

func (f *ChangeFeed) run(ctx context.Context, conn listenConn, l *listener) {
	defer close(l.done)
	defer conn.Release()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Error("wait for notification failed",
					slog.String("channel", f.channel),
					slog.String("error", err.Error()),
				)
				f.drop(l)
			}
			return
		}

		ev, err := parseChangePayload(n.Payload)
		if err != nil {
			f.logger.Warn("malformed change payload",
				slog.String("payload", n.Payload),
				slog.String("error", err.Error()),
			)
		}
		f.broadcast(ev)
	}
}

// broadcast hands ev to every subscriber without blocking. A subscriber
// whose buffer is full already has a refetch pending, so the event is
// skipped for it.
func (f *ChangeFeed) broadcast(ev domain.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.events <- ev:
		default:
			f.logger.Debug("subscriber behind, skipping change", slog.String("id", ev.ID))
		}
	}
}

// drop ends every subscription after the shared connection failed.
func (f *ChangeFeed) drop(l *listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != l {
		return
	}
	f.listener = nil
	for sub := range f.subs {
		close(sub.events)
		delete(f.subs, sub)
	}
}

// remove unregisters sub. Removing the last subscriber stops the listener
// and waits until its connection is released.
func (f *ChangeFeed) remove(sub *listenSub) {
	f.mu.Lock()
	if _, ok := f.subs[sub]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.subs, sub)
	close(sub.events)

	var stopped *listener
	if len(f.subs) == 0 && f.listener != nil {
		stopped = f.listener
		f.listener = nil
	}
	f.mu.Unlock()

	if stopped != nil {
		stopped.cancel()
		<-stopped.done
	}
}

// Subscribers returns the number of active subscriptions.
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// listenSub is one subscriber of the shared listener.
type listenSub struct {
	feed   *ChangeFeed
	events chan domain.ChangeEvent
}

func (s *listenSub) Events() <-chan domain.ChangeEvent { return s.events }

// Unsubscribe is idempotent.
func (s *listenSub) Unsubscribe() { s.feed.remove(s) }

// poolListenConn holds a pool connection that has issued LISTEN.
type poolListenConn struct {
	conn    *pgxpool.Conn
	channel string
	logger  *slog.Logger
}

func acquireListen(ctx context.Context, pool *pgxpool.Pool, channel string, logger *slog.Logger) (listenConn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, storeError("acquire listen conn", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, storeError("listen "+channel, err)
	}
	return &poolListenConn{conn: conn, channel: channel, logger: logger}, nil
}

func (c *poolListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

// Release returns the connection to the pool. A connection that was
// interrupted mid-wait is closed by pgx and discarded by the pool.
func (c *poolListenConn) Release() {
	if !c.conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{c.channel}.Sanitize()); err != nil {
			c.logger.Warn("unlisten failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	c.conn.Release()
}

// parseChangePayload decodes a trigger payload. An unreadable payload still
// yields an event for the markets table, since any change means refetch.
func parseChangePayload(payload string) (domain.ChangeEvent, error) {
	ev := domain.ChangeEvent{Table: "markets", Op: domain.ChangeUpdate}
	if strings.TrimSpace(payload) == "" {
		return ev, errors.New("empty payload")
	}

	var raw domain.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return ev, fmt.Errorf("postgres: decode change payload: %w", err)
	}
	if raw.Table != "" {
		ev.Table = raw.Table
	}
	switch op := domain.ChangeOp(strings.ToLower(string(raw.Op))); op {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
		ev.Op = op
	}
	ev.ID = raw.ID
	return ev, nil
}
