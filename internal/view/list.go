package view

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

const msgListFailed = "Failed to load markets"

const (
	defaultResubscribeMin = 500 * time.Millisecond
	defaultResubscribeMax = 30 * time.Second
)

// ListState is the lifecycle state of a ListView.
type ListState string

const (
	ListLoading ListState = "loading"
	ListReady   ListState = "ready"
)

// ListOptions tunes the list view.
type ListOptions struct {
	// NotifyErrors surfaces fetch failures through the Notifier. By default
	// they are only logged and the current list stays on screen.
	NotifyErrors bool
	// DiscardStale drops a fetch response when a newer fetch has been issued
	// since. Without it the last response to arrive wins.
	DiscardStale bool
	// ResubscribeMin and ResubscribeMax bound the doubling delay between
	// attempts to resubscribe after the feed drops the subscription.
	// Zero values use 500ms and 30s.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
}

// ListView shows every market ordered by end date and refetches the whole
// list whenever the change feed reports a mutation.
type ListView struct {
	lister   MarketLister
	feed     domain.ChangeFeed
	notifier Notifier
	opts     ListOptions
	logger   *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	state    ListState
	markets  []domain.Market
	search   string
	issued   uint64
	sub      domain.Subscription
	started  bool
	closed   bool
	onChange func([]domain.Market)
	done     chan struct{}

	inflight sync.WaitGroup
}

// NewListView creates a list view. notifier may be nil.
func NewListView(lister MarketLister, feed domain.ChangeFeed, notifier Notifier, opts ListOptions, logger *slog.Logger) *ListView {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.ResubscribeMin <= 0 {
		opts.ResubscribeMin = defaultResubscribeMin
	}
	if opts.ResubscribeMax < opts.ResubscribeMin {
		opts.ResubscribeMax = max(defaultResubscribeMax, opts.ResubscribeMin)
	}
	return &ListView{
		lister:   lister,
		feed:     feed,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With(slog.String("component", "list_view")),
		state:    ListLoading,
		done:     make(chan struct{}),
	}
}

// OnChange registers fn to receive the visible list after every change. fn
// runs with the view locked and must not call back into the view.
func (v *ListView) OnChange(fn func([]domain.Market)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Start issues the initial fetch and then subscribes to the change feed.
// Every change event triggers a full refetch. ctx bounds all fetches the
// view issues. A failed subscription is returned, but the fetched list is
// still shown.
func (v *ListView) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return domain.ErrViewClosed
	}
	if v.started {
		v.mu.Unlock()
		return nil
	}
	v.started = true
	v.ctx = ctx
	v.mu.Unlock()

	v.refresh()

	sub, err := v.feed.Subscribe(ctx)
	if err != nil {
		v.logger.Error("change feed subscribe failed", slog.String("error", err.Error()))
		return fmt.Errorf("view: subscribe markets: %w", err)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		sub.Unsubscribe()
		return domain.ErrViewClosed
	}
	v.sub = sub
	v.mu.Unlock()

	go v.watch(sub)
	return nil
}

// watch refetches on every event until the view is closed. When the feed
// ends the subscription on its own, watch resubscribes and refetches so no
// change made while disconnected is missed.
func (v *ListView) watch(sub domain.Subscription) {
	for {
		for ev := range sub.Events() {
			v.logger.Debug("market change", slog.String("op", string(ev.Op)), slog.String("id", ev.ID))
			v.refresh()
		}
		if sub = v.resubscribe(); sub == nil {
			return
		}
		v.refresh()
	}
}

// resubscribe releases the dropped subscription and retries Subscribe with a
// doubling delay. It returns nil once the view is closed or its context ends.
func (v *ListView) resubscribe() domain.Subscription {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	ctx := v.ctx
	dropped := v.sub
	v.sub = nil
	v.mu.Unlock()
	if dropped != nil {
		dropped.Unsubscribe()
	}

	delay := v.opts.ResubscribeMin
	for attempt := 1; ; attempt++ {
		v.logger.Warn("change feed dropped, resubscribing",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-v.done:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		sub, err := v.feed.Subscribe(ctx)
		if err != nil {
			v.logger.Error("change feed resubscribe failed", slog.String("error", err.Error()))
			delay = min(delay*2, v.opts.ResubscribeMax)
			continue
		}

		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			sub.Unsubscribe()
			return nil
		}
		v.sub = sub
		v.mu.Unlock()
		v.logger.Info("change feed resubscribed", slog.Int("attempt", attempt))
		return sub
	}
}

// refresh issues one list fetch in the background.
func (v *ListView) refresh() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.issued++
	seq := v.issued
	ctx := v.ctx
	v.inflight.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.inflight.Done()
		markets, err := v.lister.List(ctx)
		v.complete(seq, markets, err)
	}()
}

func (v *ListView) complete(seq uint64, markets []domain.Market, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if v.opts.DiscardStale && seq < v.issued {
		v.logger.Debug("discarding stale list response",
			slog.Uint64("seq", seq),
			slog.Uint64("latest", v.issued),
		)
		return
	}

	if err != nil {
		v.logger.Error("market list fetch failed", slog.String("error", err.Error()))
		if v.opts.NotifyErrors {
			v.notifier.Notify(domain.Notice{Level: domain.NoticeError, Message: msgListFailed})
		}
		if v.state == ListLoading {
			v.state = ListReady
			v.emit()
		}
		return
	}

	v.markets = markets
	v.state = ListReady
	v.emit()
}

// SetSearch sets the title filter.
func (v *ListView) SetSearch(term string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.search = term
	if !v.closed {
		v.emit()
	}
}

// Visible returns the markets whose title contains the search term, ignoring
// case, in store order.
func (v *ListView) Visible() []domain.Market {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible()
}

// Markets returns the full unfiltered list.
func (v *ListView) Markets() []domain.Market {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.markets)
}

// State returns the current lifecycle state.
func (v *ListView) State() ListState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Close releases the change-feed subscription. It is idempotent; responses
// that arrive afterwards are ignored.
func (v *ListView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.onChange = nil
	close(v.done)
	sub := v.sub
	v.sub = nil
	v.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (v *ListView) visible() []domain.Market {
	return FilterByTitle(v.markets, v.search)
}

func (v *ListView) emit() {
	if v.onChange != nil {
		v.onChange(v.visible())
	}
}

// FilterByTitle returns the markets whose title contains term, ignoring case.
// An empty term returns a copy of all markets.
func FilterByTitle(markets []domain.Market, term string) []domain.Market {
	term = strings.ToLower(term)
	out := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		if term == "" || strings.Contains(strings.ToLower(m.Title), term) {
			out = append(out, m)
		}
	}
	return out
}
