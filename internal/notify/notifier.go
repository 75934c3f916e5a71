// Package notify delivers operator alerts about desk activity to chat
// channels. Alerts are dispatched to every registered sender (Telegram,
// Discord) and filtered by event type so operators only get what they asked
// for.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/pricing"
)

// Event types understood by the desk.
const (
	EventTradePlaced = "trade_placed"
	EventTradeFailed = "trade_failed"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders. Notify only forwards
// events in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// TradePlaced alerts operators about a booked trade.
func (n *Notifier) TradePlaced(ctx context.Context, rec domain.TradeRecord) error {
	msg := fmt.Sprintf("%s $%s on %s\nshares %s at %s\nuser %s",
		rec.Side.Upper(),
		pricing.DisplayRound(rec.Amount),
		rec.MarketID,
		pricing.DisplayRound(rec.Shares),
		pricing.DisplayRound(rec.Price),
		rec.UserID,
	)
	return n.Notify(ctx, EventTradePlaced, "Trade placed", msg)
}

// TradeFailed alerts operators about a rejected trade submission.
func (n *Notifier) TradeFailed(ctx context.Context, rec domain.TradeRecord, cause error) error {
	msg := fmt.Sprintf("%s $%s on %s\nuser %s\nerror: %v",
		rec.Side.Upper(),
		pricing.DisplayRound(rec.Amount),
		rec.MarketID,
		rec.UserID,
		cause,
	)
	return n.Notify(ctx, EventTradeFailed, "Trade failed", msg)
}

// dispatch sends to every sender. A failing sender does not stop delivery
// to the rest; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
