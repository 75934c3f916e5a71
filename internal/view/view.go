// Package view holds the market list and market detail controllers. A view
// owns the state one user sees: it fetches from the store, keeps the trade
// intent and pushes notices and navigation to its collaborators. The
// controllers are transport-agnostic; the websocket session and the REST
// handlers host them.
package view

import (
	"context"
	"errors"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

var (
	// ErrNotReady is returned by intent operations before the market loaded
	// or after it was not found.
	ErrNotReady = errors.New("view: market not ready")
	// ErrTradeInFlight is returned when the intent is edited or a trade is
	// placed while the previous one is still being submitted.
	ErrTradeInFlight = errors.New("view: trade already submitting")
)

// Navigator moves the user between screens. Calls are fire-and-forget.
type Navigator interface {
	ToList()
	ToSignIn()
}

// Notifier surfaces transient notices to the user.
type Notifier interface {
	Notify(n domain.Notice)
}

// Identity reports the signed-in user, if any.
type Identity interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// MarketReader loads a single market for the detail view.
type MarketReader interface {
	GetByID(ctx context.Context, id string) (domain.Market, error)
}

// MarketLister loads the full market list.
type MarketLister interface {
	List(ctx context.Context) ([]domain.Market, error)
}

// TradeSubmitter books a trade record and returns it as stored.
type TradeSubmitter interface {
	Submit(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error)
}

// Navigation and notice fallbacks for collaborators a host does not need.
type (
	nopNavigator struct{}
	nopNotifier  struct{}
)

func (nopNavigator) ToList()             {}
func (nopNavigator) ToSignIn()           {}
func (nopNotifier) Notify(domain.Notice) {}
