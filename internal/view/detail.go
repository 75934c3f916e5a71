package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/pricing"
)

// Notice texts shown by the detail view.
const (
	msgMarketNotFound = "Market not found"
	msgNeedSideAmount = "Please select a side and enter an amount"
	msgInvalidAmount  = "Please enter a valid amount"
	msgUntradable     = "This side cannot be traded at the current price"
	msgTradeFailed    = "Failed to place trade"
	msgRateLimited    = "too many trades, please wait a moment"
)

// submitTimeout bounds a trade insert once it is detached from the caller.
const submitTimeout = 30 * time.Second

// DetailState is the lifecycle state of a DetailView.
type DetailState string

const (
	DetailLoading    DetailState = "loading"
	DetailReady      DetailState = "ready"
	DetailSubmitting DetailState = "submitting"
	DetailNotFound   DetailState = "not_found"
)

// DetailSnapshot is the render state of a detail view.
type DetailSnapshot struct {
	State  DetailState    `json:"state"`
	Market *domain.Market `json:"market,omitempty"`
	Quote  pricing.Quote  `json:"quote"`
}

// DetailDeps are the collaborators of a DetailView. Navigator and Notifier
// may be nil.
type DetailDeps struct {
	Markets   MarketReader
	Trades    TradeSubmitter
	Identity  Identity
	Navigator Navigator
	Notifier  Notifier
}

// DetailView drives one market's detail screen: load, side and amount entry
// with a live estimate, and trade submission.
//
// Methods are safe for concurrent use. Store calls run without the lock held
// and their results are dropped once the view is closed.
type DetailView struct {
	marketID string
	markets  MarketReader
	trades   TradeSubmitter
	identity Identity
	nav      Navigator
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	state    DetailState
	market   domain.Market
	side     domain.Side
	amount   string
	closed   bool
	onChange func(DetailSnapshot)
}

// NewDetailView creates a view for marketID. Call Load to fetch the market.
func NewDetailView(marketID string, deps DetailDeps, logger *slog.Logger) *DetailView {
	v := &DetailView{
		marketID: marketID,
		markets:  deps.Markets,
		trades:   deps.Trades,
		identity: deps.Identity,
		nav:      deps.Navigator,
		notifier: deps.Notifier,
		logger:   logger.With(slog.String("component", "detail_view"), slog.String("market_id", marketID)),
		state:    DetailLoading,
	}
	if v.nav == nil {
		v.nav = nopNavigator{}
	}
	if v.notifier == nil {
		v.notifier = nopNotifier{}
	}
	return v
}

// OnChange registers fn to receive a snapshot after every state change. fn
// runs with the view locked and must not call back into the view.
func (v *DetailView) OnChange(fn func(DetailSnapshot)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// MarketID returns the id the view was opened for.
func (v *DetailView) MarketID() string { return v.marketID }

// Load fetches the market. A missing market or a failed read moves the view
// to DetailNotFound, notifies the user and navigates back to the list; there
// is no retry.
func (v *DetailView) Load(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return domain.ErrViewClosed
	}
	v.state = DetailLoading
	v.mu.Unlock()

	m, err := v.markets.GetByID(ctx, v.marketID)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return domain.ErrViewClosed
	}

	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			v.logger.Error("market load failed", slog.String("error", err.Error()))
		}
		v.state = DetailNotFound
		v.notifier.Notify(domain.Notice{Level: domain.NoticeError, Message: msgMarketNotFound})
		v.nav.ToList()
		v.emit()
		return fmt.Errorf("view: load market %s: %w", v.marketID, err)
	}

	v.market = m
	v.state = DetailReady
	v.resetIntent()
	v.emit()
	return nil
}

// SelectSide picks the side to trade and refreshes the estimate. Intent is
// frozen while a trade is in flight.
func (v *DetailView) SelectSide(side domain.Side) error {
	if side != domain.SideYes && side != domain.SideNo {
		return fmt.Errorf("view: %w: unknown side %q", domain.ErrValidation, side)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.editable(); err != nil {
		return err
	}
	v.side = side
	v.emit()
	return nil
}

// SetAmount stores the raw amount text and refreshes the estimate. Without a
// selected side the estimate stays 0.
func (v *DetailView) SetAmount(amount string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.editable(); err != nil {
		return err
	}
	v.amount = amount
	v.emit()
	return nil
}

// PlaceTrade submits the current intent. Preconditions are checked in order:
// a signed-in user (else navigate to sign-in), a side and an amount (else a
// validation notice), then a positive amount and a tradable price. On
// success the intent is cleared; on failure it is kept so the user can retry.
func (v *DetailView) PlaceTrade(ctx context.Context) (domain.TradeRecord, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return domain.TradeRecord{}, domain.ErrViewClosed
	}
	switch v.state {
	case DetailReady:
	case DetailSubmitting:
		v.mu.Unlock()
		return domain.TradeRecord{}, ErrTradeInFlight
	default:
		v.mu.Unlock()
		return domain.TradeRecord{}, ErrNotReady
	}

	userID, ok := v.identity.CurrentUser(ctx)
	if !ok {
		v.nav.ToSignIn()
		v.mu.Unlock()
		return domain.TradeRecord{}, domain.ErrUnauthenticated
	}

	if v.side == "" || v.amount == "" {
		v.notifyValidation(msgNeedSideAmount)
		v.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("view: %w: side and amount required", domain.ErrValidation)
	}
	amount, ok := pricing.ParseAmount(v.amount)
	if !ok || amount <= 0 {
		v.notifyValidation(msgInvalidAmount)
		v.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("view: %w: invalid amount %q", domain.ErrValidation, v.amount)
	}
	price := pricing.PriceFor(v.market, v.side)
	if price == 0 {
		v.notifyValidation(msgUntradable)
		v.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("view: %w: %w", domain.ErrValidation, domain.ErrUntradablePrice)
	}
	shares, err := pricing.EstimateShares(v.amount, v.market, v.side)
	if err != nil {
		v.notifyValidation(msgInvalidAmount)
		v.mu.Unlock()
		return domain.TradeRecord{}, fmt.Errorf("view: %w: %w", domain.ErrValidation, err)
	}

	rec := domain.TradeRecord{
		UserID:   userID,
		MarketID: v.market.ID,
		Side:     v.side,
		Amount:   amount,
		Shares:   pricing.RoundShares(shares),
		Price:    price,
		Status:   domain.TradeStatusPending,
	}
	amountText := v.amount
	v.state = DetailSubmitting
	v.emit()
	v.mu.Unlock()

	// The insert outlives the caller: a closing connection must not abort a
	// trade the user already committed to.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()
	saved, err := v.trades.Submit(submitCtx, rec)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		if err != nil {
			return rec, err
		}
		return saved, nil
	}
	v.state = DetailReady

	if err != nil {
		v.logger.Error("trade submission failed",
			slog.String("user_id", userID),
			slog.String("side", string(rec.Side)),
			slog.String("error", err.Error()),
		)
		v.notifier.Notify(domain.Notice{Level: domain.NoticeError, Message: tradeFailedMessage(err)})
		v.emit()
		return rec, fmt.Errorf("view: place trade: %w", err)
	}

	v.notifier.Notify(domain.Notice{
		Level:   domain.NoticeSuccess,
		Message: fmt.Sprintf("Trade placed: %s $%s", rec.Side.Upper(), amountText),
	})
	v.resetIntent()
	v.emit()
	return saved, nil
}

// Snapshot returns the current render state.
func (v *DetailView) Snapshot() DetailSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}

// Close detaches the view. Results of calls still in flight are dropped.
func (v *DetailView) Close() {
	v.mu.Lock()
	v.closed = true
	v.onChange = nil
	v.mu.Unlock()
}

func (v *DetailView) editable() error {
	if v.closed {
		return domain.ErrViewClosed
	}
	switch v.state {
	case DetailReady:
		return nil
	case DetailSubmitting:
		return ErrTradeInFlight
	default:
		return ErrNotReady
	}
}

func (v *DetailView) resetIntent() {
	v.side = ""
	v.amount = ""
}

func (v *DetailView) notifyValidation(msg string) {
	v.notifier.Notify(domain.Notice{Level: domain.NoticeValidation, Message: msg})
}

func (v *DetailView) snapshot() DetailSnapshot {
	snap := DetailSnapshot{State: v.state}
	if v.state == DetailReady || v.state == DetailSubmitting {
		m := v.market
		snap.Market = &m
		snap.Quote, _ = pricing.NewQuote(m, v.side, v.amount)
	}
	return snap
}

func (v *DetailView) emit() {
	if v.onChange != nil {
		v.onChange(v.snapshot())
	}
}

// tradeFailedMessage renders a submission failure, keeping the backend's own
// message when it sent one.
func tradeFailedMessage(err error) string {
	if errors.Is(err, domain.ErrRateLimited) {
		return msgTradeFailed + ": " + msgRateLimited
	}
	if msg := domain.BackendMessage(err); msg != "" {
		return msgTradeFailed + ": " + msg
	}
	return msgTradeFailed
}
