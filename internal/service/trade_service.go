package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// TradesChannel is the bus channel booked trades are announced on.
const TradesChannel = "ch:trades"

// OperatorAlerts receives trade outcomes for operator channels.
type OperatorAlerts interface {
	TradePlaced(ctx context.Context, rec domain.TradeRecord) error
	TradeFailed(ctx context.Context, rec domain.TradeRecord, cause error) error
}

// TradeLimits caps how many trades one user may submit per window. A zero
// Max disables the limit.
type TradeLimits struct {
	Max    int
	Window time.Duration
}

// TradeService books trade records in market_bets. Side effects after the
// insert (audit, bus, operator alerts) never fail the trade.
type TradeService struct {
	trades  domain.TradeStore
	audit   domain.AuditStore
	bus     domain.SignalBus
	limiter domain.RateLimiter
	alerts  OperatorAlerts
	limits  TradeLimits
	now     func() time.Time
	logger  *slog.Logger
}

// NewTradeService creates a TradeService. audit, bus, limiter and alerts may
// be nil.
func NewTradeService(
	trades domain.TradeStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	limiter domain.RateLimiter,
	alerts OperatorAlerts,
	limits TradeLimits,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		trades:  trades,
		audit:   audit,
		bus:     bus,
		limiter: limiter,
		alerts:  alerts,
		limits:  limits,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "trade_service")),
	}
}

// Submit rate-limits the user, assigns an id and timestamp, and inserts the
// record with status pending. The stored record is returned.
func (s *TradeService) Submit(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error) {
	if err := s.allow(ctx, rec.UserID); err != nil {
		return rec, err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = domain.TradeStatusPending
	rec.CreatedAt = s.now().UTC()

	if err := s.trades.Insert(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "trade insert failed",
			slog.String("trade_id", rec.ID),
			slog.String("market_id", rec.MarketID),
			slog.String("error", err.Error()),
		)
		s.record(ctx, "trade_failed", rec, err)
		if s.alerts != nil {
			go s.alert(ctx, func(ctx context.Context) error { return s.alerts.TradeFailed(ctx, rec, err) })
		}
		return rec, fmt.Errorf("trade_service: insert: %w", err)
	}

	s.record(ctx, "trade_placed", rec, nil)
	s.publish(ctx, rec)
	if s.alerts != nil {
		go s.alert(ctx, func(ctx context.Context) error { return s.alerts.TradePlaced(ctx, rec) })
	}

	s.logger.InfoContext(ctx, "trade placed",
		slog.String("trade_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("market_id", rec.MarketID),
		slog.String("side", string(rec.Side)),
		slog.Float64("amount", rec.Amount),
		slog.Float64("shares", rec.Shares),
	)
	return rec, nil
}

// allow applies the per-user limit. A limiter outage lets the trade through.
func (s *TradeService) allow(ctx context.Context, userID string) error {
	if s.limiter == nil || s.limits.Max <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "trade:"+userID, s.limits.Max, s.limits.Window)
	if err != nil {
		s.logger.WarnContext(ctx, "trade rate limiter unavailable",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("trade_service: user %s: %w", userID, domain.ErrRateLimited)
	}
	return nil
}

func (s *TradeService) record(ctx context.Context, event string, rec domain.TradeRecord, cause error) {
	if s.audit == nil {
		return
	}
	detail := map[string]any{
		"trade_id":  rec.ID,
		"user_id":   rec.UserID,
		"market_id": rec.MarketID,
		"side":      string(rec.Side),
		"amount":    rec.Amount,
		"shares":    rec.Shares,
		"price":     rec.Price,
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) publish(ctx context.Context, rec domain.TradeRecord) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, TradesChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish trade failed",
			slog.String("trade_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// alert runs an operator notification detached from the request.
func (s *TradeService) alert(ctx context.Context, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := send(ctx); err != nil {
		s.logger.WarnContext(ctx, "operator alert failed", slog.String("error", err.Error()))
	}
}
