package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/view"
)

// TradeHandler places trades. Each request runs a detail view through load,
// intent entry and submission, so REST clients get the same checks and
// messages as websocket sessions.
type TradeHandler struct {
	markets  view.MarketReader
	trades   view.TradeSubmitter
	identity view.Identity
	paths    Paths
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(markets view.MarketReader, trades view.TradeSubmitter, identity view.Identity, paths Paths, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		markets:  markets,
		trades:   trades,
		identity: identity,
		paths:    paths,
		logger:   logHandler(logger, "trade"),
	}
}

type placeTradeRequest struct {
	Side   string     `json:"side"`
	Amount amountText `json:"amount"`
}

// PlaceTrade submits a trade on the market in the path.
// POST /api/markets/{id}/trades {"side":"yes","amount":"100"}
//
// 401 with a sign-in redirect when anonymous, 400 on validation, 404 when
// the market does not exist, 429 when the user is rate limited, 502 when the
// store rejects the write, 201 with the stored record otherwise.
func (h *TradeHandler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req placeTradeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var side domain.Side
	if req.Side != "" {
		s, err := domain.ParseSide(req.Side)
		if err != nil {
			writeError(w, http.StatusBadRequest, "side must be yes or no")
			return
		}
		side = s
	}

	ui := newRequestUI(h.paths)
	v, ok := loadDetail(w, r, ui, view.DetailDeps{
		Markets:  h.markets,
		Trades:   h.trades,
		Identity: h.identity,
	}, h.logger)
	if !ok {
		return
	}
	defer v.Close()

	if side != "" {
		if err := v.SelectSide(side); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := v.SetAmount(string(req.Amount)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := v.PlaceTrade(r.Context())
	msg, redirect := ui.outcome()
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, viewResponse{Message: msg, Trade: &rec})
	case errors.Is(err, domain.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, viewResponse{Error: "sign in required", Redirect: redirect})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, viewResponse{Error: msg})
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, viewResponse{Error: msg})
	default:
		h.logger.ErrorContext(r.Context(), "place trade failed",
			slog.String("market_id", v.MarketID()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadGateway, viewResponse{Error: msg})
	}
}
