package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketdesk/internal/domain"
	"github.com/alanyoungcy/marketdesk/internal/pricing"
	"github.com/alanyoungcy/marketdesk/internal/view"
)

// MarketService defines the reads the market handler needs. It is declared
// locally so the handler package does not depend on the concrete service.
type MarketService interface {
	view.MarketLister
	view.MarketReader
}

// MarketHandler serves the market list, market detail and trade quote.
type MarketHandler struct {
	markets MarketService
	paths   Paths
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, paths Paths, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		paths:   paths,
		logger:  logHandler(logger, "market"),
	}
}

// marketDetail is a market with both side prices attached.
type marketDetail struct {
	domain.Market
	PriceYes        float64 `json:"price_yes"`
	PriceNo         float64 `json:"price_no"`
	PriceYesDisplay string  `json:"price_yes_display"`
	PriceNoDisplay  string  `json:"price_no_display"`
}

func newMarketDetail(m domain.Market) marketDetail {
	yes := pricing.PriceFor(m, domain.SideYes)
	no := pricing.PriceFor(m, domain.SideNo)
	return marketDetail{
		Market:          m,
		PriceYes:        yes,
		PriceNo:         no,
		PriceYesDisplay: pricing.DisplayRound(yes),
		PriceNoDisplay:  pricing.DisplayRound(no),
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Count   int             `json:"count"`
	Query   string          `json:"query,omitempty"`
}

// ListMarkets returns every market ordered by end date, optionally filtered
// by a case-insensitive title search.
// GET /api/markets?q=term
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to load markets")
		return
	}

	q := r.URL.Query().Get("q")
	visible := view.FilterByTitle(markets, q)
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: visible,
		Count:   len(visible),
		Query:   q,
	})
}

// GetMarket returns one market with its side prices.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	v, ok := loadDetail(w, r, newRequestUI(h.paths), view.DetailDeps{Markets: h.markets}, h.logger)
	if !ok {
		return
	}
	defer v.Close()

	snap := v.Snapshot()
	writeJSON(w, http.StatusOK, newMarketDetail(*snap.Market))
}

// GetQuote previews a trade without placing it. side and amount are
// optional; the estimate is 0 until both are present.
// GET /api/markets/{id}/quote?side=yes&amount=100
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var side domain.Side
	if raw := q.Get("side"); raw != "" {
		s, err := domain.ParseSide(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "side must be yes or no")
			return
		}
		side = s
	}

	v, ok := loadDetail(w, r, newRequestUI(h.paths), view.DetailDeps{Markets: h.markets}, h.logger)
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
	if err := v.SetAmount(q.Get("amount")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot().Quote)
}

// loadDetail loads the market named in the path into a fresh detail view
// whose navigation and notices go to ui. It writes the error response itself
// when the load fails.
func loadDetail(w http.ResponseWriter, r *http.Request, ui *requestUI, deps view.DetailDeps, logger *slog.Logger) (*view.DetailView, bool) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return nil, false
	}

	deps.Navigator = ui
	deps.Notifier = ui
	v := view.NewDetailView(id, deps, logger)
	if err := v.Load(r.Context()); err != nil {
		v.Close()
		msg, redirect := ui.outcome()
		writeJSON(w, http.StatusNotFound, viewResponse{Error: msg, Redirect: redirect})
		return nil, false
	}
	return v, true
}
