package pricing

import "github.com/alanyoungcy/marketdesk/internal/domain"

// Quote is the live trade preview for one market, side and amount.
type Quote struct {
	MarketID        string      `json:"market_id"`
	Side            domain.Side `json:"side"`
	Amount          string      `json:"amount"`
	Price           float64     `json:"price"`
	EstimatedShares float64     `json:"estimated_shares"`
	// Ready is true when both a side and an amount are present; the summary
	// is only rendered then.
	Ready         bool   `json:"ready"`
	PriceDisplay  string `json:"price_display"`
	SharesDisplay string `json:"shares_display"`
}

// NewQuote builds the preview for side and amount. side may be empty when the
// user has not picked one yet; the estimate is then 0.
func NewQuote(m domain.Market, side domain.Side, amount string) (Quote, error) {
	q := Quote{
		MarketID: m.ID,
		Side:     side,
		Amount:   amount,
	}
	if side == "" {
		q.SharesDisplay = DisplayRound(0)
		return q, nil
	}

	q.Price = PriceFor(m, side)
	q.PriceDisplay = DisplayRound(q.Price)
	q.Ready = amount != ""

	shares, err := EstimateShares(amount, m, side)
	if err != nil {
		q.SharesDisplay = DisplayRound(0)
		return q, err
	}
	q.EstimatedShares = shares
	q.SharesDisplay = DisplayRound(shares)
	return q, nil
}
