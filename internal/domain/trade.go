package domain

import "time"

// TradeStatus tracks a trade record through the store-side lifecycle. The
// desk only ever writes TradeStatusPending.
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "pending"
	TradeStatusMatched  TradeStatus = "matched"
	TradeStatusSettled  TradeStatus = "settled"
	TradeStatusRejected TradeStatus = "rejected"
)

// TradeRecord is one row inserted into market_bets when a user places a trade.
type TradeRecord struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	MarketID  string      `json:"market_id"`
	Side      Side        `json:"side"`
	Amount    float64     `json:"amount"`
	Shares    float64     `json:"shares"` // rounded to 4dp
	Price     float64     `json:"price"`
	Status    TradeStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}
