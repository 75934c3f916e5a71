package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side is the position a trader takes on a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide accepts "yes" or "no" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrValidation, s)
	}
}

// Upper returns the side in the form shown in trade confirmations.
func (s Side) Upper() string { return strings.ToUpper(string(s)) }

// Market is a read-only snapshot of a row in the markets table.
type Market struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Volume      float64   `json:"volume"`
	Liquidity   float64   `json:"liquidity"`
	Traders     int64     `json:"traders"`
	EndDate     time.Time `json:"end_date"`
	Probability float64   `json:"probability"` // implied yes probability, [0,1]
}

// PriceYes is the implied price of one yes share.
func (m Market) PriceYes() float64 { return m.Probability }

// PriceNo is the implied price of one no share.
func (m Market) PriceNo() float64 { return 1 - m.Probability }
