// Package pricing derives executable share prices and share estimates from a
// market's implied probability. Everything here is pure and O(1).
package pricing

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

const (
	// SharePlaces is the precision persisted with a trade record.
	SharePlaces = 4
	// DisplayPlaces is the precision of the trade summary shown to the user.
	DisplayPlaces = 2
)

// PriceFor returns the price of one share on the given side: the probability
// for yes and its complement for no. The probability is not re-validated.
func PriceFor(m domain.Market, side domain.Side) float64 {
	if side == domain.SideYes {
		return m.PriceYes()
	}
	return m.PriceNo()
}

// ParseAmount parses a user-entered USD amount. ok is false for empty,
// malformed or non-finite input.
func ParseAmount(amount string) (v float64, ok bool) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// EstimateShares returns amount / PriceFor(m, side) at full precision. An
// empty or unparsable amount yields 0 with no error; that is the "no input
// yet" state. A zero price returns domain.ErrUntradablePrice instead of an
// infinite estimate, and a quotient that overflows float64 (a huge amount or a
// subnormal price) returns domain.ErrAmountTooLarge.
func EstimateShares(amount string, m domain.Market, side domain.Side) (float64, error) {
	v, ok := ParseAmount(amount)
	if !ok {
		return 0, nil
	}
	price := PriceFor(m, side)
	if price == 0 {
		return 0, domain.ErrUntradablePrice
	}
	shares := v / price
	if !finite(shares) {
		return 0, domain.ErrAmountTooLarge
	}
	return shares, nil
}

// RoundShares rounds a share estimate to SharePlaces. It is applied only when
// a trade record is built, never to the live preview. Non-finite input
// rounds to 0.
func RoundShares(shares float64) float64 {
	if !finite(shares) {
		return 0
	}
	return decimal.NewFromFloat(shares).Round(SharePlaces).InexactFloat64()
}

// DisplayRound formats v with DisplayPlaces for the trade summary. It is
// independent of RoundShares. Non-finite input renders as zero.
func DisplayRound(v float64) string {
	if !finite(v) {
		v = 0
	}
	return decimal.NewFromFloat(v).StringFixed(DisplayPlaces)
}

// finite reports whether v can be converted to a decimal.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
