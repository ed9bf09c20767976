package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Quote is a venue's price offer for a trade. Quotes are never persisted.
type Quote struct {
	Venue string          `json:"venue"`
	Price decimal.Decimal `json:"price"`
	Fee   decimal.Decimal `json:"fee"`
}

// EffectivePrice returns price × (1 − fee).
func (q Quote) EffectivePrice() decimal.Decimal {
	return q.Price.Mul(one.Sub(q.Fee))
}

// Validate checks price > 0 and fee ∈ [0,1).
func (q Quote) Validate() error {
	if !q.Price.IsPositive() {
		return fmt.Errorf("quote from %q: price must be positive, got %s", q.Venue, q.Price)
	}
	if q.Fee.IsNegative() || q.Fee.GreaterThanOrEqual(one) {
		return fmt.Errorf("quote from %q: fee must be in [0,1), got %s", q.Venue, q.Fee)
	}
	return nil
}
