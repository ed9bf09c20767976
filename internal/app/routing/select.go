// Package routing compares venue quotes and selects the best execution route.
package routing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/dexroute/internal/domain/order"
)

var (
	// ErrNoQuotes is returned when no venue produced a quote.
	ErrNoQuotes = errors.New("routing: no quotes available")
	// ErrInvalidQuote is returned when a quote violates price or fee bounds.
	ErrInvalidQuote = errors.New("routing: invalid quote")
)

// Candidate is one row of the comparison table.
type Candidate struct {
	Venue          string          `json:"venue"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
}

// Selection is the outcome of a quote comparison.
type Selection struct {
	Quote          order.Quote     `json:"-"`
	Venue          string          `json:"venue"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
	Candidates     []Candidate     `json:"candidates"`
}

// SelectBest picks the quote with the strictly greatest effective price. Equal effective prices
// resolve to the quote that appears first. The input slice is not modified.
func SelectBest(quotes []order.Quote) (Selection, error) {
	if len(quotes) == 0 {
		return Selection{}, ErrNoQuotes
	}
	candidates := make([]Candidate, 0, len(quotes))
	best := -1
	var bestPrice decimal.Decimal
	for idx, quote := range quotes {
		if err := quote.Validate(); err != nil {
			return Selection{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
		}
		effective := quote.EffectivePrice()
		candidates = append(candidates, Candidate{
			Venue:          quote.Venue,
			Price:          quote.Price,
			Fee:            quote.Fee,
			EffectivePrice: effective,
		})
		if best < 0 || effective.GreaterThan(bestPrice) {
			best = idx
			bestPrice = effective
		}
	}
	return Selection{
		Quote:          quotes[best],
		Venue:          quotes[best].Venue,
		EffectivePrice: bestPrice,
		Candidates:     candidates,
	}, nil
}
