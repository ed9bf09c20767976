// Package venue provides the liquidity venues orders are quoted and executed against.
package venue

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/dexroute/internal/domain/order"
)

// Operation names used in logs and metrics.
const (
	OpQuote   = "quote"
	OpExecute = "execute"
)

// Venue quotes and executes swaps on one liquidity source.
type Venue interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (order.Quote, error)
	Execute(ctx context.Context, tokenIn string, amount decimal.Decimal) (order.Settlement, error)
}

// Set is an ordered collection of venues with unique names. Declaration order is the
// tie-break order for quote selection.
type Set struct {
	venues []Venue
	index  map[string]Venue
}

// NewSet validates and indexes venues.
func NewSet(venues ...Venue) (*Set, error) {
	if len(venues) == 0 {
		return nil, fmt.Errorf("venue set: at least one venue required")
	}
	index := make(map[string]Venue, len(venues))
	for i, v := range venues {
		if v == nil {
			return nil, fmt.Errorf("venue set: venue %d is nil", i)
		}
		name := strings.TrimSpace(v.Name())
		if name == "" {
			return nil, fmt.Errorf("venue set: venue %d has no name", i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("venue set: duplicate venue %q", name)
		}
		index[name] = v
	}
	return &Set{venues: append([]Venue(nil), venues...), index: index}, nil
}

// All returns the venues in declaration order.
func (s *Set) All() []Venue {
	if s == nil {
		return nil
	}
	return append([]Venue(nil), s.venues...)
}

// Lookup finds a venue by name.
func (s *Set) Lookup(name string) (Venue, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.index[name]
	return v, ok
}

// Names lists venue names in declaration order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.venues))
	for i, v := range s.venues {
		names[i] = v.Name()
	}
	return names
}

// Len returns the number of venues.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.venues)
}
