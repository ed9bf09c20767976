package venue

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/coachpo/dexroute/internal/domain/order"
)

// Static is a deterministic venue returning fixed quotes and settlements.
type Static struct {
	name       string
	price      decimal.Decimal
	fee        decimal.Decimal
	txHash     string
	quoteErr   error
	executeErr error

	quotes   atomic.Int64
	executes atomic.Int64
}

// StaticOption configures a Static venue.
type StaticOption func(*Static)

// WithTxHash sets the settlement reference returned by Execute.
func WithTxHash(hash string) StaticOption {
	return func(s *Static) { s.txHash = hash }
}

// WithQuoteError makes every Quote call fail with err.
func WithQuoteError(err error) StaticOption {
	return func(s *Static) { s.quoteErr = err }
}

// WithExecuteError makes every Execute call fail with err.
func WithExecuteError(err error) StaticOption {
	return func(s *Static) { s.executeErr = err }
}

// NewStatic builds a fixed-price venue.
func NewStatic(name string, price, fee decimal.Decimal, opts ...StaticOption) *Static {
	s := &Static{name: name, price: price, fee: fee, txHash: "0x" + name}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Name returns the venue name.
func (s *Static) Name() string { return s.name }

// Quote returns the configured price and fee.
func (s *Static) Quote(ctx context.Context, _, _ string, _ decimal.Decimal) (order.Quote, error) {
	s.quotes.Add(1)
	if err := ctx.Err(); err != nil {
		return order.Quote{}, err
	}
	if s.quoteErr != nil {
		return order.Quote{}, s.quoteErr
	}
	return order.Quote{Venue: s.name, Price: s.price, Fee: s.fee}, nil
}

// Execute returns the configured settlement.
func (s *Static) Execute(ctx context.Context, _ string, _ decimal.Decimal) (order.Settlement, error) {
	s.executes.Add(1)
	if err := ctx.Err(); err != nil {
		return order.Settlement{}, err
	}
	if s.executeErr != nil {
		return order.Settlement{}, s.executeErr
	}
	return order.Settlement{TxHash: s.txHash, Status: order.StatusConfirmed}, nil
}

// QuoteCalls reports how many quotes were requested.
func (s *Static) QuoteCalls() int64 { return s.quotes.Load() }

// ExecuteCalls reports how many executions were requested.
func (s *Static) ExecuteCalls() int64 { return s.executes.Load() }
