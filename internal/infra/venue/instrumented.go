package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/telemetry"
)

// Instrumented records metrics and debug logs around every call of the wrapped venue.
type Instrumented struct {
	inner   Venue
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// Instrument wraps v. Nil metrics or logger disable the respective output.
func Instrument(v Venue, metrics *telemetry.Metrics, logger *zap.Logger) *Instrumented {
	return &Instrumented{
		inner:   v,
		metrics: metrics,
		logger:  logging.Or(logger).With(zap.String("venue", v.Name())),
	}
}

// Name returns the wrapped venue's name.
func (i *Instrumented) Name() string { return i.inner.Name() }

// Quote forwards to the wrapped venue.
func (i *Instrumented) Quote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (order.Quote, error) {
	start := time.Now()
	q, err := i.inner.Quote(ctx, tokenIn, tokenOut, amount)
	i.observe(ctx, OpQuote, start, err)
	if err == nil {
		i.logger.Debug("quote received",
			zap.String("pair", tokenIn+"/"+tokenOut),
			zap.Stringer("price", q.Price),
			zap.Stringer("fee", q.Fee))
	}
	return q, err
}

// Execute forwards to the wrapped venue.
func (i *Instrumented) Execute(ctx context.Context, tokenIn string, amount decimal.Decimal) (order.Settlement, error) {
	start := time.Now()
	s, err := i.inner.Execute(ctx, tokenIn, amount)
	i.observe(ctx, OpExecute, start, err)
	return s, err
}

func (i *Instrumented) observe(ctx context.Context, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	result := telemetry.ResultSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result = telemetry.ResultTimeout
	default:
		result = telemetry.ResultError
	}
	i.metrics.RecordVenue(context.WithoutCancel(ctx), i.inner.Name(), op, result, elapsed)
	if err != nil {
		i.logger.Warn("venue call failed",
			zap.String("operation", op),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}
}
