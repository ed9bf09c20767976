// Package ingress accepts new swap orders: it validates the request, persists a pending order and
// enqueues exactly one job for it.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/domain/orderstore"
	"github.com/coachpo/dexroute/internal/infra/logging"
)

// DefaultUserID is attributed to orders submitted without an authenticated user.
const DefaultUserID = "user_123"

// Publisher enqueues the job for a persisted order.
type Publisher interface {
	Submit(ctx context.Context, job order.Job) (string, error)
}

// Request is a validated-on-submit order request.
type Request struct {
	TokenIn  string
	TokenOut string
	Amount   decimal.Decimal
	UserID   string
}

// Service creates orders and hands them to the queue.
type Service struct {
	orders    orderstore.Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.Or(logger) }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the order store and publisher.
func NewService(orders orderstore.Store, publisher Publisher, opts ...Option) (*Service, error) {
	if orders == nil {
		return nil, fmt.Errorf("ingress: order store required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("ingress: publisher required")
	}
	s := &Service{
		orders:    orders,
		publisher: publisher,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Validate normalises req and rejects missing tokens or non-positive amounts.
func (r Request) Validate() (Request, error) {
	r.TokenIn = strings.TrimSpace(r.TokenIn)
	r.TokenOut = strings.TrimSpace(r.TokenOut)
	r.UserID = strings.TrimSpace(r.UserID)
	if r.TokenIn == "" || r.TokenOut == "" {
		return r, invalid("Missing required fields: tokenIn, tokenOut, amount")
	}
	if strings.EqualFold(r.TokenIn, r.TokenOut) {
		return r, invalid("tokenIn and tokenOut must differ")
	}
	if !r.Amount.IsPositive() {
		return r, invalid("amount must be greater than zero")
	}
	if r.UserID == "" {
		r.UserID = DefaultUserID
	}
	return r, nil
}

// Submit persists a pending order and enqueues its job. The order is returned once both steps
// succeed. When enqueueing fails the order is marked failed so it does not sit in pending forever.
func (s *Service) Submit(ctx context.Context, req Request) (order.Order, error) {
	req, err := req.Validate()
	if err != nil {
		return order.Order{}, err
	}
	now := s.now().UTC()
	o := order.Order{
		ID:        s.newID(),
		UserID:    req.UserID,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return order.Order{}, errs.New("ingress", errs.CodePersistence,
			errs.WithMessage("create order"), errs.WithHTTP(http.StatusInternalServerError), errs.WithCause(err))
	}

	jobID, err := s.publisher.Submit(ctx, order.JobFor(o))
	if err != nil {
		if uerr := s.orders.Update(context.WithoutCancel(ctx), o.ID, orderstore.Update{
			Status:   order.StatusFailed,
			Provider: orderstore.Clear(),
			TxHash:   orderstore.Clear(),
		}); uerr != nil {
			s.logger.Error("mark unqueued order failed", zap.String("order_id", o.ID), zap.Error(uerr))
		}
		return order.Order{}, errs.New("ingress", errs.CodeUnavailable,
			errs.WithMessage("enqueue order"), errs.WithHTTP(http.StatusServiceUnavailable), errs.WithCause(err))
	}

	s.logger.Info("order queued",
		zap.String("order_id", o.ID),
		zap.String("job_id", jobID),
		zap.String("token_in", o.TokenIn),
		zap.String("token_out", o.TokenOut),
		zap.String("amount", o.Amount.String()))
	return o, nil
}

// Get returns the persisted order.
func (s *Service) Get(ctx context.Context, id string) (order.Order, error) {
	o, err := s.orders.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, orderstore.ErrNotFound) {
			return order.Order{}, errs.New("ingress", errs.CodeNotFound,
				errs.WithMessage("order not found"), errs.WithHTTP(http.StatusNotFound), errs.WithCause(err))
		}
		return order.Order{}, errs.New("ingress", errs.CodePersistence,
			errs.WithMessage("load order"), errs.WithHTTP(http.StatusInternalServerError), errs.WithCause(err))
	}
	return o, nil
}

func invalid(message string) error {
	return errs.New("ingress", errs.CodeInvalid, errs.WithMessage(message), errs.WithHTTP(http.StatusBadRequest))
}
