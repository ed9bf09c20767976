package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/persistence/memory"
	"github.com/coachpo/dexroute/internal/infra/queue"
)

type failingPublisher struct{}

func (failingPublisher) Submit(context.Context, order.Job) (string, error) {
	return "", errors.New("queue down")
}

func newService(t *testing.T) (*Service, *memory.OrderStore, *memory.JobStore) {
	t.Helper()
	orders := memory.NewOrderStore()
	jobs := memory.NewJobStore()
	producer, err := queue.NewProducer(jobs, queue.DefaultQueue, jobstore.DefaultOptions())
	require.NoError(t, err)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc, err := NewService(orders, producer, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return svc, orders, jobs
}

func TestSubmitPersistsPendingOrderAndEnqueuesOneJob(t *testing.T) {
	ctx := context.Background()
	svc, orders, jobs := newService(t)

	o, err := svc.Submit(ctx, Request{TokenIn: " SOL ", TokenOut: "USDC", Amount: decimal.RequireFromString("1.5")})
	require.NoError(t, err)
	require.NotEmpty(t, o.ID)
	require.Equal(t, order.StatusPending, o.Status)
	require.Equal(t, DefaultUserID, o.UserID)
	require.Equal(t, "SOL", o.TokenIn)

	stored, err := orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, stored.Status)
	require.True(t, stored.Amount.Equal(decimal.RequireFromString("1.5")))

	require.Equal(t, 1, jobs.Len())
	rec, err := jobs.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, o.ID, rec.OrderID)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	svc, _, jobs := newService(t)
	cases := map[string]Request{
		"missing token in": {TokenOut: "USDC", Amount: decimal.NewFromInt(1)},
		"same tokens":      {TokenIn: "SOL", TokenOut: "sol", Amount: decimal.NewFromInt(1)},
		"zero amount":      {TokenIn: "SOL", TokenOut: "USDC"},
		"negative amount":  {TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(-2)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), req)
			require.True(t, errs.Is(err, errs.CodeInvalid))
		})
	}
	require.Zero(t, jobs.Len())
}

func TestSubmitMarksOrderFailedWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderStore()
	svc, err := NewService(orders, failingPublisher{})
	require.NoError(t, err)
	svc.newID = func() string { return "o-fixed" }

	_, err = svc.Submit(ctx, Request{TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(2)})
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	stored, err := orders.Get(ctx, "o-fixed")
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, stored.Status)
}

func TestGetMapsMissingOrder(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), "nope")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, failingPublisher{})
	require.Error(t, err)
	_, err = NewService(memory.NewOrderStore(), nil)
	require.Error(t, err)
}
