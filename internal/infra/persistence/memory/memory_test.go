package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/domain/orderstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestOrderStoreOverwriteSemantics(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	o := order.Order{ID: "o-1", TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.RequireFromString("1.5"), Status: order.StatusPending}
	require.NoError(t, store.Create(ctx, o))
	require.True(t, errs.Is(store.Create(ctx, o), errs.CodeConflict))

	require.NoError(t, store.Update(ctx, "o-1", orderstore.Update{Status: order.StatusBuilding, Provider: orderstore.Set("Raydium")}))
	require.NoError(t, store.Update(ctx, "o-1", orderstore.Update{Status: order.StatusBuilding}))
	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, "Raydium", got.Provider, "nil pointer leaves the field untouched")

	require.NoError(t, store.Update(ctx, "o-1", orderstore.Update{Status: order.StatusFailed, Provider: orderstore.Clear(), TxHash: orderstore.Clear()}))
	got, err = store.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, got.Status)
	require.Empty(t, got.Provider)

	require.ErrorIs(t, store.Update(ctx, "missing", orderstore.Update{Status: order.StatusRouting}), orderstore.ErrNotFound)
	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, orderstore.ErrNotFound)
}

func TestJobStoreLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	jobs := NewJobStore(WithClock(clock.Now))

	rec, err := jobs.Enqueue(ctx, jobstore.Job{Queue: "q", OrderID: "o-1", Payload: []byte(`{"order_id":"o-1"}`), Options: jobstore.DefaultOptions()})
	require.NoError(t, err)

	claimed, err := jobs.Claim(ctx, "q", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	none, err := jobs.Claim(ctx, "q", 5, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)

	clock.Advance(2 * time.Minute)
	reclaimed, err := jobs.Claim(ctx, "q", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, 2, reclaimed[0].Attempts)

	require.ErrorIs(t, jobs.Complete(ctx, rec.ID, claimed[0].LeaseToken, true), jobstore.ErrLeaseLost)
	require.NoError(t, jobs.Complete(ctx, rec.ID, reclaimed[0].LeaseToken, true))
	require.Equal(t, 0, jobs.Len())
}

func TestJobStoreRetryDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	jobs := NewJobStore(WithClock(clock.Now))
	rec, err := jobs.Enqueue(ctx, jobstore.Job{Queue: "q", OrderID: "o-1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, 1, rec.Options.Attempts, "options are normalised")

	claimed, err := jobs.Claim(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, jobs.Retry(ctx, rec.ID, claimed[0].LeaseToken, "boom", clock.Now().Add(time.Second)))

	none, err := jobs.Claim(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)

	clock.Advance(time.Second)
	claimed, err = jobs.Claim(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "boom", claimed[0].LastError)

	require.NoError(t, jobs.Fail(ctx, rec.ID, claimed[0].LeaseToken, "dead"))
	got, err := jobs.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, got.State)
	require.Empty(t, got.LeaseToken)
}

func TestJobStoreRejectsInvalidPayload(t *testing.T) {
	_, err := NewJobStore().Enqueue(context.Background(), jobstore.Job{Queue: "q", Payload: []byte(`{`)})
	require.Error(t, err)
}
