package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/persistence/memory"
)

func TestRetryDelay(t *testing.T) {
	exp := jobstore.Backoff{Type: jobstore.BackoffExponential, Delay: time.Second}
	require.Equal(t, time.Second, RetryDelay(exp, 1))
	require.Equal(t, 2*time.Second, RetryDelay(exp, 2))
	require.Equal(t, 4*time.Second, RetryDelay(exp, 3))
	require.Equal(t, time.Second, RetryDelay(exp, 0))

	fixed := jobstore.Backoff{Type: jobstore.BackoffFixed, Delay: 250 * time.Millisecond}
	require.Equal(t, 250*time.Millisecond, RetryDelay(fixed, 1))
	require.Equal(t, 250*time.Millisecond, RetryDelay(fixed, 5))

	require.Zero(t, RetryDelay(jobstore.Backoff{Type: jobstore.BackoffExponential}, 3))
}

func testJob(id string) order.Job {
	return order.Job{
		OrderID:  id,
		UserID:   "user_123",
		TokenIn:  "SOL",
		TokenOut: "USDC",
		Amount:   decimal.RequireFromString("1.5"),
	}
}

func immediateOptions(attempts int) jobstore.Options {
	return jobstore.Options{
		Attempts:         attempts,
		Backoff:          jobstore.Backoff{Type: jobstore.BackoffFixed},
		RemoveOnComplete: true,
	}
}

func TestProducerSubmit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	producer, err := NewProducer(store, "", jobstore.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, DefaultQueue, producer.Queue())

	id, err := producer.Submit(ctx, testJob("o-1"))
	require.NoError(t, err)
	require.Equal(t, "1", id)

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, DefaultQueue, rec.Queue)
	require.Equal(t, "o-1", rec.OrderID)
	require.Equal(t, 3, rec.Options.Attempts)
	require.True(t, rec.Options.RemoveOnComplete)

	var decoded order.Job
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	require.True(t, decoded.Amount.Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, "USDC", decoded.TokenOut)

	_, err = producer.Submit(ctx, order.Job{})
	require.Error(t, err)
}

func TestNewProducerRejectsBadOptions(t *testing.T) {
	_, err := NewProducer(nil, DefaultQueue, jobstore.DefaultOptions())
	require.Error(t, err)
	_, err = NewProducer(memory.NewJobStore(), DefaultQueue, jobstore.Options{Attempts: 1, Backoff: jobstore.Backoff{Type: "linear"}})
	require.Error(t, err)
}

type fixture struct {
	store    *memory.JobStore
	producer *Producer
	worker   *Worker
}

func newFixture(t *testing.T, attempts int, handler Handler) fixture {
	t.Helper()
	store := memory.NewJobStore()
	producer, err := NewProducer(store, DefaultQueue, immediateOptions(attempts))
	require.NoError(t, err)
	cfg := DefaultWorkerConfig()
	cfg.Limiter = LimiterConfig{}
	cfg.PollInterval = 5 * time.Millisecond
	worker, err := NewWorker(store, handler, cfg)
	require.NoError(t, err)
	return fixture{store: store, producer: producer, worker: worker}
}

func (f fixture) pollOnce(t *testing.T) bool {
	t.Helper()
	ctx := context.Background()
	processed, err := f.worker.poll(ctx, ctx)
	require.NoError(t, err)
	return processed
}

func TestWorkerCompletesAndRemovesJob(t *testing.T) {
	var seen order.Job
	f := newFixture(t, 3, func(_ context.Context, job order.Job) error {
		seen = job
		return nil
	})
	_, err := f.producer.Submit(context.Background(), testJob("o-1"))
	require.NoError(t, err)

	require.True(t, f.pollOnce(t))
	require.Equal(t, "o-1", seen.OrderID)
	require.Equal(t, "1", seen.ID)
	require.Equal(t, 1, seen.Attempt)
	require.Equal(t, 3, seen.MaxAttempts)

	_, err = f.store.Get(context.Background(), 1)
	require.ErrorIs(t, err, jobstore.ErrNotFound)
	require.False(t, f.pollOnce(t))
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, 3, func(_ context.Context, job order.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("venue unavailable")
		}
		return nil
	})
	_, err := f.producer.Submit(context.Background(), testJob("o-1"))
	require.NoError(t, err)

	require.True(t, f.pollOnce(t))
	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateWaiting, rec.State)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, "venue unavailable", rec.LastError)

	require.True(t, f.pollOnce(t))
	require.EqualValues(t, 2, calls.Load())
	require.Zero(t, f.store.Len())
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t, 3, func(context.Context, order.Job) error {
		return backoff.Permanent(errors.New("order missing"))
	})
	_, err := f.producer.Submit(context.Background(), testJob("o-1"))
	require.NoError(t, err)

	require.True(t, f.pollOnce(t))
	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, rec.State)
	require.Equal(t, 1, rec.Attempts)
	require.False(t, f.pollOnce(t))
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	var attempts []int
	f := newFixture(t, 2, func(_ context.Context, job order.Job) error {
		attempts = append(attempts, job.Attempt)
		require.Equal(t, job.Attempt == job.MaxAttempts, job.Final())
		return errors.New("execution reverted")
	})
	_, err := f.producer.Submit(context.Background(), testJob("o-1"))
	require.NoError(t, err)

	require.True(t, f.pollOnce(t))
	require.True(t, f.pollOnce(t))
	require.False(t, f.pollOnce(t))
	require.Equal(t, []int{1, 2}, attempts)

	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, rec.State)
	require.Equal(t, "execution reverted", rec.LastError)
}

func TestWorkerFailsUndecodablePayload(t *testing.T) {
	called := false
	f := newFixture(t, 3, func(context.Context, order.Job) error {
		called = true
		return nil
	})
	_, err := f.store.Enqueue(context.Background(), jobstore.Job{
		Queue:   DefaultQueue,
		OrderID: "o-1",
		Payload: json.RawMessage(`{"order_id":"o-1","amount":"not-a-number"}`),
		Options: immediateOptions(3),
	})
	require.NoError(t, err)

	require.True(t, f.pollOnce(t))
	require.False(t, called)
	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, rec.State)
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	f := newFixture(t, 2, func(context.Context, order.Job) error {
		panic("boom")
	})
	_, err := f.producer.Submit(context.Background(), testJob("o-1"))
	require.NoError(t, err)

	require.True(t, f.pollOnce(t))
	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateWaiting, rec.State)
	require.Contains(t, rec.LastError, "boom")
}

func TestNewLimiter(t *testing.T) {
	limiter := newLimiter(LimiterConfig{Max: 100, Duration: time.Minute})
	require.Equal(t, 1, limiter.Burst())
	require.Equal(t, rate.Every(600*time.Millisecond), limiter.Limit())

	require.Equal(t, rate.Inf, newLimiter(LimiterConfig{}).Limit())
}

func TestLimiterAllowsAtMostMaxPerWindow(t *testing.T) {
	limiter := newLimiter(LimiterConfig{Max: 2, Duration: time.Second})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	allowed := 0
	for at := time.Duration(0); at < time.Second; at += 10 * time.Millisecond {
		for i := 0; i < 3; i++ {
			if limiter.AllowN(t0.Add(at), 1) {
				allowed++
			}
		}
	}
	require.Equal(t, 2, allowed)
}

func TestWorkerWaitsForLimiterBeforeClaiming(t *testing.T) {
	store := memory.NewJobStore()
	producer, err := NewProducer(store, DefaultQueue, immediateOptions(1))
	require.NoError(t, err)
	cfg := DefaultWorkerConfig()
	cfg.Limiter = LimiterConfig{Max: 1, Duration: time.Hour}
	var calls atomic.Int32
	worker, err := NewWorker(store, func(context.Context, order.Job) error {
		calls.Add(1)
		return nil
	}, cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = producer.Submit(ctx, testJob("o-1"))
	require.NoError(t, err)
	_, err = producer.Submit(ctx, testJob("o-2"))
	require.NoError(t, err)

	processed, err := worker.poll(ctx, ctx)
	require.NoError(t, err)
	require.True(t, processed)

	stopped, cancel := context.WithCancel(ctx)
	cancel()
	processed, err = worker.poll(stopped, ctx)
	require.NoError(t, err)
	require.False(t, processed)
	require.EqualValues(t, 1, calls.Load())

	rec, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateWaiting, rec.State)
	require.Zero(t, rec.Attempts, "a job left behind at shutdown keeps its attempts")
	require.Nil(t, rec.LockedUntil)
}

type deadLetter struct {
	job    order.Job
	reason string
}

type deadLetterRecorder struct {
	mu   sync.Mutex
	seen []deadLetter
}

func (r *deadLetterRecorder) record(_ context.Context, job order.Job, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, deadLetter{job: job, reason: reason})
}

func (r *deadLetterRecorder) all() []deadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadLetter(nil), r.seen...)
}

func TestWorkerDeadLettersLeaseExpiredOnFinalAttempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := memory.NewJobStore(memory.WithClock(clock))
	producer, err := NewProducer(store, DefaultQueue, immediateOptions(1))
	require.NoError(t, err)

	called := false
	dead := &deadLetterRecorder{}
	cfg := DefaultWorkerConfig()
	cfg.Limiter = LimiterConfig{}
	worker, err := NewWorker(store, func(context.Context, order.Job) error {
		called = true
		return nil
	}, cfg, WithWorkerClock(clock), WithDeadLetter(dead.record))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = producer.Submit(ctx, testJob("o-1"))
	require.NoError(t, err)

	// a consumer that died mid-run leaves the only attempt leased
	claimed, err := store.Claim(ctx, DefaultQueue, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	processed, err := worker.poll(ctx, ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.False(t, called)

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, rec.State)

	got := dead.all()
	require.Len(t, got, 1)
	require.Equal(t, "o-1", got[0].job.OrderID)
	require.Equal(t, "USDC", got[0].job.TokenOut)
	require.Equal(t, 2, got[0].job.Attempt)
	require.Equal(t, 1, got[0].job.MaxAttempts)
	require.Equal(t, "attempts exhausted after lease expiry", got[0].reason)
}

func TestWorkerDeadLettersUndecodablePayload(t *testing.T) {
	store := memory.NewJobStore()
	dead := &deadLetterRecorder{}
	cfg := DefaultWorkerConfig()
	cfg.Limiter = LimiterConfig{}
	worker, err := NewWorker(store, func(context.Context, order.Job) error { return nil }, cfg, WithDeadLetter(dead.record))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Enqueue(ctx, jobstore.Job{
		Queue:   DefaultQueue,
		OrderID: "o-9",
		Payload: json.RawMessage(`{"order_id":"o-9","amount":"not-a-number"}`),
		Options: immediateOptions(3),
	})
	require.NoError(t, err)

	processed, err := worker.poll(ctx, ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := dead.all()
	require.Len(t, got, 1)
	require.Equal(t, "o-9", got[0].job.OrderID)
	require.Contains(t, got[0].reason, "decode payload")
}

func TestWorkerHandlerFailureDoesNotDeadLetter(t *testing.T) {
	store := memory.NewJobStore()
	producer, err := NewProducer(store, DefaultQueue, immediateOptions(1))
	require.NoError(t, err)
	dead := &deadLetterRecorder{}
	cfg := DefaultWorkerConfig()
	cfg.Limiter = LimiterConfig{}
	worker, err := NewWorker(store, func(context.Context, order.Job) error {
		return errors.New("execution reverted")
	}, cfg, WithDeadLetter(dead.record))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = producer.Submit(ctx, testJob("o-1"))
	require.NoError(t, err)
	processed, err := worker.poll(ctx, ctx)
	require.NoError(t, err)
	require.True(t, processed)

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, rec.State)
	require.Empty(t, dead.all(), "the handler already recorded the failure")
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(nil, func(context.Context, order.Job) error { return nil }, DefaultWorkerConfig())
	require.Error(t, err)
	_, err = NewWorker(memory.NewJobStore(), nil, DefaultWorkerConfig())
	require.Error(t, err)

	w, err := NewWorker(memory.NewJobStore(), func(context.Context, order.Job) error { return nil }, WorkerConfig{})
	require.NoError(t, err)
	require.Equal(t, DefaultQueue, w.cfg.Queue)
	require.Equal(t, 10, w.cfg.Concurrency)
}

func TestWorkerRunProcessesConcurrentlyAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	f := newFixture(t, 3, func(_ context.Context, job order.Job) error {
		mu.Lock()
		seen[job.OrderID]++
		mu.Unlock()
		return nil
	})

	ids := []string{"o-1", "o-2", "o-3", "o-4", "o-5", "o-6"}
	for _, id := range ids {
		_, err := f.producer.Submit(context.Background(), testJob(id))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, len(ids))
	for _, id := range ids {
		require.Equal(t, 1, seen[id], "order %s processed once", id)
	}
}
