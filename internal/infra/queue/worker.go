package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/telemetry"
)

// Handler processes one delivery. A nil return completes the job; an error wrapped with
// backoff.Permanent dead-letters it; any other error schedules a retry while attempts remain.
type Handler func(ctx context.Context, job order.Job) error

// DeadLetterFunc is told about jobs failed without a handler run, so the order they carry can
// still be moved to a terminal state.
type DeadLetterFunc func(ctx context.Context, job order.Job, reason string)

// LimiterConfig bounds job starts to Max per Duration. Starts are spaced Duration/Max apart.
type LimiterConfig struct {
	Max      int           `yaml:"max"`
	Duration time.Duration `yaml:"duration"`
}

// WorkerConfig tunes consumption.
type WorkerConfig struct {
	Queue             string        `yaml:"name"`
	Concurrency       int           `yaml:"concurrency"`
	Limiter           LimiterConfig `yaml:"limiter"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	DrainTimeout      time.Duration `yaml:"drainTimeout"`
}

// DefaultWorkerConfig returns ten consumers limited to 100 job starts per minute.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queue:             DefaultQueue,
		Concurrency:       10,
		Limiter:           LimiterConfig{Max: 100, Duration: time.Minute},
		VisibilityTimeout: 2 * time.Minute,
		PollInterval:      200 * time.Millisecond,
		DrainTimeout:      30 * time.Second,
	}
}

// Worker runs Concurrency consumer loops against a job store.
type Worker struct {
	store   jobstore.Store
	handler Handler
	dead    DeadLetterFunc
	cfg     WorkerConfig
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// WorkerOption configures optional collaborators.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logging.Or(logger) }
}

// WithWorkerMetrics sets the metric recorder.
func WithWorkerMetrics(metrics *telemetry.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = metrics }
}

// WithWorkerClock overrides the time source used for retry scheduling.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithDeadLetter registers fn for jobs that are failed before the handler runs.
func WithDeadLetter(fn DeadLetterFunc) WorkerOption {
	return func(w *Worker) { w.dead = fn }
}

// NewWorker validates cfg and builds a worker.
func NewWorker(store jobstore.Store, handler Handler, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("queue worker: job store required")
	}
	if handler == nil {
		return nil, fmt.Errorf("queue worker: handler required")
	}
	defaults := DefaultWorkerConfig()
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = defaults.Queue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}
	w := &Worker{
		store:   store,
		handler: handler,
		cfg:     cfg,
		limiter: newLimiter(cfg.Limiter),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = w.logger.With(zap.String("queue", cfg.Queue))
	return w, nil
}

func newLimiter(cfg LimiterConfig) *rate.Limiter {
	if cfg.Max <= 0 || cfg.Duration <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(cfg.Duration/time.Duration(cfg.Max)), 1)
}

// Run consumes until ctx is cancelled. In-flight jobs keep running after cancellation for up to
// DrainTimeout, then their contexts are cancelled too.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg conc.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		consumer := i
		wg.Go(func() { w.consume(ctx, jobCtx, consumer) })
	}
	w.logger.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("limiter_max", w.cfg.Limiter.Max),
		zap.Duration("limiter_window", w.cfg.Limiter.Duration))

	<-ctx.Done()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout reached, cancelling in-flight jobs")
		cancelJobs()
		<-drained
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) consume(ctx, jobCtx context.Context, consumer int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.poll(ctx, jobCtx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker error", zap.Int("consumer", consumer), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll claims and processes at most one job. It reports whether a job was claimed. The limiter
// is passed before claiming so no lease is held, and no attempt charged, while waiting.
func (w *Worker) poll(ctx, jobCtx context.Context) (bool, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("rate limit: %w", err)
	}
	records, err := w.store.Claim(ctx, w.cfg.Queue, 1, w.cfg.VisibilityTimeout)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if len(records) == 0 {
		return false, nil
	}
	w.process(jobCtx, records[0])
	return true, nil
}

func (w *Worker) process(ctx context.Context, rec jobstore.Record) {
	logger := w.logger.With(
		zap.Int64("job_id", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.Int("attempt", rec.Attempts),
		zap.Int("max_attempts", rec.Options.Attempts))
	settleCtx := context.WithoutCancel(ctx)

	var job order.Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		reason := "decode payload: " + err.Error()
		logger.Error("job failed", zap.String("reason", "undecodable payload"), zap.Error(err))
		w.failUnrun(settleCtx, rec, order.Job{OrderID: rec.OrderID, Attempt: rec.Attempts, MaxAttempts: rec.Options.Attempts}, reason)
		return
	}
	job.ID = strconv.FormatInt(rec.ID, 10)
	job.Attempt = rec.Attempts
	job.MaxAttempts = rec.Options.Attempts

	if rec.Attempts > rec.Options.Attempts {
		// a lease expired on the last attempt
		reason := "attempts exhausted after lease expiry"
		if rec.LastError != "" {
			reason = rec.LastError
		}
		logger.Error("job failed", zap.String("reason", reason))
		w.failUnrun(settleCtx, rec, job, reason)
		return
	}

	err := w.invoke(ctx, job)
	switch {
	case err == nil:
		w.settle(ctx, rec, w.store.Complete(settleCtx, rec.ID, rec.LeaseToken, rec.Options.RemoveOnComplete))
		w.metrics.RecordJob(settleCtx, w.cfg.Queue, telemetry.ResultCompleted)
		logger.Info("job completed")
	case isPermanent(err) || rec.Attempts >= rec.Options.Attempts:
		w.settle(ctx, rec, w.store.Fail(settleCtx, rec.ID, rec.LeaseToken, errs.Reason(err)))
		w.metrics.RecordJob(settleCtx, w.cfg.Queue, telemetry.ResultDead)
		logger.Error("job failed", zap.Bool("permanent", isPermanent(err)), zap.Error(err))
	default:
		delay := RetryDelay(rec.Options.Backoff, rec.Attempts)
		w.settle(ctx, rec, w.store.Retry(settleCtx, rec.ID, rec.LeaseToken, errs.Reason(err), w.now().Add(delay)))
		w.metrics.RecordJob(settleCtx, w.cfg.Queue, telemetry.ResultRetried)
		logger.Warn("job failed, retry scheduled", zap.Duration("retry_in", delay), zap.Error(err))
	}
}

func (w *Worker) invoke(ctx context.Context, job order.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return w.handler(ctx, job)
}

// failUnrun dead-letters a job whose handler never ran. The hook only fires when this delivery
// still owned the lease.
func (w *Worker) failUnrun(ctx context.Context, rec jobstore.Record, job order.Job, reason string) {
	err := w.store.Fail(ctx, rec.ID, rec.LeaseToken, reason)
	w.settle(ctx, rec, err)
	if err != nil {
		return
	}
	w.metrics.RecordJob(ctx, w.cfg.Queue, telemetry.ResultDead)
	w.deadLetter(ctx, job, reason)
}

func (w *Worker) deadLetter(ctx context.Context, job order.Job, reason string) {
	if w.dead == nil || job.OrderID == "" {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("dead-letter hook panic", zap.String("order_id", job.OrderID), zap.Any("panic", rec))
		}
	}()
	w.dead(ctx, job, reason)
}

func (w *Worker) settle(_ context.Context, rec jobstore.Record, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, jobstore.ErrLeaseLost) {
		w.logger.Warn("job lease lost before settlement, another delivery owns it",
			zap.Int64("job_id", rec.ID), zap.String("order_id", rec.OrderID))
		return
	}
	w.logger.Error("worker error", zap.Int64("job_id", rec.ID), zap.Error(err))
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}
