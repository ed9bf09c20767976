// Package pipeline drives a queued order through routing, selection, execution and settlement.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/app/routing"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/domain/orderstore"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/telemetry"
	"github.com/coachpo/dexroute/internal/infra/venue"
)

const scope = "pipeline"

// Notifier pushes best-effort status updates. Implementations must not block on slow
// subscribers and never report delivery failures.
type Notifier interface {
	Notify(ctx context.Context, orderID string, status order.Status, data any)
}

// Pipeline is the job handler for order execution.
type Pipeline struct {
	store    orderstore.Store
	venues   *venue.Set
	notifier Notifier
	cfg      Config
	metrics  *telemetry.Metrics
	logger   *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.Or(logger) }
}

// WithMetrics sets the metric recorder.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = metrics }
}

// New wires a pipeline.
func New(store orderstore.Store, venues *venue.Set, notifier Notifier, cfg Config, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("pipeline: order store required")
	}
	if venues.Len() == 0 {
		return nil, fmt.Errorf("pipeline: at least one venue required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("pipeline: notifier required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QuotePolicy == "" {
		cfg.QuotePolicy = QuotePolicyAll
	}
	cfg.QuotePolicy = QuotePolicy(strings.ToLower(string(cfg.QuotePolicy)))
	p := &Pipeline{
		store:    store,
		venues:   venues,
		notifier: notifier,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// run carries per-run state between stages.
type run struct {
	job    order.Job
	logger *zap.Logger
	venue  string
}

// Process drives one delivery of job to a terminal state. Integrity faults are returned wrapped
// in backoff.Permanent; every other error has already been recorded as a failed transition and
// is returned unchanged so the queue can decide on redelivery.
func (p *Pipeline) Process(ctx context.Context, job order.Job) (order.Result, error) {
	start := time.Now()
	r := &run{
		job: job,
		logger: p.logger.With(
			zap.String("order_id", job.OrderID),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
		),
	}

	stored, err := p.store.Get(ctx, job.OrderID)
	switch {
	case errors.Is(err, orderstore.ErrNotFound):
		fault := errs.New(scope, errs.CodeIntegrity,
			errs.WithMessage("job references unknown order"),
			errs.WithField("order_id", job.OrderID))
		r.logger.Error("integrity fault, job will not be retried", zap.Error(fault))
		return order.Result{}, backoff.Permanent(fault)
	case err != nil:
		return order.Result{}, errs.New(scope, errs.CodePersistence,
			errs.WithMessage("load order"), errs.WithCause(err))
	}
	if !job.Matches(stored) {
		fault := errs.New(scope, errs.CodeIntegrity,
			errs.WithMessage("job payload does not match stored order"),
			errs.WithField("order_id", job.OrderID),
			errs.WithField("stored_pair", stored.TokenIn+"/"+stored.TokenOut),
			errs.WithField("stored_amount", stored.Amount.String()))
		r.logger.Error("integrity fault, job will not be retried", zap.Error(fault))
		return order.Result{}, backoff.Permanent(fault)
	}
	if stored.Status == order.StatusConfirmed && stored.TxHash != "" {
		r.logger.Warn("order already settled, skipping execution", zap.String("tx_hash", stored.TxHash))
		return order.Result{
			OrderID: stored.ID,
			Venue:   stored.Provider,
			TxHash:  stored.TxHash,
			Status:  order.StatusConfirmed,
		}, nil
	}

	result, err := p.executeRecovering(ctx, r)
	if err != nil {
		p.fail(ctx, r, err)
		p.metrics.RecordOrder(context.WithoutCancel(ctx), string(order.StatusFailed), time.Since(start))
		return order.Result{}, err
	}
	p.metrics.RecordOrder(ctx, string(order.StatusConfirmed), time.Since(start))
	r.logger.Info("order confirmed",
		zap.String("venue", result.Venue),
		zap.Stringer("effective_price", result.EffectivePrice),
		zap.String("tx_hash", result.TxHash),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run) (order.Result, error) {
	job := r.job

	if err := p.transition(ctx, job.OrderID, orderstore.Update{
		Status:   order.StatusRouting,
		Provider: orderstore.Clear(),
		TxHash:   orderstore.Clear(),
	}); err != nil {
		return order.Result{}, err
	}
	p.notifier.Notify(ctx, job.OrderID, order.StatusRouting, map[string]any{
		"venues": p.venues.Names(),
	})

	quotes, err := p.collectQuotes(ctx, r)
	if err != nil {
		return order.Result{}, err
	}
	selection, err := routing.SelectBest(quotes)
	if err != nil {
		return order.Result{}, errs.New(scope, errs.CodeVenue,
			errs.WithMessage("select route"), errs.WithCause(err))
	}
	r.venue = selection.Venue
	r.logger.Info("route selected",
		zap.String("venue", selection.Venue),
		zap.Stringer("effective_price", selection.EffectivePrice),
		zap.Int("quotes", len(quotes)))

	chosen, ok := p.venues.Lookup(selection.Venue)
	if !ok {
		return order.Result{}, errs.New(scope, errs.CodeVenue,
			errs.WithMessage("selected venue is not configured"),
			errs.WithField("venue", selection.Venue))
	}

	// provider is durable before execution whichever intermediate stages are enabled
	status := order.StatusRouting
	if p.cfg.EmitBuilding {
		status = order.StatusBuilding
	}
	if err := p.transition(ctx, job.OrderID, orderstore.Update{
		Status:   status,
		Provider: orderstore.Set(selection.Venue),
		TxHash:   orderstore.Clear(),
	}); err != nil {
		return order.Result{}, err
	}
	if p.cfg.EmitBuilding {
		p.notifier.Notify(ctx, job.OrderID, order.StatusBuilding, map[string]any{
			"selectedDex": selection.Venue,
			"bestPrice":   selection.EffectivePrice,
			"quotes":      selection.Candidates,
		})
	}
	if p.cfg.EmitSubmitted {
		if err := p.transition(ctx, job.OrderID, orderstore.Update{
			Status:   order.StatusSubmitted,
			Provider: orderstore.Set(selection.Venue),
			TxHash:   orderstore.Clear(),
		}); err != nil {
			return order.Result{}, err
		}
		p.notifier.Notify(ctx, job.OrderID, order.StatusSubmitted, map[string]any{
			"selectedDex": selection.Venue,
		})
	}

	settlement, err := p.executeOn(ctx, chosen, job)
	if err != nil {
		return order.Result{}, err
	}

	result := order.Result{
		OrderID:        job.OrderID,
		Venue:          selection.Venue,
		EffectivePrice: selection.EffectivePrice,
		TxHash:         settlement.TxHash,
		Status:         order.StatusConfirmed,
	}
	if err := p.transition(ctx, job.OrderID, orderstore.Update{
		Status:   order.StatusConfirmed,
		Provider: orderstore.Set(result.Venue),
		TxHash:   orderstore.Set(result.TxHash),
	}); err != nil {
		return order.Result{}, err
	}
	p.notifier.Notify(ctx, job.OrderID, order.StatusConfirmed, result)
	return result, nil
}

// executeRecovering turns a panic raised by a venue, including one re-raised by the quote
// fan-out, into a venue error so the run still reaches failed.
func (p *Pipeline) executeRecovering(ctx context.Context, r *run) (result order.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("venue panic", zap.Any("panic", rec), zap.String("venue", r.venue))
			result = order.Result{}
			err = errs.New(scope, errs.CodeVenue,
				errs.WithMessage(fmt.Sprintf("venue panic: %v", rec)),
				errs.WithField("order_id", r.job.OrderID))
		}
	}()
	return p.execute(ctx, r)
}

// collectQuotes fans out to every venue and returns quotes in venue declaration order.
func (p *Pipeline) collectQuotes(ctx context.Context, r *run) ([]order.Quote, error) {
	type outcome struct {
		quote order.Quote
		err   error
	}
	venues := p.venues.All()
	outcomes := iter.Map(venues, func(v *venue.Venue) outcome {
		callCtx, cancel := withTimeout(ctx, p.cfg.QuoteTimeout)
		defer cancel()
		q, err := (*v).Quote(callCtx, r.job.TokenIn, r.job.TokenOut, r.job.Amount)
		if err != nil {
			return outcome{err: venueError(ctx, (*v).Name(), venue.OpQuote, err)}
		}
		if q.Venue == "" {
			q.Venue = (*v).Name()
		}
		return outcome{quote: q}
	})

	quotes := make([]order.Quote, 0, len(outcomes))
	var failures []error
	for idx, o := range outcomes {
		if o.err != nil {
			r.logger.Warn("quote failed", zap.String("venue", venues[idx].Name()), zap.Error(o.err))
			failures = append(failures, o.err)
			continue
		}
		quotes = append(quotes, o.quote)
	}
	if len(failures) > 0 && (p.cfg.QuotePolicy == QuotePolicyAll || len(quotes) == 0) {
		return nil, failures[0]
	}
	return quotes, nil
}

func (p *Pipeline) executeOn(ctx context.Context, v venue.Venue, job order.Job) (order.Settlement, error) {
	callCtx, cancel := withTimeout(ctx, p.cfg.ExecuteTimeout)
	defer cancel()
	settlement, err := v.Execute(callCtx, job.TokenIn, job.Amount)
	if err != nil {
		return order.Settlement{}, venueError(ctx, v.Name(), venue.OpExecute, err)
	}
	if strings.TrimSpace(settlement.TxHash) == "" {
		return order.Settlement{}, errs.New(scope, errs.CodeVenue,
			errs.WithMessage(fmt.Sprintf("execute on %s returned no settlement reference", v.Name())),
			errs.WithField("venue", v.Name()))
	}
	return settlement, nil
}

// fail records the terminal failed transition. Store errors here are logged and never replace
// the original failure.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) {
	writeCtx := context.WithoutCancel(ctx)
	if err := p.store.Update(writeCtx, r.job.OrderID, orderstore.Update{
		Status:   order.StatusFailed,
		Provider: orderstore.Clear(),
		TxHash:   orderstore.Clear(),
	}); err != nil {
		r.logger.Error("record failed status", zap.Error(err), zap.NamedError("cause", cause))
	}

	reason := errs.Reason(cause)
	data := map[string]any{
		"error":       reason,
		"attempt":     r.job.Attempt,
		"maxAttempts": r.job.MaxAttempts,
		"final":       r.job.Final(),
	}
	if r.venue != "" {
		data["selectedDex"] = r.venue
	}
	p.notifier.Notify(writeCtx, r.job.OrderID, order.StatusFailed, data)

	if r.job.Final() {
		r.logger.Error("order failed, no attempts left", zap.Error(cause))
		return
	}
	r.logger.Warn("order failed, queue will retry", zap.Error(cause))
}

func (p *Pipeline) transition(ctx context.Context, orderID string, update orderstore.Update) error {
	if err := p.store.Update(ctx, orderID, update); err != nil {
		return errs.New(scope, errs.CodePersistence,
			errs.WithMessage("persist "+string(update.Status)),
			errs.WithField("order_id", orderID),
			errs.WithCause(err))
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// venueError classifies a venue call failure. A deadline that fired while the parent context is
// still live is our own timeout.
func venueError(parent context.Context, name, op string, err error) error {
	code := errs.CodeVenue
	msg := fmt.Sprintf("%s on %s failed", op, name)
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		code = errs.CodeTimeout
		msg = fmt.Sprintf("%s on %s timed out", op, name)
	}
	return errs.New(scope, code,
		errs.WithMessage(msg),
		errs.WithField("venue", name),
		errs.WithField("operation", op),
		errs.WithCause(err))
}

// Handle runs Process and reports only the error, matching the queue handler signature.
func (p *Pipeline) Handle(ctx context.Context, job order.Job) error {
	_, err := p.Process(ctx, job)
	return err
}

// DeadLetter records failed for a job the queue gave up on without running it, such as a lease
// that expired on the final attempt. Settled or unknown orders are left alone.
func (p *Pipeline) DeadLetter(ctx context.Context, job order.Job, reason string) {
	r := &run{
		job: job,
		logger: p.logger.With(
			zap.String("order_id", job.OrderID),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
		),
	}
	stored, err := p.store.Get(ctx, job.OrderID)
	switch {
	case errors.Is(err, orderstore.ErrNotFound):
		r.logger.Warn("dead-lettered job references unknown order")
		return
	case err != nil:
		r.logger.Error("load dead-lettered order", zap.Error(err))
	case stored.Status == order.StatusConfirmed:
		r.logger.Warn("dead-lettered job for settled order, status kept", zap.String("tx_hash", stored.TxHash))
		return
	}
	if job.MaxAttempts > 0 && job.Attempt < job.MaxAttempts {
		job.Attempt = job.MaxAttempts
		r.job = job
	}
	p.fail(ctx, r, errs.New(scope, errs.CodeUnavailable, errs.WithMessage(reason)))
	p.metrics.RecordOrder(context.WithoutCancel(ctx), string(order.StatusFailed), 0)
}
