package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/order"
)

// Script is a venue whose pricing is a JavaScript module evaluated with goja. The module must
// export quote(tokenIn, tokenOut, amount) returning {price, fee}; amounts are passed as strings.
// An optional execute(tokenIn, amount) export returns {txHash}; without it executions settle
// through the fallback venue.
type Script struct {
	name     string
	fallback Venue

	mu      sync.Mutex
	rt      *goja.Runtime
	quote   goja.Callable
	execute goja.Callable
}

// NewScript compiles source and binds its exports.
func NewScript(name, source string, fallback Venue) (*Script, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("script venue: name required")
	}
	program, err := goja.Compile(name+".js", source, true)
	if err != nil {
		return nil, fmt.Errorf("script venue %s: compile: %w", name, err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("script venue %s: module init: %w", name, err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("script venue %s: module init: %w", name, err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("script venue %s: module init: %w", name, err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("script venue %s: run: %w", name, err)
	}
	bound := module.Get("exports").ToObject(rt)

	quoteFn, ok := goja.AssertFunction(bound.Get("quote"))
	if !ok {
		return nil, fmt.Errorf("script venue %s: quote export missing", name)
	}
	s := &Script{name: name, fallback: fallback, rt: rt, quote: quoteFn}
	if fn, ok := goja.AssertFunction(bound.Get("execute")); ok {
		s.execute = fn
	} else if fallback == nil {
		return nil, fmt.Errorf("script venue %s: execute export or fallback venue required", name)
	}
	return s, nil
}

// Name returns the venue name.
func (s *Script) Name() string { return s.name }

// Quote evaluates the script's quote export.
func (s *Script) Quote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (order.Quote, error) {
	out, err := s.call(ctx, s.quote, tokenIn, tokenOut, amount.String())
	if err != nil {
		return order.Quote{}, err
	}
	price, err := decimal.NewFromString(out["price"])
	if err != nil {
		return order.Quote{}, s.fault("quote returned invalid price", err)
	}
	fee, err := decimal.NewFromString(out["fee"])
	if err != nil {
		return order.Quote{}, s.fault("quote returned invalid fee", err)
	}
	q := order.Quote{Venue: s.name, Price: price, Fee: fee}
	if err := q.Validate(); err != nil {
		return order.Quote{}, s.fault("quote out of bounds", err)
	}
	return q, nil
}

// Execute evaluates the script's execute export or delegates to the fallback venue.
func (s *Script) Execute(ctx context.Context, tokenIn string, amount decimal.Decimal) (order.Settlement, error) {
	if s.execute == nil {
		return s.fallback.Execute(ctx, tokenIn, amount)
	}
	out, err := s.call(ctx, s.execute, tokenIn, amount.String())
	if err != nil {
		return order.Settlement{}, err
	}
	hash := strings.TrimSpace(out["txHash"])
	if hash == "" {
		return order.Settlement{}, s.fault("execute returned no txHash", nil)
	}
	return order.Settlement{TxHash: hash, Status: order.StatusConfirmed}, nil
}

// call runs fn on the runtime and flattens the returned object to strings, so decimal parsing
// sees the script's own number formatting.
func (s *Script) call(ctx context.Context, fn goja.Callable, args ...string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rt.ClearInterrupt()

	stop := context.AfterFunc(ctx, func() { s.rt.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		s.rt.ClearInterrupt()
	}()

	params := make([]goja.Value, len(args))
	for i, arg := range args {
		params[i] = s.rt.ToValue(arg)
	}
	value, err := fn(goja.Undefined(), params...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, s.fault("script raised", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, s.fault("script returned no object", nil)
	}
	obj := value.ToObject(s.rt)
	fields := make(map[string]string, len(obj.Keys()))
	for _, key := range obj.Keys() {
		fields[key] = obj.Get(key).String()
	}
	return fields, nil
}

func (s *Script) fault(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("venue/"+s.name, errs.CodeVenue, opts...)
}
