package venue

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/order"
)

// SimulatedConfig describes a randomized stand-in for an on-chain venue. Quoted prices are
// BasePrice × (SpreadLow + U[0,1) × SpreadWidth).
type SimulatedConfig struct {
	Name         string
	BasePrice    decimal.Decimal
	SpreadLow    float64
	SpreadWidth  float64
	Fee          decimal.Decimal
	QuoteLatency time.Duration
	ExecuteMin   time.Duration
	ExecuteMax   time.Duration
	FailureRate  float64
	Seed         uint64
}

// RaydiumConfig mirrors the default Raydium simulation.
func RaydiumConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:         "Raydium",
		BasePrice:    decimal.NewFromInt(1),
		SpreadLow:    0.98,
		SpreadWidth:  0.04,
		Fee:          decimal.RequireFromString("0.0025"),
		QuoteLatency: 200 * time.Millisecond,
		ExecuteMin:   2 * time.Second,
		ExecuteMax:   3 * time.Second,
	}
}

// MeteoraConfig mirrors the default Meteora simulation.
func MeteoraConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:         "Meteora",
		BasePrice:    decimal.NewFromInt(1),
		SpreadLow:    0.97,
		SpreadWidth:  0.05,
		Fee:          decimal.RequireFromString("0.003"),
		QuoteLatency: 200 * time.Millisecond,
		ExecuteMin:   2 * time.Second,
		ExecuteMax:   3 * time.Second,
	}
}

// Simulated is a venue with randomized prices, latency and optional failures.
type Simulated struct {
	cfg SimulatedConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated validates cfg and builds the venue. A zero Seed draws a random one.
func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("simulated venue: name required")
	}
	if !cfg.BasePrice.IsPositive() {
		return nil, fmt.Errorf("simulated venue %s: base price must be positive", cfg.Name)
	}
	if cfg.SpreadLow <= 0 || cfg.SpreadWidth < 0 {
		return nil, fmt.Errorf("simulated venue %s: invalid spread", cfg.Name)
	}
	if cfg.Fee.IsNegative() || cfg.Fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("simulated venue %s: fee must be in [0,1)", cfg.Name)
	}
	if cfg.ExecuteMax < cfg.ExecuteMin {
		return nil, fmt.Errorf("simulated venue %s: executeMax below executeMin", cfg.Name)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("simulated venue %s: failure rate must be in [0,1]", cfg.Name)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}, nil
}

// Name returns the venue name.
func (s *Simulated) Name() string { return s.cfg.Name }

// Quote sleeps for the configured latency and returns a randomized price.
func (s *Simulated) Quote(ctx context.Context, tokenIn, tokenOut string, _ decimal.Decimal) (order.Quote, error) {
	if err := sleep(ctx, s.cfg.QuoteLatency); err != nil {
		return order.Quote{}, err
	}
	factor, fail := s.draw()
	if fail {
		return order.Quote{}, errs.New("venue/"+s.cfg.Name, errs.CodeVenue,
			errs.WithMessage("simulated quote failure"),
			errs.WithField("pair", tokenIn+"/"+tokenOut))
	}
	price := s.cfg.BasePrice.Mul(decimal.NewFromFloat(factor)).Round(8)
	return order.Quote{Venue: s.cfg.Name, Price: price, Fee: s.cfg.Fee}, nil
}

// Execute sleeps for a random duration in [ExecuteMin, ExecuteMax] and returns a fresh
// transaction hash.
func (s *Simulated) Execute(ctx context.Context, tokenIn string, _ decimal.Decimal) (order.Settlement, error) {
	if err := sleep(ctx, s.executeLatency()); err != nil {
		return order.Settlement{}, err
	}
	if _, fail := s.draw(); fail {
		return order.Settlement{}, errs.New("venue/"+s.cfg.Name, errs.CodeVenue,
			errs.WithMessage("simulated execution failure"),
			errs.WithField("token_in", tokenIn))
	}
	return order.Settlement{TxHash: s.txHash(), Status: order.StatusConfirmed}, nil
}

func (s *Simulated) draw() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	factor := s.cfg.SpreadLow + s.rng.Float64()*s.cfg.SpreadWidth
	fail := s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate
	return factor, fail
}

func (s *Simulated) executeLatency() time.Duration {
	span := s.cfg.ExecuteMax - s.cfg.ExecuteMin
	if span <= 0 {
		return s.cfg.ExecuteMin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ExecuteMin + time.Duration(s.rng.Int64N(int64(span)+1))
}

func (s *Simulated) txHash() string {
	var buf [32]byte
	s.mu.Lock()
	for i := 0; i < len(buf); i += 8 {
		v := s.rng.Uint64()
		for j := 0; j < 8; j++ {
			buf[i+j] = byte(v >> (8 * j))
		}
	}
	s.mu.Unlock()
	return "0x" + hex.EncodeToString(buf[:])
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
