package venue

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/infra/telemetry"
)

// Kinds of configurable venues.
const (
	KindSimulated = "simulated"
	KindStatic    = "static"
	KindScript    = "script"
)

// Spec is the configuration of one venue.
type Spec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// simulated / static
	BasePrice    string        `yaml:"basePrice"`
	SpreadLow    float64       `yaml:"spreadLow"`
	SpreadWidth  float64       `yaml:"spreadWidth"`
	Fee          string        `yaml:"fee"`
	QuoteLatency time.Duration `yaml:"quoteLatency"`
	ExecuteMin   time.Duration `yaml:"executeMin"`
	ExecuteMax   time.Duration `yaml:"executeMax"`
	FailureRate  float64       `yaml:"failureRate"`
	Seed         uint64        `yaml:"seed"`
	TxHash       string        `yaml:"txHash"`

	// script
	ScriptPath string `yaml:"scriptPath"`
	Script     string `yaml:"script"`
}

// DefaultSpecs returns the Raydium and Meteora simulations.
func DefaultSpecs() []Spec {
	return []Spec{specFromSimulated(RaydiumConfig()), specFromSimulated(MeteoraConfig())}
}

func specFromSimulated(cfg SimulatedConfig) Spec {
	return Spec{
		Name:         cfg.Name,
		Kind:         KindSimulated,
		BasePrice:    cfg.BasePrice.String(),
		SpreadLow:    cfg.SpreadLow,
		SpreadWidth:  cfg.SpreadWidth,
		Fee:          cfg.Fee.String(),
		QuoteLatency: cfg.QuoteLatency,
		ExecuteMin:   cfg.ExecuteMin,
		ExecuteMax:   cfg.ExecuteMax,
	}
}

// Build constructs an instrumented venue set from specs, preserving their order.
func Build(specs []Spec, metrics *telemetry.Metrics, logger *zap.Logger) (*Set, error) {
	venues := make([]Venue, 0, len(specs))
	for _, spec := range specs {
		v, err := build(spec)
		if err != nil {
			return nil, err
		}
		venues = append(venues, Instrument(v, metrics, logger))
	}
	return NewSet(venues...)
}

func build(spec Spec) (Venue, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	switch kind {
	case "", KindSimulated:
		cfg, err := spec.simulated()
		if err != nil {
			return nil, err
		}
		return NewSimulated(cfg)
	case KindStatic:
		price, err := decimal.NewFromString(spec.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("venue %s: basePrice: %w", spec.Name, err)
		}
		fee, err := parseFee(spec)
		if err != nil {
			return nil, err
		}
		opts := []StaticOption{}
		if spec.TxHash != "" {
			opts = append(opts, WithTxHash(spec.TxHash))
		}
		return NewStatic(spec.Name, price, fee, opts...), nil
	case KindScript:
		source := spec.Script
		if spec.ScriptPath != "" {
			raw, err := os.ReadFile(spec.ScriptPath)
			if err != nil {
				return nil, fmt.Errorf("venue %s: read script: %w", spec.Name, err)
			}
			source = string(raw)
		}
		if strings.TrimSpace(source) == "" {
			return nil, fmt.Errorf("venue %s: script or scriptPath required", spec.Name)
		}
		cfg, err := spec.simulated()
		if err != nil {
			return nil, err
		}
		fallback, err := NewSimulated(cfg)
		if err != nil {
			return nil, err
		}
		return NewScript(spec.Name, source, fallback)
	default:
		return nil, fmt.Errorf("venue %s: unknown kind %q", spec.Name, spec.Kind)
	}
}

func (spec Spec) simulated() (SimulatedConfig, error) {
	base := decimal.NewFromInt(1)
	if spec.BasePrice != "" {
		parsed, err := decimal.NewFromString(spec.BasePrice)
		if err != nil {
			return SimulatedConfig{}, fmt.Errorf("venue %s: basePrice: %w", spec.Name, err)
		}
		base = parsed
	}
	fee, err := parseFee(spec)
	if err != nil {
		return SimulatedConfig{}, err
	}
	low, width := spec.SpreadLow, spec.SpreadWidth
	if low == 0 {
		low, width = 0.98, 0.04
	}
	return SimulatedConfig{
		Name:         spec.Name,
		BasePrice:    base,
		SpreadLow:    low,
		SpreadWidth:  width,
		Fee:          fee,
		QuoteLatency: spec.QuoteLatency,
		ExecuteMin:   spec.ExecuteMin,
		ExecuteMax:   spec.ExecuteMax,
		FailureRate:  spec.FailureRate,
		Seed:         spec.Seed,
	}, nil
}

func parseFee(spec Spec) (decimal.Decimal, error) {
	if spec.Fee == "" {
		return decimal.Zero, nil
	}
	fee, err := decimal.NewFromString(spec.Fee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue %s: fee: %w", spec.Name, err)
	}
	return fee, nil
}
