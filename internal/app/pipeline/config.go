package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// QuotePolicy decides how partial venue failures during routing are handled.
type QuotePolicy string

const (
	// QuotePolicyAll fails the run when any venue fails to quote.
	QuotePolicyAll QuotePolicy = "all"
	// QuotePolicyAny proceeds with the quotes that succeeded and fails only if none did.
	QuotePolicyAny QuotePolicy = "any"
)

// Config tunes a pipeline run.
type Config struct {
	QuotePolicy    QuotePolicy   `yaml:"quotePolicy"`
	QuoteTimeout   time.Duration `yaml:"quoteTimeout"`
	ExecuteTimeout time.Duration `yaml:"executeTimeout"`
	EmitBuilding   bool          `yaml:"emitBuilding"`
	EmitSubmitted  bool          `yaml:"emitSubmitted"`
}

// DefaultConfig returns the production defaults. Zero timeouts disable the deadline.
func DefaultConfig() Config {
	return Config{
		QuotePolicy:    QuotePolicyAll,
		QuoteTimeout:   5 * time.Second,
		ExecuteTimeout: 30 * time.Second,
		EmitBuilding:   true,
		EmitSubmitted:  false,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch QuotePolicy(strings.ToLower(string(c.QuotePolicy))) {
	case QuotePolicyAll, QuotePolicyAny, "":
	default:
		return fmt.Errorf("pipeline: unknown quote policy %q", c.QuotePolicy)
	}
	if c.QuoteTimeout < 0 || c.ExecuteTimeout < 0 {
		return fmt.Errorf("pipeline: timeouts must not be negative")
	}
	return nil
}
