package compose

import (
	"fmt"

	"github.com/web3quant/edgebot/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BUILT-IN COMPONENTS
// ═══════════════════════════════════════════════════════════════════════════════

// RegisterBuiltins files the stock components into a catalog.
func RegisterBuiltins(c *Catalog) {
	c.Register(&BlackScholesComponent{})
	c.Register(&EdgeEntryComponent{})
	c.Register(&FixedSizingComponent{})
	c.Register(&OraclePriceSource{})
	c.Register(&VolSurpriseAnalysis{})
}

// BlackScholesComponent prices the window as P(up) = N(d2).
type BlackScholesComponent struct{}

func (b *BlackScholesComponent) Metadata() Metadata {
	return Metadata{Name: "blackscholes", Version: 1, Type: TypeProbability}
}

func (b *BlackScholesComponent) ValidateConfig(cfg Config) error {
	sigma := cfg.Float("fallback_sigma", 0.5)
	if sigma <= 0 {
		return fmt.Errorf("fallback_sigma must be positive, got %v", sigma)
	}
	return nil
}

func (b *BlackScholesComponent) Evaluate(ctx *WindowContext, cfg Config) (Result, error) {
	if ctx.OraclePrice.IsZero() {
		return Result{}, fmt.Errorf("no oracle price for %s", ctx.Symbol)
	}

	sigma := ctx.Sigma
	if sigma <= 0 {
		sigma = cfg.Float("fallback_sigma", 0.5)
	}

	p := model.ProbabilityUp(model.ProbabilityInputs{
		Spot:       ctx.OraclePrice,
		Strike:     ctx.ReferencePrice,
		Sigma:      sigma,
		TimeLeftMs: ctx.TimeToExpiry.Milliseconds(),
	})
	return Result{
		Probability: &p,
		Fields: map[string]interface{}{
			"sigma":  sigma,
			"bucket": model.BucketName(model.BucketIndex(p)),
		},
	}, nil
}

// EdgeEntryComponent gates entries on a minimum model edge. The edge
// bounds themselves live in the executor; this slot lets strategies
// tighten the floor per config.
type EdgeEntryComponent struct{}

func (e *EdgeEntryComponent) Metadata() Metadata {
	return Metadata{Name: "edge", Version: 1, Type: TypeEntry}
}

func (e *EdgeEntryComponent) ValidateConfig(cfg Config) error {
	min := cfg.Float("min_edge", 0.10)
	if min < 0 || min > 1 {
		return fmt.Errorf("min_edge out of range: %v", min)
	}
	return nil
}

func (e *EdgeEntryComponent) Evaluate(ctx *WindowContext, cfg Config) (Result, error) {
	return Result{Fields: map[string]interface{}{
		"min_edge": cfg.Float("min_edge", 0.10),
	}}, nil
}

// FixedSizingComponent sizes every entry at a flat dollar amount.
type FixedSizingComponent struct{}

func (f *FixedSizingComponent) Metadata() Metadata {
	return Metadata{Name: "fixed", Version: 1, Type: TypeSizing}
}

func (f *FixedSizingComponent) ValidateConfig(cfg Config) error {
	size := cfg.Float("position_size_dollars", 0)
	if size <= 0 {
		return fmt.Errorf("position_size_dollars must be positive, got %v", size)
	}
	return nil
}

func (f *FixedSizingComponent) Evaluate(ctx *WindowContext, cfg Config) (Result, error) {
	return Result{Fields: map[string]interface{}{
		"size_dollars": cfg.Float("position_size_dollars", 0),
	}}, nil
}

// OraclePriceSource surfaces the oracle spot used by the model.
type OraclePriceSource struct{}

func (o *OraclePriceSource) Metadata() Metadata {
	return Metadata{Name: "oracle", Version: 1, Type: TypePriceSource}
}

func (o *OraclePriceSource) ValidateConfig(Config) error { return nil }

func (o *OraclePriceSource) Evaluate(ctx *WindowContext, cfg Config) (Result, error) {
	if ctx.OraclePrice.IsZero() {
		return Result{}, fmt.Errorf("no oracle price for %s", ctx.Symbol)
	}
	return Result{Fields: map[string]interface{}{
		"oracle_price": ctx.OraclePrice,
	}}, nil
}

// VolSurpriseAnalysis annotates results with the vol regime hint. It
// never blocks a signal.
type VolSurpriseAnalysis struct{}

func (v *VolSurpriseAnalysis) Metadata() Metadata {
	return Metadata{Name: "volsurprise", Version: 1, Type: TypeAnalysis}
}

func (v *VolSurpriseAnalysis) ValidateConfig(Config) error { return nil }

func (v *VolSurpriseAnalysis) Evaluate(ctx *WindowContext, cfg Config) (Result, error) {
	return Result{Fields: map[string]interface{}{
		"sigma": ctx.Sigma,
	}}, nil
}
