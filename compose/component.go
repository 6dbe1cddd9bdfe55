package compose

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMPONENT CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Strategies are composed from typed components. Each component carries
// metadata, an evaluate function, and a config validator; init and
// shutdown hooks are optional. A component's version id is
// <prefix>-<name>-v<version>, prefix derived from its type.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ComponentType classifies what a component contributes to a pipeline.
type ComponentType string

const (
	TypeProbability     ComponentType = "probability"
	TypeEntry           ComponentType = "entry"
	TypeExit            ComponentType = "exit"
	TypeSizing          ComponentType = "sizing"
	TypePriceSource     ComponentType = "price-source"
	TypeAnalysis        ComponentType = "analysis"
	TypeSignalGenerator ComponentType = "signal-generator"
)

// typePrefixes maps a component type to its versionId prefix.
var typePrefixes = map[ComponentType]string{
	TypeProbability:     "prob",
	TypeEntry:           "entry",
	TypeExit:            "exit",
	TypeSizing:          "sizing",
	TypePriceSource:     "src",
	TypeAnalysis:        "anal",
	TypeSignalGenerator: "sig",
}

// Prefix returns the versionId prefix for a type, "" if unknown.
func (t ComponentType) Prefix() string {
	return typePrefixes[t]
}

// Valid reports whether the type is one of the known seven.
func (t ComponentType) Valid() bool {
	_, ok := typePrefixes[t]
	return ok
}

// Metadata identifies a component.
type Metadata struct {
	Name    string
	Version int
	Type    ComponentType
}

// VersionID renders the canonical component id, e.g. "prob-blackscholes-v1".
func (m Metadata) VersionID() string {
	return fmt.Sprintf("%s-%s-v%d", m.Type.Prefix(), m.Name, m.Version)
}

// Config is the strategy-level configuration shared across components.
type Config map[string]interface{}

// Float reads a numeric config value with a default.
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// String reads a string config value with a default.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// WindowContext is the per-window input to every component evaluation.
type WindowContext struct {
	WindowID       string
	Symbol         string
	MarketID       string
	TokenIDUp      string
	TokenIDDown    string
	OraclePrice    decimal.Decimal
	ReferencePrice decimal.Decimal
	MarketPrice    float64 // UP-token mid, NaN when the book is empty
	TimeToExpiry   time.Duration
	Sigma          float64
	SpotPrices     map[string]decimal.Decimal // source -> price
}

// Result is one component evaluation outcome. Probability is set by
// probability components; Signal by legacy signal-generators; Fields
// carries anything else downstream slots may read.
type Result struct {
	Probability *float64
	Signal      string
	Fields      map[string]interface{}
}

// Component is the contract every registered module satisfies.
type Component interface {
	Metadata() Metadata
	Evaluate(ctx *WindowContext, cfg Config) (Result, error)
	ValidateConfig(cfg Config) error
}

// Initializer is an optional startup hook.
type Initializer interface {
	Init() error
}

// Shutdowner is an optional teardown hook.
type Shutdowner interface {
	Shutdown()
}
