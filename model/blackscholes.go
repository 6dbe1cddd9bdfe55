package model

import (
	"math"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINARY PROBABILITY MODEL
// ═══════════════════════════════════════════════════════════════════════════════
//
// P(S_T > K) = N(d2) under Black-Scholes with r = 0:
//
//	d2 = (ln(S/K) + (r - σ²/2)·T) / (σ·√T)
//
// T is the remaining window lifetime in years. σ comes from realized
// volatility of the oracle price (see volatility.go).
//
// ═══════════════════════════════════════════════════════════════════════════════

const msPerYear = 365.25 * 86400 * 1000

// ProbabilityInputs are the model inputs for one evaluation.
type ProbabilityInputs struct {
	Spot       decimal.Decimal // S, oracle price
	Strike     decimal.Decimal // K, window reference price
	Sigma      float64         // annualized realized vol
	TimeLeftMs int64           // window time remaining
}

// ProbabilityUp returns P(up) = P(S_T > K) = N(d2).
//
// Degenerate inputs resolve deterministically: with no time or no vol the
// window is decided by where spot sits relative to strike.
func ProbabilityUp(in ProbabilityInputs) float64 {
	s, _ := in.Spot.Float64()
	k, _ := in.Strike.Float64()

	if in.TimeLeftMs <= 0 || in.Sigma <= 0 {
		switch {
		case s > k:
			return 1
		case s < k:
			return 0
		default:
			return 0.5
		}
	}
	if s <= 0 || k <= 0 {
		return 0.5
	}

	t := float64(in.TimeLeftMs) / msPerYear
	sqrtT := math.Sqrt(t)
	d2 := (math.Log(s/k) + (-in.Sigma*in.Sigma/2)*t) / (in.Sigma * sqrtT)
	return NormCDF(d2)
}

// NormCDF is the standard normal CDF via the Abramowitz & Stegun 7.1.26
// rational approximation of erf, accurate to about 1e-4. NaN passes
// through.
func NormCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if math.IsInf(x, 1) {
		return 1
	}
	if math.IsInf(x, -1) {
		return 0
	}

	z := x / math.Sqrt2
	sign := 1.0
	if z < 0 {
		sign = -1.0
		z = -z
	}

	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)
	t := 1 / (1 + p*z)
	y := 1 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-z*z)

	return 0.5 * (1 + sign*y)
}
