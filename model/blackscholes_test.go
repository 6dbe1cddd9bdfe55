package model

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormCDFBoundaries(t *testing.T) {
	assert.InDelta(t, 0.5, NormCDF(0), 1e-9)
	assert.InDelta(t, 0.8413, NormCDF(1), 1e-4)
	assert.InDelta(t, 0.1587, NormCDF(-1), 1e-4)
	assert.Equal(t, 1.0, NormCDF(math.Inf(1)))
	assert.Equal(t, 0.0, NormCDF(math.Inf(-1)))
	assert.True(t, math.IsNaN(NormCDF(math.NaN())))
}

func TestNormCDFSymmetry(t *testing.T) {
	for _, x := range []float64{0.3, 1.2, 2.5} {
		assert.InDelta(t, 1.0, NormCDF(x)+NormCDF(-x), 1e-6)
	}
}

func TestProbabilityUpDegenerate(t *testing.T) {
	spot := decimal.NewFromInt(100)
	above := decimal.NewFromInt(90)
	below := decimal.NewFromInt(110)

	// No time left: decided by spot vs strike.
	assert.Equal(t, 1.0, ProbabilityUp(ProbabilityInputs{Spot: spot, Strike: above, Sigma: 0.5, TimeLeftMs: 0}))
	assert.Equal(t, 0.0, ProbabilityUp(ProbabilityInputs{Spot: spot, Strike: below, Sigma: 0.5, TimeLeftMs: -5}))
	assert.Equal(t, 0.5, ProbabilityUp(ProbabilityInputs{Spot: spot, Strike: spot, Sigma: 0.5, TimeLeftMs: 0}))

	// No vol: same rule.
	assert.Equal(t, 1.0, ProbabilityUp(ProbabilityInputs{Spot: spot, Strike: above, Sigma: 0, TimeLeftMs: 60000}))
	assert.Equal(t, 0.0, ProbabilityUp(ProbabilityInputs{Spot: spot, Strike: below, Sigma: 0, TimeLeftMs: 60000}))
}

func TestProbabilityUpAtTheMoney(t *testing.T) {
	// S == K with short T: the sigma^2/2 drift term is tiny, so p is a
	// hair under 0.5.
	p := ProbabilityUp(ProbabilityInputs{
		Spot:       decimal.NewFromInt(94500),
		Strike:     decimal.NewFromInt(94500),
		Sigma:      0.5,
		TimeLeftMs: 10 * 60 * 1000,
	})
	assert.InDelta(t, 0.5, p, 0.01)
	assert.Less(t, p, 0.5)
}

func TestProbabilityUpMoneyness(t *testing.T) {
	base := ProbabilityInputs{
		Strike:     decimal.NewFromInt(94500),
		Sigma:      0.5,
		TimeLeftMs: 10 * 60 * 1000,
	}

	inTheMoney := base
	inTheMoney.Spot = decimal.NewFromInt(94800)
	outOfMoney := base
	outOfMoney.Spot = decimal.NewFromInt(94200)

	pITM := ProbabilityUp(inTheMoney)
	pOTM := ProbabilityUp(outOfMoney)

	assert.Greater(t, pITM, 0.5)
	assert.Less(t, pOTM, 0.5)
	// Symmetric moneyness, near-symmetric probabilities.
	assert.InDelta(t, 1.0, pITM+pOTM, 0.01)
}

func TestProbabilityUpMoreTimeMoreUncertainty(t *testing.T) {
	in := ProbabilityInputs{
		Spot:   decimal.NewFromInt(95000),
		Strike: decimal.NewFromInt(94500),
		Sigma:  0.5,
	}

	in.TimeLeftMs = 60 * 1000
	pShort := ProbabilityUp(in)
	in.TimeLeftMs = 14 * 60 * 1000
	pLong := ProbabilityUp(in)

	// With spot above strike, more time remaining dilutes the edge.
	assert.Greater(t, pShort, pLong)
	assert.Greater(t, pLong, 0.5)
}
