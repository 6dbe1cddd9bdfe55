package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketIndex(t *testing.T) {
	cases := []struct {
		p    float64
		name string
	}{
		{0.1, "10-20%"},
		{0.9, "90-100%"},
		{1.0, "90-100%"},
		{-0.1, "0-10%"},
		{1.1, "90-100%"},
		{0.0, "0-10%"},
		{0.55, "50-60%"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.name, BucketName(BucketIndex(tc.p)), "p=%v", tc.p)
	}
}

func TestCalibrationResolve(t *testing.T) {
	c := NewCalibration()

	// Two up-calls and one down-call on the same window.
	c.Record("btc-15m-1000", 0.62)
	c.Record("btc-15m-1000", 0.55)
	c.Record("btc-15m-1000", 0.31)

	c.Resolve("btc-15m-1000", "up")

	stats := c.Stats()
	require.Len(t, stats, 10)

	// 0.62 and 0.55 called up and were correct.
	assert.Equal(t, 1, stats[6].Total)
	assert.Equal(t, 1, stats[6].Correct)
	assert.Equal(t, 1, stats[5].Total)
	assert.Equal(t, 1, stats[5].Correct)

	// 0.31 called down and was wrong.
	assert.Equal(t, 1, stats[3].Total)
	assert.Equal(t, 0, stats[3].Correct)

	// Pending cleared: resolving again is a no-op.
	c.Resolve("btc-15m-1000", "down")
	assert.Equal(t, 1, c.Stats()[6].Total)
}

func TestCalibrationAlertThreshold(t *testing.T) {
	c := NewCalibration()

	// 100 predictions in the 70-80% bucket that are all wrong drags the
	// hit rate far from the 0.75 midpoint.
	for i := 0; i < 100; i++ {
		c.Record("w", 0.72)
	}
	c.Resolve("w", "down")

	stats := c.Stats()
	assert.True(t, stats[7].Alert)
	assert.Equal(t, 0.0, stats[7].HitRate)

	// 99 samples never alert regardless of deviation.
	c2 := NewCalibration()
	for i := 0; i < 99; i++ {
		c2.Record("w", 0.72)
	}
	c2.Resolve("w", "down")
	assert.False(t, c2.Stats()[7].Alert)
}
