package model

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CALIBRATION TRACKER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Buckets every emitted probability into deciles and, once windows
// resolve, tracks how often each decile was right. A bucket whose hit
// rate drifts more than 15 points from its midpoint (with enough
// samples) means the model is systematically mispriced there.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	calibrationBuckets   = 10
	calibrationMinSample = 100
	calibrationMaxDev    = 0.15
)

// BucketStats is the resolved-prediction tally for one decile.
type BucketStats struct {
	Name     string  `json:"name"` // e.g. "10-20%"
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	HitRate  float64 `json:"hit_rate"`
	Midpoint float64 `json:"midpoint"`
	Alert    bool    `json:"alert"`
}

type pendingPrediction struct {
	probUp float64
	bucket int
}

// Calibration accumulates predictions and scores them on resolution.
type Calibration struct {
	mu      sync.Mutex
	pending map[string][]pendingPrediction // windowID -> predictions
	total   [calibrationBuckets]int
	correct [calibrationBuckets]int
}

// NewCalibration creates an empty tracker.
func NewCalibration() *Calibration {
	return &Calibration{pending: make(map[string][]pendingPrediction)}
}

// BucketIndex maps a probability to its decile. Buckets are half-open
// [lo, hi) except the last, which closes at 1.0.
func BucketIndex(p float64) int {
	if math.IsNaN(p) {
		return 0
	}
	if p >= 1 {
		return calibrationBuckets - 1
	}
	if p < 0 {
		return 0
	}
	return int(p * calibrationBuckets)
}

// BucketName renders a decile as "10-20%".
func BucketName(i int) string {
	return fmt.Sprintf("%d-%d%%", i*10, (i+1)*10)
}

// Record files a prediction against a window awaiting resolution.
func (c *Calibration) Record(windowID string, probUp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[windowID] = append(c.pending[windowID], pendingPrediction{
		probUp: probUp,
		bucket: BucketIndex(probUp),
	})
}

// Resolve scores all pending predictions for a window. A prediction is
// correct when its direction call (probUp >= 0.5 means up) matches the
// outcome.
func (c *Calibration) Resolve(windowID, outcome string) {
	up := outcome == "up"

	c.mu.Lock()
	defer c.mu.Unlock()

	preds := c.pending[windowID]
	delete(c.pending, windowID)

	for _, p := range preds {
		c.total[p.bucket]++
		if (p.probUp >= 0.5) == up {
			c.correct[p.bucket]++
		}
	}

	for i := range c.total {
		if stats := c.bucketStatsLocked(i); stats.Alert {
			log.Warn().
				Str("bucket", stats.Name).
				Int("n", stats.Total).
				Float64("hit_rate", stats.HitRate).
				Msg("⚠️ Calibration drift")
		}
	}
}

// Stats returns the per-bucket tallies.
func (c *Calibration) Stats() []BucketStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]BucketStats, calibrationBuckets)
	for i := range out {
		out[i] = c.bucketStatsLocked(i)
	}
	return out
}

func (c *Calibration) bucketStatsLocked(i int) BucketStats {
	s := BucketStats{
		Name:     BucketName(i),
		Total:    c.total[i],
		Correct:  c.correct[i],
		Midpoint: (float64(i) + 0.5) / calibrationBuckets,
	}
	if s.Total > 0 {
		s.HitRate = float64(s.Correct) / float64(s.Total)
	}
	s.Alert = s.Total >= calibrationMinSample &&
		math.Abs(s.HitRate-s.Midpoint) > calibrationMaxDev
	return s
}
