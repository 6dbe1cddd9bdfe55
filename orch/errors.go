package orch

import (
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR RING
// ═══════════════════════════════════════════════════════════════════════════════

const (
	ringWindow = 5 * time.Minute
	ringCap    = 1000
)

// ErrorRing pins recent error timestamps to a five minute window with a
// hard cap, and answers the one minute health query.
type ErrorRing struct {
	now func() time.Time

	mu          sync.Mutex
	times       []time.Time
	recoverable int64
	fatal       int64
}

// NewErrorRing creates an empty ring.
func NewErrorRing() *ErrorRing {
	return &ErrorRing{now: time.Now}
}

// RecordRecoverable notes a transient error.
func (r *ErrorRing) RecordRecoverable() {
	r.record(&r.recoverable)
}

// RecordFatal notes a fatal error.
func (r *ErrorRing) RecordFatal() {
	r.record(&r.fatal)
}

func (r *ErrorRing) record(counter *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	*counter++
	r.pruneLocked()
	if len(r.times) >= ringCap {
		r.times = r.times[1:]
	}
	r.times = append(r.times, r.now())
}

// Count1m returns errors seen in the last minute, never above the cap.
func (r *ErrorRing) Count1m() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	cutoff := r.now().Add(-time.Minute)
	n := 0
	for i := len(r.times) - 1; i >= 0; i-- {
		if r.times[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// Totals returns lifetime counters by kind.
func (r *ErrorRing) Totals() (recoverable, fatal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recoverable, r.fatal
}

func (r *ErrorRing) pruneLocked() {
	cutoff := r.now().Add(-ringWindow)
	i := 0
	for i < len(r.times) && r.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.times = r.times[i:]
	}
}
