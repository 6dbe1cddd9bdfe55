package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trips whenever the engine cannot prove its view of the exchange is
// correct. The tick loop gates on IsOpen at stage one and fails closed:
// a breaker that cannot report its state counts as open.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Trip reasons.
const (
	TripPositionTrackingFailed = "POSITION_TRACKING_FAILED"
	TripStopLossBlind          = "STOP_LOSS_BLIND"
	TripVerifyRateLimited      = "VERIFY_RATE_LIMITED"
	TripManual                 = "MANUAL"
)

// Breaker is a one-way latch until explicitly reset by an operator.
type Breaker struct {
	open atomic.Bool

	mu        sync.Mutex
	reason    string
	trippedAt time.Time
	trips     int64

	onTrip func(reason string)
}

// NewBreaker creates a closed breaker. onTrip, if non-nil, is invoked
// once per trip outside any lock.
func NewBreaker(onTrip func(reason string)) *Breaker {
	return &Breaker{onTrip: onTrip}
}

// IsOpen is lock-free so the tick gate never blocks behind a writer.
func (b *Breaker) IsOpen() bool {
	return b.open.Load()
}

// Trip opens the breaker. Repeated trips update the reason but notify
// only on the closed-to-open edge.
func (b *Breaker) Trip(reason string) {
	first := !b.open.Swap(true)

	b.mu.Lock()
	b.reason = reason
	b.trippedAt = time.Now()
	b.trips++
	b.mu.Unlock()

	log.Error().Str("reason", reason).Bool("first", first).Msg("🚨 Circuit breaker tripped")

	if first && b.onTrip != nil {
		b.onTrip(reason)
	}
}

// Reset closes the breaker. Operator action only.
func (b *Breaker) Reset() {
	b.open.Store(false)

	b.mu.Lock()
	b.reason = ""
	b.mu.Unlock()

	log.Warn().Msg("Circuit breaker reset")
}

// Status returns the latch state for snapshots.
func (b *Breaker) Status() (open bool, reason string, trippedAt time.Time, trips int64) {
	open = b.open.Load()

	b.mu.Lock()
	reason = b.reason
	trippedAt = b.trippedAt
	trips = b.trips
	b.mu.Unlock()
	return
}
