package risk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripLatches(t *testing.T) {
	b := NewBreaker(nil)
	assert.False(t, b.IsOpen())

	b.Trip(TripPositionTrackingFailed)
	assert.True(t, b.IsOpen())

	// Stays open until an explicit reset.
	b.Trip(TripStopLossBlind)
	assert.True(t, b.IsOpen())

	open, reason, _, trips := b.Status()
	assert.True(t, open)
	assert.Equal(t, TripStopLossBlind, reason)
	assert.Equal(t, int64(2), trips)

	b.Reset()
	assert.False(t, b.IsOpen())
}

func TestBreakerNotifiesOnceOnEdge(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	b := NewBreaker(func(reason string) {
		mu.Lock()
		calls = append(calls, reason)
		mu.Unlock()
	})

	b.Trip(TripVerifyRateLimited)
	b.Trip(TripVerifyRateLimited)
	b.Trip(TripManual)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{TripVerifyRateLimited}, calls)
}

func TestBreakerConcurrentTrips(t *testing.T) {
	var mu sync.Mutex
	notified := 0
	b := NewBreaker(func(string) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Trip(TripManual)
		}()
	}
	wg.Wait()

	assert.True(t, b.IsOpen())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notified)
}
