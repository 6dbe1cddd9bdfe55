package risk

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveEntryExclusive(t *testing.T) {
	s := NewSafeguards(10)

	assert.True(t, s.ReserveEntry("btc-15m-1000", "edge-v1"))
	assert.False(t, s.ReserveEntry("btc-15m-1000", "edge-v1"))

	// Different strategy or window is an independent slot.
	assert.True(t, s.ReserveEntry("btc-15m-1000", "edge-v2"))
	assert.True(t, s.ReserveEntry("btc-15m-1900", "edge-v1"))
}

func TestReserveEntryConcurrent(t *testing.T) {
	s := NewSafeguards(100)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ReserveEntry("btc-15m-1000", "edge-v1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
}

func TestReleaseReopensSlot(t *testing.T) {
	s := NewSafeguards(10)

	assert.True(t, s.ReserveEntry("w", "s"))
	s.ReleaseEntry("w", "s")
	assert.True(t, s.ReserveEntry("w", "s"))
}

func TestConfirmedEntryNeverReleased(t *testing.T) {
	s := NewSafeguards(10)

	assert.True(t, s.ReserveEntry("w", "s"))
	s.ConfirmEntry("w", "s")

	// Release on a confirmed entry must be refused.
	s.ReleaseEntry("w", "s")
	assert.True(t, s.HasEntry("w", "s"))
	assert.False(t, s.ReserveEntry("w", "s"))

	// RemoveEntry is the only way out after confirmation.
	s.RemoveEntry("w", "s")
	assert.True(t, s.ReserveEntry("w", "s"))
}

func TestPerTickEntryBudget(t *testing.T) {
	s := NewSafeguards(2)

	s.ResetTickEntries()
	assert.True(t, s.CanEnterPosition())
	assert.True(t, s.CanEnterPosition())
	assert.False(t, s.CanEnterPosition())

	// Next tick resets the budget.
	s.ResetTickEntries()
	assert.True(t, s.CanEnterPosition())
}
