package feeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheLatestWins(t *testing.T) {
	pc := NewPriceCache()
	now := time.Now()

	pc.Set("btc", SourceComposite, d("100000"), now.Add(-time.Second))
	pc.Set("btc", SourceComposite, d("100250"), now)

	sp, ok := pc.Get("btc", SourceComposite)
	require.True(t, ok)
	assert.True(t, sp.Price.Equal(d("100250")))
	assert.Equal(t, now, sp.UpdatedAt)

	_, ok = pc.Get("eth", SourceComposite)
	assert.False(t, ok)
}

func TestOracleRejectsZeroAndMissing(t *testing.T) {
	pc := NewPriceCache()

	_, ok := pc.Oracle("btc")
	assert.False(t, ok)

	pc.Set("btc", SourceOracle, d("0"), time.Now())
	_, ok = pc.Oracle("btc")
	assert.False(t, ok)

	pc.Set("btc", SourceOracle, d("99850.5"), time.Now())
	price, ok := pc.Oracle("btc")
	require.True(t, ok)
	assert.True(t, price.Equal(d("99850.5")))
}

func TestStaleness(t *testing.T) {
	pc := NewPriceCache()

	_, ok := pc.Staleness("btc", SourceAggregator)
	assert.False(t, ok)

	pc.Set("btc", SourceAggregator, d("100000"), time.Now().Add(-3*time.Second))
	age, ok := pc.Staleness("btc", SourceAggregator)
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, 3*time.Second)
}

func TestOpenPricesMissingSourcesStayZero(t *testing.T) {
	pc := NewPriceCache()
	pc.Set("btc", SourceComposite, d("100100"), time.Now())
	pc.Set("btc", SourceVWAP20, d("100050"), time.Now())

	op := pc.OpenPrices("btc")
	assert.True(t, op.Composite.Equal(d("100100")))
	assert.True(t, op.VWAP20.Equal(d("100050")))
	assert.True(t, op.Aggregator.IsZero())
}

func TestHistoryHonorsLookback(t *testing.T) {
	pc := NewPriceCache()
	now := time.Now()

	pc.Set("btc", SourceOracle, d("99000"), now.Add(-20*time.Minute))
	pc.Set("btc", SourceOracle, d("99500"), now.Add(-10*time.Minute))
	pc.Set("btc", SourceOracle, d("100000"), now.Add(-time.Minute))

	points := pc.History("btc", 15*time.Minute)
	require.Len(t, points, 2)
	assert.True(t, points[0].Price.Equal(d("99500")))
	assert.True(t, points[1].Price.Equal(d("100000")))

	// Only oracle observations land in history.
	pc.Set("btc", SourceComposite, d("100100"), now)
	assert.Len(t, pc.History("btc", time.Hour), 3)
}

func TestHistoryTrimsBeyondRetention(t *testing.T) {
	pc := NewPriceCache()
	now := time.Now()

	// Enough stale points to cross the lazy-trim threshold.
	for i := 0; i < 70; i++ {
		pc.Set("btc", SourceOracle, d("98000"), now.Add(-8*time.Hour))
	}
	pc.Set("btc", SourceOracle, d("100000"), now)

	pc.histMu.RLock()
	kept := len(pc.history["btc"])
	pc.histMu.RUnlock()
	assert.Equal(t, 1, kept)
}

func TestVWAPRollingWindow(t *testing.T) {
	pc := NewPriceCache()
	f := NewVWAPFeed("wss://example", []string{"btc"}, pc)

	// Fill the window with 100s, then push one 200 with matched volume.
	for i := 0; i < vwapWindow; i++ {
		f.record("btc", d("100"), d("1"))
	}
	f.record("btc", d("200"), d("19"))

	sp, ok := pc.Get("btc", SourceVWAP20)
	require.True(t, ok)
	// Window is now 19 trades at 100 plus 19 lots at 200:
	// (19*100 + 19*200) / 38 = 150.
	assert.True(t, sp.Price.Equal(d("150")), "vwap=%s", sp.Price)

	comp, ok := pc.Get("btc", SourceComposite)
	require.True(t, ok)
	assert.True(t, comp.Price.Equal(d("200")))

	f.mu.Lock()
	kept := len(f.trades["btc"])
	f.mu.Unlock()
	assert.Equal(t, vwapWindow, kept)
}
