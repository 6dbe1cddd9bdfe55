package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3quant/edgebot/exchange"
	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/storage"
	"github.com/web3quant/edgebot/types"
)

type fakeBooks struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (f *fakeBooks) Subscribe(tokenID, symbol string) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, tokenID)
	f.mu.Unlock()
}

func (f *fakeBooks) Unsubscribe(tokenID string) {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, tokenID)
	f.mu.Unlock()
}

type fakeMarkets struct {
	markets []exchange.MarketInfo
}

func (f *fakeMarkets) FetchActiveWindowMarkets([]string) ([]exchange.MarketInfo, error) {
	return f.markets, nil
}

func testScheduler(t *testing.T, markets *fakeMarkets, books *fakeBooks) *Scheduler {
	t.Helper()

	db, err := storage.NewDatabase("")
	require.NoError(t, err)

	s := NewScheduler(Config{
		Symbols:          []string{"btc", "eth"},
		ScanInterval:     time.Hour,
		SignalOffsetsSec: []int{120, 60, 10},
		SettlementDelay:  2 * time.Second,
	}, Hooks{}, markets, books, nil, feeds.NewPriceCache(), db)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func btcMarket(endDate time.Time) exchange.MarketInfo {
	return exchange.MarketInfo{
		ID:          "m1",
		ConditionID: "cond-1",
		Question:    "Will BTC be above $94,500 at 12:15 UTC?",
		EndDate:     endDate,
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
	}
}

func TestTrackCreatesWindowOnce(t *testing.T) {
	endDate := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	books := &fakeBooks{}
	s := testScheduler(t, &fakeMarkets{markets: []exchange.MarketInfo{btcMarket(endDate)}}, books)

	s.scan()
	s.scan()
	s.scan()

	windows := s.Active()
	require.Len(t, windows, 1)

	w := windows[0]
	assert.Equal(t, "btc", w.Symbol)
	assert.Equal(t, "94500", w.ReferencePrice.String())
	assert.Equal(t, endDate.Unix()-900, w.Epoch)
	assert.Equal(t, WindowIDFor("btc", w.Epoch), w.ID)

	// Both outcome tokens are subscribed exactly once.
	books.mu.Lock()
	assert.Equal(t, []string{"tok-up", "tok-down"}, books.subscribed)
	books.mu.Unlock()

	s.Stop()
}

func TestTrackSkipsQuestionWithoutStrike(t *testing.T) {
	m := btcMarket(time.Now().Add(10 * time.Minute))
	m.Question = "Will BTC close higher at 12:15 UTC?"
	s := testScheduler(t, &fakeMarkets{markets: []exchange.MarketInfo{m}}, &fakeBooks{})

	s.scan()
	assert.Empty(t, s.Active())
	s.Stop()
}

func TestStopUnsubscribesAndClears(t *testing.T) {
	books := &fakeBooks{}
	s := testScheduler(t, &fakeMarkets{markets: []exchange.MarketInfo{btcMarket(time.Now().Add(10 * time.Minute))}}, books)

	s.scan()
	require.Len(t, s.Active(), 1)

	s.Stop()
	assert.Empty(t, s.Active())

	books.mu.Lock()
	defer books.mu.Unlock()
	assert.ElementsMatch(t, []string{"tok-up", "tok-down"}, books.unsubscribed)

	// Second Stop is a no-op.
	s.Stop()
}

// settlementFixture builds a scheduler with an oracle price above the
// strike and a short retention, without starting the scan loop.
func settlementFixture(t *testing.T, onSettle func(w *types.Window, r types.Side)) (*Scheduler, *fakeBooks) {
	t.Helper()

	db, err := storage.NewDatabase("")
	require.NoError(t, err)

	prices := feeds.NewPriceCache()
	prices.Set("btc", feeds.SourceOracle, decimal.NewFromInt(95000), time.Now())

	books := &fakeBooks{}
	s := NewScheduler(Config{
		Symbols:          []string{"btc"},
		ScanInterval:     time.Hour,
		SettlementDelay:  time.Hour,
		SettledRetention: 50 * time.Millisecond,
	}, Hooks{OnSettle: onSettle}, &fakeMarkets{markets: []exchange.MarketInfo{btcMarket(time.Now().Add(10 * time.Minute))}}, books, nil, prices, db)
	return s, books
}

func TestSettledWindowStaysVisibleForExits(t *testing.T) {
	var mu sync.Mutex
	var settled []types.Side
	s, _ := settlementFixture(t, func(w *types.Window, r types.Side) {
		mu.Lock()
		settled = append(settled, r)
		mu.Unlock()
	})

	s.scan()
	windows := s.Active()
	require.Len(t, windows, 1)
	w := windows[0]

	s.settle(w, true)

	// The resolved window must remain retrievable so exit evaluators
	// running on their own cadence can observe the resolution.
	got, ok := s.Get(w.ID)
	require.True(t, ok)
	assert.True(t, got.Resolved)
	assert.Equal(t, types.SideUp, got.Resolution) // oracle 95000 > strike 94500

	mu.Lock()
	assert.Equal(t, []types.Side{types.SideUp}, settled)
	mu.Unlock()

	// Cleanup follows after the retention grace.
	require.Eventually(t, func() bool {
		_, ok := s.Get(w.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSettledWindowNeverRetracked(t *testing.T) {
	s, books := settlementFixture(t, nil)

	s.scan()
	windows := s.Active()
	require.Len(t, windows, 1)
	w := windows[0]

	s.settle(w, true)
	require.Eventually(t, func() bool {
		_, ok := s.Get(w.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	// The markets API can keep listing the settled market for a few
	// scans; the window must not come back or resubscribe its tokens.
	s.scan()
	s.scan()
	assert.Empty(t, s.Active())

	books.mu.Lock()
	defer books.mu.Unlock()
	assert.Equal(t, []string{"tok-up", "tok-down"}, books.subscribed)
}

func TestOpenCaptureWithoutSourcesLeavesOpensEmpty(t *testing.T) {
	s := testScheduler(t, &fakeMarkets{markets: []exchange.MarketInfo{btcMarket(time.Now().Add(10 * time.Minute))}}, &fakeBooks{})

	s.scan()
	windows := s.Active()
	require.Len(t, windows, 1)

	// No live source inside the tolerance and nothing persisted from a
	// previous run: the opens stay unset rather than erroring.
	w := windows[0]
	assert.True(t, w.OpenPrices.Composite.IsZero())
	assert.True(t, w.OpenPrices.Aggregator.IsZero())
	assert.True(t, w.OpenPrices.VWAP20.IsZero())
	s.Stop()
}

func TestGetTrackedWindow(t *testing.T) {
	s := testScheduler(t, &fakeMarkets{markets: []exchange.MarketInfo{btcMarket(time.Now().Add(10 * time.Minute))}}, &fakeBooks{})

	s.scan()
	windows := s.Active()
	require.Len(t, windows, 1)

	got, ok := s.Get(windows[0].ID)
	assert.True(t, ok)
	assert.Same(t, windows[0], got)

	_, ok = s.Get("btc-15m-0")
	assert.False(t, ok)
	s.Stop()
}
