package feeds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3quant/edgebot/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Size: d(size)}
}

func seededBook() *Orderbook {
	ob := NewOrderbook("tok-up", "btc")
	ob.ApplySnapshot(
		[]types.PriceLevel{level("0.50", "10"), level("0.49", "5")},
		[]types.PriceLevel{level("0.51", "8"), level("0.52", "4")},
	)
	return ob
}

func TestSnapshotDerivedFields(t *testing.T) {
	snap := seededBook().Snapshot()

	assert.True(t, snap.BestBid.Equal(d("0.50")))
	assert.True(t, snap.BestAsk.Equal(d("0.51")))
	assert.True(t, snap.Mid.Equal(d("0.505")), "mid=%s", snap.Mid)
	assert.True(t, snap.Spread.Equal(d("0.01")))

	// Sides come out sorted best-first.
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].Price.GreaterThan(snap.Bids[1].Price))
	assert.True(t, snap.Asks[0].Price.LessThan(snap.Asks[1].Price))
}

func TestDepthWithinOnePercentOfBest(t *testing.T) {
	snap := seededBook().Snapshot()

	// 0.49 sits below 0.50*0.99, so only the top bid counts: 0.50*10.
	assert.True(t, snap.BidDepth1Pct.Equal(d("5")), "bid depth=%s", snap.BidDepth1Pct)
	// 0.52 sits above 0.51*1.01, so only the top ask counts: 0.51*8.
	assert.True(t, snap.AskDepth1Pct.Equal(d("4.08")), "ask depth=%s", snap.AskDepth1Pct)
}

func TestDeltaRemovesLevelAndRederives(t *testing.T) {
	ob := seededBook()

	// A zero-size delta deletes the 0.51 ask; best ask shifts to 0.52.
	ob.ApplyDelta("SELL", d("0.51"), decimal.Zero)

	snap := ob.Snapshot()
	assert.True(t, snap.BestAsk.Equal(d("0.52")))
	assert.True(t, snap.Mid.Equal(d("0.51")), "mid=%s", snap.Mid)
	assert.True(t, snap.Spread.Equal(d("0.02")))
	require.Len(t, snap.Asks, 1)
}

func TestDeltaUpsertsLevel(t *testing.T) {
	ob := seededBook()

	ob.ApplyDelta("BUY", d("0.50"), d("25"))
	ob.ApplyDelta("BUY", d("0.505"), d("3"))

	snap := ob.Snapshot()
	assert.True(t, snap.BestBid.Equal(d("0.505")))
	require.Len(t, snap.Bids, 3)
	assert.True(t, snap.Bids[1].Size.Equal(d("25")))
}

func TestMidZeroWhenOneSideEmpty(t *testing.T) {
	ob := NewOrderbook("tok", "btc")
	ob.ApplySnapshot([]types.PriceLevel{level("0.40", "10")}, nil)

	assert.True(t, ob.Mid().IsZero())
	assert.True(t, ob.BestBid().Equal(d("0.40")))
	assert.True(t, ob.BestAsk().IsZero())
}

func TestSnapshotDropsZeroSizeLevels(t *testing.T) {
	ob := NewOrderbook("tok", "btc")
	ob.ApplySnapshot(
		[]types.PriceLevel{level("0.50", "10"), level("0.48", "0")},
		[]types.PriceLevel{level("0.51", "0")},
	)

	snap := ob.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Empty(t, snap.Asks)
}

func TestLastTradeDoesNotTouchLevels(t *testing.T) {
	ob := seededBook()
	before := ob.Snapshot()

	ob.SetLastTrade(d("0.507"))

	after := ob.Snapshot()
	assert.True(t, after.LastTradePrice.Equal(d("0.507")))
	assert.Equal(t, len(before.Bids), len(after.Bids))
	assert.Equal(t, len(before.Asks), len(after.Asks))
	assert.False(t, ob.LastUpdateAt().IsZero())
}

func TestLastUpdateAdvancesOnMutation(t *testing.T) {
	ob := seededBook()
	first := ob.LastUpdateAt()

	time.Sleep(time.Millisecond)
	ob.ApplyDelta("BUY", d("0.495"), d("2"))

	assert.True(t, ob.LastUpdateAt().After(first))
}
