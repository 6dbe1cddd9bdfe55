package feeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3quant/edgebot/types"
)

func newTestClient() *ClobClient {
	return NewClobClient(ClobConfig{
		URL:                  "wss://example/ws/market",
		StaleThreshold:       30 * time.Second,
		StaleWarningInterval: time.Minute,
	})
}

func TestProcessBookEventRebuildsBook(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")

	c.processMessage([]byte(`[{
		"event_type": "book",
		"asset_id": "tok-up",
		"bids": [{"price": "0.50", "size": "10"}, {"price": "0.49", "size": "5"}],
		"asks": [{"price": "0.51", "size": "8"}, {"price": "0.52", "size": "4"}]
	}]`))

	snap := c.GetBookSnapshot("tok-up")
	require.NotNil(t, snap)
	assert.True(t, snap.BestBid.Equal(d("0.50")))
	assert.True(t, snap.BestAsk.Equal(d("0.51")))
	assert.True(t, snap.Mid.Equal(d("0.505")))
}

func TestProcessPriceChangeDeletesLevel(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")
	c.processMessage([]byte(`{
		"event_type": "book",
		"asset_id": "tok-up",
		"bids": [{"price": "0.50", "size": "10"}],
		"asks": [{"price": "0.51", "size": "8"}, {"price": "0.52", "size": "4"}]
	}`))

	c.processMessage([]byte(`{
		"event_type": "price_change",
		"asset_id": "tok-up",
		"changes": [{"price": "0.51", "side": "SELL", "size": "0"}]
	}`))

	snap := c.GetBookSnapshot("tok-up")
	require.NotNil(t, snap)
	assert.True(t, snap.BestAsk.Equal(d("0.52")))
	assert.True(t, snap.Mid.Equal(d("0.51")), "mid=%s", snap.Mid)
	assert.True(t, snap.Spread.Equal(d("0.02")))
}

func TestProcessLastTradePrice(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")

	c.processMessage([]byte(`{
		"event_type": "last_trade_price",
		"asset_id": "tok-up",
		"price": "0.47"
	}`))

	snap := c.GetBookSnapshot("tok-up")
	require.NotNil(t, snap)
	assert.True(t, snap.LastTradePrice.Equal(d("0.47")))
}

func TestUnknownEventIgnored(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")

	c.processMessage([]byte(`{"event_type": "tick_size_change", "asset_id": "tok-up"}`))

	assert.Equal(t, int64(0), c.ParseErrors())
}

func TestMalformedMessagesCounted(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")

	c.processMessage([]byte(`not json`))
	c.processMessage([]byte(`{
		"event_type": "book",
		"asset_id": "tok-up",
		"bids": [{"price": "bogus", "size": "10"}],
		"asks": []
	}`))

	assert.Equal(t, int64(2), c.ParseErrors())
	// The bad snapshot left the book untouched.
	snap := c.GetBookSnapshot("tok-up")
	require.NotNil(t, snap)
	assert.Empty(t, snap.Bids)
}

func TestEventsForUnsubscribedTokensDropped(t *testing.T) {
	c := newTestClient()

	c.processMessage([]byte(`{
		"event_type": "book",
		"asset_id": "tok-unknown",
		"bids": [{"price": "0.50", "size": "10"}],
		"asks": []
	}`))

	assert.Nil(t, c.GetBookSnapshot("tok-unknown"))
}

func TestListenerNotifiedAndCancelled(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")

	var calls int
	cancel := c.SubscribeUpdates("tok-up", func(snap types.BookSnapshot) {
		calls++
	})

	msg := []byte(`{
		"event_type": "book",
		"asset_id": "tok-up",
		"bids": [{"price": "0.50", "size": "10"}],
		"asks": [{"price": "0.51", "size": "8"}]
	}`)
	c.processMessage(msg)
	assert.Equal(t, 1, calls)

	cancel()
	c.processMessage(msg)
	assert.Equal(t, 1, calls)
}

func TestUnsubscribeDestroysBook(t *testing.T) {
	c := newTestClient()
	c.Subscribe("tok-up", "btc")
	require.NotNil(t, c.GetBookSnapshot("tok-up"))

	c.Unsubscribe("tok-up")
	assert.Nil(t, c.GetBookSnapshot("tok-up"))
}
