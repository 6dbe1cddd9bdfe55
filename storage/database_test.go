package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3quant/edgebot/types"
)

func disabledStore(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase("")
	require.NoError(t, err)
	require.False(t, db.IsEnabled())
	return db
}

func TestDisabledStoreWritesAreNoOps(t *testing.T) {
	db := disabledStore(t)

	assert.NoError(t, db.Exec("CREATE TABLE nope (id INT)"))

	n, err := db.Run("INSERT INTO windows (window_id) VALUES ($1)", "w1")
	assert.NoError(t, err)
	assert.Zero(t, n)

	id, err := db.RunReturningID("INSERT INTO book_ticks (token_id) VALUES ($1) RETURNING id", "tok")
	assert.NoError(t, err)
	assert.Zero(t, id)

	assert.NoError(t, db.SaveWindow(&types.Window{ID: "w1", Symbol: "btc"}))
	assert.NoError(t, db.SaveResolution("w1", "up"))
	assert.NoError(t, db.ClosePosition("p1", decimal.NewFromInt(1), decimal.Zero, "expiry"))
}

func TestDisabledStoreGetReturnsEmpty(t *testing.T) {
	db := disabledStore(t)

	// A single-row read on a disabled store must report not-found, not
	// hand the caller something that panics on scan.
	var symbol string
	found, err := db.Get("SELECT symbol FROM windows WHERE window_id = $1",
		[]interface{}{&symbol}, "w1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, symbol)

	rows, err := db.All("SELECT window_id FROM windows")
	assert.NoError(t, err)
	assert.Nil(t, rows)
}

func TestDisabledStoreReadsReturnEmpty(t *testing.T) {
	db := disabledStore(t)

	_, ok := db.GetResolution("w1")
	assert.False(t, ok)

	_, ok = db.GetOpenPricesNear("w1", time.Now().Unix(), 5*time.Second)
	assert.False(t, ok)

	positions, err := db.GetOpenPositions()
	assert.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := db.GetUnsettledPaperTrades("w1")
	assert.NoError(t, err)
	assert.Empty(t, trades)

	rates, err := db.BucketHitRates()
	assert.NoError(t, err)
	assert.Empty(t, rates)

	docs, err := db.GetStrategyDocuments()
	assert.NoError(t, err)
	assert.Empty(t, docs)
}
