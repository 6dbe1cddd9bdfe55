package exchange

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "c2VjcmV0",
	})
	return srv, c
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPlaceOrderSuccess(t *testing.T) {
	var gotSig, gotKey string
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-API-SIGNATURE")
		gotKey = r.Header.Get("X-API-KEY")
		w.Write([]byte(`{"orderID": "ord-1", "status": "matched"}`))
	})

	orderID, err := c.PlaceOrder("tok-up", d("0.55"), d("18.18"), "BUY", OrderTypeIOC)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", orderID)
	assert.Equal(t, "key", gotKey)
	assert.NotEmpty(t, gotSig)
}

func TestPlaceOrderExplicitRejection(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "insufficient balance"}`))
	})

	_, err := c.PlaceOrder("tok-up", d("0.55"), d("10"), "BUY", OrderTypeIOC)
	var pe *PlaceError
	require.ErrorAs(t, err, &pe)
	// The venue confirmed nothing is live, so the caller may release funds.
	assert.False(t, pe.ReachedExchange)
	assert.Contains(t, pe.Error(), "insufficient balance")
}

func TestPlaceOrderServerErrorIsAmbiguous(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PlaceOrder("tok-up", d("0.55"), d("10"), "BUY", OrderTypeIOC)
	var pe *PlaceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.ReachedExchange)
}

func TestPlaceOrderEmptyOrderIDIsAmbiguous(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "pending"}`))
	})

	_, err := c.PlaceOrder("tok-up", d("0.55"), d("10"), "BUY", OrderTypeIOC)
	var pe *PlaceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.ReachedExchange)
}

func TestPlaceOrderTransportFailureIsAmbiguous(t *testing.T) {
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.PlaceOrder("tok-up", d("0.55"), d("10"), "BUY", OrderTypeIOC)
	var pe *PlaceError
	require.ErrorAs(t, err, &pe)
	// The request may have gone out before the connection died.
	assert.True(t, pe.ReachedExchange)
}

func TestPlaceOrderDryRun(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unreachable.invalid", DryRun: true})

	orderID, err := c.PlaceOrder("tok-up", d("0.55"), d("10"), "BUY", OrderTypeFOK)
	require.NoError(t, err)
	assert.Contains(t, orderID, "DRY_")
}

func TestGetPositionsRateLimited(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GetPositions()
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestGetPositionsSkipsZeroSize(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"asset_id": "tok-a", "size": "12.5"},
			{"asset_id": "tok-b", "size": "0"},
			{"asset_id": "tok-c", "size": "garbage"}
		]`))
	})

	positions, err := c.GetPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "tok-a", positions[0].TokenID)
	assert.True(t, positions[0].Size.Equal(d("12.5")))
}

func TestGetOpenOrdersParses(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"id": "ord-9",
			"asset_id": "tok-up",
			"price": "0.55",
			"original_size": "20",
			"size_matched": "5",
			"side": "BUY",
			"status": "LIVE",
			"created_at": 1756200000
		}]`))
	})

	orders, err := c.GetOpenOrders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ord-9", orders[0].ID)
	assert.True(t, orders[0].Price.Equal(d("0.55")))
	assert.True(t, orders[0].Filled.Equal(d("5")))
}

func TestGetBalance(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance": "1043.27"}`))
	})

	bal, err := c.GetBalance()
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("1043.27")))
}
