package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOB EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order placement and account queries against the CLOB REST API with
// HMAC request signing. Placement failures carry a PlaceError so the
// caller can tell "never sent" apart from "may be live on the exchange";
// the reservation logic branches on exactly that.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Order types accepted by the venue.
const (
	OrderTypeFOK = "FOK"
	OrderTypeIOC = "IOC"
)

// PlaceError is a failed order placement. ReachedExchange is true when
// the request went out and the outcome is unknown: the order may be
// live, so the entry reservation must be confirmed, never released.
type PlaceError struct {
	ReachedExchange bool
	Err             error
}

func (e *PlaceError) Error() string {
	if e.ReachedExchange {
		return fmt.Sprintf("order placement ambiguous (may be live): %v", e.Err)
	}
	return fmt.Sprintf("order placement rejected before exchange: %v", e.Err)
}

func (e *PlaceError) Unwrap() error { return e.Err }

// Config holds the REST client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	Timeout    time.Duration
	DryRun     bool
}

// Client talks to the CLOB REST API.
type Client struct {
	http   *resty.Client
	cfg    Config
	secret []byte
}

// NewClient builds the REST client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		secret = []byte(cfg.APISecret)
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Str("base_url", cfg.BaseURL).Msg("🚀 Execution client initialized")

	return &Client{http: http, cfg: cfg, secret: secret}
}

// sign produces the HMAC auth headers for one request.
func (c *Client) sign(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"X-API-KEY":        c.cfg.APIKey,
		"X-API-SIGNATURE":  base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		"X-API-TIMESTAMP":  ts,
		"X-API-PASSPHRASE": c.cfg.Passphrase,
	}
}

type orderRequest struct {
	TokenID   string `json:"tokenID"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Nonce     int64  `json:"nonce"`
}

type orderResponse struct {
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

// PlaceOrder submits a taker order. The returned error, when non-nil, is
// always a *PlaceError.
func (c *Client) PlaceOrder(tokenID string, price, size decimal.Decimal, side, orderType string) (string, error) {
	if c.cfg.DryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", shortToken(tokenID)).
			Str("side", side).
			Str("price", price.StringFixed(3)).
			Str("size", size.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return orderID, nil
	}

	req := orderRequest{
		TokenID:   tokenID,
		Price:     price.String(),
		Size:      size.String(),
		Side:      side,
		OrderType: orderType,
		Nonce:     time.Now().UnixNano(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", &PlaceError{ReachedExchange: false, Err: err}
	}

	var result orderResponse
	resp, err := c.http.R().
		SetHeaders(c.sign("POST", "/order", string(body))).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post("/order")

	if err != nil {
		// The request may have gone out before the failure; assume the worst.
		return "", &PlaceError{ReachedExchange: true, Err: err}
	}

	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		// Explicit rejection: the venue confirmed nothing is live.
		return "", &PlaceError{ReachedExchange: false, Err: fmt.Errorf("rejected (%d): %s", resp.StatusCode(), result.Error)}
	}
	if resp.StatusCode() != 200 {
		return "", &PlaceError{ReachedExchange: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), result.Error)}
	}
	if result.OrderID == "" {
		return "", &PlaceError{ReachedExchange: true, Err: fmt.Errorf("empty order id, status %q", result.Status)}
	}

	return result.OrderID, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(orderID string) error {
	if c.cfg.DryRun {
		return nil
	}

	path := "/order/" + orderID
	resp, err := c.http.R().
		SetHeaders(c.sign("DELETE", path, "")).
		Delete(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("cancel %s: status %d", orderID, resp.StatusCode())
	}
	return nil
}

// GetBalance returns the available collateral balance.
func (c *Client) GetBalance() (decimal.Decimal, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetHeaders(c.sign("GET", "/balance", "")).
		SetResult(&result).
		Get("/balance")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("balance: status %d", resp.StatusCode())
	}
	return decimal.NewFromString(result.Balance)
}

type apiOrder struct {
	ID        string `json:"id"`
	TokenID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"original_size"`
	Filled    string `json:"size_matched"`
	Side      string `json:"side"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// GetOpenOrders returns all resting orders for the account.
func (c *Client) GetOpenOrders() ([]types.Order, error) {
	var result []apiOrder
	resp, err := c.http.R().
		SetHeaders(c.sign("GET", "/orders", "")).
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("open orders: status %d", resp.StatusCode())
	}

	orders := make([]types.Order, 0, len(result))
	for _, o := range result {
		order := types.Order{
			ID:        o.ID,
			TokenID:   o.TokenID,
			Side:      o.Side,
			Status:    o.Status,
			CreatedAt: time.Unix(o.CreatedAt, 0),
		}
		order.Price, _ = decimal.NewFromString(o.Price)
		order.Size, _ = decimal.NewFromString(o.Size)
		order.Filled, _ = decimal.NewFromString(o.Filled)
		orders = append(orders, order)
	}
	return orders, nil
}

// ExchangePosition is a position as the venue reports it.
type ExchangePosition struct {
	TokenID string
	Size    decimal.Decimal
}

// GetPositions returns the venue-side view of holdings, used by the
// position verifier.
func (c *Client) GetPositions() ([]ExchangePosition, error) {
	var result []struct {
		TokenID string `json:"asset_id"`
		Size    string `json:"size"`
	}
	resp, err := c.http.R().
		SetHeaders(c.sign("GET", "/positions", "")).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == 429 {
		return nil, ErrRateLimited
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("positions: status %d", resp.StatusCode())
	}

	positions := make([]ExchangePosition, 0, len(result))
	for _, p := range result {
		size, err := decimal.NewFromString(p.Size)
		if err != nil || size.IsZero() {
			continue
		}
		positions = append(positions, ExchangePosition{TokenID: p.TokenID, Size: size})
	}
	return positions, nil
}

// ErrRateLimited marks a 429 from the venue.
var ErrRateLimited = fmt.Errorf("rate limited by exchange")

// LatencyProbe measures one unauthenticated round trip. Best effort.
func (c *Client) LatencyProbe() (time.Duration, error) {
	start := time.Now()
	resp, err := c.http.R().Get("/time")
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	if resp.StatusCode() != 200 {
		return elapsed, fmt.Errorf("latency probe: status %d", resp.StatusCode())
	}
	return elapsed, nil
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16] + "..."
}
