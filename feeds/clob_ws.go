package feeds

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOB WEBSOCKET CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Maintains a live L2 book per subscribed token from a single persistent
// WebSocket. Snapshot ("book") events replace a book; "price_change" deltas
// upsert or delete single levels; "last_trade_price" only marks the tape.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
)

const stalenessCheckInterval = 5 * time.Second

// BookListener receives a snapshot after every mutation of a token's book.
type BookListener func(snap types.BookSnapshot)

// ClobConfig holds the WebSocket client settings.
type ClobConfig struct {
	URL                  string
	ConnectionTimeout    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	StaleThreshold       time.Duration
	StaleWarningInterval time.Duration
	MaxMessageSizeBytes  int64
}

type subscription struct {
	tokenID string
	symbol  string
}

// ClobClient rebuilds per-token L2 books from the CLOB market channel.
type ClobClient struct {
	cfg ClobConfig

	mu       sync.RWMutex
	conn     *websocket.Conn
	state    ConnState
	books    map[string]*Orderbook
	subs     map[string]subscription
	listeners map[string]map[int64]BookListener
	staleWarn map[string]*rate.Limiter

	listenerSeq atomic.Int64
	parseErrors atomic.Int64
	dropped     atomic.Int64

	initialised bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	wg          sync.WaitGroup
}

// NewClobClient creates a client; Start opens the connection.
func NewClobClient(cfg ClobConfig) *ClobClient {
	return &ClobClient{
		cfg:       cfg,
		state:     StateDisconnected,
		books:     make(map[string]*Orderbook),
		subs:      make(map[string]subscription),
		listeners: make(map[string]map[int64]BookListener),
		staleWarn: make(map[string]*rate.Limiter),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the connection and staleness loops.
func (c *ClobClient) Start() error {
	c.mu.Lock()
	if c.initialised {
		c.mu.Unlock()
		return nil
	}
	c.initialised = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.connectionLoop()
	go c.stalenessLoop()

	log.Info().Str("url", c.cfg.URL).Msg("📡 CLOB book client started")
	return nil
}

// Shutdown tears down the socket and clears all books and subscriptions.
// Idempotent.
func (c *ClobClient) Shutdown() {
	c.mu.Lock()
	if !c.initialised {
		c.mu.Unlock()
		return
	}
	c.initialised = false
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.books = make(map[string]*Orderbook)
	c.subs = make(map[string]subscription)
	c.listeners = make(map[string]map[int64]BookListener)
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()
	close(c.doneCh)

	log.Info().Msg("CLOB book client stopped")
}

// Subscribe adds a token to the subscription set and creates its book.
// The full set is resent to the exchange if connected.
func (c *ClobClient) Subscribe(tokenID, symbol string) {
	c.mu.Lock()
	if _, ok := c.subs[tokenID]; ok {
		c.mu.Unlock()
		return
	}
	c.subs[tokenID] = subscription{tokenID: tokenID, symbol: symbol}
	c.books[tokenID] = NewOrderbook(tokenID, symbol)
	c.staleWarn[tokenID] = rate.NewLimiter(rate.Every(c.cfg.StaleWarningInterval), 1)
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	log.Debug().Str("token", shortToken(tokenID)).Str("symbol", symbol).Msg("Book subscribed")

	if connected && conn != nil {
		if err := c.sendSubscriptions(conn); err != nil {
			log.Warn().Err(err).Msg("Failed to resend subscription set")
		}
	}
}

// Unsubscribe removes a token and destroys its book.
func (c *ClobClient) Unsubscribe(tokenID string) {
	c.mu.Lock()
	delete(c.subs, tokenID)
	delete(c.books, tokenID)
	delete(c.listeners, tokenID)
	delete(c.staleWarn, tokenID)
	c.mu.Unlock()

	log.Debug().Str("token", shortToken(tokenID)).Msg("Book unsubscribed")
}

// GetBook returns the live book for a token, nil if not subscribed.
func (c *ClobClient) GetBook(tokenID string) *Orderbook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.books[tokenID]
}

// GetBookSnapshot returns a consistent snapshot, or nil if not subscribed.
func (c *ClobClient) GetBookSnapshot(tokenID string) *types.BookSnapshot {
	ob := c.GetBook(tokenID)
	if ob == nil {
		return nil
	}
	snap := ob.Snapshot()
	return &snap
}

// SubscribeUpdates registers a listener for one token's book mutations.
// The returned cancel func removes it.
func (c *ClobClient) SubscribeUpdates(tokenID string, listener BookListener) func() {
	id := c.listenerSeq.Add(1)

	c.mu.Lock()
	if c.listeners[tokenID] == nil {
		c.listeners[tokenID] = make(map[int64]BookListener)
	}
	c.listeners[tokenID][id] = listener
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if m := c.listeners[tokenID]; m != nil {
			delete(m, id)
		}
		c.mu.Unlock()
	}
}

// GetState returns the current connection state.
func (c *ClobClient) GetState() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ParseErrors returns the cumulative parse/size error count.
func (c *ClobClient) ParseErrors() int64 {
	return c.parseErrors.Load()
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONNECTION LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func (c *ClobClient) connectionLoop() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBase
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.Multiplier = 2

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			delay := bo.NextBackOff()
			c.setState(StateReconnecting)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("CLOB connect failed")
			select {
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		c.readLoop(conn)

		// Connection dropped; loop back into reconnect unless shutting down.
		c.setState(StateReconnecting)
	}
}

func (c *ClobClient) connect() (*websocket.Conn, error) {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectionTimeout}
	conn, resp, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	if c.cfg.MaxMessageSizeBytes > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSizeBytes)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.sendSubscriptions(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscriptions: %w", err)
	}

	log.Info().Msg("🔌 CLOB WebSocket connected")
	return conn, nil
}

// sendSubscriptions writes the full current subscription set as one frame.
func (c *ClobClient) sendSubscriptions(conn *websocket.Conn) error {
	c.mu.RLock()
	assets := make([]string, 0, len(c.subs))
	for id := range c.subs {
		assets = append(assets, id)
	}
	c.mu.RUnlock()

	if len(assets) == 0 {
		return nil
	}

	frame := map[string]any{
		"type":       "market",
		"assets_ids": assets,
	}
	return conn.WriteJSON(frame)
}

func (c *ClobClient) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			if err == websocket.ErrReadLimit {
				// Oversize frame: dropped, and the socket must be rebuilt.
				c.countParseError("oversize message dropped")
			} else {
				log.Warn().Err(err).Msg("CLOB read error")
			}
			conn.Close()
			return
		}

		c.processMessage(message)
	}
}

func (c *ClobClient) setState(s ConnState) {
	c.mu.Lock()
	// Shutdown already forced DISCONNECTED; do not resurrect.
	if c.initialised {
		c.state = s
	}
	c.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGE HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

type wsEvent struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Bids      []wsLevel  `json:"bids"`
	Asks      []wsLevel  `json:"asks"`
	Changes   []wsChange `json:"changes"`
	Price     string     `json:"price"`
}

func (c *ClobClient) processMessage(data []byte) {
	var events []wsEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single wsEvent
		if err := json.Unmarshal(data, &single); err != nil {
			c.countParseError(err.Error())
			return
		}
		events = []wsEvent{single}
	}

	for _, ev := range events {
		switch ev.EventType {
		case "book":
			c.handleBook(ev)
		case "price_change":
			c.handlePriceChange(ev)
		case "last_trade_price":
			c.handleLastTrade(ev)
		default:
			// Unknown event types are ignored by contract.
		}
	}
}

func (c *ClobClient) handleBook(ev wsEvent) {
	ob := c.GetBook(ev.AssetID)
	if ob == nil {
		return
	}

	bids, ok1 := parseLevels(ev.Bids)
	asks, ok2 := parseLevels(ev.Asks)
	if !ok1 || !ok2 {
		c.countParseError("invalid level in book snapshot")
		return
	}

	ob.ApplySnapshot(bids, asks)
	c.notify(ev.AssetID, ob)
}

func (c *ClobClient) handlePriceChange(ev wsEvent) {
	ob := c.GetBook(ev.AssetID)
	if ob == nil {
		return
	}

	for _, ch := range ev.Changes {
		price, err1 := decimal.NewFromString(ch.Price)
		size, err2 := decimal.NewFromString(ch.Size)
		if err1 != nil || err2 != nil {
			c.countParseError("invalid price_change entry")
			continue
		}
		ob.ApplyDelta(ch.Side, price, size)
	}
	c.notify(ev.AssetID, ob)
}

func (c *ClobClient) handleLastTrade(ev wsEvent) {
	ob := c.GetBook(ev.AssetID)
	if ob == nil {
		return
	}

	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		c.countParseError("invalid last_trade_price")
		return
	}
	ob.SetLastTrade(price)
	c.notify(ev.AssetID, ob)
}

func parseLevels(raw []wsLevel) ([]types.PriceLevel, bool) {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			return nil, false
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out, true
}

// notify fans the latest snapshot out to listeners. A panicking listener is
// logged and skipped so it cannot poison the iteration.
func (c *ClobClient) notify(tokenID string, ob *Orderbook) {
	c.mu.RLock()
	registered := c.listeners[tokenID]
	fns := make([]BookListener, 0, len(registered))
	for _, fn := range registered {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	if len(fns) == 0 {
		return
	}

	snap := ob.Snapshot()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).
						Str("token", shortToken(tokenID)).
						Msg("Book listener panicked")
				}
			}()
			fn(snap)
		}()
	}
}

// countParseError rate-logs parse and size failures: the first 5 in full,
// then one line every 100.
func (c *ClobClient) countParseError(detail string) {
	n := c.parseErrors.Add(1)
	if n <= 5 || n%100 == 0 {
		log.Warn().Int64("count", n).Str("detail", detail).Msg("CLOB message error")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STALENESS MONITOR
// ═══════════════════════════════════════════════════════════════════════════════

// stalenessLoop warns (rate-limited per token) about books that stopped
// updating. Stale books stay readable; consumers see the timestamp.
func (c *ClobClient) stalenessLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(stalenessCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkStaleness()
		}
	}
}

func (c *ClobClient) checkStaleness() {
	c.mu.RLock()
	type staleBook struct {
		tokenID string
		symbol  string
		age     time.Duration
		lim     *rate.Limiter
	}
	var stale []staleBook
	for id, ob := range c.books {
		last := ob.LastUpdateAt()
		if last.IsZero() {
			continue
		}
		if age := time.Since(last); age > c.cfg.StaleThreshold {
			stale = append(stale, staleBook{id, c.subs[id].symbol, age, c.staleWarn[id]})
		}
	}
	c.mu.RUnlock()

	for _, s := range stale {
		if s.lim != nil && s.lim.Allow() {
			log.Warn().
				Str("token", shortToken(s.tokenID)).
				Str("symbol", s.symbol).
				Dur("age", s.age).
				Msg("⚠️ Book is stale")
		}
	}
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
