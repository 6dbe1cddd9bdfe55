package feeds

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMPOSITE VWAP FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to the exchange combined trade stream and maintains, per
// symbol, the last trade ("composite") and a rolling 20-trade VWAP
// ("vwap20"). Both are pushed into the PriceCache.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	vwapWindow         = 20
	vwapReconnectDelay = 5 * time.Second
)

// VWAPFeed maintains composite and rolling-VWAP prices per symbol.
type VWAPFeed struct {
	wsURL   string
	symbols []string
	cache   *PriceCache

	mu     sync.Mutex
	trades map[string][]tradePoint // rolling window per symbol

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type tradePoint struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// NewVWAPFeed builds a feed for the given symbols (lowercase, e.g. "btc").
func NewVWAPFeed(wsBase string, symbols []string, cache *PriceCache) *VWAPFeed {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, s+"usdt@trade")
	}
	return &VWAPFeed{
		wsURL:   fmt.Sprintf("%s/stream?streams=%s", wsBase, strings.Join(streams, "/")),
		symbols: symbols,
		cache:   cache,
		trades:  make(map[string][]tradePoint),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the connection loop.
func (f *VWAPFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.connectionLoop()

	log.Info().Strs("symbols", f.symbols).Msg("📈 Composite VWAP feed started")
	return nil
}

// Stop closes the feed. Idempotent.
func (f *VWAPFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()
	log.Info().Msg("Composite VWAP feed stopped")
}

func (f *VWAPFeed) connectionLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
		if err != nil {
			log.Warn().Err(err).Msg("VWAP feed connect failed")
			select {
			case <-f.stopCh:
				return
			case <-time.After(vwapReconnectDelay):
			}
			continue
		}

		f.readLoop(conn)
		conn.Close()

		select {
		case <-f.stopCh:
			return
		case <-time.After(vwapReconnectDelay):
		}
	}
}

type combinedTradeMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string `json:"s"` // e.g. "BTCUSDT"
		Price    string `json:"p"`
		Quantity string `json:"q"`
	} `json:"data"`
}

func (f *VWAPFeed) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("VWAP feed read error")
			return
		}

		var msg combinedTradeMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		price, err1 := decimal.NewFromString(msg.Data.Price)
		qty, err2 := decimal.NewFromString(msg.Data.Quantity)
		if err1 != nil || err2 != nil || price.IsZero() {
			continue
		}

		symbol := strings.ToLower(strings.TrimSuffix(msg.Data.Symbol, "USDT"))
		f.record(symbol, price, qty)
	}
}

func (f *VWAPFeed) record(symbol string, price, qty decimal.Decimal) {
	now := time.Now()
	f.cache.Set(symbol, SourceComposite, price, now)

	f.mu.Lock()
	window := append(f.trades[symbol], tradePoint{price: price, qty: qty})
	if len(window) > vwapWindow {
		window = window[len(window)-vwapWindow:]
	}
	f.trades[symbol] = window

	notional := decimal.Zero
	volume := decimal.Zero
	for _, t := range window {
		notional = notional.Add(t.price.Mul(t.qty))
		volume = volume.Add(t.qty)
	}
	f.mu.Unlock()

	if !volume.IsZero() {
		f.cache.Set(symbol, SourceVWAP20, notional.Div(volume), now)
	}
}
