package feeds

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK - In-memory L2 book for one token
// ═══════════════════════════════════════════════════════════════════════════════
//
// Mutated by the CLOB WebSocket client:
//   - book snapshot: replace both sides
//   - price_change delta: size=0 deletes the level, else upserts
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	two      = decimal.NewFromInt(2)
	pctDown1 = decimal.NewFromFloat(0.99)
	pctUp1   = decimal.NewFromFloat(1.01)
)

// Orderbook maintains the current book state for one token.
type Orderbook struct {
	mu      sync.RWMutex
	tokenID string
	symbol  string

	// price string -> size; ordering is derived on read
	bids map[string]types.PriceLevel
	asks map[string]types.PriceLevel

	lastTradePrice decimal.Decimal
	lastUpdateAt   time.Time
}

// NewOrderbook creates an empty book for a token.
func NewOrderbook(tokenID, symbol string) *Orderbook {
	return &Orderbook{
		tokenID: tokenID,
		symbol:  symbol,
		bids:    make(map[string]types.PriceLevel),
		asks:    make(map[string]types.PriceLevel),
	}
}

// ApplySnapshot replaces both sides from a full book event.
// Zero-size levels are dropped.
func (ob *Orderbook) ApplySnapshot(bids, asks []types.PriceLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = make(map[string]types.PriceLevel, len(bids))
	for _, lvl := range bids {
		if lvl.Size.GreaterThan(decimal.Zero) {
			ob.bids[lvl.Price.String()] = lvl
		}
	}
	ob.asks = make(map[string]types.PriceLevel, len(asks))
	for _, lvl := range asks {
		if lvl.Size.GreaterThan(decimal.Zero) {
			ob.asks[lvl.Price.String()] = lvl
		}
	}
	ob.lastUpdateAt = time.Now()
}

// ApplyDelta applies one price_change entry. side is BUY or SELL.
func (ob *Orderbook) ApplyDelta(side string, price, size decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	levels := ob.bids
	if side == "SELL" {
		levels = ob.asks
	}

	key := price.String()
	if size.IsZero() {
		delete(levels, key)
	} else {
		levels[key] = types.PriceLevel{Price: price, Size: size}
	}
	ob.lastUpdateAt = time.Now()
}

// SetLastTrade records the last traded price without touching the book.
func (ob *Orderbook) SetLastTrade(price decimal.Decimal) {
	ob.mu.Lock()
	ob.lastTradePrice = price
	ob.lastUpdateAt = time.Now()
	ob.mu.Unlock()
}

// LastUpdateAt returns the timestamp of the last mutation, zero if none.
func (ob *Orderbook) LastUpdateAt() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdateAt
}

// BestBid returns the highest bid, zero if the side is empty.
func (ob *Orderbook) BestBid() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	best := decimal.Zero
	for _, lvl := range ob.bids {
		if lvl.Price.GreaterThan(best) {
			best = lvl.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask, zero if the side is empty.
func (ob *Orderbook) BestAsk() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var best decimal.Decimal
	found := false
	for _, lvl := range ob.asks {
		if !found || lvl.Price.LessThan(best) {
			best = lvl.Price
			found = true
		}
	}
	if !found {
		return decimal.Zero
	}
	return best
}

// Mid returns (bestBid+bestAsk)/2, zero unless both sides are populated.
func (ob *Orderbook) Mid() decimal.Decimal {
	snap := ob.Snapshot()
	return snap.Mid
}

// Snapshot returns a consistent copy with sorted sides and derived fields.
// Depth within 1% of best is Σ price·size over [bestBid·0.99, bestBid] and
// [bestAsk, bestAsk·1.01].
func (ob *Orderbook) Snapshot() types.BookSnapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	snap := types.BookSnapshot{
		TokenID:        ob.tokenID,
		Bids:           make([]types.PriceLevel, 0, len(ob.bids)),
		Asks:           make([]types.PriceLevel, 0, len(ob.asks)),
		LastTradePrice: ob.lastTradePrice,
		UpdatedAt:      ob.lastUpdateAt,
	}

	for _, lvl := range ob.bids {
		snap.Bids = append(snap.Bids, lvl)
	}
	for _, lvl := range ob.asks {
		snap.Asks = append(snap.Asks, lvl)
	}

	sort.Slice(snap.Bids, func(i, j int) bool {
		return snap.Bids[i].Price.GreaterThan(snap.Bids[j].Price)
	})
	sort.Slice(snap.Asks, func(i, j int) bool {
		return snap.Asks[i].Price.LessThan(snap.Asks[j].Price)
	})

	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
		floor := snap.BestBid.Mul(pctDown1)
		for _, lvl := range snap.Bids {
			if lvl.Price.LessThan(floor) {
				break
			}
			snap.BidDepth1Pct = snap.BidDepth1Pct.Add(lvl.Price.Mul(lvl.Size))
		}
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
		ceil := snap.BestAsk.Mul(pctUp1)
		for _, lvl := range snap.Asks {
			if lvl.Price.GreaterThan(ceil) {
				break
			}
			snap.AskDepth1Pct = snap.AskDepth1Pct.Add(lvl.Price.Mul(lvl.Size))
		}
	}

	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		snap.Mid = snap.BestBid.Add(snap.BestAsk).Div(two)
		snap.Spread = snap.BestAsk.Sub(snap.BestBid)
	}

	return snap
}
