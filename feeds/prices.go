package feeds

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE CACHE - Multi-source spot price store
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sources push, consumers pull. Readers always get the last known value
// with its timestamp; freshness policy is the consumer's call.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Price source names as persisted and exposed in window contexts.
const (
	SourceComposite  = "composite"
	SourceAggregator = "aggregator"
	SourceOracle     = "oracle"
	SourceVWAP20     = "vwap20"
)

// oracleHistoryRetention bounds the per-symbol oracle ring; the long
// volatility lookback (6h) plus slack must fit.
const oracleHistoryRetention = 7 * time.Hour

// PricePoint is one timestamped oracle observation kept for volatility.
type PricePoint struct {
	Price decimal.Decimal
	At    time.Time
}

// PriceCache holds the latest spot price per (symbol, source) and the
// oracle price history used for realized volatility.
type PriceCache struct {
	mu     sync.RWMutex
	latest map[string]types.SpotPrice // key: symbol + "/" + source

	histMu  sync.RWMutex
	history map[string][]PricePoint // oracle points per symbol
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{
		latest:  make(map[string]types.SpotPrice),
		history: make(map[string][]PricePoint),
	}
}

// Set stores the latest observation for a (symbol, source).
func (pc *PriceCache) Set(symbol, source string, price decimal.Decimal, at time.Time) {
	pc.mu.Lock()
	pc.latest[symbol+"/"+source] = types.SpotPrice{
		Symbol:    symbol,
		Source:    source,
		Price:     price,
		UpdatedAt: at,
	}
	pc.mu.Unlock()

	if source == SourceOracle {
		pc.appendHistory(symbol, price, at)
	}
}

// Get returns the latest observation for a (symbol, source).
func (pc *PriceCache) Get(symbol, source string) (types.SpotPrice, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	sp, ok := pc.latest[symbol+"/"+source]
	return sp, ok
}

// Oracle returns the latest on-chain price for a symbol, the price used as
// Black-Scholes S.
func (pc *PriceCache) Oracle(symbol string) (decimal.Decimal, bool) {
	sp, ok := pc.Get(symbol, SourceOracle)
	if !ok || sp.Price.IsZero() {
		return decimal.Zero, false
	}
	return sp.Price, true
}

// Staleness returns how old the latest observation is; ok=false if the
// source never reported.
func (pc *PriceCache) Staleness(symbol, source string) (time.Duration, bool) {
	sp, ok := pc.Get(symbol, source)
	if !ok {
		return 0, false
	}
	return time.Since(sp.UpdatedAt), true
}

// OpenPrices captures the three open prices for a window. Sources missing
// at capture time stay zero; the caller decides whether that blocks.
func (pc *PriceCache) OpenPrices(symbol string) types.OpenPrices {
	op := types.OpenPrices{}
	if sp, ok := pc.Get(symbol, SourceComposite); ok {
		op.Composite = sp.Price
	}
	if sp, ok := pc.Get(symbol, SourceAggregator); ok {
		op.Aggregator = sp.Price
	}
	if sp, ok := pc.Get(symbol, SourceVWAP20); ok {
		op.VWAP20 = sp.Price
	}
	return op
}

// History returns oracle points within the lookback, oldest first.
func (pc *PriceCache) History(symbol string, lookback time.Duration) []PricePoint {
	cutoff := time.Now().Add(-lookback)

	pc.histMu.RLock()
	defer pc.histMu.RUnlock()

	points := pc.history[symbol]
	// Points are appended in time order; find the first inside the window.
	i := 0
	for i < len(points) && points[i].At.Before(cutoff) {
		i++
	}
	out := make([]PricePoint, len(points)-i)
	copy(out, points[i:])
	return out
}

func (pc *PriceCache) appendHistory(symbol string, price decimal.Decimal, at time.Time) {
	pc.histMu.Lock()
	defer pc.histMu.Unlock()

	points := append(pc.history[symbol], PricePoint{Price: price, At: at})

	// Trim expired points occasionally rather than per append.
	if len(points) > 64 && points[0].At.Before(at.Add(-oracleHistoryRetention)) {
		cutoff := at.Add(-oracleHistoryRetention)
		i := 0
		for i < len(points) && points[i].At.Before(cutoff) {
			i++
		}
		points = append(points[:0:0], points[i:]...)
	}
	pc.history[symbol] = points
}
