package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED DOMAIN TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Mode selects between simulated and real order routing.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// Side is the outcome a position is long.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// WindowDuration is the fixed epoch length for all tracked markets.
const WindowDuration = 15 * time.Minute

// PriceLevel is one level of an L2 book. Prices arrive as decimal strings
// on the wire and stay decimal end to end.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is a consistent copy of one token's book plus derived fields.
// Bids are sorted descending, asks ascending.
type BookSnapshot struct {
	TokenID        string
	Bids           []PriceLevel
	Asks           []PriceLevel
	BestBid        decimal.Decimal
	BestAsk        decimal.Decimal
	Mid            decimal.Decimal
	Spread         decimal.Decimal
	BidDepth1Pct   decimal.Decimal
	AskDepth1Pct   decimal.Decimal
	LastTradePrice decimal.Decimal
	UpdatedAt      time.Time
}

// OpenPrices are the three spot prices captured near window open.
type OpenPrices struct {
	Composite  decimal.Decimal
	Aggregator decimal.Decimal
	VWAP20     decimal.Decimal
}

// Window is one 15-minute epoch for one underlying symbol.
type Window struct {
	ID             string // symbol-15m-epoch
	Symbol         string // "btc", "eth", ...
	MarketID       string
	Question       string
	Epoch          int64 // unix seconds, floor(now/900)*900
	CloseTime      time.Time
	ReferencePrice decimal.Decimal // strike parsed from the question
	UpTokenID      string
	DownTokenID    string
	OpenPrices     OpenPrices
	CreatedAt      time.Time
	Resolved       bool
	Resolution     Side
	TradeIDs       []string
}

// TimeRemaining returns the duration until the window closes.
func (w *Window) TimeRemaining() time.Duration {
	return time.Until(w.CloseTime)
}

// Expired reports whether the window close time has passed.
func (w *Window) Expired() bool {
	return time.Now().After(w.CloseTime)
}

// MarketContext is the book state captured at signal time.
type MarketContext struct {
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	Spread       decimal.Decimal
	BidDepth1Pct decimal.Decimal
	AskDepth1Pct decimal.Decimal
}

// Signal is a candidate entry for one token in one window.
type Signal struct {
	StrategyID       string
	WindowID         string
	Symbol           string
	TokenID          string
	Direction        string // always "long": we buy the underpriced token
	ModelProbability float64
	MarketPrice      float64
	Edge             float64 // ModelProbability - MarketPrice
	Confidence       float64
	CreatedAt        time.Time
	Context          MarketContext
}

// Position is one opened trade on a specific token.
type Position struct {
	ID           string
	WindowID     string
	StrategyID   string
	TokenID      string
	Symbol       string
	Side         Side
	SizeShares   decimal.Decimal
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	PeakPrice    decimal.Decimal
	Fees         decimal.Decimal
	OpenedAt     time.Time
	Virtual      bool // PAPER-mode position, never sent to the exchange
	Closed       bool
	ClosedAt     time.Time
	ExitPrice    decimal.Decimal
	ExitReason   string
}

// UnrealizedPnL values the position at CurrentPrice.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.EntryPrice).Mul(p.SizeShares)
}

// PeakPnLPct is the best percentage gain seen since entry.
func (p *Position) PeakPnLPct() decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.PeakPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// UpdatePrice moves CurrentPrice to the latest mark and ratchets PeakPrice.
func (p *Position) UpdatePrice(price decimal.Decimal) {
	if price.IsZero() {
		return
	}
	p.CurrentPrice = price
	if price.GreaterThan(p.PeakPrice) {
		p.PeakPrice = price
	}
}

// Order is an order as reported by the exchange.
type Order struct {
	ID        string
	TokenID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Filled    decimal.Decimal
	Side      string // BUY / SELL
	Status    string
	CreatedAt time.Time
	SignalID  string // strategy id of the originating signal, for sweeps
	WindowID  string
}

// SpotPrice is one cached spot observation.
type SpotPrice struct {
	Symbol    string
	Source    string // "composite", "aggregator", "oracle", "vwap20"
	Price     decimal.Decimal
	UpdatedAt time.Time
}
