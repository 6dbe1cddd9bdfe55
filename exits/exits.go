package exits

import (
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT EVALUATORS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure decisions over an open position. The loop applies them in order:
// stop-loss first, then take-profit/trailing, then window expiry. Each
// returns a Decision; the loop closes through the position tracker so
// only one evaluator ever wins a close.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Exit reasons as persisted.
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonTrailing   = "TRAILING_STOP"
	ReasonExpiry     = "WINDOW_EXPIRY"
	ReasonThesis     = "THESIS_DEGRADED"
)

// Decision is one evaluator's verdict.
type Decision struct {
	Close     bool
	Reason    string
	Emergency bool // bypass niceties, exit at market immediately
}

var hold = Decision{}

// Thresholds configures the evaluators. All percentages are fractions
// of entry price.
type Thresholds struct {
	StopLossPct   decimal.Decimal // e.g. 0.30: exit at 30% below entry
	TakeProfitPct decimal.Decimal // e.g. 0.40: exit at 40% above entry
	TrailingPct   decimal.Decimal // e.g. 0.15: exit 15% off the peak
}

// StopLoss trips when the mark has fallen StopLossPct below entry.
func StopLoss(p *types.Position, th Thresholds) Decision {
	if p.Closed || p.EntryPrice.IsZero() || p.CurrentPrice.IsZero() {
		return hold
	}

	floor := p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(th.StopLossPct))
	if p.CurrentPrice.LessThanOrEqual(floor) {
		return Decision{Close: true, Reason: ReasonStopLoss, Emergency: true}
	}
	return hold
}

// TakeProfit trips on the fixed gain threshold, or on the trailing
// condition once the mark has given back TrailingPct from its peak
// while still above entry.
func TakeProfit(p *types.Position, th Thresholds) Decision {
	if p.Closed || p.EntryPrice.IsZero() || p.CurrentPrice.IsZero() {
		return hold
	}

	target := p.EntryPrice.Mul(decimal.NewFromInt(1).Add(th.TakeProfitPct))
	if p.CurrentPrice.GreaterThanOrEqual(target) {
		return Decision{Close: true, Reason: ReasonTakeProfit}
	}

	// Trailing only arms once the position has been in profit.
	if p.PeakPrice.GreaterThan(p.EntryPrice) && !th.TrailingPct.IsZero() {
		trail := p.PeakPrice.Mul(decimal.NewFromInt(1).Sub(th.TrailingPct))
		if p.CurrentPrice.LessThanOrEqual(trail) && p.CurrentPrice.GreaterThan(p.EntryPrice) {
			return Decision{Close: true, Reason: ReasonTrailing}
		}
	}
	return hold
}

// Expiry closes a position whose window has resolved. The exit price is
// binary: 1 when the position was on the resolved side, else 0.
func Expiry(p *types.Position, w *types.Window) (Decision, decimal.Decimal) {
	if p.Closed || w == nil || !w.Resolved {
		return hold, decimal.Zero
	}

	price := decimal.Zero
	if p.Side == w.Resolution {
		price = decimal.NewFromInt(1)
	}
	return Decision{Close: true, Reason: ReasonExpiry}, price
}
