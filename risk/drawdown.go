package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DRAWDOWN GUARD
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tracks realized PnL per UTC day against a starting balance. Past the
// daily loss limit, entries stop; exits keep running so open risk can
// still be worked off. The guard re-arms on UTC day rollover.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Drawdown tracks daily realized losses.
type Drawdown struct {
	maxDailyLossPct decimal.Decimal

	mu          sync.Mutex
	day         string // "2006-01-02" UTC
	startOfDay  decimal.Decimal
	dailyPnL    decimal.Decimal
	autoStopped bool
}

// NewDrawdown creates the guard. maxDailyLossPct is a fraction, e.g.
// 0.03 for 3%.
func NewDrawdown(startBalance, maxDailyLossPct decimal.Decimal) *Drawdown {
	return &Drawdown{
		maxDailyLossPct: maxDailyLossPct,
		day:             utcDay(),
		startOfDay:      startBalance,
	}
}

func utcDay() string {
	return time.Now().UTC().Format("2006-01-02")
}

// rollLocked re-arms the guard on a new UTC day.
func (d *Drawdown) rollLocked() {
	today := utcDay()
	if today == d.day {
		return
	}
	d.day = today
	d.startOfDay = d.startOfDay.Add(d.dailyPnL)
	d.dailyPnL = decimal.Zero
	if d.autoStopped {
		log.Info().Msg("Daily loss guard re-armed on day rollover")
	}
	d.autoStopped = false
}

// RecordPnL applies one realized trade result.
func (d *Drawdown) RecordPnL(pnl decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollLocked()
	d.dailyPnL = d.dailyPnL.Add(pnl)

	if d.autoStopped || d.startOfDay.IsZero() {
		return
	}

	limit := d.startOfDay.Mul(d.maxDailyLossPct).Neg()
	if d.dailyPnL.LessThanOrEqual(limit) {
		d.autoStopped = true
		log.Error().
			Str("daily_pnl", d.dailyPnL.StringFixed(2)).
			Str("limit", limit.StringFixed(2)).
			Msg("🛑 Daily loss limit hit, entries stopped")
	}
}

// AutoStopped reports whether entries are blocked for the rest of the
// UTC day.
func (d *Drawdown) AutoStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollLocked()
	return d.autoStopped
}

// DailyPnL returns today's realized PnL for snapshots.
func (d *Drawdown) DailyPnL() decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollLocked()
	return d.dailyPnL
}
