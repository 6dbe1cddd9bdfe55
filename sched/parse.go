package sched

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW DERIVATION HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

const epochSeconds = 900 // 15 minutes

// EpochFor returns the 15-minute epoch containing t.
func EpochFor(t time.Time) int64 {
	return t.Unix() / epochSeconds * epochSeconds
}

// WindowIDFor renders the canonical window id, e.g. "btc-15m-1756200000".
func WindowIDFor(symbol string, epoch int64) string {
	return fmt.Sprintf("%s-15m-%d", symbol, epoch)
}

// CloseTimeFor returns the close instant of an epoch.
func CloseTimeFor(epoch int64) time.Time {
	return time.UnixMilli((epoch + epochSeconds) * 1000)
}

// ParseStrike extracts the dollar strike from a market question,
// e.g. "Will BTC be above $94,500 at 12:15 UTC?" -> 94500. Group
// separators are stripped, decimals preserved. Zero means no strike.
func ParseStrike(question string) decimal.Decimal {
	_, after, found := strings.Cut(question, "$")
	if !found {
		return decimal.Zero
	}

	var sb strings.Builder
scan:
	for _, c := range after {
		switch {
		case c >= '0' && c <= '9', c == '.':
			sb.WriteRune(c)
		case c == ',':
			// group separator
		default:
			break scan
		}
	}

	price, err := decimal.NewFromString(sb.String())
	if err != nil {
		return decimal.Zero
	}
	return price
}

// SymbolFromQuestion finds which configured symbol a question names.
func SymbolFromQuestion(question string, symbols []string) (string, bool) {
	upper := strings.ToUpper(question)
	for _, s := range symbols {
		if strings.Contains(upper, strings.ToUpper(s)) {
			return s, true
		}
	}
	return "", false
}

// TimingEligible applies the entry timing filter: too close to expiry
// there is no time to get filled, too far out the model has no edge.
func TimingEligible(timeRemaining, min, max time.Duration) bool {
	return timeRemaining >= min && timeRemaining <= max
}
