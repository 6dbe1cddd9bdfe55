package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BookTick is one buffered top-of-book observation.
type BookTick struct {
	TokenID    string
	Symbol     string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	Mid        decimal.Decimal
	Spread     decimal.Decimal
	BidDepth   decimal.Decimal
	AskDepth   decimal.Decimal
	Levels     string // JSON top-5 of each side
	ObservedAt time.Time
}

const tickColumns = 10

// InsertBookTicks writes a batch with one multi-row statement. Callers
// keep batches at or under 200 rows.
func (d *Database) InsertBookTicks(ticks []BookTick) error {
	if !d.enabled || len(ticks) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(ticks))
	args := make([]interface{}, 0, len(ticks)*tickColumns)
	for i, t := range ticks {
		base := i * tickColumns
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args,
			t.TokenID, t.Symbol, t.BestBid, t.BestAsk, t.Mid, t.Spread,
			t.BidDepth, t.AskDepth, t.Levels, t.ObservedAt)
	}

	query := `
		INSERT INTO book_ticks (token_id, symbol, best_bid, best_ask, mid, spread,
			bid_depth, ask_depth, levels, observed_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := d.db.Exec(query, args...)
	return err
}
