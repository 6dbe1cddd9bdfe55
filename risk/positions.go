package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION TRACKER
// ═══════════════════════════════════════════════════════════════════════════════

// Positions is the in-memory book of open positions. Closes are
// serialised per position: the first closer wins, later evaluators see
// Closed and skip.
type Positions struct {
	mu   sync.RWMutex
	open map[string]*types.Position
}

// NewPositions creates an empty tracker.
func NewPositions() *Positions {
	return &Positions{open: make(map[string]*types.Position)}
}

// Add tracks a freshly opened position.
func (p *Positions) Add(pos *types.Position) {
	p.mu.Lock()
	p.open[pos.ID] = pos
	p.mu.Unlock()
}

// Get returns a tracked position by id.
func (p *Positions) Get(id string) (*types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.open[id]
	return pos, ok
}

// Open returns a stable slice of all open positions.
func (p *Positions) Open() []*types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.Position, 0, len(p.open))
	for _, pos := range p.open {
		out = append(out, pos)
	}
	return out
}

// Count returns the number of open positions.
func (p *Positions) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.open)
}

// Exposure sums entry cost across open positions.
func (p *Positions) Exposure() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range p.open {
		total = total.Add(pos.EntryPrice.Mul(pos.SizeShares))
	}
	return total
}

// UpdatePrice marks a position at the latest book price.
func (p *Positions) UpdatePrice(id string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.open[id]; ok && !pos.Closed {
		pos.UpdatePrice(price)
	}
}

// Close marks a position closed and removes it from the open set.
// Returns false if it was already closed or unknown, so only one exit
// evaluator ever wins.
func (p *Positions) Close(id string, exitPrice decimal.Decimal, reason string) (*types.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.open[id]
	if !ok || pos.Closed {
		return nil, false
	}
	pos.Closed = true
	pos.ClosedAt = time.Now()
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	delete(p.open, id)
	return pos, true
}

// HeldTokens returns open share counts per token id, for verification.
func (p *Positions) HeldTokens() map[string]decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(p.open))
	for _, pos := range p.open {
		if pos.Virtual {
			continue
		}
		out[pos.TokenID] = out[pos.TokenID].Add(pos.SizeShares)
	}
	return out
}
