package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY SAFEGUARDS
// ═══════════════════════════════════════════════════════════════════════════════
//
// One reservation per (windowId, strategyId), driven through a strict
// state machine:
//
//	NONE → reserved     ReserveEntry (exactly one caller wins)
//	reserved → confirmed ConfirmEntry (order reached the exchange)
//	reserved → NONE      ReleaseEntry (order provably never sent)
//	confirmed → NONE     RemoveEntry  (position closed)
//
// A reservation whose order may be live is confirmed, never released.
//
// ═══════════════════════════════════════════════════════════════════════════════

type entryState int

const (
	entryReserved entryState = iota + 1
	entryConfirmed
)

// Safeguards rate-limits and deduplicates entries.
type Safeguards struct {
	maxEntriesPerTick int

	mu          sync.Mutex
	entries     map[string]entryState // key: windowID + "|" + strategyID
	tickEntries int
}

// NewSafeguards creates the guard with a per-tick entry budget.
func NewSafeguards(maxEntriesPerTick int) *Safeguards {
	return &Safeguards{
		maxEntriesPerTick: maxEntriesPerTick,
		entries:           make(map[string]entryState),
	}
}

func entryKey(windowID, strategyID string) string {
	return windowID + "|" + strategyID
}

// ReserveEntry claims the (window, strategy) slot. Returns false if any
// reservation or confirmed entry already holds it.
func (s *Safeguards) ReserveEntry(windowID, strategyID string) bool {
	key := entryKey(windowID, strategyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.entries[key]; held {
		return false
	}
	s.entries[key] = entryReserved
	return true
}

// ConfirmEntry promotes a reservation to confirmed. Safe to call on an
// already confirmed entry.
func (s *Safeguards) ConfirmEntry(windowID, strategyID string) {
	key := entryKey(windowID, strategyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.entries[key]; !held {
		log.Warn().Str("window", windowID).Str("strategy", strategyID).Msg("Confirm without reservation")
	}
	s.entries[key] = entryConfirmed
}

// ReleaseEntry frees a reservation. Only legal when the caller can
// guarantee the order never reached the exchange; a confirmed entry is
// never released here.
func (s *Safeguards) ReleaseEntry(windowID, strategyID string) {
	key := entryKey(windowID, strategyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[key] == entryConfirmed {
		log.Error().Str("window", windowID).Str("strategy", strategyID).Msg("Refusing to release a confirmed entry")
		return
	}
	delete(s.entries, key)
}

// RemoveEntry frees the slot after the position is closed.
func (s *Safeguards) RemoveEntry(windowID, strategyID string) {
	s.mu.Lock()
	delete(s.entries, entryKey(windowID, strategyID))
	s.mu.Unlock()
}

// HasEntry reports whether the slot is held (reserved or confirmed).
func (s *Safeguards) HasEntry(windowID, strategyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.entries[entryKey(windowID, strategyID)]
	return held
}

// ResetTickEntries zeroes the per-tick counter. The loop calls this at
// the start of its entry stage.
func (s *Safeguards) ResetTickEntries() {
	s.mu.Lock()
	s.tickEntries = 0
	s.mu.Unlock()
}

// CanEnterPosition consumes one slot from the per-tick budget.
func (s *Safeguards) CanEnterPosition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tickEntries >= s.maxEntriesPerTick {
		return false
	}
	s.tickEntries++
	return true
}
