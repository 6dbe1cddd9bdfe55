package compose

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMPONENT UPGRADES
// ═══════════════════════════════════════════════════════════════════════════════

// DocumentStore persists strategy documents. Satisfied by the database.
type DocumentStore interface {
	SaveStrategyDocument(name, document string) error
}

// UpgradeRequest swaps one slot of one strategy to a new component.
type UpgradeRequest struct {
	Strategy     string
	Slot         string
	NewVersionID string
}

// UpgradeResult reports one upgrade attempt.
type UpgradeResult struct {
	Strategy string
	Slot     string
	From     []string
	To       string
	Applied  bool
	Err      error
}

// checkUpgrade validates a request without mutating anything.
func (s *Strategies) checkUpgrade(req UpgradeRequest) (*Strategy, Component, error) {
	strat, ok := s.Get(req.Strategy)
	if !ok {
		return nil, nil, fmt.Errorf("unknown strategy %q", req.Strategy)
	}

	want, ok := slotType(req.Slot)
	if !ok {
		return nil, nil, fmt.Errorf("unknown slot %q", req.Slot)
	}
	if _, held := strat.Components[req.Slot]; !held {
		return nil, nil, fmt.Errorf("strategy %q has no slot %q", req.Strategy, req.Slot)
	}

	comp, found := s.catalog.GetTyped(want, req.NewVersionID)
	if !found {
		if _, anyType := s.catalog.Get(req.NewVersionID); anyType {
			return nil, nil, fmt.Errorf("component %s is not a %s", req.NewVersionID, want)
		}
		return nil, nil, fmt.Errorf("unknown component %s", req.NewVersionID)
	}

	// The existing strategy config must survive the swap.
	if err := comp.ValidateConfig(strat.Config); err != nil {
		return nil, nil, fmt.Errorf("config rejected by %s: %w", req.NewVersionID, err)
	}
	return strat, comp, nil
}

// Upgrade applies one component swap and persists the updated document
// atomically. The in-memory strategy mutates only after persistence
// succeeds.
func (s *Strategies) Upgrade(req UpgradeRequest, store DocumentStore) UpgradeResult {
	res := UpgradeResult{Strategy: req.Strategy, Slot: req.Slot, To: req.NewVersionID}

	strat, comp, err := s.checkUpgrade(req)
	if err != nil {
		res.Err = err
		return res
	}
	res.From = append(res.From, strat.VersionIDs[req.Slot]...)

	doc := strat.document()
	doc.Components[req.Slot] = StringList{req.NewVersionID}

	if store != nil {
		encoded, err := marshalDoc(doc)
		if err != nil {
			res.Err = err
			return res
		}
		if err := store.SaveStrategyDocument(strat.Name, encoded); err != nil {
			res.Err = fmt.Errorf("persist upgrade: %w", err)
			return res
		}
	}

	s.mu.Lock()
	strat.Components[req.Slot] = []Component{comp}
	strat.VersionIDs[req.Slot] = []string{req.NewVersionID}
	s.mu.Unlock()

	res.Applied = true
	log.Info().
		Str("strategy", req.Strategy).
		Str("slot", req.Slot).
		Strs("from", res.From).
		Str("to", req.NewVersionID).
		Msg("🔧 Component upgraded")
	return res
}

// BatchUpgrade applies each request independently; one failure never
// aborts the rest.
func (s *Strategies) BatchUpgrade(reqs []UpgradeRequest, store DocumentStore) []UpgradeResult {
	out := make([]UpgradeResult, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, s.Upgrade(req, store))
	}
	return out
}

// Preview runs the same checks as Upgrade and reports the would-be diff
// without mutating or persisting anything.
func (s *Strategies) Preview(req UpgradeRequest) UpgradeResult {
	res := UpgradeResult{Strategy: req.Strategy, Slot: req.Slot, To: req.NewVersionID}

	strat, _, err := s.checkUpgrade(req)
	if err != nil {
		res.Err = err
		return res
	}
	res.From = append(res.From, strat.VersionIDs[req.Slot]...)
	return res
}

// document reconstructs the on-disk form of a live strategy.
func (strat *Strategy) document() *StrategyDoc {
	doc := &StrategyDoc{
		Name:       strat.Name,
		Components: make(map[string]StringList, len(strat.VersionIDs)),
		Config:     strat.Config,
	}
	for slot, ids := range strat.VersionIDs {
		doc.Components[slot] = append(StringList{}, ids...)
	}
	doc.Pipeline.Order = append([]string{}, strat.Pipeline...)
	return doc
}
