package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy binds named slots to component versionIds with a shared
// config. Slots are named after the component-type prefix they accept
// ("probability", "entry", ...); composition fails on a prefix mismatch
// or a config the component rejects.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StrategyDoc is the on-disk strategy document.
type StrategyDoc struct {
	Name       string                 `yaml:"name"`
	Components map[string]StringList  `yaml:"components"` // slot -> versionIds
	Config     map[string]interface{} `yaml:"config"`
	Pipeline   struct {
		Order []string `yaml:"order"`
	} `yaml:"pipeline"`
}

// StringList accepts either a scalar or a list in YAML.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = []string{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Strategy is a validated, executable composition.
type Strategy struct {
	Name       string
	Components map[string][]Component // slot -> resolved components
	VersionIDs map[string][]string    // slot -> versionIds, parallel to Components
	Config     Config
	Pipeline   []string // slot execution order
}

// slotType maps a slot name to the component type it accepts.
func slotType(slot string) (ComponentType, bool) {
	for t := range typePrefixes {
		if string(t) == slot {
			return t, true
		}
	}
	return "", false
}

// Strategies is the registry of composed strategies.
type Strategies struct {
	catalog *Catalog

	mu   sync.RWMutex
	byID map[string]*Strategy
}

// NewStrategies creates a registry over the catalog.
func NewStrategies(catalog *Catalog) *Strategies {
	return &Strategies{catalog: catalog, byID: make(map[string]*Strategy)}
}

// Compose validates a document against the catalog and registers the
// resulting strategy.
func (s *Strategies) Compose(doc *StrategyDoc) (*Strategy, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("strategy without a name")
	}
	if len(doc.Components) == 0 {
		return nil, fmt.Errorf("strategy %q has no components", doc.Name)
	}

	strat := &Strategy{
		Name:       doc.Name,
		Components: make(map[string][]Component, len(doc.Components)),
		VersionIDs: make(map[string][]string, len(doc.Components)),
		Config:     Config(doc.Config),
	}

	for slot, versionIDs := range doc.Components {
		want, ok := slotType(slot)
		if !ok {
			return nil, fmt.Errorf("strategy %q: unknown slot %q", doc.Name, slot)
		}
		for _, id := range versionIDs {
			comp, found := s.catalog.GetTyped(want, id)
			if !found {
				if _, anyType := s.catalog.Get(id); anyType {
					return nil, fmt.Errorf("strategy %q: component %s is not a %s", doc.Name, id, want)
				}
				return nil, fmt.Errorf("strategy %q: unknown component %s", doc.Name, id)
			}
			if err := comp.ValidateConfig(strat.Config); err != nil {
				return nil, fmt.Errorf("strategy %q: component %s rejected config: %w", doc.Name, id, err)
			}
			strat.Components[slot] = append(strat.Components[slot], comp)
			strat.VersionIDs[slot] = append(strat.VersionIDs[slot], id)
		}
	}

	strat.Pipeline = doc.Pipeline.Order
	if len(strat.Pipeline) == 0 {
		strat.Pipeline = defaultPipeline(doc.Components)
	}
	for _, slot := range strat.Pipeline {
		if _, ok := strat.Components[slot]; !ok {
			return nil, fmt.Errorf("strategy %q: pipeline slot %q has no components", doc.Name, slot)
		}
	}

	s.mu.Lock()
	s.byID[strat.Name] = strat
	s.mu.Unlock()

	log.Info().Str("strategy", strat.Name).Int("slots", len(strat.Components)).Msg("🧩 Strategy composed")
	return strat, nil
}

// defaultPipeline orders slots probability-first, then the remaining
// slots in a fixed type order, so execution is deterministic without an
// explicit pipeline.
func defaultPipeline(components map[string]StringList) []string {
	order := []string{
		string(TypePriceSource),
		string(TypeProbability),
		string(TypeAnalysis),
		string(TypeSignalGenerator),
		string(TypeEntry),
		string(TypeSizing),
		string(TypeExit),
	}
	out := make([]string, 0, len(components))
	for _, slot := range order {
		if _, ok := components[slot]; ok {
			out = append(out, slot)
		}
	}
	return out
}

// Get returns a registered strategy.
func (s *Strategies) Get(name string) (*Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strat, ok := s.byID[name]
	return strat, ok
}

// All returns every registered strategy.
func (s *Strategies) All() []*Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Strategy, 0, len(s.byID))
	for _, strat := range s.byID {
		out = append(out, strat)
	}
	return out
}

// Remove drops a strategy from the registry.
func (s *Strategies) Remove(name string) {
	s.mu.Lock()
	delete(s.byID, name)
	s.mu.Unlock()
}

// LoadDir composes every *.yaml document under dir. A document that
// fails to parse or compose is reported and skipped, never fatal.
func (s *Strategies) LoadDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Strategy directory unreadable")
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		if strings.HasPrefix(name, "template") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Strategy file unreadable")
			continue
		}
		var doc StrategyDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Strategy file failed to parse")
			continue
		}
		if _, err := s.Compose(&doc); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Strategy failed to compose")
			continue
		}
		loaded++
	}

	log.Info().Int("loaded", loaded).Str("dir", dir).Msg("Strategies loaded")
	return loaded
}

// marshalDoc renders a strategy document for persistence.
func marshalDoc(doc *StrategyDoc) (string, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
