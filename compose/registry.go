package compose

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMPONENT CATALOG
// ═══════════════════════════════════════════════════════════════════════════════

// Catalog holds every registered component keyed by (type, versionId).
type Catalog struct {
	mu         sync.RWMutex
	components map[ComponentType]map[string]Component
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{components: make(map[ComponentType]map[string]Component)}
}

// Register validates and files a component. Invalid components are
// skipped with a warning rather than failing startup; a template entry
// (name "template") is ignored silently.
func (c *Catalog) Register(comp Component) bool {
	if comp == nil {
		return false
	}
	meta := comp.Metadata()

	if strings.EqualFold(meta.Name, "template") {
		return false
	}
	if meta.Name == "" || meta.Version <= 0 || !meta.Type.Valid() {
		log.Warn().
			Str("name", meta.Name).
			Int("version", meta.Version).
			Str("type", string(meta.Type)).
			Msg("Skipping component with incomplete metadata")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	byID := c.components[meta.Type]
	if byID == nil {
		byID = make(map[string]Component)
		c.components[meta.Type] = byID
	}
	id := meta.VersionID()
	if _, dup := byID[id]; dup {
		log.Warn().Str("component", id).Msg("Duplicate component registration ignored")
		return false
	}
	byID[id] = comp

	log.Debug().Str("component", id).Msg("Component registered")
	return true
}

// Get returns a component by versionId, searching all types.
func (c *Catalog) Get(versionID string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, byID := range c.components {
		if comp, ok := byID[versionID]; ok {
			return comp, true
		}
	}
	return nil, false
}

// GetTyped returns a component only if it is of the wanted type.
func (c *Catalog) GetTyped(t ComponentType, versionID string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[t][versionID]
	return comp, ok
}

// List returns all versionIds of one type.
func (c *Catalog) List(t ComponentType) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.components[t]))
	for id := range c.components[t] {
		out = append(out, id)
	}
	return out
}

// Size returns the number of registered components.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, byID := range c.components {
		n += len(byID)
	}
	return n
}

// InitAll runs every component's optional Init hook.
func (c *Catalog) InitAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, byID := range c.components {
		for id, comp := range byID {
			if init, ok := comp.(Initializer); ok {
				if err := init.Init(); err != nil {
					return fmt.Errorf("init component %s: %w", id, err)
				}
			}
		}
	}
	return nil
}

// ShutdownAll runs every component's optional Shutdown hook.
func (c *Catalog) ShutdownAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, byID := range c.components {
		for _, comp := range byID {
			if down, ok := comp.(Shutdowner); ok {
				down.Shutdown()
			}
		}
	}
}
