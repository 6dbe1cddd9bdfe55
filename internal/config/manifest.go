package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Manifest is the launch manifest: the operator-approved envelope the
// orchestrator enforces regardless of what strategy documents ask for.
type Manifest struct {
	AllowedStrategies   []string
	PositionSizeDollars decimal.Decimal
	MaxExposureDollars  decimal.Decimal
	KillSwitchEnabled   bool
}

type manifestYAML struct {
	AllowedStrategies   []string `yaml:"allowed_strategies"`
	PositionSizeDollars string   `yaml:"position_size_dollars"`
	MaxExposureDollars  string   `yaml:"max_exposure_dollars"`
	KillSwitchEnabled   bool     `yaml:"kill_switch_enabled"`
}

// LoadManifest reads the YAML launch manifest at path. A missing file is
// not an error: trading proceeds with config defaults and no allow-list.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var raw manifestYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m := &Manifest{
		AllowedStrategies: raw.AllowedStrategies,
		KillSwitchEnabled: raw.KillSwitchEnabled,
	}
	if raw.PositionSizeDollars != "" {
		if m.PositionSizeDollars, err = decimal.NewFromString(raw.PositionSizeDollars); err != nil {
			return nil, fmt.Errorf("manifest position_size_dollars: %w", err)
		}
	}
	if raw.MaxExposureDollars != "" {
		if m.MaxExposureDollars, err = decimal.NewFromString(raw.MaxExposureDollars); err != nil {
			return nil, fmt.Errorf("manifest max_exposure_dollars: %w", err)
		}
	}
	return m, nil
}

// Allows reports whether the manifest permits the named strategy.
// An empty allow-list permits everything.
func (m *Manifest) Allows(strategy string) bool {
	if len(m.AllowedStrategies) == 0 {
		return true
	}
	for _, s := range m.AllowedStrategies {
		if s == strategy {
			return true
		}
	}
	return false
}
