package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allowed_strategies:
  - main
  - conservative-v2
position_size_dollars: "25"
max_exposure_dollars: "150"
kill_switch_enabled: true
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.True(t, m.PositionSizeDollars.Equal(dec("25")))
	assert.True(t, m.MaxExposureDollars.Equal(dec("150")))
	assert.True(t, m.KillSwitchEnabled)

	assert.True(t, m.Allows("main"))
	assert.True(t, m.Allows("conservative-v2"))
	assert.False(t, m.Allows("experimental"))
}

func TestLoadManifestMissingFile(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	// No manifest means no allow-list and no overrides.
	assert.True(t, m.Allows("anything"))
	assert.True(t, m.PositionSizeDollars.IsZero())
	assert.False(t, m.KillSwitchEnabled)
}

func TestLoadManifestRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`allowed_strategies: {broken`), 0o644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}
