package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30000, cfg.HealthCheckIntervalMS)
	assert.Equal(t, 600000, cfg.RegistryUpdateIntervalMS)
	assert.Equal(t, int64(50), cfg.SyncThresholdBlocks)
	assert.Equal(t, 3, cfg.RetryAttempts)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
port: 9090
sync_threshold_blocks: 10
chains:
  - name: osmosis
    display_name: Osmosis
    registry_url: https://registry.example/osmosis.json
    base_prefix: /osmosis
    archive_prefix: /osmosis/archive
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, int64(10), cfg.SyncThresholdBlocks)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, "osmosis", cfg.Chains[0].Name)
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o644))

	t.Setenv("CHAIN_RPC_GATEWAY_PORT", "7070")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestChainConfigsAppliesProcessWideSettingsToEveryChain(t *testing.T) {
	cfg := &Config{
		HealthCheckIntervalMS:    15000,
		RegistryUpdateIntervalMS: 120000,
		SyncThresholdBlocks:      25,
		HealthCheckTimeoutMS:     4000,
		Chains: []ChainSpec{
			{Name: "a", BasePrefix: "/a"},
			{Name: "b", BasePrefix: "/b"},
		},
	}
	chains := cfg.ChainConfigs()
	require.Len(t, chains, 2)
	for _, c := range chains {
		assert.Equal(t, int64(25), c.SyncThreshold)
	}
}
