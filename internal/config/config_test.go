package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesCompiledDefaults(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ENV", "test-env-that-does-not-exist")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.TargetDir)
	assert.Equal(t, "localhost", cfg.BrokerHost)
	assert.Equal(t, 6379, cfg.BrokerPort)
	assert.Equal(t, "neo4j", cfg.GraphDatabase)
	assert.Equal(t, 100, cfg.ForceMaxConcurrency)
}

func TestLoadEnvironmentOverridesOverlay(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ENV", "test-env-that-does-not-exist")
	dir := t.TempDir()
	overlay := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("brokerhost: from-overlay\nbrokerport: 1111\n"), 0o644))

	t.Setenv("BROKER_PORT", "2222")

	cfg, err := Load(overlay)
	require.NoError(t, err)
	assert.Equal(t, "from-overlay", cfg.BrokerHost)
	assert.Equal(t, 2222, cfg.BrokerPort, "process environment must win over the overlay file")
}

func TestLoadOverlaySurvivesWhenEnvVarUnset(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ENV", "test-env-that-does-not-exist")
	dir := t.TempDir()
	overlay := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("graphdatabase: from-overlay-db\n"), 0o644))

	cfg, err := Load(overlay)
	require.NoError(t, err)
	assert.Equal(t, "from-overlay-db", cfg.GraphDatabase, "a file overlay value must not be clobbered by the compiled-in default when the env var is unset")
}

func TestLoadClampsForceMaxConcurrencyToHardCap(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ENV", "test-env-that-does-not-exist")
	t.Setenv("FORCE_MAX_CONCURRENCY", "500")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, hardConcurrencyCap, cfg.ForceMaxConcurrency)
}

func TestLoadMissingOverlayFileErrors(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ENV", "test-env-that-does-not-exist")
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
