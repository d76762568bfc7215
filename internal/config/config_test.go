package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowlofstew/sql-layer/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.False(t, cfg.ClearIncompatibleData)
	assert.Equal(t, "schemaManager", cfg.KVRoot)
	assert.Equal(t, 8, cfg.RetryMaxAttempts)
	assert.Equal(t, []string{"schemaManager"}, cfg.RootPath())
}

func TestLoad_FromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemakv.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
clear_incompatible_data = true

[kv]
root = "myRoot"

[retry]
max_attempts = 3
initial_delay_ms = 20
max_delay_ms = 500
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.ClearIncompatibleData)
	assert.Equal(t, "myRoot", cfg.KVRoot)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 20, int(cfg.RetryInitialDelay.Milliseconds()))
	assert.Equal(t, 500, int(cfg.RetryMaxDelay.Milliseconds()))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemakv.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[kv]
root = "fromFile"
`), 0o644))

	t.Setenv("SCHEMAKV_KV_ROOT", "fromEnv")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromEnv", cfg.KVRoot)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, "schemaManager", cfg.KVRoot)
}

func TestRetryPolicy_MatchesSchemamgrShape(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	rp := cfg.RetryPolicy()
	assert.Equal(t, cfg.RetryMaxAttempts, rp.MaxAttempts)
	assert.Equal(t, cfg.RetryInitialDelay, rp.InitialDelay)
	assert.Equal(t, cfg.RetryMaxDelay, rp.MaxDelay)
}
