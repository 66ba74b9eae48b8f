package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Convergence.MaxRounds, cfg.Convergence.MaxRounds)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"workspace: /srv/hound\nconvergence:\n  max_rounds: 7\nllm:\n  model: gpt-4o-mini\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/hound", cfg.Workspace)
	assert.Equal(t, 7, cfg.Convergence.MaxRounds)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	// Untouched knobs keep their defaults.
	assert.Equal(t, DefaultConfig().Convergence.PerRunURLCap, cfg.Convergence.PerRunURLCap)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("SPECHOUND_DB_PATH", "/tmp/override.db")
	t.Setenv("SPECHOUND_MAX_ROUNDS", "9")
	t.Setenv("SPECHOUND_SEARCH_URL", "http://searx.local/search")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.DatabasePath)
	assert.Equal(t, 9, cfg.Convergence.MaxRounds)
	assert.Equal(t, "http://searx.local/search", cfg.Discovery.SearchEndpoint)
}

func TestLoadRejectsInsaneKnobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("convergence:\n  max_rounds: 0\n"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "max_rounds")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace: [unclosed"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse")
}
