package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func debugWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".spechound"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".spechound", "config.json"),
		[]byte(`{"logging":{"debug_mode":true,"level":"debug"}}`), 0644))
	return ws
}

func TestCategoryHelpersWriteTheirFiles(t *testing.T) {
	ws := debugWorkspace(t)
	require.NoError(t, Initialize(ws))
	defer CloseAll()

	Browser("session opened")
	BrowserDebug("navigating %s", "https://example.com/specs")
	Fetch("fetched one url")

	CloseAll()

	assert.Contains(t, categoryLog(t, ws, "browser"), "session opened")
	assert.Contains(t, categoryLog(t, ws, "browser"), "navigating https://example.com/specs")
	assert.Contains(t, categoryLog(t, ws, "fetch"), "fetched one url")
}

// categoryLog reads the date-prefixed log file for a category.
func categoryLog(t *testing.T, ws, category string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(ws, ".spechound", "logs", "*_"+category+".log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return string(data)
}

func TestProductionModeWritesNothing(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws))
	defer CloseAll()

	Round("round 1 complete")

	_, err := os.Stat(filepath.Join(ws, ".spechound", "logs"))
	assert.True(t, os.IsNotExist(err))
}
