package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_InfoFileFiltersDebug(t *testing.T) {
	dir := t.TempDir()
	infoFile := filepath.Join(dir, "info.log")
	debugFile := filepath.Join(dir, "debug.log")

	require.NoError(t, InitLogger(LogConfig{
		Level:        "debug",
		ConsoleLevel: "error",
		InfoFile:     infoFile,
		DebugFile:    debugFile,
		MaxSizeMB:    1,
	}))
	t.Cleanup(func() { _ = InitLogger(LogConfig{Level: "info"}) })

	L().Debugw("debug only", "k", 1)
	L().Infow("shared line", "k", 2)
	Sync()

	info, err := os.ReadFile(infoFile)
	require.NoError(t, err)
	assert.Contains(t, string(info), "shared line")
	assert.NotContains(t, string(info), "debug only")

	debug, err := os.ReadFile(debugFile)
	require.NoError(t, err)
	assert.Contains(t, string(debug), "debug only")
	assert.Contains(t, string(debug), "shared line")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "warn", parseLevel("WARN", 0).String())
	assert.Equal(t, "error", parseLevel("bogus", parseLevel("error", 0)).String())
}

func TestL_DefaultsWithoutInit(t *testing.T) {
	mu.Lock()
	logger = nil
	mu.Unlock()
	assert.NotNil(t, L())
}
