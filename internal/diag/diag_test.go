package diag

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearFile_TruncatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclave.log")
	require.NoError(t, os.WriteFile(path, []byte("stale history\n"), 0644))

	require.NoError(t, ClearFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestClearFile_CreatesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.log")
	require.NoError(t, ClearFile(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestClearFile_BadDirectory(t *testing.T) {
	err := ClearFile(filepath.Join(t.TempDir(), "missing", "script.log"))
	assert.Error(t, err)
}

func TestNew_WritesToFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.log")
	var console bytes.Buffer

	logger, closer, err := New(path, "info", &console)
	require.NoError(t, err)

	logger.Info("Starting script...")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Starting script...")
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, console.String(), "Starting script...")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, _, err := New(filepath.Join(t.TempDir(), "script.log"), "chatty", nil)
	assert.Error(t, err)
}
