package logger

import (
	"os"
	"path/filepath"
	"testing"

	"walletsync/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletsync.log")

	l, err := New(config.Log{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("refresh complete")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "refresh complete")
	assert.NotContains(t, string(data), "hidden")
}

func TestNew_InvalidInput(t *testing.T) {
	_, err := New(config.Log{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = New(config.Log{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
