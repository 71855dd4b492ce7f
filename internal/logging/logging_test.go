package logging

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshnode/meshnode/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToConfiguredFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(config.Logging{
		Level: "debug",
		File:  config.LoggingFile{Enabled: true, Directory: dir, AppLog: "app.log"},
	})
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, log.Level)

	log.Info("hello")

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestNewFallsBackToInfoOnInvalidLevel(t *testing.T) {
	log, err := New(config.Logging{Level: "not-a-level"})
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, log.Level)
}

func TestNewSilentDiscardsOutput(t *testing.T) {
	log := NewSilent()
	require.NotNil(t, log)
	require.Equal(t, io.Discard, log.Out)
}
