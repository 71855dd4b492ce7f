package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesBuiltinDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "meshnode", cfg.App.Name)
	require.Equal(t, 8300, cfg.Server.Port)
	require.Equal(t, "auto", cfg.Node.Mode)
	require.Equal(t, 30, cfg.Peer.SyncIntervalSeconds)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\nnode:\n  mode: relay\n"), 0644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "relay", cfg.Node.Mode)
	// untouched defaults survive the merge
	require.Equal(t, "meshnode", cfg.App.Name)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0644))

	t.Setenv("MESHNODE_SERVER__PORT", "7777")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.Server.Port)
}

func TestSaveToYAMLRoundTripsThroughLoad(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	cfg.Node.Mode = "relay"
	cfg.Node.PrimaryServer = "http://seed.example:8300"
	cfg.Peer.MaxHeartbeatFailures = 9

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.SaveToYAML(path))

	reloaded, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "relay", reloaded.Node.Mode)
	require.Equal(t, "http://seed.example:8300", reloaded.Node.PrimaryServer)
	require.Equal(t, 9, reloaded.Peer.MaxHeartbeatFailures)
}

func TestFreezeRejectsFurtherMutation(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	require.NoError(t, cfg.SetNodeMode("relay"))
	require.Equal(t, "relay", cfg.Node.Mode)

	cfg.Freeze()
	require.True(t, cfg.IsFrozen())
	require.ErrorIs(t, cfg.SetNodeMode("full"), ErrFrozen)
	require.Equal(t, "relay", cfg.Node.Mode, "a rejected mutation must not take effect")
}
