package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeConfig(t, path, "features:\n  data_science: \"off\"\n")

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "off", m.Get().Features.DataScience)

	var notified atomic.Int32
	m.RegisterHandler(func(event ChangeEvent) error {
		notified.Add(1)
		return nil
	})

	writeConfig(t, path, "features:\n  data_science: \"on\"\n")
	require.NoError(t, m.Reload())

	assert.Equal(t, "on", m.Get().Features.DataScience)
	assert.Eventually(t, func() bool {
		return notified.Load() >= 1
	}, time.Second, 10*time.Millisecond, "handler should fire after reload")
}

func TestManagerKeepsOldConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeConfig(t, path, "graph:\n  node_timeout: 90s\n")

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, m.Get().Graph.NodeTimeout)

	writeConfig(t, path, "graph:\n  node_timeout: 0s\n")
	assert.Error(t, m.Reload())

	// Previous config stays active.
	assert.Equal(t, 90*time.Second, m.Get().Graph.NodeTimeout)
}

func TestManagerWatchesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	writeConfig(t, path, "features:\n  data_science: \"auto\"\n")

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	writeConfig(t, path, "features:\n  data_science: \"on\"\n")

	assert.Eventually(t, func() bool {
		return m.Get().Features.DataScience == "on"
	}, 3*time.Second, 20*time.Millisecond, "watcher should pick up the write")
}

func TestManagerWithoutPath(t *testing.T) {
	m, err := NewManager("", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start()) // no-op without a file
	assert.NotNil(t, m.Get())
	assert.NoError(t, m.Stop())
}
