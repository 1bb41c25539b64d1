package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("no file yields the defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("file values override the defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentwire.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
socket_path: /run/custom.sock
server_name: hub
heartbeat_interval: 2s
max_queue_size: 64
http_addr: "127.0.0.1:8080"
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/run/custom.sock", cfg.SocketPath)
		assert.Equal(t, "hub", cfg.ServerName)
		assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, 64, cfg.MaxQueueSize)
		assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
		// Untouched keys keep their defaults.
		assert.Equal(t, Default().HandshakeTimeout, cfg.HandshakeTimeout)
	})

	t.Run("environment overrides the defaults", func(t *testing.T) {
		t.Setenv("AGENTWIRE_SOCKET_PATH", "/run/env.sock")
		t.Setenv("AGENTWIRE_MAX_QUEUE_SIZE", "256")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "/run/env.sock", cfg.SocketPath)
		assert.Equal(t, 256, cfg.MaxQueueSize)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("non-positive queue size is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentwire.yaml")
		require.NoError(t, os.WriteFile(path, []byte("max_queue_size: 0\n"), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/tmp/agentwire.sock", cfg.SocketPath)
	assert.Equal(t, "router", cfg.ServerName)
	assert.Equal(t, 3*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 128, cfg.MaxQueueSize)
	assert.Equal(t, uint32(1<<20), cfg.MaxFrameSize)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
}
