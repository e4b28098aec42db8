package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
schema_version = "1.0"
socket_path    = "/tmp/rime-test.sock"
log_level      = "debug"

timeouts {
  request = 30
  plugin  = 5
}

checkpoint {
  retention  = 120
  probe_host = "192.0.2.1"
}

queue {
  max_pending    = 16
  max_concurrent = 4
}

plugin "dhcp" {
  timeout = 20
}

plugin "wireguard" {
  disabled = true
}
`

func TestLoadHCL(t *testing.T) {
	result, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)
	cfg := result.Config

	assert.Equal(t, "/tmp/rime-test.sock", cfg.SocketPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.Timeouts.Request)
	assert.Equal(t, 5, cfg.Timeouts.Plugin)
	assert.Equal(t, 120, cfg.Checkpoint.Retention)
	assert.Equal(t, "192.0.2.1", cfg.Checkpoint.ProbeHost)
	assert.Equal(t, 16, cfg.Queue.MaxPending)

	// Defaults fill what the file left out
	assert.Equal(t, 10, cfg.Timeouts.Query)
	assert.NotEmpty(t, cfg.PluginDir)
	assert.Equal(t, 4<<20, cfg.Queue.MaxFrameBytes)

	dhcp, ok := cfg.PluginOverride("dhcp")
	require.True(t, ok)
	assert.Equal(t, 20, dhcp.Timeout)

	wg, ok := cfg.PluginOverride("wireguard")
	require.True(t, ok)
	assert.True(t, wg.Disabled)

	_, ok = cfg.PluginOverride("dns")
	assert.False(t, ok)
}

func TestLoadJSON(t *testing.T) {
	jsonData := `{
		"schema_version": "1.0",
		"socket_path": "/tmp/rime.sock",
		"timeouts": {"request": 45}
	}`

	result, err := LoadJSON([]byte(jsonData))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rime.sock", result.Config.SocketPath)
	assert.Equal(t, 45, result.Config.Timeouts.Request)
}

func TestLoadFileMissingGivesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestUnsupportedVersion(t *testing.T) {
	_, err := LoadHCL([]byte(`schema_version = "9.0"`), "test.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config schema version")
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		errs := Default().Validate()
		assert.False(t, errs.HasErrors(), "default config should validate: %s", errs.Error())
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := Default()
		cfg.LogLevel = "verbose"
		errs := cfg.Validate()
		assert.True(t, errs.HasErrors())
		assert.Contains(t, errs.Error(), "log_level")
	})

	t.Run("syslog enabled without host", func(t *testing.T) {
		cfg := Default()
		cfg.Syslog.Enabled = true
		errs := cfg.Validate()
		assert.True(t, errs.HasErrors())
		assert.Contains(t, errs.Error(), "syslog.host")
	})

	t.Run("plugin timeout above request is a warning", func(t *testing.T) {
		cfg := Default()
		cfg.Timeouts.Plugin = cfg.Timeouts.Request + 1
		errs := cfg.Validate()
		assert.False(t, errs.HasErrors())
		assert.Len(t, errs, 1)
		assert.Equal(t, "warning", errs[0].Severity)
	})

	t.Run("duplicate plugin blocks", func(t *testing.T) {
		cfg := Default()
		cfg.Plugins = []PluginConfig{{Name: "dhcp"}, {Name: "dhcp"}}
		errs := cfg.Validate()
		assert.True(t, errs.HasErrors())
		assert.Contains(t, errs.Error(), "duplicate plugin block")
	})

	t.Run("tiny frame cap", func(t *testing.T) {
		cfg := Default()
		cfg.Queue.MaxFrameBytes = 100
		errs := cfg.Validate()
		assert.True(t, errs.HasErrors())
	})
}

func TestSaveAndReloadHCL(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = "/tmp/roundtrip.sock"
	cfg.Timeouts.Request = 42

	path := filepath.Join(t.TempDir(), "rime.hcl")
	require.NoError(t, SaveFile(cfg, path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/roundtrip.sock", loaded.SocketPath)
	assert.Equal(t, 42, loaded.Timeouts.Request)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Request = 90
	assert.Equal(t, "1m30s", cfg.Timeouts.RequestDuration().String())

	cfg.Checkpoint.Retention = 600
	assert.Equal(t, "10m0s", cfg.Checkpoint.RetentionDuration().String())
}
