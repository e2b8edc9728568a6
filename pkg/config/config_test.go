package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/missionctl/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 8, cfg.Missions.MaxConcurrent)
	assert.Equal(t, 10*time.Second, cfg.Missions.CancelGrace)
	assert.False(t, cfg.Missions.WaitForWorkspace)
	assert.Equal(t, 5, cfg.Bridge.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.BackoffInitial)
	assert.Equal(t, 10*time.Second, cfg.Bridge.BackoffMax)
	assert.Equal(t, 256, cfg.Hub.BufferSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	t.Setenv("HOME", home)

	userCfgDir := filepath.Join(home, ".missionctl")
	require.NoError(t, os.MkdirAll(userCfgDir, 0o755))
	userCfg := `
missions:
  max_concurrent: 3
  cancel_grace: 4s
bridge:
  base_url: http://runtime.local:9000
`
	require.NoError(t, os.WriteFile(filepath.Join(userCfgDir, "config.yaml"), []byte(userCfg), 0o644))

	projectCfgDir := filepath.Join(project, ".missionctl")
	require.NoError(t, os.MkdirAll(projectCfgDir, 0o755))
	projectCfg := `
missions:
  max_concurrent: 2
hub:
  buffer_size: 32
`
	require.NoError(t, os.WriteFile(filepath.Join(projectCfgDir, "config.yaml"), []byte(projectCfg), 0o644))

	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(project))
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Missions.MaxConcurrent, "project overrides user")
	assert.Equal(t, 4*time.Second, cfg.Missions.CancelGrace, "user value survives project merge")
	assert.Equal(t, "http://runtime.local:9000", cfg.Bridge.BaseURL)
	assert.Equal(t, 32, cfg.Hub.BufferSize)
	assert.Equal(t, 5, cfg.Bridge.MaxRetries, "defaults kept for untouched keys")
	assert.True(t, filepath.IsAbs(cfg.Storage.Path))
}

func TestLoadFromPathRejectsUnknownSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  planning: x\n"), 0o644))

	_, err := config.LoadFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config section")
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("MISSIONCTL_MAX_CONCURRENT", "12")
	t.Setenv("MISSIONCTL_CANCEL_GRACE", "2s")
	t.Setenv("MISSIONCTL_WAIT_FOR_WORKSPACE", "yes")
	t.Setenv("MISSIONCTL_BRIDGE_URL", "http://127.0.0.1:1234")
	t.Setenv("MISSIONCTL_DB_PATH", "~/db/missions.db")

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 12, cfg.Missions.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Missions.CancelGrace)
	assert.True(t, cfg.Missions.WaitForWorkspace)
	assert.Equal(t, "http://127.0.0.1:1234", cfg.Bridge.BaseURL)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "db", "missions.db"), cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"non-loopback listen without allow_remote", func(c *config.Config) { c.Server.Listen = "0.0.0.0:4480" }},
		{"remote without auth token", func(c *config.Config) {
			c.Server.Listen = "0.0.0.0:4480"
			c.Server.AllowRemote = true
		}},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"zero concurrency", func(c *config.Config) { c.Missions.MaxConcurrent = 0 }},
		{"backoff inverted", func(c *config.Config) { c.Bridge.BackoffMax = time.Millisecond }},
		{"zero hub buffer", func(c *config.Config) { c.Hub.BufferSize = 0 }},
		{"install template without placeholder", func(c *config.Config) { c.Workspaces.Container.PackageInstallCmd = "apk add" }},
		{"bus enabled without url", func(c *config.Config) {
			c.Bus.Enabled = true
			c.Bus.URL = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("remote with auth token", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Server.Listen = "0.0.0.0:4480"
		cfg.Server.AllowRemote = true
		cfg.API.AuthToken = "secret"
		assert.NoError(t, cfg.Validate())
	})
}
