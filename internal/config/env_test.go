package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvLocalPath, "/srv/share")
	t.Setenv(EnvRemoteURL, "https://dam.example.com")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "/srv/share", overrides.LocalPath)
	assert.Equal(t, "https://dam.example.com", overrides.RemoteURL)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvLocalPath, "")
	t.Setenv(EnvRemoteURL, "")

	overrides := ReadEnvOverrides()
	assert.Empty(t, overrides.ConfigPath)
	assert.Empty(t, overrides.LocalPath)
	assert.Empty(t, overrides.RemoteURL)
}

func TestReadEnvOverrides_PartiallySet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvLocalPath, "/srv/share")
	t.Setenv(EnvRemoteURL, "")

	overrides := ReadEnvOverrides()
	assert.Empty(t, overrides.ConfigPath)
	assert.Equal(t, "/srv/share", overrides.LocalPath)
	assert.Empty(t, overrides.RemoteURL)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "RQSHARE_CONFIG", EnvConfig)
	assert.Equal(t, "RQSHARE_LOCAL_PATH", EnvLocalPath)
	assert.Equal(t, "RQSHARE_REMOTE_URL", EnvRemoteURL)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	applyEnvOverrides(cfg, EnvOverrides{LocalPath: "/srv/share", RemoteURL: "https://dam.example.com"})

	assert.Equal(t, "/srv/share", cfg.Local.Path)
	assert.Equal(t, "https://dam.example.com", cfg.Remote.BaseURL)
}

func TestApplyCLIOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Local.Path = "/srv/share"

	applyCLIOverrides(cfg, CLIOverrides{LocalPath: "/srv/other"})
	assert.Equal(t, "/srv/other", cfg.Local.Path)
}

func TestApplyCLIOverrides_EmptyLeavesExisting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.BaseURL = "https://dam.example.com"

	applyCLIOverrides(cfg, CLIOverrides{})
	assert.Equal(t, "https://dam.example.com", cfg.Remote.BaseURL)
}
