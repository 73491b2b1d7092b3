package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to stderr, ensuring all
// config debug output appears in test output for CI visibility.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
[local]
path = "/srv/share"
watch_local_cache = false

[remote]
base_url = "https://dam.example.com"
connect_timeout = "5s"
data_timeout = "30s"
user_agent = "rqshare/test"

[cache]
content_cache_ttl_ms = 60000
no_unicode_normalize = true

[queue]
expiration_ms = 1000
max_retries = 3
retry_delay_ms = 2000
frequency_ms = 100

[logging]
log_level = "debug"
log_format = "json"
`
	path := writeTestConfig(t, tomlContent)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "/srv/share", cfg.Local.Path)
	assert.False(t, cfg.Local.WatchLocalCache)
	assert.Equal(t, "https://dam.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "5s", cfg.Remote.ConnectTimeout)
	assert.Equal(t, "30s", cfg.Remote.DataTimeout)
	assert.Equal(t, "rqshare/test", cfg.Remote.UserAgent)
	assert.Equal(t, 60000, cfg.Cache.ContentCacheTTLMs)
	assert.True(t, cfg.Cache.NoUnicodeNormalize)
	assert.Equal(t, 1000, cfg.Queue.ExpirationMs)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 2000, cfg.Queue.RetryDelayMs)
	assert.Equal(t, 100, cfg.Queue.FrequencyMs)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
}

func TestLoad_PartialConfig_RetainsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[local]
path = "/srv/share"
`)

	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "/srv/share", cfg.Local.Path)
	assert.True(t, cfg.Local.WatchLocalCache)
	assert.Equal(t, "10s", cfg.Remote.ConnectTimeout)
	assert.Equal(t, 30_000, cfg.Cache.ContentCacheTTLMs)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
}

func TestLoad_UnknownKey_Rejected(t *testing.T) {
	path := writeTestConfig(t, `
[local]
path = "/srv/share"
bogus_key = "oops"
`)

	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, `this is not [ valid toml`)

	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"), testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_FailsValidation(t *testing.T) {
	path := writeTestConfig(t, `
[local]
path = "/srv/share"

[queue]
frequency_ms = 1
`)

	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOrDefault_ExistingFile(t *testing.T) {
	path := writeTestConfig(t, `
[local]
path = "/srv/share"
`)

	cfg, err := LoadOrDefault(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "/srv/share", cfg.Local.Path)
}

func TestResolve_FileThenEnvThenCLI(t *testing.T) {
	path := writeTestConfig(t, `
[local]
path = "/srv/from-file"

[remote]
base_url = "https://from-file.example.com"
`)

	env := EnvOverrides{ConfigPath: path, RemoteURL: "https://from-env.example.com"}
	cli := CLIOverrides{LocalPath: "/srv/from-cli"}

	cfg, err := Resolve(env, cli, testLogger(t))
	require.NoError(t, err)

	// CLI wins over file for local.path; env wins over file for remote.base_url.
	assert.Equal(t, "/srv/from-cli", cfg.Local.Path)
	assert.Equal(t, "https://from-env.example.com", cfg.Remote.BaseURL)
}

func TestResolve_NoFile_UsesDefaultsAndOverrides(t *testing.T) {
	env := EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}
	cli := CLIOverrides{LocalPath: "/srv/share"}

	cfg, err := Resolve(env, cli, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "/srv/share", cfg.Local.Path)
}

func TestResolve_ValidationFailure(t *testing.T) {
	env := EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}

	// No local.path supplied anywhere -> validation must fail.
	_, err := Resolve(env, CLIOverrides{}, testLogger(t))
	require.Error(t, err)
}

func TestResolveConfigPath_Priority(t *testing.T) {
	def := DefaultConfigPath()
	assert.Equal(t, def, ResolveConfigPath(EnvOverrides{}, CLIOverrides{}, testLogger(t)))

	envOnly := ResolveConfigPath(EnvOverrides{ConfigPath: "/env/path.toml"}, CLIOverrides{}, testLogger(t))
	assert.Equal(t, "/env/path.toml", envOnly)

	cliWins := ResolveConfigPath(
		EnvOverrides{ConfigPath: "/env/path.toml"},
		CLIOverrides{ConfigPath: "/cli/path.toml"},
		testLogger(t),
	)
	assert.Equal(t, "/cli/path.toml", cliWins)
}

func TestDefaultConfigPath_NonEmpty(t *testing.T) {
	assert.NotEmpty(t, DefaultConfigPath())
}
