package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "RQSHARE_CONFIG"
	EnvLocalPath = "RQSHARE_LOCAL_PATH"
	EnvRemoteURL = "RQSHARE_REMOTE_URL"
)

// EnvOverrides holds values derived from environment variables. These are
// resolved by ReadEnvOverrides and applied by Resolve.
type EnvOverrides struct {
	ConfigPath string // RQSHARE_CONFIG: override config file path
	LocalPath  string // RQSHARE_LOCAL_PATH: override local.path
	RemoteURL  string // RQSHARE_REMOTE_URL: override remote.base_url
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		LocalPath:  os.Getenv(EnvLocalPath),
		RemoteURL:  os.Getenv(EnvRemoteURL),
	}
}

// CLIOverrides holds values parsed from command-line flags, applied with
// the highest priority in the override chain.
type CLIOverrides struct {
	ConfigPath string
	LocalPath  string
	RemoteURL  string
}

// applyEnvOverrides merges EnvOverrides into cfg in place.
func applyEnvOverrides(cfg *Config, env EnvOverrides) {
	if env.LocalPath != "" {
		cfg.Local.Path = env.LocalPath
	}

	if env.RemoteURL != "" {
		cfg.Remote.BaseURL = env.RemoteURL
	}
}

// applyCLIOverrides merges CLIOverrides into cfg in place. CLI flags always
// win over environment variables and the config file.
func applyCLIOverrides(cfg *Config, cli CLIOverrides) {
	if cli.LocalPath != "" {
		cfg.Local.Path = cli.LocalPath
	}

	if cli.RemoteURL != "" {
		cfg.Remote.BaseURL = cli.RemoteURL
	}
}
