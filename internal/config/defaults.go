package config

// Default values for configuration options. These represent the "layer 0"
// of the defaults -> file -> env -> CLI override chain and are chosen to be
// safe, reasonable starting points that work without any config file.
const (
	defaultContentCacheTTLMs = 30_000
	defaultExpirationMs      = 0
	defaultMaxRetries        = 5
	defaultRetryDelayMs      = 1_000
	defaultFrequencyMs       = 500
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"
	defaultUserAgent         = "rqshare/dev"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Local: defaultLocalConfig(),
		Remote: RemoteConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      defaultUserAgent,
		},
		Cache: CacheConfig{
			ContentCacheTTLMs: defaultContentCacheTTLMs,
		},
		Queue: defaultQueueConfig(),
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

func defaultLocalConfig() LocalConfig {
	return LocalConfig{
		WatchLocalCache: true,
	}
}

func defaultQueueConfig() QueueConfig {
	return QueueConfig{
		ExpirationMs: defaultExpirationMs,
		MaxRetries:   defaultMaxRetries,
		RetryDelayMs: defaultRetryDelayMs,
		FrequencyMs:  defaultFrequencyMs,
	}
}
