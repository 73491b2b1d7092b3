// Package config implements TOML configuration loading, validation, and
// environment/CLI override layering for the RQ caching share.
package config

import "time"

// Config is the top-level configuration structure for one share instance.
type Config struct {
	Local   LocalConfig   `toml:"local"`
	Remote  RemoteConfig  `toml:"remote"`
	Cache   CacheConfig   `toml:"cache"`
	Queue   QueueConfig   `toml:"queue"`
	Logging LoggingConfig `toml:"logging"`
}

// LocalConfig controls the on-disk cache root.
type LocalConfig struct {
	// Path is the root of the cache tree on disk (spec.md §6 "local.path").
	Path string `toml:"path"`
	// WatchLocalCache enables the fsnotify-based integrity watcher (SPEC_FULL §4.H).
	WatchLocalCache bool `toml:"watch_local_cache"`
}

// RemoteConfig controls the HTTP DAM client.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CacheConfig controls path normalization and list-cache TTL.
type CacheConfig struct {
	// ContentCacheTTL is the ListCache TTL in milliseconds (spec.md §6).
	ContentCacheTTLMs int `toml:"content_cache_ttl_ms"`
	// NoUnicodeNormalize disables NFKC normalization of path keys.
	NoUnicodeNormalize bool `toml:"no_unicode_normalize"`
}

// QueueConfig controls RequestQueue drain behavior (spec.md §6).
type QueueConfig struct {
	// ExpirationMs is the minimum age before an RQ entry is eligible for processing.
	ExpirationMs int `toml:"expiration_ms"`
	MaxRetries   int `toml:"max_retries"`
	// RetryDelayMs is the backoff base in milliseconds.
	RetryDelayMs int `toml:"retry_delay_ms"`
	// FrequencyMs is the processor poll period in milliseconds.
	FrequencyMs int `toml:"frequency_ms"`
	// DBPath is the SQLite file backing the persistent request queue.
	DBPath string `toml:"db_path"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Expiration returns the configured RQ expiration as a duration.
func (c QueueConfig) Expiration() time.Duration {
	return time.Duration(c.ExpirationMs) * time.Millisecond
}

// RetryDelay returns the configured RQ retry backoff base as a duration.
func (c QueueConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Frequency returns the configured processor poll period as a duration.
func (c QueueConfig) Frequency() time.Duration {
	return time.Duration(c.FrequencyMs) * time.Millisecond
}

// ContentCacheTTL returns the configured ListCache TTL as a duration.
func (c CacheConfig) ContentCacheTTL() time.Duration {
	return time.Duration(c.ContentCacheTTLMs) * time.Millisecond
}
