package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minContentCacheTTLMs = 0
	minMaxRetries        = 0
	minFrequencyMs       = 10
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLocal(&cfg.Local)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Remote)...)

	return errors.Join(errs...)
}

func validateLocal(l *LocalConfig) []error {
	if l.Path == "" {
		return []error{errors.New("local.path: must not be empty")}
	}

	return nil
}

func validateCache(c *CacheConfig) []error {
	if c.ContentCacheTTLMs < minContentCacheTTLMs {
		return []error{fmt.Errorf("cache.content_cache_ttl_ms: must be >= %d, got %d",
			minContentCacheTTLMs, c.ContentCacheTTLMs)}
	}

	return nil
}

func validateQueue(q *QueueConfig) []error {
	var errs []error

	if q.ExpirationMs < 0 {
		errs = append(errs, fmt.Errorf("queue.expiration_ms: must be >= 0, got %d", q.ExpirationMs))
	}

	if q.MaxRetries < minMaxRetries {
		errs = append(errs, fmt.Errorf("queue.max_retries: must be >= %d, got %d", minMaxRetries, q.MaxRetries))
	}

	if q.RetryDelayMs < 0 {
		errs = append(errs, fmt.Errorf("queue.retry_delay_ms: must be >= 0, got %d", q.RetryDelayMs))
	}

	if q.FrequencyMs < minFrequencyMs {
		errs = append(errs, fmt.Errorf("queue.frequency_ms: must be >= %d, got %d", minFrequencyMs, q.FrequencyMs))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *RemoteConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("remote.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("remote.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
